package fvm

import "fmt"

// WorkspaceTransaction is a thin facade binding a transaction id and a
// staging scope to one Manager. Tools never talk to the Manager directly;
// they go through a Transaction so every staged write is attributable to
// the tool-loop turn that produced it (refID) and to the scope the caller
// requested (e.g. excel_only during code execution).
type Transaction struct {
	id      string
	scope   StagingScope
	manager *Manager
}

// NewTransaction binds txID and scope to manager. txID becomes the RefID
// every FileVersion created through this Transaction is tagged with.
func NewTransaction(manager *Manager, txID string, scope StagingScope) *Transaction {
	return &Transaction{id: txID, scope: scope, manager: manager}
}

func (t *Transaction) ID() string { return t.id }

// StageForWrite stages path for writing under this transaction's scope,
// tagging the checkpoint with the transaction id.
func (t *Transaction) StageForWrite(path string) (string, error) {
	return t.manager.StageForWrite(path, t.id, t.scope)
}

// ResolveRead returns the staged path for path if one exists under this
// transaction (so reads observe in-flight writes), otherwise the resolved
// original path.
func (t *Transaction) ResolveRead(path string) (string, error) {
	if staged, err := t.manager.GetStagedPath(path); err == nil && staged != "" {
		return staged, nil
	}
	return t.manager.resolve(path)
}

// CommitAll commits every active staging entry of the manager (entries are
// not tracked per transaction) and invalidates the version chains of the
// files that have versions tagged with this transaction's id (V2).
func (t *Transaction) CommitAll() ([]CommitResult, error) {
	versions := t.manager.ListByRef(t.id)
	paths := make([]string, 0, len(versions))
	for _, v := range versions {
		paths = append(paths, v.FilePath)
	}

	results, err := t.manager.CommitAllStaged()
	if err != nil {
		return results, fmt.Errorf("fvm: commit transaction %s: %w", t.id, err)
	}
	t.manager.InvalidateUndo(paths)
	return results, nil
}

// RollbackAll discards every active staging entry of the manager, not only
// this transaction's, leaving originals untouched.
func (t *Transaction) RollbackAll() int {
	return t.manager.DiscardAllStaged()
}

// RegisterCoWMapping records a copy-on-write redirect produced by a
// sandboxed tool running under this transaction.
func (t *Transaction) RegisterCoWMapping(srcRel, dstRel string) error {
	return t.manager.RegisterCoWMapping(srcRel, dstRel)
}

// FileMap returns the original→staged path map for the sandbox env
// contract (EXCELMANUS_STAGING_MAP).
func (t *Transaction) FileMap() map[string]string {
	return t.manager.StagedFileMap()
}

// Manager exposes the underlying FileVersionManager for operations that
// aren't transaction-scoped (e.g. turn checkpoints, GC).
func (t *Transaction) Manager() *Manager { return t.manager }
