package fvm

import "time"

// CreateTurnCheckpoint snapshots the given files under reason=turn, tags the
// resulting versions with ref_id "turn:<n>", and pushes a TurnCheckpoint onto
// the ring buffer (bounded by maxTurnCheckpoints). No caller outside the
// tests invokes it; the agent loop creates no turn checkpoints.
func (m *Manager) CreateTurnCheckpoint(turnNumber int, paths []string, toolNames []string) *TurnCheckpoint {
	refID := turnRef(turnNumber)
	versions := m.CheckpointMany(paths, ReasonTurn, refID)

	ids := make([]string, 0, len(versions))
	files := make([]string, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.VersionID)
		files = append(files, v.FilePath)
	}

	tc := &TurnCheckpoint{
		TurnNumber:    turnNumber,
		CreatedAt:     time.Now(),
		VersionIDs:    ids,
		FilesModified: files,
		ToolNames:     append([]string(nil), toolNames...),
	}

	m.mu.Lock()
	m.turnCheckpoints = append(m.turnCheckpoints, tc)
	if len(m.turnCheckpoints) > m.maxTurnCheckpoints {
		m.turnCheckpoints = m.turnCheckpoints[len(m.turnCheckpoints)-m.maxTurnCheckpoints:]
	}
	m.mu.Unlock()

	return tc
}

// ListTurnCheckpoints returns the retained checkpoints, oldest first.
func (m *Manager) ListTurnCheckpoints() []*TurnCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TurnCheckpoint, len(m.turnCheckpoints))
	copy(out, m.turnCheckpoints)
	return out
}

// RollbackToTurn restores every file touched at or after turnNumber back to
// its state immediately before that turn, then drops the rolled-back
// checkpoints from the ring buffer. Files are restored to the version
// immediately preceding the target turn's first version in their own chain;
// a file with no earlier version is restored to the first version in its
// chain (removed only when that version is a tombstone).
func (m *Manager) RollbackToTurn(turnNumber int) ([]string, error) {
	m.mu.Lock()
	var toRollback []*TurnCheckpoint
	var kept []*TurnCheckpoint
	for _, tc := range m.turnCheckpoints {
		if tc.TurnNumber >= turnNumber {
			toRollback = append(toRollback, tc)
		} else {
			kept = append(kept, tc)
		}
	}
	m.mu.Unlock()

	touched := make(map[string]bool)
	for _, tc := range toRollback {
		for _, f := range tc.FilesModified {
			touched[f] = true
		}
	}

	var restored []string
	for relPath := range touched {
		m.mu.Lock()
		chain := m.chains[relPath]
		var target *FileVersion
		for _, v := range chain {
			if v.Reason == ReasonTurn && parseTurnRef(v.RefID) >= turnNumber {
				break
			}
			target = v
		}
		m.mu.Unlock()

		if target == nil {
			// File had no version predating this turn: restore the first
			// version in its chain.
			if err := m.restoreLocked(relPath, chainFirstVersionID(chain)); err != nil {
				continue
			}
			restored = append(restored, relPath)
			continue
		}
		if err := m.Restore(relPath, target.VersionID); err != nil {
			continue
		}
		restored = append(restored, relPath)
	}

	m.mu.Lock()
	m.turnCheckpoints = kept
	m.mu.Unlock()

	return restored, nil
}

func chainFirstVersionID(chain []*FileVersion) string {
	if len(chain) == 0 {
		return ""
	}
	return chain[0].VersionID
}

func turnRef(turnNumber int) string {
	return "turn:" + itoa(turnNumber)
}

// parseTurnRef extracts the numeric turn from a "turn:N" ref_id, or -1 if
// refID isn't in that form.
func parseTurnRef(refID string) int {
	const prefix = "turn:"
	if len(refID) <= len(prefix) || refID[:len(prefix)] != prefix {
		return -1
	}
	n := 0
	for _, c := range refID[len(prefix):] {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
