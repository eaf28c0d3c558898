package skillpack

import (
	"fmt"
	"sync"
)

// Manager tracks the loaded SkillPack catalog and, per session, which one
// (if any) is currently active. Ported from internal/skill/manager.go's
// registry-plus-active-set shape, narrowed to "at most one active skill per
// session" per spec.md's activate_skill contract.
type Manager struct {
	mu     sync.RWMutex
	byName map[string]*SkillPack
	active map[string]string // sessionID -> active skill name
}

// NewManager loads every SkillPack found under workspaceDir/skills/.
// Load errors are returned alongside a manager built from whichever packs
// parsed successfully, so a malformed skill.yaml never blocks startup.
func NewManager(workspaceDir string) (*Manager, []error) {
	packs, errs := ScanDir(workspaceDir)
	m := &Manager{
		byName: make(map[string]*SkillPack, len(packs)),
		active: make(map[string]string),
	}
	for _, p := range packs {
		m.byName[p.Name] = p
	}
	return m, errs
}

// List returns every loaded SkillPack.
func (m *Manager) List() []*SkillPack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SkillPack, 0, len(m.byName))
	for _, p := range m.byName {
		out = append(out, p)
	}
	return out
}

// Get returns the named SkillPack, or false if unknown.
func (m *Manager) Get(name string) (*SkillPack, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byName[name]
	return p, ok
}

// Activate sets sessionID's active skill to name and renders its prompt
// fragment against rawArgs, replacing any previously active skill for that
// session (only one can be active at a time).
func (m *Manager) Activate(sessionID, name, rawArgs string) (string, error) {
	m.mu.Lock()
	pack, ok := m.byName[name]
	if ok {
		m.active[sessionID] = name
	}
	m.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("skillpack: unknown skill %q", name)
	}

	args := ParseArguments(rawArgs)
	return Substitute(pack.PromptFragment, args), nil
}

// Deactivate clears sessionID's active skill.
func (m *Manager) Deactivate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, sessionID)
}

// ActiveSkill returns the SkillPack currently active for sessionID, if any.
func (m *Manager) ActiveSkill(sessionID string) (*SkillPack, bool) {
	m.mu.RLock()
	name, ok := m.active[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Get(name)
}

// ToolAllowed reports whether toolName is usable in sessionID's current
// context: always true if no skill is active, otherwise delegates to the
// active skill's ToolScope.
func (m *Manager) ToolAllowed(sessionID, toolName string) bool {
	pack, ok := m.ActiveSkill(sessionID)
	if !ok {
		return true
	}
	return pack.AllowsTool(toolName)
}
