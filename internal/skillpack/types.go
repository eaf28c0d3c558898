// Package skillpack implements SkillPack: a named bundle of tool scope plus
// a prompt fragment, at most one active per session via activate_skill.
// ExcelManus skills never execute their own code (unlike the teacher's
// internal/skill, where a SkillDef compiles to a runnable Go/Python/Node/
// binary tool) — they narrow and steer the existing tool set, so SkillDef
// is generalized into SkillPack: Runtime/Entry/Compiler/Runner drop out,
// ToolScope (which of the already-registered tools this skill allows) and
// PromptFragment (injected into the system prompt while active) take their
// place. Parameter placeholder substitution is kept from
// original_source/excelmanus/skillpacks/arguments.py.
package skillpack

// Param describes one positional argument a skill's prompt fragment can
// reference via $1, $2, ... or $ARGUMENTS.
type Param struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Example is a usage example embedded in docs, shown to the LLM so it knows
// when to call activate_skill.
type Example struct {
	Scenario  string `yaml:"scenario"`
	Arguments string `yaml:"arguments"`
}

// Docs is the human/LLM-readable documentation section of skill.yaml.
type Docs struct {
	WhenToUse    []string  `yaml:"when_to_use"`
	WhenNotToUse []string  `yaml:"when_not_to_use"`
	Examples     []Example `yaml:"examples"`
}

// SkillPack is the parsed content of one skill.yaml: a tool-scope
// restriction plus a prompt fragment template, not an executable unit.
type SkillPack struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	ToolScope      []string `yaml:"tool_scope"` // tool names this skill restricts the agent to; empty = no restriction
	PromptFragment string   `yaml:"prompt_fragment"`
	Parameters     []Param  `yaml:"parameters"`
	Docs           Docs     `yaml:"docs"`

	// Dir is set by the loader to the absolute path of the skill directory.
	Dir string `yaml:"-"`
}

// AllowsTool reports whether name is usable while this skill is active.
// An empty ToolScope means no restriction (every registered tool stays usable).
func (s *SkillPack) AllowsTool(name string) bool {
	if len(s.ToolScope) == 0 {
		return true
	}
	for _, t := range s.ToolScope {
		if t == name {
			return true
		}
	}
	return false
}
