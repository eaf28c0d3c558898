package skillpack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	skillsSubdir = "skills"
	skillYAML    = "skill.yaml"
)

// ScanDir scans <workspaceDir>/skills/ and returns all valid SkillPacks.
// Subdirectories without a skill.yaml are silently skipped. Ported from
// internal/skill/loader.go's ScanDir, generalized to validate the
// tool-scope/prompt-fragment shape instead of runtime/entry.
func ScanDir(workspaceDir string) ([]*SkillPack, []error) {
	skillsDir := filepath.Join(workspaceDir, skillsSubdir)

	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("skillpack: scan %q: %w", skillsDir, err)}
	}

	var packs []*SkillPack
	var errs []error

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		skillDir := filepath.Join(skillsDir, e.Name())
		yamlPath := filepath.Join(skillDir, skillYAML)

		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("skillpack: read %q: %w", yamlPath, err))
			continue
		}

		var pack SkillPack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			errs = append(errs, fmt.Errorf("skillpack: parse %q: %w", yamlPath, err))
			continue
		}

		if err := validatePack(&pack, e.Name()); err != nil {
			errs = append(errs, err)
			continue
		}

		pack.Dir = skillDir
		packs = append(packs, &pack)
	}

	return packs, errs
}

func validatePack(pack *SkillPack, dirName string) error {
	if pack.Name == "" {
		return fmt.Errorf("skillpack %q: name is required", dirName)
	}
	if pack.Description == "" {
		return fmt.Errorf("skillpack %q: description is required", dirName)
	}
	if pack.PromptFragment == "" {
		return fmt.Errorf("skillpack %q: prompt_fragment is required", dirName)
	}
	if pack.Name != dirName && !strings.HasPrefix(pack.Name, dirName+"_") {
		return fmt.Errorf("skillpack %q: name %q must start with %q prefix", dirName, pack.Name, dirName+"_")
	}
	return nil
}
