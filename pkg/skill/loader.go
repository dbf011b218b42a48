package skill

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BundledSkills holds skill files embedded in the binary.
//
//go:embed bundled/*.md
var BundledSkills embed.FS

// Loader parses SKILL.md files from the bundled set and from
// directories on disk.
type Loader struct{}

// NewLoader creates a new skill loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadBundled loads the skills embedded in the binary.
func (l *Loader) LoadBundled(skills map[string]*Skill) error {
	entries, err := BundledSkills.ReadDir("bundled")
	if err != nil {
		return nil
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}

		path := filepath.Join("bundled", entry.Name())
		content, err := BundledSkills.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read bundled skill %s: %w", entry.Name(), err)
		}

		skill, err := l.Parse(string(content))
		if err != nil {
			return fmt.Errorf("failed to parse bundled skill %s: %w", entry.Name(), err)
		}

		skill.Source = "bundled"
		skill.FilePath = path
		skill.LoadedAt = time.Now()

		skills[skill.Name] = skill
	}

	return nil
}

// LoadDir loads all skills under dir: either SKILL.md inside a
// subdirectory per skill, or bare .md files. A missing directory is not
// an error; a malformed skill file skips that skill only.
func (l *Loader) LoadDir(dir, source string, skills map[string]*Skill) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		var skillFile string
		if entry.IsDir() {
			skillFile = filepath.Join(dir, entry.Name(), "SKILL.md")
		} else if strings.HasSuffix(entry.Name(), ".md") {
			skillFile = filepath.Join(dir, entry.Name())
		} else {
			continue
		}
		if err := l.loadSkillFile(skillFile, source, skills); err != nil {
			continue
		}
	}

	return nil
}

func (l *Loader) loadSkillFile(path, source string, skills map[string]*Skill) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	skill, err := l.Parse(string(content))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	skill.Source = source
	skill.FilePath = path
	skill.LoadedAt = time.Now()

	if err := skill.Validate(); err != nil {
		return err
	}

	skills[skill.Name] = skill
	return nil
}

// Parse parses a SKILL.md document: YAML frontmatter between --- markers
// followed by the markdown body.
func (l *Loader) Parse(content string) (*Skill, error) {
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid skill file: missing YAML frontmatter")
	}

	var skill Skill
	if err := yaml.Unmarshal([]byte(parts[1]), &skill); err != nil {
		return nil, fmt.Errorf("failed to parse YAML frontmatter: %w", err)
	}

	skill.Content = strings.TrimSpace(parts[2])
	return &skill, nil
}
