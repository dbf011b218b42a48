// Package skill loads skill documents: markdown workflow guides whose
// YAML frontmatter declares what the sandboxed run needs, most
// importantly its outbound domain allowlist and the named credentials to
// deliver into the container.
package skill

import "time"

// Skill is one parsed SKILL.md document.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// AllowedTools restricts which tools the run may invoke while this
	// skill is mounted. Empty means no restriction.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`

	// AllowedDomains feeds the run's outbound network allowlist. A run
	// with no domains across its skills gets no network at all.
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`

	// Credentials names the secrets to deliver to the tool server after
	// the container starts. Values never appear in skill files.
	Credentials []string `yaml:"credentials,omitempty"`

	// Content is the markdown body after the frontmatter.
	Content string `yaml:"-"`

	Source   string    `yaml:"-"`
	FilePath string    `yaml:"-"`
	LoadedAt time.Time `yaml:"-"`
}

// Validate checks the frontmatter fields a usable skill must carry.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return ErrInvalidSkill{Field: "name", Reason: "name is required"}
	}
	if len(s.Name) > 64 {
		return ErrInvalidSkill{Field: "name", Reason: "name must be 64 characters or less"}
	}
	if s.Description == "" {
		return ErrInvalidSkill{Field: "description", Reason: "description is required"}
	}
	if len(s.Description) > 1024 {
		return ErrInvalidSkill{Field: "description", Reason: "description must be 1024 characters or less"}
	}
	for _, domain := range s.AllowedDomains {
		if domain == "" || domain == "*" {
			return ErrInvalidSkill{Field: "allowed_domains", Reason: "domains must be explicit, wildcards are not supported"}
		}
	}
	return nil
}

// NeedsNetwork reports whether this skill declares any outbound domains.
func (s *Skill) NeedsNetwork() bool {
	return len(s.AllowedDomains) > 0
}

// HasToolRestrictions reports whether this skill restricts available tools.
func (s *Skill) HasToolRestrictions() bool {
	return len(s.AllowedTools) > 0
}
