package skill

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the loaded skill set and answers the questions the
// sandbox asks of it: which domains a run may reach and which
// credentials it needs.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	loader *Loader
}

// NewRegistry creates an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]*Skill),
		loader: NewLoader(),
	}
}

// Load populates the registry: bundled skills first, then each dir in
// order, later sources overriding earlier ones by name.
func (r *Registry) Load(dirs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loader.LoadBundled(r.skills); err != nil {
		return fmt.Errorf("failed to load bundled skills: %w", err)
	}
	for _, dir := range dirs {
		if err := r.loader.LoadDir(dir, dir, r.skills); err != nil {
			return fmt.Errorf("failed to load skills from %s: %w", dir, err)
		}
	}
	return nil
}

// Get retrieves a skill by name.
func (r *Registry) Get(name string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	if !ok {
		return nil, ErrSkillNotFound{Name: name}
	}
	return skill, nil
}

// List returns all registered skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	skills := make([]*Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// Count returns the number of registered skills.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// Domains returns the deduplicated, sorted union of the named skills'
// domain allowlists. Unknown names fail: a run must not silently start
// with a smaller allowlist than the caller asked for.
func (r *Registry) Domains(names ...string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var domains []string
	for _, name := range names {
		skill, ok := r.skills[name]
		if !ok {
			return nil, ErrSkillNotFound{Name: name}
		}
		for _, domain := range skill.AllowedDomains {
			if !seen[domain] {
				seen[domain] = true
				domains = append(domains, domain)
			}
		}
	}
	sort.Strings(domains)
	return domains, nil
}

// Credentials returns the deduplicated, sorted union of credential names
// the named skills declare.
func (r *Registry) Credentials(names ...string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var creds []string
	for _, name := range names {
		skill, ok := r.skills[name]
		if !ok {
			return nil, ErrSkillNotFound{Name: name}
		}
		for _, cred := range skill.Credentials {
			if !seen[cred] {
				seen[cred] = true
				creds = append(creds, cred)
			}
		}
	}
	sort.Strings(creds)
	return creds, nil
}
