package roles

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stagegate/model"
)

type mappingFile struct {
	// Roles lists the organizational roles known to the deployment. A token
	// role that matches one of them is passed through unchanged.
	Roles []string `yaml:"roles"`

	// Groups maps identity-provider groups (the JWT roles claim) to
	// organizational roles.
	Groups map[string][]string `yaml:"groups"`

	// Subjects grants organizational roles to individual users.
	Subjects map[string][]string `yaml:"subjects"`
}

// StaticSource resolves organizational roles from a YAML mapping file.
type StaticSource struct {
	path    string
	mu      sync.RWMutex
	mapping mappingFile
	known   map[string]bool
}

// NewStaticSource creates a source that loads its mapping from path.
func NewStaticSource(path string) (*StaticSource, error) {
	s := &StaticSource{path: path}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s, nil
}

// ResolveRoles returns the sorted union of the roles mapped from the
// subject, from each token group, and the token roles that are themselves
// organizational roles.
func (s *StaticSource) ResolveRoles(rctx *model.RequestContext) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]bool)
	for _, r := range s.mapping.Subjects[rctx.SubjectID] {
		set[r] = true
	}
	for _, group := range rctx.Roles {
		if s.known[group] {
			set[group] = true
		}
		for _, r := range s.mapping.Groups[group] {
			set[r] = true
		}
	}

	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

// Sync reloads the mapping file from disk.
func (s *StaticSource) Sync() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("roles: reading mapping file %s: %w", s.path, err)
	}

	var m mappingFile
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("roles: parsing mapping file %s: %w", s.path, err)
	}

	known := make(map[string]bool, len(m.Roles))
	for _, r := range m.Roles {
		known[r] = true
	}
	for group, mapped := range m.Groups {
		for _, r := range mapped {
			if !known[r] {
				return fmt.Errorf("roles: group %q maps to undeclared role %q", group, r)
			}
		}
	}
	for subject, mapped := range m.Subjects {
		for _, r := range mapped {
			if !known[r] {
				return fmt.Errorf("roles: subject %q maps to undeclared role %q", subject, r)
			}
		}
	}

	s.mu.Lock()
	s.mapping = m
	s.known = known
	s.mu.Unlock()

	return nil
}

// PassthroughSource trusts the token roles as organizational roles. It is
// used when no mapping file is configured.
type PassthroughSource struct{}

// ResolveRoles returns a copy of the token roles.
func (PassthroughSource) ResolveRoles(rctx *model.RequestContext) ([]string, error) {
	return append([]string(nil), rctx.Roles...), nil
}

// Sync is a no-op.
func (PassthroughSource) Sync() error { return nil }
