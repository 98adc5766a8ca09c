package definition

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/stagegate/model"
)

// snapshot is an immutable collection of all templates indexed by type.
type snapshot struct {
	templates map[string]model.WorkflowTemplate
	checksum  string
}

// Registry is a read-optimized, thread-safe store of workflow templates.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given template files.
func NewRegistry(files []model.TemplateFile) *Registry {
	r := &Registry{}
	r.Replace(files)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given template files.
func (r *Registry) Replace(files []model.TemplateFile) {
	s := &snapshot{templates: make(map[string]model.WorkflowTemplate)}

	var checksumParts []string
	for _, f := range files {
		checksumParts = append(checksumParts, f.Checksum)
		for _, t := range f.Templates {
			s.templates[t.Type] = normalize(t)
		}
	}
	s.checksum = combineChecksums(checksumParts)

	r.writeMu.Lock()
	r.snap.Store(s)
	r.writeMu.Unlock()
}

// Register validates and adds a single template, replacing any template of
// the same type. It is intended for process-start configuration.
func (r *Registry) Register(workflowType string, stages []model.StageDefinition) error {
	t := model.WorkflowTemplate{Type: workflowType, Name: workflowType, Stages: stages}
	if errs := NewValidator().ValidateTemplate("template", t); len(errs) > 0 {
		return fmt.Errorf("register %q: %w", workflowType, errs[0])
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current()
	next := &snapshot{templates: make(map[string]model.WorkflowTemplate, len(cur.templates)+1)}
	for k, v := range cur.templates {
		next.templates[k] = v
	}
	next.templates[workflowType] = normalize(t)
	next.checksum = combineChecksums([]string{cur.checksum, workflowType})
	r.snap.Store(next)
	return nil
}

func (r *Registry) current() *snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return &snapshot{templates: map[string]model.WorkflowTemplate{}}
}

// Get returns the template for the given workflow type, or
// UNKNOWN_WORKFLOW_TYPE if it is not registered.
func (r *Registry) Get(workflowType string) (model.WorkflowTemplate, error) {
	t, ok := r.current().templates[workflowType]
	if !ok {
		return model.WorkflowTemplate{}, model.NewUnknownWorkflowTypeError(workflowType)
	}
	return t, nil
}

// All returns every registered template sorted by type.
func (r *Registry) All() []model.WorkflowTemplate {
	s := r.current()
	out := make([]model.WorkflowTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	return len(r.current().templates)
}

// Checksum returns the combined checksum of all loaded template files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// normalize returns a copy of t with stages sorted by order and approver
// slices detached from the caller.
func normalize(t model.WorkflowTemplate) model.WorkflowTemplate {
	stages := make([]model.StageDefinition, len(t.Stages))
	for i, s := range t.Stages {
		s.RequiredApprovers = slices.Clone(s.RequiredApprovers)
		stages[i] = s
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	t.Stages = stages
	if t.Name == "" {
		t.Name = t.Type
	}
	return t
}

func combineChecksums(parts []string) string {
	sort.Strings(parts)
	combined := strings.Join(parts, ":")
	return fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
}
