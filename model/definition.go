package model

import "slices"

// TemplateFile is the root structure of a template definition file. Each
// file declares one or more workflow templates for a business area.
type TemplateFile struct {
	Area      string             `yaml:"area"      json:"area"`
	Version   string             `yaml:"version"   json:"version"`
	Templates []WorkflowTemplate `yaml:"templates" json:"templates"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowTemplate is the ordered, immutable list of stage definitions for
// one workflow type (e.g. "artwork-production", "gift-set-assembly").
type WorkflowTemplate struct {
	Type        string            `yaml:"type"        json:"type"`
	Name        string            `yaml:"name"        json:"name"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Stages      []StageDefinition `yaml:"stages"      json:"stages"`
}

// StageDefinition describes one checkpoint of a workflow template.
type StageDefinition struct {
	Key   string `yaml:"key"   json:"key"`
	Label string `yaml:"label" json:"label"`
	Order int    `yaml:"order" json:"order"`

	// MinEvidenceCount is the evidence floor for completion. Zero is allowed.
	MinEvidenceCount int `yaml:"min_evidence_count" json:"min_evidence_count"`

	// RequiredApprovers lists roles that must each pass the stage. Empty means
	// the stage self-completes through MarkComplete.
	RequiredApprovers []string `yaml:"required_approvers" json:"required_approvers,omitempty"`

	// ActingRole may attach evidence, submit for review and mark complete.
	ActingRole string `yaml:"acting_role" json:"acting_role"`

	// SupportsRevision turns a rejection into a new revision cycle instead of
	// a terminal block.
	SupportsRevision bool `yaml:"supports_revision" json:"supports_revision"`
}

// NeedsApproval reports whether the stage goes through review.
func (d StageDefinition) NeedsApproval() bool {
	return len(d.RequiredApprovers) > 0
}

// IsApprover reports whether role is one of the stage's required approvers.
func (d StageDefinition) IsApprover(role string) bool {
	return slices.Contains(d.RequiredApprovers, role)
}

// Stage returns the stage definition with the given key.
func (t WorkflowTemplate) Stage(key string) (StageDefinition, int, bool) {
	for i, s := range t.Stages {
		if s.Key == key {
			return s, i, true
		}
	}
	return StageDefinition{}, -1, false
}
