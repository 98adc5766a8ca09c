package definition

import (
	"fmt"

	"github.com/pitabwire/stagegate/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates template files structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all template files. Workflow types must be unique across
// files.
func (v *Validator) Validate(files []model.TemplateFile) []VError {
	var errs []VError
	seenTypes := make(map[string]string)

	for i, f := range files {
		prefix := fmt.Sprintf("files[%d]", i)
		if f.Area == "" {
			errs = append(errs, VError{Path: prefix + ".area", Code: "REQUIRED", Message: "area is required"})
		}
		if len(f.Templates) == 0 {
			errs = append(errs, VError{Path: prefix + ".templates", Code: "REQUIRED", Message: "at least one template is required"})
		}
		for j, t := range f.Templates {
			tp := fmt.Sprintf("%s.templates[%d]", prefix, j)
			if prev, dup := seenTypes[t.Type]; dup && t.Type != "" {
				errs = append(errs, VError{
					Path:    tp + ".type",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("workflow type %q already declared at %s", t.Type, prev),
				})
			}
			seenTypes[t.Type] = tp
			errs = append(errs, v.ValidateTemplate(tp, t)...)
		}
	}
	return errs
}

// ValidateTemplate checks one template: keys and orders must be unique, each
// stage needs an acting role, evidence floors are non-negative and approver
// roles are not repeated.
func (v *Validator) ValidateTemplate(prefix string, t model.WorkflowTemplate) []VError {
	var errs []VError

	if t.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	}
	if len(t.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
	}

	keys := make(map[string]bool)
	orders := make(map[int]string)
	for i, s := range t.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.Key == "" {
			errs = append(errs, VError{Path: sp + ".key", Code: "REQUIRED", Message: "stage key is required"})
		} else if keys[s.Key] {
			errs = append(errs, VError{Path: sp + ".key", Code: "DUPLICATE", Message: fmt.Sprintf("stage key %q is not unique", s.Key)})
		}
		keys[s.Key] = true

		if other, dup := orders[s.Order]; dup {
			errs = append(errs, VError{
				Path:    sp + ".order",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("order %d already used by stage %q", s.Order, other),
			})
		}
		orders[s.Order] = s.Key

		if s.ActingRole == "" {
			errs = append(errs, VError{Path: sp + ".acting_role", Code: "REQUIRED", Message: "acting_role is required"})
		}
		if s.MinEvidenceCount < 0 {
			errs = append(errs, VError{Path: sp + ".min_evidence_count", Code: "OUT_OF_RANGE", Message: "min_evidence_count must not be negative"})
		}

		approvers := make(map[string]bool)
		for k, role := range s.RequiredApprovers {
			ap := fmt.Sprintf("%s.required_approvers[%d]", sp, k)
			if role == "" {
				errs = append(errs, VError{Path: ap, Code: "REQUIRED", Message: "approver role must not be empty"})
				continue
			}
			if approvers[role] {
				errs = append(errs, VError{Path: ap, Code: "DUPLICATE", Message: fmt.Sprintf("approver %q listed twice", role)})
			}
			approvers[role] = true
		}
	}

	return errs
}
