package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/stagegate/model"
)

// decision is one approver's verdict on the open version of a stage.
type decision struct {
	role    string
	pass    bool
	comment string
}

// newApprovals returns a pending record for every required approver at the
// given version. Stages without approvers get a nil map.
func newApprovals(def model.StageDefinition, version int) map[string]model.ApprovalRecord {
	if !def.NeedsApproval() {
		return nil
	}
	approvals := make(map[string]model.ApprovalRecord, len(def.RequiredApprovers))
	for _, role := range def.RequiredApprovers {
		approvals[role] = model.ApprovalRecord{
			Role:    role,
			Status:  model.ApprovalStatusPending,
			Version: version,
		}
	}
	return approvals
}

// allPassed reports whether every required approver has passed the open
// version.
func allPassed(st *model.StageInstance, def model.StageDefinition) bool {
	for _, role := range def.RequiredApprovers {
		rec, ok := st.Approvals[role]
		if !ok || rec.Version != st.Version || rec.Status != model.ApprovalStatusPassed {
			return false
		}
	}
	return true
}

// decidedThisVersion reports whether role already passed or failed the open
// version.
func decidedThisVersion(st *model.StageInstance, role string) bool {
	rec, ok := st.Approvals[role]
	return ok && rec.Version == st.Version && rec.Status != model.ApprovalStatusPending
}

// decide records an approver's verdict. A pass completes the stage once every
// role has passed; a failure rejects the stage at once regardless of other
// pending or passed roles.
func decide(
	inst *model.WorkflowInstance,
	idx int,
	def model.StageDefinition,
	actor *model.RequestContext,
	d decision,
	expectedVersion int,
	now time.Time,
) ([]change, error) {
	st := &inst.Stages[idx]
	if err := checkNotLocked(st); err != nil {
		return nil, err
	}
	if !def.NeedsApproval() {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q has no approvers", st.Key),
		)
	}
	if !def.IsApprover(d.role) {
		return nil, model.NewStageUnauthorizedError(
			fmt.Sprintf("role %q is not an approver of stage %q", d.role, st.Key),
		)
	}
	if !actor.HasRole(d.role) {
		return nil, model.NewStageUnauthorizedError(
			fmt.Sprintf("actor does not hold role %q", d.role),
		)
	}
	comment := strings.TrimSpace(d.comment)
	if !d.pass && comment == "" {
		return nil, model.NewMissingRejectionReasonError()
	}

	if err := checkExpectedVersion(st, expectedVersion); err != nil {
		return nil, err
	}

	switch st.Status {
	case model.StageStatusInReview:
	case model.StageStatusPending:
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q version %d has not been submitted for review", st.Key, st.Version),
		)
	case model.StageStatusRejected:
		// The open version was closed by a rejection, revisable or not.
		if decidedThisVersion(st, d.role) {
			return nil, model.NewDuplicateApprovalError(st.Key, d.role, st.Version)
		}
		return nil, model.NewStaleVersionError(st.Key, st.Version, st.Version)
	default:
		return nil, model.NewStageTerminalError(st.Key, st.Status)
	}

	if st.Approvals == nil {
		st.Approvals = newApprovals(def, st.Version)
	}
	if decidedThisVersion(st, d.role) {
		return nil, model.NewDuplicateApprovalError(st.Key, d.role, st.Version)
	}

	ts := now
	rec := model.ApprovalRecord{
		Role:      d.role,
		Status:    model.ApprovalStatusPassed,
		Actor:     actor.SubjectID,
		Timestamp: &ts,
		Comment:   comment,
		Version:   st.Version,
	}

	if !d.pass {
		rec.Status = model.ApprovalStatusFailed
		st.Approvals[d.role] = rec
		st.RejectionHistory = append(st.RejectionHistory, rec)
		st.Status = model.StageStatusRejected
		return []change{{
			stageKey: st.Key,
			from:     model.StageStatusInReview,
			to:       model.StageStatusRejected,
			version:  st.Version,
			comment:  comment,
		}}, nil
	}

	st.Approvals[d.role] = rec
	if !allPassed(st, def) {
		return nil, nil
	}
	return completeStage(inst, idx, actor.SubjectID, now), nil
}
