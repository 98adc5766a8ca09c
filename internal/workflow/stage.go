package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/stagegate/model"
)

// change is a single stage status change produced by an operation. Every
// change becomes one TransitionEvent once the instance is persisted.
type change struct {
	stageKey string
	from     string
	to       string
	version  int
	comment  string
}

// StageInstanceID returns the identifier of a stage within an instance.
func StageInstanceID(instanceID, stageKey string) string {
	return instanceID + "/" + stageKey
}

// SplitStageInstanceID is the inverse of StageInstanceID.
func SplitStageInstanceID(id string) (instanceID, stageKey string, ok bool) {
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

// newStages builds the stage list of a fresh instance: the first stage is
// Pending, every other stage is Locked, all at version 1.
func newStages(instanceID string, tmpl model.WorkflowTemplate) []model.StageInstance {
	stages := make([]model.StageInstance, len(tmpl.Stages))
	for i, def := range tmpl.Stages {
		status := model.StageStatusLocked
		if i == 0 {
			status = model.StageStatusPending
		}
		stages[i] = model.StageInstance{
			ID:        StageInstanceID(instanceID, def.Key),
			Key:       def.Key,
			Status:    status,
			Version:   1,
			Evidence:  []model.EvidenceItem{},
			Approvals: newApprovals(def, 1),
		}
	}
	return stages
}

// evidenceFloor is the number of current-version evidence items required
// before a stage may leave Pending.
func evidenceFloor(def model.StageDefinition) int {
	if def.NeedsApproval() && def.MinEvidenceCount < 1 {
		return 1
	}
	return def.MinEvidenceCount
}

func checkNotLocked(st *model.StageInstance) error {
	if st.Status == model.StageStatusLocked {
		return model.NewStageLockedError(st.Key)
	}
	return nil
}

func checkActingRole(def model.StageDefinition, actor *model.RequestContext, action string) error {
	if !actor.HasRole(def.ActingRole) {
		return model.NewStageUnauthorizedError(
			fmt.Sprintf("role %q is required to %s on stage %q", def.ActingRole, action, def.Key),
		)
	}
	return nil
}

// checkExpectedVersion rejects operations aimed at a version other than the
// open one. Zero means the caller accepts whatever version is current.
func checkExpectedVersion(st *model.StageInstance, expected int) error {
	if expected != 0 && expected != st.Version {
		return model.NewStaleVersionError(st.Key, expected, st.Version)
	}
	return nil
}

// attachEvidence appends an evidence item to the open version. Attaching to a
// Rejected stage that supports revision opens a new version first.
func attachEvidence(
	st *model.StageInstance,
	def model.StageDefinition,
	actor *model.RequestContext,
	item model.EvidenceItem,
	expectedVersion int,
	now time.Time,
) ([]change, model.EvidenceItem, error) {
	if err := checkNotLocked(st); err != nil {
		return nil, item, err
	}
	if err := checkActingRole(def, actor, "attach evidence"); err != nil {
		return nil, item, err
	}
	if err := checkExpectedVersion(st, expectedVersion); err != nil {
		return nil, item, err
	}

	var changes []change
	switch st.Status {
	case model.StageStatusPending:
	case model.StageStatusRejected:
		if !def.SupportsRevision {
			return nil, item, model.NewStageTerminalError(st.Key, st.Status)
		}
		changes = append(changes, openRevision(st, def))
	case model.StageStatusInReview:
		return nil, item, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q is in review; evidence for version %d is frozen", st.Key, st.Version),
		)
	default:
		return nil, item, model.NewStageTerminalError(st.Key, st.Status)
	}

	item.Version = st.Version
	item.UploadedBy = actor.SubjectID
	if item.UploadedAt.IsZero() {
		item.UploadedAt = now
	}
	st.Evidence = append(st.Evidence, item)
	return changes, item, nil
}

// submitForReview moves a Pending approval stage into review once the
// evidence floor of the current version is met.
func submitForReview(
	st *model.StageInstance,
	def model.StageDefinition,
	actor *model.RequestContext,
	expectedVersion int,
) ([]change, error) {
	if err := checkNotLocked(st); err != nil {
		return nil, err
	}
	if !def.NeedsApproval() {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q has no approvers; mark it complete instead", st.Key),
		)
	}
	if err := checkActingRole(def, actor, "submit for review"); err != nil {
		return nil, err
	}
	if err := checkExpectedVersion(st, expectedVersion); err != nil {
		return nil, err
	}

	switch st.Status {
	case model.StageStatusPending:
	case model.StageStatusInReview:
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q version %d is already in review", st.Key, st.Version),
		)
	case model.StageStatusRejected:
		if !def.SupportsRevision {
			return nil, model.NewStageTerminalError(st.Key, st.Status)
		}
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q was rejected; attach evidence to open a new version", st.Key),
		)
	default:
		return nil, model.NewStageTerminalError(st.Key, st.Status)
	}

	need := evidenceFloor(def)
	if have := st.CurrentEvidenceCount(); have < need {
		return nil, model.NewInsufficientEvidenceError(st.Key, have, need)
	}

	if st.Approvals == nil {
		st.Approvals = newApprovals(def, st.Version)
	}
	st.Status = model.StageStatusInReview
	return []change{{
		stageKey: st.Key,
		from:     model.StageStatusPending,
		to:       model.StageStatusInReview,
		version:  st.Version,
	}}, nil
}

// markComplete completes a stage that has no approvers and unlocks the next
// stage.
func markComplete(
	inst *model.WorkflowInstance,
	idx int,
	def model.StageDefinition,
	actor *model.RequestContext,
	expectedVersion int,
	now time.Time,
) ([]change, error) {
	st := &inst.Stages[idx]
	if err := checkNotLocked(st); err != nil {
		return nil, err
	}
	if def.NeedsApproval() {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("stage %q completes only through approval by %s", st.Key, strings.Join(def.RequiredApprovers, ", ")),
		)
	}
	if err := checkActingRole(def, actor, "mark complete"); err != nil {
		return nil, err
	}
	if st.Status != model.StageStatusPending {
		return nil, model.NewStageTerminalError(st.Key, st.Status)
	}
	if err := checkExpectedVersion(st, expectedVersion); err != nil {
		return nil, err
	}
	if have := st.CurrentEvidenceCount(); have < def.MinEvidenceCount {
		return nil, model.NewInsufficientEvidenceError(st.Key, have, def.MinEvidenceCount)
	}

	return completeStage(inst, idx, actor.SubjectID, now), nil
}

// completeStage marks stage idx Completed and unlocks its successor. The
// completion stamp is written once; the successor only moves if Locked.
func completeStage(inst *model.WorkflowInstance, idx int, actorID string, now time.Time) []change {
	st := &inst.Stages[idx]
	from := st.Status
	st.Status = model.StageStatusCompleted
	if st.CompletedAt == nil {
		st.CompletedBy = actorID
		t := now
		st.CompletedAt = &t
	}

	changes := []change{{
		stageKey: st.Key,
		from:     from,
		to:       model.StageStatusCompleted,
		version:  st.Version,
	}}

	if idx+1 < len(inst.Stages) {
		next := &inst.Stages[idx+1]
		if next.Status == model.StageStatusLocked {
			next.Status = model.StageStatusPending
			changes = append(changes, change{
				stageKey: next.Key,
				from:     model.StageStatusLocked,
				to:       model.StageStatusPending,
				version:  next.Version,
			})
		}
	}
	return changes
}

// refreshStatus derives the instance status from its stages: archived once
// every stage is Completed, blocked while the current stage is Rejected and
// cannot be revised, active otherwise. Cancelled instances are left alone.
func refreshStatus(inst *model.WorkflowInstance, tmpl model.WorkflowTemplate, now time.Time) {
	if inst.Status == model.WorkflowStatusCancelled {
		return
	}

	idx := inst.CurrentStageIndex()
	if idx >= len(inst.Stages) {
		inst.Status = model.WorkflowStatusArchived
		if inst.ArchivedAt == nil {
			t := now
			inst.ArchivedAt = &t
		}
		return
	}

	st := inst.Stages[idx]
	def, _, ok := tmpl.Stage(st.Key)
	if ok && st.Status == model.StageStatusRejected && !def.SupportsRevision {
		inst.Status = model.WorkflowStatusBlocked
		return
	}
	inst.Status = model.WorkflowStatusActive
}
