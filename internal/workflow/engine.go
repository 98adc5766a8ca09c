package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/internal/definition"
	"github.com/pitabwire/stagegate/internal/observability"
	"github.com/pitabwire/stagegate/model"
)

const (
	defaultMaxRetries = 5
	defaultPageSize   = 20
	tracerName        = "github.com/pitabwire/stagegate/internal/workflow"
)

// EventSink receives transition events after they have been persisted.
type EventSink interface {
	Emit(ctx context.Context, evt model.TransitionEvent) error
}

// TransitionRecorder observes persisted transitions and revision conflicts.
type TransitionRecorder interface {
	RecordTransition(workflowType, stageKey, from, to string)
	RecordConflictRetry(operation string)
}

// EngineOption configures optional Engine collaborators.
type EngineOption func(*Engine)

// WithEventSink sets the sink that receives transition events.
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithRecorder sets the transition recorder, usually the Prometheus metrics.
func WithRecorder(r TransitionRecorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMaxRetries bounds how many times an operation is re-applied after a
// revision conflict.
func WithMaxRetries(n uint64) EngineOption {
	return func(e *Engine) { e.maxRetries = n }
}

// WithCancelRoles restricts Cancel to actors holding one of the given roles.
func WithCancelRoles(roles ...string) EngineOption {
	return func(e *Engine) { e.cancelRoles = roles }
}

// Engine manages the lifecycle of workflow instances. Every mutating
// operation loads the instance, applies its rule to a private copy and
// persists the result with a compare-and-set on the instance revision. On a
// revision conflict the operation is re-applied to the fresh state, so
// decisions that no longer hold surface as the proper domain error.
type Engine struct {
	registry    *definition.Registry
	store       WorkflowStore
	sink        EventSink
	logger      *zap.Logger
	recorder    TransitionRecorder
	now         func() time.Time
	maxRetries  uint64
	cancelRoles []string
	tracer      trace.Tracer
}

// NewEngine creates a new workflow engine.
func NewEngine(registry *definition.Registry, store WorkflowStore, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a workflow instance for an order. The first stage is Pending
// and every later stage is Locked.
func (e *Engine) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowType string,
	orderRef string,
) (model.InstanceView, error) {
	if err := requireActor(rctx); err != nil {
		return model.InstanceView{}, err
	}
	orderRef = strings.TrimSpace(orderRef)
	if orderRef == "" {
		return model.InstanceView{}, model.NewValidationError([]model.FieldError{
			{Field: "order_ref", Code: "REQUIRED", Message: "order_ref is required"},
		})
	}

	ctx, span := e.tracer.Start(ctx, "workflow.start", trace.WithAttributes(
		observability.AttrWorkflowType.String(workflowType),
		observability.AttrOrderRef.String(orderRef),
	))
	defer span.End()

	tmpl, err := e.registry.Get(workflowType)
	if err != nil {
		return model.InstanceView{}, err
	}

	if _, err := e.store.GetByOrderRef(ctx, orderRef); err == nil {
		return model.InstanceView{}, model.NewConflictError(
			fmt.Sprintf("order %q already has a workflow instance", orderRef),
		)
	} else if !model.IsCode(err, model.ErrNotFound) {
		return model.InstanceView{}, err
	}

	now := e.now()
	id := uuid.New().String()
	inst := model.WorkflowInstance{
		ID:           id,
		WorkflowType: tmpl.Type,
		OrderRef:     orderRef,
		Status:       model.WorkflowStatusActive,
		Stages:       newStages(id, tmpl),
		CreatedBy:    rctx.SubjectID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	first := inst.Stages[0]
	events := e.toEvents(inst, rctx, now, []change{{
		stageKey: first.Key,
		to:       first.Status,
		version:  first.Version,
		comment:  "workflow started",
	}})

	if err := e.store.Create(ctx, inst, events...); err != nil {
		observability.MarkFailed(span, err)
		return model.InstanceView{}, err
	}
	span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
	observability.RecordTransitions(span, events)

	e.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_type", inst.WorkflowType),
		zap.String("order_ref", inst.OrderRef),
		zap.String("actor", rctx.SubjectID),
	)
	e.publish(ctx, events)
	return view(inst, tmpl), nil
}

// AttachEvidence appends an evidence item to the open version of a stage. On
// a rejected stage that supports revision it first opens a new version.
func (e *Engine) AttachEvidence(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stageKey string,
	item model.EvidenceItem,
	expectedVersion int,
) (model.EvidenceItem, model.InstanceView, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if strings.TrimSpace(item.Reference) == "" {
		return model.EvidenceItem{}, model.InstanceView{}, model.NewValidationError([]model.FieldError{
			{Field: "reference", Code: "REQUIRED", Message: "evidence reference is required"},
		})
	}

	var attached model.EvidenceItem
	v, err := e.mutate(ctx, rctx, instanceID, stageKey, "attach_evidence",
		func(inst *model.WorkflowInstance, idx int, def model.StageDefinition, now time.Time) ([]change, error) {
			changes, it, err := attachEvidence(&inst.Stages[idx], def, rctx, item, expectedVersion, now)
			attached = it
			return changes, err
		})
	if err != nil {
		return model.EvidenceItem{}, model.InstanceView{}, err
	}
	return attached, v, nil
}

// SubmitForReview moves a Pending stage with approvers into review.
func (e *Engine) SubmitForReview(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stageKey string,
	expectedVersion int,
) (model.InstanceView, error) {
	return e.mutate(ctx, rctx, instanceID, stageKey, "submit_for_review",
		func(inst *model.WorkflowInstance, idx int, def model.StageDefinition, _ time.Time) ([]change, error) {
			return submitForReview(&inst.Stages[idx], def, rctx, expectedVersion)
		})
}

// Approve records a passing decision by role on the open version. The stage
// completes once every required approver has passed.
func (e *Engine) Approve(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stageKey, role, comment string,
	expectedVersion int,
) (model.InstanceView, error) {
	return e.mutate(ctx, rctx, instanceID, stageKey, "approve",
		func(inst *model.WorkflowInstance, idx int, def model.StageDefinition, now time.Time) ([]change, error) {
			return decide(inst, idx, def, rctx, decision{role: role, pass: true, comment: comment}, expectedVersion, now)
		})
}

// Reject records a failing decision by role. A single rejection closes the
// open version.
func (e *Engine) Reject(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stageKey, role, reason string,
	expectedVersion int,
) (model.InstanceView, error) {
	if strings.TrimSpace(reason) == "" {
		return model.InstanceView{}, model.NewMissingRejectionReasonError()
	}
	return e.mutate(ctx, rctx, instanceID, stageKey, "reject",
		func(inst *model.WorkflowInstance, idx int, def model.StageDefinition, now time.Time) ([]change, error) {
			return decide(inst, idx, def, rctx, decision{role: role, pass: false, comment: reason}, expectedVersion, now)
		})
}

// MarkComplete completes a stage that has no approvers.
func (e *Engine) MarkComplete(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stageKey string,
	expectedVersion int,
) (model.InstanceView, error) {
	return e.mutate(ctx, rctx, instanceID, stageKey, "mark_complete",
		func(inst *model.WorkflowInstance, idx int, def model.StageDefinition, now time.Time) ([]change, error) {
			return markComplete(inst, idx, def, rctx, expectedVersion, now)
		})
}

// Cancel stops an active or blocked workflow instance. Stage state is kept
// as it was for audit.
func (e *Engine) Cancel(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	reason string,
) (model.InstanceView, error) {
	if err := requireActor(rctx); err != nil {
		return model.InstanceView{}, err
	}
	if len(e.cancelRoles) > 0 && !slices.ContainsFunc(e.cancelRoles, rctx.HasRole) {
		return model.InstanceView{}, model.NewForbiddenError(
			fmt.Sprintf("cancelling a workflow requires one of the roles %s", strings.Join(e.cancelRoles, ", ")),
		)
	}

	return e.apply(ctx, rctx, instanceID, "cancel",
		func(inst *model.WorkflowInstance, _ model.WorkflowTemplate, _ time.Time) ([]change, error) {
			if inst.Status != model.WorkflowStatusActive && inst.Status != model.WorkflowStatusBlocked {
				return nil, model.NewWorkflowNotActiveError(
					fmt.Sprintf("workflow instance %q is %s, cannot cancel", inst.ID, inst.Status),
				)
			}
			inst.Status = model.WorkflowStatusCancelled
			inst.CancelReason = strings.TrimSpace(reason)

			c := change{to: model.WorkflowStatusCancelled, comment: inst.CancelReason}
			if idx := inst.CurrentStageIndex(); idx < len(inst.Stages) {
				c.stageKey = inst.Stages[idx].Key
				c.from = inst.Stages[idx].Status
				c.version = inst.Stages[idx].Version
			}
			return []change{c}, nil
		})
}

// GetInstance returns the current state of an instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (model.InstanceView, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.InstanceView{}, err
	}
	return e.view(inst), nil
}

// GetByOrderRef returns the instance attached to an order.
func (e *Engine) GetByOrderRef(ctx context.Context, orderRef string) (model.InstanceView, error) {
	inst, err := e.store.GetByOrderRef(ctx, orderRef)
	if err != nil {
		return model.InstanceView{}, err
	}
	return e.view(inst), nil
}

// GetStageHistory returns every version of a stage with its evidence,
// approvals and rejections, oldest first.
func (e *Engine) GetStageHistory(ctx context.Context, instanceID, stageKey string) ([]model.StageVersionHistory, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	st, _ := inst.StageByKey(stageKey)
	if st == nil {
		return nil, model.NewUnknownStageError(inst.WorkflowType, stageKey)
	}

	var def model.StageDefinition
	if tmpl, err := e.registry.Get(inst.WorkflowType); err == nil {
		def, _, _ = tmpl.Stage(stageKey)
	}
	return stageHistory(*st, def), nil
}

// Events returns the persisted transition audit trail of an instance.
func (e *Engine) Events(ctx context.Context, instanceID string) ([]model.TransitionEvent, error) {
	return e.store.GetEvents(ctx, instanceID)
}

// List returns workflow summaries and the total number of matches.
func (e *Engine) List(ctx context.Context, filters model.WorkflowFilters) ([]model.WorkflowSummary, int, error) {
	storeFilters := WorkflowFilters{
		WorkflowType: filters.WorkflowType,
		Status:       filters.Status,
		Limit:        filters.PageSize,
		Offset:       (filters.Page - 1) * filters.PageSize,
	}
	if storeFilters.Limit <= 0 {
		storeFilters.Limit = defaultPageSize
		storeFilters.Offset = (filters.Page - 1) * defaultPageSize
	}
	if storeFilters.Offset < 0 {
		storeFilters.Offset = 0
	}

	instances, err := e.store.List(ctx, storeFilters)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.store.Count(ctx, WorkflowFilters{
		WorkflowType: filters.WorkflowType,
		Status:       filters.Status,
	})
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.WorkflowSummary, 0, len(instances))
	for _, inst := range instances {
		v := e.view(inst)
		s := model.WorkflowSummary{
			ID:           inst.ID,
			WorkflowType: inst.WorkflowType,
			Name:         v.Name,
			OrderRef:     inst.OrderRef,
			Status:       inst.Status,
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.UpdatedAt,
		}
		if v.CurrentStageIndex < len(inst.Stages) {
			s.CurrentStage = inst.Stages[v.CurrentStageIndex].Key
			s.StageStatus = inst.Stages[v.CurrentStageIndex].Status
		}
		summaries = append(summaries, s)
	}
	return summaries, total, nil
}

// Templates returns every registered workflow template.
func (e *Engine) Templates() []model.WorkflowTemplate {
	return e.registry.All()
}

// stageMutation applies a stage-scoped rule to a private copy of the
// instance.
type stageMutation func(inst *model.WorkflowInstance, idx int, def model.StageDefinition, now time.Time) ([]change, error)

// instanceMutation applies a rule to a private copy of the instance.
type instanceMutation func(inst *model.WorkflowInstance, tmpl model.WorkflowTemplate, now time.Time) ([]change, error)

func (e *Engine) mutate(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stageKey, op string,
	fn stageMutation,
) (model.InstanceView, error) {
	if err := requireActor(rctx); err != nil {
		return model.InstanceView{}, err
	}
	return e.apply(ctx, rctx, instanceID, op,
		func(inst *model.WorkflowInstance, tmpl model.WorkflowTemplate, now time.Time) ([]change, error) {
			if inst.Status == model.WorkflowStatusCancelled {
				return nil, model.NewWorkflowNotActiveError(
					fmt.Sprintf("workflow instance %q is cancelled", inst.ID),
				)
			}
			def, idx, ok := tmpl.Stage(stageKey)
			if !ok || idx >= len(inst.Stages) || inst.Stages[idx].Key != stageKey {
				return nil, model.NewUnknownStageError(inst.WorkflowType, stageKey)
			}
			return fn(inst, idx, def, now)
		})
}

// apply runs fn against the latest stored state and persists the result with
// a compare-and-set. Revision conflicts re-run fn on fresh state with bounded
// exponential backoff; every other error is final. Events are published only
// after the write succeeded.
func (e *Engine) apply(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, op string,
	fn instanceMutation,
) (model.InstanceView, error) {
	ctx, span := e.tracer.Start(ctx, "workflow."+op, trace.WithAttributes(
		observability.AttrInstanceID.String(instanceID),
		observability.AttrOperation.String(op),
	))
	defer span.End()

	var (
		result model.WorkflowInstance
		tmpl   model.WorkflowTemplate
		events []model.TransitionEvent
	)

	operation := func() error {
		inst, err := e.store.Get(ctx, instanceID)
		if err != nil {
			return backoff.Permanent(err)
		}
		t, err := e.registry.Get(inst.WorkflowType)
		if err != nil {
			return backoff.Permanent(err)
		}

		now := e.now()
		changes, err := fn(&inst, t, now)
		if err != nil {
			return backoff.Permanent(err)
		}
		refreshStatus(&inst, t, now)
		inst.UpdatedAt = now

		evts := e.toEvents(inst, rctx, now, changes)
		if err := e.store.Update(ctx, inst, evts...); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				e.logger.Debug("revision conflict, re-applying",
					zap.String("instance_id", instanceID),
					zap.String("operation", op),
				)
				if e.recorder != nil {
					e.recorder.RecordConflictRetry(op)
				}
				return err
			}
			return backoff.Permanent(err)
		}

		inst.Revision++
		result, tmpl, events = inst, t, evts
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(newBackOff(), e.maxRetries), ctx)); err != nil {
		observability.MarkFailed(span, err)
		return model.InstanceView{}, err
	}

	observability.RecordTransitions(span, events)
	e.publish(ctx, events)
	return view(result, tmpl), nil
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func (e *Engine) toEvents(inst model.WorkflowInstance, rctx *model.RequestContext, now time.Time, changes []change) []model.TransitionEvent {
	if len(changes) == 0 {
		return nil
	}
	events := make([]model.TransitionEvent, 0, len(changes))
	for _, c := range changes {
		events = append(events, model.TransitionEvent{
			ID:                 uuid.New().String(),
			WorkflowInstanceID: inst.ID,
			WorkflowType:       inst.WorkflowType,
			OrderRef:           inst.OrderRef,
			StageKey:           c.stageKey,
			FromStatus:         c.from,
			ToStatus:           c.to,
			Version:            c.version,
			Actor:              rctx.SubjectID,
			Comment:            c.comment,
			Timestamp:          now,
		})
	}
	return events
}

// publish hands persisted events to the recorder and the sink. Sink failures
// are logged and never undo the transition.
func (e *Engine) publish(ctx context.Context, events []model.TransitionEvent) {
	for _, evt := range events {
		if e.recorder != nil {
			e.recorder.RecordTransition(evt.WorkflowType, evt.StageKey, evt.FromStatus, evt.ToStatus)
		}
		e.logger.Info("stage transition",
			zap.String("instance_id", evt.WorkflowInstanceID),
			zap.String("order_ref", evt.OrderRef),
			zap.String("stage", evt.StageKey),
			zap.String("from", evt.FromStatus),
			zap.String("to", evt.ToStatus),
			zap.Int("version", evt.Version),
			zap.String("actor", evt.Actor),
		)
		if e.sink == nil {
			continue
		}
		if err := e.sink.Emit(ctx, evt); err != nil {
			e.logger.Warn("event sink failed",
				zap.String("event_id", evt.ID),
				zap.String("instance_id", evt.WorkflowInstanceID),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) view(inst model.WorkflowInstance) model.InstanceView {
	tmpl, err := e.registry.Get(inst.WorkflowType)
	if err != nil {
		tmpl = model.WorkflowTemplate{Type: inst.WorkflowType, Name: inst.WorkflowType}
	}
	return view(inst, tmpl)
}

func view(inst model.WorkflowInstance, tmpl model.WorkflowTemplate) model.InstanceView {
	return model.InstanceView{
		WorkflowInstance:  inst,
		Name:              tmpl.Name,
		CurrentStageIndex: inst.CurrentStageIndex(),
		Blocked:           inst.Status == model.WorkflowStatusBlocked,
	}
}

func requireActor(rctx *model.RequestContext) error {
	if rctx == nil || rctx.Validate() != nil {
		return model.NewUnauthorizedError("an authenticated actor is required")
	}
	return nil
}
