// Package notify delivers stage transition events to audit logs, queues and
// external webhooks. Delivery is best effort: a failing sink never undoes a
// transition that has already been persisted.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/model"
)

// Sink receives transition events.
type Sink interface {
	Emit(ctx context.Context, evt model.TransitionEvent) error
}

// EventName returns the external name of a transition, e.g.
// "stage.completed" or "workflow.cancelled".
func EventName(evt model.TransitionEvent) string {
	switch evt.ToStatus {
	case model.WorkflowStatusCancelled:
		return "workflow.cancelled"
	case "":
		return "stage.unknown"
	default:
		return "stage." + evt.ToStatus
	}
}

// LogSink writes every event to a structured audit log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs to logger under the "audit" name.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Emit logs the event. It never fails.
func (s *LogSink) Emit(_ context.Context, evt model.TransitionEvent) error {
	s.logger.Info(EventName(evt),
		zap.String("event_id", evt.ID),
		zap.String("instance_id", evt.WorkflowInstanceID),
		zap.String("workflow_type", evt.WorkflowType),
		zap.String("order_ref", evt.OrderRef),
		zap.String("stage", evt.StageKey),
		zap.String("from", evt.FromStatus),
		zap.String("to", evt.ToStatus),
		zap.Int("version", evt.Version),
		zap.String("actor", evt.Actor),
		zap.String("comment", evt.Comment),
		zap.Time("timestamp", evt.Timestamp),
	)
	return nil
}

// Fanout delivers each event to every sink in order. All sinks are tried
// even when one fails; the failures are joined.
type Fanout []Sink

// Emit implements Sink.
func (f Fanout) Emit(ctx context.Context, evt model.TransitionEvent) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
