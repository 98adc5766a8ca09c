package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Notifier delivers a decoded notification.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// DeliveryRecorder observes delivery attempts.
type DeliveryRecorder interface {
	RecordNotificationDelivery(event, status string)
}

// TaskHandler processes transition tasks taken from the queue.
type TaskHandler struct {
	notifier Notifier
	logger   *zap.Logger
	recorder DeliveryRecorder
}

// NewTaskHandler creates a handler delivering through notifier. A nil
// notifier only logs the notification.
func NewTaskHandler(notifier Notifier, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{notifier: notifier, logger: logger}
}

// WithRecorder attaches a delivery recorder and returns the handler.
func (h *TaskHandler) WithRecorder(r DeliveryRecorder) *TaskHandler {
	h.recorder = r
	return h
}

func (h *TaskHandler) record(event, status string) {
	if h.recorder != nil {
		h.recorder.RecordNotificationDelivery(event, status)
	}
}

// Register mounts the handler on mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeTransition, h.ProcessTransition)
}

// ProcessTransition decodes and delivers one transition task. Malformed
// payloads are skipped without retry.
func (h *TaskHandler) ProcessTransition(ctx context.Context, task *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		h.logger.Error("discarding malformed transition task", zap.Error(err))
		h.record("malformed", "skipped")
		return fmt.Errorf("decode transition task: %v: %w", err, asynq.SkipRetry)
	}

	retry, _ := asynq.GetRetryCount(ctx)
	h.logger.Debug("delivering notification",
		zap.String("event", n.Event),
		zap.String("event_id", n.Data.ID),
		zap.Int("retry", retry),
	)

	if h.notifier == nil {
		h.record(n.Event, "logged")
		return nil
	}
	if err := h.notifier.Send(ctx, n); err != nil {
		h.logger.Warn("notification delivery failed",
			zap.String("event_id", n.Data.ID),
			zap.Int("retry", retry),
			zap.Error(err),
		)
		h.record(n.Event, "error")
		return err
	}
	h.record(n.Event, "ok")
	return nil
}
