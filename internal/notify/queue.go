package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/pitabwire/stagegate/model"
)

// TaskTypeTransition is the asynq task type carrying a transition event.
const TaskTypeTransition = "stagegate:transition"

// Notification is the payload delivered to queues and webhooks.
type Notification struct {
	Event string                `json:"event"`
	Data  model.TransitionEvent `json:"data"`
}

// Enqueuer is the subset of *asynq.Client used by QueueSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink enqueues transition events on a Redis-backed asynq queue for
// asynchronous delivery by the worker.
type QueueSink struct {
	client   Enqueuer
	queue    string
	maxRetry int
}

// NewQueueSink creates a queue sink. The event ID doubles as the task ID so
// an event is enqueued at most once.
func NewQueueSink(client Enqueuer, queue string, maxRetry int) *QueueSink {
	return &QueueSink{client: client, queue: queue, maxRetry: maxRetry}
}

// Emit enqueues the event.
func (s *QueueSink) Emit(ctx context.Context, evt model.TransitionEvent) error {
	payload, err := json.Marshal(Notification{Event: EventName(evt), Data: evt})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	task := asynq.NewTask(TaskTypeTransition, payload,
		asynq.Queue(s.queue),
		asynq.TaskID(evt.ID),
		asynq.MaxRetry(s.maxRetry),
	)
	if _, err := s.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", evt.ID, err)
	}
	return nil
}
