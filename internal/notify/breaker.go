package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrDeliveryPaused is returned while the breaker is open. The queue retries
// the task after its backoff.
var ErrDeliveryPaused = errors.New("notify: webhook delivery paused after repeated failures")

// GuardedNotifier wraps a Notifier with a circuit breaker so that a webhook
// that is down is not hit by every worker on every retry.
type GuardedNotifier struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker
}

// NewGuardedNotifier wraps next. failureThreshold consecutive failures open
// the breaker; after cooldown up to successThreshold probes are let through
// and that many consecutive successes close it again.
func NewGuardedNotifier(next Notifier, failureThreshold, successThreshold int, cooldown time.Duration, logger *zap.Logger) *GuardedNotifier {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := uint32(failureThreshold)
	settings := gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: uint32(successThreshold),
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var a *abandonedError
			return err == nil || errors.As(err, &a)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("webhook breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &GuardedNotifier{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Send implements Notifier.
func (g *GuardedNotifier) Send(ctx context.Context, n Notification) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		err := g.next.Send(ctx, n)
		if err != nil && ctx.Err() != nil {
			return nil, &abandonedError{err: err}
		}
		return nil, err
	})
	var a *abandonedError
	switch {
	case errors.As(err, &a):
		return a.err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s", ErrDeliveryPaused, err)
	}
	return err
}

// abandonedError marks a failure caused by the worker's own cancelled
// context. It says nothing about the webhook and is not counted.
type abandonedError struct{ err error }

func (e *abandonedError) Error() string { return e.err.Error() }
func (e *abandonedError) Unwrap() error { return e.err }

// State returns the current breaker state.
func (g *GuardedNotifier) State() gobreaker.State {
	return g.cb.State()
}
