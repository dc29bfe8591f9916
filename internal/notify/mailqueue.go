package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Message is one notification handed to the external email queue. The
// queue owns rendering, retries and delivery; this module enqueues each
// message at most once.
type Message struct {
	RecipientEmail string
	Template       string
	Payload        map[string]interface{}
}

// MailQueue is the contract to the external email fabric.
type MailQueue interface {
	Enqueue(ctx context.Context, msg Message) error
}

// BreakerQueue wraps a MailQueue in a circuit breaker so a misbehaving
// queue fails fast instead of stalling every event handler.
type BreakerQueue struct {
	inner   MailQueue
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	MaxFailures uint32
	Timeout     time.Duration
}

// NewBreakerQueue wraps inner with a breaker.
func NewBreakerQueue(inner MailQueue, settings BreakerSettings) *BreakerQueue {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	return &BreakerQueue{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mail-queue",
			Timeout: settings.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.MaxFailures
			},
		}),
	}
}

// Enqueue passes through the breaker; when open, the enqueue fails
// immediately.
func (q *BreakerQueue) Enqueue(ctx context.Context, msg Message) error {
	_, err := q.breaker.Execute(func() (interface{}, error) {
		return nil, q.inner.Enqueue(ctx, msg)
	})
	return err
}
