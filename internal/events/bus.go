package events

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digcoord/digcoord/internal/metrics"
)

// Handler consumes one event. Handlers must not block indefinitely; the
// bus gives each delivery a generous but bounded context.
type Handler func(ctx context.Context, ev Event)

// Bus is the in-process publish-subscribe fabric. Publish never blocks
// the caller beyond a bounded enqueue; events for the same partition key
// are delivered FIFO by pinning the key to one worker.
type Bus struct {
	log      *zap.Logger
	workers  int
	queues   []chan Event
	handlers []Handler
	mu       sync.RWMutex
	wg       sync.WaitGroup
	closed   bool

	// deliveryTimeout bounds one handler invocation.
	deliveryTimeout time.Duration
}

// Options configures a Bus.
type Options struct {
	Workers         int
	QueueDepth      int
	DeliveryTimeout time.Duration
}

// NewBus starts the worker pool.
func NewBus(opts Options, log *zap.Logger) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		log:             log,
		workers:         opts.Workers,
		queues:          make([]chan Event, opts.Workers),
		deliveryTimeout: opts.DeliveryTimeout,
	}
	for i := range b.queues {
		b.queues[i] = make(chan Event, opts.QueueDepth)
		b.wg.Add(1)
		go b.run(b.queues[i])
	}
	return b
}

// Subscribe registers a handler for all events. Subscriptions are
// expected at wiring time, before traffic.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues the event and returns immediately. When the partition
// queue is full the event is dropped and counted; delivery is best
// effort by design.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.log.Warn("event published after bus close", zap.String("event", ev.Name()))
		return
	}
	queue := b.queues[b.partition(ev.PartitionKey())]
	select {
	case queue <- ev:
		metrics.EventsPublished.WithLabelValues(ev.Name()).Inc()
	default:
		metrics.EventsDropped.WithLabelValues(ev.Name()).Inc()
		b.log.Warn("event queue full, dropping event",
			zap.String("event", ev.Name()),
			zap.String("partition", ev.PartitionKey()))
	}
}

// Close stops accepting events and waits for the queues to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	for _, q := range b.queues {
		close(q)
	}
	b.wg.Wait()
}

func (b *Bus) run(queue <-chan Event) {
	defer b.wg.Done()
	for ev := range queue {
		b.mu.RLock()
		handlers := b.handlers
		b.mu.RUnlock()
		for _, h := range handlers {
			b.deliver(h, ev)
		}
	}
}

// deliver invokes one handler with panic isolation so a bad subscriber
// cannot take down the worker.
func (b *Bus) deliver(h Handler, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.deliveryTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("event handler panicked",
				zap.String("event", ev.Name()),
				zap.Any("panic", p))
		}
	}()
	h(ctx, ev)
}

func (b *Bus) partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.workers))
}
