package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oshokin/app-updater/internal/logger"
)

const (
	// DefaultQueueSize is the number of events Async buffers before dropping.
	DefaultQueueSize = 64
	// DefaultEmitTimeout bounds one delivery attempt.
	DefaultEmitTimeout = 10 * time.Second
)

// Async delivers events to an inner sink from a background goroutine.
// Emit never blocks and never fails; events are dropped when the queue is full or closed.
type Async struct {
	// inner receives the events.
	inner Sink
	// queue buffers pending events.
	queue chan Event
	// timeout bounds each delivery.
	timeout time.Duration
	// mu guards closed against concurrent Emit and Close.
	mu sync.RWMutex
	// closed is set by Close.
	closed bool
	// done is closed when the worker exits.
	done chan struct{}
	// dropped counts discarded events.
	dropped atomic.Int64
	// ctx carries the logger for delivery failures.
	ctx context.Context //nolint:containedctx // Background worker logs with the caller's logger.
}

// NewAsync starts delivering to inner. size <= 0 uses DefaultQueueSize.
func NewAsync(ctx context.Context, inner Sink, size int) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}

	a := &Async{
		inner:   inner,
		queue:   make(chan Event, size),
		timeout: DefaultEmitTimeout,
		done:    make(chan struct{}),
		ctx:     context.WithoutCancel(logger.WithName(ctx, "telemetry")),
	}

	go a.run()

	return a
}

// Emit implements Sink. It always returns nil.
func (a *Async) Emit(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		return nil
	}

	select {
	case a.queue <- event:
	default:
		a.dropped.Add(1)
	}

	return nil
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)

	for event := range a.queue {
		ctx, cancel := context.WithTimeout(a.ctx, a.timeout)

		if err := a.inner.Emit(ctx, event); err != nil {
			logger.WarnKV(ctx, "Telemetry event not delivered", "event", event.Name, "id", event.ID, "error", err)
		}

		cancel()
	}
}
