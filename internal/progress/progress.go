package progress

import (
	"sync"

	"github.com/oshokin/app-updater/internal/domain/release"
)

// Event is one phase change of one release step.
type Event struct {
	// Index is the 1-based position of the step in the chain.
	Index int
	// Total is the number of steps in the chain.
	Total int
	// Version is the release the step applies.
	Version string
	// Phase is the phase the step entered.
	Phase release.Phase
	// Err is set when Phase is release.PhaseFailed.
	Err error
}

// Sink observes progress events. It runs on the dispatcher goroutine.
type Sink func(Event)

// Dispatcher queues events without bound and hands them to a Sink in order
// from its own goroutine, so a slow observer never stalls an update.
type Dispatcher struct {
	// sink receives the events.
	sink Sink
	// mu guards queue and closed.
	mu sync.Mutex
	// queue holds events not yet delivered.
	queue []Event
	// closed is set by Close.
	closed bool
	// wake signals the worker that the queue changed.
	wake chan struct{}
	// done is closed when the worker exits.
	done chan struct{}
}

// NewDispatcher starts delivering to sink. A nil sink discards events.
func NewDispatcher(sink Sink) *Dispatcher {
	if sink == nil {
		sink = func(Event) {}
	}

	d := &Dispatcher{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go d.run()

	return d
}

// Publish queues event. It never blocks; events published after Close are dropped.
func (d *Dispatcher) Publish(event Event) {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		return
	}

	d.queue = append(d.queue, event)
	d.mu.Unlock()

	d.signal()
}

// Close stops accepting events and waits until the queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.signal()
	<-d.done
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for range d.wake {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, event := range batch {
			d.sink(event)
		}

		if closed {
			// Close was called before this batch was taken, so nothing else can arrive.
			return
		}
	}
}
