// Package dispatch delivers typed events produced by background
// engines to observer callbacks on a thread the embedder controls
// (spec section 4.7).
package dispatch

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Kind identifies the category of an Event.
type Kind string

const (
	PeerUp            Kind = "peer-up"
	PeerDown          Kind = "peer-down"
	MessageReceived   Kind = "message-received"
	FileOffered       Kind = "file-offer"
	FileProgress      Kind = "file-progress"
	FileReceived      Kind = "file-received"
	FileSendDone      Kind = "file-send-done"
	FileSendFailed    Kind = "file-send-failed"
	TransportError    Kind = "transport-error"
)

// Event is one item on the dispatcher queue. Payload's concrete type
// is determined by Kind; see the engine packages for the payload
// shapes they publish.
type Event struct {
	Kind    Kind
	Payload any
}

// Handler is an observer callback for one event kind.
type Handler func(Event)

// DefaultQueueCapacity is the bounded queue size spec section 4.7
// specifies as the default.
const DefaultQueueCapacity = 1024

// Dispatcher owns the bounded event queue and the registered
// callbacks. Events for a given Kind are delivered to its registered
// handlers in enqueue order; across kinds only enqueue order of the
// underlying queue is preserved (spec section 5).
type Dispatcher struct {
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[Kind][]Handler

	queue     chan Event
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	overflow atomic.Uint64
}

// New builds a Dispatcher with the given bounded queue capacity. A
// capacity of 0 uses DefaultQueueCapacity.
func New(logger *zap.SugaredLogger, capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[Kind][]Handler),
		queue:    make(chan Event, capacity),
		stop:     make(chan struct{}),
	}
}

// On registers h to be invoked for every Event of kind k.
func (d *Dispatcher) On(k Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[k] = append(d.handlers[k], h)
}

// Emit enqueues an event for delivery. If the queue is full the
// oldest queued event is dropped and the overflow counter is
// incremented, per spec section 4.7.
func (d *Dispatcher) Emit(e Event) {
	select {
	case d.queue <- e:
		return
	default:
	}
	// Queue full: drop the oldest event to make room.
	select {
	case <-d.queue:
		d.overflow.Add(1)
		d.logger.Warnw("dispatcher queue overflow, dropping oldest event", "kind", e.Kind)
	default:
	}
	select {
	case d.queue <- e:
	default:
		// Another producer won the race for the freed slot; count this
		// event as dropped too rather than block the caller.
		d.overflow.Add(1)
	}
}

// Overflow returns the number of events dropped due to a full queue.
func (d *Dispatcher) Overflow() uint64 { return d.overflow.Load() }

// Run drains the queue on the calling goroutine until Stop is called.
// The embedder may call Run on a dedicated goroutine, or call Poll
// repeatedly instead if it prefers to drive delivery itself.
func (d *Dispatcher) Run() {
	d.wg.Add(1)
	defer d.wg.Done()
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.stop:
			return
		}
	}
}

// Poll delivers at most one queued event and reports whether it found
// one, for embedders that want to drive delivery from their own loop
// (e.g. a GUI timer) instead of a dedicated goroutine.
func (d *Dispatcher) Poll() bool {
	select {
	case e := <-d.queue:
		d.deliver(e)
		return true
	default:
		return false
	}
}

func (d *Dispatcher) deliver(e Event) {
	d.mu.RLock()
	handlers := d.handlers[e.Kind]
	d.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

// Stop halts a goroutine started by Run. Safe to call even if Run was
// never started; does not affect Poll-driven embedders.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
}
