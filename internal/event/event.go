package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies a queued operation.
type Kind uint8

const (
	// Compute launches a kernel on every unit.
	Compute Kind = iota
	// TransferIn moves host data into unit memory.
	TransferIn
	// TransferOut moves unit memory back to the host.
	TransferOut
	// Fence completes once every earlier event has completed.
	Fence
)

func (k Kind) String() string {
	switch k {
	case Compute:
		return "compute"
	case TransferIn:
		return "transfer_in"
	case TransferOut:
		return "transfer_out"
	case Fence:
		return "fence"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Action initiates the device work behind an event. It must return as soon
// as the work is issued; completion is reported by the device callback.
type Action func() error

// Event is one unit of asynchronous work waiting in a Queue.
type Event struct {
	kind   Kind
	action Action
	label  string
	result any
}

// New creates an event of the given kind.
func New(kind Kind, action Action) *Event {
	return &Event{kind: kind, action: action}
}

// NewFence creates a fence event.
func NewFence() *Event {
	return &Event{kind: Fence}
}

// WithLabel attaches a name used in logs.
func (e *Event) WithLabel(label string) *Event {
	e.label = label
	return e
}

// WithResult attaches a payload that the handle exposes through Result.
func (e *Event) WithResult(v any) *Event {
	e.result = v
	return e
}

// Kind returns the event's kind.
func (e *Event) Kind() Kind {
	return e.kind
}

// Handle is the caller's view of a submitted event. Its completion slot is
// written once, by the device completion callback.
type Handle struct {
	id     uint64
	kind   Kind
	label  string
	result any

	started  atomic.Bool
	finished atomic.Bool
	done     chan struct{}
	once     sync.Once
	err      error

	submittedAt time.Time
	startedAt   time.Time
}

func newHandle(id uint64, e *Event) *Handle {
	return &Handle{
		id:          id,
		kind:        e.kind,
		label:       e.label,
		result:      e.result,
		done:        make(chan struct{}),
		submittedAt: time.Now(),
	}
}

// ID returns the queue-assigned sequence number.
func (h *Handle) ID() uint64 { return h.id }

// Kind returns the event's kind.
func (h *Handle) Kind() Kind { return h.kind }

// Label returns the event's label.
func (h *Handle) Label() string { return h.label }

// Result returns the payload attached with WithResult.
func (h *Handle) Result() any { return h.result }

// Started reports whether the event has been dequeued and initiated.
func (h *Handle) Started() bool { return h.started.Load() }

// Finished reports whether the completion callback has fired.
func (h *Handle) Finished() bool { return h.finished.Load() }

// Done is closed when the event finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the completion error. Only meaningful once Finished is true.
func (h *Handle) Err() error {
	if !h.Finished() {
		return nil
	}
	return h.err
}

func (h *Handle) markStarted() {
	h.startedAt = time.Now()
	h.started.Store(true)
}

// complete finishes the handle. Only the first call has an effect.
func (h *Handle) complete(err error) bool {
	first := false
	h.once.Do(func() {
		h.err = err
		h.finished.Store(true)
		close(h.done)
		first = true
	})
	return first
}
