package event

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

// Notifier is the part of the device subsystem the queue needs: a one-shot
// completion callback that fires after all previously issued device work.
type Notifier interface {
	Callback(fn func(error)) error
}

// Observer receives queue activity. Implementations must be safe for use
// from the device callback goroutine.
type Observer interface {
	EventSubmitted(kind Kind)
	EventStarted(kind Kind, queued time.Duration)
	EventCompleted(kind Kind, elapsed time.Duration, err error)
	QueueDepthChanged(pending int)
}

type nopObserver struct{}

func (nopObserver) EventSubmitted(Kind)                       {}
func (nopObserver) EventStarted(Kind, time.Duration)          {}
func (nopObserver) EventCompleted(Kind, time.Duration, error) {}
func (nopObserver) QueueDepthChanged(int)                     {}

type entry struct {
	event  *Event
	handle *Handle
}

// Queue is a strict FIFO of pending events driven by a single owner.
//
// Submit, ProcessNext, ProcessEvents and Wait must all be called from the
// same goroutine; only handle completion happens elsewhere.
type Queue struct {
	notifier Notifier
	logger   *zap.Logger
	observer Observer

	pending  []entry
	inflight []*Handle
	nextID   uint64
}

// NewQueue creates an empty queue arming completions through notifier.
// observer may be nil.
func NewQueue(notifier Notifier, observer Observer, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Queue{
		notifier: notifier,
		logger:   logger,
		observer: observer,
	}
}

// Submit appends e to the tail of the queue and returns its handle.
func (q *Queue) Submit(e *Event) *Handle {
	q.nextID++
	h := newHandle(q.nextID, e)
	q.pending = append(q.pending, entry{event: e, handle: h})

	q.observer.EventSubmitted(e.kind)
	q.observer.QueueDepthChanged(len(q.pending))
	return h
}

// ProcessNext dequeues the head event, runs its action and arms its
// completion callback. It returns nil on an empty queue.
//
// An event whose action fails is finished with that error and the error is
// returned; there is no retry.
func (q *Queue) ProcessNext() error {
	if len(q.pending) == 0 {
		return nil
	}
	ent := q.pending[0]
	q.pending[0] = entry{}
	q.pending = q.pending[1:]
	q.observer.QueueDepthChanged(len(q.pending))

	e, h := ent.event, ent.handle
	if ce := q.logger.Check(zap.DebugLevel, "Processing event"); ce != nil {
		ce.Write(zap.Uint64("id", h.id), zap.Stringer("kind", h.kind), zap.String("label", h.label), zap.Int("pending", len(q.pending)))
	}

	switch e.kind {
	case Compute, TransferIn, TransferOut:
		h.markStarted()
		q.observer.EventStarted(h.kind, h.startedAt.Sub(h.submittedAt))
		if e.action != nil {
			if err := e.action(); err != nil {
				err = fmt.Errorf("%s event %d failed to start: %w", h.kind, h.id, err)
				q.finish(h, err)
				return err
			}
		}
		if err := q.notifier.Callback(func(err error) { q.finish(h, err) }); err != nil {
			err = fmt.Errorf("%s event %d: arming completion: %w", h.kind, h.id, err)
			q.finish(h, err)
			return err
		}
	case Fence:
		h.markStarted()
		q.observer.EventStarted(h.kind, h.startedAt.Sub(h.submittedAt))
		prior := slices.Clone(q.unfinished())
		if err := q.notifier.Callback(func(err error) { q.finishFence(h, prior, err) }); err != nil {
			err = fmt.Errorf("fence %d: arming completion: %w", h.id, err)
			q.finish(h, err)
			return err
		}
	default:
		panic(fmt.Sprintf("event: unknown operation kind %d", uint8(e.kind)))
	}

	q.inflight = append(q.inflight, h)
	return nil
}

// ProcessEvents initiates every queued event. It does not wait for any of
// them to complete.
func (q *Queue) ProcessEvents() error {
	for len(q.pending) > 0 {
		if err := q.ProcessNext(); err != nil {
			return err
		}
	}
	return nil
}

// Wait drives the queue until h has finished and returns its completion
// error. Events ahead of h are initiated first; once h has been initiated
// Wait blocks on its completion. Cancelling ctx stops the wait but not the
// event.
func (q *Queue) Wait(ctx context.Context, h *Handle) error {
	for !h.Finished() {
		if h.Started() || len(q.pending) == 0 {
			select {
			case <-h.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.ProcessNext(); err != nil {
			return err
		}
	}
	return h.Err()
}

// Pending returns the number of events not yet dequeued.
func (q *Queue) Pending() int {
	return len(q.pending)
}

// InFlight returns the number of initiated events whose completion has not fired.
func (q *Queue) InFlight() int {
	return len(q.unfinished())
}

// Idle reports whether nothing is queued or in flight.
func (q *Queue) Idle() bool {
	return q.Pending() == 0 && q.InFlight() == 0
}

// unfinished prunes completed handles from the in-flight set and returns it.
func (q *Queue) unfinished() []*Handle {
	live := q.inflight[:0]
	for _, h := range q.inflight {
		if !h.Finished() {
			live = append(live, h)
		}
	}
	clear(q.inflight[len(live):])
	q.inflight = live
	return live
}

func (q *Queue) finish(h *Handle, err error) {
	if !h.complete(err) {
		return
	}
	elapsed := time.Since(h.startedAt)
	q.observer.EventCompleted(h.kind, elapsed, err)
	if err != nil {
		q.logger.Error("Event failed", zap.Uint64("id", h.id), zap.Stringer("kind", h.kind), zap.String("label", h.label), zap.Error(err))
		return
	}
	if ce := q.logger.Check(zap.DebugLevel, "Event finished"); ce != nil {
		ce.Write(zap.Uint64("id", h.id), zap.Stringer("kind", h.kind), zap.Duration("elapsed", elapsed))
	}
}

// finishFence completes a fence once the device has drained and every event
// initiated before it has finished.
func (q *Queue) finishFence(h *Handle, prior []*Handle, err error) {
	for _, p := range prior {
		if !p.Finished() {
			go func() {
				for _, p := range prior {
					<-p.Done()
				}
				q.finish(h, err)
			}()
			return
		}
	}
	q.finish(h, err)
}
