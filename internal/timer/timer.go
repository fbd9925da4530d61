// Package timer implements the scheduled one-shot/periodic callback
// service described in spec.md §4.2: expirations are delivered as an
// ordinary TIMER_HAS_EXPIRED message on the owning task's itti queue.
package timer

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-mme/core/internal/itti"
)

// Kind distinguishes one-shot from periodic timers.
type Kind int

const (
	OneShot Kind = iota
	Periodic
)

// Handle is an opaque timer identifier returned at creation.
type Handle uint64

// ErrNotFound is returned by Remove for a handle that has already fired
// (one-shot) or was never created.
var ErrNotFound = errors.New("timer: not found")

// Expiry is the payload carried by a TIMER_HAS_EXPIRED message. Arg is
// returned verbatim from Create; the service never dereferences it.
type Expiry struct {
	Handle Handle
	Arg    interface{}
}

type entry struct {
	handle   Handle
	deadline time.Time
	period   time.Duration
	kind     Kind
	owner    itti.TaskID
	arg      interface{}
	canceled bool
	index    int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Service is the process-wide timer fabric. A single goroutine drives all
// timers via a min-heap keyed by deadline, so UE-scale timer counts don't
// each need their own time.Timer goroutine.
type Service struct {
	bus    *itti.Bus
	logger *zap.Logger

	mu         sync.Mutex
	queue      entryHeap
	entries    map[Handle]*entry
	nextHandle uint64

	wake chan struct{}
}

// NewService creates a timer service bound to bus.
func NewService(bus *itti.Bus, logger *zap.Logger) *Service {
	return &Service{
		bus:     bus,
		logger:  logger,
		entries: make(map[Handle]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Create schedules a new timer. duration is the interval to the first (or,
// for periodic timers, every) expiration. arg is returned verbatim in the
// Expiry payload.
func (s *Service) Create(duration time.Duration, kind Kind, owner itti.TaskID, arg interface{}) Handle {
	s.mu.Lock()
	s.nextHandle++
	h := Handle(s.nextHandle)
	e := &entry{
		handle:   h,
		deadline: time.Now().Add(duration),
		period:   duration,
		kind:     kind,
		owner:    owner,
		arg:      arg,
	}
	s.entries[h] = e
	heap.Push(&s.queue, e)
	s.mu.Unlock()

	s.signal()
	return h
}

// Remove cancels a timer by handle. Removing a never-fired one-shot timer
// guarantees its expiration message will never be delivered. Removing a
// timer that has already fired (one-shot) returns ErrNotFound.
func (s *Service) Remove(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return ErrNotFound
	}
	e.canceled = true
	delete(s.entries, h)
	return nil
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the timer service until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	for {
		wait := s.fireDue()
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(wait):
		}
	}
}

// fireDue pops and delivers every expired entry, returning how long to
// sleep before the next check.
func (s *Service) fireDue() time.Duration {
	const idleSleep = time.Minute

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return idleSleep
		}
		top := s.queue[0]
		now := time.Now()
		if top.deadline.After(now) {
			wait := top.deadline.Sub(now)
			s.mu.Unlock()
			return wait
		}

		heap.Pop(&s.queue)
		canceled := top.canceled
		if top.kind == Periodic && !canceled {
			top.deadline = now.Add(top.period)
			heap.Push(&s.queue, top)
		} else {
			delete(s.entries, top.handle)
		}
		s.mu.Unlock()

		if canceled {
			continue
		}

		err := s.bus.Send(itti.Message{
			Destination: top.owner,
			ID:          itti.TimerHasExpired,
			Priority:    itti.PriorityNormal,
			Payload:     Expiry{Handle: top.handle, Arg: top.arg},
		})
		if err != nil {
			s.logger.Warn("timer: failed to deliver expiry", zap.Error(err))
		}
	}
}
