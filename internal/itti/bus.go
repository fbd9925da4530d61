package itti

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Task is a single-threaded consumer of one task's queue. Implementations
// must process the messages delivered on Run's in channel in a single
// goroutine.
type Task interface {
	ID() TaskID
	// Run consumes messages until ctx is canceled or a TerminateMessage is
	// delivered. It must return once teardown is complete.
	Run(ctx context.Context, in <-chan Message)
}

const queueDepth = 256

// Bus is the process-wide set of per-task queues. Producers call Send;
// each registered Task consumes its own queue in FIFO order within a
// priority class. There is no ordering guarantee across tasks.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	high   map[TaskID]chan Message
	normal map[TaskID]chan Message
	done   map[TaskID]chan struct{}
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		high:   make(map[TaskID]chan Message),
		normal: make(map[TaskID]chan Message),
		done:   make(map[TaskID]chan struct{}),
	}
}

// Register starts t's consumer goroutine, which multiplexes its high and
// normal priority queues (high always drained first when both are ready).
func (b *Bus) Register(ctx context.Context, t Task) {
	id := t.ID()

	b.mu.Lock()
	high := make(chan Message, queueDepth)
	normal := make(chan Message, queueDepth)
	done := make(chan struct{})
	b.high[id] = high
	b.normal[id] = normal
	b.done[id] = done
	b.mu.Unlock()

	merged := make(chan Message, queueDepth)
	go func() {
		defer close(merged)
		defer close(done)
		for {
			select {
			case m, ok := <-high:
				if !ok {
					return
				}
				merged <- m
				if m.ID == TerminateMessage {
					return
				}
			default:
				select {
				case m, ok := <-high:
					if !ok {
						return
					}
					merged <- m
					if m.ID == TerminateMessage {
						return
					}
				case m, ok := <-normal:
					if !ok {
						return
					}
					merged <- m
					if m.ID == TerminateMessage {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go t.Run(ctx, merged)
}

// Send enqueues msg on its destination task's queue. Send succeeds once the
// message is enqueued; it returns an error if the destination task was
// never registered or has already exited.
func (b *Bus) Send(msg Message) error {
	b.mu.RLock()
	var q chan Message
	switch msg.Priority {
	case PriorityHigh:
		q = b.high[msg.Destination]
	default:
		q = b.normal[msg.Destination]
	}
	done := b.done[msg.Destination]
	b.mu.RUnlock()

	if q == nil {
		return fmt.Errorf("itti: no such task %s", msg.Destination)
	}
	select {
	case <-done:
		return fmt.Errorf("itti: task %s has exited", msg.Destination)
	default:
	}

	select {
	case q <- msg:
		return nil
	case <-done:
		return fmt.Errorf("itti: task %s exited while sending", msg.Destination)
	}
}

// Terminate delivers a TerminateMessage to every registered task.
func (b *Bus) Terminate() {
	b.mu.RLock()
	ids := make([]TaskID, 0, len(b.high))
	for id := range b.high {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		_ = b.Send(Message{Destination: id, ID: TerminateMessage, Priority: PriorityHigh})
	}
}
