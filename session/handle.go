package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNestDisposed is returned when an operation is attempted on a
	// disposed prompt nest. Callers should treat it as "session gone" and
	// no-op rather than retry.
	ErrNestDisposed = errors.New("prompt nest is disposed")
	// ErrHandleNotHeld is returned when a handle is released into a queue
	// whose slot is already occupied. It indicates a double release, which
	// is an orchestration bug rather than a runtime condition.
	ErrHandleNotHeld = errors.New("runspace handle was not held")
)

// RunspaceHandle is a single-use capability token granting exclusive borrow
// of a frame's pipeline. Handles are never reused: releasing one enqueues a
// fresh instance in its place. The queue enforces mutual exclusion, not the
// handle itself.
type RunspaceHandle struct {
	id         uuid.UUID
	isReadLine bool
}

func newRunspaceHandle(isReadLine bool) *RunspaceHandle {
	return &RunspaceHandle{id: uuid.New(), isReadLine: isReadLine}
}

// ID returns the unique identifier of this handle instance.
func (h *RunspaceHandle) ID() uuid.UUID { return h.id }

// IsReadLine reports whether the handle was acquired through the ReadLine
// side frame rather than the main nesting stack.
func (h *RunspaceHandle) IsReadLine() bool { return h.isReadLine }

// handleQueue is a single-slot queue of runspace handles. The slot holds one
// handle when the frame's pipeline is free and is empty while it is
// borrowed. Waiters are served in arrival order.
type handleQueue struct {
	isReadLine bool
	ch         chan *RunspaceHandle
	done       chan struct{}
	closeOnce  sync.Once
}

func newHandleQueue(isReadLine bool) *handleQueue {
	q := &handleQueue{
		isReadLine: isReadLine,
		ch:         make(chan *RunspaceHandle, 1),
		done:       make(chan struct{}),
	}
	q.ch <- newRunspaceHandle(isReadLine)
	return q
}

// Acquire removes the handle from the queue, suspending until it is
// available. A disposed queue returns ErrNestDisposed immediately instead of
// blocking, so shutdown never strands waiters.
func (q *handleQueue) Acquire(ctx context.Context) (*RunspaceHandle, error) {
	select {
	case <-q.done:
		return nil, ErrNestDisposed
	default:
	}

	select {
	case h := <-q.ch:
		return h, nil
	case <-q.done:
		return nil, ErrNestDisposed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire removes the handle without waiting. It returns nil when the
// slot is empty or the queue is disposed.
func (q *handleQueue) TryAcquire() *RunspaceHandle {
	select {
	case <-q.done:
		return nil
	case h := <-q.ch:
		return h
	default:
		return nil
	}
}

// Release replenishes the slot with a fresh handle, waking the next waiter.
// Releasing into a disposed queue is a no-op. Releasing into an occupied
// slot returns ErrHandleNotHeld.
func (q *handleQueue) Release() error {
	select {
	case <-q.done:
		return nil
	default:
	}

	select {
	case q.ch <- newRunspaceHandle(q.isReadLine):
		return nil
	default:
		return ErrHandleNotHeld
	}
}

// IsBusy reports whether the slot is currently borrowed.
func (q *handleQueue) IsBusy() bool {
	select {
	case <-q.done:
		return false
	default:
	}
	return len(q.ch) == 0
}

// Dispose wakes all waiters with ErrNestDisposed. Idempotent.
func (q *handleQueue) Dispose() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
