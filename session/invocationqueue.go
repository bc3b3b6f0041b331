package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/smnsjas/go-pshost/engine"
)

// InvocationEventQueue marshals command execution onto the engine's own
// goroutine while that goroutine is blocked in interactive input. Only a
// nested pipeline created on the engine goroutine can take over the pipeline
// at that point, so the queue subscribes a handler to the engine's idle hook
// and hands it at most one pending request at a time.
//
// A second caller must wait for the first request's result future to
// complete before installing its own, so two commands can never both claim
// the idle callback. The wait happens outside the slot mutex so the idle
// handler's own dequeue is never blocked behind it.
type InvocationEventQueue struct {
	runspace engine.Runspace
	logger   Logger

	mu      sync.Mutex
	pending *ExecutionRequest
	active  engine.Pipeline
	sub     engine.IdleSubscription
	closed  bool
}

// NewInvocationEventQueue subscribes to the runspace's idle hook and returns
// the queue.
func NewInvocationEventQueue(runspace engine.Runspace, logger Logger) (*InvocationEventQueue, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	q := &InvocationEventQueue{
		runspace: runspace,
		logger:   logger,
	}
	sub, err := runspace.SubscribeIdle(q.onIdle)
	if err != nil {
		return nil, fmt.Errorf("subscribe idle hook: %w", err)
	}
	q.sub = sub
	return q, nil
}

// ExecuteCommandOnIdle installs the command as the single pending invocation,
// nudges the engine to process events so the idle hook fires promptly, and
// suspends until the engine goroutine has executed it.
func (q *InvocationEventQueue) ExecuteCommandOnIdle(ctx context.Context, cmd *engine.Command, opts ExecutionOptions) ([]interface{}, error) {
	req := NewExecutionRequest(cmd, opts)
	if err := q.install(ctx, req); err != nil {
		return nil, err
	}

	q.runspace.ProcessEvents()

	results, err := req.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// The caller gave up. Withdraw the request so later callers are not
		// stuck waiting on a future nobody will complete.
		q.withdraw(req)
	}
	return results, err
}

// InvokeOnPipelineThread runs an arbitrary callback on the engine goroutine
// via the same idle-hook mechanism. The callback receives a nested pipeline
// scoped to the engine goroutine.
func (q *InvocationEventQueue) InvokeOnPipelineThread(ctx context.Context, action func(engine.Pipeline) error) error {
	req := NewExecutionRequest(nil, ExecutionOptions{})
	req.action = action
	if err := q.install(ctx, req); err != nil {
		return err
	}

	q.runspace.ProcessEvents()

	_, err := req.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		q.withdraw(req)
	}
	return err
}

// install claims the single pending-invocation slot, waiting for any prior
// request to complete first. The wait happens without holding the mutex.
func (q *InvocationEventQueue) install(ctx context.Context, req *ExecutionRequest) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrNestDisposed
		}
		q.ensureSubscribedLocked()
		if q.pending == nil {
			q.pending = req
			q.mu.Unlock()
			return nil
		}
		current := q.pending
		q.mu.Unlock()

		select {
		case <-current.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// withdraw clears the slot if req is still pending and completes its future
// so no other waiter hangs on it.
func (q *InvocationEventQueue) withdraw(req *ExecutionRequest) {
	q.mu.Lock()
	if q.pending == req {
		q.pending = nil
	}
	q.mu.Unlock()
	req.complete(nil, context.Canceled)
}

// ensureSubscribedLocked re-subscribes if the engine dropped the idle
// subscription during an internal reset, so the marshaling channel is never
// silently lost.
func (q *InvocationEventQueue) ensureSubscribedLocked() {
	if q.sub != nil && q.sub.Active() {
		return
	}
	sub, err := q.runspace.SubscribeIdle(q.onIdle)
	if err != nil {
		q.logger.Printf("[idle] re-subscribe failed: %v", err)
		return
	}
	q.logger.Printf("[idle] re-subscribed to idle hook")
	q.sub = sub
}

// StopActiveInvocation aborts the request currently owned by the idle hook.
// A request already executing has its nested pipeline stopped; one still
// waiting for the hook to fire is completed with engine.ErrPipelineStopped
// before it can start.
func (q *InvocationEventQueue) StopActiveInvocation(ctx context.Context) error {
	q.mu.Lock()
	active := q.active
	pending := q.pending
	if active == nil && pending != nil {
		q.pending = nil
	}
	q.mu.Unlock()

	if active != nil {
		return active.Stop(ctx)
	}
	if pending != nil {
		pending.complete(nil, engine.ErrPipelineStopped)
	}
	return nil
}

// onIdle runs on the engine goroutine. It executes the pending request on a
// nested pipeline and clears the slot.
func (q *InvocationEventQueue) onIdle() {
	q.mu.Lock()
	req := q.pending
	q.mu.Unlock()
	if req == nil {
		return
	}
	select {
	case <-req.Done():
		// Aborted before the hook fired.
		return
	default:
	}

	pipeline, err := q.runspace.CreateNestedPipeline()
	if err != nil {
		req.complete(nil, fmt.Errorf("create nested pipeline: %w", err))
	} else {
		q.mu.Lock()
		q.active = pipeline
		q.mu.Unlock()
		if req.action != nil {
			req.complete(nil, req.action(pipeline))
		} else {
			req.Execute(context.Background(), pipeline)
		}
		q.mu.Lock()
		q.active = nil
		q.mu.Unlock()
		_ = pipeline.Close()
	}

	q.mu.Lock()
	if q.pending == req {
		q.pending = nil
	}
	q.mu.Unlock()
}

// Dispose removes the idle subscription and fails any pending request.
func (q *InvocationEventQueue) Dispose() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	sub := q.sub
	q.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if pending != nil {
		pending.complete(nil, ErrNestDisposed)
	}
}
