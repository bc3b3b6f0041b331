package session

import (
	"context"
	"errors"
	"sync"

	"github.com/petermattis/goid"
	"github.com/smnsjas/go-pshost/engine"
)

var (
	// ErrFrameExited is returned when work is requested from a thread
	// controller whose frame has already been torn down.
	ErrFrameExited = errors.New("frame has exited")
)

// requestQueueSize bounds how many execution requests may be queued for a
// pinned goroutine before producers block.
const requestQueueSize = 16

// ThreadController pins a frame's execution to the goroutine that created
// it. Debugger stops and nested prompts run inside an engine call on the
// engine's own goroutine; other goroutines hand work to that goroutine
// through the controller's request queue instead of invoking the pipeline
// themselves.
type ThreadController struct {
	threadID int64
	requests chan *ExecutionRequest

	exitOnce sync.Once
	exitCh   chan engine.ResumeAction
	exited   <-chan struct{}
}

// newThreadController binds a controller to the calling goroutine. exited is
// closed when the owning frame is disposed.
func newThreadController(exited <-chan struct{}) *ThreadController {
	return &ThreadController{
		threadID: goid.Get(),
		requests: make(chan *ExecutionRequest, requestQueueSize),
		exitCh:   make(chan engine.ResumeAction, 1),
		exited:   exited,
	}
}

// IsCurrentThread reports whether the caller is the pinned goroutine.
// Callers already on it execute inline and skip the queue.
func (tc *ThreadController) IsCurrentThread() bool {
	return goid.Get() == tc.threadID
}

// RequestPipelineExecution queues a request for the pinned goroutine and
// suspends until it completes. A frame that exits before serving the request
// fails it with ErrFrameExited rather than stranding the caller.
func (tc *ThreadController) RequestPipelineExecution(ctx context.Context, req *ExecutionRequest) ([]interface{}, error) {
	select {
	case tc.requests <- req:
	case <-tc.exited:
		return nil, ErrFrameExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-req.Done():
		return req.Wait(ctx)
	case <-tc.exited:
		// Let the serve loop drain it if a race delivered it anyway.
		select {
		case <-req.Done():
			return req.Wait(ctx)
		default:
		}
		return nil, ErrFrameExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TakeExecutionRequest returns the next queued request. The pinned goroutine
// calls this in a loop, interleaved with checks for the exit signal.
func (tc *ThreadController) TakeExecutionRequest(ctx context.Context) (*ExecutionRequest, error) {
	select {
	case req := <-tc.requests:
		return req, nil
	case <-tc.exited:
		return nil, ErrFrameExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartThreadExit posts the resume action that ends the frame's serve loop.
// The first caller wins; later calls have no effect. With waitForExit set,
// the call blocks until the frame is fully torn down.
func (tc *ThreadController) StartThreadExit(action engine.ResumeAction, waitForExit bool) {
	tc.exitOnce.Do(func() {
		tc.exitCh <- action
	})
	if waitForExit {
		<-tc.exited
	}
}
