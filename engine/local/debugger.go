package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smnsjas/go-pshost/engine"
)

// Debugger implements breakpoint stops for the local runspace. A "break"
// command suspends the running pipeline on the engine goroutine and invokes
// the registered stop handler; the handler's return value resumes or stops
// the pipeline.
type Debugger struct {
	rs *Runspace

	mu        sync.Mutex
	stopped   bool
	handler   func(engine.StopDetails) engine.ResumeAction
	curCancel context.CancelFunc
}

// IsStopped reports whether the debugger is currently at a stop.
func (d *Debugger) IsStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// OnStop registers the stop handler. Only one handler is held; a second
// registration replaces the first.
func (d *Debugger) OnStop(handler func(engine.StopDetails) engine.ResumeAction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// breakNow runs on the goroutine executing the pipeline. With no handler
// registered the breakpoint is a no-op.
func (d *Debugger) breakNow(details engine.StopDetails) engine.ResumeAction {
	d.mu.Lock()
	handler := d.handler
	if handler == nil {
		d.mu.Unlock()
		return engine.ResumeContinue
	}
	d.stopped = true
	d.mu.Unlock()

	action := handler(details)

	d.mu.Lock()
	d.stopped = false
	d.mu.Unlock()
	return action
}

// ExecuteCommand runs a command inside the current stop. It must be called
// from the stop handler's goroutine (directly or via work it dispatches).
func (d *Debugger) ExecuteCommand(ctx context.Context, cmd *engine.Command) ([]interface{}, error) {
	d.mu.Lock()
	if !d.stopped {
		d.mu.Unlock()
		return nil, fmt.Errorf("debugger is not stopped")
	}
	ictx, cancel := context.WithCancel(ctx)
	d.curCancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.curCancel = nil
		d.mu.Unlock()
		cancel()
	}()

	out, err := d.rs.execute(ictx, cmd)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return nil, engine.ErrPipelineStopped
	}
	return out, err
}

// StopCommand aborts the command the debugger is currently servicing.
func (d *Debugger) StopCommand(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.curCancel != nil {
		d.curCancel()
	}
	return nil
}

// ExitAllNestedPrompts is a no-op for the local engine: nested prompt loops
// are driven by the session layer, which exits them through their thread
// controllers.
func (d *Debugger) ExitAllNestedPrompts() error { return nil }
