// Package local implements an in-process engine runspace for hosting the
// execution core without an external engine: one pinned execution
// goroutine, a registry of host commands, an idle hook pumped between
// engine calls, and a breakpoint-capable debugger.
//
// It is deliberately not a language implementation. Scripts are a single
// command name followed by whitespace-separated arguments; the point of the
// package is to give the session layer a faithful single-threaded engine to
// arbitrate, for the bundled CLI and for integration tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"github.com/smnsjas/go-pshost/engine"
)

var (
	// ErrCommandNotFound is returned when a script names an unregistered
	// command.
	ErrCommandNotFound = errors.New("command not found")
)

// CommandFunc is a host command registered with the runspace. It runs on
// whichever goroutine currently owns the runspace and must honor ctx.
type CommandFunc func(ctx context.Context, rs *Runspace, args []engine.Argument) ([]interface{}, error)

// Option configures a Runspace.
type Option func(*Runspace)

// WithRemote marks the runspace as executing out of process. The session
// layer exempts remote runspaces from dual ReadLine acquisition.
func WithRemote() Option {
	return func(rs *Runspace) { rs.remote = true }
}

// Runspace is a single-threaded in-process execution context.
type Runspace struct {
	id     uuid.UUID
	remote bool

	workCh  chan func()
	eventCh chan struct{}
	done    chan struct{}
	once    sync.Once

	threadID atomic.Int64

	mu       sync.Mutex
	subs     map[int]func()
	nextSub  int
	commands map[string]CommandFunc
	vars     map[string]interface{}

	debugger *Debugger
}

// New creates a runspace and starts its execution goroutine. The goroutine
// is locked to an OS thread for the lifetime of the runspace.
func New(opts ...Option) *Runspace {
	rs := &Runspace{
		id:       uuid.New(),
		workCh:   make(chan func()),
		eventCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		subs:     make(map[int]func()),
		commands: make(map[string]CommandFunc),
		vars:     make(map[string]interface{}),
	}
	rs.debugger = &Debugger{rs: rs}
	for _, opt := range opts {
		opt(rs)
	}
	rs.registerBuiltins()

	ready := make(chan struct{})
	go rs.run(ready)
	<-ready
	return rs
}

// run is the engine's execution loop. All pipeline work marshals here; idle
// handlers fire only while no work is running.
func (rs *Runspace) run(ready chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	rs.threadID.Store(goid.Get())
	close(ready)

	for {
		select {
		case fn := <-rs.workCh:
			fn()
		case <-rs.eventCh:
			rs.runIdleHandlers()
		case <-rs.done:
			return
		}
	}
}

func (rs *Runspace) runIdleHandlers() {
	rs.mu.Lock()
	handlers := make([]func(), 0, len(rs.subs))
	for _, h := range rs.subs {
		handlers = append(handlers, h)
	}
	rs.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// ID returns the unique identifier of the runspace.
func (rs *Runspace) ID() uuid.UUID { return rs.id }

// IsRemote reports whether the runspace was created with WithRemote.
func (rs *Runspace) IsRemote() bool { return rs.remote }

// Debugger returns the runspace's debugger.
func (rs *Runspace) Debugger() engine.Debugger { return rs.debugger }

// CreatePipeline creates a pipeline whose invocations marshal onto the
// engine goroutine.
func (rs *Runspace) CreatePipeline() (engine.Pipeline, error) {
	if rs.isClosed() {
		return nil, engine.ErrRunspaceClosed
	}
	return &Pipeline{rs: rs}, nil
}

// CreateNestedPipeline creates a pipeline that executes inline on the
// calling goroutine, for use while an outer invocation is paused.
func (rs *Runspace) CreateNestedPipeline() (engine.Pipeline, error) {
	if rs.isClosed() {
		return nil, engine.ErrRunspaceClosed
	}
	return &Pipeline{rs: rs, direct: true}, nil
}

// SubscribeIdle registers an idle handler.
func (rs *Runspace) SubscribeIdle(handler func()) (engine.IdleSubscription, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.isClosed() {
		return nil, engine.ErrRunspaceClosed
	}
	id := rs.nextSub
	rs.nextSub++
	rs.subs[id] = handler
	return &idleSub{rs: rs, id: id}, nil
}

// DropIdleSubscriptions removes every idle subscription, simulating the
// engine-internal reset that real engines perform. Subscribers observe it
// through IdleSubscription.Active.
func (rs *Runspace) DropIdleSubscriptions() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.subs = make(map[int]func())
}

// ProcessEvents nudges the execution goroutine to run idle handlers.
// Non-blocking; redundant nudges coalesce.
func (rs *Runspace) ProcessEvents() {
	select {
	case rs.eventCh <- struct{}{}:
	default:
	}
}

// Register adds a host command to the runspace.
func (rs *Runspace) Register(name string, fn CommandFunc) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.commands[name] = fn
}

// SetVariable stores a session variable.
func (rs *Runspace) SetVariable(name string, value interface{}) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.vars[name] = value
}

// Variable returns a session variable.
func (rs *Runspace) Variable(name string) (interface{}, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	v, ok := rs.vars[name]
	return v, ok
}

// Close shuts the runspace down. Idempotent.
func (rs *Runspace) Close() error {
	rs.once.Do(func() {
		close(rs.done)
	})
	return nil
}

func (rs *Runspace) isClosed() bool {
	select {
	case <-rs.done:
		return true
	default:
		return false
	}
}

func (rs *Runspace) onEngineThread() bool {
	return goid.Get() == rs.threadID.Load()
}

func (rs *Runspace) lookup(name string) (CommandFunc, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn, ok := rs.commands[name]
	return fn, ok
}

// execute runs a command pipeline on the calling goroutine.
func (rs *Runspace) execute(ctx context.Context, cmd *engine.Command) ([]interface{}, error) {
	if cmd == nil {
		return nil, nil
	}

	var (
		outputs []interface{}
		execErr error
	)
	cmd.Walk(func(name string, isScript bool, args []engine.Argument) {
		if execErr != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			execErr = err
			return
		}
		if isScript {
			name, args = parseScript(name)
		}
		fn, ok := rs.lookup(name)
		if !ok {
			execErr = fmt.Errorf("%w: %q", ErrCommandNotFound, name)
			return
		}
		out, err := fn(ctx, rs, args)
		if err != nil {
			execErr = err
			return
		}
		outputs = append(outputs, out...)
	})
	return outputs, execErr
}

// parseScript splits a script string into a command name and positional
// string arguments.
func parseScript(script string) (string, []engine.Argument) {
	fields := strings.Fields(script)
	if len(fields) == 0 {
		return "", nil
	}
	args := make([]engine.Argument, 0, len(fields)-1)
	for _, f := range fields[1:] {
		args = append(args, engine.Argument{Value: f})
	}
	return fields[0], args
}

func (rs *Runspace) registerBuiltins() {
	rs.Register("echo", func(_ context.Context, _ *Runspace, args []engine.Argument) ([]interface{}, error) {
		out := make([]interface{}, len(args))
		for i, a := range args {
			out[i] = a.Value
		}
		return out, nil
	})

	rs.Register("set", func(_ context.Context, rs *Runspace, args []engine.Argument) ([]interface{}, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("set: expected name and value")
		}
		rs.SetVariable(fmt.Sprint(args[0].Value), args[1].Value)
		return nil, nil
	})

	rs.Register("get", func(_ context.Context, rs *Runspace, args []engine.Argument) ([]interface{}, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("get: expected name")
		}
		v, ok := rs.Variable(fmt.Sprint(args[0].Value))
		if !ok {
			return nil, nil
		}
		return []interface{}{v}, nil
	})

	rs.Register("sleep", func(ctx context.Context, _ *Runspace, args []engine.Argument) ([]interface{}, error) {
		ms := 10
		if len(args) > 0 {
			if n, err := strconv.Atoi(fmt.Sprint(args[0].Value)); err == nil {
				ms = n
			}
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	rs.Register("fail", func(_ context.Context, _ *Runspace, args []engine.Argument) ([]interface{}, error) {
		msg := "fail"
		if len(args) > 0 {
			msg = fmt.Sprint(args[0].Value)
		}
		return nil, errors.New(msg)
	})

	rs.Register("break", func(ctx context.Context, rs *Runspace, args []engine.Argument) ([]interface{}, error) {
		name := ""
		if len(args) > 0 {
			name = fmt.Sprint(args[0].Value)
		}
		action := rs.debugger.breakNow(engine.StopDetails{Breakpoint: name})
		if action == engine.ResumeStop {
			return nil, engine.ErrPipelineStopped
		}
		return nil, ctx.Err()
	})
}

type idleSub struct {
	rs *Runspace
	id int
}

func (s *idleSub) Active() bool {
	s.rs.mu.Lock()
	defer s.rs.mu.Unlock()
	_, ok := s.rs.subs[s.id]
	return ok
}

func (s *idleSub) Close() error {
	s.rs.mu.Lock()
	defer s.rs.mu.Unlock()
	delete(s.rs.subs, s.id)
	return nil
}
