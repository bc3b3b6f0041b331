// Package session implements the execution core of the editor host: the
// prompt-nesting stack, the runspace handle queues that serialize access to
// a single-threaded engine runspace, thread-pinned execution for debugger
// and nested-prompt frames, idle-hook marshaling, and the service façade
// that routes every command to the correct execution path.
//
// # State Machine
//
// The service follows a strict state machine:
//
//	NotStarted → Ready ⇄ Running → (Ready | Aborting → Ready) → Disposed
//
// Disposed is terminal and reachable from any state. Once disposed, all
// operations fail fast rather than queuing.
//
// # Execution Routing
//
// Given a command, the service picks one of four paths:
//
//  1. The target frame is pinned to the calling goroutine: execute inline.
//  2. The target frame is pinned to another goroutine: queue the request on
//     its thread controller and await the result.
//  3. No pinning and the engine is free: acquire the frame's runspace
//     handle, invoke directly, release.
//  4. No pinning but the engine is parked in interactive line input:
//     marshal the command through the engine's idle hook.
//
// Picking the wrong path either deadlocks (acquiring a handle already held
// by the blocked read) or corrupts nesting (running on the wrong goroutine
// for a debugger-stop frame), so the routing decision is the crux of the
// package.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/hostio"
)

var (
	// ErrServiceNotStarted is returned when commands are issued before Start.
	ErrServiceNotStarted = errors.New("execution service not started")
	// ErrServiceDisposed is returned for any operation after Dispose.
	ErrServiceDisposed = errors.New("execution service is disposed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("execution service already started")
	// ErrNotInNestedPrompt is returned when ExitNestedPrompt is called with
	// no nested prompt open.
	ErrNotInNestedPrompt = errors.New("no nested prompt to exit")
	// ErrInvalidState is returned when a configuration call arrives after
	// the service has started.
	ErrInvalidState = errors.New("invalid service state")
)

// State represents the session state of the execution service.
type State int

const (
	// StateNotStarted is the initial state before Start.
	StateNotStarted State = iota
	// StateReady indicates the service can accept commands.
	StateReady
	// StateRunning indicates a command is executing.
	StateRunning
	// StateAborting indicates a user-initiated cancel is in progress.
	StateAborting
	// StateDisposed is the terminal state.
	StateDisposed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateAborting:
		return "Aborting"
	case StateDisposed:
		return "Disposed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// PromptContext is the slice of the interactive prompt surface the service
// needs: aborting an in-flight line read and proving it has unwound. The
// prompt package provides full implementations.
type PromptContext interface {
	AbortReadLine()
	WaitForReadLineExit(ctx context.Context) error
}

// Service is the execution façade. It owns the prompt nest, tracks session
// state, and routes every command to the correct execution path.
type Service struct {
	mu    sync.RWMutex
	id    uuid.UUID
	state State

	runspace  engine.Runspace
	nest      *PromptNest
	idleQueue *InvocationEventQueue
	prompt    PromptContext
	console   hostio.Writer
	logger    Logger

	listeners listeners
}

// NewService creates an execution service over the given runspace. The
// service starts in StateNotStarted; call Start before executing commands.
func NewService(runspace engine.Runspace) *Service {
	return &Service{
		id:       uuid.New(),
		state:    StateNotStarted,
		runspace: runspace,
		console:  hostio.NullWriter{},
		logger:   nopLogger{},
	}
}

// SetLogger sets the logger for debug logging. Must be called before Start.
func (s *Service) SetLogger(logger Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrInvalidState
	}
	s.logger = logger
	return nil
}

// SetConsole sets the host output writer. Must be called before Start.
func (s *Service) SetConsole(console hostio.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrInvalidState
	}
	s.console = console
	return nil
}

// SetPromptContext attaches the interactive prompt so the service can
// interrupt it for commands that must take the runspace immediately. May be
// called at any time before Dispose.
func (s *Service) SetPromptContext(prompt PromptContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
}

// ID returns the unique identifier of the session.
func (s *Service) ID() uuid.UUID { return s.id }

// State returns the current session state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start builds the prompt nest and idle queue and transitions to Ready.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		if s.state == StateDisposed {
			return ErrServiceDisposed
		}
		return ErrAlreadyStarted
	}
	logger := s.logger
	s.mu.Unlock()

	nest, err := NewPromptNest(s.runspace, logger)
	if err != nil {
		return fmt.Errorf("create prompt nest: %w", err)
	}
	idleQueue, err := NewInvocationEventQueue(s.runspace, logger)
	if err != nil {
		nest.Dispose(context.Background())
		return fmt.Errorf("create invocation queue: %w", err)
	}

	s.mu.Lock()
	s.nest = nest
	s.idleQueue = idleQueue
	s.mu.Unlock()

	if dbg := s.runspace.Debugger(); dbg != nil {
		dbg.OnStop(s.onDebuggerStop)
	}

	s.setState(StateReady)
	return nil
}

// ExecuteCommand runs a command against the current frame's pipeline (or the
// root frame's, per options) and returns its output objects. It is the
// single entry point every request handler uses; routing is described in the
// package documentation.
func (s *Service) ExecuteCommand(ctx context.Context, cmd *engine.Command, opts ExecutionOptions) ([]interface{}, error) {
	s.mu.RLock()
	state := s.state
	nest := s.nest
	s.mu.RUnlock()

	switch state {
	case StateDisposed:
		return nil, ErrServiceDisposed
	case StateNotStarted:
		return nil, ErrServiceNotStarted
	}

	frame := nest.CurrentFrame()
	if opts.InOriginalRunspace {
		frame = nest.RootFrame()
	}
	if frame == nil {
		return nil, ErrServiceDisposed
	}

	s.notifyExecStatus(ExecutionStatusChange{Status: StatusPending, Command: cmd.String()})

	tc := frame.ThreadController()
	var (
		results []interface{}
		err     error
	)
	switch {
	case tc != nil && tc.IsCurrentThread():
		// Already on the pinned goroutine; skip the queue.
		s.beginRunning()
		s.notifyExecStatus(ExecutionStatusChange{Status: StatusRunning, Command: cmd.String()})
		results, err = s.frameInvoker(frame).Invoke(ctx, cmd)
		s.endRunning()

	case tc != nil:
		req := NewExecutionRequest(cmd, opts)
		s.beginRunning()
		s.notifyExecStatus(ExecutionStatusChange{Status: StatusRunning, Command: cmd.String()})
		results, err = tc.RequestPipelineExecution(ctx, req)
		s.endRunning()

	default:
		results, err = s.executeOnFreePipeline(ctx, nest, frame, cmd, opts)
		if errors.Is(err, ErrNestDisposed) {
			// Session gone between dispatch and acquisition; benign no-op.
			return nil, nil
		}
	}

	return s.finishExecution(cmd, opts, results, err)
}

// executeOnFreePipeline covers routing paths 3 and 4: direct handle
// acquisition when the engine is free (or the request is itself the line
// read, or asked to interrupt it), idle-hook marshaling when the engine is
// parked in interactive input.
func (s *Service) executeOnFreePipeline(ctx context.Context, nest *PromptNest, frame *PromptNestFrame, cmd *engine.Command, opts ExecutionOptions) ([]interface{}, error) {
	if opts.InterruptCommandPrompt && !opts.IsReadLine && nest.IsReadLineBusy() {
		s.interruptPrompt(ctx)
	}

	if opts.IsReadLine || !nest.IsReadLineBusy() {
		handle, err := nest.GetRunspaceHandle(ctx, opts.IsReadLine)
		if err != nil {
			return nil, err
		}
		defer func() {
			if relErr := nest.ReleaseRunspaceHandle(handle); relErr != nil {
				s.logger.Printf("[session] release handle: %v", relErr)
			}
		}()

		pipeline := frame.Pipeline()
		if opts.IsReadLine {
			pipeline = nest.readLineFrame.Pipeline()
		}

		s.beginRunning()
		defer s.endRunning()
		s.notifyExecStatus(ExecutionStatusChange{Status: StatusRunning, Command: cmd.String()})
		return pipeline.Invoke(ctx, cmd)
	}

	// The engine goroutine is blocked in the interactive read and holds the
	// handles; only its idle hook can run the command.
	s.beginRunning()
	defer s.endRunning()
	s.notifyExecStatus(ExecutionStatusChange{Status: StatusRunning, Command: cmd.String()})
	return s.idleQueue.ExecuteCommandOnIdle(ctx, cmd, opts)
}

// interruptPrompt aborts the in-flight interactive read and waits until its
// runspace handle is provably free again.
func (s *Service) interruptPrompt(ctx context.Context) {
	s.mu.RLock()
	prompt := s.prompt
	s.mu.RUnlock()
	if prompt == nil {
		return
	}
	prompt.AbortReadLine()
	if err := prompt.WaitForReadLineExit(ctx); err != nil {
		s.logger.Printf("[session] wait for readline exit: %v", err)
	}
}

// finishExecution converts the invocation outcome into status events and
// host output and returns it to the caller.
func (s *Service) finishExecution(cmd *engine.Command, opts ExecutionOptions, results []interface{}, err error) ([]interface{}, error) {
	switch {
	case err == nil:
		s.notifyExecStatus(ExecutionStatusChange{Status: StatusCompleted, Command: cmd.String()})
		if opts.WriteOutputToHost {
			for _, obj := range results {
				s.WriteOutput(hostio.Record{Stream: hostio.StreamOutput, Text: fmt.Sprint(obj)})
			}
		}
		return results, nil

	case errors.Is(err, engine.ErrPipelineStopped) || errors.Is(err, context.Canceled):
		s.notifyExecStatus(ExecutionStatusChange{Status: StatusAborted, Command: cmd.String(), Err: err})
		return nil, err

	default:
		s.notifyExecStatus(ExecutionStatusChange{Status: StatusFailed, Command: cmd.String(), Err: err})
		if opts.WriteErrorsToHost {
			s.WriteOutput(hostio.Record{Stream: hostio.StreamError, Text: err.Error()})
		}
		return nil, err
	}
}

// ExecuteScriptString runs a script string the way an interactive evaluate
// request does: it interrupts the command prompt, writes output to the
// host, and records the script in history.
func (s *Service) ExecuteScriptString(ctx context.Context, script string) ([]interface{}, error) {
	opts := DefaultExecutionOptions()
	opts.InterruptCommandPrompt = true
	return s.ExecuteCommand(ctx, engine.NewScript(script), opts)
}

// AbortExecution cancels the command currently running, if any. The session
// transitions Running → Aborting and returns to Ready once the command has
// observed the stop.
func (s *Service) AbortExecution(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateAborting
	nest := s.nest
	idleQueue := s.idleQueue
	s.mu.Unlock()
	s.notifyStateChanged(StateAborting)

	if dbg := s.runspace.Debugger(); dbg != nil && dbg.IsStopped() {
		return dbg.StopCommand(ctx)
	}
	// A command marshalled through the idle hook runs on its own nested
	// pipeline, not the frame's.
	if err := idleQueue.StopActiveInvocation(ctx); err != nil {
		return err
	}
	if frame := nest.CurrentFrame(); frame != nil {
		return frame.Pipeline().Stop(ctx)
	}
	return nil
}

// GetRunspaceHandle acquires a handle from the prompt nest. Used by prompt
// contexts around line reads.
func (s *Service) GetRunspaceHandle(ctx context.Context, isReadLine bool) (*RunspaceHandle, error) {
	s.mu.RLock()
	nest := s.nest
	state := s.state
	s.mu.RUnlock()
	if state == StateDisposed || nest == nil {
		return nil, ErrServiceDisposed
	}
	return nest.GetRunspaceHandle(ctx, isReadLine)
}

// ReleaseRunspaceHandle returns a handle acquired via GetRunspaceHandle.
func (s *Service) ReleaseRunspaceHandle(handle *RunspaceHandle) error {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return ErrServiceDisposed
	}
	return nest.ReleaseRunspaceHandle(handle)
}

// ForceEventHandling nudges the engine to process pending idle events.
func (s *Service) ForceEventHandling() {
	s.runspace.ProcessEvents()
}

// NestedPromptLevel returns the current prompt nesting depth.
func (s *Service) NestedPromptLevel() int {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return 0
	}
	return nest.NestedPromptLevel()
}

// IsMainThreadBusy reports whether the current frame's pipeline is borrowed.
func (s *Service) IsMainThreadBusy() bool {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	return nest != nil && nest.IsMainThreadBusy()
}

// IsReadLineBusy reports whether an interactive line read is in flight.
func (s *Service) IsReadLineBusy() bool {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	return nest != nil && nest.IsReadLineBusy()
}

// IsDebuggerStopped reports whether the session is at a debugger stop.
func (s *Service) IsDebuggerStopped() bool {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	return nest != nil && nest.IsInDebugger()
}

// CurrentRunspaceInfo returns the identity of the active runspace.
func (s *Service) CurrentRunspaceInfo() engine.RunspaceInfo {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	info := engine.RunspaceInfo{ID: s.runspace.ID(), Remote: s.runspace.IsRemote()}
	if nest != nil && nest.IsRemote() {
		info.Remote = true
	}
	return info
}

// PushPromptContext pushes a new nesting frame of the given type. Remote
// pushes raise RunspaceChanged.
func (s *Service) PushPromptContext(frameType FrameType) error {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return ErrServiceDisposed
	}
	if _, err := nest.PushPromptContext(frameType); err != nil {
		return err
	}
	if frameType.IsRemote() {
		s.notifyRunspaceChanged(s.CurrentRunspaceInfo())
	}
	return nil
}

// PopPromptContext pops the current nesting frame. Popping the root is a
// no-op. Remote pops raise RunspaceChanged.
func (s *Service) PopPromptContext(ctx context.Context) error {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return ErrServiceDisposed
	}
	frame := nest.CurrentFrame()
	if err := nest.PopPromptContext(ctx); err != nil {
		return err
	}
	if frame != nil && frame.FrameType().IsRemote() {
		s.notifyRunspaceChanged(s.CurrentRunspaceInfo())
	}
	return nil
}

// EnterNestedPrompt pushes a nested-prompt frame pinned to the calling
// goroutine and serves execution requests on it until ExitNestedPrompt (or
// teardown) ends the frame.
func (s *Service) EnterNestedPrompt(ctx context.Context) error {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return ErrServiceDisposed
	}
	frame, err := nest.PushPromptContext(FrameNestedPrompt)
	if err != nil {
		return err
	}
	s.serveFrame(ctx, frame)
	return nest.PopPromptContext(ctx)
}

// ExitNestedPrompt signals the innermost nested-prompt frame to exit.
func (s *Service) ExitNestedPrompt() error {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return ErrServiceDisposed
	}
	frame := nest.CurrentFrame()
	if frame == nil || !frame.FrameType().IsNestedPrompt() || frame.ThreadController() == nil {
		return ErrNotInNestedPrompt
	}
	frame.ThreadController().StartThreadExit(engine.ResumeContinue, false)
	return nil
}

// WriteOutput writes a record to the host console and raises OutputWritten.
func (s *Service) WriteOutput(rec hostio.Record) {
	s.mu.RLock()
	console := s.console
	s.mu.RUnlock()
	console.WriteRecord(rec)
	s.notifyOutputWritten(rec)
}

// Dispose tears the session down: the idle queue is closed, all outstanding
// frames are unwound, and every subsequent operation fails fast. Idempotent.
func (s *Service) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateDisposed
	idleQueue := s.idleQueue
	nest := s.nest
	s.mu.Unlock()
	s.notifyStateChanged(StateDisposed)

	if prev == StateNotStarted {
		return
	}
	if idleQueue != nil {
		idleQueue.Dispose()
	}
	if nest != nil {
		nest.Dispose(ctx)
	}
}

// onDebuggerStop runs on the engine goroutine at each debugger stop. It
// pushes a debug frame pinned to that goroutine, serves execution requests
// on it, and returns the resume action that ends the stop.
func (s *Service) onDebuggerStop(details engine.StopDetails) engine.ResumeAction {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return engine.ResumeStop
	}

	frame, err := nest.PushPromptContext(FrameDebug)
	if err != nil {
		s.logger.Printf("[session] debugger stop on disposed nest: %v", err)
		return engine.ResumeStop
	}

	s.notifyDebuggerStopped(details)

	action := s.serveFrame(context.Background(), frame)
	_ = nest.PopPromptContext(context.Background())
	s.logger.Printf("[session] debugger frame exited, resume=%s", action)
	return action
}

// serveFrame is the pinned goroutine's dispatch loop: take the next queued
// request, execute it, repeat, until the thread controller's exit signal (or
// forced teardown) arrives.
func (s *Service) serveFrame(ctx context.Context, frame *PromptNestFrame) engine.ResumeAction {
	tc := frame.threadController
	invoker := s.frameInvoker(frame)
	for {
		select {
		case req := <-tc.requests:
			req.Execute(ctx, invoker)
		case action := <-tc.exitCh:
			return action
		case <-frame.exited:
			return engine.ResumeStop
		case <-ctx.Done():
			return engine.ResumeStop
		}
	}
}

// frameInvoker picks how a frame's requests reach the engine: the debugger's
// own execution surface for debug frames, the frame pipeline otherwise.
func (s *Service) frameInvoker(frame *PromptNestFrame) Invoker {
	if frame.frameType.IsDebug() {
		if dbg := s.runspace.Debugger(); dbg != nil {
			return debuggerInvoker{dbg: dbg}
		}
	}
	return frame.pipeline
}

type debuggerInvoker struct {
	dbg engine.Debugger
}

func (d debuggerInvoker) Invoke(ctx context.Context, cmd *engine.Command) ([]interface{}, error) {
	return d.dbg.ExecuteCommand(ctx, cmd)
}

// ExecuteCommandInDebugger runs a command inside the current debugger stop.
// It fails if the debugger is not stopped.
func (s *Service) ExecuteCommandInDebugger(ctx context.Context, cmd *engine.Command) ([]interface{}, error) {
	if !s.IsDebuggerStopped() {
		return nil, fmt.Errorf("%w: debugger is not stopped", ErrInvalidState)
	}
	return s.ExecuteCommand(ctx, cmd, ExecutionOptions{WriteOutputToHost: false})
}

// ResumeDebugger ends the current debugger stop with the given action. The
// paused engine call observes the action once the debug frame has unwound.
func (s *Service) ResumeDebugger(action engine.ResumeAction) error {
	s.mu.RLock()
	nest := s.nest
	s.mu.RUnlock()
	if nest == nil {
		return ErrServiceDisposed
	}
	frame := nest.CurrentFrame()
	if frame == nil || !frame.FrameType().IsDebug() || frame.ThreadController() == nil {
		return fmt.Errorf("%w: debugger is not stopped", ErrInvalidState)
	}
	frame.ThreadController().StartThreadExit(action, false)
	return nil
}

// StopCommandInDebugger aborts the command the debugger is servicing.
func (s *Service) StopCommandInDebugger(ctx context.Context) error {
	dbg := s.runspace.Debugger()
	if dbg == nil {
		return engine.ErrNoDebugger
	}
	return dbg.StopCommand(ctx)
}

// beginRunning moves Ready → Running around a dispatched command.
func (s *Service) beginRunning() {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()
	s.notifyStateChanged(StateRunning)
}

// endRunning moves Running/Aborting back to Ready once a command finishes.
func (s *Service) endRunning() {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateAborting {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.mu.Unlock()
	s.notifyStateChanged(StateReady)
}

// setState transitions to a new state and notifies listeners.
func (s *Service) setState(newState State) {
	s.mu.Lock()
	if s.state == newState {
		s.mu.Unlock()
		return
	}
	s.state = newState
	s.mu.Unlock()
	s.notifyStateChanged(newState)
}
