// Package engine defines the contracts the execution core expects from an
// embedded scripting engine.
//
// The core never interprets scripts itself. It arbitrates access to a single
// engine runspace, and everything engine-specific is reached through the
// interfaces in this package: a Runspace that creates pipelines and exposes
// an idle hook, a Pipeline that invokes a Command, and a Debugger carrying
// the version-specific debugger operations.
//
// # Threading model
//
// A Runspace is single-threaded: at any instant at most one goroutine may be
// inside an engine call. The session package enforces that discipline; the
// engine only has to honor two properties:
//
//   - Idle handlers registered via SubscribeIdle are invoked on the engine's
//     own execution goroutine, and only while that goroutine has no pipeline
//     running.
//   - The Debugger stop handler is invoked on the engine's execution
//     goroutine, and execution resumes according to the ResumeAction the
//     handler returns.
package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrRunspaceClosed is returned when an operation is attempted on a
	// closed runspace.
	ErrRunspaceClosed = errors.New("runspace is closed")
	// ErrPipelineStopped is returned from Invoke when the pipeline was
	// stopped before producing a result.
	ErrPipelineStopped = errors.New("pipeline stopped")
	// ErrNoDebugger is returned when debugger operations are requested from
	// an engine build that does not provide them.
	ErrNoDebugger = errors.New("engine has no debugger support")
)

// ResumeAction instructs a paused debugger or nested-prompt loop how to
// proceed once its frame exits.
type ResumeAction int

const (
	// ResumeContinue resumes normal execution.
	ResumeContinue ResumeAction = iota
	// ResumeStepInto executes the next statement, entering calls.
	ResumeStepInto
	// ResumeStepOver executes the next statement, skipping over calls.
	ResumeStepOver
	// ResumeStepOut runs until the current call returns.
	ResumeStepOut
	// ResumeStop terminates the paused command.
	ResumeStop
)

// String returns a string representation of the resume action.
func (a ResumeAction) String() string {
	switch a {
	case ResumeContinue:
		return "Continue"
	case ResumeStepInto:
		return "StepInto"
	case ResumeStepOver:
		return "StepOver"
	case ResumeStepOut:
		return "StepOut"
	case ResumeStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// Runspace is one single-threaded engine execution context.
type Runspace interface {
	// ID returns the unique identifier of the runspace.
	ID() uuid.UUID

	// CreatePipeline creates a fresh, non-shared pipeline scoped to this
	// runspace. Pipelines are not safe for concurrent invocation.
	CreatePipeline() (Pipeline, error)

	// CreateNestedPipeline creates a pipeline that may be invoked while an
	// outer pipeline on this runspace is paused (debugger stop, nested
	// prompt). It must be created on the engine's execution goroutine.
	CreateNestedPipeline() (Pipeline, error)

	// IsRemote reports whether the runspace executes out of process.
	IsRemote() bool

	// SubscribeIdle registers a handler the engine invokes on its execution
	// goroutine whenever that goroutine is idle. The engine may drop the
	// subscription during internal resets; callers must check Active and
	// re-subscribe.
	SubscribeIdle(handler func()) (IdleSubscription, error)

	// ProcessEvents nudges the engine to run pending idle handlers promptly
	// rather than waiting for a natural yield point. Non-blocking.
	ProcessEvents()

	// Debugger returns the debugger operations for this runspace, or nil if
	// the engine build has none.
	Debugger() Debugger

	// Close releases the runspace. Blocking engine calls observe
	// ErrRunspaceClosed.
	Close() error
}

// Pipeline invokes a sequence of commands against its owning runspace.
type Pipeline interface {
	// Invoke runs the command and returns its output objects. It blocks
	// until completion, stop, or context cancellation.
	Invoke(ctx context.Context, cmd *Command) ([]interface{}, error)

	// Stop requests that a running invocation be abandoned. Safe to call
	// from any goroutine; the in-flight Invoke returns ErrPipelineStopped.
	Stop(ctx context.Context) error

	// Close releases the pipeline's engine resources.
	Close() error
}

// IdleSubscription is a handle on an idle-hook registration.
type IdleSubscription interface {
	// Active reports whether the engine still holds the subscription.
	Active() bool
	// Close removes the subscription.
	Close() error
}

// Debugger is the version-specific debugger surface of an engine build.
// The core calls into it but never implements it.
type Debugger interface {
	// IsStopped reports whether the debugger is currently at a stop.
	IsStopped() bool

	// OnStop registers the handler invoked on the engine goroutine at each
	// debugger stop. The handler's return value resumes execution.
	OnStop(handler func(StopDetails) ResumeAction)

	// ExecuteCommand runs a command inside the current debugger stop. Must
	// be called from the engine goroutine (i.e. from within a stop handler
	// or work it dispatches).
	ExecuteCommand(ctx context.Context, cmd *Command) ([]interface{}, error)

	// StopCommand aborts the command the debugger is currently servicing.
	StopCommand(ctx context.Context) error

	// ExitAllNestedPrompts unwinds every nested prompt the engine has open.
	ExitAllNestedPrompts() error
}

// StopDetails describes a debugger stop event.
type StopDetails struct {
	// Breakpoint names the breakpoint that caused the stop, if any.
	Breakpoint string
	// Script is the path of the script being debugged, if known.
	Script string
	// Line is the 1-based line at which execution is paused.
	Line int
}

// RunspaceInfo is the runspace identity the façade reports through
// RunspaceChanged events.
type RunspaceInfo struct {
	ID     uuid.UUID
	Remote bool
}
