package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/go-pshost/engine"
)

// ExecutionOptions configure a single command execution.
type ExecutionOptions struct {
	// WriteOutputToHost writes the command's output objects to the host
	// console in addition to returning them.
	WriteOutputToHost bool
	// WriteErrorsToHost writes execution errors to the host console.
	WriteErrorsToHost bool
	// AddToHistory records the command in the interactive history.
	AddToHistory bool
	// InterruptCommandPrompt aborts an in-flight interactive prompt so the
	// command can take the runspace directly instead of queuing behind it.
	InterruptCommandPrompt bool
	// IsReadLine marks the command as an interactive line read. ReadLine
	// executions go through the ReadLine side frame.
	IsReadLine bool
	// InOriginalRunspace targets the root session frame rather than the
	// current nested one.
	InOriginalRunspace bool
}

// DefaultExecutionOptions mirror interactive execution: output and errors
// reach the host and the command is recorded in history.
func DefaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{
		WriteOutputToHost: true,
		WriteErrorsToHost: true,
		AddToHistory:      true,
	}
}

// ExecutionStatus is the per-invocation lifecycle of a command.
type ExecutionStatus int

const (
	// StatusPending indicates the command has been accepted but not started.
	StatusPending ExecutionStatus = iota
	// StatusRunning indicates the command is executing.
	StatusRunning
	// StatusFailed indicates the command faulted.
	StatusFailed
	// StatusAborted indicates the command was stopped before completion.
	StatusAborted
	// StatusCompleted indicates the command completed normally.
	StatusCompleted
)

// String returns a string representation of the status.
func (s ExecutionStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusFailed:
		return "Failed"
	case StatusAborted:
		return "Aborted"
	case StatusCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Invoker runs a command and returns its output. engine.Pipeline satisfies
// it; debugger execution is adapted onto it as well.
type Invoker interface {
	Invoke(ctx context.Context, cmd *engine.Command) ([]interface{}, error)
}

// ExecutionRequest pairs a command with a single-assignment result future.
// It is immutable once constructed and consumed exactly once via Execute.
type ExecutionRequest struct {
	id      uuid.UUID
	command *engine.Command
	options ExecutionOptions

	// action, when set, replaces the command: the idle handler invokes it
	// with the nested pipeline instead of executing command.
	action func(engine.Pipeline) error

	once    sync.Once
	done    chan struct{}
	results []interface{}
	err     error
}

// NewExecutionRequest creates a request for the given command.
func NewExecutionRequest(cmd *engine.Command, opts ExecutionOptions) *ExecutionRequest {
	return &ExecutionRequest{
		id:      uuid.New(),
		command: cmd,
		options: opts,
		done:    make(chan struct{}),
	}
}

// ID returns the unique identifier of the request.
func (r *ExecutionRequest) ID() uuid.UUID { return r.id }

// Command returns the command to execute.
func (r *ExecutionRequest) Command() *engine.Command { return r.command }

// Options returns the execution options.
func (r *ExecutionRequest) Options() ExecutionOptions { return r.options }

// Execute runs the command on the given invoker and completes the result
// future. Engine faults, including panics out of the engine, are routed into
// the future rather than escaping into the dispatch loop that called
// Execute.
func (r *ExecutionRequest) Execute(ctx context.Context, invoker Invoker) {
	defer func() {
		if v := recover(); v != nil {
			r.complete(nil, fmt.Errorf("engine panic: %v", v))
		}
	}()

	results, err := invoker.Invoke(ctx, r.command)
	r.complete(results, err)
}

// complete assigns the result exactly once. Later completions are ignored.
func (r *ExecutionRequest) complete(results []interface{}, err error) {
	r.once.Do(func() {
		r.results = results
		r.err = err
		close(r.done)
	})
}

// Wait suspends until the request completes and returns its result.
func (r *ExecutionRequest) Wait(ctx context.Context) ([]interface{}, error) {
	select {
	case <-r.done:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the request has completed.
func (r *ExecutionRequest) Done() <-chan struct{} { return r.done }
