package session

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/go-pshost/engine"
)

// FrameType is a bitset describing why a prompt-nest frame exists.
type FrameType int

const (
	// FrameNormal is the top-level session frame.
	FrameNormal FrameType = 0
	// FrameNestedPrompt marks a frame entered for a nested prompt (sub-REPL).
	FrameNestedPrompt FrameType = 1 << iota
	// FrameDebug marks a frame entered for a debugger stop.
	FrameDebug
	// FrameRemote marks a frame whose pipeline targets a remote runspace.
	FrameRemote
)

// IsNestedPrompt reports whether the NestedPrompt flag is set.
func (t FrameType) IsNestedPrompt() bool { return t&FrameNestedPrompt != 0 }

// IsDebug reports whether the Debug flag is set.
func (t FrameType) IsDebug() bool { return t&FrameDebug != 0 }

// IsRemote reports whether the Remote flag is set.
func (t FrameType) IsRemote() bool { return t&FrameRemote != 0 }

// IsThreadController reports whether frames of this type pin execution to
// the goroutine that created them. Debugger stops and nested prompts run
// inside an engine call and may only be serviced from that goroutine.
func (t FrameType) IsThreadController() bool {
	return t&(FrameNestedPrompt|FrameDebug) != 0
}

// String returns a string representation of the frame type.
func (t FrameType) String() string {
	if t == FrameNormal {
		return "Normal"
	}
	var parts []string
	if t.IsNestedPrompt() {
		parts = append(parts, "NestedPrompt")
	}
	if t.IsDebug() {
		parts = append(parts, "Debug")
	}
	if t.IsRemote() {
		parts = append(parts, "Remote")
	}
	return strings.Join(parts, "|")
}

// PromptNestFrame is one level of the prompt nesting stack. It owns a
// pipeline, the single-slot handle queue serializing access to it, and, for
// thread-controller frame types, the controller pinning execution to the
// creating goroutine.
type PromptNestFrame struct {
	id               uuid.UUID
	frameType        FrameType
	pipeline         engine.Pipeline
	queue            *handleQueue
	threadController *ThreadController

	exited      chan struct{}
	disposeOnce sync.Once
}

func newPromptNestFrame(pipeline engine.Pipeline, frameType FrameType) *PromptNestFrame {
	f := &PromptNestFrame{
		id:        uuid.New(),
		frameType: frameType,
		pipeline:  pipeline,
		queue:     newHandleQueue(false),
		exited:    make(chan struct{}),
	}
	if frameType.IsThreadController() {
		f.threadController = newThreadController(f.exited)
	}
	return f
}

func newReadLineFrame(pipeline engine.Pipeline) *PromptNestFrame {
	return &PromptNestFrame{
		id:        uuid.New(),
		frameType: FrameNormal,
		pipeline:  pipeline,
		queue:     newHandleQueue(true),
		exited:    make(chan struct{}),
	}
}

// ID returns the unique identifier of the frame.
func (f *PromptNestFrame) ID() uuid.UUID { return f.id }

// FrameType returns the frame's type flags.
func (f *PromptNestFrame) FrameType() FrameType { return f.frameType }

// Pipeline returns the frame's pipeline. The caller must hold the frame's
// runspace handle or be the frame's pinned goroutine.
func (f *PromptNestFrame) Pipeline() engine.Pipeline { return f.pipeline }

// ThreadController returns the frame's thread controller, or nil for frames
// that do not pin execution.
func (f *PromptNestFrame) ThreadController() *ThreadController { return f.threadController }

// IsThreadController reports whether the frame pins execution to one
// goroutine.
func (f *PromptNestFrame) IsThreadController() bool { return f.threadController != nil }

// WaitForFrameExit suspends until the frame is disposed.
func (f *PromptNestFrame) WaitForFrameExit(ctx context.Context) error {
	select {
	case <-f.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *PromptNestFrame) isDisposed() bool {
	select {
	case <-f.exited:
		return true
	default:
		return false
	}
}

// dispose stops any running invocation, releases the pipeline, and wakes
// frame-exit waiters. Idempotent.
func (f *PromptNestFrame) dispose(ctx context.Context) {
	f.disposeOnce.Do(func() {
		_ = f.pipeline.Stop(ctx)
		_ = f.pipeline.Close()
		f.queue.Dispose()
		close(f.exited)
	})
}
