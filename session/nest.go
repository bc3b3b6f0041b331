package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smnsjas/go-pshost/engine"
)

// nestState guards stack operations against teardown races. All operations
// past Disposing return ErrNestDisposed (or a nil frame) instead of touching
// the stack.
type nestState int

const (
	nestActive nestState = iota
	nestDisposing
	nestDisposed
)

// frameExitTimeout bounds how long teardown waits for a frame's serve loop
// to observe its exit request before the frame is forcibly popped.
const frameExitTimeout = time.Second

// PromptNest is the stack of prompt-nesting frames plus the side-channel
// ReadLine frame. The bottom frame is the original session frame and is
// never popped; the top frame is the current execution context.
//
// # Dual acquisition
//
// An interactive line read on an in-process runspace contends with command
// dispatch for the same native engine resource, so a ReadLine acquisition
// takes the ReadLine queue and then the main frame queue, and releases in
// that same order. Remote runspaces serialize against the debugger through
// their own channel, so remote ReadLine takes only the ReadLine queue and
// never blocks local command dispatch.
type PromptNest struct {
	mu            sync.Mutex
	state         nestState
	frames        []*PromptNestFrame
	readLineFrame *PromptNestFrame
	runspace      engine.Runspace
	logger        Logger
}

// NewPromptNest creates a nest with its root frame and ReadLine side frame,
// each owning a fresh pipeline on the given runspace.
func NewPromptNest(runspace engine.Runspace, logger Logger) (*PromptNest, error) {
	rootPipeline, err := runspace.CreatePipeline()
	if err != nil {
		return nil, fmt.Errorf("create root pipeline: %w", err)
	}
	readLinePipeline, err := runspace.CreatePipeline()
	if err != nil {
		_ = rootPipeline.Close()
		return nil, fmt.Errorf("create readline pipeline: %w", err)
	}

	if logger == nil {
		logger = nopLogger{}
	}
	return &PromptNest{
		frames:        []*PromptNestFrame{newPromptNestFrame(rootPipeline, FrameNormal)},
		readLineFrame: newReadLineFrame(readLinePipeline),
		runspace:      runspace,
		logger:        logger,
	}, nil
}

// PushPromptContext creates a fresh pipeline and handle queue and pushes a
// new frame of the given type. Nested-prompt and debug frames get a nested
// pipeline scoped to the current runspace; remote frames get a fresh
// remote-capable pipeline.
func (n *PromptNest) PushPromptContext(frameType FrameType) (*PromptNestFrame, error) {
	n.mu.Lock()
	if n.state != nestActive {
		n.mu.Unlock()
		return nil, ErrNestDisposed
	}
	n.mu.Unlock()

	var (
		pipeline engine.Pipeline
		err      error
	)
	if frameType.IsRemote() {
		pipeline, err = n.runspace.CreatePipeline()
	} else {
		pipeline, err = n.runspace.CreateNestedPipeline()
	}
	if err != nil {
		return nil, fmt.Errorf("create frame pipeline: %w", err)
	}

	frame := newPromptNestFrame(pipeline, frameType)

	n.mu.Lock()
	if n.state != nestActive {
		n.mu.Unlock()
		frame.dispose(context.Background())
		return nil, ErrNestDisposed
	}
	n.frames = append(n.frames, frame)
	level := len(n.frames)
	n.mu.Unlock()

	n.logger.Printf("[nest] pushed %s frame, level=%d", frameType, level)
	return frame, nil
}

// PopPromptContext pops and disposes the current frame. Popping the root
// frame or a disposed nest is a no-op.
func (n *PromptNest) PopPromptContext(ctx context.Context) error {
	n.mu.Lock()
	if n.state == nestDisposed {
		n.mu.Unlock()
		return nil
	}
	if len(n.frames) <= 1 {
		n.mu.Unlock()
		return nil
	}
	frame := n.frames[len(n.frames)-1]
	n.frames = n.frames[:len(n.frames)-1]
	level := len(n.frames)
	n.mu.Unlock()

	frame.dispose(ctx)
	n.logger.Printf("[nest] popped %s frame, level=%d", frame.frameType, level)
	return nil
}

// CurrentFrame returns the innermost frame, or nil once the nest is
// disposed. A disposed frame is never returned.
func (n *PromptNest) CurrentFrame() *PromptNestFrame {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == nestDisposed {
		return nil
	}
	return n.frames[len(n.frames)-1]
}

// RootFrame returns the original session frame, or nil once disposed.
func (n *PromptNest) RootFrame() *PromptNestFrame {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == nestDisposed {
		return nil
	}
	return n.frames[0]
}

// NestedPromptLevel returns the current stack depth. The root frame counts
// as level 1.
func (n *PromptNest) NestedPromptLevel() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.frames)
}

// IsInDebugger reports whether the current frame is a debugger-stop frame.
func (n *PromptNest) IsInDebugger() bool {
	frame := n.CurrentFrame()
	return frame != nil && frame.frameType.IsDebug()
}

// IsRemote reports whether the current frame targets a remote runspace.
func (n *PromptNest) IsRemote() bool {
	if n.runspace.IsRemote() {
		return true
	}
	frame := n.CurrentFrame()
	return frame != nil && frame.frameType.IsRemote()
}

// GetRunspaceHandle acquires exclusive borrow of the current frame's
// pipeline, or of the ReadLine frame's pipeline when isReadLine is set. An
// in-process ReadLine acquisition also takes the main frame's handle; see
// the package documentation for the dual-acquisition rule.
func (n *PromptNest) GetRunspaceHandle(ctx context.Context, isReadLine bool) (*RunspaceHandle, error) {
	if !isReadLine {
		frame := n.CurrentFrame()
		if frame == nil {
			return nil, ErrNestDisposed
		}
		return frame.queue.Acquire(ctx)
	}

	handle, err := n.readLineFrame.queue.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !n.IsRemote() {
		frame := n.CurrentFrame()
		if frame == nil {
			_ = n.readLineFrame.queue.Release()
			return nil, ErrNestDisposed
		}
		if _, err := frame.queue.Acquire(ctx); err != nil {
			_ = n.readLineFrame.queue.Release()
			return nil, err
		}
	}
	return handle, nil
}

// ReleaseRunspaceHandle returns a handle, replenishing the queue(s) it was
// acquired from in acquisition order: ReadLine first, then main.
func (n *PromptNest) ReleaseRunspaceHandle(handle *RunspaceHandle) error {
	if handle == nil {
		return ErrHandleNotHeld
	}
	if !handle.isReadLine {
		frame := n.CurrentFrame()
		if frame == nil {
			return nil
		}
		return frame.queue.Release()
	}

	if err := n.readLineFrame.queue.Release(); err != nil {
		return err
	}
	if !n.IsRemote() {
		if frame := n.CurrentFrame(); frame != nil {
			return frame.queue.Release()
		}
	}
	return nil
}

// IsMainThreadBusy reports whether the current frame's handle is borrowed.
func (n *PromptNest) IsMainThreadBusy() bool {
	frame := n.CurrentFrame()
	return frame != nil && frame.queue.IsBusy()
}

// IsReadLineBusy reports whether an interactive line read is in flight.
func (n *PromptNest) IsReadLineBusy() bool {
	return n.readLineFrame.queue.IsBusy()
}

// WaitForCurrentFrameExit suspends until the current frame is disposed.
func (n *PromptNest) WaitForCurrentFrameExit(ctx context.Context) error {
	frame := n.CurrentFrame()
	if frame == nil {
		return ErrNestDisposed
	}
	return frame.WaitForFrameExit(ctx)
}

// Dispose unwinds all outstanding frames and releases the nest. Frames may
// be blocked inside native engine calls that only their owning goroutine can
// interrupt, so teardown cooperates with each frame's own exit protocol:
// debugger frames are exited with a Stop resume action after their
// in-progress debugger command is stopped, nested-prompt frames are asked to
// exit, and plain frames have their pipeline stopped. Idempotent.
func (n *PromptNest) Dispose(ctx context.Context) {
	n.mu.Lock()
	if n.state != nestActive {
		n.mu.Unlock()
		return
	}
	n.state = nestDisposing
	n.mu.Unlock()

	debugger := n.runspace.Debugger()

	for {
		n.mu.Lock()
		if len(n.frames) <= 1 {
			n.mu.Unlock()
			break
		}
		frame := n.frames[len(n.frames)-1]
		n.mu.Unlock()

		switch {
		case frame.frameType.IsDebug() && frame.threadController != nil:
			if debugger != nil && debugger.IsStopped() {
				_ = debugger.StopCommand(ctx)
			}
			frame.threadController.StartThreadExit(engine.ResumeStop, false)
			n.awaitFrameExit(ctx, frame)

		case frame.frameType.IsNestedPrompt() && frame.threadController != nil:
			if debugger != nil {
				_ = debugger.ExitAllNestedPrompts()
			}
			frame.threadController.StartThreadExit(engine.ResumeStop, false)
			n.awaitFrameExit(ctx, frame)

		default:
			_ = frame.pipeline.Stop(ctx)
			n.popFrame(ctx, frame)
		}
	}

	n.readLineFrame.dispose(ctx)

	n.mu.Lock()
	root := n.frames[0]
	n.state = nestDisposed
	n.mu.Unlock()
	root.dispose(ctx)

	n.logger.Printf("[nest] disposed")
}

// awaitFrameExit waits for a frame's serve loop to unwind it. If the loop is
// not running (it was never entered, or already died) the frame is popped
// directly so teardown cannot hang.
func (n *PromptNest) awaitFrameExit(ctx context.Context, frame *PromptNestFrame) {
	waitCtx, cancel := context.WithTimeout(ctx, frameExitTimeout)
	defer cancel()
	if err := frame.WaitForFrameExit(waitCtx); err == nil {
		return
	}
	n.logger.Printf("[nest] frame %s did not exit, forcing pop", frame.frameType)
	n.popFrame(ctx, frame)
}

// popFrame removes the given frame from the stack if it is still the top
// frame, then disposes it.
func (n *PromptNest) popFrame(ctx context.Context, frame *PromptNestFrame) {
	n.mu.Lock()
	if len(n.frames) > 1 && n.frames[len(n.frames)-1] == frame {
		n.frames = n.frames[:len(n.frames)-1]
	}
	n.mu.Unlock()
	frame.dispose(ctx)
}

// IsDisposed reports whether Dispose has completed.
func (n *PromptNest) IsDisposed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == nestDisposed
}
