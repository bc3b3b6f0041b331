// Package prompt implements the interactive line-input contexts of the
// host. Two implementations are polymorphic over the same capability set: a
// liner-backed context when a real terminal is available, and a plain
// reader-backed fallback otherwise.
//
// A context borrows the session's ReadLine runspace handle for the duration
// of each read, so command execution and interactive input contend through
// the same queues the rest of the core uses. Aborting a read cancels it and
// the handle is released before InvokeReadLine returns, so a caller never
// observes an aborted read that still holds the resource.
package prompt

import (
	"context"
	"errors"
	"sync"

	"github.com/smnsjas/go-pshost/session"
)

var (
	// ErrUnsupportedTerminal is returned by NewLinerContext when no
	// line-editing-capable terminal is attached.
	ErrUnsupportedTerminal = errors.New("terminal does not support line editing")
)

// Context is the interactive line-input surface consumed by the REPL and by
// the execution service (which only needs the abort slice of it).
type Context interface {
	// InvokeReadLine reads one line. Command-line reads display the prompt
	// and are recorded in history. An aborted read returns ("", nil).
	InvokeReadLine(ctx context.Context, isCommandLine bool) (string, error)

	// AbortReadLine cancels the in-flight read, if any.
	AbortReadLine()

	// WaitForReadLineExit suspends until no read holds the ReadLine handle.
	WaitForReadLineExit(ctx context.Context) error

	// AddToHistory records a line in the interactive history.
	AddToHistory(line string)

	// ForceEventHandling nudges the engine to process pending events.
	ForceEventHandling()

	// Close releases the context's resources.
	Close() error
}

// HandleProvider is the slice of the execution service the prompt needs:
// handle acquisition around reads and the event nudge.
type HandleProvider interface {
	GetRunspaceHandle(ctx context.Context, isReadLine bool) (*session.RunspaceHandle, error)
	ReleaseRunspaceHandle(handle *session.RunspaceHandle) error
	ForceEventHandling()
}

// Config configures a prompt context.
type Config struct {
	// Prompt is the string displayed before command-line reads.
	Prompt string
	// HistoryFile, when set, persists liner history across sessions.
	HistoryFile string
}

// baseContext carries the read/abort/wait protocol shared by both
// implementations; they differ only in their line source.
type baseContext struct {
	provider HandleProvider
	source   *lineSource
	prompt   string

	mu         sync.Mutex
	readCancel context.CancelFunc

	addHistory func(line string)
}

// InvokeReadLine acquires the ReadLine handle, performs one cancellable
// read, and releases the handle on return.
func (c *baseContext) InvokeReadLine(ctx context.Context, isCommandLine bool) (string, error) {
	handle, err := c.provider.GetRunspaceHandle(ctx, true)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = c.provider.ReleaseRunspaceHandle(handle)
	}()

	rctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.readCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.readCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	promptStr := ""
	if isCommandLine {
		promptStr = c.prompt
	}
	line, err := c.source.ReadLine(rctx, promptStr)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Aborted read completes without a result.
			return "", nil
		}
		return "", err
	}
	if isCommandLine && line != "" {
		c.AddToHistory(line)
	}
	return line, nil
}

// AbortReadLine cancels the in-flight read, if any.
func (c *baseContext) AbortReadLine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readCancel != nil {
		c.readCancel()
	}
}

// WaitForReadLineExit acquires and immediately releases the ReadLine
// handle, proving the read has actually unwound.
func (c *baseContext) WaitForReadLineExit(ctx context.Context) error {
	handle, err := c.provider.GetRunspaceHandle(ctx, true)
	if err != nil {
		return err
	}
	return c.provider.ReleaseRunspaceHandle(handle)
}

// AddToHistory records a line in the interactive history.
func (c *baseContext) AddToHistory(line string) {
	if c.addHistory != nil {
		c.addHistory(line)
	}
}

// ForceEventHandling nudges the engine to process pending events.
func (c *baseContext) ForceEventHandling() {
	c.provider.ForceEventHandling()
}
