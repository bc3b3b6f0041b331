package prompt

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/peterh/liner"
)

// NewContext returns the liner context when the configured streams are the
// process's own terminal, the plain-reader fallback otherwise. Liner always
// reads the real stdin, so a substituted reader or writer must take the
// fallback path.
func NewContext(provider HandleProvider, in io.Reader, out io.Writer, cfg Config) Context {
	if terminalStreams(in, out) {
		if c, err := NewLinerContext(provider, cfg); err == nil {
			return c
		}
	}
	return NewLegacyContext(provider, in, out, cfg)
}

// terminalStreams reports whether in and out are the process's stdin and
// stdout with stdin attached to a line-editing-capable terminal.
func terminalStreams(in io.Reader, out io.Writer) bool {
	if in != os.Stdin || out != os.Stdout {
		return false
	}
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0 && liner.TerminalSupported()
}

// LinerContext is the line-editing-backed prompt context. Construction
// checks for terminal support eagerly; when the check fails, callers fall
// back to LegacyContext rather than failing the whole session.
type LinerContext struct {
	baseContext
	state       *liner.State
	historyFile string

	mu     sync.Mutex
	closed bool
}

// NewLinerContext creates a liner-backed context, or ErrUnsupportedTerminal
// when line editing is unavailable.
func NewLinerContext(provider HandleProvider, cfg Config) (*LinerContext, error) {
	if !liner.TerminalSupported() {
		return nil, ErrUnsupportedTerminal
	}

	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	c := &LinerContext{
		state:       state,
		historyFile: cfg.HistoryFile,
	}
	c.baseContext = baseContext{
		provider:   provider,
		prompt:     cfg.Prompt,
		addHistory: state.AppendHistory,
	}
	c.baseContext.source = newLineSource(c.readOnce)

	if cfg.HistoryFile != "" {
		if f, err := os.Open(cfg.HistoryFile); err == nil {
			_, _ = state.ReadHistory(f)
			_ = f.Close()
		}
	}
	return c, nil
}

// readOnce performs one blocking liner read. A Ctrl-C abort maps to
// cancellation so the read completes without a result.
func (c *LinerContext) readOnce(promptStr string) (string, error) {
	line, err := c.state.Prompt(promptStr)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", context.Canceled
	}
	return line, err
}

// Close persists history and restores the terminal. Idempotent.
func (c *LinerContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.source.Close()

	if c.historyFile != "" {
		if f, err := os.Create(c.historyFile); err == nil {
			_, _ = c.state.WriteHistory(f)
			_ = f.Close()
		}
	}
	return c.state.Close()
}
