package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// LegacyContext is the fallback prompt context used when no line-editing
// terminal is available: plain buffered reads with an in-memory history.
type LegacyContext struct {
	baseContext
	reader *bufio.Reader
	out    io.Writer

	mu      sync.Mutex
	history []string
	closed  bool
}

// NewLegacyContext creates a reader-backed context.
func NewLegacyContext(provider HandleProvider, in io.Reader, out io.Writer, cfg Config) *LegacyContext {
	c := &LegacyContext{
		reader: bufio.NewReader(in),
		out:    out,
	}
	c.baseContext = baseContext{
		provider: provider,
		prompt:   cfg.Prompt,
		addHistory: func(line string) {
			c.mu.Lock()
			c.history = append(c.history, line)
			c.mu.Unlock()
		},
	}
	c.baseContext.source = newLineSource(c.readOnce)
	return c
}

func (c *LegacyContext) readOnce(promptStr string) (string, error) {
	if promptStr != "" {
		fmt.Fprint(c.out, promptStr)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// History returns a copy of the recorded history.
func (c *LegacyContext) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.history...)
}

// Close stops the context. Idempotent.
func (c *LegacyContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.source.Close()
	return nil
}
