package pshost

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/hostio"
	"github.com/smnsjas/go-pshost/prompt"
	"github.com/smnsjas/go-pshost/session"
)

// Options configures a Host.
type Options struct {
	// Console receives host output records. Defaults to a ConsoleWriter on
	// Output and stderr.
	Console hostio.Writer

	// Logger receives diagnostic output. Defaults to no logging.
	Logger session.Logger

	// Prompt configures the interactive prompt context.
	Prompt prompt.Config

	// Input and Output are the prompt's terminal streams. They default to
	// stdin and stdout. When Input is not a terminal the host falls back
	// to a plain buffered reader.
	Input  io.Reader
	Output io.Writer

	// NoPrompt disables the interactive prompt context entirely. Commands
	// can still be executed through the service; ReadLine-dependent
	// operations become no-ops.
	NoPrompt bool
}

// Host wires an engine runspace, the execution service, and an interactive
// prompt context into a ready-to-use editor host core.
type Host struct {
	runspace engine.Runspace
	service  *session.Service
	prompt   prompt.Context
}

// New creates and starts a Host on the given runspace. The runspace must be
// open; the Host takes ownership and closes it on Close.
func New(runspace engine.Runspace, opts Options) (*Host, error) {
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	console := opts.Console
	if console == nil {
		console = hostio.NewConsoleWriter(out, os.Stderr)
	}

	svc := session.NewService(runspace)
	if opts.Logger != nil {
		if err := svc.SetLogger(opts.Logger); err != nil {
			return nil, err
		}
	}
	if err := svc.SetConsole(console); err != nil {
		return nil, err
	}

	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("starting execution service: %w", err)
	}

	h := &Host{
		runspace: runspace,
		service:  svc,
	}

	if !opts.NoPrompt {
		pc := prompt.NewContext(svc, in, out, opts.Prompt)
		svc.SetPromptContext(pc)
		h.prompt = pc
	}

	return h, nil
}

// Service returns the execution service.
func (h *Host) Service() *session.Service {
	return h.service
}

// Prompt returns the interactive prompt context, or nil when the host was
// created with NoPrompt.
func (h *Host) Prompt() prompt.Context {
	return h.prompt
}

// ReadCommandLine reads one command line from the interactive prompt. It
// returns io.EOF when the input stream is exhausted; an aborted read
// returns an empty line with no error.
func (h *Host) ReadCommandLine(ctx context.Context) (string, error) {
	if h.prompt == nil {
		return "", io.EOF
	}
	return h.prompt.InvokeReadLine(ctx, true)
}

// Close tears down the prompt context, the execution service, and the
// runspace, in that order. It is safe to call more than once.
func (h *Host) Close(ctx context.Context) error {
	var firstErr error
	if h.prompt != nil {
		h.prompt.AbortReadLine()
		if err := h.prompt.Close(); err != nil {
			firstErr = err
		}
	}
	h.service.Dispose(ctx)
	if err := h.runspace.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
