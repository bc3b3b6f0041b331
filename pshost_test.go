package pshost

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/smnsjas/go-pshost/engine/local"
	"github.com/smnsjas/go-pshost/prompt"
	"github.com/smnsjas/go-pshost/session"
)

func TestHostExecute(t *testing.T) {
	var out bytes.Buffer
	host, err := New(local.New(), Options{
		Input:    strings.NewReader(""),
		Output:   &out,
		NoPrompt: true,
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer host.Close(context.Background())

	if host.Prompt() != nil {
		t.Error("expected no prompt context with NoPrompt")
	}
	if host.Service().State() != session.StateReady {
		t.Errorf("expected Ready, got %s", host.Service().State())
	}

	results, err := host.Service().ExecuteScriptString(context.Background(), "echo greetings")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0] != "greetings" {
		t.Errorf("expected [greetings], got %v", results)
	}
	if out.String() != "greetings\n" {
		t.Errorf("expected console output, got %q", out.String())
	}
}

func TestHostReadCommandLine(t *testing.T) {
	host, err := New(local.New(), Options{
		Input:  strings.NewReader("echo typed\n"),
		Output: io.Discard,
		Prompt: prompt.Config{Prompt: "> "},
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer host.Close(context.Background())

	line, err := host.ReadCommandLine(context.Background())
	if err != nil {
		t.Fatalf("read command line: %v", err)
	}
	if line != "echo typed" {
		t.Errorf("expected %q, got %q", "echo typed", line)
	}

	if _, err := host.ReadCommandLine(context.Background()); err != io.EOF {
		t.Errorf("expected io.EOF at end of input, got %v", err)
	}
}

func TestHostClose(t *testing.T) {
	host, err := New(local.New(), Options{
		Input:  strings.NewReader(""),
		Output: io.Discard,
	})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	if err := host.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if host.Service().State() != session.StateDisposed {
		t.Errorf("expected Disposed after close, got %s", host.Service().State())
	}
	// Close again must be safe.
	if err := host.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}
