// Package pshost provides the execution core of an editor-integration host
// for an embedded, single-threaded scripting engine.
//
// The engine runspace admits exactly one executing pipeline at a time, but an
// editor host has many competing callers: the interactive REPL, editor
// requests (completions, hover, diagnostics), the debugger, and nested or
// remote sessions. This module arbitrates among them while preserving the
// engine's single-threaded execution model and its nested-prompt and
// debugger-stop semantics.
//
// # Architecture
//
// The module is organized into layers:
//
//   - Host: top-level façade wiring an engine runspace, the execution
//     service, and an interactive prompt context
//   - session: the concurrency core (prompt nest, runspace handles,
//     pinned-goroutine execution, idle-hook marshaling, service state machine)
//   - engine: the contracts an engine must satisfy; engine/local is a
//     minimal in-process implementation
//   - prompt: interactive line-input contexts (liner-backed and fallback)
//   - hostio: stream-tagged host output records
//
// # Basic Usage
//
//	rs := local.New()
//	host, err := pshost.New(rs, pshost.Options{})
//	if err != nil {
//	    return err
//	}
//	defer host.Close(ctx)
//
//	results, err := host.Service().ExecuteScriptString(ctx, "echo hello")
//
// # Engine Agnostic
//
// The session layer never interprets scripts. Any engine satisfying the
// engine.Runspace contract (single execution goroutine, idle hook, optional
// debugger) can be hosted; engine/local exists for the bundled CLI and for
// tests.
package pshost

// Version is the library version.
const Version = "0.1.0-dev"
