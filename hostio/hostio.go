// Package hostio defines the host output surface for interactive sessions.
//
// When the execution service runs a command whose options ask for host
// output, the results and errors are rendered as stream-tagged records and
// written here. The same records are raised through the service's
// OutputWritten events so an editor-protocol layer can forward them.
package hostio

import (
	"fmt"
	"io"
	"sync"
)

// Stream identifies which output stream a record belongs to.
type Stream int

const (
	// StreamOutput is the normal output stream.
	StreamOutput Stream = iota
	// StreamError carries error records.
	StreamError
	// StreamWarning carries warnings.
	StreamWarning
	// StreamVerbose carries verbose diagnostics.
	StreamVerbose
	// StreamDebug carries debug diagnostics.
	StreamDebug
)

// String returns a string representation of the stream.
func (s Stream) String() string {
	switch s {
	case StreamOutput:
		return "Output"
	case StreamError:
		return "Error"
	case StreamWarning:
		return "Warning"
	case StreamVerbose:
		return "Verbose"
	case StreamDebug:
		return "Debug"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Record is one line of host output.
type Record struct {
	Stream Stream
	Text   string
}

// Writer receives host output records.
type Writer interface {
	WriteRecord(rec Record)
}

// ConsoleWriter writes records to a pair of streams, prefixing non-output
// streams the way an interactive console does.
type ConsoleWriter struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

// NewConsoleWriter creates a console writer. Output and verbose records go
// to out; error, warning, and debug records go to errOut.
func NewConsoleWriter(out, errOut io.Writer) *ConsoleWriter {
	return &ConsoleWriter{out: out, err: errOut}
}

// WriteRecord writes one record.
func (w *ConsoleWriter) WriteRecord(rec Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch rec.Stream {
	case StreamError:
		fmt.Fprintf(w.err, "ERROR: %s\n", rec.Text)
	case StreamWarning:
		fmt.Fprintf(w.err, "WARNING: %s\n", rec.Text)
	case StreamVerbose:
		fmt.Fprintf(w.out, "VERBOSE: %s\n", rec.Text)
	case StreamDebug:
		fmt.Fprintf(w.err, "DEBUG: %s\n", rec.Text)
	default:
		fmt.Fprintln(w.out, rec.Text)
	}
}

// NullWriter discards all records.
type NullWriter struct{}

// WriteRecord does nothing.
func (NullWriter) WriteRecord(Record) {}
