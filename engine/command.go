package engine

import "strings"

// Command represents a pipeline of commands to invoke against a runspace.
// Commands are built fluently and are immutable once handed to a Pipeline.
type Command struct {
	entries []commandEntry
}

type commandEntry struct {
	name       string
	parameters []parameter
	isScript   bool
}

type parameter struct {
	name  string
	value interface{}
}

// NewCommand creates an empty command pipeline.
// Use AddCommand/AddScript to populate it.
func NewCommand() *Command {
	return &Command{}
}

// NewScript creates a command pipeline containing a single script entry.
func NewScript(script string) *Command {
	return NewCommand().AddScript(script)
}

// AddCommand appends a named engine command to the pipeline.
func (c *Command) AddCommand(name string) *Command {
	c.entries = append(c.entries, commandEntry{name: name})
	return c
}

// AddScript appends a raw script entry to the pipeline.
func (c *Command) AddScript(script string) *Command {
	c.entries = append(c.entries, commandEntry{name: script, isScript: true})
	return c
}

// AddParameter adds a named parameter to the last added entry.
// It is a no-op on an empty pipeline.
func (c *Command) AddParameter(name string, value interface{}) *Command {
	if len(c.entries) > 0 {
		last := &c.entries[len(c.entries)-1]
		last.parameters = append(last.parameters, parameter{name: name, value: value})
	}
	return c
}

// AddArgument adds a positional argument (a parameter with no name) to the
// last added entry.
func (c *Command) AddArgument(value interface{}) *Command {
	return c.AddParameter("", value)
}

// Entries returns the number of entries in the pipeline.
func (c *Command) Entries() int {
	return len(c.entries)
}

// First returns the name of the first entry and whether it is a script.
// It returns ("", false) for an empty pipeline.
func (c *Command) First() (name string, isScript bool) {
	if len(c.entries) == 0 {
		return "", false
	}
	return c.entries[0].name, c.entries[0].isScript
}

// Walk visits each entry in order, passing its name, whether it is a script,
// and its arguments in the order they were added (positional arguments have
// an empty name).
func (c *Command) Walk(visit func(name string, isScript bool, args []Argument)) {
	for _, e := range c.entries {
		args := make([]Argument, len(e.parameters))
		for i, p := range e.parameters {
			args[i] = Argument{Name: p.name, Value: p.value}
		}
		visit(e.name, e.isScript, args)
	}
}

// Argument is one parameter of a command entry as seen by an engine.
type Argument struct {
	Name  string
	Value interface{}
}

// String renders the pipeline in a human-readable form for logging.
func (c *Command) String() string {
	var b strings.Builder
	for i, e := range c.entries {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(e.name)
		for _, p := range e.parameters {
			b.WriteByte(' ')
			if p.name != "" {
				b.WriteByte('-')
				b.WriteString(p.name)
				b.WriteByte(' ')
			}
			if s, ok := p.value.(string); ok {
				b.WriteString(s)
			} else {
				b.WriteString("<value>")
			}
		}
	}
	return b.String()
}
