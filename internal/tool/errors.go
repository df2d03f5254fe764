package tool

import (
	"errors"
	"fmt"
)

// ErrDuplicateTool is returned by [Registry.Register] for a name that is
// already taken.
var ErrDuplicateTool = errors.New("tool: duplicate name")

// ValidationError reports arguments or a result that do not match the tool's
// schema. The model can usually correct it on the next round.
type ValidationError struct {
	Tool string

	// Output is true when the handler's result failed validation.
	Output bool

	Err error
}

func (e *ValidationError) Error() string {
	what := "arguments"
	if e.Output {
		what = "result"
	}
	return fmt.Sprintf("tool %q: invalid %s: %v", e.Tool, what, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnknownToolError reports a call to a name with no registered tool.
type UnknownToolError struct {
	Name string

	// Suggestion is the closest registered name, if any is similar enough.
	Suggestion string
}

func (e *UnknownToolError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown tool %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown tool %q", e.Name)
}
