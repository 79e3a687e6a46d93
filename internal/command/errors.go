package command

import (
	"errors"
	"fmt"
)

// Command errors.
var (
	// ErrUnknownCommand indicates no command is registered under the name.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrDuplicateCommand indicates the name is already registered.
	ErrDuplicateCommand = errors.New("command: duplicate command")

	// ErrInvalidCommand indicates a command without a name or Run func.
	ErrInvalidCommand = errors.New("command: invalid command")

	// ErrUnavailable indicates the owning plugin is not enabled.
	ErrUnavailable = errors.New("command: owning plugin not enabled")

	// ErrPanic indicates the command panicked.
	ErrPanic = errors.New("command: panic")
)

// CheckError reports the check that rejected an invocation.
type CheckError struct {
	Command string
	Check   string
	Message string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("command %s: check %s failed: %s", e.Command, e.Check, e.Message)
}
