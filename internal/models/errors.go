package models

import (
	"errors"
	"fmt"
)

// ErrHealthTimeout signals that the health gate deadline elapsed.
var ErrHealthTimeout = errors.New("health gate deadline exceeded")

// CommandError describes a failed plan command.
type CommandError struct {
	Step     int
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("step %d %q failed", e.Step, e.Command)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// DataError reports a prediction/label count mismatch in a batch evaluation.
type DataError struct {
	Predictions int
	Labels      int
}

func (e *DataError) Error() string {
	return fmt.Sprintf("predictions and true labels length mismatch: %d predictions, %d labels", e.Predictions, e.Labels)
}
