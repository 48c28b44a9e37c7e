package provisioning

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks caller input rejected before any external call.
	ErrValidation = errors.New("invalid input")

	// ErrMissingPrerequisite marks state an earlier step should have produced.
	ErrMissingPrerequisite = errors.New("missing prerequisite")
)

// Invalid returns a validation error.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// MissingPrerequisite returns an error naming the absent artifact.
func MissingPrerequisite(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMissingPrerequisite, fmt.Sprintf(format, args...))
}

// StepError identifies the step that stopped a pipeline.
type StepError struct {
	Pipeline string
	StepID   string
	Message  string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s pipeline: step %s failed: %s", e.Pipeline, e.StepID, e.Message)
}
