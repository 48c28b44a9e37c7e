package provisioning

import (
	"context"
	"fmt"
	"time"
)

// StepInfo identifies a step.
type StepInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Hint  string `json:"hint,omitempty"`
}

// Step is one idempotent unit of provisioning work.
type Step interface {
	Info() StepInfo

	// Satisfied is the idempotency predicate. It returns the artifact describing the
	// already present effect when the step does not need to run.
	Satisfied(ctx context.Context, pc *Context) (Artifact, bool)

	// Run performs the step and returns its artifact.
	Run(ctx context.Context, pc *Context) (Artifact, error)
}

// StepFunc adapts functions to Step. A nil Check never reports the step as satisfied.
type StepFunc struct {
	StepInfo
	Check func(ctx context.Context, pc *Context) (Artifact, bool)
	Do    func(ctx context.Context, pc *Context) (Artifact, error)
}

func (s *StepFunc) Info() StepInfo {
	return s.StepInfo
}

func (s *StepFunc) Satisfied(ctx context.Context, pc *Context) (Artifact, bool) {
	if s.Check == nil {
		return nil, false
	}
	return s.Check(ctx, pc)
}

func (s *StepFunc) Run(ctx context.Context, pc *Context) (Artifact, error) {
	if s.Do == nil {
		return nil, fmt.Errorf("step %s has no implementation", s.ID)
	}
	return s.Do(ctx, pc)
}

// StepStatus is the recorded result of one step in one pipeline run.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepSkipped   StepStatus = "skipped"
	StepFailed    StepStatus = "failed"
)

// StepOutcome is what the pipeline recorded for a step. Error is set iff Success is false.
type StepOutcome struct {
	StepInfo
	Status   StepStatus    `json:"status"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Artifact Artifact      `json:"artifact,omitempty"`
	Duration time.Duration `json:"duration"`
}
