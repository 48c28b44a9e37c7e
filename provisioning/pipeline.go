package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/node-provisioning-backend/metrics"
)

// Pipeline executes steps in declared order with fail-fast semantics.
type Pipeline struct {
	name     string
	steps    []Step
	log      *slog.Logger
	observer func(StepOutcome)
	starting func(StepInfo)
}

type PipelineOption func(*Pipeline)

// WithObserver registers a callback invoked after every step outcome is recorded.
func WithObserver(fn func(StepOutcome)) PipelineOption {
	return func(p *Pipeline) { p.observer = fn }
}

// WithStartHook registers a callback invoked before a step is executed (not when skipped).
func WithStartHook(fn func(StepInfo)) PipelineOption {
	return func(p *Pipeline) { p.starting = fn }
}

// NewPipeline validates that step ids are unique and non-empty.
func NewPipeline(name string, steps []Step, log *slog.Logger, opts ...PipelineOption) (*Pipeline, error) {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		id := s.Info().ID
		if id == "" {
			return nil, fmt.Errorf("pipeline %s: step with empty id", name)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("pipeline %s: duplicate step id %q", name, id)
		}
		seen[id] = struct{}{}
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		name:  name,
		steps: steps,
		log:   log.With(slog.String("pipeline", name)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) Name() string {
	return p.name
}

// Steps lists the step identities in execution order.
func (p *Pipeline) Steps() []StepInfo {
	out := make([]StepInfo, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.Info()
	}
	return out
}

// PipelineResult reports every step that was reached.
type PipelineResult struct {
	Pipeline   string        `json:"pipeline"`
	Outcomes   []StepOutcome `json:"outcomes"`
	FailedStep string        `json:"failed_step,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (r *PipelineResult) Success() bool {
	return r.FailedStep == ""
}

// Err returns a *StepError for a failed run and nil otherwise.
func (r *PipelineResult) Err() error {
	if r.Success() {
		return nil
	}
	return &StepError{Pipeline: r.Pipeline, StepID: r.FailedStep, Message: r.Error}
}

// Executed returns the ids of the steps that actually ran (were not skipped).
func (r *PipelineResult) Executed() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Status != StepSkipped {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Run executes the pipeline against pc.
func (p *Pipeline) Run(ctx context.Context, pc *Context) *PipelineResult {
	ids := make([]string, len(p.steps))
	for i, s := range p.steps {
		ids[i] = s.Info().ID
	}
	pc.beginRun(ids)
	defer pc.endRun()

	result := &PipelineResult{Pipeline: p.name}
	for _, s := range p.steps {
		outcome := p.runStep(ctx, s, pc)
		result.Outcomes = append(result.Outcomes, outcome)
		metrics.IncStepOutcome(p.name, outcome.ID, string(outcome.Status))
		if p.observer != nil {
			p.observer(outcome)
		}

		if !outcome.Success {
			result.FailedStep = outcome.ID
			result.Error = outcome.Error
			p.log.Error("Pipeline stopped",
				slog.String("step", outcome.ID),
				"err", outcome.Error)
			return result
		}
	}

	p.log.Info("Pipeline completed", slog.Int("steps", len(p.steps)))
	return result
}

func (p *Pipeline) runStep(ctx context.Context, s Step, pc *Context) (outcome StepOutcome) {
	info := s.Info()
	outcome.StepInfo = info
	start := time.Now()

	pc.enter(info.ID)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Step panicked", slog.String("step", info.ID), slog.Any("panic", r))
			outcome.Status = StepFailed
			outcome.Success = false
			outcome.Artifact = nil
			outcome.Error = fmt.Sprintf("step %s panicked: %v", info.ID, r)
		}
		outcome.Duration = time.Since(start)
		if outcome.Success {
			pc.leave(info.ID)
		} else {
			pc.current = ""
		}
	}()

	if ctx.Err() != nil {
		outcome.Status = StepFailed
		outcome.Error = ctx.Err().Error()
		return outcome
	}

	if artifact, ok := s.Satisfied(ctx, pc); ok {
		if artifact == nil {
			artifact, _ = pc.Result(info.ID)
		}
		pc.Record(info.ID, artifact)
		p.log.Info("Step already satisfied, skipping", slog.String("step", info.ID))
		outcome.Status = StepSkipped
		outcome.Success = true
		outcome.Artifact = pc.StepResults[info.ID]
		return outcome
	}

	if p.starting != nil {
		p.starting(info)
	}
	p.log.Info("Running step", slog.String("step", info.ID), slog.String("label", info.Label))

	artifact, err := s.Run(ctx, pc)
	metrics.ObserveStepDuration(info.ID, time.Since(start))
	if err != nil {
		p.log.Warn("Step failed", slog.String("step", info.ID), "err", err)
		outcome.Status = StepFailed
		outcome.Error = err.Error()
		return outcome
	}

	pc.Record(info.ID, artifact)
	p.log.Info("Step completed",
		slog.String("step", info.ID),
		slog.Duration("duration", time.Since(start)))
	outcome.Status = StepCompleted
	outcome.Success = true
	outcome.Artifact = pc.StepResults[info.ID]
	return outcome
}

// Order arranges steps by id. Ids not present in steps are an error; steps not named in
// order are appended in their original relative order.
func Order(steps []Step, order []string) ([]Step, error) {
	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.Info().ID] = s
	}

	out := make([]Step, 0, len(steps))
	used := make(map[string]bool, len(order))
	for _, id := range order {
		s, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown step %q in ordering", id)
		}
		if used[id] {
			return nil, fmt.Errorf("step %q listed twice in ordering", id)
		}
		used[id] = true
		out = append(out, s)
	}
	for _, s := range steps {
		if !used[s.Info().ID] {
			out = append(out, s)
		}
	}
	return out, nil
}
