package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/node-provisioning-backend/metrics"
)

// ErrJobNotFound is returned by Poll for identifiers the registry never issued.
var ErrJobNotFound = errors.New("job not found")

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a read-only snapshot of a job record. Result slots are nil until the job
// completes and stay nil when the work did not produce them.
type Job struct {
	ID          string             `json:"job_id"`
	Kind        string             `json:"kind"`
	Status      Status             `json:"status"`
	Message     string             `json:"message"`
	Result      map[string]*string `json:"result"`
	SubmittedAt time.Time          `json:"submitted_at"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// Outcome is what successful work reports. Fields outside the job's declared slots are
// ignored.
type Outcome struct {
	Message string
	Fields  map[string]string
}

// Work is executed on its own goroutine. progress overwrites the job message. Returning
// an error fails the job with the error text as message.
type Work func(ctx context.Context, progress func(message string)) (*Outcome, error)

// Spec declares a kind of job.
type Spec struct {
	// Kind prefixes generated identifiers, e.g. "deploy" yields "deploy-<uuid>".
	Kind string
	// Slots are the nullable result fields the job exposes.
	Slots []string
	// Message is the initial progress message.
	Message string
}

type record struct {
	job Job
}

// Registry owns all job records behind a single lock.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*record
	wg   sync.WaitGroup
	log  *slog.Logger

	// base is the context work runs under. Submitting requests do not bound the work.
	base context.Context
	now  func() time.Time
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		jobs: make(map[string]*record),
		log:  log,
		base: context.Background(),
		now:  time.Now,
	}
}

// Submit registers a running job and starts work without waiting for it.
func (r *Registry) Submit(spec Spec, work Work) (string, error) {
	id, err := newID(spec.Kind)
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	result := make(map[string]*string, len(spec.Slots))
	for _, slot := range spec.Slots {
		result[slot] = nil
	}
	msg := spec.Message
	if msg == "" {
		msg = "Starting"
	}

	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("job id collision: %s", id)
	}
	r.jobs[id] = &record{job: Job{
		ID:          id,
		Kind:        spec.Kind,
		Status:      StatusRunning,
		Message:     msg,
		Result:      result,
		SubmittedAt: r.now(),
	}}
	r.mu.Unlock()

	metrics.IncJobTransition(spec.Kind, string(StatusRunning))
	r.log.Info("Job submitted", slog.String("job_id", id), slog.String("kind", spec.Kind))

	r.wg.Add(1)
	go r.execute(id, spec.Kind, work)
	return id, nil
}

// Poll returns a snapshot of the job.
func (r *Registry) Poll(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return rec.job.snapshot(), nil
}

// List returns snapshots of all jobs, in no particular order.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.job.snapshot())
	}
	return out
}

// Wait blocks until every submitted job reached a terminal state or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) execute(id, kind string, work Work) {
	defer r.wg.Done()

	var (
		outcome *Outcome
		err     error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("Job panicked", slog.String("job_id", id), slog.Any("panic", p))
				err = fmt.Errorf("internal error: %v", p)
			}
		}()
		outcome, err = work(r.base, func(message string) {
			r.progress(id, message)
		})
	}()

	if err != nil {
		r.finish(id, kind, StatusFailed, err.Error(), nil)
		r.log.Warn("Job failed", slog.String("job_id", id), "err", err)
		return
	}
	if outcome == nil {
		outcome = &Outcome{}
	}
	r.finish(id, kind, StatusCompleted, outcome.Message, outcome.Fields)
	r.log.Info("Job completed", slog.String("job_id", id))
}

func (r *Registry) progress(id, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.jobs[id]; ok && !rec.job.Status.Terminal() {
		rec.job.Message = message
	}
}

func (r *Registry) finish(id, kind string, status Status, message string, fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.Terminal() {
		return
	}
	rec.job.Status = status
	if message != "" || status == StatusFailed {
		rec.job.Message = message
	}
	if status == StatusCompleted {
		for slot := range rec.job.Result {
			if v, ok := fields[slot]; ok && v != "" {
				v := v
				rec.job.Result[slot] = &v
			}
		}
	}
	finished := r.now()
	rec.job.FinishedAt = &finished
	metrics.IncJobTransition(kind, string(status))
}

func (j Job) snapshot() Job {
	out := j
	out.Result = make(map[string]*string, len(j.Result))
	for k, v := range j.Result {
		if v != nil {
			s := *v
			out.Result[k] = &s
		} else {
			out.Result[k] = nil
		}
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func newID(kind string) (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	if kind == "" {
		return u.String(), nil
	}
	return kind + "-" + u.String(), nil
}
