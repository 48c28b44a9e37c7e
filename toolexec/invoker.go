package toolexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/node-provisioning-backend/metrics"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultRetryDelay = 5 * time.Second
)

// Invoker executes candidate chains. It carries only the shared execution context
// (environment, working directory) and is safe for concurrent use.
type Invoker struct {
	runner         Runner
	log            *slog.Logger
	env            map[string]string
	dir            string
	retryDelay     time.Duration
	defaultTimeout time.Duration
}

type Option func(*Invoker)

// WithEnv sets environment variables passed to every candidate.
func WithEnv(env map[string]string) Option {
	return func(inv *Invoker) { inv.env = env }
}

// WithDir sets the working directory of every candidate.
func WithDir(dir string) Option {
	return func(inv *Invoker) { inv.dir = dir }
}

// WithRetryDelay sets the pause before a transient failure is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(inv *Invoker) { inv.retryDelay = d }
}

// WithDefaultTimeout sets the timeout for candidates that do not declare one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(inv *Invoker) { inv.defaultTimeout = d }
}

func NewInvoker(runner Runner, log *slog.Logger, opts ...Option) *Invoker {
	if runner == nil {
		runner = &ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	inv := &Invoker{
		runner:         runner,
		log:            log,
		retryDelay:     DefaultRetryDelay,
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Available reports whether command can be located. It never executes anything.
func (inv *Invoker) Available(command string) bool {
	_, err := inv.runner.LookPath(command)
	return err == nil
}

// Run tries candidates in order and returns the first parsed result.
func Run[T any](ctx context.Context, inv *Invoker, candidates ...Candidate[T]) (T, error) {
	var zero T
	var lastErr error
	var missing []string

	for i, c := range candidates {
		name := c.displayName()
		v, err := attempt(ctx, inv, c)
		if err == nil {
			metrics.IncToolAttempt(name, "ok")
			return v, nil
		}

		if errors.Is(err, ErrToolNotFound) {
			metrics.IncToolAttempt(name, "not_found")
			missing = append(missing, name)
			inv.log.Debug("Tool not found, trying next candidate",
				slog.String("tool", name),
				slog.Int("remaining", len(candidates)-i-1))
			continue
		}

		metrics.IncToolAttempt(name, resultLabel(err))
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(candidates)-1 {
			inv.log.Warn("Tool candidate failed, falling back",
				slog.String("tool", name),
				"err", err)
		}
	}

	if lastErr != nil {
		return zero, lastErr
	}
	if len(missing) == 0 {
		return zero, fmt.Errorf("%w: no candidates configured", ErrToolNotFound)
	}
	return zero, &InvocationError{Kind: ErrToolNotFound, Tool: strings.Join(missing, ", ")}
}

func attempt[T any](ctx context.Context, inv *Invoker, c Candidate[T]) (T, error) {
	var zero T
	name := c.displayName()
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = inv.defaultTimeout
	}

	if c.Call != nil {
		return call(ctx, c, name, timeout)
	}

	path, err := inv.runner.LookPath(c.Command)
	if err != nil {
		return zero, &InvocationError{Kind: ErrToolNotFound, Tool: name, Err: err}
	}

	cmd := Command{
		Path: path,
		Args: c.Args,
		Env:  envList(inv.env, c.Env),
		Dir:  inv.dir,
	}
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}

	for try := 0; ; try++ {
		res, err := runOnce(ctx, inv.runner, cmd, name, timeout)
		if err != nil {
			return zero, err
		}

		if res.ExitCode != 0 {
			if try == 0 && c.Transient != nil && c.Transient(res) {
				metrics.IncToolRetry(name)
				inv.log.Info("Transient tool failure, retrying once",
					slog.String("tool", name),
					slog.Duration("delay", inv.retryDelay))
				if err := sleep(ctx, inv.retryDelay); err != nil {
					return zero, &InvocationError{Kind: ErrToolFailed, Tool: name, Err: err}
				}
				continue
			}
			return zero, &InvocationError{
				Kind:     ErrToolFailed,
				Tool:     name,
				ExitCode: res.ExitCode,
				Stdout:   string(res.Stdout),
				Stderr:   string(res.Stderr),
			}
		}

		if c.Parse == nil {
			return zero, nil
		}
		v, err := c.Parse(res.Stdout)
		if err != nil {
			return zero, &InvocationError{Kind: ErrParse, Tool: name, Stdout: string(res.Stdout), Err: err}
		}
		return v, nil
	}
}

func runOnce(ctx context.Context, runner Runner, cmd Command, name string, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := runner.Run(runCtx, cmd)
	metrics.ObserveToolDuration(name, time.Since(start))

	if err == nil {
		return res, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &InvocationError{Kind: ErrTimeout, Tool: name, Timeout: timeout, Err: err}
	}
	if isExecNotFound(err, cmd.Path) {
		return nil, &InvocationError{Kind: ErrToolNotFound, Tool: name, Err: err}
	}
	return nil, &InvocationError{Kind: ErrToolFailed, Tool: name, Err: err}
}

func call[T any](ctx context.Context, c Candidate[T], name string, timeout time.Duration) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := c.Call(callCtx)
	if err == nil {
		return v, nil
	}

	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return v, err
	}
	if errors.Is(err, ErrToolNotFound) {
		return v, &InvocationError{Kind: ErrToolNotFound, Tool: name, Err: err}
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return v, &InvocationError{Kind: ErrTimeout, Tool: name, Timeout: timeout, Err: err}
	}
	return v, &InvocationError{Kind: ErrToolFailed, Tool: name, Err: err}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrParse):
		return "parse_error"
	default:
		return "failed"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
