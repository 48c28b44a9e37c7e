package toolexec

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Parser converts a successful candidate's standard output into a typed value.
type Parser[T any] func(stdout []byte) (T, error)

// Classifier recognises a failed run that is worth one more attempt.
type Classifier func(res *Result) bool

// Candidate is one alternative in a fallback chain. Exactly one of Command or Call is set.
type Candidate[T any] struct {
	// Name is used in logs and errors. Defaults to the base name of Command.
	Name string

	Command string
	Args    []string
	// Env is merged over the invoker's environment for this candidate only.
	Env map[string]string
	// Dir overrides the invoker's working directory.
	Dir string
	// Timeout overrides the invoker's default timeout.
	Timeout time.Duration
	Parse   Parser[T]

	// Transient, when set, marks failures that are retried once after the retry delay.
	Transient Classifier

	// Call runs the candidate in-process. Returning an error wrapping ErrToolNotFound
	// makes the chain skip to the next candidate as for a missing executable.
	Call func(ctx context.Context) (T, error)
}

// Exec builds a command candidate.
func Exec[T any](command string, args []string, timeout time.Duration, parse Parser[T]) Candidate[T] {
	return Candidate[T]{Command: command, Args: args, Timeout: timeout, Parse: parse}
}

// InProcess builds a candidate backed by a Go function, typically an RPC client call.
func InProcess[T any](name string, timeout time.Duration, call func(ctx context.Context) (T, error)) Candidate[T] {
	return Candidate[T]{Name: name, Timeout: timeout, Call: call}
}

// WithEnv returns a copy of c with additional environment variables.
func (c Candidate[T]) WithEnv(env map[string]string) Candidate[T] {
	merged := make(map[string]string, len(c.Env)+len(env))
	for k, v := range c.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	c.Env = merged
	return c
}

// RetryOn returns a copy of c that retries once when classify matches.
func (c Candidate[T]) RetryOn(classify Classifier) Candidate[T] {
	c.Transient = classify
	return c
}

func (c Candidate[T]) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	return filepath.Base(c.Command)
}

// StderrContains classifies failures whose stderr (or stdout) mentions substr, ignoring case.
func StderrContains(substr string) Classifier {
	needle := strings.ToLower(substr)
	return func(res *Result) bool {
		if res == nil {
			return false
		}
		return strings.Contains(strings.ToLower(string(res.Stderr)), needle) ||
			strings.Contains(strings.ToLower(string(res.Stdout)), needle)
	}
}

func envList(layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
