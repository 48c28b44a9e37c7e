package toolexec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrToolNotFound marks a candidate whose executable is not installed.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolFailed marks a candidate that ran and exited non-zero.
	ErrToolFailed = errors.New("tool failed")
	// ErrTimeout marks a candidate killed after exceeding its timeout.
	ErrTimeout = errors.New("tool timed out")
	// ErrParse marks a candidate whose output was rejected by its parser. It also
	// matches ErrToolFailed.
	ErrParse = errors.New("unexpected tool output")
)

// maxOutputInMessage bounds how much stderr/stdout is copied into error messages.
const maxOutputInMessage = 2048

// InvocationError describes why a candidate, or a whole chain, failed.
type InvocationError struct {
	Kind     error
	Tool     string
	ExitCode int
	Stdout   string
	Stderr   string
	Timeout  time.Duration
	Err      error
}

func (e *InvocationError) Error() string {
	switch e.Kind {
	case ErrToolNotFound:
		return fmt.Sprintf("required tool not found: %s", e.Tool)
	case ErrTimeout:
		return fmt.Sprintf("%s timed out after %s", e.Tool, e.Timeout)
	case ErrParse:
		return fmt.Sprintf("%s produced unexpected output: %v%s", e.Tool, e.Err, detail("output", e.Stdout))
	default:
		if e.Err != nil && e.ExitCode == 0 {
			return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
		}
		out := detail("stderr", e.Stderr)
		if out == "" {
			out = detail("stdout", e.Stdout)
		}
		return fmt.Sprintf("%s exited with status %d%s", e.Tool, e.ExitCode, out)
	}
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

func (e *InvocationError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrParse && target == ErrToolFailed
}

func detail(label, s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) > maxOutputInMessage {
		s = s[len(s)-maxOutputInMessage:]
	}
	return fmt.Sprintf(" (%s: %s)", label, s)
}
