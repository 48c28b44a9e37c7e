package toolexec

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Command is a fully resolved subprocess invocation.
type Command struct {
	Path string
	Args []string
	// Env entries (KEY=value) are appended to the inherited environment.
	Env []string
	Dir string
}

// Result captures a finished subprocess. ExitCode is -1 when the process was killed.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner abstracts process execution.
type Runner interface {
	// LookPath resolves an executable name or path.
	LookPath(file string) (string, error)

	// Run executes cmd until it exits or ctx is done. A non-zero exit status is reported
	// through Result.ExitCode, not as an error.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the process is killed.
	WaitDelay time.Duration
}

func (r *ExecRunner) LookPath(file string) (string, error) {
	if filepath.IsAbs(file) {
		info, err := os.Stat(file)
		if err != nil {
			return "", err
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
		}
		return file, nil
	}
	return exec.LookPath(file)
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// isExecNotFound reports whether err means the executable at path is absent. A missing
// working directory also surfaces as fs.ErrNotExist and is a failure of the run, not of
// the tool.
func isExecNotFound(err error, path string) bool {
	var execErr *exec.Error
	if errors.Is(err, exec.ErrNotFound) || errors.As(err, &execErr) {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	_, statErr := os.Stat(path)
	return errors.Is(statErr, fs.ErrNotExist)
}
