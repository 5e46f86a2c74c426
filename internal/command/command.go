// Package command runs system utilities synchronously and reports their
// outcome as a typed result instead of a raw exit status.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
)

// Result holds the captured output of a command that exited zero.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// ExitError is returned when a command could not be started or exited
// with a non-zero status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	if e.Code < 0 {
		msg = fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner executes a command and waits for it to finish.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner is a Runner backed by os/exec.
type ExecRunner struct {
	logger *log.Logger
}

func NewExecRunner(logger *log.Logger) *ExecRunner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.logger.Printf("exec: %s", line)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	exitErr := &ExitError{
		Command: line,
		Code:    -1,
		Stderr:  strings.TrimSpace(stderr.String()),
		Err:     err,
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitErr.Code = ee.ExitCode()
	}
	r.logger.Printf("exec failed: %v", exitErr)
	return res, exitErr
}
