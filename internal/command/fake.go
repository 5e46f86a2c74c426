package command

import (
	"context"
	"fmt"
	"strings"
)

// Response is the canned outcome for one command line in a FakeRunner.
type Response struct {
	Stdout string
	Stderr string
	Code   int
}

// FakeRunner replays canned responses keyed by the full command line. It
// records every invocation in Calls. Unknown command lines fail with exit
// status 127.
type FakeRunner struct {
	Responses map[string]Response
	Calls     []string
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Responses: map[string]Response{}}
}

// On registers the response for a command line.
func (f *FakeRunner) On(line string, resp Response) *FakeRunner {
	f.Responses[line] = resp
	return f
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.Calls = append(f.Calls, line)

	if err := ctx.Err(); err != nil {
		return Result{}, &ExitError{Command: line, Code: -1, Err: err}
	}

	resp, ok := f.Responses[line]
	if !ok {
		return Result{}, &ExitError{
			Command: line,
			Code:    127,
			Stderr:  "command not expected",
			Err:     fmt.Errorf("no fake response for %q", line),
		}
	}

	res := Result{Stdout: []byte(resp.Stdout), Stderr: []byte(resp.Stderr)}
	if resp.Code != 0 {
		return res, &ExitError{
			Command: line,
			Code:    resp.Code,
			Stderr:  resp.Stderr,
			Err:     fmt.Errorf("exit status %d", resp.Code),
		}
	}
	return res, nil
}

// Called reports whether the given command line was run.
func (f *FakeRunner) Called(line string) bool {
	for _, c := range f.Calls {
		if c == line {
			return true
		}
	}
	return false
}
