// Package process runs external programs and reports what they did.
//
// A Runner is the only boundary between mac-updater and the operating system:
// the orchestrator never touches os/exec directly, so tests substitute a
// Recorder and assert on the exact argv it saw.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	appErrors "mac-updater/internal/errors"
)

// Result describes a process that was started and ran to completion.
type Result struct {
	Bin      string
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Success reports whether the process exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// CommandLine renders the invocation for logs and messages.
func (r Result) CommandLine() string {
	return strings.Join(append([]string{r.Bin}, r.Args...), " ")
}

// Runner executes external commands, allowing tests to inject stubs.
//
// A non-zero exit status is reported through Result.ExitCode, never as an
// error. The error return is reserved for processes that could not be started
// or were interrupted by ctx.
type Runner interface {
	Run(ctx context.Context, bin string, args ...string) (Result, error)
}

// waitDelay bounds how long Run waits for output pipes after ctx kills the
// process, since a grandchild may keep them open.
const waitDelay = 5 * time.Second

// ExecRunner spawns real processes and blocks until they exit.
type ExecRunner struct{}

// Run starts bin with args, capturing stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, bin string, args ...string) (Result, error) {
	res := Result{Bin: bin, Args: append([]string(nil), args...)}

	var stdout, stderr bytes.Buffer
	//nolint:gosec // G204: the updater exists to run killall, open and the patcher
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()

	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, interruptedError(res, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, spawnError(bin, err)
}

func spawnError(bin string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return appErrors.New(appErrors.CodeCLINotFound, fmt.Sprintf("%s not found in PATH", bin), err)
	}
	return appErrors.New(appErrors.CodeSpawnFailed, fmt.Sprintf("start %s: %v", bin, err), err)
}

func interruptedError(res Result, err error) error {
	return appErrors.New(appErrors.CodeStepInterrupted, fmt.Sprintf("%s interrupted: %v", res.CommandLine(), err), err)
}
