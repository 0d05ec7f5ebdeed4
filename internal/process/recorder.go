package process

import (
	"context"
	"sync"
)

// Call is a single invocation captured by a Recorder.
type Call struct {
	Bin  string
	Args []string
}

// Recorder is a test double for Runner. It records every invocation in order
// and answers from per-binary canned responses. Binaries without a response
// succeed with empty output.
type Recorder struct {
	// RunFn, when set, takes precedence over canned responses.
	RunFn func(ctx context.Context, bin string, args ...string) (Result, error)

	mu        sync.Mutex
	calls     []Call
	responses map[string]Result
	errs      map[string]error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		responses: make(map[string]Result),
		errs:      make(map[string]error),
	}
}

// Respond configures the output and exit code returned for bin.
func (r *Recorder) Respond(bin, stdout, stderr string, exitCode int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[bin] = Result{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: exitCode}
	return r
}

// Fail makes every invocation of bin return err, as if it could not start.
func (r *Recorder) Fail(bin string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[bin] = err
	return r
}

// Run records the call and returns the configured response.
func (r *Recorder) Run(ctx context.Context, bin string, args ...string) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Bin: bin, Args: append([]string(nil), args...)})
	fn := r.RunFn
	canned, hasCanned := r.responses[bin]
	err := r.errs[bin]
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, bin, args...)
	}
	res := Result{Bin: bin, Args: append([]string(nil), args...)}
	if err != nil {
		return res, err
	}
	if hasCanned {
		res.Stdout = canned.Stdout
		res.Stderr = canned.Stderr
		res.ExitCode = canned.ExitCode
	}
	return res, nil
}

// Calls returns a copy of the invocations seen so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}
