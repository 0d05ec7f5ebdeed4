package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"mac-updater/internal/debug"
	appErrors "mac-updater/internal/errors"
	"mac-updater/internal/process"
)

// Default configuration values.
const (
	DefaultApplicationsDir = "/Applications"
	DefaultKillallPath     = "killall"
	DefaultOpenPath        = "open"

	// BundleExt is appended to the application name to form the bundle name.
	BundleExt = ".app"
)

// ErrPatchFailed is returned by Run when the patcher exited non-zero and the
// orchestrator was configured to halt instead of relaunching.
var ErrPatchFailed = errors.New("patch step failed")

// Step identifies one stage of the update pipeline.
type Step int

const (
	// StepTerminate kills the running application.
	StepTerminate Step = iota
	// StepPatch applies the delta to the installed bundle.
	StepPatch
	// StepLaunch starts the application again.
	StepLaunch
)

// String returns the string representation of a Step.
func (s Step) String() string {
	switch s {
	case StepTerminate:
		return "terminate"
	case StepPatch:
		return "patch"
	case StepLaunch:
		return "launch"
	default:
		return "unknown"
	}
}

// StepResult is the outcome of a step whose process ran to completion.
type StepResult struct {
	Step Step
	process.Result
}

// Request names the application, the delta and the patcher for one update.
type Request struct {
	AppName     string
	DeltaPath   string
	PatcherPath string
}

// Report collects the results of every step that ran.
type Report struct {
	Request    Request
	Steps      []StepResult
	Halted     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// NonZero returns the steps that exited with a non-zero status.
func (r Report) NonZero() []StepResult {
	var failed []StepResult
	for _, s := range r.Steps {
		if !s.Success() {
			failed = append(failed, s)
		}
	}
	return failed
}

// StageReporter is notified before each step starts.
type StageReporter interface {
	Stage(step Step, detail string)
}

// Orchestrator runs the terminate, patch and launch steps.
type Orchestrator struct {
	runner             process.Runner
	out                io.Writer
	appsDir            string
	killallBin         string
	openBin            string
	haltOnPatchFailure bool
	stepTimeout        time.Duration
	reporter           StageReporter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithOutput sets where captured stdout of each step is relayed.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) {
		if w != nil {
			o.out = w
		}
	}
}

// WithApplicationsDir overrides the directory that holds installed bundles.
func WithApplicationsDir(dir string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(dir) != "" {
			o.appsDir = dir
		}
	}
}

// WithKillallPath overrides the command used to terminate the application.
func WithKillallPath(path string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(path) != "" {
			o.killallBin = path
		}
	}
}

// WithOpenPath overrides the command used to launch the application.
func WithOpenPath(path string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(path) != "" {
			o.openBin = path
		}
	}
}

// WithHaltOnPatchFailure stops the pipeline before launch when the patcher
// exits non-zero.
func WithHaltOnPatchFailure(halt bool) Option {
	return func(o *Orchestrator) {
		o.haltOnPatchFailure = halt
	}
}

// WithStepTimeout bounds each step. Zero or negative means no deadline.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stepTimeout = d
	}
}

// WithStageReporter registers an observer for step transitions.
func WithStageReporter(r StageReporter) Option {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

// New creates an Orchestrator. A nil runner spawns real processes.
func New(runner process.Runner, opts ...Option) *Orchestrator {
	if runner == nil {
		runner = process.ExecRunner{}
	}
	o := &Orchestrator{
		runner:     runner,
		out:        io.Discard,
		appsDir:    DefaultApplicationsDir,
		killallBin: DefaultKillallPath,
		openBin:    DefaultOpenPath,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BundlePath returns the installed bundle location for appName. The name is
// used as given; it is not cleaned or validated.
func (o *Orchestrator) BundlePath(appName string) string {
	return strings.TrimRight(o.appsDir, "/") + "/" + appName + BundleExt
}

// PatchArgs returns the patcher argv for an in-place directory patch.
func PatchArgs(bundlePath, deltaPath string) []string {
	return []string{"-C-all", bundlePath, deltaPath, bundlePath, "-f"}
}

// Terminate kills every running process named appName. Finding nothing to
// kill is not an error.
func (o *Orchestrator) Terminate(ctx context.Context, appName string) (StepResult, error) {
	return o.step(ctx, StepTerminate, appName, o.killallBin, appName)
}

// ApplyPatch runs the patcher against the installed bundle, overwriting it.
func (o *Orchestrator) ApplyPatch(ctx context.Context, patcherPath, deltaPath, appName string) (StepResult, error) {
	bundle := o.BundlePath(appName)
	if debug.Enabled() {
		if info, err := os.Stat(deltaPath); err == nil {
			debug.Logf("patch: delta %s is %s", deltaPath, byteSize(info.Size()))
		}
	}
	return o.step(ctx, StepPatch, bundle, patcherPath, PatchArgs(bundle, deltaPath)...)
}

// Launch opens the application by bundle name.
func (o *Orchestrator) Launch(ctx context.Context, appName string) (StepResult, error) {
	bundleName := appName + BundleExt
	return o.step(ctx, StepLaunch, bundleName, o.openBin, "-a", bundleName)
}

// Run executes terminate, patch and launch in order. A step that cannot be
// started aborts the run. Non-zero exit statuses are recorded in the report
// and only stop the run when halting on patch failure is enabled.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Report, error) {
	report := Report{Request: req, StartedAt: time.Now()}
	finish := func(err error) (Report, error) {
		report.FinishedAt = time.Now()
		return report, err
	}

	res, err := o.Terminate(ctx, req.AppName)
	if err != nil {
		return finish(err)
	}
	report.Steps = append(report.Steps, res)

	res, err = o.ApplyPatch(ctx, req.PatcherPath, req.DeltaPath, req.AppName)
	if err != nil {
		return finish(err)
	}
	report.Steps = append(report.Steps, res)

	if !res.Success() && o.haltOnPatchFailure {
		report.Halted = true
		debug.Logf("patch exited %d, not relaunching %s", res.ExitCode, req.AppName)
		msg := fmt.Sprintf("patch exited with status %d; %s was not relaunched", res.ExitCode, req.AppName)
		return finish(appErrors.New(appErrors.CodeStepFailed, msg, ErrPatchFailed))
	}

	res, err = o.Launch(ctx, req.AppName)
	if err != nil {
		return finish(err)
	}
	report.Steps = append(report.Steps, res)

	return finish(nil)
}

func (o *Orchestrator) step(ctx context.Context, step Step, detail, bin string, args ...string) (StepResult, error) {
	if o.reporter != nil {
		o.reporter.Stage(step, detail)
	}

	runCtx := ctx
	if o.stepTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
	}

	debug.Logf("%s: running %s", step, strings.Join(append([]string{bin}, args...), " "))
	res, err := o.runner.Run(runCtx, bin, args...)
	if res.Bin == "" {
		res.Bin = bin
		res.Args = append([]string(nil), args...)
	}
	result := StepResult{Step: step, Result: res}
	if err != nil {
		debug.Logf("%s: %v", step, err)
		return result, fmt.Errorf("%s step: %w", step, err)
	}

	debug.Logf("%s: exit=%d duration=%s stdout=%s stderr=%s", step, res.ExitCode, res.Duration, byteSize(int64(len(res.Stdout))), byteSize(int64(len(res.Stderr))))
	debug.Lines(step.String()+" stderr:", string(res.Stderr))
	o.relay(res.Stdout)
	return result, nil
}

// relay writes captured stdout followed by a newline, even when empty.
// Invalid UTF-8 is replaced with U+FFFD.
func (o *Orchestrator) relay(stdout []byte) {
	text := bytes.ToValidUTF8(stdout, []byte(string(utf8.RuneError)))
	line := make([]byte, 0, len(text)+1)
	line = append(line, text...)
	line = append(line, '\n')
	_, _ = o.out.Write(line)
}

func byteSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
