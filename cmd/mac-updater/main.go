package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"mac-updater/internal/config"
	"mac-updater/internal/debug"
	"mac-updater/internal/history"
	"mac-updater/internal/process"
	"mac-updater/internal/updater"

	"github.com/mattn/go-isatty"
)

const usage = "Usage: mac-updater <app-name> <delta-path> <hpatchz-path>"

// wantArgs counts the program name plus app name, delta path and patcher path.
const wantArgs = 4

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr, defaultEnvironment()))
}

// stageDisplay renders pipeline progress and carries relayed stdout.
type stageDisplay interface {
	updater.StageReporter
	io.Writer
	Stop()
}

// runJournal is the subset of history.Journal used after a run.
type runJournal interface {
	Record(ctx context.Context, run history.Run) (int64, error)
	Close() error
}

// environment holds the collaborators run needs, so tests can swap them.
type environment struct {
	runner      process.Runner
	interactive bool
	newDisplay  func(w io.Writer) stageDisplay
	openJournal func(ctx context.Context, path string) (runJournal, error)
}

func defaultEnvironment() environment {
	return environment{
		runner:      process.ExecRunner{},
		interactive: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
		newDisplay: func(w io.Writer) stageDisplay {
			return newTerminalDisplay(w)
		},
		openJournal: func(ctx context.Context, path string) (runJournal, error) {
			return history.Open(ctx, path)
		},
	}
}

// run executes one invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer, env environment) int {
	if len(args) != wantArgs {
		_, _ = fmt.Fprintln(stdout, usage)
		return 0
	}

	// A broken config file falls back to defaults and MU_* variables; the
	// update still runs.
	cfgErr := config.Initialize()
	if cfgErr != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: using default settings: %v\n", cfgErr)
	}
	if err := debug.Init(config.GetBool(config.KeyDebug)); err != nil {
		_, _ = fmt.Fprintf(stderr, "Warning: debug log disabled: %v\n", err)
	}
	defer debug.Close()
	debug.Logf("%s args=%q", versionString(), args[1:])
	if cfgErr != nil {
		debug.Logf("config: %v", cfgErr)
	}

	req := updater.Request{
		AppName:     args[1],
		DeltaPath:   args[2],
		PatcherPath: args[3],
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var display stageDisplay
	out := stdout
	if env.interactive && env.newDisplay != nil && config.GetBool(config.KeyOutputProgress) {
		display = env.newDisplay(stdout)
		out = display
	}

	opts := []updater.Option{
		updater.WithOutput(out),
		updater.WithApplicationsDir(config.GetString(config.KeyApplicationsDir)),
		updater.WithKillallPath(config.GetString(config.KeyKillallPath)),
		updater.WithOpenPath(config.GetString(config.KeyOpenPath)),
		updater.WithHaltOnPatchFailure(config.GetBool(config.KeyHaltOnPatchFailure)),
		updater.WithStepTimeout(config.GetDuration(config.KeyStepTimeout)),
	}
	if display != nil {
		opts = append(opts, updater.WithStageReporter(display))
	}

	report, err := updater.New(env.runner, opts...).Run(ctx, req)
	if display != nil {
		display.Stop()
	}

	recordRun(context.WithoutCancel(ctx), env, report, err)
	printStepWarnings(stderr, report)

	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
