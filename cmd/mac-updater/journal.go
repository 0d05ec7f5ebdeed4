package main

import (
	"context"
	"time"

	"mac-updater/internal/config"
	"mac-updater/internal/debug"
	"mac-updater/internal/history"
	"mac-updater/internal/updater"
)

const journalTimeout = 3 * time.Second

// recordRun writes the report to the history journal. Failures are logged and
// otherwise ignored: the journal never changes the outcome of an update.
func recordRun(ctx context.Context, env environment, report updater.Report, runErr error) {
	if env.openJournal == nil || !config.GetBool(config.KeyHistoryEnabled) {
		return
	}
	path, err := config.HistoryPath()
	if err != nil {
		debug.Logf("history: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()

	journal, err := env.openJournal(ctx, path)
	if err != nil {
		debug.Logf("history: %v", err)
		return
	}
	defer func() {
		_ = journal.Close()
	}()

	id, err := journal.Record(ctx, toHistoryRun(report, runErr))
	if err != nil {
		debug.Logf("history: %v", err)
		return
	}
	debug.Logf("history: recorded run %d in %s", id, path)
}

func toHistoryRun(report updater.Report, runErr error) history.Run {
	run := history.Run{
		AppName:     report.Request.AppName,
		DeltaPath:   report.Request.DeltaPath,
		PatcherPath: report.Request.PatcherPath,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
		Halted:      report.Halted,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	for _, s := range report.Steps {
		run.Steps = append(run.Steps, history.Step{
			Name:      s.Step.String(),
			Command:   s.CommandLine(),
			ExitCode:  s.ExitCode,
			Duration:  s.Duration,
			StdoutLen: len(s.Stdout),
			Stderr:    string(s.Stderr),
		})
	}
	return run
}
