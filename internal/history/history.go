// Package history keeps a local journal of update runs.
//
// Each run is stored with every step's command line, exit code and stderr in
// a SQLite database, ~/.mac-updater/history.db by default.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, WAL-friendly

	appErrors "mac-updater/internal/errors"
)

// maxStderrLen bounds how much stderr is stored per step.
const maxStderrLen = 4096

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	app_name     TEXT    NOT NULL,
	delta_path   TEXT    NOT NULL,
	patcher_path TEXT    NOT NULL,
	started_at   TEXT    NOT NULL,
	finished_at  TEXT    NOT NULL,
	halted       INTEGER NOT NULL DEFAULT 0,
	error        TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS steps (
	run_id      INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	name        TEXT    NOT NULL,
	command     TEXT    NOT NULL,
	exit_code   INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	stdout_len  INTEGER NOT NULL,
	stderr      TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Step is the journaled outcome of one pipeline step.
type Step struct {
	Name      string
	Command   string
	ExitCode  int
	Duration  time.Duration
	StdoutLen int
	Stderr    string
}

// Run is one journaled invocation of the updater.
type Run struct {
	ID          int64
	AppName     string
	DeltaPath   string
	PatcherPath string
	StartedAt   time.Time
	FinishedAt  time.Time
	Halted      bool
	Error       string
	Steps       []Step
}

// Journal records runs in a SQLite database.
type Journal struct {
	path string
	db   *sql.DB
}

// Open opens (creating if needed) the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, appErrors.New(appErrors.CodeHistoryFailed, "history path is empty", nil)
	}
	//nolint:gosec // G301: User state directory needs standard permissions
	if err := os.MkdirAll(filepath.Dir(trimmed), 0755); err != nil {
		return nil, wrap("create history directory", err)
	}

	db, err := sql.Open("sqlite", buildDSN(trimmed))
	if err != nil {
		return nil, wrap("open history db", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("ping history db", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, wrap("create history schema", err)
	}
	return &Journal{path: trimmed, db: db}, nil
}

// buildDSN creates a read-write WAL DSN for the given path.
func buildDSN(dbPath string) string {
	u := url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(dbPath),
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(3000)")
	q.Add("_pragma", "foreign_keys(1)")
	u.RawQuery = q.Encode()
	return u.String()
}

// Path returns the database file location.
func (j *Journal) Path() string {
	return j.path
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores run and its steps atomically and returns the new run id.
func (j *Journal) Record(ctx context.Context, run Run) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("begin history tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (app_name, delta_path, patcher_path, started_at, finished_at, halted, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.AppName, run.DeltaPath, run.PatcherPath,
		formatTime(run.StartedAt), formatTime(run.FinishedAt),
		boolToInt(run.Halted), run.Error,
	)
	if err != nil {
		return 0, wrap("insert run", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("read run id", err)
	}

	for i, s := range run.Steps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO steps (run_id, seq, name, command, exit_code, duration_ms, stdout_len, stderr)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, s.Name, s.Command, s.ExitCode, s.Duration.Milliseconds(), s.StdoutLen, truncate(s.Stderr),
		); err != nil {
			return 0, wrap("insert step", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap("commit history tx", err)
	}
	return id, nil
}

// Recent returns up to limit runs, newest first, with their steps.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		return []Run{}, nil
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, app_name, delta_path, patcher_path, started_at, finished_at, halted, error
		FROM runs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("query runs", err)
	}

	runs := []Run{}
	for rows.Next() {
		var (
			r                 Run
			started, finished string
			halted            int
		)
		if err := rows.Scan(&r.ID, &r.AppName, &r.DeltaPath, &r.PatcherPath, &started, &finished, &halted, &r.Error); err != nil {
			_ = rows.Close()
			return nil, wrap("scan run", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.Halted = halted != 0
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, wrap("iterate runs", err)
	}
	_ = rows.Close()

	for i := range runs {
		steps, err := j.steps(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Steps = steps
	}
	return runs, nil
}

func (j *Journal) steps(ctx context.Context, runID int64) ([]Step, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT name, command, exit_code, duration_ms, stdout_len, stderr
		FROM steps
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, wrap("query steps", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var steps []Step
	for rows.Next() {
		var (
			s  Step
			ms int64
		)
		if err := rows.Scan(&s.Name, &s.Command, &s.ExitCode, &ms, &s.StdoutLen, &s.Stderr); err != nil {
			return nil, wrap("scan step", err)
		}
		s.Duration = time.Duration(ms) * time.Millisecond
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate steps", err)
	}
	return steps, nil
}

func wrap(msg string, err error) error {
	return appErrors.New(appErrors.CodeHistoryFailed, fmt.Sprintf("%s: %v", msg, err), err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// truncate caps s at maxStderrLen bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxStderrLen {
		return s
	}
	cut := maxStderrLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
