package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	appErrors "mac-updater/internal/errors"
)

func TestInitializeLoadsDefaults(t *testing.T) {
	reset()
	t.Cleanup(reset)

	tmp := t.TempDir()
	if err := Initialize(WithUserConfig(filepath.Join(tmp, "missing.yaml"))); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	if got := GetString(KeyApplicationsDir); got != DefaultApplicationsDir {
		t.Fatalf("expected default %s = %q, got %q", KeyApplicationsDir, DefaultApplicationsDir, got)
	}
	if got := GetString(KeyKillallPath); got != "killall" {
		t.Fatalf("expected default %s = killall, got %q", KeyKillallPath, got)
	}
	if got := GetString(KeyOpenPath); got != "open" {
		t.Fatalf("expected default %s = open, got %q", KeyOpenPath, got)
	}
	if GetBool(KeyHaltOnPatchFailure) {
		t.Fatalf("expected default %s to be false", KeyHaltOnPatchFailure)
	}
	if got := GetDuration(KeyStepTimeout); got != 0 {
		t.Fatalf("expected no default step timeout, got %v", got)
	}
	if !GetBool(KeyHistoryEnabled) {
		t.Fatalf("expected default %s to be true", KeyHistoryEnabled)
	}
	if !GetBool(KeyOutputProgress) {
		t.Fatalf("expected default %s to be true", KeyOutputProgress)
	}
	if GetBool(KeyDebug) {
		t.Fatalf("expected default %s to be false", KeyDebug)
	}
}

func TestUserConfigOverridesDefaults(t *testing.T) {
	reset()
	t.Cleanup(reset)

	tmp := t.TempDir()
	userCfg := filepath.Join(tmp, "config.yaml")
	writeFile(t, userCfg, `
applications-dir: /Users/me/Applications
tools:
  killall: /usr/bin/killall
pipeline:
  halt-on-patch-failure: true
  step-timeout: 90s
`)

	if err := Initialize(WithUserConfig(userCfg)); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	if got := GetString(KeyApplicationsDir); got != "/Users/me/Applications" {
		t.Fatalf("expected user config applications dir, got %q", got)
	}
	if got := GetString(KeyKillallPath); got != "/usr/bin/killall" {
		t.Fatalf("expected user config killall path, got %q", got)
	}
	if got := GetString(KeyOpenPath); got != "open" {
		t.Fatalf("unset keys should keep defaults, got %q", got)
	}
	if !GetBool(KeyHaltOnPatchFailure) {
		t.Fatal("expected halt-on-patch-failure from user config")
	}
	if got := GetDuration(KeyStepTimeout); got != 90*time.Second {
		t.Fatalf("expected 90s step timeout, got %v", got)
	}
}

func TestEnvironmentAndOverridesPrecedence(t *testing.T) {
	reset()
	t.Cleanup(reset)

	tmp := t.TempDir()
	userCfg := filepath.Join(tmp, "config.yaml")
	writeFile(t, userCfg, `
history:
  enabled: true
  path: /user/history.db
`)

	t.Setenv("MU_HISTORY_ENABLED", "false")
	t.Setenv("MU_PIPELINE_HALT_ON_PATCH_FAILURE", "true")

	if err := Initialize(WithUserConfig(userCfg)); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	if GetBool(KeyHistoryEnabled) {
		t.Fatalf("expected environment variable to override %s", KeyHistoryEnabled)
	}
	if !GetBool(KeyHaltOnPatchFailure) {
		t.Fatalf("expected environment variable to set %s", KeyHaltOnPatchFailure)
	}
	if got := GetString(KeyHistoryPath); got != "/user/history.db" {
		t.Fatalf("expected user config history path, got %q", got)
	}

	if err := ApplyOverrides(map[string]any{KeyHistoryEnabled: true}); err != nil {
		t.Fatalf("ApplyOverrides returned error: %v", err)
	}
	if !GetBool(KeyHistoryEnabled) {
		t.Fatalf("expected override to win for %s", KeyHistoryEnabled)
	}
}

func TestEmptyUserConfigIsIgnored(t *testing.T) {
	reset()
	t.Cleanup(reset)

	userCfg := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, userCfg, "   \n")

	if err := Initialize(WithUserConfig(userCfg)); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if got := GetString(KeyApplicationsDir); got != DefaultApplicationsDir {
		t.Fatalf("expected defaults with empty config, got %q", got)
	}
}

func TestUserConfigDirectoryIsAnError(t *testing.T) {
	reset()
	t.Cleanup(reset)

	dir := t.TempDir()
	err := Initialize(WithUserConfig(dir))
	if err == nil {
		t.Fatal("expected error when user config path is a directory")
	}
	if !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !appErrors.IsCode(err, appErrors.CodeConfigurationError) {
		t.Fatalf("expected %s, got %s", appErrors.CodeConfigurationError, appErrors.CodeOf(err))
	}
}

func TestMalformedUserConfigKeepsDefaults(t *testing.T) {
	reset()
	t.Cleanup(reset)
	t.Setenv("MU_TOOLS_OPEN", "/usr/bin/open")

	userCfg := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, userCfg, "pipeline: [unterminated\n")

	err := Initialize(WithUserConfig(userCfg))
	if err == nil {
		t.Fatal("expected parse error for malformed yaml")
	}
	if !appErrors.IsCode(err, appErrors.CodeConfigurationError) {
		t.Fatalf("expected %s, got %s", appErrors.CodeConfigurationError, appErrors.CodeOf(err))
	}

	if got := GetString(KeyKillallPath); got != "killall" {
		t.Fatalf("expected default killall after parse error, got %q", got)
	}
	if got := GetString(KeyOpenPath); got != "/usr/bin/open" {
		t.Fatalf("expected env value to survive parse error, got %q", got)
	}
	if !GetBool(KeyHistoryEnabled) {
		t.Fatal("expected default history.enabled after parse error")
	}
	if err := ApplyOverrides(map[string]any{KeyDebug: true}); err != nil {
		t.Fatalf("ApplyOverrides after parse error: %v", err)
	}
	if !GetBool(KeyDebug) {
		t.Fatal("override not applied after parse error")
	}
}

func TestHistoryPath(t *testing.T) {
	cleanup := ResetForTesting()
	t.Cleanup(cleanup)

	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := HistoryPath()
	if err != nil {
		t.Fatalf("HistoryPath: %v", err)
	}
	if want := filepath.Join(home, DirName, "history.db"); path != want {
		t.Fatalf("default history path = %q, want %q", path, want)
	}

	if err := ApplyOverrides(map[string]any{KeyHistoryPath: "~/journal/runs.db"}); err != nil {
		t.Fatalf("ApplyOverrides: %v", err)
	}
	path, err = HistoryPath()
	if err != nil {
		t.Fatalf("HistoryPath: %v", err)
	}
	if want := filepath.Join(home, "journal", "runs.db"); path != want {
		t.Fatalf("expanded history path = %q, want %q", path, want)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}
