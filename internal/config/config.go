package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	appErrors "mac-updater/internal/errors"
)

const (
	KeyApplicationsDir    = "applications-dir"
	KeyKillallPath        = "tools.killall"
	KeyOpenPath           = "tools.open"
	KeyHaltOnPatchFailure = "pipeline.halt-on-patch-failure"
	KeyStepTimeout        = "pipeline.step-timeout"
	KeyHistoryEnabled     = "history.enabled"
	KeyHistoryPath        = "history.path"
	KeyOutputProgress     = "output.progress"
	KeyDebug              = "debug"
)

const (
	// DefaultApplicationsDir is where installed bundles are looked up.
	DefaultApplicationsDir = "/Applications"
	// DirName is the per-user state directory under $HOME.
	DirName   = ".mac-updater"
	envPrefix = "MU"
)

type initSettings struct {
	userConfigPath string
	skipUserConfig bool
}

// Option configures Initialize behaviour. Useful for tests to override paths.
type Option func(*initSettings)

// WithUserConfig overrides the default user config path. An empty path
// disables the user config file entirely.
func WithUserConfig(path string) Option {
	return func(cfg *initSettings) {
		cfg.userConfigPath = path
		cfg.skipUserConfig = strings.TrimSpace(path) == ""
	}
}

var (
	configOnce sync.Once
	configMu   sync.RWMutex
	configInst *viper.Viper
	initErr    error
)

// Initialize loads configuration using the precedence:
// defaults < user config < environment variables < overrides.
//
// A user config file that cannot be read or parsed is reported as a
// CodeConfigurationError, but defaults and environment variables stay in
// effect so callers may continue with them.
func Initialize(opts ...Option) error {
	configOnce.Do(func() {
		settings := initSettings{}
		for _, opt := range opts {
			opt(&settings)
		}
		initErr = configure(&settings)
	})
	return initErr
}

// ApplyOverrides injects values set programmatically, winning over every
// other source.
func ApplyOverrides(overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	_ = Initialize()
	configMu.Lock()
	defer configMu.Unlock()
	if configInst == nil {
		return fmt.Errorf("configuration not initialized")
	}
	for k, v := range overrides {
		configInst.Set(k, v)
	}
	return nil
}

// GetString fetches a string configuration value, initializing on demand.
func GetString(key string) string {
	v, err := getViper()
	if err != nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool fetches a bool configuration value, initializing on demand.
func GetBool(key string) bool {
	v, err := getViper()
	if err != nil {
		return false
	}
	return v.GetBool(key)
}

// GetDuration fetches a duration configuration value, initializing on demand.
func GetDuration(key string) time.Duration {
	v, err := getViper()
	if err != nil {
		return 0
	}
	return v.GetDuration(key)
}

// HistoryPath returns the journal location, expanding a leading "~/" and
// falling back to ~/.mac-updater/history.db when unset.
func HistoryPath() (string, error) {
	path := strings.TrimSpace(GetString(KeyHistoryPath))
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determine user home: %w", err)
		}
		return filepath.Join(home, DirName, "history.db"), nil
	}
	return expandHome(path)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine user home: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

func configure(settings *initSettings) error {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configMu.Lock()
	configInst = v
	configMu.Unlock()

	userConfigPath := strings.TrimSpace(settings.userConfigPath)
	if userConfigPath == "" && !settings.skipUserConfig {
		path, err := defaultUserConfigPath()
		if err != nil {
			return appErrors.New(appErrors.CodeConfigurationError, err.Error(), err)
		}
		userConfigPath = path
	}

	if err := mergeConfigFile(v, userConfigPath); err != nil {
		return appErrors.New(appErrors.CodeConfigurationError, fmt.Sprintf("load user config: %v", err), err)
	}
	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	//nolint:gosec // G304: Config loader intentionally reads the user config file
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine user home: %w", err)
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyApplicationsDir, DefaultApplicationsDir)
	v.SetDefault(KeyKillallPath, "killall")
	v.SetDefault(KeyOpenPath, "open")
	v.SetDefault(KeyHaltOnPatchFailure, false)
	v.SetDefault(KeyStepTimeout, time.Duration(0))
	v.SetDefault(KeyHistoryEnabled, true)
	v.SetDefault(KeyHistoryPath, "")
	v.SetDefault(KeyOutputProgress, true)
	v.SetDefault(KeyDebug, false)
}

// getViper returns the loaded settings. A failed user config load still
// leaves defaults and environment variables available.
func getViper() (*viper.Viper, error) {
	_ = Initialize()
	configMu.RLock()
	defer configMu.RUnlock()
	if configInst == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return configInst, nil
}

// reset clears package state for tests.
func reset() {
	configMu.Lock()
	defer configMu.Unlock()
	configInst = nil
	initErr = nil
	configOnce = sync.Once{}
}

// ResetForTesting clears package state for tests in other packages and
// initializes without a user config file. Returns a cleanup function that
// should be deferred.
func ResetForTesting() func() {
	reset()
	_ = Initialize(WithUserConfig(""))
	return reset
}
