package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-updater/internal/index"
)

// Config holds the settings shared by the updater commands.
type Config struct {
	// InstallDir is the installation root the updater manages.
	InstallDir string `mapstructure:"install_dir" yaml:"install_dir"`
	// ManifestURL is where the release manifest is published.
	ManifestURL string `mapstructure:"manifest_url" yaml:"manifest_url"`
	// Branch is the release branch to follow.
	Branch string `mapstructure:"branch" yaml:"branch"`
	// WorkDir holds session locks, staging and backup areas.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	// State configures the persistent version store.
	State StateConfig `mapstructure:"state" yaml:"state"`
	// Timeout bounds each network attempt.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Retry configures network retries.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
	// Parallelism bounds concurrent extraction and hashing.
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism,omitempty"`
	// Unlock configures how busy files are freed.
	Unlock UnlockConfig `mapstructure:"unlock" yaml:"unlock"`
	// Telemetry configures lifecycle event reporting.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	// LogLevel is the minimum level written to the log.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// LogFile, when set, receives a copy of the log.
	LogFile string `mapstructure:"log_file" yaml:"log_file,omitempty"`
}

// StateConfig selects the version store.
type StateConfig struct {
	// Backend is StateBackendFile or StateBackendSQLite.
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the store location; empty places it in the work directory.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
	// Key is the record holding the installed version.
	Key string `mapstructure:"key" yaml:"key"`
}

// RetryConfig bounds network retries.
type RetryConfig struct {
	// Attempts is the maximum number of tries per request.
	Attempts int `mapstructure:"attempts" yaml:"attempts"`
	// InitialBackoff is the first pause between tries.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	// MaxBackoff caps the pause between tries.
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// UnlockConfig controls the termination of processes holding installation files.
type UnlockConfig struct {
	// Enabled allows the updater to stop processes holding files it must replace.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Wait bounds how long to wait for a stopped process to exit.
	Wait time.Duration `mapstructure:"wait" yaml:"wait"`
}

// TelemetryConfig selects where lifecycle events go. Both empty disables telemetry.
type TelemetryConfig struct {
	// Endpoint is an HTTP collector URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// File is a local JSON lines file.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for updater settings.
	DefaultConfigFilename = "app-updater-settings.yaml"

	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "APP_UPDATER"

	// StateBackendFile stores the version in a JSON file.
	StateBackendFile = "file"
	// StateBackendSQLite stores the version in a SQLite database.
	StateBackendSQLite = "sqlite"

	// DefaultStateKey is the record holding the installed version.
	DefaultStateKey = "installed_version"

	// DefaultTimeout is the default duration of one network attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryAttempts is the default number of tries per request.
	DefaultRetryAttempts = 3
	// DefaultInitialBackoff is the default first pause between tries.
	DefaultInitialBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff is the default cap on the pause between tries.
	DefaultMaxBackoff = 5 * time.Second
	// DefaultUnlockWait is the default wait for a stopped process.
	DefaultUnlockWait = 10 * time.Second
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errManifestURLRequired is returned when the manifest URL is missing.
	errManifestURLRequired = errors.New("manifest url must be provided")
	// errUnknownStateBackend is returned for an unsupported state backend.
	errUnknownStateBackend = errors.New("unknown state backend")
	// errNegativeValue is returned for negative counts and durations.
	errNegativeValue = errors.New("value must not be negative")
)

// Load reads configuration from path, applies environment overrides and validates it.
// A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFilename
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	case len(bytes.TrimSpace(contents)) > 0:
		if err = v.MergeConfig(bytes.NewReader(contents)); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}

	var cfg Config
	if err = v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	return write(path, cfg)
}

// SaveShared writes settings meant to be shipped to other machines.
// The work directory and parallelism are written only when set explicitly,
// so each machine fills in its own defaults.
func SaveShared(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	shared := *cfg
	if err := Validate(&shared); err != nil {
		return err
	}

	shared.WorkDir = cfg.WorkDir
	shared.Parallelism = cfg.Parallelism

	return write(path, &shared)
}

func write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills in defaults.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.ManifestURL == "" {
		return errManifestURLRequired
	}

	if _, err := url.ParseRequestURI(settings.ManifestURL); err != nil {
		return fmt.Errorf("invalid manifest url: %w", err)
	}

	if settings.Branch == "" {
		settings.Branch = index.BranchStable
	}

	if err := index.ValidateBranch(settings.Branch); err != nil {
		return err
	}

	if settings.InstallDir == "" {
		settings.InstallDir = "."
	}

	if settings.WorkDir == "" {
		settings.WorkDir = DefaultWorkDir()
	}

	switch settings.State.Backend {
	case "":
		settings.State.Backend = StateBackendFile
	case StateBackendFile, StateBackendSQLite:
	default:
		return fmt.Errorf("%w: %q", errUnknownStateBackend, settings.State.Backend)
	}

	if settings.State.Key == "" {
		settings.State.Key = DefaultStateKey
	}

	if settings.Timeout < 0 || settings.Retry.Attempts < 0 || settings.Retry.InitialBackoff < 0 ||
		settings.Retry.MaxBackoff < 0 || settings.Parallelism < 0 || settings.Unlock.Wait < 0 {
		return errNegativeValue
	}

	// Set defaults for values not specified.
	if settings.Timeout == 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.Retry.Attempts == 0 {
		settings.Retry.Attempts = DefaultRetryAttempts
	}

	if settings.Retry.InitialBackoff == 0 {
		settings.Retry.InitialBackoff = DefaultInitialBackoff
	}

	if settings.Retry.MaxBackoff == 0 {
		settings.Retry.MaxBackoff = DefaultMaxBackoff
	}

	if settings.Parallelism == 0 {
		settings.Parallelism = runtime.NumCPU()
	}

	if settings.Unlock.Wait == 0 {
		settings.Unlock.Wait = DefaultUnlockWait
	}

	if settings.LogLevel == "" {
		settings.LogLevel = DefaultLogLevel
	}

	if settings.Telemetry.Endpoint != "" {
		if _, err := url.ParseRequestURI(settings.Telemetry.Endpoint); err != nil {
			return fmt.Errorf("invalid telemetry endpoint: %w", err)
		}
	}

	return nil
}

// DefaultWorkDir returns the per-user cache directory of the updater.
func DefaultWorkDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "app-updater")
	}

	return filepath.Join(os.TempDir(), "app-updater")
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("install_dir", "")
	v.SetDefault("manifest_url", "")
	v.SetDefault("branch", index.BranchStable)
	v.SetDefault("work_dir", "")
	v.SetDefault("state.backend", StateBackendFile)
	v.SetDefault("state.path", "")
	v.SetDefault("state.key", DefaultStateKey)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("retry.attempts", DefaultRetryAttempts)
	v.SetDefault("retry.initial_backoff", DefaultInitialBackoff)
	v.SetDefault("retry.max_backoff", DefaultMaxBackoff)
	v.SetDefault("parallelism", 0)
	v.SetDefault("unlock.enabled", false)
	v.SetDefault("unlock.wait", DefaultUnlockWait)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.file", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_file", "")
}
