package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings"`
	Inputs    []InputConfig   `yaml:"inputs"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Cache     CacheConfig     `yaml:"cache"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`

	// Parallelism bounds concurrent file decodes; zero means one worker
	// per CPU.
	Parallelism int `yaml:"parallelism"`

	// FailFast aborts the run on the first undecodable file. By default
	// such files are skipped and reported.
	FailFast bool `yaml:"failFast"`
}

// InputConfig represents one input file or glob pattern
type InputConfig struct {
	// Path is a file path or glob pattern.
	Path string `yaml:"path"`

	// Format pins the instrument format; empty means auto-detect.
	Format string `yaml:"format"`

	// SampleRate supplies the rate for rate-less formats, in Hz, as an
	// integer, decimal or num/den fraction.
	SampleRate string `yaml:"sampleRate"`

	// ChannelMap renames source trace identifiers to channel names.
	ChannelMap map[string]string `yaml:"channelMap"`
}

// ReconcileConfig represents continuity policies
type ReconcileConfig struct {
	// GapTolerance overrides the half-sample-period default, e.g. "20ms".
	GapTolerance string `yaml:"gapTolerance"`

	TrimOverlaps     bool `yaml:"trimOverlaps"`
	AllowRateChanges bool `yaml:"allowRateChanges"`
}

// CacheConfig represents the decode cache settings
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads and validates the YAML configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if len(config.Inputs) == 0 {
		return nil, fmt.Errorf("no inputs specified in configuration")
	}
	for i, in := range config.Inputs {
		if in.Path == "" {
			return nil, fmt.Errorf("input %d has no path", i)
		}
	}
	if config.Cache.Enabled && config.Cache.Path == "" {
		return nil, fmt.Errorf("cache is enabled but has no path")
	}
	if _, err := config.Reconcile.Tolerance(); err != nil {
		return nil, err
	}
	if _, err := config.Settings.Level(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("parsing log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}

// Tolerance parses the configured gap tolerance; zero keeps the
// half-sample-period default.
func (r ReconcileConfig) Tolerance() (time.Duration, error) {
	if r.GapTolerance == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.GapTolerance)
	if err != nil {
		return 0, fmt.Errorf("parsing gap tolerance %q: %w", r.GapTolerance, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("gap tolerance %q is negative", r.GapTolerance)
	}
	return d, nil
}
