// Package config loads tmutil configuration from defaults, a config file,
// TMUTIL_ environment variables and command-line flags.
package config

import (
	"log/slog"
	"time"

	"github.com/leapstack-labs/tmutil/internal/adapter"
	"github.com/leapstack-labs/tmutil/internal/census"
	"github.com/leapstack-labs/tmutil/internal/summary"
	"github.com/leapstack-labs/tmutil/internal/taz"
	"github.com/leapstack-labs/tmutil/internal/validate"
)

// Config holds all CLI configuration options.
type Config struct {
	// ProjectRoot anchors relative paths. It is the directory of the config
	// file, or the working directory when no file was found.
	ProjectRoot string `koanf:"-"`
	// ConfigFile is the file that was loaded, if any.
	ConfigFile string `koanf:"-"`

	StatePath    string `koanf:"state_path"`
	WorkDir      string `koanf:"work_dir"`
	Verbose      bool   `koanf:"verbose"`
	OutputFormat string `koanf:"output"`

	Census   CensusConfig   `koanf:"census"`
	TAZ      taz.Config     `koanf:"taz"`
	Summary  SummaryConfig  `koanf:"summary"`
	Compare  ValidateConfig `koanf:"validate"`
	Archive  ArchiveConfig  `koanf:"archive"`
}

// CensusConfig configures the Census and LODES client.
type CensusConfig struct {
	BaseURL    string        `koanf:"base_url"`
	LODESURL   string        `koanf:"lodes_url"`
	APIKey     string        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	Backoff    time.Duration `koanf:"backoff"`
	// Refresh ignores cached downloads under work_dir.
	Refresh bool `koanf:"refresh"`
}

// ClientConfig converts to the census package configuration.
func (c CensusConfig) ClientConfig(logger *slog.Logger) census.Config {
	return census.Config{
		BaseURL:    c.BaseURL,
		LODESURL:   c.LODESURL,
		APIKey:     c.APIKey,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
		Backoff:    c.Backoff,
		Logger:     logger,
	}
}

// SummaryConfig configures the summarize command.
type SummaryConfig struct {
	// ModelDir holds the model output CSVs.
	ModelDir  string `koanf:"model_dir"`
	OutputDir string `koanf:"output_dir"`
	// Database is a DuckDB file, or empty for an in-memory database.
	Database    string               `koanf:"database"`
	Threads     int                  `koanf:"threads"`
	MemoryLimit string               `koanf:"memory_limit"`
	Summaries   []summary.Definition `koanf:"summaries"`
}

// AdapterConfig returns the DuckDB settings.
func (c SummaryConfig) AdapterConfig() adapter.Config {
	return adapter.Config{Path: c.Database, Threads: c.Threads, MemoryLimit: c.MemoryLimit}
}

// ValidateConfig configures the validate command.
type ValidateConfig struct {
	OutputDir   string                `koanf:"output_dir"`
	Comparisons []validate.Comparison `koanf:"comparisons"`
}

// ArchiveConfig configures the archive command.
type ArchiveConfig struct {
	Dest    string   `koanf:"dest"`
	Include []string `koanf:"include"`
	Exclude []string `koanf:"exclude"`
	Level   string   `koanf:"level"`
}

// Default configuration values.
const (
	DefaultStateFile       = ".tmutil/state.db"
	DefaultWorkDir         = ".tmutil/cache"
	DefaultOutput          = "auto" // terminal: text, piped: markdown
	DefaultSummaryDir      = "summaries"
	DefaultValidationDir   = "validation"
	DefaultArchiveDest     = "archives"
	DefaultTAZOutputDir    = "taz_output"
	DefaultCensusRetries   = 3
	DefaultCensusTimeout   = "2m"
	DefaultCensusBackoff   = "1s"
	DefaultCensusAPIKeyEnv = "CENSUS_API_KEY"
)
