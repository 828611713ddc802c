package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// loggerKey is used to store the logger in context.
type loggerKey struct{}

// configKey is used to store the loaded config in context.
type configKey struct{}

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: TMUTIL_CENSUS__API_KEY sets census.api_key.
const EnvPrefix = "TMUTIL_"

// maxUpwardSearchLevels limits how far up the directory tree to search for config files.
const maxUpwardSearchLevels = 10

// configNames are searched in order in each directory.
var configNames = []string{"tmutil.yaml", "tmutil.yml", "tmutil.toml"}

// flagKeys maps flag names to config keys where they differ.
var flagKeys = map[string]string{
	"state":    "state_path",
	"work-dir": "work_dir",
}

// pathFlags are resolved against the working directory rather than the
// project root.
var pathFlags = map[string]bool{"state": true, "work-dir": true}

// configIn returns the config file in dir, if any.
func configIn(dir string) string {
	for _, name := range configNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// findConfigUpward searches upward from startDir for a config file.
func findConfigUpward(startDir string) string {
	dir := startDir
	for i := 0; i < maxUpwardSearchLevels; i++ {
		if path := configIn(dir); path != "" {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// resolvePathRelativeTo resolves a path relative to baseDir if it's not absolute.
func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Parser()
	}
	return yaml.Parser()
}

func defaults() map[string]any {
	return map[string]any{
		"state_path":          DefaultStateFile,
		"work_dir":            DefaultWorkDir,
		"verbose":             false,
		"output":              DefaultOutput,
		"census.max_retries":  DefaultCensusRetries,
		"census.timeout":      DefaultCensusTimeout,
		"census.backoff":      DefaultCensusBackoff,
		"summary.output_dir":  DefaultSummaryDir,
		"validate.output_dir": DefaultValidationDir,
		"archive.dest":        DefaultArchiveDest,
		"taz.output_dir":      DefaultTAZOutputDir,
	}
}

// envKey maps TMUTIL_CENSUS__API_KEY to census.api_key.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Load loads configuration from file, environment variables, and flags.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
// An empty cfgFile searches upward from the working directory.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if cfgFile == "" {
		cfgFile = findConfigUpward(cwd)
	} else if _, err := os.Stat(cfgFile); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	projectRoot := cwd
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		cfgFile = abs
		projectRoot = filepath.Dir(abs)
		if err := k.Load(file.Provider(cfgFile), parserFor(cfgFile)); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// 3. Environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags that were explicitly set
	flagPaths := make(map[string]string)
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			if pathFlags[f.Name] && f.Value.String() != "" {
				abs, err := filepath.Abs(f.Value.String())
				if err == nil {
					flagPaths[key] = abs
				}
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// 5. Unmarshal. Comma separated strings from env decode into lists.
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           &cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
		},
	}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ProjectRoot = projectRoot
	cfg.ConfigFile = cfgFile

	// 6. Resolve paths
	cfg.resolvePaths()
	if p, ok := flagPaths["state_path"]; ok {
		cfg.StatePath = p
	}
	if p, ok := flagPaths["work_dir"]; ok {
		cfg.WorkDir = p
	}

	cfg.Census.APIKey = expandEnvVars(cfg.Census.APIKey)
	if cfg.Census.APIKey == "" {
		cfg.Census.APIKey = os.Getenv(DefaultCensusAPIKeyEnv)
	}

	return &cfg, nil
}

func (c *Config) resolvePaths() {
	root := c.ProjectRoot
	c.StatePath = resolvePathRelativeTo(c.StatePath, root)
	c.WorkDir = resolvePathRelativeTo(c.WorkDir, root)

	c.TAZ.CrosswalkPath = resolvePathRelativeTo(c.TAZ.CrosswalkPath, root)
	c.TAZ.ControlsPath = resolvePathRelativeTo(c.TAZ.ControlsPath, root)
	c.TAZ.AttributesPath = resolvePathRelativeTo(c.TAZ.AttributesPath, root)
	c.TAZ.OutputDir = resolvePathRelativeTo(c.TAZ.OutputDir, root)

	c.Summary.ModelDir = resolvePathRelativeTo(c.Summary.ModelDir, root)
	c.Summary.OutputDir = resolvePathRelativeTo(c.Summary.OutputDir, root)
	c.Summary.Database = resolvePathRelativeTo(c.Summary.Database, root)

	c.Compare.OutputDir = resolvePathRelativeTo(c.Compare.OutputDir, root)
	for i := range c.Compare.Comparisons {
		cmp := &c.Compare.Comparisons[i]
		cmp.Model = resolvePathRelativeTo(cmp.Model, root)
		cmp.Observed = resolvePathRelativeTo(cmp.Observed, root)
	}

	c.Archive.Dest = resolvePathRelativeTo(c.Archive.Dest, root)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns. Unknown variables are left as is.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val := os.Getenv(match[2 : len(match)-1]); val != "" {
			return val
		}
		return match
	})
}

// NewLogger builds the command logger: a text handler at Debug level when
// verbose, Info otherwise.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// WithLogger stores the logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger retrieves the logger from the command context.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// WithConfig stores the loaded config in ctx.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext returns the config stored by the root command, loading one
// from the working directory when none is present.
func FromContext(ctx context.Context) (*Config, error) {
	if c, ok := ctx.Value(configKey{}).(*Config); ok {
		return c, nil
	}
	return Load("", nil)
}
