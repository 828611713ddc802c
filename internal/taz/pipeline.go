package taz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/leapstack-labs/tmutil/internal/census"
	"github.com/leapstack-labs/tmutil/internal/geo"
	"github.com/leapstack-labs/tmutil/internal/state"
	"github.com/leapstack-labs/tmutil/internal/table"
)

// Config drives one pipeline invocation.
type Config struct {
	// State is the two digit state FIPS code.
	State string `koanf:"state"`
	// StateAbbr is the postal abbreviation used by LODES file names.
	StateAbbr string `koanf:"state_abbr"`
	// Counties are three digit county codes within State.
	Counties []string `koanf:"counties"`

	ACSYear          int    `koanf:"acs_year"`
	ACSDataset       string `koanf:"acs_dataset"`
	DecennialYear    int    `koanf:"decennial_year"`
	DecennialDataset string `koanf:"decennial_dataset"`
	LODESYear        int    `koanf:"lodes_year"`
	LODESVersion     string `koanf:"lodes_version"`
	LODESSegment     string `koanf:"lodes_segment"`
	LODESJobType     string `koanf:"lodes_job_type"`

	CrosswalkPath    string   `koanf:"crosswalk"`
	ControlsPath     string   `koanf:"controls"`
	AttributesPath   string   `koanf:"attributes"`
	AttributeColumns []string `koanf:"attribute_columns"`

	OutputDir         string   `koanf:"output_dir"`
	TAZDataFile       string   `koanf:"taz_data_file"`
	CountySummaryFile string   `koanf:"county_summary_file"`
	OutputColumns     []string `koanf:"output_columns"`

	Recipes []Recipe            `koanf:"recipes"`
	Sectors map[string][]string `koanf:"sectors"`
	Groups  []Group             `koanf:"groups"`
	// Required fields must have a control total for every county.
	Required  []string         `koanf:"required"`
	Reconcile ReconcileOptions `koanf:"reconcile"`

	// Concurrency bounds the number of county requests in flight.
	Concurrency int `koanf:"concurrency"`
}

// WithDefaults fills unset values.
func (c Config) WithDefaults() Config {
	if c.ACSDataset == "" {
		c.ACSDataset = "acs/acs5"
	}
	if c.DecennialYear == 0 {
		c.DecennialYear = 2020
	}
	if c.DecennialDataset == "" {
		c.DecennialDataset = "dec/pl"
	}
	if c.LODESYear == 0 {
		c.LODESYear = c.ACSYear
	}
	if len(c.Recipes) == 0 {
		c.Recipes = DefaultRecipes()
	} else {
		c.Recipes = slices.Clone(c.Recipes)
	}
	for i := range c.Recipes {
		// errors surface from Validate
		_ = c.Recipes[i].Resolve()
	}
	if len(c.Sectors) == 0 {
		c.Sectors = DefaultSectors()
	}
	if c.Groups == nil {
		c.Groups = DefaultGroups()
	}
	if c.TAZDataFile == "" {
		c.TAZDataFile = "taz_data.csv"
	}
	if c.CountySummaryFile == "" {
		c.CountySummaryFile = "county_summary.csv"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Validate reports every missing or malformed setting.
func (c Config) Validate() error {
	var errs []error
	if len(c.State) != 2 {
		errs = append(errs, fmt.Errorf("taz.state must be a two digit FIPS code"))
	}
	if len(c.Counties) == 0 {
		errs = append(errs, fmt.Errorf("taz.counties is required"))
	}
	for _, county := range c.Counties {
		if len(county) != 3 {
			errs = append(errs, fmt.Errorf("taz.counties: %q is not a three digit county code", county))
		}
	}
	if c.ACSYear <= 0 {
		errs = append(errs, fmt.Errorf("taz.acs_year is required"))
	}
	if c.CrosswalkPath == "" {
		errs = append(errs, fmt.Errorf("taz.crosswalk is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, fmt.Errorf("taz.output_dir is required"))
	}
	for _, r := range c.Recipes {
		if err := r.Resolve(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fetcher retrieves Census and LODES tables. *census.Client implements it.
type Fetcher interface {
	Get(ctx context.Context, q census.Query) (*table.Table, error)
	WAC(ctx context.Context, q census.LODESQuery) (*table.Table, error)
}

// RunRecorder records the pipeline run lifecycle.
type RunRecorder interface {
	CreateRun(ctx context.Context, kind, name string) (*state.Run, error)
	CompleteRun(ctx context.Context, id string, status state.RunStatus, errMsg string) error
}

// Result is everything the pipeline produced.
type Result struct {
	// TAZ is the final TAZ data.
	TAZ *table.Table
	// TAZCounty maps each TAZ to its county FIPS code.
	TAZCounty map[string]string
	// Factors holds one entry per county field.
	Factors []Factor
	// Final is the county sums of TAZ after redistribution.
	Final     *table.Table
	Reconcile []ReconcileResult
	Summary   *Summary

	NormalizedBlocks  []string
	MissingAttributes []string
}

// ZeroBase returns the factors that could not be applied.
func (r *Result) ZeroBase() []Factor {
	var out []Factor
	for _, f := range r.Factors {
		if f.ZeroBase {
			out = append(out, f)
		}
	}
	return out
}

// Pipeline fetches inputs and builds TAZ data.
type Pipeline struct {
	cfg     Config
	fetcher Fetcher
	cache   *census.Cache
	runs    RunRecorder
	logger  *slog.Logger
}

// New creates a pipeline. cache and runs may be nil.
func New(cfg Config, fetcher Fetcher, cache *census.Cache, runs RunRecorder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cache == nil {
		cache = census.NewCache(filepath.Join(os.TempDir(), "tmutil-cache"), true, logger)
	}
	return &Pipeline{cfg: cfg.WithDefaults(), fetcher: fetcher, cache: cache, runs: runs, logger: logger}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Fetch gathers ACS, decennial block and LODES inputs, through the cache.
func (p *Pipeline) Fetch(ctx context.Context) (Inputs, error) {
	in := Inputs{ACS: make(map[geo.Level]*table.Table)}

	byLevel := make(map[geo.Level][]string)
	for _, r := range p.cfg.Recipes {
		byLevel[r.Level] = appendUnique(byLevel[r.Level], r.Variables...)
	}
	levels := make([]geo.Level, 0, len(byLevel))
	for l := range byLevel {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	for _, level := range levels {
		vars := byLevel[level]
		name := p.cacheName(fmt.Sprintf("acs_%d_%s", p.cfg.ACSYear, strings.ReplaceAll(level.String(), " ", "_")),
			append([]string{p.cfg.ACSDataset}, vars...)...)
		t, err := p.cache.Table(ctx, name, func(ctx context.Context) (*table.Table, error) {
			p.logger.Info("fetching acs", slog.String("level", level.String()), slog.Int("variables", len(vars)))
			return census.FetchCounties(ctx, p.cfg.Counties, p.cfg.Concurrency, func(ctx context.Context, county string) (*table.Table, error) {
				return p.fetcher.Get(ctx, census.Query{
					Dataset:   p.cfg.ACSDataset,
					Year:      p.cfg.ACSYear,
					Variables: vars,
					Level:     level,
					State:     p.cfg.State,
					County:    county,
				})
			})
		})
		if err != nil {
			return in, fmt.Errorf("acs %s: %w", level, err)
		}
		in.ACS[level] = t
	}

	blocks, err := p.cache.Table(ctx, p.cacheName(fmt.Sprintf("blocks_%d", p.cfg.DecennialYear), p.cfg.DecennialDataset), p.fetchBlocks)
	if err != nil {
		return in, fmt.Errorf("decennial blocks: %w", err)
	}
	in.Blocks = blocks

	if p.cfg.StateAbbr == "" {
		p.logger.Warn("taz.state_abbr not set, skipping LODES employment")
		return in, nil
	}
	jobs, err := p.cache.Table(ctx, p.cacheName(fmt.Sprintf("wac_%d_%s", p.cfg.LODESYear, strings.ToLower(p.cfg.StateAbbr)),
		p.cfg.LODESVersion, p.cfg.LODESSegment, p.cfg.LODESJobType), func(ctx context.Context) (*table.Table, error) {
		p.logger.Info("fetching lodes wac", slog.String("state", p.cfg.StateAbbr), slog.Int("year", p.cfg.LODESYear))
		wac, err := p.fetcher.WAC(ctx, census.LODESQuery{
			Version: p.cfg.LODESVersion,
			State:   p.cfg.StateAbbr,
			Segment: p.cfg.LODESSegment,
			JobType: p.cfg.LODESJobType,
			Year:    p.cfg.LODESYear,
		})
		if err != nil {
			return nil, err
		}
		return p.countyRows(wac), nil
	})
	if err != nil {
		return in, fmt.Errorf("lodes: %w", err)
	}
	in.Jobs = jobs
	return in, nil
}

// cacheName keys a cache entry by state, the sorted counties and a digest of
// the request parameters, so changing any of them misses the cache.
func (p *Pipeline) cacheName(prefix string, params ...string) string {
	counties := slices.Clone(p.cfg.Counties)
	sort.Strings(counties)
	params = slices.Clone(params)
	sort.Strings(params)
	sum := sha256.Sum256([]byte(strings.Join(params, "\x00")))
	return fmt.Sprintf("%s_%s_%s_%s", prefix, p.cfg.State, strings.Join(counties, "-"), hex.EncodeToString(sum[:4]))
}

func (p *Pipeline) fetchBlocks(ctx context.Context) (*table.Table, error) {
	weights := make([]string, 0, len(DecennialWeightVariables))
	for w := range DecennialWeightVariables {
		weights = append(weights, w)
	}
	sort.Strings(weights)
	vars := make([]string, len(weights))
	for i, w := range weights {
		vars[i] = DecennialWeightVariables[w]
	}

	p.logger.Info("fetching decennial blocks", slog.Int("year", p.cfg.DecennialYear))
	raw, err := census.FetchCounties(ctx, p.cfg.Counties, p.cfg.Concurrency, func(ctx context.Context, county string) (*table.Table, error) {
		return p.fetcher.Get(ctx, census.Query{
			Dataset:   p.cfg.DecennialDataset,
			Year:      p.cfg.DecennialYear,
			Variables: vars,
			Level:     geo.Block,
			State:     p.cfg.State,
			County:    county,
		})
	})
	if err != nil {
		return nil, err
	}

	out := table.New("GEOID", weights...)
	for _, b := range raw.Keys() {
		out.EnsureRow(b)
		for i, w := range weights {
			out.Set(b, w, raw.Get(b, vars[i]))
		}
	}
	return out, nil
}

// countyRows keeps the blocks of the configured counties.
func (p *Pipeline) countyRows(t *table.Table) *table.Table {
	keep := make(map[string]bool, len(p.cfg.Counties))
	for _, c := range p.cfg.Counties {
		keep[p.cfg.State+c] = true
	}
	return t.GroupBy(t.Key, func(b string) string {
		if keep[geo.CountyOf(b)] {
			return b
		}
		return ""
	})
}

// Run executes the whole pipeline and writes its outputs. The run is recorded
// when a recorder was given.
func (p *Pipeline) Run(ctx context.Context) (res *Result, err error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}

	if p.runs != nil {
		run, rerr := p.runs.CreateRun(ctx, state.KindTAZ, strconv.Itoa(p.cfg.ACSYear))
		if rerr != nil {
			return nil, fmt.Errorf("failed to record run: %w", rerr)
		}
		p.logger.Debug("created run", slog.String("run_id", run.ID))
		defer func() {
			status, msg := state.RunStatusCompleted, ""
			if err != nil {
				status, msg = state.RunStatusFailed, err.Error()
			}
			if cerr := p.runs.CompleteRun(context.WithoutCancel(ctx), run.ID, status, msg); cerr != nil {
				p.logger.Warn("failed to complete run", slog.String("run_id", run.ID), slog.Any("error", cerr))
			}
		}()
	}

	xw, err := readCrosswalk(p.cfg.CrosswalkPath)
	if err != nil {
		return nil, err
	}
	controls, err := p.readControls()
	if err != nil {
		return nil, err
	}
	attrs, err := p.readAttributes()
	if err != nil {
		return nil, err
	}

	in, err := p.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	res, err = Build(in, xw, controls, attrs, p.cfg, p.logger)
	if err != nil {
		return nil, err
	}
	if err := p.Write(res); err != nil {
		return nil, err
	}
	return res, nil
}

func readCrosswalk(path string) (*geo.Crosswalk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open crosswalk: %w", err)
	}
	defer func() { _ = f.Close() }()

	xw, err := geo.ReadCrosswalk(f, geo.CrosswalkOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read crosswalk %s: %w", path, err)
	}
	return xw, nil
}

func (p *Pipeline) readControls() (*Controls, error) {
	if p.cfg.ControlsPath == "" {
		if len(p.cfg.Required) > 0 {
			return nil, fmt.Errorf("%w: taz.controls is not set but taz.required lists %s", ErrMissingControl, strings.Join(p.cfg.Required, ", "))
		}
		return NewControls(), nil
	}
	f, err := os.Open(p.cfg.ControlsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open controls: %w", err)
	}
	defer func() { _ = f.Close() }()

	c, err := ReadControls(f, p.cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to read controls %s: %w", p.cfg.ControlsPath, err)
	}
	return c, nil
}

func (p *Pipeline) readAttributes() (*table.Table, error) {
	if p.cfg.AttributesPath == "" {
		return nil, nil
	}
	f, err := os.Open(p.cfg.AttributesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open taz attributes: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadAttributes(f, p.cfg.AttributeColumns)
}

// Build runs the summarize, target, redistribution and join phases on
// already fetched inputs.
func Build(in Inputs, xw *geo.Crosswalk, controls *Controls, attrs *table.Table, cfg Config, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.WithDefaults()
	for _, r := range cfg.Recipes {
		if err := r.Resolve(); err != nil {
			return nil, err
		}
	}

	res := &Result{NormalizedBlocks: xw.Normalize()}
	if n := len(res.NormalizedBlocks); n > 0 {
		logger.Warn("crosswalk shares normalized", slog.Int("blocks", n))
	}
	res.TAZCounty = xw.TAZCounty()

	sum, err := Summarize(in, cfg.Recipes, cfg.Sectors, xw)
	if err != nil {
		return nil, err
	}
	res.Summary = sum
	for level, parents := range sum.Unallocated {
		if len(parents) > 0 {
			logger.Warn("geographies without blocks", slog.String("level", level.String()), slog.Int("count", len(parents)))
		}
	}
	if n := len(sum.UnmatchedBlocks); n > 0 {
		logger.Warn("blocks missing from crosswalk", slog.Int("count", n))
	}

	data := sum.TAZ
	fields := data.Columns()
	base := CountyBase(data, res.TAZCounty)

	res.Factors, err = BuildTargets(base, controls, fields, cfg.Required)
	if err != nil {
		return nil, err
	}
	for _, f := range res.ZeroBase() {
		logger.Warn("county has no base to scale, leaving values unchanged",
			slog.String("county", f.County), slog.String("field", f.Field), slog.Float64("target", f.Target))
	}
	ApplyFactors(data, res.TAZCounty, res.Factors)

	for _, g := range cfg.Groups {
		if !hasColumns(data, append([]string{g.Total}, g.Members...)) {
			logger.Debug("skipping reconciliation group", slog.String("group", g.Name))
			continue
		}
		rr := Reconcile(data, res.TAZCounty, g, res.Factors, cfg.Reconcile)
		res.Reconcile = append(res.Reconcile, rr)
		logger.Debug("reconciled group",
			slog.String("group", g.Name), slog.Int("iterations", rr.Iterations), slog.Float64("max_error", rr.MaxError))
		if !rr.Converged {
			logger.Warn("reconciliation did not converge", slog.String("group", g.Name), slog.Float64("max_error", rr.MaxError))
		}
		if len(rr.Skipped) > 0 {
			logger.Warn("reconciliation skipped counties", slog.String("group", g.Name), slog.Any("counties", rr.Skipped))
		}
		if len(rr.Rescaled) > 0 {
			logger.Warn("member controls disagree with the group total, rescaled to the total",
				slog.String("group", g.Name), slog.String("total", g.Total), slog.Any("counties", rr.Rescaled))
		}
	}

	if err := Integerize(data, res.TAZCounty, fields, cfg.Groups); err != nil {
		return nil, err
	}
	res.Final = CountyBase(data, res.TAZCounty)

	Derive(data)
	res.MissingAttributes = JoinAttributes(data, attrs, res.TAZCounty)
	if n := len(res.MissingAttributes); n > 0 {
		logger.Warn("taz without attributes", slog.Int("count", n))
	}
	res.TAZ = data
	return res, nil
}

func hasColumns(t *table.Table, cols []string) bool {
	for _, c := range cols {
		if !t.HasColumn(c) {
			return false
		}
	}
	return true
}

// Write writes taz_data.csv and county_summary.csv to the output directory.
func (p *Pipeline) Write(res *Result) error {
	if err := os.MkdirAll(p.cfg.OutputDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	write := func(name string, fn func(f *os.File) error) error {
		path := filepath.Join(p.cfg.OutputDir, name)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		if err := fn(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", path, err)
		}
		p.logger.Info("wrote output", slog.String("path", path))
		return nil
	}

	if err := write(p.cfg.TAZDataFile, func(f *os.File) error {
		return WriteTAZData(f, res.TAZ, p.cfg.OutputColumns)
	}); err != nil {
		return err
	}
	return write(p.cfg.CountySummaryFile, func(f *os.File) error {
		return WriteCountySummary(f, res.Factors, res.Final)
	})
}
