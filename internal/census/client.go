// Package census fetches American Community Survey, decennial Census and LODES
// data over HTTP and caches the results as CSV intermediate files.
package census

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/leapstack-labs/tmutil/internal/geo"
	"github.com/leapstack-labs/tmutil/internal/table"
)

// Default endpoints.
const (
	DefaultBaseURL  = "https://api.census.gov/data"
	DefaultLODESURL = "https://lehd.ces.census.gov/data/lodes"
)

// maxVariablesPerRequest is the Census API limit on get= variables.
const maxVariablesPerRequest = 49

// ErrNotFound is returned when the API has no data for a query.
var ErrNotFound = errors.New("census: no data")

// StatusError is a non-retryable HTTP error response.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("census: %s returned %d: %s", e.URL, e.Status, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	LODESURL   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// Backoff is the base delay of the exponential retry schedule.
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Census data API and the LODES file server.
type Client struct {
	baseURL    string
	lodesURL   string
	apiKey     string
	http       *http.Client
	maxRetries uint64
	backoff    time.Duration
	logger     *slog.Logger
}

// NewClient creates a client, filling unset config values with defaults.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		lodesURL:   strings.TrimRight(cfg.LODESURL, "/"),
		apiKey:     cfg.APIKey,
		http:       httpClient,
		maxRetries: uint64(maxRetries),
		backoff:    backoff,
		logger:     logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.lodesURL == "" {
		c.lodesURL = DefaultLODESURL
	}
	return c
}

// Query describes one Census API table request.
type Query struct {
	// Dataset is the API dataset path, e.g. "acs/acs5" or "dec/pl".
	Dataset string
	Year    int
	// Variables are the API variable names (B01003_001E, P1_001N, ...).
	Variables []string
	Level     geo.Level
	State     string
	// County restricts the query to one county; required for block and
	// block group requests.
	County string
}

func (q Query) validate() error {
	var errs []error
	if q.Dataset == "" {
		errs = append(errs, errors.New("dataset is required"))
	}
	if q.Year <= 0 {
		errs = append(errs, errors.New("year is required"))
	}
	if len(q.Variables) == 0 {
		errs = append(errs, errors.New("at least one variable is required"))
	}
	if len(q.State) != 2 {
		errs = append(errs, fmt.Errorf("state must be a two digit FIPS code, got %q", q.State))
	}
	if (q.Level == geo.Block || q.Level == geo.BlockGroup) && q.County == "" {
		errs = append(errs, fmt.Errorf("county is required for %s queries", q.Level))
	}
	return errors.Join(errs...)
}

// Get runs a query and returns a table keyed by GEOID with one column per
// variable. Negative values, which the API uses as annotation codes for
// suppressed or unavailable estimates, are stored as zero.
func (c *Client) Get(ctx context.Context, q Query) (*table.Table, error) {
	if err := q.validate(); err != nil {
		return nil, fmt.Errorf("invalid census query: %w", err)
	}

	out := table.New("GEOID")
	for start := 0; start < len(q.Variables); start += maxVariablesPerRequest {
		end := min(start+maxVariablesPerRequest, len(q.Variables))
		chunk := q.Variables[start:end]

		body, err := c.fetch(ctx, c.queryURL(q, chunk))
		if err != nil {
			return nil, err
		}
		t, err := decodeResponse(body, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s %d response: %w", q.Dataset, q.Year, err)
		}
		out.Merge(t)
	}

	c.logger.Debug("census query complete",
		slog.String("dataset", q.Dataset),
		slog.Int("year", q.Year),
		slog.String("level", q.Level.String()),
		slog.String("county", q.County),
		slog.Int("rows", out.Len()))
	return out, nil
}

func (c *Client) queryURL(q Query, vars []string) string {
	v := url.Values{}
	v.Set("get", strings.Join(vars, ","))
	v.Set("for", q.Level.String()+":*")

	in := []string{"state:" + q.State}
	if q.County != "" && q.Level != geo.County {
		in = append(in, "county:"+q.County)
	}
	if q.Level == geo.BlockGroup {
		in = append(in, "tract:*")
	}
	for _, s := range in {
		v.Add("in", s)
	}
	if q.Level == geo.County && q.County != "" {
		v.Set("for", "county:"+q.County)
	}
	if c.apiKey != "" {
		v.Set("key", c.apiKey)
	}
	return fmt.Sprintf("%s/%d/%s?%s", c.baseURL, q.Year, q.Dataset, v.Encode())
}

// decodeResponse parses the API's array-of-arrays JSON. The first row is the
// header; geography columns follow the requested variables.
func decodeResponse(body []byte, vars []string) (*table.Table, error) {
	var rows [][]*string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, ErrNotFound
	}

	header := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		if h != nil {
			header[*h] = i
		}
	}
	for _, v := range vars {
		if _, ok := header[v]; !ok {
			return nil, fmt.Errorf("variable %s missing from response", v)
		}
	}
	if _, ok := header["state"]; !ok {
		return nil, fmt.Errorf("state missing from response")
	}

	cell := func(row []*string, name string) string {
		i, ok := header[name]
		if !ok || i >= len(row) || row[i] == nil {
			return ""
		}
		return *row[i]
	}

	t := table.New("GEOID", vars...)
	for n, row := range rows[1:] {
		geoid := geo.Assemble(
			cell(row, "state"),
			cell(row, "county"),
			cell(row, "tract"),
			cell(row, "block group"),
			cell(row, "block"),
		)
		t.EnsureRow(geoid)
		for _, v := range vars {
			raw := cell(row, v)
			if raw == "" {
				continue
			}
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d variable %s: invalid value %q", n+1, v, raw)
			}
			if f < 0 {
				f = 0
			}
			t.Set(geoid, v, f)
		}
	}
	return t, nil
}

// fetch GETs a URL, retrying transport failures, 429 and 5xx responses with
// exponential backoff.
func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.backoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warn("census request failed", slog.String("url", redact(rawURL)), slog.Int("attempt", attempt), slog.Any("error", err))
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Warn("census request throttled or failed", slog.String("url", redact(rawURL)), slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt))
			return retry.RetryableError(fmt.Errorf("census: %s returned %d", redact(rawURL), resp.StatusCode))
		case resp.StatusCode >= 400:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{URL: redact(rawURL), Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read response: %w", err))
		}
		if len(b) == 0 {
			return ErrNotFound
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// redact strips the API key from URLs before they are logged.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("key") {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
