package config

import (
	"errors"
	"fmt"

	"github.com/leapstack-labs/tmutil/internal/cli/output"
)

// Validate checks settings shared by every command.
func (c *Config) Validate() error {
	var errs []error
	if _, err := output.ParseMode(c.OutputFormat); err != nil {
		errs = append(errs, err)
	}
	if c.StatePath == "" {
		errs = append(errs, errors.New("state_path is required"))
	}
	if c.Census.MaxRetries < 0 {
		errs = append(errs, errors.New("census.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateSummary checks the summary section.
func (c *Config) ValidateSummary() error {
	var errs []error
	if c.Summary.ModelDir == "" {
		errs = append(errs, errors.New("summary.model_dir is required"))
	}
	if len(c.Summary.Summaries) == 0 {
		errs = append(errs, errors.New("summary.summaries is empty"))
	}
	for i, d := range c.Summary.Summaries {
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("summary.summaries[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateComparisons checks the validate section.
func (c *Config) ValidateComparisons() error {
	if len(c.Compare.Comparisons) == 0 {
		return errors.New("validate.comparisons is empty")
	}
	var errs []error
	for i, cmp := range c.Compare.Comparisons {
		if err := cmp.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("validate.comparisons[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateTAZ checks the taz section with defaults applied.
func (c *Config) ValidateTAZ() error {
	return c.TAZ.WithDefaults().Validate()
}
