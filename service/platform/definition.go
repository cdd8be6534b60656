package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition describes a JSON-over-HTTP platform API that pages by number.
type Definition struct {
	Name       string            `yaml:"name"`
	AccountRef string            `yaml:"account_ref"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
	Query      map[string]string `yaml:"query"`
	PageSize   int               `yaml:"page_size"`
	Params     ParamNames        `yaml:"params"`

	// TimeFormat is the Go layout used for the begin/end query values.
	TimeFormat string `yaml:"time_format"`

	// Timezone is the zone begin/end are rendered in.
	Timezone string `yaml:"timezone"`

	// Records is a jq expression yielding each raw record of a response.
	Records string `yaml:"records"`

	// HasMore is a jq expression evaluated against the whole response. When
	// empty, a full page implies more pages.
	HasMore string `yaml:"has_more"`

	Fields FieldAliases `yaml:"fields"`

	Timeout  string `yaml:"timeout"`
	Interval string `yaml:"interval"`
}

// ParamNames are the query parameter names a platform uses.
type ParamNames struct {
	Begin    string `yaml:"begin"`
	End      string `yaml:"end"`
	Page     string `yaml:"page"`
	PageSize string `yaml:"page_size"`
}

type definitionsFile struct {
	Platforms []Definition `yaml:"platforms"`
}

// LoadDefinitions reads a YAML definitions file. Environment variables in the
// file are expanded before parsing so credentials can stay out of it.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform definitions: %w", err)
	}
	return ParseDefinitions([]byte(os.ExpandEnv(string(data))))
}

// ParseDefinitions parses and validates YAML definitions, filling defaults.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse platform definitions: %w", err)
	}

	seen := make(map[string]bool)
	var errs []error
	for i := range f.Platforms {
		d := &f.Platforms[i]
		d.applyDefaults()
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("platform %q defined twice", d.Name))
		}
		seen[d.Name] = true
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid platform definitions: %v", errs)
	}
	return f.Platforms, nil
}

func (d *Definition) applyDefaults() {
	if d.Method == "" {
		d.Method = "GET"
	}
	if d.TimeFormat == "" {
		d.TimeFormat = time.DateOnly
	}
	if d.Timezone == "" {
		d.Timezone = "UTC"
	}
	if d.Params.Begin == "" {
		d.Params.Begin = "start_date"
	}
	if d.Params.End == "" {
		d.Params.End = "end_date"
	}
	if d.Params.Page == "" {
		d.Params.Page = "page"
	}
	if d.Records == "" {
		d.Records = ".[]"
	}
	if d.AccountRef == "" {
		d.AccountRef = d.Name
	}
}

// Validate checks a definition after defaults are applied.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("platform name is required")
	}
	if d.URL == "" {
		return fmt.Errorf("platform %q: url is required", d.Name)
	}
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		return fmt.Errorf("platform %q: invalid timezone %q: %w", d.Name, d.Timezone, err)
	}
	if _, err := d.TimeoutDuration(); err != nil {
		return fmt.Errorf("platform %q: %w", d.Name, err)
	}
	if _, err := d.IntervalDuration(); err != nil {
		return fmt.Errorf("platform %q: %w", d.Name, err)
	}
	if len(d.Fields.TransactionID) == 0 {
		return fmt.Errorf("platform %q: fields.transaction_id is required", d.Name)
	}
	return nil
}

// Location returns the platform's time zone.
func (d Definition) Location() *time.Location {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TimeoutDuration returns the per-request timeout, 30s by default.
func (d Definition) TimeoutDuration() (time.Duration, error) {
	return parseOptionalDuration("timeout", d.Timeout, 30*time.Second)
}

// IntervalDuration returns the schedule interval, zero when unset.
func (d Definition) IntervalDuration() (time.Duration, error) {
	return parseOptionalDuration("interval", d.Interval, 0)
}

func parseOptionalDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return v, nil
}
