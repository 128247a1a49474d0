package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// CatalogEnvPrefix overrides catalog keys from the environment, for example
// SENTINEL_CATALOG__DEFAULTS__CALL_TIMEOUT=5s
const CatalogEnvPrefix = "SENTINEL_CATALOG__"

// Catalog declares the detectors to run, the downstream destinations guarded
// by the resilience manager and the investigation tools bound to them
type Catalog struct {
	Defaults     DestinationSpec   `yaml:"defaults"`
	Detectors    []DetectorSpec    `yaml:"detectors"`
	Destinations []DestinationSpec `yaml:"destinations"`
	Tools        []ToolSpec        `yaml:"tools"`
}

// DetectorSpec configures one scan
type DetectorSpec struct {
	Name            string              `yaml:"name"`
	Strategy        string              `yaml:"strategy"`
	Metrics         []string            `yaml:"metrics"`
	CohortBy        []string            `yaml:"cohort_by"`
	Cohorts         []map[string]string `yaml:"cohorts"`
	EntityDimension string              `yaml:"entity_dimension"`
	EntityType      string              `yaml:"entity_type"`
	Lookback        time.Duration       `yaml:"lookback"`
	Params          DetectorParams      `yaml:"params"`
}

// DetectorParams are the gating and scoring parameters of a detector
type DetectorParams struct {
	MinSupport  int     `yaml:"min_support"`
	K           float64 `yaml:"k"`
	Persistence int     `yaml:"persistence"`
	Baseline    int     `yaml:"baseline"`
	Season      int     `yaml:"season"`
	Alpha       float64 `yaml:"alpha"`
	// Warmup is the reference points needed before a window is scored
	Warmup int `yaml:"warmup"`
	// MaxScore caps the score of a window against a flat baseline
	MaxScore float64 `yaml:"max_score"`
}

// DestinationSpec configures the resilience primitives for one destination
type DestinationSpec struct {
	Name               string        `yaml:"name"`
	MaxConnections     int           `yaml:"max_connections"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	RateLimitPerSecond int           `yaml:"rate_limit_per_second"`
	RateLimitMaxWait   time.Duration `yaml:"rate_limit_max_wait"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	Retry              RetrySpec     `yaml:"retry"`
}

// RetrySpec configures backoff between attempts
type RetrySpec struct {
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            *bool         `yaml:"jitter"`
}

// ToolSpec binds an investigation tool to an HTTP endpoint and a destination
type ToolSpec struct {
	Name        string            `yaml:"name"`
	Destination string            `yaml:"destination"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	EntityField string            `yaml:"entity_field"`
}

// LoadCatalog reads the YAML catalog at path and applies environment overrides
func LoadCatalog(path string) (*Catalog, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}

	envProvider := env.Provider(CatalogEnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, CatalogEnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load catalog overrides: %w", err)
	}

	var cat Catalog
	if err := k.UnmarshalWithConf("", &cat, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	cat.applyDefaults()
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("catalog validation failed: %w", err)
	}
	return &cat, nil
}

// Encode writes the effective catalog as YAML
func (c *Catalog) Encode(w io.Writer) error {
	enc := yamlv3.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(c)
}

func (c *Catalog) applyDefaults() {
	d := &c.Defaults
	setInt(&d.MaxConnections, 10)
	setInt(&d.FailureThreshold, 5)
	setDuration(&d.RecoveryTimeout, 60*time.Second)
	setInt(&d.RateLimitPerSecond, 50)
	setDuration(&d.RateLimitMaxWait, 5*time.Second)
	setDuration(&d.CallTimeout, 30*time.Second)
	setDuration(&d.Retry.InitialDelay, 100*time.Millisecond)
	setDuration(&d.Retry.MaxDelay, 10*time.Second)
	if d.Retry.BackoffMultiplier <= 0 {
		d.Retry.BackoffMultiplier = 2.0
	}
	if d.Retry.Jitter == nil {
		on := true
		d.Retry.Jitter = &on
	}

	for i := range c.Destinations {
		dst := &c.Destinations[i]
		setInt(&dst.MaxConnections, d.MaxConnections)
		setInt(&dst.FailureThreshold, d.FailureThreshold)
		setDuration(&dst.RecoveryTimeout, d.RecoveryTimeout)
		setInt(&dst.RateLimitPerSecond, d.RateLimitPerSecond)
		setDuration(&dst.RateLimitMaxWait, d.RateLimitMaxWait)
		setDuration(&dst.CallTimeout, d.CallTimeout)
		setDuration(&dst.Retry.InitialDelay, d.Retry.InitialDelay)
		setDuration(&dst.Retry.MaxDelay, d.Retry.MaxDelay)
		if dst.Retry.BackoffMultiplier <= 0 {
			dst.Retry.BackoffMultiplier = d.Retry.BackoffMultiplier
		}
		if dst.Retry.Jitter == nil {
			dst.Retry.Jitter = d.Retry.Jitter
		}
	}

	for i := range c.Detectors {
		det := &c.Detectors[i]
		if det.Strategy == "" {
			det.Strategy = "zscore"
		}
		setDuration(&det.Lookback, 24*time.Hour)
		setInt(&det.Params.MinSupport, 5)
		setInt(&det.Params.Persistence, 1)
		if det.Params.K <= 0 {
			det.Params.K = 3.0
		}
		if det.EntityType == "" {
			det.EntityType = det.EntityDimension
		}
	}

	for i := range c.Tools {
		if c.Tools[i].Method == "" {
			c.Tools[i].Method = "POST"
		}
		if c.Tools[i].EntityField == "" {
			c.Tools[i].EntityField = "entity_id"
		}
	}
}

// Validate checks names, references and ranges
func (c *Catalog) Validate() error {
	destinations := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		if d.Name == "" {
			return fmt.Errorf("destination name is required")
		}
		if destinations[d.Name] {
			return fmt.Errorf("duplicate destination %q", d.Name)
		}
		if d.MaxConnections < 0 || d.FailureThreshold < 0 || d.RateLimitPerSecond < 0 {
			return fmt.Errorf("destination %q: limits must not be negative", d.Name)
		}
		destinations[d.Name] = true
	}

	detectors := make(map[string]bool, len(c.Detectors))
	for _, d := range c.Detectors {
		if d.Name == "" {
			return fmt.Errorf("detector name is required")
		}
		if detectors[d.Name] {
			return fmt.Errorf("duplicate detector %q", d.Name)
		}
		if len(d.Metrics) == 0 {
			return fmt.Errorf("detector %q: at least one metric is required", d.Name)
		}
		if d.EntityDimension == "" {
			return fmt.Errorf("detector %q: entity_dimension is required", d.Name)
		}
		if d.Params.Warmup < 0 || d.Params.MaxScore < 0 {
			return fmt.Errorf("detector %q: warmup and max_score must not be negative", d.Name)
		}
		if d.Params.Persistence > d.Params.MinSupport && d.Params.MinSupport > 0 {
			return fmt.Errorf("detector %q: persistence %d exceeds min_support %d", d.Name, d.Params.Persistence, d.Params.MinSupport)
		}
		detectors[d.Name] = true
	}

	tools := make(map[string]bool, len(c.Tools))
	for _, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool name is required")
		}
		if tools[t.Name] {
			return fmt.Errorf("duplicate tool %q", t.Name)
		}
		if !destinations[t.Destination] {
			return fmt.Errorf("tool %q references unknown destination %q", t.Name, t.Destination)
		}
		if t.URL == "" {
			return fmt.Errorf("tool %q: url is required", t.Name)
		}
		tools[t.Name] = true
	}

	return nil
}

// Detector returns the detector spec with the given name
func (c *Catalog) Detector(name string) (DetectorSpec, bool) {
	for _, d := range c.Detectors {
		if d.Name == name {
			return d, true
		}
	}
	return DetectorSpec{}, false
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
