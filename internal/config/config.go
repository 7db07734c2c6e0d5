package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seaotterie/Grant-Automation-sub007/internal/budget"
	"github.com/seaotterie/Grant-Automation-sub007/internal/cache"
	"github.com/seaotterie/Grant-Automation-sub007/internal/gate"
	"github.com/seaotterie/Grant-Automation-sub007/internal/state"
)

// DefaultDatabase is the database path used when the config omits one.
const DefaultDatabase = "gatekeeper.db"

// Duration wraps time.Duration so YAML can carry values like "24h" or
// "90m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the full gatekeeper configuration.
type Config struct {
	Database string                `yaml:"database"`
	Cache    CacheConfig           `yaml:"cache"`
	State    StateConfig           `yaml:"state"`
	Accounts []AccountConfig       `yaml:"accounts"`
	Steps    map[string]StepConfig `yaml:"steps"`
}

// CacheConfig tunes the cache store's TTLs.
type CacheConfig struct {
	DefaultTTL Duration            `yaml:"default_ttl"`
	TypeTTLs   map[string]Duration `yaml:"type_ttls"`
}

// StateConfig tunes the state tracker's recovery windows.
type StateConfig struct {
	StaleAfter Duration `yaml:"stale_after"`
	RetryAfter Duration `yaml:"retry_after"`
}

// AccountConfig declares one budget account.
type AccountConfig struct {
	Name              string             `yaml:"name"`
	TotalAllocated    float64            `yaml:"total_allocated"`
	Period            string             `yaml:"period"`
	PeriodStart       string             `yaml:"period_start"` // RFC 3339, fixed period only
	PeriodEnd         string             `yaml:"period_end"`   // RFC 3339, fixed period only
	WarningThreshold  float64            `yaml:"warning_threshold"`
	CriticalThreshold float64            `yaml:"critical_threshold"`
	Categories        map[string]float64 `yaml:"categories"`
}

// StepConfig declares one step profile.
type StepConfig struct {
	Service  string   `yaml:"service"`
	Category string   `yaml:"category"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

// Load reads, validates and decodes a YAML config file. The raw bytes
// are checked against the embedded CUE schema before decoding, so
// shape errors carry source positions.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	cfg := &Config{Database: DefaultDatabase}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	return cfg, nil
}

// CacheOptions translates the cache section into store options.
func (c *Config) CacheOptions() []cache.Option {
	var opts []cache.Option
	if c.Cache.DefaultTTL.Duration > 0 {
		opts = append(opts, cache.WithDefaultTTL(c.Cache.DefaultTTL.Duration))
	}
	for cacheType, ttl := range c.Cache.TypeTTLs {
		opts = append(opts, cache.WithTypeTTL(cacheType, ttl.Duration))
	}
	return opts
}

// StateOptions translates the state section into tracker options.
func (c *Config) StateOptions() []state.Option {
	var opts []state.Option
	if c.State.StaleAfter.Duration > 0 {
		opts = append(opts, state.WithStaleAfter(c.State.StaleAfter.Duration))
	}
	if c.State.RetryAfter.Duration > 0 {
		opts = append(opts, state.WithRetryAfter(c.State.RetryAfter.Duration))
	}
	return opts
}

// AccountSpecs translates the accounts section into ledger specs.
func (c *Config) AccountSpecs() ([]budget.AccountSpec, error) {
	specs := make([]budget.AccountSpec, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		spec := budget.AccountSpec{
			Name:              a.Name,
			TotalAllocated:    a.TotalAllocated,
			PeriodKind:        budget.PeriodKind(a.Period),
			WarningThreshold:  a.WarningThreshold,
			CriticalThreshold: a.CriticalThreshold,
			Categories:        a.Categories,
		}
		if spec.PeriodKind == budget.PeriodFixed {
			start, err := time.Parse(time.RFC3339, a.PeriodStart)
			if err != nil {
				return nil, fmt.Errorf("account %q: invalid period_start: %w", a.Name, err)
			}
			end, err := time.Parse(time.RFC3339, a.PeriodEnd)
			if err != nil {
				return nil, fmt.Errorf("account %q: invalid period_end: %w", a.Name, err)
			}
			if !end.After(start) {
				return nil, fmt.Errorf("account %q: period_end must be after period_start", a.Name)
			}
			spec.PeriodStart = start
			spec.PeriodEnd = end
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Profiles translates the steps section into gate profiles, on top of
// the built-in defaults.
func (c *Config) Profiles() map[string]gate.StepProfile {
	profiles := gate.DefaultProfiles()
	for step, s := range c.Steps {
		p := profiles[step]
		if s.Service != "" {
			p.Service = s.Service
		}
		if s.Category != "" {
			p.Category = s.Category
		}
		if s.CacheTTL.Duration > 0 {
			p.CacheTTL = s.CacheTTL.Duration
		}
		if p.Service == "" {
			p.Service = step
		}
		if p.Category == "" {
			p.Category = step
		}
		profiles[step] = p
	}
	return profiles
}
