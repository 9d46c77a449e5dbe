// Package config loads the client configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/habedi/convo/auth"
	"github.com/habedi/convo/client"
	"github.com/habedi/convo/db"
	"github.com/habedi/convo/netmon"
	"github.com/habedi/convo/pkg/retry"
	"github.com/habedi/convo/pkg/validation"
	"github.com/habedi/convo/stream"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file.
const (
	EnvBaseURL = "CONVO_BASE_URL"
	EnvDBPath  = "CONVO_DB_PATH"
	EnvDebug   = "CONVO_DEBUG"
)

// DefaultBaseURL is the backend used when nothing else is configured.
const DefaultBaseURL = "http://localhost:8000"

// Path is the default config file location.
var Path = filepath.Join(os.Getenv("HOME"), ".convo/config.yaml")

// Retry mirrors retry.Policy in file form.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Factor     float64       `yaml:"factor"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Probe configures the reachability monitor.
type Probe struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config is the full client configuration. Durations are Go duration strings in YAML ("5m", "30s").
type Config struct {
	BaseURL          string           `yaml:"base_url"`
	Endpoints        client.Endpoints `yaml:"endpoints"`
	DBPath           string           `yaml:"db_path"`
	RefreshLookAhead time.Duration    `yaml:"refresh_look_ahead"`
	HTTPTimeout      time.Duration    `yaml:"http_timeout"`
	Retry            Retry            `yaml:"retry"`
	StreamMaxRetries int              `yaml:"stream_max_retries"`
	Probe            Probe            `yaml:"probe"`
	RequestsPerSec   float64          `yaml:"requests_per_second"`
	VerifyOnCheck    bool             `yaml:"verify_on_check"`
	Debug            bool             `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	p := retry.Default()
	return Config{
		BaseURL:          DefaultBaseURL,
		Endpoints:        client.DefaultEndpoints(),
		DBPath:           db.Path,
		RefreshLookAhead: auth.DefaultLookAhead,
		HTTPTimeout:      client.DefaultTimeout,
		Retry: Retry{
			MaxRetries: p.MaxRetries,
			BaseDelay:  p.BaseDelay,
			Factor:     p.Factor,
			MaxDelay:   p.MaxDelay,
		},
		StreamMaxRetries: stream.DefaultMaxRetries,
		Probe: Probe{
			Interval: netmon.DefaultInterval,
			Timeout:  netmon.DefaultTimeout,
		},
	}
}

// Load reads path over the defaults, then applies the environment. A missing file is not an error.
// An empty path means Path.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = Path
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug().Str("path", path).Msg("No config file, using defaults")
	case err != nil:
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillEndpoints()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDebug)); v != "" {
		c.Debug = ParseDebug(v)
	}
}

// ParseDebug reads a CONVO_DEBUG value: "", "0" and "false" mean off, anything else on.
func ParseDebug(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false":
		return false
	}
	return true
}

// fillEndpoints restores defaults for endpoints a partial file left empty.
func (c *Config) fillEndpoints() {
	d := client.DefaultEndpoints()
	e := &c.Endpoints
	for _, p := range []struct {
		field *string
		def   string
	}{
		{&e.Login, d.Login}, {&e.Refresh, d.Refresh}, {&e.Logout, d.Logout}, {&e.Me, d.Me},
		{&e.Verify, d.Verify}, {&e.Chat, d.Chat}, {&e.Health, d.Health},
	} {
		if *p.field == "" {
			*p.field = p.def
		}
	}
}

// Validate checks every field and joins all problems into one error.
func (c Config) Validate() error {
	var errs []error
	if err := validation.ValidateBaseURL(c.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if err := validation.ValidateNonEmptyString("db_path", c.DBPath); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"refresh_look_ahead": c.RefreshLookAhead,
		"http_timeout":       c.HTTPTimeout,
		"retry.base_delay":   c.Retry.BaseDelay,
		"retry.max_delay":    c.Retry.MaxDelay,
		"probe.interval":     c.Probe.Interval,
		"probe.timeout":      c.Probe.Timeout,
	} {
		if err := validation.ValidatePositiveDuration(name, d); err != nil {
			errs = append(errs, err)
		}
	}
	if err := validation.ValidateRetryCount("retry.max_retries", c.Retry.MaxRetries); err != nil {
		errs = append(errs, err)
	}
	if err := validation.ValidateRetryCount("stream_max_retries", c.StreamMaxRetries); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.Factor < 1 {
		errs = append(errs, fmt.Errorf("retry.factor must be at least 1, got %g", c.Retry.Factor))
	}
	if c.RequestsPerSec < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second cannot be negative, got %g", c.RequestsPerSec))
	}
	for _, p := range []string{c.Endpoints.Login, c.Endpoints.Refresh, c.Endpoints.Logout, c.Endpoints.Me,
		c.Endpoints.Verify, c.Endpoints.Chat, c.Endpoints.Health} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("endpoint %q must start with /", p))
		}
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the file form into a retry.Policy with the default jitter.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.Default()
	p.MaxRetries = c.Retry.MaxRetries
	p.BaseDelay = c.Retry.BaseDelay
	p.Factor = c.Retry.Factor
	p.MaxDelay = c.Retry.MaxDelay
	return p
}
