package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whep-bench/whepbench/internal/bench"
)

type Config struct {
	Target   TargetConfig   `yaml:"target"`
	Plan     PlanConfig     `yaml:"plan"`
	Session  SessionConfig  `yaml:"session"`
	Observer ObserverConfig `yaml:"observer"`
	Log      LogConfig      `yaml:"log"`
	Report   ReportConfig   `yaml:"report"`
}

type TargetConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type PlanConfig struct {
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"`
	Lifetime time.Duration `yaml:"lifetime"`
}

type SessionConfig struct {
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`
	TeardownTimeout  time.Duration `yaml:"teardown_timeout"`
	BindAddress      string        `yaml:"bind_address"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
	UserAgent        string        `yaml:"user_agent"`
}

type ObserverConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Token             string        `yaml:"token"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SysmonInterval    time.Duration `yaml:"sysmon_interval"`
	// MaxConnections caps concurrent WebSocket clients; 0 means no cap.
	MaxConnections int `yaml:"max_connections"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type ReportConfig struct {
	JSONPath string `yaml:"json_path"`
	Markdown bool   `yaml:"markdown"`
}

func Default() *Config {
	return &Config{
		Plan: PlanConfig{
			Count:    1,
			Interval: time.Second,
			Lifetime: 60 * time.Second,
		},
		Session: SessionConfig{
			NegotiateTimeout: 10 * time.Second,
			TeardownTimeout:  5 * time.Second,
			BindAddress:      "0.0.0.0",
			StatsInterval:    2 * time.Second,
			UserAgent:        "whep-bench",
		},
		Observer: ObserverConfig{
			Host:              "127.0.0.1",
			Port:              9100,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
			SysmonInterval:    time.Second,
			MaxConnections:    32,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Report: ReportConfig{
			Markdown: true,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays the target from WHEP_URL/WHEP_TOKEN, falling back to
// URL/TOKEN.
func (c *Config) ApplyEnv() {
	if v := firstEnv("WHEP_URL", "URL"); v != "" {
		c.Target.URL = v
	}
	if v := firstEnv("WHEP_TOKEN", "TOKEN"); v != "" {
		c.Target.Token = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func (c *Config) Validate() error {
	var errs []error
	if c.Target.URL == "" {
		errs = append(errs, errors.New("target.url is required"))
	} else if u, err := url.Parse(c.Target.URL); err != nil || u.Host == "" ||
		(u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("target.url %q is not an http(s) url", c.Target.URL))
	}
	if err := c.Plan.toPlan().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.NegotiateTimeout <= 0 {
		errs = append(errs, errors.New("session.negotiate_timeout must be positive"))
	}
	if c.Session.TeardownTimeout <= 0 {
		errs = append(errs, errors.New("session.teardown_timeout must be positive"))
	}
	if c.Session.StatsInterval <= 0 {
		errs = append(errs, errors.New("session.stats_interval must be positive"))
	}
	if c.Observer.Enabled && (c.Observer.Port <= 0 || c.Observer.Port > 65535) {
		errs = append(errs, fmt.Errorf("observer.port %d out of range", c.Observer.Port))
	}
	if c.Observer.MaxConnections < 0 {
		errs = append(errs, errors.New("observer.max_connections must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) BenchPlan() bench.Plan {
	return c.Plan.toPlan()
}

func (p PlanConfig) toPlan() bench.Plan {
	return bench.Plan{Count: p.Count, Interval: p.Interval, Lifetime: p.Lifetime}
}

// ObserverAddr is the listen address of the observer server.
func (c *Config) ObserverAddr() string {
	return fmt.Sprintf("%s:%d", c.Observer.Host, c.Observer.Port)
}
