// Package config loads worker configuration. Environment variables override
// the config file, which overrides built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vinayprograms/taskengine/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. TASKENGINE_DATABASE_URL.
const EnvPrefix = "TASKENGINE"

// Config holds the configuration for the worker process.
type Config struct {
	Database struct {
		URL      string `mapstructure:"url"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"database"`

	Engine struct {
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
		ReclaimInterval   time.Duration `mapstructure:"reclaim_interval"`
		ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
		AllowedWorkflows  []string      `mapstructure:"allowed_workflows"`
		WorkerID          string        `mapstructure:"worker_id"`
	} `mapstructure:"engine"`

	Agent struct {
		MaxSteps            int `mapstructure:"max_steps"`
		MaxTokens           int `mapstructure:"max_tokens"`
		TraceTextMax        int `mapstructure:"trace_text_max"`
		HistoryLimit        int `mapstructure:"history_limit"`
		ChannelHistoryLimit int `mapstructure:"channel_history_limit"`
	} `mapstructure:"agent"`

	LLM struct {
		DefaultModel      string        `mapstructure:"default_model"`
		CacheTTL          time.Duration `mapstructure:"cache_ttl"`
		Timeout           time.Duration `mapstructure:"timeout"`
		RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	} `mapstructure:"llm"`

	Tools struct {
		HTTPTimeout           time.Duration `mapstructure:"http_timeout"`
		HTTPRequestsPerMinute int           `mapstructure:"http_requests_per_minute"`
	} `mapstructure:"tools"`

	Vault struct {
		Key string `mapstructure:"key"`
	} `mapstructure:"vault"`

	Bus struct {
		Kind    string `mapstructure:"kind"`
		NATSURL string `mapstructure:"nats_url"`
	} `mapstructure:"bus"`

	Relay struct {
		APIURL  string        `mapstructure:"api_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"relay"`

	Server struct {
		Addr          string `mapstructure:"addr"`
		WebhookSecret string `mapstructure:"webhook_secret"`
	} `mapstructure:"server"`

	Telemetry struct {
		Enabled       bool   `mapstructure:"enabled"`
		Exporter      string `mapstructure:"exporter"`
		Endpoint      string `mapstructure:"endpoint"`
		Insecure      bool   `mapstructure:"insecure"`
		ServiceName   string `mapstructure:"service_name"`
		PostgresSpans bool   `mapstructure:"postgres_spans"`
	} `mapstructure:"telemetry"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Bus kinds.
const (
	BusPostgres = "postgres"
	BusNATS     = "nats"
	BusMemory   = "memory"
)

var defaults = map[string]any{
	"database.url":       "",
	"database.max_conns": 10,

	"engine.poll_interval":      5 * time.Second,
	"engine.heartbeat_interval": 30 * time.Second,
	"engine.stale_timeout":      10 * time.Minute,
	"engine.reclaim_interval":   60 * time.Second,
	"engine.shutdown_grace":     30 * time.Second,
	"engine.allowed_workflows":  []string{},
	"engine.worker_id":          "",

	"agent.max_steps":             10,
	"agent.max_tokens":            4096,
	"agent.trace_text_max":        4000,
	"agent.history_limit":         50,
	"agent.channel_history_limit": 30,

	"llm.default_model":       "openai/gpt-4o",
	"llm.cache_ttl":           60 * time.Second,
	"llm.timeout":             120 * time.Second,
	"llm.requests_per_minute": 0,

	"tools.http_timeout":             30 * time.Second,
	"tools.http_requests_per_minute": 0,

	"vault.key": "",

	"bus.kind":     BusPostgres,
	"bus.nats_url": "nats://127.0.0.1:4222",

	"relay.api_url": "http://localhost:8000",
	"relay.api_key": "",
	"relay.timeout": 5 * time.Second,

	"server.addr":           ":8080",
	"server.webhook_secret": "",

	"telemetry.enabled":        false,
	"telemetry.exporter":       telemetry.ExporterHTTP,
	"telemetry.endpoint":       "",
	"telemetry.insecure":       true,
	"telemetry.service_name":   "taskengine",
	"telemetry.postgres_spans": false,

	"log.level": "info",
}

// Load reads configuration. An empty path searches for taskengine.yaml in
// the working directory and /etc/taskengine and tolerates its absence; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("taskengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskengine")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Bus.Kind = strings.ToLower(strings.TrimSpace(c.Bus.Kind))
	c.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(c.Telemetry.Exporter))
	c.Relay.APIURL = strings.TrimRight(strings.TrimSpace(c.Relay.APIURL), "/")

	workflows := c.Engine.AllowedWorkflows[:0]
	for _, w := range c.Engine.AllowedWorkflows {
		if w = strings.TrimSpace(w); w != "" {
			workflows = append(workflows, w)
		}
	}
	c.Engine.AllowedWorkflows = workflows

	if c.Engine.WorkerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Engine.WorkerID = host
		}
	}
}

// Validate checks the scheduler timing invariants and enumerated values.
// The stale timeout must exceed two heartbeat intervals so a healthy task
// is never reclaimed.
func (c *Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"engine.poll_interval", c.Engine.PollInterval},
		{"engine.heartbeat_interval", c.Engine.HeartbeatInterval},
		{"engine.stale_timeout", c.Engine.StaleTimeout},
		{"engine.reclaim_interval", c.Engine.ReclaimInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.Engine.HeartbeatInterval > 0 && c.Engine.StaleTimeout <= 2*c.Engine.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("engine.stale_timeout (%s) must exceed twice engine.heartbeat_interval (%s)",
			c.Engine.StaleTimeout, c.Engine.HeartbeatInterval))
	}
	if c.Engine.ShutdownGrace < 0 {
		errs = append(errs, errors.New("engine.shutdown_grace must not be negative"))
	}
	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, errors.New("agent.max_steps must be positive"))
	}
	switch c.Bus.Kind {
	case BusPostgres, BusNATS, BusMemory:
	default:
		errs = append(errs, fmt.Errorf("bus.kind %q is not one of postgres, nats, memory", c.Bus.Kind))
	}
	switch c.Telemetry.Exporter {
	case telemetry.ExporterGRPC, telemetry.ExporterHTTP, telemetry.ExporterStdout, telemetry.ExporterNone:
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not one of grpc, http, stdout, none", c.Telemetry.Exporter))
	}
	return errors.Join(errs...)
}

// RequireDatabase reports a missing database.url.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set %s_DATABASE_URL)", EnvPrefix)
	}
	return nil
}
