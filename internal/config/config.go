// Package config loads vaxsync settings from defaults, an optional file and
// VAXSYNC_* environment variables, and derives the component configs.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/connectivity"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/internal/logging"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/replay"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/statusfeed"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/syncqueue"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxserver"
	"github.com/Robert-kent-prog/Vaccine-Tracker-sub001/vaxstore"
)

// EnvPrefix prefixes every environment override, e.g. VAXSYNC_REMOTE_BASE_URL.
const EnvPrefix = "VAXSYNC"

type Config struct {
	Store  StoreConfig    `mapstructure:"store"`
	Queue  QueueConfig    `mapstructure:"queue"`
	Remote RemoteConfig   `mapstructure:"remote"`
	Auth   AuthConfig     `mapstructure:"auth"`
	Sync   SyncConfig     `mapstructure:"sync"`
	Feed   FeedConfig     `mapstructure:"feed"`
	Server ServerConfig   `mapstructure:"server"`
	Log    logging.Config `mapstructure:"log"`
}

type StoreConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type QueueConfig struct {
	RetryBudget    int           `mapstructure:"retry_budget"`
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	HealthURL      string        `mapstructure:"health_url"` // defaults to BaseURL + /health
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

type AuthConfig struct {
	UserID   string        `mapstructure:"user_id"`
	Password string        `mapstructure:"password"`
	Secret   string        `mapstructure:"secret"` // when set, tokens are signed locally
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type SyncConfig struct {
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	RetryWhilePending bool          `mapstructure:"retry_while_pending"`
	DrainOnStart      bool          `mapstructure:"drain_on_start"`
	DrainOnEnqueue    bool          `mapstructure:"drain_on_enqueue"`
	LogStageTimings   bool          `mapstructure:"log_stage_timings"`
}

type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	DatabaseURL     string        `mapstructure:"database_url"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	LogRequests     bool          `mapstructure:"log_requests"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "vaxsync.db")
	v.SetDefault("store.busy_timeout", 5*time.Second)

	v.SetDefault("queue.retry_budget", 3)
	v.SetDefault("queue.audit_retention", time.Duration(0))

	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.health_url", "")
	v.SetDefault("remote.request_timeout", 30*time.Second)
	v.SetDefault("remote.rate_per_second", 10.0)
	v.SetDefault("remote.burst", 5)
	v.SetDefault("remote.probe_interval", 10*time.Second)
	v.SetDefault("remote.probe_timeout", 3*time.Second)

	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("sync.backoff_min", time.Second)
	v.SetDefault("sync.backoff_max", 60*time.Second)
	v.SetDefault("sync.retry_while_pending", true)
	v.SetDefault("sync.drain_on_start", true)
	v.SetDefault("sync.drain_on_enqueue", true)
	v.SetDefault("sync.log_stage_timings", false)

	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.addr", ":8090")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.database_url", "")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 15*time.Minute)
	v.SetDefault("server.max_payload_bytes", 64*1024)
	v.SetDefault("server.log_requests", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads the configuration. path may be empty; a missing explicit file
// is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Queue.RetryBudget < 1 {
		errs = append(errs, fmt.Errorf("queue.retry_budget must be at least 1, got %d", c.Queue.RetryBudget))
	}
	if c.Sync.BackoffMin <= 0 || c.Sync.BackoffMax < c.Sync.BackoffMin {
		errs = append(errs, fmt.Errorf("sync backoff range %s..%s is invalid", c.Sync.BackoffMin, c.Sync.BackoffMax))
	}
	return errors.Join(errs...)
}

func (c *Config) StoreConfig() *vaxstore.Config {
	sc := vaxstore.DefaultConfig(c.Store.Path)
	if c.Store.BusyTimeout > 0 {
		sc.BusyTimeout = c.Store.BusyTimeout
	}
	return sc
}

func (c *Config) QueueConfig() *syncqueue.Config {
	qc := syncqueue.DefaultConfig()
	qc.RetryBudget = c.Queue.RetryBudget
	qc.AuditRetention = c.Queue.AuditRetention
	return qc
}

func (c *Config) HTTPConfig() *replay.HTTPConfig {
	hc := replay.DefaultHTTPConfig(c.Remote.BaseURL)
	hc.RequestTimeout = c.Remote.RequestTimeout
	hc.RatePerSecond = c.Remote.RatePerSecond
	hc.Burst = c.Remote.Burst
	return hc
}

func (c *Config) ManagerConfig() *replay.Config {
	return &replay.Config{LogStageTimings: c.Sync.LogStageTimings}
}

func (c *Config) OrchestratorConfig() *connectivity.Config {
	oc := connectivity.DefaultConfig()
	oc.BackoffMin = c.Sync.BackoffMin
	oc.BackoffMax = c.Sync.BackoffMax
	oc.RetryWhilePending = c.Sync.RetryWhilePending
	oc.DrainOnStart = c.Sync.DrainOnStart
	oc.DrainOnEnqueue = c.Sync.DrainOnEnqueue
	return oc
}

func (c *Config) ProberConfig() *connectivity.ProberConfig {
	url := c.Remote.HealthURL
	if url == "" {
		url = strings.TrimRight(c.Remote.BaseURL, "/") + "/health"
	}
	pc := connectivity.DefaultProberConfig(url)
	if c.Remote.ProbeInterval > 0 {
		pc.Interval = c.Remote.ProbeInterval
	}
	if c.Remote.ProbeTimeout > 0 {
		pc.Timeout = c.Remote.ProbeTimeout
	}
	return pc
}

func (c *Config) FeedConfig() *statusfeed.Config {
	fc := statusfeed.DefaultConfig()
	fc.Addr = c.Feed.Addr
	return fc
}

func (c *Config) ServerConfig() *vaxserver.Config {
	sc := vaxserver.DefaultConfig()
	sc.JWTSecret = c.Server.JWTSecret
	sc.TokenTTL = c.Server.TokenTTL
	sc.LogRequests = c.Server.LogRequests
	sc.Service.MaxPayloadBytes = c.Server.MaxPayloadBytes
	return sc
}
