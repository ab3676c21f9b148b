// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config is the typed form of the mailwatch configuration.
// Values come from viper, so every key can be set in mailwatch.yaml,
// as a MAILWATCH_ environment variable, or as a flag.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of configuration environment variables.
// MAILWATCH_STORE_URL sets store.url.
const EnvPrefix = "MAILWATCH"

// Store and session drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

type SessionConfig struct {
	Driver   string `mapstructure:"driver"`
	Instance string `mapstructure:"instance"`
}

type GoogleConfig struct {
	ClientID       string  `mapstructure:"client_id"`
	ClientSecret   string  `mapstructure:"client_secret"`
	Topic          string  `mapstructure:"topic"`
	Subscription   string  `mapstructure:"subscription"`
	Trace          bool    `mapstructure:"trace"`
	QuotaPerSecond float64 `mapstructure:"quota_per_second"`
}

type CredentialsConfig struct {
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	Passphrase string `mapstructure:"passphrase"`
}

type WatchConfig struct {
	Validity        time.Duration `mapstructure:"validity"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	MaxErrors       int           `mapstructure:"max_errors"`
	RenewWindow     time.Duration `mapstructure:"renew_window"`
	LabelIDs        []string      `mapstructure:"label_ids"`
	ExcludeLabelIDs []string      `mapstructure:"exclude_label_ids"`
}

type ReconcileConfig struct {
	StaleGap        uint64        `mapstructure:"stale_gap"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	RequireListener bool          `mapstructure:"require_listener"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
}

type ScheduleConfig struct {
	RenewEvery  time.Duration `mapstructure:"renew_every"`
	HealthEvery time.Duration `mapstructure:"health_every"`
	PullEvery   time.Duration `mapstructure:"pull_every"`
	PullBatch   int           `mapstructure:"pull_batch"`
	Concurrency int           `mapstructure:"concurrency"`
}

type ShutdownConfig struct {
	StopWatches bool          `mapstructure:"stop_watches"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	PushToken      string   `mapstructure:"push_token"`
	AdminToken     string   `mapstructure:"admin_token"`
	SessionSecret  string   `mapstructure:"session_secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type TriageConfig struct {
	URL      string        `mapstructure:"url"`
	SpoolDir string        `mapstructure:"spool_dir"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type OrphanConfig struct {
	StopKnown bool `mapstructure:"stop_known"`
}

// Config is the whole configuration.
type Config struct {
	Listen      string            `mapstructure:"listen"`
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	Session     SessionConfig     `mapstructure:"session"`
	Google      GoogleConfig      `mapstructure:"google"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	Server      ServerConfig      `mapstructure:"server"`
	Triage      TriageConfig      `mapstructure:"triage"`
	Orphan      OrphanConfig      `mapstructure:"orphan"`
}

// SetDefaults installs the default of every key, with file paths under
// dataDir.
func SetDefaults(v *viper.Viper, dataDir string) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mailwatch"
	}
	defaults := map[string]interface{}{
		"listen":                     ":8080",
		"log.level":                  "info",
		"log.format":                 "text",
		"store.driver":               DriverSQLite,
		"store.path":                 filepath.Join(dataDir, "mailwatch.db"),
		"store.url":                  "",
		"session.driver":             DriverMemory,
		"session.instance":           host,
		"google.client_id":           "",
		"google.client_secret":       "",
		"google.topic":               "",
		"google.subscription":        "",
		"google.trace":               false,
		"google.quota_per_second":    200.0,
		"credentials.backend":        "file",
		"credentials.dir":            filepath.Join(dataDir, "credentials"),
		"credentials.passphrase":     "",
		"watch.validity":             "168h",
		"watch.max_age":              "720h",
		"watch.max_errors":           10,
		"watch.renew_window":         "24h",
		"watch.label_ids":            []string{"INBOX"},
		"watch.exclude_label_ids":    []string{},
		"reconcile.stale_gap":        100000,
		"reconcile.max_body_bytes":   65536,
		"reconcile.require_listener": true,
		"reconcile.call_timeout":     "30s",
		"schedule.renew_every":       "1h",
		"schedule.health_every":      "5m",
		"schedule.pull_every":        "1m",
		"schedule.pull_batch":        50,
		"schedule.concurrency":       4,
		"shutdown.stop_watches":      false,
		"shutdown.timeout":           "20s",
		"server.push_token":          "",
		"server.admin_token":         "",
		"server.session_secret":      "",
		"server.allowed_origins":     []string{},
		"triage.url":                 "",
		"triage.spool_dir":           filepath.Join(dataDir, "spool"),
		"triage.timeout":             "10s",
		"orphan.stop_known":          true,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// BindEnv makes every key settable from the environment.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func knownDriver(d string, allowed ...string) bool {
	for _, a := range allowed {
		if d == a {
			return true
		}
	}
	return false
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"watch.validity", c.Watch.Validity},
		{"watch.max_age", c.Watch.MaxAge},
		{"watch.renew_window", c.Watch.RenewWindow},
		{"reconcile.call_timeout", c.Reconcile.CallTimeout},
		{"schedule.renew_every", c.Schedule.RenewEvery},
		{"schedule.health_every", c.Schedule.HealthEvery},
		{"schedule.pull_every", c.Schedule.PullEvery},
		{"shutdown.timeout", c.Shutdown.Timeout},
		{"triage.timeout", c.Triage.Timeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return errors.Errorf("%s must be positive, got %v", d.key, d.d)
		}
	}
	if c.Reconcile.StaleGap == 0 {
		return errors.New("reconcile.stale_gap must be positive")
	}
	if c.Reconcile.MaxBodyBytes <= 0 {
		return errors.Errorf("reconcile.max_body_bytes must be positive, got %d", c.Reconcile.MaxBodyBytes)
	}
	if c.Watch.MaxErrors <= 0 {
		return errors.Errorf("watch.max_errors must be positive, got %d", c.Watch.MaxErrors)
	}
	if c.Schedule.PullBatch <= 0 {
		return errors.Errorf("schedule.pull_batch must be positive, got %d", c.Schedule.PullBatch)
	}
	if !knownDriver(c.Store.Driver, DriverSQLite, DriverPostgres, DriverMemory) {
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if !knownDriver(c.Session.Driver, DriverMemory, DriverPostgres) {
		return errors.Errorf("unknown session.driver %q", c.Session.Driver)
	}
	if (c.Store.Driver == DriverPostgres || c.Session.Driver == DriverPostgres) && c.Store.URL == "" {
		return errors.New("the postgres driver needs store.url")
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		return errors.New("the sqlite driver needs store.path")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ConfigureLogger applies the log settings to l.
func (c *Config) ConfigureLogger(l *logrus.Logger) error {
	return ApplyLog(l, c.Log.Level, c.Log.Format)
}

// ApplyLog sets l's level and formatter.
func ApplyLog(l *logrus.Logger, level, format string) error {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrap(err, "log.level")
	}
	l.SetLevel(lv)
	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
