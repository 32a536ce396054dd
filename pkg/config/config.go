// Package config loads the service configuration: directories per job
// state, retention of old jobs, database and mail settings, and runner
// tuning. The configuration is read once at startup and never modified.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/webjobd/pkg/jobdb"
	"github.com/3leaps/webjobd/pkg/jobstate"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return "config: " + e.Field + ": " + e.Message
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Database holds job database settings.
type Database struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"passwd"`
	Host      string `mapstructure:"host"`
	DB        string `mapstructure:"db"`
}

// JobDB converts the settings into a jobdb configuration.
func (d Database) JobDB(extra []jobdb.Field) jobdb.Config {
	return jobdb.Config{
		Driver:      d.Driver,
		Path:        d.Path,
		URL:         d.URL,
		AuthToken:   d.AuthToken,
		DSN:         d.DSN,
		User:        d.User,
		Password:    d.Password,
		Host:        d.Host,
		Database:    d.DB,
		ExtraFields: extra,
	}
}

// Backend holds daemon settings.
type Backend struct {
	User          string `mapstructure:"user"`
	StateFile     string `mapstructure:"state_file"`
	StateFileLock bool   `mapstructure:"state_file_lock"`
	CheckMinutes  int    `mapstructure:"check_minutes"`
}

// OldJobs holds retention settings.
type OldJobs struct {
	Archive Retention `mapstructure:"archive"`
	Expire  Retention `mapstructure:"expire"`
}

// Limits caps how many jobs may be in a state at once.
type Limits struct {
	Running int `mapstructure:"running"`

	// SubmitRate and SubmitBurst throttle runner submissions during one
	// incoming sweep. A zero rate disables throttling.
	SubmitRate  float64 `mapstructure:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// Runner tunes timers and the sentinel race check.
type Runner struct {
	SentinelRetries  int           `mapstructure:"sentinel_retries"`
	SentinelInterval time.Duration `mapstructure:"sentinel_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	CleanupAge       time.Duration `mapstructure:"cleanup_age"`
	OldJobInterval   time.Duration `mapstructure:"oldjob_interval"`
	SanityInterval   time.Duration `mapstructure:"sanity_interval"`

	// Default names the backend jobs run on: local, sge, slurm, donothing,
	// or the name of a remote entry.
	Default string `mapstructure:"default"`

	// Script is the job script, relative to the job directory, that the
	// local and cluster backends run.
	Script string `mapstructure:"script"`

	// ClusterOptions are passed to qsub/sbatch as scheduler directives.
	ClusterOptions []string `mapstructure:"cluster_options"`

	// SanityIgnore lists doublestar patterns for entries in state
	// directories that the filesystem check should not flag.
	SanityIgnore []string `mapstructure:"sanity_ignore"`
}

// Mail holds SMTP settings. An empty SMTPHost disables delivery.
type Mail struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	From     string `mapstructure:"from"`
}

// S3 holds the optional archive upload target.
type S3 struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Archive configures the default archive hook.
type Archive struct {
	Enabled       bool     `mapstructure:"enabled"`
	Exclude       []string `mapstructure:"exclude"`
	RemoveSources bool     `mapstructure:"remove_sources"`
	S3            S3       `mapstructure:"s3"`
}

// Remote is another instance of this service that jobs may delegate to.
type Remote struct {
	URL string `mapstructure:"url"`
}

// Frontend describes an additional web frontend sharing this backend.
type Frontend struct {
	ServiceName string `mapstructure:"service_name"`
	URLTop      string `mapstructure:"urltop"`
}

type general struct {
	AdminEmail  string `mapstructure:"admin_email"`
	ServiceName string `mapstructure:"service_name"`
	Socket      string `mapstructure:"socket"`
	URLTop      string `mapstructure:"urltop"`
}

type rawConfig struct {
	General     general             `mapstructure:"general"`
	Backend     Backend             `mapstructure:"backend"`
	Database    Database            `mapstructure:"database"`
	Directories map[string]string   `mapstructure:"directories"`
	OldJobs     OldJobs             `mapstructure:"oldjobs"`
	Limits      Limits              `mapstructure:"limits"`
	Runner      Runner              `mapstructure:"runner"`
	Mail        Mail                `mapstructure:"mail"`
	Archive     Archive             `mapstructure:"archive"`
	Remote      map[string]Remote   `mapstructure:"remote"`
	Frontends   map[string]Frontend `mapstructure:"frontends"`
	ExtraFields []jobdb.Field       `mapstructure:"extra_fields"`
}

// Config is the immutable service configuration.
type Config struct {
	AdminEmail  string
	ServiceName string
	Socket      string
	URLTop      string

	Backend     Backend
	Database    Database
	Directories map[jobstate.Name]string
	OldJobs     OldJobs
	Limits      Limits
	Runner      Runner
	Mail        Mail
	Archive     Archive
	Remote      map[string]Remote
	Frontends   map[string]Frontend
	ExtraFields []jobdb.Field

	// Path is the file the configuration was read from, if any.
	Path string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.check_minutes", 10)
	v.SetDefault("limits.running", 5)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("runner.sentinel_retries", 5)
	v.SetDefault("runner.sentinel_interval", "5s")
	v.SetDefault("runner.cleanup_interval", "1h")
	v.SetDefault("runner.cleanup_age", "1h")
	v.SetDefault("runner.sanity_interval", "1h")
	v.SetDefault("runner.default", "local")
	v.SetDefault("runner.script", "run.sh")
	v.SetDefault("limits.submit_burst", 1)
	v.SetDefault("mail.smtp_port", 25)
}

// Load reads a YAML configuration file. Relative paths inside the file
// (state file, socket, directories, sqlite path) are resolved against the
// file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		cfg.Path = abs
		cfg.resolvePaths(filepath.Dir(abs))
	}
	return cfg, nil
}

// Parse reads YAML configuration from r.
func Parse(r io.Reader) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var raw rawConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		retentionHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&raw, hook); err != nil {
		return nil, &ConfigError{Message: err.Error()}
	}

	if !v.IsSet("oldjobs.archive") {
		return nil, &ConfigError{Field: "oldjobs.archive", Message: "is required"}
	}
	if !v.IsSet("oldjobs.expire") {
		return nil, &ConfigError{Field: "oldjobs.expire", Message: "is required"}
	}
	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	dirs, err := resolveDirectories(raw.Directories)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AdminEmail:  raw.General.AdminEmail,
		ServiceName: raw.General.ServiceName,
		Socket:      raw.General.Socket,
		URLTop:      raw.General.URLTop,
		Backend:     raw.Backend,
		Database:    raw.Database,
		Directories: dirs,
		OldJobs:     raw.OldJobs,
		Limits:      raw.Limits,
		Runner:      raw.Runner,
		Mail:        raw.Mail,
		Archive:     raw.Archive,
		Remote:      raw.Remote,
		Frontends:   raw.Frontends,
		ExtraFields: raw.ExtraFields,
	}
	if cfg.Remote == nil {
		cfg.Remote = map[string]Remote{}
	}
	if cfg.Frontends == nil {
		cfg.Frontends = map[string]Frontend{}
	}
	if cfg.Runner.OldJobInterval <= 0 {
		cfg.Runner.OldJobInterval = defaultOldJobInterval(cfg.OldJobs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return &ConfigError{Field: "general.service_name", Message: "is required"}
	}
	if strings.TrimSpace(c.AdminEmail) == "" {
		return &ConfigError{Field: "general.admin_email", Message: "is required"}
	}
	if strings.TrimSpace(c.Backend.StateFile) == "" {
		return &ConfigError{Field: "backend.state_file", Message: "is required"}
	}
	if c.Backend.CheckMinutes <= 0 {
		return &ConfigError{Field: "backend.check_minutes", Message: "must be positive"}
	}
	if c.Limits.Running <= 0 {
		return &ConfigError{Field: "limits.running", Message: "must be positive"}
	}
	if c.Limits.SubmitRate < 0 {
		return &ConfigError{Field: "limits.submit_rate", Message: "must not be negative"}
	}
	if c.Runner.SentinelRetries < 0 {
		return &ConfigError{Field: "runner.sentinel_retries", Message: "must not be negative"}
	}
	if c.OldJobs.Archive.Exceeds(c.OldJobs.Expire) {
		return &ConfigError{
			Field:   "oldjobs",
			Message: fmt.Sprintf("archive time (%s) cannot be greater than expire time (%s)", c.OldJobs.Archive, c.OldJobs.Expire),
		}
	}
	for name, r := range c.Remote {
		if strings.TrimSpace(r.URL) == "" {
			return &ConfigError{Field: "remote." + name + ".url", Message: "is required"}
		}
	}
	for _, f := range c.ExtraFields {
		if err := f.Validate(); err != nil {
			return &ConfigError{Field: "extra_fields", Message: err.Error()}
		}
	}
	return nil
}

// directoryDefaults lists, for each state, the state whose directory it
// inherits when not configured. Order matters: each entry may depend on
// one resolved earlier.
var directoryDefaults = []struct {
	state, from jobstate.Name
}{
	{jobstate.Running, jobstate.Preprocessing},
	{jobstate.Postprocessing, jobstate.Running},
	{jobstate.Finalizing, jobstate.Postprocessing},
	{jobstate.Completed, jobstate.Finalizing},
	{jobstate.Archived, jobstate.Completed},
	{jobstate.Failed, jobstate.Completed},
}

func resolveDirectories(raw map[string]string) (map[jobstate.Name]string, error) {
	dirs := make(map[jobstate.Name]string)
	for k, v := range raw {
		if strings.EqualFold(k, "install") {
			continue
		}
		st, err := jobstate.Parse(k)
		if err != nil || st == jobstate.Expired {
			return nil, &ConfigError{Field: "directories." + k, Message: "unknown job state"}
		}
		if v = strings.TrimSpace(v); v != "" {
			dirs[st] = v
		}
	}
	for _, required := range []jobstate.Name{jobstate.Incoming, jobstate.Preprocessing} {
		if dirs[required] == "" {
			return nil, &ConfigError{Field: "directories." + strings.ToLower(string(required)), Message: "is required"}
		}
	}
	for _, d := range directoryDefaults {
		if dirs[d.state] == "" {
			dirs[d.state] = dirs[d.from]
		}
	}
	return dirs, nil
}

// defaultOldJobInterval picks a sweep period that is a tenth of the shortest
// finite retention, clamped to [1m, 1d].
func defaultOldJobInterval(o OldJobs) time.Duration {
	shortest := time.Duration(0)
	for _, r := range []Retention{o.Archive, o.Expire} {
		if !r.Never && (shortest == 0 || r.Duration < shortest) {
			shortest = r.Duration
		}
	}
	if shortest == 0 {
		return day
	}
	iv := shortest / 10
	if iv < time.Minute {
		return time.Minute
	}
	if iv > day {
		return day
	}
	return iv
}

func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Backend.StateFile = abs(c.Backend.StateFile)
	c.Socket = abs(c.Socket)
	for k, v := range c.Directories {
		c.Directories[k] = abs(v)
	}
	if c.Database.Path != "" && c.Database.Path != ":memory:" && !strings.HasPrefix(c.Database.Path, "file:") {
		c.Database.Path = abs(c.Database.Path)
	}
}

// CheckInterval is the period of the incoming/completed sweep.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Backend.CheckMinutes) * time.Minute
}

// Directory returns the configured directory for a state ("" for EXPIRED).
func (c *Config) Directory(st jobstate.Name) string {
	return c.Directories[st]
}

// StateDirectories returns the distinct configured directories.
func (c *Config) StateDirectories() []string {
	seen := map[string]bool{}
	var out []string
	for _, st := range jobstate.All {
		d := c.Directories[st]
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}
