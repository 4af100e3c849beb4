// Package config provides YAML-based configuration loading for gpuplane.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider quota families. A usage-metered provider has a rolling weekly
// budget and fleet-wide concurrency of one; a cooldown-metered provider has
// no weekly cap but a mandatory idle period after every session.
const (
	FamilyUsage    = "usage"
	FamilyCooldown = "cooldown"
)

// Config is the top-level gpuplane configuration, loaded from gpuplane.yaml.
type Config struct {
	Database    DatabaseConfig            `yaml:"database"`
	Server      ServerConfig              `yaml:"server"`
	Watchdog    WatchdogConfig            `yaml:"watchdog"`
	Heartbeat   HeartbeatConfig           `yaml:"heartbeat"`
	Reservation ReservationConfig         `yaml:"reservation"`
	Quota       QuotaConfig               `yaml:"quota"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Workers     []WorkerConfig            `yaml:"workers"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	Template    TemplateConfig            `yaml:"template"`
	Credentials CredentialsConfig         `yaml:"credentials"`
}

// DatabaseConfig holds connection settings for the durable store.
// Driver "sqlite" uses Path; driver "mysql" uses Host/Port/Name/User/Password.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds settings for the HTTP API server. PublicURL is the
// externally reachable base URL injected into worker notebooks so they can
// call back to register and heartbeat.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
}

// WatchdogConfig controls the session-deadline sweep.
type WatchdogConfig struct {
	SweepSeconds int `yaml:"sweep_seconds"`
}

// HeartbeatConfig controls worker liveness. IntervalSeconds is the cadence
// workers are told to beat at; TimeoutSeconds is the silence after which a
// worker is demoted offline; SweepSeconds is the monitor period.
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	SweepSeconds    int `yaml:"sweep_seconds"`
}

// ReservationConfig controls the two-phase start protocol. TTLMinutes bounds
// how long a reservation may sit in "starting" before any process may reclaim
// it; LaunchTimeoutSeconds bounds the external provisioning call.
type ReservationConfig struct {
	TTLMinutes           int `yaml:"ttl_minutes"`
	LaunchTimeoutSeconds int `yaml:"launch_timeout_seconds"`
}

// QuotaConfig holds fleet-wide quota settings. ResetSchedule is a 5-field
// cron expression for rolling the weekly usage windows.
type QuotaConfig struct {
	ResetSchedule string `yaml:"reset_schedule"`
}

// ProviderConfig is the quota policy for one provider. The official limits
// are the vendor's published numbers; gpuplane only ever consumes
// SafetyMargin of them.
type ProviderConfig struct {
	Family            string  `yaml:"family"`
	SessionLimitHours float64 `yaml:"session_limit_hours"`
	WeeklyLimitHours  float64 `yaml:"weekly_limit_hours"`
	CooldownHours     float64 `yaml:"cooldown_hours"`
	SafetyMargin      float64 `yaml:"safety_margin"`
}

// WorkerConfig seeds a worker row at db init time.
type WorkerConfig struct {
	ID           string                 `yaml:"id"`
	Provider     string                 `yaml:"provider"`
	Account      string                 `yaml:"account"`
	Capabilities map[string]interface{} `yaml:"capabilities"`
}

// AlertsConfig wires operational alert delivery. Empty adapters are skipped.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds the bot token and target channel for Slack alerts.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds the bot token and target channel for Discord alerts.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// TemplateConfig locates the worker notebook template. When GitHub fields are
// set the template is fetched from that repo; otherwise Path is read from
// disk; with neither, the built-in template is used.
type TemplateConfig struct {
	Path   string               `yaml:"path"`
	GitHub TemplateGitHubConfig `yaml:"github"`
}

// TemplateGitHubConfig names a file in a GitHub repo to use as the notebook
// template. Token is optional for public repos.
type TemplateGitHubConfig struct {
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
	Path  string `yaml:"path"`
	Ref   string `yaml:"ref"`
	Token string `yaml:"token"`
}

// CredentialsConfig locates provider account credentials.
type CredentialsConfig struct {
	File string `yaml:"file"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration gpuplane ships with: a local sqlite store
// and the kaggle/colab policies the original deployment ran under.
func Default() *Config {
	cfg := &Config{
		Providers: map[string]ProviderConfig{
			"kaggle": {Family: FamilyUsage, SessionLimitHours: 9, WeeklyLimitHours: 30},
			"colab":  {Family: FamilyCooldown, SessionLimitHours: 12, CooldownHours: 6},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "gpuplane.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "gpuplane"
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Watchdog.SweepSeconds == 0 {
		c.Watchdog.SweepSeconds = 60
	}
	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = 30
	}
	if c.Heartbeat.TimeoutSeconds == 0 {
		c.Heartbeat.TimeoutSeconds = 180
	}
	if c.Heartbeat.SweepSeconds == 0 {
		c.Heartbeat.SweepSeconds = 60
	}
	if c.Reservation.TTLMinutes == 0 {
		c.Reservation.TTLMinutes = 5
	}
	if c.Reservation.LaunchTimeoutSeconds == 0 {
		c.Reservation.LaunchTimeoutSeconds = 300
	}
	if c.Quota.ResetSchedule == "" {
		c.Quota.ResetSchedule = "0 0 * * 1"
	}
	if c.Credentials.File == "" {
		c.Credentials.File = os.ExpandEnv("${HOME}/.gpuplane/credentials.json")
	}
	for name, p := range c.Providers {
		if p.SafetyMargin == 0 {
			p.SafetyMargin = 0.7
		}
		c.Providers[name] = p
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Database.Driver != "sqlite" && c.Database.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("database.driver must be sqlite or mysql, got %q", c.Database.Driver))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	for name, p := range c.Providers {
		switch p.Family {
		case FamilyUsage:
			if p.WeeklyLimitHours <= 0 {
				errs = append(errs, fmt.Sprintf("providers.%s.weekly_limit_hours is required for the usage family", name))
			}
		case FamilyCooldown:
			if p.CooldownHours <= 0 {
				errs = append(errs, fmt.Sprintf("providers.%s.cooldown_hours is required for the cooldown family", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.family must be usage or cooldown, got %q", name, p.Family))
		}
		if p.SessionLimitHours <= 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.session_limit_hours is required", name))
		}
		if p.SafetyMargin <= 0 || p.SafetyMargin > 1 {
			errs = append(errs, fmt.Sprintf("providers.%s.safety_margin must be in (0, 1], got %v", name, p.SafetyMargin))
		}
	}
	for i, w := range c.Workers {
		if w.ID == "" {
			errs = append(errs, fmt.Sprintf("workers[%d].id is required", i))
		}
		if w.Provider == "" {
			errs = append(errs, fmt.Sprintf("workers[%d].provider is required", i))
		} else if _, ok := c.Providers[w.Provider]; !ok {
			errs = append(errs, fmt.Sprintf("workers[%d].provider %q has no provider policy", i, w.Provider))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
