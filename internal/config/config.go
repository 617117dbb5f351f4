// Package config provides YAML-based configuration loading for simbridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge configuration, loaded from simbridge.yaml.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Control ControlConfig `yaml:"control"`
	Poll    PollConfig    `yaml:"poll"`
	API     APIConfig     `yaml:"api"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig describes how the simulation engine process is launched.
type EngineConfig struct {
	Binary         string        `yaml:"binary"`    // explicit binary path; overrides sumo_home lookup
	SumoHome       string        `yaml:"sumo_home"` // defaults to $SUMO_HOME
	GUI            bool          `yaml:"gui"`
	ConfigPath     string        `yaml:"config_path"`
	WorkDir        string        `yaml:"work_dir"`
	StepLength     float64       `yaml:"step_length"`
	Begin          float64       `yaml:"begin"`
	End            float64       `yaml:"end"`
	MaxDepartDelay int           `yaml:"max_depart_delay"`
	TimeToTeleport int           `yaml:"time_to_teleport"`
	ExtraArgs      []string      `yaml:"extra_args"`
	StartupGrace   time.Duration `yaml:"startup_grace"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
}

// ControlConfig holds TraCI connection settings.
type ControlConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectRetries int           `yaml:"connect_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
	WarmupSteps    int           `yaml:"warmup_steps"`
}

// PollConfig tunes the background polling loop.
type PollConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	StallThreshold  int           `yaml:"stall_threshold"`
	LaneSampleLimit int           `yaml:"lane_sample_limit"`
	RoadSampleLimit int           `yaml:"road_sample_limit"`
	ProgressEvery   int           `yaml:"progress_every"`
}

// APIConfig holds HTTP gateway settings.
type APIConfig struct {
	ListenPort  int           `yaml:"listen_port"`
	MaxOverride time.Duration `yaml:"max_override"`
	Geo         GeoConfig     `yaml:"geo"`
	// CORSOrigins lists the browser origins allowed to call the API. "*"
	// allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

// GeoConfig anchors engine coordinates for display.
type GeoConfig struct {
	OriginLat float64 `yaml:"origin_lat"`
	OriginLng float64 `yaml:"origin_lng"`
}

// LedgerConfig selects the run ledger database.
type LedgerConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, none
	DSN    string `yaml:"dsn"`
}

// NotifyConfig holds alert channel settings.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Digest  DigestConfig  `yaml:"digest"`
}

// SlackConfig holds Slack alert settings.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord alert settings.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DigestConfig controls the scheduled status digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment overrides
// (SUMO_HOME, SUMO_HOST, SUMO_PORT, API_PORT) are applied after defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, as if parsed from an
// empty file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Engine.ConfigPath == "" {
		c.Engine.ConfigPath = "AddisAbaba.sumocfg"
	}
	if c.Engine.StepLength == 0 {
		c.Engine.StepLength = 1.0
	}
	if c.Engine.MaxDepartDelay == 0 {
		c.Engine.MaxDepartDelay = 3600
	}
	if c.Engine.TimeToTeleport == 0 {
		c.Engine.TimeToTeleport = 300
	}
	if c.Engine.StartupGrace == 0 {
		c.Engine.StartupGrace = time.Second
	}
	if c.Engine.StopTimeout == 0 {
		c.Engine.StopTimeout = 10 * time.Second
	}

	if c.Control.Host == "" {
		c.Control.Host = "localhost"
	}
	if c.Control.Port == 0 {
		c.Control.Port = 8813
	}
	if c.Control.ConnectRetries == 0 {
		c.Control.ConnectRetries = 10
	}
	if c.Control.BackoffInitial == 0 {
		c.Control.BackoffInitial = 100 * time.Millisecond
	}
	if c.Control.BackoffMax == 0 {
		c.Control.BackoffMax = 2 * time.Second
	}
	if c.Control.IOTimeout == 0 {
		c.Control.IOTimeout = 30 * time.Second
	}
	if c.Control.WarmupSteps == 0 {
		c.Control.WarmupSteps = 5
	}

	if c.Poll.TickInterval == 0 {
		c.Poll.TickInterval = 100 * time.Millisecond
	}
	if c.Poll.StallThreshold == 0 {
		c.Poll.StallThreshold = 3
	}
	if c.Poll.LaneSampleLimit == 0 {
		c.Poll.LaneSampleLimit = 5
	}
	if c.Poll.RoadSampleLimit == 0 {
		c.Poll.RoadSampleLimit = 50
	}
	if c.Poll.ProgressEvery == 0 {
		c.Poll.ProgressEvery = 10
	}

	if c.API.ListenPort == 0 {
		c.API.ListenPort = 8814
	}
	if c.API.MaxOverride == 0 {
		c.API.MaxOverride = 10 * time.Minute
	}
	if c.API.Geo.OriginLat == 0 && c.API.Geo.OriginLng == 0 {
		c.API.Geo.OriginLat = 9.0320
		c.API.Geo.OriginLng = 38.7469
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.DSN == "" && c.Ledger.Driver == "sqlite" {
		c.Ledger.DSN = "simbridge.db"
	}

	if c.Notify.Digest.Cron == "" {
		c.Notify.Digest.Cron = "0 * * * *"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// applyEnv overlays SUMO_HOME, SUMO_HOST, SUMO_PORT and API_PORT.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SUMO_HOME"); ok && c.Engine.SumoHome == "" {
		c.Engine.SumoHome = v
	}
	if v, ok := lookup("SUMO_HOST"); ok && v != "" {
		c.Control.Host = v
	}
	if v, ok := lookup("SUMO_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SUMO_PORT %q: %w", v, err)
		}
		c.Control.Port = port
	}
	if v, ok := lookup("API_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: API_PORT %q: %w", v, err)
		}
		c.API.ListenPort = port
	}
	return nil
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		errs = append(errs, fmt.Sprintf("control.port %d out of range", c.Control.Port))
	}
	if c.API.ListenPort <= 0 || c.API.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("api.listen_port %d out of range", c.API.ListenPort))
	}
	if c.Engine.StepLength < 0 {
		errs = append(errs, "engine.step_length must be positive")
	}
	if c.Engine.End != 0 && c.Engine.End <= c.Engine.Begin {
		errs = append(errs, "engine.end must be after engine.begin")
	}
	if c.Control.ConnectRetries < 0 {
		errs = append(errs, "control.connect_retries must not be negative")
	}
	if c.Control.BackoffMax < c.Control.BackoffInitial {
		errs = append(errs, "control.backoff_max must be >= control.backoff_initial")
	}
	if c.Poll.TickInterval < 0 {
		errs = append(errs, "poll.tick_interval must be positive")
	}
	switch c.Ledger.Driver {
	case "sqlite", "mysql":
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Sprintf("ledger.dsn is required for driver %s", c.Ledger.Driver))
		}
	case "none":
	default:
		errs = append(errs, fmt.Sprintf("ledger.driver %q must be sqlite, mysql or none", c.Ledger.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Notify.Slack.BotToken != "" && c.Notify.Slack.ChannelID == "" {
		errs = append(errs, "notify.slack.channel_id is required with a bot token")
	}
	if c.Notify.Discord.BotToken != "" && c.Notify.Discord.ChannelID == "" {
		errs = append(errs, "notify.discord.channel_id is required with a bot token")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ControlAddr returns host:port for the TraCI endpoint.
func (c *Config) ControlAddr() string {
	return fmt.Sprintf("%s:%d", c.Control.Host, c.Control.Port)
}
