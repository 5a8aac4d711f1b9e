// Package config defines all configuration for the pyramid session engine.
// Config is loaded from a YAML file (default: configs/config.yaml); any key
// can be overridden via KSS_* environment variables, e.g. KSS_DATABASE_PATH
// or KSS_SERVER_PORT.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pyramid-kss/internal/engine"
	"pyramid-kss/internal/gateway"
	"pyramid-kss/internal/marketdata"
	"pyramid-kss/internal/session"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Log      LogConfig         `mapstructure:"log"`
	Database DatabaseConfig    `mapstructure:"database"`
	Exchange marketdata.Config `mapstructure:"exchange"`
	Gateway  gateway.Config    `mapstructure:"gateway"`
	Engine   engine.Config     `mapstructure:"engine"`
	Defaults DefaultsConfig    `mapstructure:"defaults"`
	Server   ServerConfig      `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig sets where sessions and waves are persisted (SQLite file).
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultsConfig supplies session parameters an operator omitted when
// creating a session through the API.
type DefaultsConfig struct {
	DistancePct  float64 `mapstructure:"distance_pct"`
	MaxWaves     int     `mapstructure:"max_waves"`
	IsolatedFund float64 `mapstructure:"isolated_fund"`
	TPPct        float64 `mapstructure:"tp_pct"`
	TimeoutXMin  float64 `mapstructure:"timeout_x_min"`
	GapYMin      float64 `mapstructure:"gap_y_min"`
}

// Apply fills the zero-valued fields of p from the configured defaults.
// Symbol and EntryPrice have no default; they stay as given.
func (d DefaultsConfig) Apply(p *session.Params) {
	if p.DistancePct == 0 {
		p.DistancePct = d.DistancePct
	}
	if p.MaxWaves == 0 {
		p.MaxWaves = d.MaxWaves
	}
	if p.IsolatedFund == 0 {
		p.IsolatedFund = d.IsolatedFund
	}
	if p.TPPct == 0 {
		p.TPPct = d.TPPct
	}
	if p.TimeoutXMin == 0 {
		p.TimeoutXMin = d.TimeoutXMin
	}
	if p.GapYMin == 0 {
		p.GapYMin = d.GapYMin
	}
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error: every key has a default, so KSS_* env vars alone can
// configure a deployment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.path", "data/kss.db")

	v.SetDefault("exchange.rest_url", "https://api.binance.com")
	v.SetDefault("exchange.ws_url", "wss://stream.binance.com:9443")
	v.SetDefault("exchange.quote_asset", "USDT")
	v.SetDefault("exchange.price_ttl", time.Minute)
	v.SetDefault("exchange.info_ttl", 24*time.Hour)
	v.SetDefault("exchange.rate_limit", 10)
	v.SetDefault("exchange.rate_burst", 5)
	v.SetDefault("exchange.stream_enabled", false)

	v.SetDefault("gateway.queue_path", "/api/pending-orders")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.dry_run", false)

	v.SetDefault("engine.pip_multiplier", session.DefaultPipMultiplier)
	v.SetDefault("engine.sweep_enabled", true)
	v.SetDefault("engine.sweep_interval", time.Minute)

	v.SetDefault("defaults.distance_pct", 2.0)
	v.SetDefault("defaults.max_waves", 10)
	v.SetDefault("defaults.isolated_fund", 1000.0)
	v.SetDefault("defaults.tp_pct", 3.0)
	v.SetDefault("defaults.timeout_x_min", 60.0)
	v.SetDefault("defaults.gap_y_min", 5.0)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8085)
}

// isNotFound covers both viper's registered-paths error and the direct
// file-path miss produced by SetConfigFile.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return strings.Contains(err.Error(), "no such file")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Exchange.RestURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if !c.Gateway.DryRun && c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required unless gateway.dry_run is set")
	}
	if c.Engine.PipMultiplier <= 0 {
		return fmt.Errorf("engine.pip_multiplier must be > 0")
	}
	if c.Defaults.DistancePct <= 0 || c.Defaults.DistancePct >= 100 {
		return fmt.Errorf("defaults.distance_pct must be in (0, 100)")
	}
	if c.Defaults.MaxWaves < 1 {
		return fmt.Errorf("defaults.max_waves must be >= 1")
	}
	if c.Defaults.IsolatedFund <= 0 {
		return fmt.Errorf("defaults.isolated_fund must be > 0")
	}
	if c.Defaults.TPPct <= 0 {
		return fmt.Errorf("defaults.tp_pct must be > 0")
	}
	if c.Defaults.TimeoutXMin <= 0 {
		return fmt.Errorf("defaults.timeout_x_min must be > 0")
	}
	if c.Defaults.GapYMin < 0 {
		return fmt.Errorf("defaults.gap_y_min must be >= 0")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be a valid port")
	}
	return nil
}
