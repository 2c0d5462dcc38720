// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from
// switchboard.yaml.
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Remote    RemoteConfig    `yaml:"remote"`
	DB        DBConfig        `yaml:"db"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DiscordConfig holds credentials for the guild platform connection.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	GuildID  string `yaml:"guild_id"`
}

// RemoteConfig holds endpoints for the remote chat network.
type RemoteConfig struct {
	SocketURL string `yaml:"socket_url"` // websocket endpoint, e.g. wss://chat.example.net/ws
	APIURL    string `yaml:"api_url"`    // REST endpoint, e.g. https://chat.example.net/api
}

// DBConfig holds connection settings for the persistence store.
// Driver "mysql" uses host/port/database; driver "sqlite" uses path.
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"`
}

// BridgeConfig tunes bridge runtime behavior.
type BridgeConfig struct {
	RequestTimeoutSec int    `yaml:"request_timeout_sec"` // remote command ack budget
	ReplayWindow      int    `yaml:"replay_window"`       // max messages replayed on reconciliation
	JanitorCron       string `yaml:"janitor_cron"`        // 5-field cron; empty disables the janitor
	IdleArchiveDays   int    `yaml:"idle_archive_days"`   // janitor archives threads idle this long
}

// DashboardConfig controls the optional HTTP status server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
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

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "mysql"
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "switchboard"
	}
	if c.Bridge.RequestTimeoutSec == 0 {
		c.Bridge.RequestTimeoutSec = 10
	}
	if c.Bridge.ReplayWindow == 0 {
		c.Bridge.ReplayWindow = 10
	}
	if c.Bridge.IdleArchiveDays == 0 {
		c.Bridge.IdleArchiveDays = 7
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8090
	}
}

// validate checks that all required fields are present and consistent.
// Missing bridge credentials are fatal: the process must not start without
// them.
func (c *Config) validate() error {
	var errs []string
	if c.Discord.BotToken == "" {
		errs = append(errs, "discord.bot_token is required")
	}
	if c.Discord.GuildID == "" {
		errs = append(errs, "discord.guild_id is required")
	}
	if c.Remote.SocketURL == "" {
		errs = append(errs, "remote.socket_url is required")
	}
	if c.Remote.APIURL == "" {
		errs = append(errs, "remote.api_url is required")
	}
	switch c.DB.Driver {
	case "mysql":
		// host/port/database have defaults
	case "sqlite":
		if c.DB.Path == "" {
			errs = append(errs, "db.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (mysql, sqlite)", c.DB.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
