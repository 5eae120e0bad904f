// Package config provides YAML-based configuration loading for Easel.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TokenEnvVar is the environment variable that overrides the Discord token.
const TokenEnvVar = "EASEL_DISCORD_TOKEN"

// Config is the top-level Easel configuration, loaded from config.yaml.
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Library   LibraryConfig   `yaml:"library"`
	DB        DBConfig        `yaml:"db"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// DiscordConfig holds credentials and targets for the Discord gateway and
// interaction calls. The token is a user token, not a bot token.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// AnthropicConfig holds settings for the vision analyzer.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LibraryConfig holds the on-disk layout for saved images and analyses.
type LibraryConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// DBConfig selects the persistence backend. The sqlite driver is the
// default; mysql is available for a shared server setup.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// DashboardConfig holds settings for the HTTP dashboard/API server.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// NotifyConfig controls how notifications reach the user.
type NotifyConfig struct {
	Command      string `yaml:"command"` // shell template, e.g. "notify-send 'Easel' '{{.Path}}'"
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
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
	if tok := os.Getenv(TokenEnvVar); tok != "" {
		c.Discord.Token = tok
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-3-sonnet-20240229"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 1500
	}
	if c.Library.BaseDir == "" {
		c.Library.BaseDir = "easel_output"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = filepath.Join(c.Library.BaseDir, "easel.db")
	}
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.Database == "" {
		c.DB.Database = "easel"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Discord.GuildID == "" {
		errs = append(errs, "discord.guild_id is required")
	}
	if c.Discord.ChannelID == "" {
		errs = append(errs, "discord.channel_id is required")
	}
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite or mysql)", c.DB.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AnalysisDir is where sref-tagged images and their analyses are stored.
func (c *Config) AnalysisDir() string {
	return filepath.Join(c.Library.BaseDir, "01_ANALYSIS")
}

// BaseImageDir is where images without a style reference are stored.
func (c *Config) BaseImageDir() string {
	return filepath.Join(c.Library.BaseDir, "00_BASE")
}

// BackupDir is where metadata backups are written.
func (c *Config) BackupDir() string {
	return filepath.Join(c.Library.BaseDir, "system", "backups")
}
