package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Database DatabaseConfig `mapstructure:"database"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type NodeConfig struct {
	Name    string `mapstructure:"name"`
	DataDir string `mapstructure:"data_dir"`
	LogID   string `mapstructure:"log_id"`
}

// DatabaseConfig selects the projection database. DSN wins over the
// individual postgres fields when set.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RealtimeConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// VerifyConfig schedules background integrity checks. An empty interval
// disables them.
type VerifyConfig struct {
	Interval string `mapstructure:"interval"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.LogID == "" {
		c.Node.LogID = "region"
	}
	if strings.ContainsRune(c.Node.LogID, 0) {
		return fmt.Errorf("node.log_id must not contain NUL bytes")
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			if c.Database.Host == "" {
				return fmt.Errorf("database.host is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database.database is required")
			}
			if c.Database.User == "" {
				return fmt.Errorf("database.user is required")
			}
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = filepath.Join(c.Node.DataDir, "projections.db")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (valid options: postgres, sqlite)", c.Database.Driver)
	}

	if c.Realtime.ListenAddr == "" {
		c.Realtime.ListenAddr = ":8080"
	}
	if c.Realtime.BufferSize == 0 {
		c.Realtime.BufferSize = 32
	}
	if c.Realtime.BufferSize < 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}

	if c.Verify.Interval != "" {
		if _, err := time.ParseDuration(c.Verify.Interval); err != nil {
			return fmt.Errorf("invalid verify.interval: %w", err)
		}
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format: %s (valid options: text, json)", c.Logging.Format)
	}

	return nil
}

func (d *DatabaseConfig) ConnectionString() string {
	if d.DSN != "" {
		return d.DSN
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, sslMode)
}

// StoragePath is the bbolt file holding the operation log.
func (n *NodeConfig) StoragePath() string {
	return filepath.Join(n.DataDir, "oplog.db")
}

// VerifyInterval returns zero when background checks are disabled.
func (v *VerifyConfig) VerifyInterval() time.Duration {
	d, _ := time.ParseDuration(v.Interval)
	return d
}

func (l *LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid logging.level: %s", s)
	}
	return level, nil
}
