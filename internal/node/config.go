package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NEARCHAT_"

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config for a chat node.
type Config struct {
	ListenPort     int      `json:"listen_port"`
	DataDir        string   `json:"data_dir"`
	SeedPath       string   `json:"seed_path"`
	DBPath         string   `json:"db_path"`
	ServiceTag     string   `json:"service_tag"`
	LogLevel       string   `json:"log_level"`
	LogFile        string   `json:"log_file"`
	MetricsAddr    string   `json:"metrics_addr"`
	InviteTimeout  Duration `json:"invite_timeout"`
	ReconnectDelay Duration `json:"reconnect_delay"`
	AckTimeout     Duration `json:"ack_timeout"`
}

// DefaultConfig keeps everything under ~/.nearchat.
func DefaultConfig() *Config {
	dataDir := ".nearchat"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".nearchat")
	}
	return &Config{
		ListenPort:     0,
		DataDir:        dataDir,
		ServiceTag:     "nearchat",
		LogLevel:       "info",
		InviteTimeout:  Duration(30 * time.Second),
		ReconnectDelay: Duration(2 * time.Second),
		AckTimeout:     Duration(10 * time.Second),
	}
}

// LoadConfig loads config from a JSON file over the defaults, then
// applies NEARCHAT_* overrides from the environment and from a .env file
// in the working directory, then overrides. An empty path skips the file.
func LoadConfig(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) error {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
		}
		*dst = Duration(d)
		return nil
	}

	if v := os.Getenv(EnvPrefix + "LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sLISTEN_PORT: %w", EnvPrefix, err)
		}
		c.ListenPort = port
	}
	setString("DATA_DIR", &c.DataDir)
	setString("SEED_PATH", &c.SeedPath)
	setString("DB_PATH", &c.DBPath)
	setString("SERVICE_TAG", &c.ServiceTag)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FILE", &c.LogFile)
	setString("METRICS_ADDR", &c.MetricsAddr)

	if err := setDuration("INVITE_TIMEOUT", &c.InviteTimeout); err != nil {
		return err
	}
	if err := setDuration("RECONNECT_DELAY", &c.ReconnectDelay); err != nil {
		return err
	}
	return setDuration("ACK_TIMEOUT", &c.AckTimeout)
}

// fillPaths derives unset file paths from DataDir.
func (c *Config) fillPaths() {
	if c.SeedPath == "" {
		c.SeedPath = filepath.Join(c.DataDir, "identity.seed")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "settings.db")
	}
}

// Validate rejects configs the node cannot start with.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.ServiceTag == "" {
		return errors.New("service_tag is empty")
	}
	if c.InviteTimeout <= 0 || c.ReconnectDelay <= 0 || c.AckTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
