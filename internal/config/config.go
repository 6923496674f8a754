// Package config loads YAML configuration for the client CLI and the server
// binary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Client is the configuration for the fieldreport CLI and agent.
type Client struct {
	ServerURL     string   `yaml:"server_url"`
	DeviceID      string   `yaml:"device_id"`
	Token         string   `yaml:"token"`
	QueuePath     string   `yaml:"queue_path"`
	DrainInterval Duration `yaml:"drain_interval"`
	ProbeInterval Duration `yaml:"probe_interval"`
	MaxAttempts   int      `yaml:"max_attempts"`
	BackoffBase   Duration `yaml:"backoff_base"`
	BackoffCap    Duration `yaml:"backoff_cap"`
	LogLevel      string   `yaml:"log_level"`
	LogFile       string   `yaml:"log_file"`
}

// Server is the configuration for fieldreport-server.
type Server struct {
	ListenAddr   string `yaml:"listen_addr"`
	DBDriver     string `yaml:"db_driver"`
	DBDSN        string `yaml:"db_dsn"`
	TicketPrefix string `yaml:"ticket_prefix"`
	Token        string `yaml:"token"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
}

// DefaultClientPath returns the standard client config location,
// ~/.config/fieldreport/config.yml (per os.UserConfigDir).
func DefaultClientPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "fieldreport", "config.yml"), nil
}

// LoadClient reads the client config. A missing file yields the defaults.
// FIELDREPORT_TOKEN overrides the token so it can be kept out of the file.
func LoadClient(path string) (*Client, error) {
	cfg := &Client{
		ServerURL:     "http://localhost:8080",
		DrainInterval: Duration(30 * time.Second),
		ProbeInterval: Duration(15 * time.Second),
		MaxAttempts:   8,
		BackoffBase:   Duration(2 * time.Second),
		BackoffCap:    Duration(5 * time.Minute),
		LogLevel:      "info",
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("device_id not set and hostname unavailable: %w", err)
		}
		cfg.DeviceID = host
	}
	if cfg.QueuePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("queue_path not set and config directory unavailable: %w", err)
		}
		cfg.QueuePath = filepath.Join(dir, "fieldreport", "queue.db")
	}
	if token := os.Getenv("FIELDREPORT_TOKEN"); token != "" {
		cfg.Token = token
	}

	return cfg, nil
}

// LoadServer reads the server config. The file is required.
func LoadServer(path string) (*Server, error) {
	cfg := &Server{
		ListenAddr:   ":8080",
		DBDriver:     "sqlite",
		DBDSN:        "fieldreport.db",
		TicketPrefix: "VMC",
		LogLevel:     "info",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "mysql" {
		return nil, fmt.Errorf("unsupported db_driver %q: must be sqlite or mysql", cfg.DBDriver)
	}
	if token := os.Getenv("FIELDREPORT_TOKEN"); token != "" {
		cfg.Token = token
	}

	return cfg, nil
}
