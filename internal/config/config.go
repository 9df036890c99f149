package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the connection info for the request-log store.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// AdminConfig holds credentials for the management API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// Config is the process configuration. The key pools themselves live in
// the state file at StatePath, not here.
type Config struct {
	Port           int            `yaml:"port"`
	Debug          bool           `yaml:"debug"`
	StatePath      string         `yaml:"state_path"`
	RequestTimeout int            `yaml:"request_timeout"` // seconds, per upstream call
	ClientKeys     []string       `yaml:"client_keys"`
	Admin          AdminConfig    `yaml:"admin"`
	Database       DatabaseConfig `yaml:"database"`
}

// LoadConfig reads and parses the configuration file. It returns the
// config and a potential warning message. A missing file is not an
// error; defaults and environment variables still apply.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warning string

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment overrides.
	if v := os.Getenv("KEYWARDEN_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, "", fmt.Errorf("invalid KEYWARDEN_PORT: %w", err)
		}
		config.Port = p
	}
	if v := os.Getenv("KEYWARDEN_STATE_PATH"); v != "" {
		config.StatePath = v
	}
	if v := os.Getenv("KEYWARDEN_ADMIN_PASSWORD"); v != "" {
		config.Admin.Password = v
	}
	if v := os.Getenv("KEYWARDEN_DATABASE_TYPE"); v != "" {
		config.Database.Type = v
	}
	if v := os.Getenv("KEYWARDEN_DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("KEYWARDEN_DEBUG"); v != "" {
		config.Debug = v == "true"
	}

	// Defaults.
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.StatePath == "" {
		config.StatePath = "api_keys.json"
		warning = "state_path not set, using default api_keys.json"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 120
	}
	if config.Database.Type == "" {
		config.Database.Type = "sqlite"
		config.Database.DSN = "keywarden.db"
	}

	if config.Admin.Password == "" {
		return nil, "", fmt.Errorf("admin password must be configured in %s or via KEYWARDEN_ADMIN_PASSWORD", path)
	}

	return &config, warning, nil
}
