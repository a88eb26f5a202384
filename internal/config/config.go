package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Link     LinkConfig     `yaml:"link"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Port            int           `yaml:"port"`
	SessionDeadline time.Duration `yaml:"session_deadline"`
	MaxSessions     int           `yaml:"max_sessions"`
	Name            string        `yaml:"name"`
	MOTD            string        `yaml:"motd"`
}

// DatabaseConfig holds shared-store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LinkConfig holds code issuing and sweeping settings.
type LinkConfig struct {
	CodeTTL       time.Duration `yaml:"code_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepGrace    time.Duration `yaml:"sweep_grace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied, used for bootstrap.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 25565
	}
	if cfg.Server.SessionDeadline == 0 {
		cfg.Server.SessionDeadline = 10 * time.Second
	}
	if cfg.Server.MaxSessions == 0 {
		cfg.Server.MaxSessions = 256
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "crosslink"
	}
	if cfg.Server.MOTD == "" {
		cfg.Server.MOTD = "Account linking server. Join with your link code as username."
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "crosslink.db"
	}
	if cfg.Link.CodeTTL == 0 {
		cfg.Link.CodeTTL = 15 * time.Minute
	}
	if cfg.Link.SweepInterval == 0 {
		cfg.Link.SweepInterval = time.Minute
	}
	if cfg.Link.SweepGrace == 0 {
		cfg.Link.SweepGrace = time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// ListenAddress joins the configured address and port.
func (cfg *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.Port)
}

// Save writes configuration to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
