// Package config provides configuration loading for the tunnel.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full tunnel configuration, loaded from config.yml.
type Config struct {
	Pools    map[string]PoolConfig   `yaml:"pools"`
	Tunnels  map[string]TunnelConfig `yaml:"tunnels"`
	APIPort  uint16                  `yaml:"api_port"`
	Database DatabaseConfig          `yaml:"database"`
	Redis    RedisConfig             `yaml:"redis"`
	Logging  LoggingConfig           `yaml:"logging"`
}

// PoolConfig describes one upstream pool endpoint.
type PoolConfig struct {
	Host string `yaml:"host"`
	Port uint16 `yaml:"port"`
	Name string `yaml:"name"`
}

// Addr returns the dialable host:port of the pool.
func (p PoolConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// TunnelConfig describes one local listener and the pool it forwards to.
type TunnelConfig struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
	Pool string `yaml:"pool"`
}

// ListenAddr returns the local bind address of the tunnel.
func (t TunnelConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", t.IP, t.Port)
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
}

// DSN returns a pgx-compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}

// RedisConfig holds optional Redis cache parameters. An empty Addr
// disables the cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadOrCreate reads the config at path. When the file does not exist a
// default template is written there and returned, so a fresh deployment
// starts with something editable instead of an error.
func LoadOrCreate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg := Default()
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to render default config: %w", err)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the template written on first run.
func Default() *Config {
	return &Config{
		Pools: map[string]PoolConfig{
			"pool1": {
				Host: "pool.example.com",
				Port: 4444,
				Name: "Example Pool",
			},
		},
		Tunnels: map[string]TunnelConfig{
			"tunnel1": {
				IP:   "0.0.0.0",
				Port: 3333,
				Pool: "pool1",
			},
		},
		APIPort: 8080,
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "password",
			DBName:   "mining_tunnel",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks cross-references and required fields.
func (c *Config) Validate() error {
	if len(c.Tunnels) == 0 {
		return fmt.Errorf("at least one tunnel is required")
	}
	for name, p := range c.Pools {
		if p.Host == "" {
			return fmt.Errorf("pool %q: host is required", name)
		}
		if p.Port == 0 {
			return fmt.Errorf("pool %q: port is required", name)
		}
	}
	for name, t := range c.Tunnels {
		if t.Port == 0 {
			return fmt.Errorf("tunnel %q: port is required", name)
		}
		if _, ok := c.Pools[t.Pool]; !ok {
			return fmt.Errorf("tunnel %q references unknown pool %q", name, t.Pool)
		}
	}
	if c.APIPort == 0 {
		return fmt.Errorf("api_port is required")
	}
	return nil
}
