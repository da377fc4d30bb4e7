// Package config loads settings for the go-uwb commands.
//
// Settings are resolved in order: defaults, YAML file, environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-uwb/internal/log"
	"github.com/teslashibe/go-uwb/pkg/store/mqttfeed"
	"github.com/teslashibe/go-uwb/pkg/stream"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMQTT     = "mqtt"
)

// Drivers lists the supported store drivers.
var Drivers = []string{DriverMemory, DriverSQLite, DriverPostgres, DriverMQTT}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Server ServerConfig    `yaml:"server"`
	Auth   AuthConfig      `yaml:"auth"`
	Store  StoreConfig     `yaml:"store"`
	MQTT   mqttfeed.Config `yaml:"mqtt"`
	Stream stream.Config   `yaml:"stream"`
	Log    log.Options     `yaml:"log"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	AllowOrigins string `yaml:"allow_origins"`
}

// AuthConfig holds token settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Fixtures seeds the memory store.
	Fixtures string `yaml:"fixtures"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			AllowOrigins: "*",
		},
		Store: StoreConfig{
			Driver: DriverMemory,
		},
		MQTT:   mqttfeed.DefaultConfig(),
		Stream: stream.DefaultConfig(),
		Log: log.Options{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges the YAML file at path into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() {
	setFromEnv(&c.Server.Addr, "UWB_ADDR")
	setFromEnv(&c.Auth.JWTSecret, "JWT_SECRET")
	setFromEnv(&c.Store.Driver, "UWB_STORE_DRIVER")
	setFromEnv(&c.Store.DSN, "UWB_STORE_DSN")
	setFromEnv(&c.Store.Fixtures, "UWB_FIXTURES")
	setFromEnv(&c.MQTT.Broker, "MQTT_BROKER")
	setFromEnv(&c.MQTT.Username, "MQTT_USER")
	setFromEnv(&c.MQTT.Password, "MQTT_PASS")
	setFromEnv(&c.Log.Level, "LOG_LEVEL")
	setFromEnv(&c.Log.File, "LOG_FILE")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret (JWT_SECRET) is required", ErrInvalid)
	}
	if !slices.Contains(Drivers, c.Store.Driver) {
		return fmt.Errorf("%w: store.driver %q must be one of %v", ErrInvalid, c.Store.Driver, Drivers)
	}
	if c.Store.Driver == DriverSQLite && c.Store.DSN == "" {
		return fmt.Errorf("%w: store.dsn is required for sqlite", ErrInvalid)
	}
	if c.Store.Driver == DriverMQTT && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required for the mqtt driver", ErrInvalid)
	}

	s := c.Stream
	if s.MinInterval <= 0 || s.MaxInterval < s.MinInterval {
		return fmt.Errorf("%w: stream interval bounds [%v, %v]", ErrInvalid, s.MinInterval, s.MaxInterval)
	}
	if s.DefaultInterval < s.MinInterval || s.DefaultInterval > s.MaxInterval {
		return fmt.Errorf("%w: stream.default_interval %v outside [%v, %v]", ErrInvalid, s.DefaultInterval, s.MinInterval, s.MaxInterval)
	}
	if s.FetchLimit <= 0 {
		return fmt.Errorf("%w: stream.fetch_limit must be positive", ErrInvalid)
	}
	return nil
}
