package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Directory DirectoryConfig `mapstructure:"directory"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Device    DeviceConfig    `mapstructure:"device"`
	Traffic   TrafficConfig   `mapstructure:"traffic"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// DirectoryConfig selects the persistence backend: memory, sqlite or mongodb
type DirectoryConfig struct {
	Driver string `mapstructure:"driver"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// DeviceConfig bounds every router and OLT operation
type DeviceConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	SNMPRetries int           `mapstructure:"snmp_retries"`
}

type TrafficConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxMonitors  int           `mapstructure:"max_monitors"`
}

type DiscoveryConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// LoadConfig reads config.yaml from the working directory or ./config, or
// from file when it is not empty, and applies ISP_NETWORK_* overrides
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Set default values
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("directory.driver", "memory")
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "isp_network")
	v.SetDefault("sqlite.path", "./isp-network.sqlite")
	v.SetDefault("device.timeout", 5*time.Second)
	v.SetDefault("device.snmp_retries", 1)
	v.SetDefault("traffic.poll_interval", 3*time.Second)
	v.SetDefault("traffic.idle_timeout", 2*time.Minute)
	v.SetDefault("traffic.max_monitors", 64)
	v.SetDefault("discovery.cache_size", 256)
	v.SetDefault("discovery.cache_ttl", 10*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Enable environment variable binding
	v.SetEnvPrefix("ISP_NETWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch c.Directory.Driver {
	case "memory", "sqlite", "mongodb":
	default:
		return fmt.Errorf("directory.driver must be memory, sqlite or mongodb, got %q", c.Directory.Driver)
	}
	if c.Traffic.PollInterval <= 0 {
		return fmt.Errorf("traffic.poll_interval must be positive")
	}
	if c.Device.Timeout <= 0 {
		return fmt.Errorf("device.timeout must be positive")
	}
	return nil
}
