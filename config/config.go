package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DataPaths holds the data directory and file path configuration. Paths can
// be overridden via environment variables.
type DataPaths struct {
	// DataDir is the base state directory (BASTION_DATA_PATHS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the metadata database file path (default: ${DataDir}/bastion.db)
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Config holds all configuration for the bastion service.
type Config struct {
	// DataPaths holds the state directory configuration
	DataPaths DataPaths `mapstructure:"data_paths"`

	Database struct {
		// BusyTimeout is the SQLite busy timeout in milliseconds
		BusyTimeout int `mapstructure:"busy_timeout"`
		// ReadPoolSize caps concurrent read connections
		ReadPoolSize int `mapstructure:"read_pool_size"`
	} `mapstructure:"database"`

	Service struct {
		// Host identifies the machine this worker runs on (default: os.Hostname)
		Host string `mapstructure:"host"`
		// Binary names the worker program registering itself
		Binary string `mapstructure:"binary"`
		// Topic is the message topic the worker consumes
		Topic string `mapstructure:"topic"`
		// ReportInterval is the heartbeat period
		ReportInterval time.Duration `mapstructure:"report_interval"`
		// EnableNewServices is the registration policy: when false, newly
		// registered services start disabled
		EnableNewServices bool `mapstructure:"enable_new_services"`
	} `mapstructure:"service"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("database.busy_timeout", 5000)
	viper.SetDefault("database.read_pool_size", 10)
	viper.SetDefault("service.binary", "bastion-operationengine")
	viper.SetDefault("service.topic", "bastion-operationengine")
	viper.SetDefault("service.report_interval", 10*time.Second)
	viper.SetDefault("service.enable_new_services", true)
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.addr", ":9090")
}

// LoadConfig reads bastion.yaml plus BASTION_* environment variables and
// returns the validated configuration.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("bastion")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("BASTION")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolveDataPaths()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ResolveDataPaths derives unset paths and the worker host from their
// defaults.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "bastion.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	c.DataPaths.DataDir = filepath.Clean(dataDir)

	if c.Service.Host == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Service.Host = hostname
		} else {
			c.Service.Host = "localhost"
		}
	}
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout must not be negative, got %d", c.Database.BusyTimeout)
	}
	if c.Database.ReadPoolSize < 1 {
		return fmt.Errorf("database.read_pool_size must be at least 1, got %d", c.Database.ReadPoolSize)
	}
	if c.Service.ReportInterval <= 0 {
		return fmt.Errorf("service.report_interval must be positive, got %s", c.Service.ReportInterval)
	}
	if c.Service.Binary == "" {
		return fmt.Errorf("service.binary must not be empty")
	}
	if c.Service.Topic == "" {
		return fmt.Errorf("service.topic must not be empty")
	}
	return nil
}

// GetDataDir returns the resolved state directory.
func (c *Config) GetDataDir() string {
	return c.DataPaths.DataDir
}

// GetSQLitePath returns the resolved metadata database path.
func (c *Config) GetSQLitePath() string {
	return c.DataPaths.SQLitePath
}
