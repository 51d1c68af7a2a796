// Package config provides a reusable loader for validator configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"sawtooth-validator/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a validator node. It
// mirrors the layout of the YAML files Load reads (default.yaml and an
// optional environment overlay, from cmd/config or config).
type Config struct {
	Network struct {
		ListenAddr      string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag    string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MinConnectivity int      `mapstructure:"min_connectivity" json:"min_connectivity"`
		MaxConnectivity int      `mapstructure:"max_connectivity" json:"max_connectivity"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		Algorithm string `mapstructure:"algorithm" json:"algorithm"`
		Version   string `mapstructure:"version" json:"version"`
	} `mapstructure:"consensus" json:"consensus"`

	Scheduler struct {
		// Type selects "serial" or "parallel"; see core.NewSerialScheduler
		// and core.NewParallelScheduler.
		Type             string `mapstructure:"type" json:"type"`
		ExecutorPoolSize int    `mapstructure:"executor_pool_size" json:"executor_pool_size"`
	} `mapstructure:"scheduler" json:"scheduler"`

	Storage struct {
		DataDir      string `mapstructure:"data_dir" json:"data_dir"`
		SnapshotSize int    `mapstructure:"snapshot_every_n_blocks" json:"snapshot_every_n_blocks"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level    string `mapstructure:"level" json:"level"`
		File     string `mapstructure:"file" json:"file"`
		Metrics  string `mapstructure:"metrics_addr" json:"metrics_addr"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of a .env file is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SAWTOOTH_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SAWTOOTH_ENV", ""))
}

// applyDefaults fills in values a bare-minimum config file is allowed to
// omit.
func applyDefaults(c *Config) {
	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	}
	if c.Network.MinConnectivity == 0 {
		c.Network.MinConnectivity = 3
	}
	if c.Network.MaxConnectivity == 0 {
		c.Network.MaxConnectivity = 16
	}
	if c.Consensus.Algorithm == "" {
		c.Consensus.Algorithm = "devmode"
	}
	if c.Scheduler.Type == "" {
		c.Scheduler.Type = "parallel"
	}
	if c.Scheduler.ExecutorPoolSize == 0 {
		c.Scheduler.ExecutorPoolSize = 4
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
