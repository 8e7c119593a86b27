package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-xfs/internal/metrics"
	"github.com/deploymenttheory/go-xfs/internal/xfs"
)

// EngineConfig holds the tunables the CLI reads from xfs-config.yaml or
// XFS_* environment variables; flags override both.
type EngineConfig struct {
	CacheCapacity  int  `mapstructure:"cache_capacity"`
	Debug          bool `mapstructure:"debug"`
	DefaultRW      bool `mapstructure:"default_rw"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// LoadEngineConfig loads configuration using Viper.
func LoadEngineConfig() (*EngineConfig, error) {
	viper.SetConfigName("xfs-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.xfs")
	viper.AddConfigPath("/etc/xfs")

	viper.SetDefault("cache_capacity", 1024)
	viper.SetDefault("debug", false)
	viper.SetDefault("default_rw", false)
	viper.SetDefault("enable_metrics", false)

	viper.SetEnvPrefix("XFS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine; defaults apply.
	}

	var config EngineConfig
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// mountFromFlags mounts the named source honoring config and flags.
func mountFromFlags(source string) (*xfs.Mount, error) {
	config, err := LoadEngineConfig()
	if err != nil {
		return nil, err
	}
	if config.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	opts := xfs.MountOptions{
		ReadWrite:     readWrite || config.DefaultRW,
		CacheCapacity: config.CacheCapacity,
	}
	if config.EnableMetrics {
		opts.Metrics = metrics.NewCollector()
	}
	return xfs.MountPath(source, opts)
}
