package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/kingtrader/optionsengine/internal/errs"
)

// OperationalConfig holds the handful of knobs that are not part of the
// frozen Constants table: broker endpoint, data directory, log level,
// paper-trading flag. Unlike the Constants table, these may differ per
// deployment; the Constants table never changes at runtime.
type OperationalConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DataDir    string `mapstructure:"dataDir"`
	LogLevel   string `mapstructure:"logLevel"`
	PaperTrade bool   `mapstructure:"paperTrade"`
	BrokerURL  string `mapstructure:"brokerUrl"`
}

// DefaultOperationalConfig returns the operational-layer defaults.
func DefaultOperationalConfig() *OperationalConfig {
	return &OperationalConfig{
		Host:       "127.0.0.1",
		Port:       8080,
		DataDir:    "./data",
		LogLevel:   "info",
		PaperTrade: true,
	}
}

// LoadOperationalConfig overlays an optional YAML/env file onto the
// defaults using viper. A missing config file is not an error: the
// defaults apply. A malformed one is a ConfigError and the process must
// refuse to start.
func LoadOperationalConfig(path string) (*OperationalConfig, error) {
	cfg := DefaultOperationalConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()
	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("dataDir", cfg.DataDir)
	v.SetDefault("logLevel", cfg.LogLevel)
	v.SetDefault("paperTrade", cfg.PaperTrade)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, &errs.ConfigError{Field: "operational", Reason: fmt.Sprintf("reading %s: %v", path, err)}
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, &errs.ConfigError{Field: "operational", Reason: err.Error()}
	}

	return cfg, nil
}
