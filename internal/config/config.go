// Package config loads the relay configuration from mirra.yaml and MIRRA_*
// environment variables. Environment wins over file values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GatewayConfig is the chat-platform connection.
type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// BackendConfig is the text-generation backend connection.
type BackendConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// MetricsConfig is the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Config is the full relay configuration.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Backend BackendConfig `mapstructure:"backend"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	SelfID       string `mapstructure:"self_id"`
	SettingsPath string `mapstructure:"settings_path"`
	ExemplarPath string `mapstructure:"exemplar_path"`
	HistoryFile  string `mapstructure:"history_file"`
	LogLevel     string `mapstructure:"log_level"`
}

// Load reads configuration from the given file path, or from the default
// search locations when path is empty. A missing config file is not an error
// as long as the environment supplies the required values.
func Load(path string) (Config, error) {
	v := viper.New()

	// Empty defaults register the keys so environment-only deployments can
	// supply them without a config file.
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("self_id", "")
	v.SetDefault("backend.base_url", "https://api.mistral.ai/v1")
	v.SetDefault("backend.model", "mistral-large-latest")
	v.SetDefault("backend.temperature", 0.7)
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("settings_path", "~/.mirra/settings.json")
	v.SetDefault("exemplar_path", "")
	v.SetDefault("history_file", "~/.mirra/console_history")
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mirra")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/mirra")
	}

	v.SetEnvPrefix("MIRRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Gateway.URL == "" {
		return errors.New("gateway.url is required")
	}
	if c.Gateway.Token == "" {
		return errors.New("gateway.token is required")
	}
	if c.Backend.APIKey == "" {
		return errors.New("backend.api_key is required")
	}
	return nil
}
