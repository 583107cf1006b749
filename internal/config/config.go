package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the service configuration.
type Config struct {
	DatabaseURL    string
	Port           string
	LogLevel       string
	AllowedOrigins []string
	MigrationsPath string
}

func defaults() Config {
	return Config{
		Port:           "8080",
		LogLevel:       "INFO",
		AllowedOrigins: []string{"*"},
		MigrationsPath: "migrations",
	}
}

// Load reads configuration from an optional config.yaml in configPath,
// with environment variable overrides (CRM_DATABASE_URL, CRM_PORT, ...).
func Load(configPath string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("CRM")

	v.BindEnv("database_url")
	v.BindEnv("port")
	v.BindEnv("log_level")
	v.BindEnv("allowed_origins")
	v.BindEnv("migrations_path")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults apply.
	}

	if v.IsSet("database_url") {
		cfg.DatabaseURL = v.GetString("database_url")
	}
	if v.IsSet("port") {
		cfg.Port = v.GetString("port")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("allowed_origins") {
		cfg.AllowedOrigins = v.GetStringSlice("allowed_origins")
	}
	if v.IsSet("migrations_path") {
		cfg.MigrationsPath = v.GetString("migrations_path")
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("database_url is required (set CRM_DATABASE_URL or config.yaml)")
	}

	return cfg, nil
}
