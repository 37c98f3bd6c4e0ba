// Package config содержит логику чтения конфигурации сервиса учёта галонов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса учёта галонов.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	NotifyAddress     string `env:"NOTIFY_ADDRESS"`
	NotifyAPIKey      string `env:"NOTIFY_API_KEY"`
	NotifyCountryCode string `env:"NOTIFY_COUNTRY_CODE"`
	AuthSecret        string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyAddress := cfg.NotifyAddress
	envNotifyAPIKey := cfg.NotifyAPIKey
	envNotifyCountryCode := cfg.NotifyCountryCode
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifyAddress, "n", "", "text notification gateway address")
	flag.StringVar(&cfg.NotifyAPIKey, "k", "", "text notification gateway API key")
	flag.StringVar(&cfg.NotifyCountryCode, "c", "62", "default phone country code for notifications")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookie signing")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyAddress != "" {
		cfg.NotifyAddress = envNotifyAddress
	}
	if envNotifyAPIKey != "" {
		cfg.NotifyAPIKey = envNotifyAPIKey
	}
	if envNotifyCountryCode != "" {
		cfg.NotifyCountryCode = envNotifyCountryCode
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.NotifyCountryCode == "" {
		cfg.NotifyCountryCode = "62"
	}

	return cfg, nil
}
