package logging

import (
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv overlays LOG_LEVEL, LOG_FORMAT, ENVIRONMENT and
// LOG_ADD_SOURCE on top of base.
func GetConfigFromEnv(base Config) Config {
	config := base

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
		applyEnvironmentDefaults(&config)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}

	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	return config
}

func applyEnvironmentDefaults(config *Config) {
	switch config.Environment {
	case EnvProduction:
		config.Format = "json"
		config.Level = "info"
		config.AddSource = false
	case EnvTest:
		config.Format = "text"
		config.Level = "debug"
		config.AddSource = false
	case EnvDevelopment:
		config.Format = "text"
		config.Level = "debug"
		config.AddSource = true
	}
}
