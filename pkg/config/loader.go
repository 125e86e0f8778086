package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "CRMDISPATCH"

// Load reads configuration from a file and environment variables.
// fileName may be a bare config name searched in the working directory, or a
// path to a yaml file.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.auth.issuer", "")
	v.SetDefault("server.auth.audience", "")
	v.SetDefault("server.auth.leeway", "0s")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.readLimit", 64*1024)
	v.SetDefault("transport.closeTimeout", "2s")
	v.SetDefault("broadcast.concurrency", 32)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 2. Set config file details
	if strings.HasSuffix(fileName, ".yaml") || strings.HasSuffix(fileName, ".yml") {
		v.SetConfigFile(fileName)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Auth.JWTSecret == "" {
		return errors.New("server.auth.jwtSecret must be set")
	}
	switch c.Server.ConnectionLimit.Mode {
	case "", "reject", "cycle":
	default:
		return fmt.Errorf("invalid server.connectionLimit.mode %q: want reject or cycle", c.Server.ConnectionLimit.Mode)
	}
	if c.Transport.ReadLimit < 0 {
		return errors.New("transport.readLimit must not be negative")
	}
	return nil
}
