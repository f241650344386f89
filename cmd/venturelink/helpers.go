package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	venturelink "github.com/venturelink/sdk/golang"
)

// logger is configured by the root command before any subcommand runs.
var logger = zerolog.Nop()

// mustConfig loads the config and exits if no token is available.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.token() == "" {
		fmt.Fprintf(os.Stderr, "No token. Run 'venturelink login <token>' or set %s.\n", tokenEnv)
		os.Exit(1)
	}
	return cfg
}

// getClient creates a REST client authenticated with the configured token.
func getClient(cfg *Config) *venturelink.Client {
	var opts []venturelink.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, venturelink.WithBaseURL(cfg.Default.BaseURL))
	}
	return venturelink.NewClient(cfg.token(), opts...)
}

// realtimeURL is the configured realtime endpoint, or the one derived from
// the REST base URL.
func realtimeURL(cfg *Config, client *venturelink.Client) string {
	if cfg.Default.RealtimeURL != "" {
		return cfg.Default.RealtimeURL
	}
	return client.RealtimeURL()
}

// cachePath returns the SQLite cache location.
func cachePath(cfg *Config) (string, error) {
	if cfg.Default.CachePath != "" {
		return cfg.Default.CachePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// selfID is the configured user id, falling back to the token subject.
func selfID(cfg *Config) string {
	if cfg.Auth.UserID != "" {
		return cfg.Auth.UserID
	}
	return venturelink.TokenSubject(cfg.token())
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
