// Package parley parses service flags and composes the chat entrypoint.
package parley

import (
	"context"
	"flag"
	"fmt"

	"github.com/louisbranch/parley/internal/app/server"
	entrypoint "github.com/louisbranch/parley/internal/platform/cmd"
)

// Config holds the chat service configuration.
type Config struct {
	HTTPAddr    string `env:"PARLEY_HTTP_ADDR"    envDefault:":8080"`
	StoragePath string `env:"PARLEY_STORAGE_PATH" envDefault:"parley.db"`
	JWTSecret   string `env:"PARLEY_JWT_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.LoadEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "sqlite database path")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret for bearer tokens")
	if err := entrypoint.ParseFlags(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceParley, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			StoragePath: cfg.StoragePath,
			JWTSecret:   cfg.JWTSecret,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
