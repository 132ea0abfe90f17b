// Package cmd wires the service binary's startup path: environment-first
// configuration with flag overrides, and trace setup around the run loop.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/louisbranch/parley/internal/platform/otel"
)

// ServiceParley names the chat delivery service for telemetry.
const ServiceParley = "parley"

// telemetryShutdownTimeout bounds the final span flush on exit.
const telemetryShutdownTimeout = 5 * time.Second

// LoadEnv fills cfg from environment variables using its env struct tags.
func LoadEnv[T any](cfg *T) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("load environment config: %w", err)
	}
	return nil
}

// ParseFlags applies command-line flags on top of the loaded environment
// defaults, so flags win over the environment.
func ParseFlags(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag set is required")
	}
	return fs.Parse(args)
}

// RunWithTelemetry starts tracing for the named service, executes the run
// loop, and flushes spans on the way out.
func RunWithTelemetry(ctx context.Context, service string, run func(context.Context) error) error {
	if strings.TrimSpace(service) == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}

	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Printf("%s: telemetry shutdown: %v", service, err)
		}
	}()

	return run(ctx)
}
