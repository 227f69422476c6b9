// Command flagctl evaluates feature flags from the command line.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables; flags override it.
//  2. Build the logger and the optional OTLP tracer provider.
//  3. Open the configured flag provider and initialise a client.
//  4. Run the subcommand until it finishes or SIGINT/SIGTERM arrives.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flageval/internal/config"
	"github.com/matt-riley/flageval/internal/logging"
	"github.com/matt-riley/flageval/internal/tracing"
)

const tracerShutdownTimeout = 5 * time.Second

// Version is set via ldflags during release builds.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("flagctl failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	provider  string
	flagsFile string
	logLevel  string
	logFormat string
	timeout   time.Duration
}

// runtime is what a subcommand needs once configuration is resolved.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	tracer trace.Tracer
	close  func()
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "flagctl",
		Short: "Evaluate and watch feature flags",
		Long: `flagctl resolves feature flags through one of the flageval providers
(memory, file, flagz, postgres or redis) and prints the results as JSON.

Configuration comes from FLAGCTL_* and provider environment variables;
command-line flags take precedence.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.provider, "provider", "", "flag provider: memory, file, flagz, postgres or redis")
	rootCmd.PersistentFlags().StringVarP(&opts.flagsFile, "flags-file", "f", "", "YAML flag file for the file provider")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", logging.FormatJSON, "log format: json or text")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "deadline for provider initialisation and evaluation")

	rootCmd.AddCommand(newEvalCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newPublishCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))

	return rootCmd
}

// setup resolves configuration and the ambient stack for cmd.
func (o *globalOptions) setup(ctx context.Context, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg = o.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewWithFormat(cfg.LogLevel, o.logFormat, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	tp, shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return &runtime{
		cfg:    cfg,
		logger: logger,
		tracer: tp.Tracer("github.com/matt-riley/flageval/cmd/flagctl"),
		close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownTimeout)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Error("tracer shutdown error", "error", err)
			}
		},
	}, nil
}

// apply overlays command-line flags on cfg.
func (o *globalOptions) apply(cfg config.Config) config.Config {
	if o.provider != "" {
		cfg.Provider = strings.ToLower(strings.TrimSpace(o.provider))
	}
	if o.flagsFile != "" {
		cfg.FlagsFile = o.flagsFile
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout
	}
	return cfg
}
