package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/internal/config"
	"github.com/matt-riley/flageval/internal/metrics"
	"github.com/matt-riley/flageval/provider/file"
	"github.com/matt-riley/flageval/provider/flagz"
	"github.com/matt-riley/flageval/provider/memory"
	"github.com/matt-riley/flageval/provider/postgres"
	redisprovider "github.com/matt-riley/flageval/provider/redis"
)

// providerOptions tunes provider construction per subcommand.
type providerOptions struct {
	// follow keeps change notification channels open.
	follow bool
	// registry, when set, receives connection pool metrics.
	registry prometheus.Registerer
}

// openProvider builds the provider selected by cfg. The returned function
// releases connections the provider does not own.
func openProvider(ctx context.Context, cfg config.Config, logger *slog.Logger, opts providerOptions) (flageval.Provider, func(), error) {
	noop := func() {}

	switch cfg.Provider {
	case config.ProviderMemory:
		return memory.New(nil), noop, nil

	case config.ProviderFile:
		fileOpts := []file.Option{file.WithLogger(logger)}
		if !opts.follow {
			fileOpts = append(fileOpts, file.WithoutWatch())
		}
		return file.New(cfg.FlagsFile, fileOpts...), noop, nil

	case config.ProviderFlagz:
		return flagz.New(flagz.Config{
			BaseURL:       cfg.FlagzBaseURL,
			APIKey:        cfg.FlagzAPIKey,
			Logger:        logger,
			DisableStream: !opts.follow,
		}), noop, nil

	case config.ProviderPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if opts.registry != nil {
			metrics.RegisterPoolMetrics(opts.registry, pool)
		}
		resync := cfg.CacheResyncInterval
		if !opts.follow {
			resync = -1
		}
		return postgres.New(postgres.Config{
			Pool:           pool,
			ProjectID:      cfg.ProjectID,
			ResyncInterval: resync,
			Logger:         logger,
		}), pool.Close, nil

	case config.ProviderRedis:
		client, err := redisprovider.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Error("redis close", "error", err)
			}
		}
		return redisprovider.New(redisprovider.Config{
			Client: client,
			Key:    cfg.RedisKey,
			Logger: logger,
		}), closeClient, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, cfg.Provider)
	}
}

// openClient opens the provider and initialises a client over it within
// the configured timeout.
func openClient(ctx context.Context, rt *runtime, opts providerOptions, hooks ...flageval.Hook) (*flageval.Client, func(), error) {
	initCtx, cancel := context.WithTimeout(ctx, rt.cfg.Timeout)
	defer cancel()

	provider, release, err := openProvider(initCtx, rt.cfg, rt.logger, opts)
	if err != nil {
		return nil, nil, err
	}

	client := flageval.New(flageval.Config{
		Name:     "flagctl",
		Provider: provider,
		Logger:   rt.logger,
		Hooks:    hooks,
	})
	closeAll := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Timeout)
		defer cancel()
		if err := client.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("provider shutdown error", "error", err)
		}
		release()
	}

	if err := client.Init(initCtx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("init %s provider: %w", rt.cfg.Provider, err)
	}
	return client, closeAll, nil
}
