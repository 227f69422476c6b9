package main

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/matt-riley/flageval/provider/file"
	redisprovider "github.com/matt-riley/flageval/provider/redis"
)

var errNoRedis = errors.New("REDIS_ADDR is required to publish flags")

type publishOptions struct {
	addr   string
	remove []string
}

func newPublishCommand(global *globalOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish [flag-file]",
		Short: "Copy flags from a YAML flag file into the Redis flag hash",
		Long: `publish validates every flag in the file and stores it in the Redis hash
read by the redis provider, notifying running providers of each change.
The file defaults to --flags-file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, global, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "redis-addr", "", "Redis address (overrides REDIS_ADDR)")
	cmd.Flags().StringArrayVar(&opts.remove, "remove", nil, "flag key to delete from the hash instead of publishing")

	return cmd
}

func runPublish(cmd *cobra.Command, global *globalOptions, opts *publishOptions, args []string) error {
	rt, err := global.setup(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close()

	addr := opts.addr
	if addr == "" {
		addr = rt.cfg.RedisAddr
	}
	if addr == "" {
		return errNoRedis
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Timeout)
	defer cancel()

	client, err := redisprovider.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			rt.logger.Error("redis close", "error", err)
		}
	}()

	if len(opts.remove) > 0 {
		return removeFlags(ctx, cmd, client, rt.cfg.RedisKey, opts.remove)
	}

	path := rt.cfg.FlagsFile
	if len(args) == 1 {
		path = args[0]
	}
	flags, err := file.Load(path)
	if err != nil {
		return err
	}

	published := make([]string, 0, len(flags))
	for _, flag := range flags {
		if err := redisprovider.Publish(ctx, client, rt.cfg.RedisKey, flag); err != nil {
			return err
		}
		rt.logger.Info("flag published", "flag_key", flag.Key, "key", rt.cfg.RedisKey)
		published = append(published, flag.Key)
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"key": rt.cfg.RedisKey, "published": published})
}

func removeFlags(ctx context.Context, cmd *cobra.Command, client goredis.UniversalClient, key string, flagKeys []string) error {
	for _, flagKey := range flagKeys {
		if err := redisprovider.Remove(ctx, client, key, flagKey); err != nil {
			return fmt.Errorf("remove %s: %w", flagKey, err)
		}
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"key": key, "removed": flagKeys})
}
