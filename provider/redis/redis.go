// Package redis serves flags stored as JSON documents in a Redis hash. A
// message on the "<key>:changed" channel makes every subscribed provider
// reload the hash.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/internal/rules"
	"github.com/matt-riley/flageval/provider/memory"
)

// DefaultKey is the hash holding flag definitions.
const DefaultKey = "flageval:flags"

const resubscribeDelay = 500 * time.Millisecond

// Dial connects to addr with tracing instrumentation and checks the
// connection.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})

	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("instrument redis tracing: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Config configures a [Provider].
type Config struct {
	Client goredis.UniversalClient
	// Key defaults to DefaultKey.
	Key    string
	Logger *slog.Logger
}

// Provider serves the flags of one Redis hash.
type Provider struct {
	*memory.Provider

	client goredis.UniversalClient
	key    string
	logger *slog.Logger

	mu     sync.Mutex
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a provider. The hash is read by Init.
func New(cfg Config) *Provider {
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		Provider: memory.New(nil, memory.WithName("redis")),
		client:   cfg.Client,
		key:      key,
		logger:   logger,
	}
}

func changeChannel(key string) string {
	return key + ":changed"
}

// Init loads the hash and subscribes to change notifications.
func (p *Provider) Init(ctx context.Context, evalCtx flageval.EvaluationContext) error {
	if err := p.Reload(ctx); err != nil {
		p.SetStatus(flageval.StatusError)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventError, Message: err.Error(), ErrorCode: flageval.ErrorProviderFatal})
		return err
	}

	pubsub := p.client.Subscribe(ctx, changeChannel(p.key))
	// Wait for the subscription confirmation so no change is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		p.SetStatus(flageval.StatusError)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventError, Message: err.Error(), ErrorCode: flageval.ErrorProviderFatal})
		return fmt.Errorf("subscribe to %s: %w", changeChannel(p.key), err)
	}

	if err := p.Provider.Init(ctx, evalCtx); err != nil {
		_ = pubsub.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.pubsub = pubsub
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.receive(runCtx, pubsub)
	return nil
}

// Shutdown closes the subscription and the event channel. The Redis client
// is owned by the caller and left open.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	pubsub, cancel := p.pubsub, p.cancel
	p.pubsub, p.cancel = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if pubsub != nil {
		err = pubsub.Close()
		p.wg.Wait()
	}
	if err != nil {
		p.logger.Warn("close redis subscription", slog.String("error", err.Error()))
	}
	return p.Provider.Shutdown(ctx)
}

// Reload replaces the in-memory snapshot with the hash contents. Entries
// that do not decode or validate are skipped.
func (p *Provider) Reload(ctx context.Context) error {
	entries, err := p.client.HGetAll(ctx, p.key).Result()
	if err != nil {
		return fmt.Errorf("read %s: %w", p.key, err)
	}

	flags := make([]rules.Flag, 0, len(entries))
	for field, raw := range entries {
		flag, err := decodeFlag(field, raw)
		if err != nil {
			p.logger.Warn("skipping invalid flag", slog.String("flag_key", field), slog.String("error", err.Error()))
			continue
		}
		flags = append(flags, flag)
	}
	p.Replace(flags)
	return nil
}

func decodeFlag(field, raw string) (rules.Flag, error) {
	var flag rules.Flag
	if err := json.Unmarshal([]byte(raw), &flag); err != nil {
		return rules.Flag{}, fmt.Errorf("decode flag: %w", err)
	}
	// The hash field is authoritative for the key.
	flag.Key = field
	if err := rules.Validate(flag); err != nil {
		return rules.Flag{}, err
	}
	return flag, nil
}

// receive reloads on every change message. A receive error marks the
// snapshot stale until go-redis re-establishes the subscription.
func (p *Provider) receive(ctx context.Context, pubsub *goredis.PubSub) {
	defer p.wg.Done()

	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.Status() != flageval.StatusStale {
				p.logger.Warn("redis subscription lost", slog.String("channel", changeChannel(p.key)), slog.String("error", err.Error()))
				p.SetStatus(flageval.StatusStale)
				p.Emit(flageval.ProviderEvent{Type: flageval.EventStale, Message: err.Error()})
				p.Emit(flageval.ProviderEvent{Type: flageval.EventReconnecting, Message: err.Error()})
			}
			retryTimer := time.NewTimer(resubscribeDelay)
			select {
			case <-ctx.Done():
				retryTimer.Stop()
				return
			case <-retryTimer.C:
			}
			continue
		}

		switch msg.(type) {
		case *goredis.Subscription:
			if p.Status() != flageval.StatusStale {
				continue
			}
			if err := p.Reload(ctx); err != nil {
				continue
			}
			p.SetStatus(flageval.StatusReady)
			p.Emit(flageval.ProviderEvent{Type: flageval.EventReady})
		case *goredis.Message:
			if err := p.Reload(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("flag reload failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Publish stores flag in the hash at key and notifies subscribers.
func Publish(ctx context.Context, client goredis.UniversalClient, key string, flag rules.Flag) error {
	if key == "" {
		key = DefaultKey
	}
	if err := rules.Validate(flag); err != nil {
		return err
	}
	raw, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("encode flag %q: %w", flag.Key, err)
	}

	_, err = client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, flag.Key, raw)
		pipe.Publish(ctx, changeChannel(key), flag.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish flag %q: %w", flag.Key, err)
	}
	return nil
}

// Remove deletes a flag from the hash at key and notifies subscribers.
func Remove(ctx context.Context, client goredis.UniversalClient, key, flagKey string) error {
	if key == "" {
		key = DefaultKey
	}
	_, err := client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, key, flagKey)
		pipe.Publish(ctx, changeChannel(key), flagKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove flag %q: %w", flagKey, err)
	}
	return nil
}
