// Package postgres serves flags stored in the flagz PostgreSQL schema. The
// flag table is loaded into memory and reloaded whenever a notification
// arrives on the flag event channel, and on a periodic resync.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/internal/rules"
	"github.com/matt-riley/flageval/provider/memory"
)

const (
	defaultNotifyChannel  = "flag_events"
	defaultResyncInterval = time.Minute
	listenRetryDelay      = time.Second

	variantOn  = "on"
	variantOff = "off"
)

var (
	ErrInvalidRules    = errors.New("invalid rules payload")
	ErrInvalidVariants = errors.New("invalid variants payload")
)

// Row is one record of the flags table.
type Row struct {
	ProjectID   string
	Key         string
	Description string
	Enabled     bool
	Variants    json.RawMessage
	Rules       json.RawMessage
	UpdatedAt   time.Time
}

// Config configures a [Provider].
type Config struct {
	Pool *pgxpool.Pool
	// ProjectID restricts the provider to one project; empty loads all.
	ProjectID string
	// NotifyChannel defaults to "flag_events".
	NotifyChannel string
	// ResyncInterval defaults to one minute; negative disables it.
	ResyncInterval time.Duration
	Logger         *slog.Logger
}

// Provider serves flags from PostgreSQL.
type Provider struct {
	*memory.Provider

	pool          *pgxpool.Pool
	projectID     string
	notifyChannel string
	resync        time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a provider. Flags are loaded by Init.
func New(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resync := cfg.ResyncInterval
	if resync == 0 {
		resync = defaultResyncInterval
	}
	return &Provider{
		Provider:      memory.New(nil, memory.WithName("postgres")),
		pool:          cfg.Pool,
		projectID:     strings.TrimSpace(cfg.ProjectID),
		notifyChannel: normalizeNotifyChannel(cfg.NotifyChannel),
		resync:        resync,
		logger:        logger,
	}
}

// Init loads the flag table and starts listening for changes.
func (p *Provider) Init(ctx context.Context, evalCtx flageval.EvaluationContext) error {
	if err := p.Reload(ctx); err != nil {
		p.SetStatus(flageval.StatusError)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventError, Message: err.Error(), ErrorCode: flageval.ErrorProviderFatal})
		return err
	}

	if err := p.Provider.Init(ctx, evalCtx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.runListener(runCtx)
	if p.resync > 0 {
		p.wg.Add(1)
		go p.runResync(runCtx)
	}
	return nil
}

// Shutdown stops the listener and closes the event channel. The pool is
// owned by the caller and left open.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return p.Provider.Shutdown(ctx)
}

// Reload replaces the in-memory snapshot with the current table contents.
func (p *Provider) Reload(ctx context.Context) error {
	rows, err := p.listFlags(ctx)
	if err != nil {
		return err
	}

	flags := make([]rules.Flag, 0, len(rows))
	for _, row := range rows {
		flag, err := FlagFromRow(row)
		if err != nil {
			p.logger.Warn("skipping invalid flag", slog.String("flag_key", row.Key), slog.String("error", err.Error()))
			continue
		}
		flags = append(flags, flag)
	}
	p.Replace(flags)
	return nil
}

func (p *Provider) listFlags(ctx context.Context) ([]Row, error) {
	query := `
		SELECT project_id, key, description, enabled, variants, rules, updated_at
		FROM flags
		ORDER BY project_id, key
	`
	args := []any{}
	if p.projectID != "" {
		query = `
		SELECT project_id, key, description, enabled, variants, rules, updated_at
		FROM flags
		WHERE project_id = $1
		ORDER BY key
	`
		args = append(args, p.projectID)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Row, 0)
	for rows.Next() {
		var row Row
		if err := rows.Scan(
			&row.ProjectID,
			&row.Key,
			&row.Description,
			&row.Enabled,
			&row.Variants,
			&row.Rules,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// FlagFromRow converts a flagz row into a boolean flag: disabled flags
// resolve false, a matching rule resolves true, and otherwise the
// "default" entry of the variants payload applies (true when absent).
func FlagFromRow(row Row) (rules.Flag, error) {
	fallback := variantOn
	if def, err := parseBooleanDefault(row.Variants); err != nil {
		return rules.Flag{}, fmt.Errorf("flag %q: %w", row.Key, err)
	} else if def != nil && !*def {
		fallback = variantOff
	}
	if !row.Enabled {
		fallback = variantOff
	}

	var stored []rules.Rule
	if len(row.Rules) > 0 && string(row.Rules) != "null" {
		if err := json.Unmarshal(row.Rules, &stored); err != nil {
			return rules.Flag{}, fmt.Errorf("flag %q: %w: %v", row.Key, ErrInvalidRules, err)
		}
	}
	for i := range stored {
		stored[i].Variant = variantOn
	}

	metadata := map[string]string{"project_id": row.ProjectID}
	if row.Description != "" {
		metadata["description"] = row.Description
	}

	return rules.Flag{
		Key:            row.Key,
		Disabled:       !row.Enabled,
		Variants:       map[string]any{variantOn: true, variantOff: false},
		DefaultVariant: fallback,
		Rules:          stored,
		Metadata:       metadata,
	}, nil
}

func parseBooleanDefault(payload json.RawMessage) (*bool, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return nil, nil
	}

	var variants map[string]any
	if err := json.Unmarshal(payload, &variants); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVariants, err)
	}

	defaultValue, ok := variants["default"].(bool)
	if !ok {
		return nil, nil
	}
	return &defaultValue, nil
}

func (p *Provider) runResync(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.resync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Reload(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("flag resync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runListener keeps a LISTEN connection open. While it is down the snapshot
// is served as stale.
func (p *Provider) runListener(ctx context.Context) {
	defer p.wg.Done()

	for {
		err := p.listen(ctx)
		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("flag event listener lost", slog.String("channel", p.notifyChannel), slog.String("error", err.Error()))
		p.SetStatus(flageval.StatusStale)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventStale, Message: err.Error()})
		p.Emit(flageval.ProviderEvent{Type: flageval.EventReconnecting, Message: err.Error()})

		retryTimer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (p *Provider) listen(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(p.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", p.notifyChannel, err)
	}

	// Changes made while the listener was down are picked up here.
	if p.Status() == flageval.StatusStale {
		if err := p.Reload(ctx); err != nil {
			return err
		}
		p.SetStatus(flageval.StatusReady)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventReady})
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for flag event notification: %w", err)
		}
		if !p.concerns(notification.Payload) {
			continue
		}
		if err := p.Reload(ctx); err != nil {
			return err
		}
	}
}

// concerns reports whether a notification may affect this provider's
// project. Unparseable payloads always trigger a reload.
func (p *Provider) concerns(payload string) bool {
	if p.projectID == "" {
		return true
	}
	var message struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal([]byte(payload), &message); err != nil || message.ProjectID == "" {
		return true
	}
	return message.ProjectID == p.projectID
}

// Notify publishes a change notification the way the flagz server does.
func Notify(ctx context.Context, pool *pgxpool.Pool, channel, projectID, flagKey, eventType string) error {
	payload, err := json.Marshal(struct {
		ProjectID string `json:"project_id"`
		FlagKey   string `json:"flag_key"`
		EventType string `json:"event_type"`
	}{ProjectID: projectID, FlagKey: flagKey, EventType: eventType})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := pool.Exec(ctx, `SELECT pg_notify($1, $2)`, normalizeNotifyChannel(channel), string(payload)); err != nil {
		return fmt.Errorf("notify flag event: %w", err)
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
