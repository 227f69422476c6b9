package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/hooks"
	"github.com/matt-riley/flageval/internal/metrics"
	"github.com/matt-riley/flageval/internal/middleware"
)

const (
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	shutdownTimeout       = 5 * time.Second
)

var watchedEvents = []flageval.EventType{
	flageval.EventReady,
	flageval.EventError,
	flageval.EventStale,
	flageval.EventConfigurationChanged,
	flageval.EventReconnecting,
}

type watchOptions struct {
	flagType     string
	defaultValue string
	targetingKey string
	attributes   []string
	metricsAddr  string
}

// watchLine is one JSON line of watch output. Event lines carry Event;
// evaluation lines carry Result.
type watchLine struct {
	Time         time.Time   `json:"time"`
	Event        string      `json:"event,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Message      string      `json:"message,omitempty"`
	FlagsChanged []string    `json:"flags_changed,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
	Result       *evalResult `json:"result,omitempty"`
}

// lineWriter serialises JSON lines written from event handlers.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) write(line watchLine) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(line)
}

func newWatchCommand(global *globalOptions) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch [flag-key...]",
		Short: "Stream provider events and re-evaluate flags when they change",
		Long: `watch keeps the provider open and prints one JSON line per provider
event. Listed flag keys are evaluated once the provider is ready and again
whenever a configuration change touches them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, global, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.flagType, "type", "t", typeBool, "flag type: bool, string, int, float or object")
	cmd.Flags().StringVarP(&opts.defaultValue, "default", "d", "", "default value returned when evaluation fails")
	cmd.Flags().StringVarP(&opts.targetingKey, "targeting-key", "k", "", "targeting key of the evaluation context")
	cmd.Flags().StringArrayVarP(&opts.attributes, "attr", "a", nil, "context attribute as key=value; JSON values are decoded")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides METRICS_ADDR)")

	return cmd
}

func runWatch(cmd *cobra.Command, global *globalOptions, opts *watchOptions, keys []string) error {
	defaultValue, err := parseDefault(opts.flagType, opts.defaultValue)
	if err != nil {
		return err
	}
	evalCtx, err := parseContext(opts.targetingKey, opts.attributes)
	if err != nil {
		return err
	}

	rt, err := global.setup(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close()

	ctx := cmd.Context()
	registry := prometheus.NewRegistry()
	metricsHook := hooks.Metrics(registry)

	client, closeClient, err := openClient(ctx, rt,
		providerOptions{follow: true, registry: registry},
		hooks.Tracing(rt.tracer), hooks.Logging(rt.logger), metricsHook)
	if err != nil {
		return err
	}
	defer closeClient()

	addr := opts.metricsAddr
	if addr == "" {
		addr = rt.cfg.MetricsAddr
	}
	var serveErr chan error
	if addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		server := newMetricsServer(registry, rt.logger)
		serveErr = make(chan error, 1)
		go func() {
			serveErr <- server.Serve(listener)
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server shutdown error", "error", err)
			}
		}()
		rt.logger.Info("serving metrics", "addr", listener.Addr().String())
	}

	out := newLineWriter(cmd.OutOrStdout())
	evaluate := func(keys []string) {
		for _, key := range keys {
			callCtx, cancel := context.WithTimeout(ctx, rt.cfg.Timeout)
			result, _ := evaluateFlag(callCtx, client, key, opts.flagType, defaultValue, flageval.WithInvocationContext(evalCtx))
			cancel()
			out.write(watchLine{Time: time.Now().UTC(), Result: &result})
		}
	}

	for _, eventType := range watchedEvents {
		unsubscribe := client.On(eventType, func(event flageval.ProviderEvent) {
			metricsHook.ObserveEvent(event)
			out.write(eventLine(event))
			if event.Type == flageval.EventConfigurationChanged {
				evaluate(affected(keys, event.FlagsChanged))
			}
		})
		defer unsubscribe()
	}

	evaluate(keys)

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return fmt.Errorf("metrics server: %w", err)
	}
}

func newMetricsServer(registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(registry))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	return &http.Server{
		Handler:           otelhttp.NewHandler(middleware.RequestLogging(logger, slog.LevelDebug)(mux), "flagctl-metrics"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
}

func eventLine(event flageval.ProviderEvent) watchLine {
	return watchLine{
		Time:         time.Now().UTC(),
		Event:        event.Type.String(),
		Provider:     event.ProviderName,
		Message:      event.Message,
		FlagsChanged: event.FlagsChanged,
		ErrorCode:    string(event.ErrorCode),
	}
}

// affected returns the watched keys named in changed. An empty change list
// means the provider could not tell, so every watched key is returned.
func affected(watched, changed []string) []string {
	if len(changed) == 0 {
		return watched
	}
	out := make([]string, 0, len(watched))
	for _, key := range watched {
		if slices.Contains(changed, key) {
			out = append(out, key)
		}
	}
	return out
}
