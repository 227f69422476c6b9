// Package flagz resolves boolean flags against a flagz server over HTTP and
// follows its server-sent event stream for configuration changes.
package flagz

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flageval"
)

const (
	defaultReconnectBackoff = 2 * time.Second
	maxReconnectBackoff     = 30 * time.Second
	eventBuffer             = 64
)

// Config holds configuration for the flagz provider.
type Config struct {
	// BaseURL is the base URL of the flagz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; its transport is wrapped with otelhttp.
	HTTPClient *http.Client
	Logger     *slog.Logger
	// ReconnectBackoff is the first delay before reconnecting a dropped
	// stream; it doubles up to 30s.
	ReconnectBackoff time.Duration
	// DisableStream skips the event stream; the provider then never emits
	// configuration changes.
	DisableStream bool
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagz: HTTP %d: %s", e.StatusCode, e.Message)
}

// Provider implements [flageval.Provider] for a flagz server.
type Provider struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.RWMutex
	status      flageval.ProviderStatus
	events      chan flageval.ProviderEvent
	closed      bool
	lastEventID int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a provider for the flagz server at cfg.BaseURL.
func New(cfg Config) *Provider {
	base := http.DefaultTransport
	timeout := time.Duration(0)
	if cfg.HTTPClient != nil {
		if cfg.HTTPClient.Transport != nil {
			base = cfg.HTTPClient.Transport
		}
		timeout = cfg.HTTPClient.Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(base), Timeout: timeout},
		logger:     logger,
		status:     flageval.StatusNotReady,
		events:     make(chan flageval.ProviderEvent, eventBuffer),
	}
}

func (p *Provider) Metadata() flageval.ProviderMetadata {
	return flageval.ProviderMetadata{Name: "flagz"}
}

func (p *Provider) Status() flageval.ProviderStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Provider) Events() <-chan flageval.ProviderEvent {
	return p.events
}

// Init probes /healthz and starts following the event stream.
func (p *Provider) Init(ctx context.Context, _ flageval.EvaluationContext) error {
	resp, err := p.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		p.setStatus(flageval.StatusError)
		p.emit(flageval.ProviderEvent{Type: flageval.EventError, Message: err.Error(), ErrorCode: codeFor(err)})
		return fmt.Errorf("flagz: health check: %w", err)
	}
	_ = resp.Body.Close()

	p.setStatus(flageval.StatusReady)
	p.emit(flageval.ProviderEvent{Type: flageval.EventReady})

	if !p.cfg.DisableStream {
		streamCtx, cancel := context.WithCancel(context.Background())
		p.mu.Lock()
		p.cancel = cancel
		p.mu.Unlock()

		p.wg.Add(1)
		go p.follow(streamCtx)
	}
	return nil
}

// Shutdown stops the stream and closes the event channel.
func (p *Provider) Shutdown(context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = flageval.StatusNotReady
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

type wireContext struct {
	Attributes map[string]any `json:"attributes,omitempty"`
}

type wireEvaluateReq struct {
	Key          string      `json:"key"`
	Context      wireContext `json:"context"`
	DefaultValue bool        `json:"default_value"`
}

type wireEvaluateResp struct {
	Results []struct {
		Key   string `json:"key"`
		Value bool   `json:"value"`
	} `json:"results"`
}

func (p *Provider) ResolveBoolean(ctx context.Context, key string, defaultValue bool, evalCtx flageval.EvaluationContext) (flageval.FlagResolution[bool], error) {
	failed := func(err error) (flageval.FlagResolution[bool], error) {
		resErr := flageval.NewResolutionError(codeFor(err), "%v", err)
		return flageval.FlagResolution[bool]{
			FlagKey:      key,
			Value:        defaultValue,
			Reason:       flageval.ReasonError,
			ErrorCode:    resErr.Code,
			ErrorMessage: resErr.Message,
		}, resErr
	}

	attributes := evalCtx.AttributeMap()
	if evalCtx.HasTargetingKey() {
		attributes[flageval.TargetingKeyAttribute] = evalCtx.TargetingKey()
	}

	resp, err := p.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{
		Key:          key,
		Context:      wireContext{Attributes: attributes},
		DefaultValue: defaultValue,
	})
	if err != nil {
		return failed(err)
	}
	defer resp.Body.Close()

	var out wireEvaluateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failed(fmt.Errorf("flagz: decode response: %w", err))
	}
	for _, result := range out.Results {
		if result.Key == key {
			reason := flageval.ReasonUnknown
			if p.Status() == flageval.StatusStale {
				reason = flageval.ReasonStale
			}
			return flageval.FlagResolution[bool]{
				FlagKey:  key,
				Value:    result.Value,
				Variant:  strconv.FormatBool(result.Value),
				Reason:   reason,
				Metadata: map[string]string{"source": "flagz"},
			}, nil
		}
	}
	return failed(flageval.FlagNotFound(key))
}

func (p *Provider) ResolveString(_ context.Context, key string, defaultValue string, _ flageval.EvaluationContext) (flageval.FlagResolution[string], error) {
	return unsupported(key, defaultValue)
}

func (p *Provider) ResolveInt(_ context.Context, key string, defaultValue int64, _ flageval.EvaluationContext) (flageval.FlagResolution[int64], error) {
	return unsupported(key, defaultValue)
}

func (p *Provider) ResolveFloat(_ context.Context, key string, defaultValue float64, _ flageval.EvaluationContext) (flageval.FlagResolution[float64], error) {
	return unsupported(key, defaultValue)
}

func (p *Provider) ResolveObject(_ context.Context, key string, defaultValue any, _ flageval.EvaluationContext) (flageval.FlagResolution[any], error) {
	return unsupported(key, defaultValue)
}

// flagz models boolean flags only.
func unsupported[T any](key string, defaultValue T) (flageval.FlagResolution[T], error) {
	err := flageval.NewResolutionError(flageval.ErrorTypeMismatch, "flagz serves boolean flags only, %q requested as %T", key, defaultValue)
	return flageval.FlagResolution[T]{
		FlagKey:      key,
		Value:        defaultValue,
		Reason:       flageval.ReasonError,
		ErrorCode:    err.Code,
		ErrorMessage: err.Message,
	}, err
}

func (p *Provider) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func codeFor(err error) flageval.ErrorCode {
	var resErr *flageval.ResolutionError
	if errors.As(err, &resErr) {
		return resErr.Code
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return flageval.ErrorFlagNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			return flageval.ErrorInvalidConfiguration
		case http.StatusBadRequest:
			return flageval.ErrorInvalidContext
		}
	}
	return flageval.ErrorGeneral
}

func (p *Provider) setStatus(status flageval.ProviderStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *Provider) emit(event flageval.ProviderEvent) {
	event.ProviderName = "flagz"

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- event:
	default:
	}
}

// follow keeps a stream connected until ctx is cancelled. A dropped stream
// marks the provider stale until it reconnects.
func (p *Provider) follow(ctx context.Context) {
	defer p.wg.Done()
	backoff := p.cfg.ReconnectBackoff

	for {
		p.mu.RLock()
		lastEventID := p.lastEventID
		p.mu.RUnlock()

		events, err := p.stream(ctx, lastEventID)
		if err == nil {
			backoff = p.cfg.ReconnectBackoff
			if p.Status() != flageval.StatusReady {
				p.setStatus(flageval.StatusReady)
				p.emit(flageval.ProviderEvent{Type: flageval.EventReady})
			}
			for event := range events {
				p.handle(event)
			}
		}
		if ctx.Err() != nil {
			return
		}

		message := "stream closed"
		if err != nil {
			message = err.Error()
		}
		p.logger.Warn("flagz stream dropped", slog.String("error", message), slog.Duration("retry_in", backoff))
		p.setStatus(flageval.StatusStale)
		p.emit(flageval.ProviderEvent{Type: flageval.EventStale, Message: message})
		p.emit(flageval.ProviderEvent{Type: flageval.EventReconnecting, Message: message})

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, maxReconnectBackoff)
	}
}

func (p *Provider) handle(event streamEvent) {
	p.mu.Lock()
	if event.EventID > p.lastEventID {
		p.lastEventID = event.EventID
	}
	p.mu.Unlock()

	switch event.Type {
	case "update", "delete":
		var changed []string
		if event.Key != "" {
			changed = []string{event.Key}
		}
		p.emit(flageval.ProviderEvent{
			Type:         flageval.EventConfigurationChanged,
			FlagsChanged: changed,
			Metadata:     map[string]string{"event": event.Type, "event_id": strconv.FormatInt(event.EventID, 10)},
		})
	case "error":
		p.emit(flageval.ProviderEvent{Type: flageval.EventError, Message: event.Data, ErrorCode: flageval.ErrorGeneral})
	}
}

type streamEvent struct {
	Type    string
	Key     string
	Data    string
	EventID int64
}

// stream connects to the SSE endpoint. The channel is closed when ctx is
// cancelled or the connection drops.
func (p *Provider) stream(ctx context.Context, lastEventID int64) (<-chan streamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("flagz: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	// Streams outlive any client timeout.
	streamClient := *p.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagz: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan streamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// 1 MiB buffer for large data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads the subset of SSE the flagz server emits: id, event and
// data fields, blank-line flush, multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- streamEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := streamEvent{Type: eventType, EventID: eventID, Data: strings.Join(dataLines, "\n")}
				if eventType == "update" || eventType == "delete" {
					var payload struct {
						Key string `json:"key"`
					}
					if jsonErr := json.Unmarshal([]byte(ev.Data), &payload); jsonErr == nil {
						ev.Key = payload.Key
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
