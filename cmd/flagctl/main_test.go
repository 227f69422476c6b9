package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/hooks"
	redisprovider "github.com/matt-riley/flageval/provider/redis"
)

const testFlags = `
flags:
  checkout:
    variants:
      "yes": true
      "no": false
    defaultVariant: "no"
    rules:
      - attribute: plan
        operator: in
        value: [pro, enterprise]
        variant: "yes"
  banner:
    variants:
      blue: blue
    defaultVariant: blue
  legacy:
    state: DISABLED
    variants:
      "no": false
    defaultVariant: "no"
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FLAGCTL_PROVIDER", "FLAGCTL_FLAGS_FILE", "FLAGCTL_TIMEOUT", "LOG_LEVEL",
		"FLAGZ_BASE_URL", "FLAGZ_API_KEY", "DATABASE_URL", "FLAGZ_PROJECT_ID",
		"CACHE_RESYNC_INTERVAL", "REDIS_ADDR", "REDIS_KEY", "METRICS_ADDR",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func runFlagctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func decodeEval(t *testing.T, out string) evalOutput {
	t.Helper()
	var decoded evalOutput
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	return decoded
}

func TestEvalFromFile(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, "flags.yaml", testFlags)

	tests := []struct {
		name        string
		args        []string
		wantValue   any
		wantReason  flageval.Reason
		wantVariant string
		wantCode    string
		wantErr     bool
	}{
		{
			name:        "rule match",
			args:        []string{"eval", "checkout", "-k", "user-1", "--attr", "plan=pro"},
			wantValue:   true,
			wantReason:  flageval.ReasonTargetingMatch,
			wantVariant: "yes",
		},
		{
			name:        "default variant",
			args:        []string{"eval", "checkout", "--attr", "plan=free"},
			wantValue:   false,
			wantReason:  flageval.ReasonDefault,
			wantVariant: "no",
		},
		{
			name:        "string flag",
			args:        []string{"eval", "banner", "--type", "string", "--default", "red"},
			wantValue:   "blue",
			wantReason:  flageval.ReasonStatic,
			wantVariant: "blue",
		},
		{
			name:       "disabled flag",
			args:       []string{"eval", "legacy", "--default", "true"},
			wantValue:  false,
			wantReason: flageval.ReasonDisabled,
		},
		{
			name:       "missing flag",
			args:       []string{"eval", "missing", "--default", "true"},
			wantValue:  true,
			wantReason: flageval.ReasonError,
			wantCode:   string(flageval.ErrorFlagNotFound),
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--provider", "file", "--flags-file", path, "--log-level", "error"}, tt.args...)
			out, err := runFlagctl(t, args...)
			if tt.wantErr {
				if !errors.Is(err, errEvaluationFailed) {
					t.Fatalf("error = %v, want errEvaluationFailed", err)
				}
			} else if err != nil {
				t.Fatalf("eval: %v", err)
			}

			decoded := decodeEval(t, out)
			if len(decoded.Results) != 1 {
				t.Fatalf("results = %+v, want one", decoded.Results)
			}
			got := decoded.Results[0]
			if got.Value != tt.wantValue || got.Reason != string(tt.wantReason) || got.ErrorCode != tt.wantCode {
				t.Fatalf("result = %+v", got)
			}
			if tt.wantVariant != "" && got.Variant != tt.wantVariant {
				t.Fatalf("variant = %q, want %q", got.Variant, tt.wantVariant)
			}
			if decoded.Transaction != nil {
				t.Fatalf("unexpected transaction %+v", decoded.Transaction)
			}
		})
	}
}

func TestEvalWithOverrides(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, "flags.yaml", testFlags)
	overrides := writeTemp(t, "overrides.yaml", "checkout: false\n")

	out, err := runFlagctl(t,
		"--provider", "file", "-f", path, "--log-level", "error",
		"eval", "checkout", "checkout", "--attr", "plan=pro", "--override-file", overrides)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}

	decoded := decodeEval(t, out)
	for _, result := range decoded.Results {
		if result.Value != false || result.Reason != string(flageval.ReasonCached) {
			t.Fatalf("result = %+v, want overridden false", result)
		}
	}
	tx := decoded.Transaction
	if tx == nil || tx.ID == "" {
		t.Fatalf("transaction = %+v", tx)
	}
	if !reflect.DeepEqual(tx.OverriddenKeys, []string{"checkout"}) {
		t.Fatalf("overridden keys = %v", tx.OverriddenKeys)
	}
	if entry := tx.Evaluations["checkout"]; !entry.WasOverridden || entry.Type != "boolean" {
		t.Fatalf("ledger entry = %+v", entry)
	}
}

func TestEvalWithoutCache(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, "flags.yaml", testFlags)

	out, err := runFlagctl(t,
		"--provider", "file", "-f", path, "--log-level", "error",
		"eval", "checkout", "checkout", "--attr", "plan=pro", "--no-cache")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}

	decoded := decodeEval(t, out)
	if len(decoded.Results) != 2 {
		t.Fatalf("results = %+v", decoded.Results)
	}
	for _, result := range decoded.Results {
		if result.Reason != string(flageval.ReasonTargetingMatch) {
			t.Fatalf("reason = %q, want provider resolution", result.Reason)
		}
	}
	if decoded.Transaction == nil || len(decoded.Transaction.OverriddenKeys) != 0 {
		t.Fatalf("transaction = %+v", decoded.Transaction)
	}
}

func TestEvalValidation(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, "flags.yaml", testFlags)

	out, err := runFlagctl(t,
		"--provider", "file", "-f", path, "--log-level", "error",
		"eval", "checkout", "--validate", "plan=required")
	if !errors.Is(err, errEvaluationFailed) {
		t.Fatalf("error = %v, want errEvaluationFailed", err)
	}
	decoded := decodeEval(t, out)
	if got := decoded.Results[0].ErrorCode; got != string(flageval.ErrorInvalidContext) {
		t.Fatalf("error code = %q, want INVALID_CONTEXT", got)
	}
}

func TestEvalRejectsBadInput(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "bad default", args: []string{"eval", "checkout", "--default", "maybe"}},
		{name: "bad attribute", args: []string{"eval", "checkout", "--attr", "plan"}},
		{name: "unknown type", args: []string{"eval", "checkout", "--type", "uuid"}},
		{name: "unknown provider", args: []string{"--provider", "etcd", "eval", "checkout"}},
		{name: "no key", args: []string{"eval"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runFlagctl(t, tt.args...); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParseDefault(t *testing.T) {
	tests := []struct {
		flagType string
		raw      string
		want     any
		wantErr  bool
	}{
		{flagType: typeBool, raw: "", want: false},
		{flagType: typeBool, raw: "true", want: true},
		{flagType: typeBool, raw: "yes", wantErr: true},
		{flagType: typeString, raw: "blue", want: "blue"},
		{flagType: typeInt, raw: "", want: int64(0)},
		{flagType: typeInt, raw: "42", want: int64(42)},
		{flagType: typeInt, raw: "4.2", wantErr: true},
		{flagType: typeFloat, raw: "0.5", want: 0.5},
		{flagType: typeObject, raw: "", want: map[string]any{}},
		{flagType: typeObject, raw: `{"a":1}`, want: map[string]any{"a": float64(1)}},
		{flagType: typeObject, raw: `[1]`, wantErr: true},
		{flagType: "uuid", raw: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDefault(tt.flagType, tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseDefault(%q, %q) succeeded", tt.flagType, tt.raw)
			}
			continue
		}
		if err != nil || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseDefault(%q, %q) = %#v, %v; want %#v", tt.flagType, tt.raw, got, err, tt.want)
		}
	}
}

func TestAttributeValue(t *testing.T) {
	tests := []struct {
		text string
		want any
	}{
		{text: "pro", want: "pro"},
		{text: "42", want: int64(42)},
		{text: "1.5", want: 1.5},
		{text: "true", want: true},
		{text: `["a","b"]`, want: []any{"a", "b"}},
		{text: "null", want: "null"},
		{text: "", want: ""},
	}
	for _, tt := range tests {
		if got := attributeValue(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("attributeValue(%q) = %#v, want %#v", tt.text, got, tt.want)
		}
	}
}

func TestParseContext(t *testing.T) {
	evalCtx, err := parseContext("user-1", []string{"plan=pro", "seats=3", "note=a=b"})
	if err != nil {
		t.Fatalf("parseContext: %v", err)
	}
	if evalCtx.TargetingKey() != "user-1" {
		t.Fatalf("targeting key = %q", evalCtx.TargetingKey())
	}
	want := map[string]any{"plan": "pro", "seats": int64(3), "note": "a=b"}
	if got := evalCtx.AttributeMap(); !reflect.DeepEqual(got, want) {
		t.Fatalf("attributes = %#v, want %#v", got, want)
	}

	if _, err := parseContext("", []string{"=pro"}); err == nil {
		t.Fatal("empty attribute name accepted")
	}
}

func TestAffected(t *testing.T) {
	watched := []string{"checkout", "banner"}
	tests := []struct {
		changed []string
		want    []string
	}{
		{changed: nil, want: watched},
		{changed: []string{"banner", "legacy"}, want: []string{"banner"}},
		{changed: []string{"legacy"}, want: []string{}},
	}
	for _, tt := range tests {
		if got := affected(watched, tt.changed); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("affected(%v) = %v, want %v", tt.changed, got, tt.want)
		}
	}
}

func TestPublishAndRemove(t *testing.T) {
	clearEnv(t)
	s := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", s.Addr())
	path := writeTemp(t, "flags.yaml", testFlags)

	if _, err := runFlagctl(t, "--log-level", "error", "publish", path); err != nil {
		t.Fatalf("publish: %v", err)
	}
	keys, err := s.HKeys(redisprovider.DefaultKey)
	if err != nil {
		t.Fatalf("HKeys: %v", err)
	}
	slices.Sort(keys)
	if !reflect.DeepEqual(keys, []string{"banner", "checkout", "legacy"}) {
		t.Fatalf("hash keys = %v", keys)
	}

	if _, err := runFlagctl(t, "--log-level", "error", "publish", "--remove", "legacy"); err != nil {
		t.Fatalf("publish --remove: %v", err)
	}
	keys, _ = s.HKeys(redisprovider.DefaultKey)
	slices.Sort(keys)
	if !reflect.DeepEqual(keys, []string{"banner", "checkout"}) {
		t.Fatalf("hash keys after remove = %v", keys)
	}

	out, err := runFlagctl(t, "--provider", "redis", "--log-level", "error", "eval", "checkout", "--attr", "plan=enterprise")
	if err != nil {
		t.Fatalf("eval against redis: %v", err)
	}
	if got := decodeEval(t, out).Results[0]; got.Value != true {
		t.Fatalf("redis result = %+v", got)
	}
}

func TestPublishRequiresRedis(t *testing.T) {
	clearEnv(t)
	if _, err := runFlagctl(t, "--log-level", "error", "publish"); !errors.Is(err, errNoRedis) {
		t.Fatalf("error = %v, want errNoRedis", err)
	}
}

func TestMigrateArgs(t *testing.T) {
	clearEnv(t)
	if _, err := runFlagctl(t, "migrate", "sideways"); err == nil {
		t.Fatal("unknown direction accepted")
	}
	if _, err := runFlagctl(t, "--log-level", "error", "migrate"); !errors.Is(err, errNoDatabase) {
		t.Fatalf("error = %v, want errNoDatabase", err)
	}
}

func TestMetricsServer(t *testing.T) {
	registry := prometheus.NewRegistry()
	hook := hooks.Metrics(registry)
	hook.ObserveEvent(flageval.ProviderEvent{Type: flageval.EventReady, ProviderName: "file"})

	srv := httptest.NewServer(newMetricsServer(registry, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler)
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `flageval_provider_events_total{event="PROVIDER_READY",provider="file"} 1`) {
		t.Fatalf("status %d, body:\n%s", resp.StatusCode, body)
	}

	health, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", health.StatusCode)
	}
}

func TestEventLine(t *testing.T) {
	line := eventLine(flageval.ProviderEvent{
		Type:         flageval.EventConfigurationChanged,
		ProviderName: "redis",
		FlagsChanged: []string{"checkout"},
	})
	if line.Event != "PROVIDER_CONFIGURATION_CHANGED" || line.Provider != "redis" || line.Result != nil {
		t.Fatalf("line = %+v", line)
	}

	var buf bytes.Buffer
	newLineWriter(&buf).write(line)
	if !strings.HasSuffix(buf.String(), "\n") || !strings.Contains(buf.String(), `"flags_changed":["checkout"]`) {
		t.Fatalf("encoded line = %q", buf.String())
	}
}
