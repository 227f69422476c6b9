package postgres

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/internal/rules"
)

func TestFlagFromRow(t *testing.T) {
	tests := []struct {
		name        string
		row         Row
		attrs       map[string]any
		want        bool
		wantReason  flageval.Reason
		wantErr     error
		wantVariant string
	}{
		{
			name:        "enabled without rules",
			row:         Row{Key: "f", Enabled: true},
			want:        true,
			wantReason:  flageval.ReasonStatic,
			wantVariant: variantOn,
		},
		{
			name:        "disabled",
			row:         Row{Key: "f", Enabled: false, Variants: json.RawMessage(`{"default":true}`)},
			want:        false,
			wantReason:  flageval.ReasonDisabled,
			wantVariant: variantOff,
		},
		{
			name:        "enabled with false default",
			row:         Row{Key: "f", Enabled: true, Variants: json.RawMessage(`{"default":false}`)},
			want:        false,
			wantReason:  flageval.ReasonStatic,
			wantVariant: variantOff,
		},
		{
			name: "rule match",
			row: Row{
				Key:      "f",
				Enabled:  true,
				Variants: json.RawMessage(`{"default":false}`),
				Rules:    json.RawMessage(`[{"attribute":"country","operator":"equals","value":"US"}]`),
			},
			attrs:       map[string]any{"country": "US"},
			want:        true,
			wantReason:  flageval.ReasonTargetingMatch,
			wantVariant: variantOn,
		},
		{
			name: "rule miss",
			row: Row{
				Key:      "f",
				Enabled:  true,
				Variants: json.RawMessage(`{"default":false}`),
				Rules:    json.RawMessage(`[{"attribute":"country","operator":"in","value":["US","CA"]}]`),
			},
			attrs:       map[string]any{"country": "DE"},
			want:        false,
			wantReason:  flageval.ReasonDefault,
			wantVariant: variantOff,
		},
		{
			name:    "malformed rules",
			row:     Row{Key: "f", Enabled: true, Rules: json.RawMessage(`{"not":"a list"}`)},
			wantErr: ErrInvalidRules,
		},
		{
			name:    "malformed variants",
			row:     Row{Key: "f", Enabled: true, Variants: json.RawMessage(`[1,2]`)},
			wantErr: ErrInvalidVariants,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			flag, err := FlagFromRow(test.row)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("FlagFromRow() error = %v, want %v", err, test.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("FlagFromRow() error = %v", err)
			}
			if err := rules.Validate(flag); err != nil {
				t.Fatalf("converted flag is invalid: %v", err)
			}

			got := rules.Evaluate(flag, "user-1", test.attrs)
			if got.Err != nil {
				t.Fatalf("Evaluate() error = %v", got.Err)
			}
			if got.Value != test.want || got.Reason != test.wantReason || got.Variant != test.wantVariant {
				t.Fatalf("Evaluate() = %+v, want value=%v reason=%v variant=%v", got, test.want, test.wantReason, test.wantVariant)
			}
		})
	}
}

func TestFlagFromRowMetadata(t *testing.T) {
	flag, err := FlagFromRow(Row{ProjectID: "p1", Key: "f", Description: "checkout", Enabled: true})
	if err != nil {
		t.Fatalf("FlagFromRow() error = %v", err)
	}
	if flag.Metadata["project_id"] != "p1" || flag.Metadata["description"] != "checkout" {
		t.Fatalf("Metadata = %v", flag.Metadata)
	}
}

func TestConcerns(t *testing.T) {
	scoped := &Provider{projectID: "p1"}
	unscoped := &Provider{}

	tests := []struct {
		name     string
		provider *Provider
		payload  string
		want     bool
	}{
		{"unscoped", unscoped, `{"project_id":"p2"}`, true},
		{"same project", scoped, `{"project_id":"p1","flag_key":"f"}`, true},
		{"other project", scoped, `{"project_id":"p2","flag_key":"f"}`, false},
		{"unparseable", scoped, `not json`, true},
		{"no project", scoped, `{}`, true},
	}
	for _, test := range tests {
		if got := test.provider.concerns(test.payload); got != test.want {
			t.Errorf("%s: concerns(%q) = %v, want %v", test.name, test.payload, got, test.want)
		}
	}
}

func TestNormalizeNotifyChannel(t *testing.T) {
	if got := normalizeNotifyChannel("  "); got != defaultNotifyChannel {
		t.Fatalf("normalizeNotifyChannel(blank) = %q", got)
	}
	if got := normalizeNotifyChannel(" custom "); got != "custom" {
		t.Fatalf("normalizeNotifyChannel(custom) = %q", got)
	}
}

func TestListenStatementQuotesChannel(t *testing.T) {
	if got := listenStatement(`flag"events`); got != `LISTEN "flag""events"` {
		t.Fatalf("listenStatement() = %q", got)
	}
}
