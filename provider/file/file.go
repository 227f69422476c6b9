// Package file serves flags from a YAML file and reloads it when it
// changes on disk.
//
// The file format is:
//
//	flags:
//	  new-checkout:
//	    state: ENABLED
//	    variants:
//	      enabled: true
//	      disabled: false
//	    defaultVariant: disabled
//	    rules:
//	      - attribute: plan
//	        operator: in
//	        value: [pro, enterprise]
//	        variant: enabled
//	      - operator: expr
//	        expression: 'targetingKey startsWith "beta-"'
//	        variant: enabled
package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/internal/rules"
	"github.com/matt-riley/flageval/provider/memory"
)

const (
	StateEnabled  = "ENABLED"
	StateDisabled = "DISABLED"
)

var (
	ErrInvalidState = errors.New("invalid flag state")
	// ErrNoFlags is returned for documents without a flags section, which
	// is also what a file being rewritten looks like.
	ErrNoFlags = errors.New("flag file has no flags section")
)

// Document is the top level of a flag file.
type Document struct {
	Flags map[string]FlagDefinition `yaml:"flags"`
}

// FlagDefinition is one flag as written in a flag file.
type FlagDefinition struct {
	State          string            `yaml:"state"`
	Variants       map[string]any    `yaml:"variants"`
	DefaultVariant string            `yaml:"defaultVariant"`
	Rules          []rules.Rule      `yaml:"rules,omitempty"`
	Metadata       map[string]string `yaml:"metadata,omitempty"`
}

// Parse decodes and validates a flag file.
func Parse(data []byte) ([]rules.Flag, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse flag file: %w", err)
	}
	if doc.Flags == nil {
		return nil, ErrNoFlags
	}

	keys := make([]string, 0, len(doc.Flags))
	for key := range doc.Flags {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	flags := make([]rules.Flag, 0, len(keys))
	for _, key := range keys {
		def := doc.Flags[key]
		disabled := false
		switch def.State {
		case "", StateEnabled:
		case StateDisabled:
			disabled = true
		default:
			return nil, fmt.Errorf("flag %q: %w: %q", key, ErrInvalidState, def.State)
		}

		flag := rules.Flag{
			Key:            key,
			Disabled:       disabled,
			Variants:       def.Variants,
			DefaultVariant: def.DefaultVariant,
			Rules:          def.Rules,
			Metadata:       def.Metadata,
		}
		if err := rules.Validate(flag); err != nil {
			return nil, err
		}
		flags = append(flags, flag)
	}
	return flags, nil
}

// Load reads and parses a flag file.
func Load(path string) ([]rules.Flag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}
	return Parse(data)
}

// Option configures a [Provider].
type Option func(*Provider)

// WithLogger sets the logger used for reload failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithoutWatch disables reloading on file changes.
func WithoutWatch() Option {
	return func(p *Provider) {
		p.watch = false
	}
}

// Provider serves the flags of one YAML file.
type Provider struct {
	*memory.Provider

	path   string
	logger *slog.Logger
	watch  bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// New creates a provider for path. The file is read by Init.
func New(path string, opts ...Option) *Provider {
	p := &Provider{
		Provider: memory.New(nil, memory.WithName("file")),
		path:     path,
		logger:   slog.Default(),
		watch:    true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Init loads the file and starts watching it.
func (p *Provider) Init(ctx context.Context, evalCtx flageval.EvaluationContext) error {
	flags, err := Load(p.path)
	if err != nil {
		p.SetStatus(flageval.StatusError)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventError, Message: err.Error(), ErrorCode: flageval.ErrorProviderFatal})
		return err
	}
	p.Replace(flags)

	if p.watch {
		if err := p.startWatcher(); err != nil {
			p.SetStatus(flageval.StatusError)
			p.Emit(flageval.ProviderEvent{Type: flageval.EventError, Message: err.Error(), ErrorCode: flageval.ErrorProviderFatal})
			return err
		}
	}

	return p.Provider.Init(ctx, evalCtx)
}

// Shutdown stops the watcher and closes the event channel.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	watcher := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
		p.wg.Wait()
	}
	return errors.Join(err, p.Provider.Shutdown(ctx))
}

// Reload re-reads the file. On failure the previous flags keep being served
// with a STALE reason and an error event is emitted.
func (p *Provider) Reload() error {
	flags, err := Load(p.path)
	if err != nil {
		p.logger.Warn("flag file reload failed", slog.String("path", p.path), slog.String("error", err.Error()))
		p.SetStatus(flageval.StatusStale)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventError, Message: err.Error(), ErrorCode: flageval.ErrorParse})
		p.Emit(flageval.ProviderEvent{Type: flageval.EventStale, Message: "serving last valid flag file"})
		return err
	}

	if p.Status() != flageval.StatusReady {
		p.SetStatus(flageval.StatusReady)
		p.Emit(flageval.ProviderEvent{Type: flageval.EventReady})
	}
	p.Replace(flags)
	return nil
}

func (p *Provider) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so files replaced by rename are still seen.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	p.wg.Add(1)
	go p.processEvents(watcher)
	return nil
}

func (p *Provider) processEvents(watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	target := filepath.Clean(p.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = p.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("flag file watcher error", slog.String("path", p.path), slog.String("error", err.Error()))
		}
	}
}
