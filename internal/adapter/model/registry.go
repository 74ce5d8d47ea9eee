package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/config"
)

var (
	ErrUnknownBackend = errors.New("AI provider not found")
	ErrNoBackends     = errors.New("no AI providers available")
)

// Registry holds backends registered at startup and the active selection.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	current  string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a backend. The first registered backend becomes current.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	name := strings.ToLower(a.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("backend already registered for %s", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	if r.current == "" {
		r.current = name
	}
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	return a, ok
}

// Current returns the active backend, or nil when none is registered.
func (r *Registry) Current() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[r.current]
}

// CurrentName returns the active backend name.
func (r *Registry) CurrentName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Switch makes name the active backend.
func (r *Registry) Switch(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	r.current = name
	return nil
}

// Names lists registered backends in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// NewRegistryFromConfig builds every configured backend. Backends without
// credentials are skipped; when the configured default is unavailable the
// first registered backend stays active.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mc := cfg.Model
	reg := NewRegistry()

	if cfg.MockMode() {
		log.Info("mock mode detected, using scripted backend")
		if err := reg.Register(NewScripted("mock")); err != nil {
			return nil, err
		}
		return reg, nil
	}

	if mc.Ollama.Disabled {
		log.Info("ollama backend disabled")
	} else if err := reg.Register(NewOllama(mc.Ollama.Host, mc.Ollama.Model, mc.RequestTimeout)); err != nil {
		return nil, err
	}

	if mc.OpenAI.APIKey != "" {
		if err := reg.Register(NewOpenAI(mc.OpenAI.BaseURL, mc.OpenAI.APIKey, mc.OpenAI.Model, mc.RequestTimeout)); err != nil {
			return nil, err
		}
	} else {
		log.Debug("OpenAI API key not configured")
	}

	if mc.Gemini.APIKey != "" {
		g, err := NewGemini(ctx, mc.Gemini.APIKey, mc.Gemini.Model, mc.Gemini.BaseURL)
		if err != nil {
			log.Warn("failed to initialize gemini", zap.Error(err))
		} else if err := reg.Register(g); err != nil {
			return nil, err
		}
	} else {
		log.Debug("Gemini API key not configured")
	}

	if reg.Len() == 0 {
		return nil, ErrNoBackends
	}

	if mc.Default != "" {
		if err := reg.Switch(mc.Default); err != nil {
			log.Warn("default backend not available, falling back",
				zap.String("requested", mc.Default),
				zap.String("using", reg.CurrentName()))
		}
	}
	log.Info("model backends ready", zap.Strings("backends", reg.Names()), zap.String("current", reg.CurrentName()))
	return reg, nil
}
