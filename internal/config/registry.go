package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/advisorlive/internal/advisor"
	"github.com/MrWong99/advisorlive/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ErrMissingAPIKey is returned by factories that need an API key and got none.
var ErrMissingAPIKey = errors.New("config: missing api key")

// S2SFactory builds a live channel provider from its config entry.
type S2SFactory func(ProviderEntry) (s2s.Provider, error)

// GenAIFactory builds the advisor backend from its config entry.
type GenAIFactory func(context.Context, ProviderEntry) (advisor.Backend, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]S2SFactory
	genai map[string]GenAIFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]S2SFactory),
		genai: make(map[string]GenAIFactory),
	}
}

// RegisterS2S registers a live channel provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterGenAI registers an advisor backend factory under name.
func (r *Registry) RegisterGenAI(name string, factory GenAIFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.genai[name] = factory
}

// CreateS2S instantiates a live channel provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateGenAI instantiates the advisor backend registered under entry.Name.
func (r *Registry) CreateGenAI(ctx context.Context, entry ProviderEntry) (advisor.Backend, error) {
	r.mu.RLock()
	factory, ok := r.genai[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return advisor.Backend{}, fmt.Errorf("%w: genai/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// Names lists the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for name := range r.s2s {
		out["s2s"] = append(out["s2s"], name)
	}
	for name := range r.genai {
		out["genai"] = append(out["genai"], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptDuration parses a Go duration string ("30s") from a provider Options
// map. ok is false when the key is absent.
func OptDuration(opts map[string]any, key string) (d time.Duration, ok bool, err error) {
	v, present := opts[key]
	if !present {
		return 0, false, nil
	}
	s, isString := v.(string)
	if !isString {
		return 0, false, fmt.Errorf("config: option %q: want a duration string, got %T", key, v)
	}
	d, err = time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("config: option %q: %w", key, err)
	}
	return d, true, nil
}
