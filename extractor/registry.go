// Package extractor defines the collaborator interface between the job
// orchestrator and per-provider extraction logic. Providers register one
// function each at startup; the scheduler treats them as opaque units of work.
package extractor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Credentials is what an extractor needs to call the provider API.
type Credentials struct {
	UserID      string
	Provider    string
	AccessToken string
}

// Result is the outcome of one extraction run.
type Result struct {
	Provider       string         `json:"provider"`
	ItemsExtracted int            `json:"items_extracted"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExtractedAt    time.Time      `json:"extracted_at"`
}

// Fn pulls a provider's data for one user. Implementations report failures
// through the error taxonomy: *models.RateLimitedError for provider 429s,
// models.ErrNeedsReauth for irrecoverable auth errors, anything else is
// treated as transient.
type Fn func(ctx context.Context, creds Credentials) (*Result, error)

// Registry maps provider names to extraction functions. Registration happens
// once at startup; lookups are concurrent.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Fn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Fn)}
}

// Register installs the extraction function for a provider. Registering the
// same provider twice is a programming error.
func (r *Registry) Register(provider string, fn Fn) error {
	if fn == nil {
		return fmt.Errorf("extractor for %q is nil", provider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fns[provider]; exists {
		return fmt.Errorf("extractor for %q already registered", provider)
	}

	r.fns[provider] = fn
	return nil
}

// Run invokes the provider's extractor.
func (r *Registry) Run(ctx context.Context, creds Credentials) (*Result, error) {
	r.mu.RLock()
	fn, ok := r.fns[creds.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no extractor registered for %q", creds.Provider)
	}

	return fn(ctx, creds)
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Has reports whether a provider has an extractor.
func (r *Registry) Has(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.fns[provider]
	return ok
}
