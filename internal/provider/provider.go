package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProvider is returned when a provider name is not registered.
var ErrUnknownProvider = errors.New("unknown image provider")

// Orientation constrains the aspect ratio of returned images.
type Orientation string

const (
	Any        Orientation = ""
	Horizontal Orientation = "horizontal"
	Vertical   Orientation = "vertical"
	Square     Orientation = "square"
	// Mixed is only meaningful to plan execution, which expands it into
	// the three concrete orientations. Providers treat it like Any.
	Mixed Orientation = "mixed"
)

// Concrete lists the orientations Mixed expands to.
var Concrete = []Orientation{Horizontal, Vertical, Square}

// ParseOrientation validates a user-supplied orientation.
func ParseOrientation(s string) (Orientation, error) {
	switch o := Orientation(s); o {
	case Any, Horizontal, Vertical, Square, Mixed:
		return o, nil
	}
	return "", fmt.Errorf("invalid orientation %q", s)
}

// Attribution credits the photographer of an image.
type Attribution struct {
	Name      string `json:"name"`
	URL       string `json:"url,omitempty"`
	SourceURL string `json:"sourceUrl,omitempty"`
}

// ImageSearchResult is the provider-neutral shape every client returns.
type ImageSearchResult struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	PreviewURL  string       `json:"previewUrl"`
	DisplayURL  string       `json:"displayUrl"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Provider    string       `json:"provider"`
	Attribution *Attribution `json:"attribution,omitempty"`
}

// Key is the bank identity of a result: "{provider}:{id}".
func (r ImageSearchResult) Key() string {
	return r.Provider + ":" + r.ID
}

// SearchOptions narrows a provider search.
type SearchOptions struct {
	Orientation Orientation
	Count       int
}

// Provider searches one external stock photography service.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts SearchOptions) ([]ImageSearchResult, error)
}

// Registry holds the providers configured at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry containing the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
