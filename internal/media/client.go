// Package media resolves image requests: first against the bank, then
// against external providers through a short-lived cache.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/metrics"
	"github.com/kalambet/imagebank/internal/normalize"
	"github.com/kalambet/imagebank/internal/provider"
)

const (
	DefaultConfidentScore = 0.90
	DefaultCacheTTL       = 15 * time.Minute
	DefaultCacheSize      = 512
	DefaultCount          = 10
	MaxCount              = 100
	fillBatch             = 5
	fanoutBuffer          = 5
)

// DefaultFallbackQueries are tried, after the normalized and original
// query, when a mixed-orientation block is short of images.
var DefaultFallbackQueries = []string{"restaurant interior", "food photography"}

// Bank is the part of the image bank the client reads from.
type Bank interface {
	Search(ctx context.Context, query string, opts imagebank.SearchOptions) (imagebank.SearchResult, error)
}

// Normalizer canonicalizes free-text queries.
type Normalizer interface {
	Normalize(ctx context.Context, text string) (normalize.Intent, string)
}

// Archiver schedules provider results to be stored in the bank. It must not
// block on the bank itself.
type Archiver interface {
	Archive(ctx context.Context, results []provider.ImageSearchResult, query string) error
}

// Image is a resolved image ready for display.
type Image struct {
	URL         string                `json:"url"`
	PreviewURL  string                `json:"previewUrl,omitempty"`
	Alt         string                `json:"alt"`
	Provider    string                `json:"provider"`
	ProviderID  string                `json:"providerId"`
	Width       int                   `json:"width,omitempty"`
	Height      int                   `json:"height,omitempty"`
	Attribution *provider.Attribution `json:"attribution,omitempty"`
}

func (im Image) key() string { return im.Provider + ":" + im.ProviderID }

// SearchOptions is a single image request.
type SearchOptions struct {
	Query       string               `json:"query"`
	Provider    string               `json:"provider"`
	Orientation provider.Orientation `json:"orientation,omitempty"`
	Count       int                  `json:"count,omitempty"`
}

// Config tunes a Client. Zero values take the package defaults.
type Config struct {
	ConfidentScore  float32
	CacheTTL        time.Duration
	CacheSize       int
	FallbackQueries []string
	// PublicURL maps a mirrored rendition name to a URL. When nil, or when
	// an entry has no mirrored renditions, provider CDN URLs are used.
	PublicURL func(name string) string
	// Rand drives the fill loop and the per-block shuffle.
	Rand *rand.Rand
}

// Client resolves images from the bank, the cache, and the providers.
type Client struct {
	providers *provider.Registry
	bank      Bank
	norm      Normalizer
	archiver  Archiver
	cache     *expirable.LRU[string, []provider.ImageSearchResult]
	confident float32
	fallbacks []string
	publicURL func(string) string
	logger    *slog.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// New creates a Client. bank, norm and archiver may be nil.
func New(providers *provider.Registry, bank Bank, norm Normalizer, archiver Archiver, cfg Config) *Client {
	if cfg.ConfidentScore <= 0 {
		cfg.ConfidentScore = DefaultConfidentScore
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.FallbackQueries == nil {
		cfg.FallbackQueries = DefaultFallbackQueries
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x1b7e))
	}
	return &Client{
		providers: providers,
		bank:      bank,
		norm:      norm,
		archiver:  archiver,
		cache:     expirable.NewLRU[string, []provider.ImageSearchResult](cfg.CacheSize, nil, cfg.CacheTTL),
		confident: cfg.ConfidentScore,
		fallbacks: cfg.FallbackQueries,
		publicURL: cfg.PublicURL,
		logger:    slog.Default(),
		rand:      cfg.Rand,
	}
}

// Search resolves one request. A bank answer is used only when its top
// score reaches the confidence threshold; otherwise the provider is asked,
// through the cache, and its results are archived into the bank.
func (c *Client) Search(ctx context.Context, opts SearchOptions) ([]Image, error) {
	if opts.Count <= 0 {
		opts.Count = DefaultCount
	}
	opts.Count = min(opts.Count, MaxCount)
	query := c.normalize(ctx, opts.Query)

	if images, ok := c.searchBank(ctx, query, opts.Count); ok {
		return images, nil
	}

	p, err := c.providers.Get(opts.Provider)
	if err != nil {
		return nil, err
	}
	results, cached, err := c.fetch(ctx, p, opts.Orientation, query, opts.Count)
	if err != nil {
		return nil, err
	}
	if !cached {
		c.archive(ctx, results, query)
	}
	if len(results) > opts.Count {
		results = results[:opts.Count]
	}
	images := make([]Image, len(results))
	for i, r := range results {
		images[i] = fromResult(r)
	}
	return images, nil
}

// normalize returns the canonical query string, or the raw query when no
// normalizer is configured or it produced nothing.
func (c *Client) normalize(ctx context.Context, raw string) string {
	if c.norm == nil {
		return raw
	}
	if _, q := c.norm.Normalize(ctx, raw); q != "" {
		return q
	}
	return raw
}

// searchBank returns bank images when the bank is confident about query.
func (c *Client) searchBank(ctx context.Context, query string, count int) ([]Image, bool) {
	if c.bank == nil {
		return nil, false
	}
	res, err := c.bank.Search(ctx, query, imagebank.SearchOptions{Limit: count})
	if err != nil {
		c.logger.Warn("bank search failed, falling back to providers", "query", query, "error", err)
		return nil, false
	}
	if len(res.Results) == 0 {
		return nil, false
	}
	if res.TopScore < c.confident {
		c.logger.Info("bank match below confidence threshold", "query", query,
			"top_score", res.TopScore, "threshold", c.confident)
		return nil, false
	}

	metrics.MediaSearches.WithLabelValues("bank").Inc()
	images := make([]Image, len(res.Results))
	for i, m := range res.Results {
		images[i] = c.fromEntry(m.Entry)
	}
	return images, true
}

func cacheKey(providerName string, o provider.Orientation, query string) string {
	return providerName + "|" + string(o) + "|" + query
}

// fetch runs a provider search through the cache and reports whether the
// answer came from the cache.
func (c *Client) fetch(ctx context.Context, p provider.Provider, o provider.Orientation, query string, count int) ([]provider.ImageSearchResult, bool, error) {
	key := cacheKey(p.Name(), o, query)
	if cached, ok := c.cache.Get(key); ok {
		metrics.MediaSearches.WithLabelValues("cache").Inc()
		if len(cached) > count {
			cached = cached[:count]
		}
		return cached, true, nil
	}

	start := time.Now()
	results, err := p.Search(ctx, query, provider.SearchOptions{Orientation: o, Count: count})
	metrics.ProviderDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(p.Name(), "error").Inc()
		return nil, false, fmt.Errorf("searching %s: %w", p.Name(), err)
	}
	metrics.ProviderRequests.WithLabelValues(p.Name(), "ok").Inc()
	metrics.MediaSearches.WithLabelValues("provider").Inc()

	c.cache.Add(key, results)
	return results, false, nil
}

func (c *Client) archive(ctx context.Context, results []provider.ImageSearchResult, query string) {
	if c.archiver == nil || len(results) == 0 {
		return
	}
	if err := c.archiver.Archive(ctx, results, query); err != nil {
		c.logger.Warn("archiving results into bank failed", "query", query, "count", len(results), "error", err)
	}
}

func fromResult(r provider.ImageSearchResult) Image {
	return Image{
		URL:         r.DisplayURL,
		PreviewURL:  r.PreviewURL,
		Alt:         r.Title,
		Provider:    r.Provider,
		ProviderID:  r.ID,
		Width:       r.Width,
		Height:      r.Height,
		Attribution: r.Attribution,
	}
}

func (c *Client) fromEntry(e imagebank.Entry) Image {
	im := Image{
		URL:         e.DisplayURL,
		PreviewURL:  e.PreviewURL,
		Alt:         e.Metadata.Caption,
		Provider:    e.Provider,
		ProviderID:  e.ProviderID,
		Width:       e.Width,
		Height:      e.Height,
		Attribution: e.Attribution,
	}
	if im.Alt == "" {
		im.Alt = e.Title
	}
	if c.publicURL != nil {
		if e.DisplayKey != "" {
			im.URL = c.publicURL(e.DisplayKey)
		}
		if e.PreviewKey != "" {
			im.PreviewURL = c.publicURL(e.PreviewKey)
		}
	}
	return im
}

func (c *Client) intN(n int) int {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return c.rand.IntN(n)
}

func (c *Client) shuffle(n int, swap func(i, j int)) {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	c.rand.Shuffle(n, swap)
}
