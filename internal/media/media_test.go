package media

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/normalize"
	"github.com/kalambet/imagebank/internal/provider"
)

type call struct {
	query       string
	orientation provider.Orientation
	count       int
}

// stubProvider serves results from a fixed pool per orientation.
type stubProvider struct {
	name  string
	pool  map[provider.Orientation][]string
	err   error
	panic bool

	mu    sync.Mutex
	calls []call
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Search(_ context.Context, query string, opts provider.SearchOptions) ([]provider.ImageSearchResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{query, opts.Orientation, opts.Count})
	s.mu.Unlock()
	if s.panic {
		panic("provider exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	ids := s.pool[opts.Orientation]
	if ids == nil {
		ids = s.pool[provider.Any]
	}
	var out []provider.ImageSearchResult
	for _, id := range ids {
		if len(out) == opts.Count {
			break
		}
		out = append(out, provider.ImageSearchResult{
			ID: id, Provider: s.name, Title: "t-" + id,
			DisplayURL: "https://cdn/" + id, PreviewURL: "https://cdn/s/" + id,
		})
	}
	return out, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

type stubBank struct {
	mu       sync.Mutex
	result   imagebank.SearchResult
	err      error
	panicOn  string
	searches int
}

func (b *stubBank) Search(_ context.Context, query string, _ imagebank.SearchOptions) (imagebank.SearchResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searches++
	if b.panicOn != "" && query == b.panicOn {
		panic("bank exploded")
	}
	return b.result, b.err
}

func bankHit(score float32, providerIDs ...string) imagebank.SearchResult {
	res := imagebank.SearchResult{}
	for _, id := range providerIDs {
		res.Results = append(res.Results, imagebank.Match{
			Entry: imagebank.Entry{ID: "bank:" + id, Provider: "bank", ProviderID: id, Title: id,
				DisplayURL: "https://cdn/" + id, DisplayKey: "images/bank/" + id + "/display.jpg"},
			Score: score,
		})
	}
	if len(res.Results) > 0 {
		res.TopScore = score
	}
	return res
}

type stubNormalizer struct{ query string }

func (n stubNormalizer) Normalize(_ context.Context, text string) (normalize.Intent, string) {
	if n.query == "" {
		return normalize.Intent{}, ""
	}
	return normalize.Intent{Terms: []string{n.query}}, n.query
}

type recordingArchiver struct {
	mu      sync.Mutex
	batches [][]provider.ImageSearchResult
	err     error
}

func (a *recordingArchiver) Archive(_ context.Context, results []provider.ImageSearchResult, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = append(a.batches, results)
	return a.err
}

func (a *recordingArchiver) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.batches {
		n += len(b)
	}
	return n
}

func testConfig() Config {
	return Config{Rand: rand.New(rand.NewPCG(1, 2))}
}

func TestSearch_ConfidentBankHit(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 5)}}
	bank := &stubBank{result: bankHit(0.93, "b1", "b2")}
	cfg := testConfig()
	cfg.PublicURL = func(name string) string { return "https://assets.test/" + name }
	c := New(provider.NewRegistry(p), bank, nil, nil, cfg)

	images, err := c.Search(context.Background(), SearchOptions{Query: "ramen", Provider: "unsplash", Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(images) != 2 || images[0].ProviderID != "b1" {
		t.Fatalf("images = %+v, want bank results", images)
	}
	if images[0].URL != "https://assets.test/images/bank/b1/display.jpg" {
		t.Errorf("URL = %q, want mirrored public URL", images[0].URL)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times on a confident bank hit", p.callCount())
	}
}

func TestSearch_BelowThresholdFallsThrough(t *testing.T) {
	for _, score := range []float32{0, 0.5, 0.88, 0.8999} {
		t.Run(fmt.Sprint(score), func(t *testing.T) {
			p := &stubProvider{name: "pexels", pool: map[provider.Orientation][]string{provider.Any: ids("p", 3)}}
			bank := &stubBank{result: bankHit(score, "b1")}
			c := New(provider.NewRegistry(p), bank, nil, nil, testConfig())

			images, err := c.Search(context.Background(), SearchOptions{Query: "ramen", Provider: "pexels", Count: 3})
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if p.callCount() != 1 {
				t.Errorf("provider calls = %d, want 1", p.callCount())
			}
			for _, im := range images {
				if im.Provider == "bank" {
					t.Errorf("bank image returned with top score %v", score)
				}
			}
		})
	}
}

func TestSearch_BankErrorFallsThrough(t *testing.T) {
	p := &stubProvider{name: "pexels", pool: map[provider.Orientation][]string{provider.Any: ids("p", 3)}}
	c := New(provider.NewRegistry(p), &stubBank{err: imagebank.ErrNotLoaded}, nil, nil, testConfig())
	images, err := c.Search(context.Background(), SearchOptions{Query: "q", Provider: "pexels", Count: 2})
	if err != nil || len(images) != 2 {
		t.Fatalf("Search = %v, %v", images, err)
	}
}

func TestSearch_CachesAndArchives(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 10)}}
	arch := &recordingArchiver{}
	c := New(provider.NewRegistry(p), nil, stubNormalizer{query: "coffee shop, cozy"}, arch, testConfig())
	ctx := context.Background()

	first, err := c.Search(ctx, SearchOptions{Query: "A cozy coffee shop", Provider: "unsplash", Count: 6})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	second, err := c.Search(ctx, SearchOptions{Query: "A cozy coffee shop", Provider: "unsplash", Count: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (second served from cache)", p.callCount())
	}
	if p.calls[0].query != "coffee shop, cozy" {
		t.Errorf("provider query = %q, want normalized query", p.calls[0].query)
	}
	if len(first) != 6 || len(second) != 3 {
		t.Errorf("got %d and %d images, want 6 and 3", len(first), len(second))
	}
	if arch.total() != 6 || len(arch.batches) != 1 {
		t.Errorf("archived %d results in %d batches, want 6 in 1", arch.total(), len(arch.batches))
	}
}

func TestSearch_CacheKeyIncludesOrientation(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 3)}}
	c := New(provider.NewRegistry(p), nil, nil, nil, testConfig())
	ctx := context.Background()
	c.Search(ctx, SearchOptions{Query: "q", Provider: "unsplash", Orientation: provider.Horizontal})
	c.Search(ctx, SearchOptions{Query: "q", Provider: "unsplash", Orientation: provider.Vertical})
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", p.callCount())
	}
}

func TestSearch_ArchiveFailureDoesNotFail(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 3)}}
	c := New(provider.NewRegistry(p), nil, nil, &recordingArchiver{err: errors.New("queue full")}, testConfig())
	if _, err := c.Search(context.Background(), SearchOptions{Query: "q", Provider: "unsplash"}); err != nil {
		t.Fatalf("Search: %v", err)
	}
}

func TestSearch_Errors(t *testing.T) {
	p := &stubProvider{name: "getty", err: errors.New("503")}
	c := New(provider.NewRegistry(p), nil, nil, nil, testConfig())

	if _, err := c.Search(context.Background(), SearchOptions{Query: "q", Provider: "nope"}); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
	if _, err := c.Search(context.Background(), SearchOptions{Query: "q", Provider: "getty"}); err == nil {
		t.Error("provider error should propagate from Search")
	}
}

func assertUnique(t *testing.T, sel []ImageSelection) {
	t.Helper()
	seen := make(map[string]bool)
	for _, s := range sel {
		k := s.Image.Provider + ":" + s.Image.ProviderID
		if seen[k] {
			t.Errorf("duplicate image %s in selections", k)
		}
		seen[k] = true
	}
}

func TestExecutePlan_NoDuplicatesAcrossItems(t *testing.T) {
	a := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("x", 12)}}
	b := &stubProvider{name: "pexels", pool: map[provider.Orientation][]string{provider.Any: ids("x", 12)}}
	c := New(provider.NewRegistry(a, b), nil, nil, nil, testConfig())

	sel := c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "hero", SearchQuery: "pasta", Orientation: provider.Horizontal, Count: 4},
		{BlockID: "gallery", SearchQuery: "pasta", Orientation: provider.Horizontal, Count: 8},
	})
	assertUnique(t, sel)
	if len(sel) != 12 {
		t.Errorf("got %d selections, want 12", len(sel))
	}
}

func TestExecutePlan_FanOutSizing(t *testing.T) {
	a := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 20)}}
	b := &stubProvider{name: "pexels", pool: map[provider.Orientation][]string{provider.Any: ids("p", 20)}}
	c := New(provider.NewRegistry(a, b), nil, nil, nil, testConfig())

	c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "grid", SearchQuery: "bar", Orientation: provider.Mixed, Count: 6},
	})
	for _, p := range []*stubProvider{a, b} {
		if len(p.calls) != 3 {
			t.Fatalf("%s got %d calls, want one per orientation", p.name, len(p.calls))
		}
		orients := make(map[provider.Orientation]bool)
		for _, cl := range p.calls {
			orients[cl.orientation] = true
			// ceil(6 / (2 providers × 3 orientations)) + 5
			if cl.count != 6 {
				t.Errorf("%s requested %d images, want 6", p.name, cl.count)
			}
		}
		if len(orients) != 3 {
			t.Errorf("%s orientations = %v", p.name, orients)
		}
	}
}

func TestExecutePlan_MixedSkipsBank(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 20)}}
	bank := &stubBank{result: bankHit(0.99, "b1", "b2", "b3")}
	c := New(provider.NewRegistry(p), bank, nil, nil, testConfig())

	sel := c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "mix", SearchQuery: "q", Orientation: provider.Mixed, Count: 3},
		{BlockID: "one", SearchQuery: "q", Orientation: provider.Square, Count: 3},
	})
	if bank.searches != 1 {
		t.Errorf("bank searched %d times, want 1 (only the non-mixed item)", bank.searches)
	}
	for _, s := range sel {
		if s.BlockID == "mix" && s.Image.Provider == "bank" {
			t.Error("mixed block used bank images")
		}
		if s.BlockID == "one" && s.Image.Provider != "bank" {
			t.Errorf("square block used %s, want bank", s.Image.Provider)
		}
	}
}

func TestExecutePlan_ConfidentBankHitEndsItem(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 20)}}
	bank := &stubBank{result: bankHit(0.95, "b1")}
	c := New(provider.NewRegistry(p), bank, nil, nil, testConfig())

	sel := c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "hero", SearchQuery: "ramen", Orientation: provider.Horizontal, Count: 4},
	})
	if len(sel) != 1 || sel[0].Image.ProviderID != "b1" {
		t.Fatalf("selections = %+v, want the single bank image", sel)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times after a confident bank hit", p.callCount())
	}
}

func TestExecutePlan_CountCapped(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 3)}}
	c := New(provider.NewRegistry(p), nil, nil, nil, testConfig())

	sel := c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "grid", SearchQuery: "bar", Orientation: provider.Mixed, Count: 1 << 40},
	})
	if len(sel) != 3 {
		t.Errorf("got %d selections, want the 3 distinct images", len(sel))
	}
	// Three fan-out calls plus at most 2*MaxCount fill attempts.
	if n := p.callCount(); n > 3+2*MaxCount {
		t.Errorf("provider called %d times, want at most %d", n, 3+2*MaxCount)
	}
	for _, cl := range p.calls {
		if cl.count > MaxCount+fanoutBuffer {
			t.Errorf("provider asked for %d images", cl.count)
		}
	}
}

func TestSearch_CountCapped(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 5)}}
	c := New(provider.NewRegistry(p), nil, nil, nil, testConfig())

	images, err := c.Search(context.Background(), SearchOptions{Query: "ramen", Provider: "unsplash", Count: 1 << 40})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(images) != 5 {
		t.Errorf("got %d images, want 5", len(images))
	}
	if len(p.calls) != 1 || p.calls[0].count != MaxCount {
		t.Errorf("calls = %+v, want one request for %d", p.calls, MaxCount)
	}
}

func TestExecutePlan_FillShortfall(t *testing.T) {
	// Only four distinct images exist anywhere.
	pool := map[provider.Orientation][]string{
		provider.Horizontal: {"h1", "h2"},
		provider.Vertical:   {"v1"},
		provider.Square:     {"s1"},
	}
	p := &stubProvider{name: "unsplash", pool: pool}
	c := New(provider.NewRegistry(p), nil, nil, nil, testConfig())

	var sel []ImageSelection
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("ExecutePlan panicked: %v", r)
			}
		}()
		sel = c.ExecutePlan(context.Background(), []PlanItem{
			{BlockID: "wall", SearchQuery: "tapas", Orientation: provider.Mixed, Count: 6},
		})
	}()

	if len(sel) != 4 {
		t.Errorf("got %d selections, want the 4 that exist", len(sel))
	}
	assertUnique(t, sel)
	// 3 fan-out calls plus at most 2×(6-4) fill attempts.
	if n := p.callCount(); n > 3+4 {
		t.Errorf("provider called %d times, fill loop not bounded", n)
	}
	for _, cl := range p.calls[3:] {
		if cl.count != fillBatch {
			t.Errorf("fill requested %d images, want %d", cl.count, fillBatch)
		}
	}
}

func TestExecutePlan_FillUsesFallbackLadder(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{}}
	cfg := testConfig()
	cfg.FallbackQueries = []string{"generic one", "generic two"}
	c := New(provider.NewRegistry(p), nil, stubNormalizer{query: "norm"}, nil, cfg)

	c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "wall", SearchQuery: "Original", Orientation: provider.Mixed, Count: 3},
	})
	// 3 fan-out calls, then 6 fill attempts walking the ladder. Cached
	// repeats do not reach the provider, so look at the distinct queries.
	queries := make(map[string]bool)
	for _, cl := range p.calls {
		queries[cl.query] = true
	}
	for _, q := range []string{"norm", "Original", "generic one", "generic two"} {
		if !queries[q] {
			t.Errorf("fill ladder never tried %q (tried %v)", q, queries)
		}
	}
}

func TestExecutePlan_IsolatesFailures(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 10)}}
	bank := &stubBank{panicOn: "explode"}
	c := New(provider.NewRegistry(p), bank, nil, nil, testConfig())

	sel := c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "bad", SearchQuery: "explode", Orientation: provider.Horizontal, Count: 2},
		{BlockID: "good", SearchQuery: "fine", Orientation: provider.Horizontal, Count: 2},
	})
	if len(sel) != 2 || sel[0].BlockID != "good" {
		t.Errorf("selections = %+v, want the good block only", sel)
	}
}

func TestExecutePlan_ProviderPanicRecovered(t *testing.T) {
	bad := &stubProvider{name: "getty", panic: true}
	good := &stubProvider{name: "pexels", pool: map[provider.Orientation][]string{provider.Any: ids("p", 5)}}
	c := New(provider.NewRegistry(bad, good), nil, nil, nil, testConfig())

	sel := c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "b", SearchQuery: "q", Orientation: provider.Square, Count: 3},
	})
	if len(sel) != 3 {
		t.Errorf("got %d selections, want 3 from the healthy provider", len(sel))
	}
}

func TestExecutePlan_NoProviders(t *testing.T) {
	c := New(provider.NewRegistry(), nil, nil, nil, testConfig())
	if sel := c.ExecutePlan(context.Background(), []PlanItem{{BlockID: "b", SearchQuery: "q", Count: 2}}); len(sel) != 0 {
		t.Errorf("got %d selections with no providers", len(sel))
	}
}

func TestExecutePlan_GroupsByBlock(t *testing.T) {
	p := &stubProvider{name: "unsplash", pool: map[provider.Orientation][]string{provider.Any: ids("u", 30)}}
	c := New(provider.NewRegistry(p), nil, nil, nil, testConfig())

	sel := c.ExecutePlan(context.Background(), []PlanItem{
		{BlockID: "a", SearchQuery: "one", Count: 2, Category: "food"},
		{BlockID: "b", SearchQuery: "two", Count: 2},
		{BlockID: "c", SearchQuery: "three", Count: 2},
	})
	if len(sel) != 6 {
		t.Fatalf("got %d selections, want 6", len(sel))
	}
	want := []string{"a", "a", "b", "b", "c", "c"}
	for i, s := range sel {
		if s.BlockID != want[i] {
			t.Fatalf("selection %d in block %s, want %s", i, s.BlockID, want[i])
		}
	}
	if sel[0].Category != "food" {
		t.Errorf("category = %q", sel[0].Category)
	}
}
