// Package imagebank is the persistent semantic cache of stock images. Each
// entry is captioned by a vision model, embedded, and added to a flat vector
// index so later requests can be answered without calling a provider.
package imagebank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/imagebank/internal/metrics"
	"github.com/kalambet/imagebank/internal/objstore"
	"github.com/kalambet/imagebank/internal/provider"
	"github.com/kalambet/imagebank/internal/vectorindex"
)

var (
	// ErrNotLoaded is returned by every operation but Load until Load succeeds.
	ErrNotLoaded = errors.New("image bank not loaded")
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("bank entry not found")
	// ErrInconsistent is returned by Load when the persisted entries and the
	// persisted index disagree about slot ownership.
	ErrInconsistent = errors.New("bank entries and vector index are inconsistent")
)

const (
	MetadataObject = "bank.json"
	IndexObject    = "bank.index"

	DefaultMinScore = 0.88
	DefaultLimit    = 10
)

// State is the lifecycle state of a Store.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return "unloaded"
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Analyzer describes an image for storage.
type Analyzer interface {
	Analyze(ctx context.Context, imageURL string) (ImageMetadata, error)
}

// Mirror copies an image's renditions into object storage and returns the
// names they were written under.
type Mirror interface {
	Mirror(ctx context.Context, r provider.ImageSearchResult) (previewKey, displayKey string, err error)
}

// Config holds the tunables of a Store.
type Config struct {
	Dimension int
	MinScore  float32
	// Mirror is optional; when nil renditions stay on the provider CDN.
	Mirror Mirror
}

// Store is the bank: entries keyed by id plus the vector index over their
// caption embeddings. It is safe for concurrent use. Multiple processes
// sharing one object store do not see each other's writes until they
// reload, and concurrent syncs overwrite each other.
type Store struct {
	objects  *objstore.Store
	embedder Embedder
	analyzer Analyzer
	mirror   Mirror
	minScore float32
	dim      int
	logger   *slog.Logger

	loadMu sync.Mutex
	syncMu sync.Mutex

	mu         sync.RWMutex
	state      State
	index      *vectorindex.Index
	entries    map[string]*Entry
	order      []string
	slots      map[int]string
	dirty      bool
	generation uint64
}

// New creates an unloaded Store.
func New(objects *objstore.Store, embedder Embedder, analyzer Analyzer, cfg Config) *Store {
	if cfg.Dimension <= 0 {
		cfg.Dimension = vectorindex.DefaultDimension
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	return &Store{
		objects:  objects,
		embedder: embedder,
		analyzer: analyzer,
		mirror:   cfg.Mirror,
		minScore: cfg.MinScore,
		dim:      cfg.Dimension,
		logger:   slog.Default(),
		index:    vectorindex.New(cfg.Dimension),
		entries:  make(map[string]*Entry),
		slots:    make(map[int]string),
	}
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Load reads bank.json and bank.index from object storage. Missing objects
// start an empty bank. A corrupt index or an inconsistent slot mapping is
// fatal. Load is a no-op once the store is Ready.
func (s *Store) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	if s.state == Ready {
		s.mu.Unlock()
		return nil
	}
	s.state = Loading
	s.mu.Unlock()

	l, err := s.read(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Unloaded
		return err
	}
	s.index = l.index
	s.entries = l.entries
	s.order = l.order
	s.slots = l.slots
	s.dirty = false
	if l.positional {
		// Persist the assigned slots on the next sync.
		s.markDirty()
	}
	s.state = Ready
	metrics.BankEntries.Set(float64(len(l.entries)))
	s.logger.Info("image bank loaded", "entries", len(l.entries), "vectors", l.index.Size(), "dim", l.index.Dim())
	return nil
}

// loaded is the bank state read from object storage.
type loaded struct {
	index      *vectorindex.Index
	entries    map[string]*Entry
	order      []string
	slots      map[int]string
	positional bool
}

func (s *Store) read(ctx context.Context) (loaded, error) {
	var file bankFile
	if err := s.objects.DownloadJSON(ctx, MetadataObject, &file); err != nil {
		if !errors.Is(err, objstore.ErrNotFound) {
			return loaded{}, fmt.Errorf("loading %s: %w", MetadataObject, err)
		}
		file.Entries = nil
	}

	index := vectorindex.New(s.dim)
	blob, err := s.objects.DownloadBuffer(ctx, IndexObject)
	switch {
	case errors.Is(err, objstore.ErrNotFound):
	case err != nil:
		return loaded{}, fmt.Errorf("loading %s: %w", IndexObject, err)
	default:
		if err := index.UnmarshalBinary(blob); err != nil {
			return loaded{}, fmt.Errorf("loading %s: %w", IndexObject, err)
		}
	}
	if index.Dim() != s.dim {
		if index.Size() > 0 {
			return loaded{}, fmt.Errorf("%w: index dimension %d, configured %d", ErrInconsistent, index.Dim(), s.dim)
		}
		index = vectorindex.New(s.dim)
	}

	l, err := mapSlots(file.Entries, index.Size())
	if err != nil {
		return loaded{}, err
	}
	l.index = index
	if orphans := index.Size() - len(l.slots); orphans > 0 {
		s.logger.Warn("vector index has slots no entry references", "orphans", orphans)
	}
	return l, nil
}

// mapSlots rebuilds the id⇄slot mapping from the persisted slot of each
// entry. Files written before slots were persisted carry no vectors at all
// and are mapped positionally.
func mapSlots(list []*Entry, size int) (loaded, error) {
	l := loaded{
		entries: make(map[string]*Entry, len(list)),
		order:   make([]string, 0, len(list)),
		slots:   make(map[int]string, len(list)),
	}

	legacy := 0
	for _, e := range list {
		if e == nil {
			return loaded{}, fmt.Errorf("%w: null entry", ErrInconsistent)
		}
		if e.Vectors == nil {
			legacy++
		}
	}
	if legacy != 0 && legacy != len(list) {
		return loaded{}, fmt.Errorf("%w: %d of %d entries have no vector slot", ErrInconsistent, legacy, len(list))
	}
	l.positional = legacy > 0

	for i, e := range list {
		if _, dup := l.entries[e.ID]; dup {
			return loaded{}, fmt.Errorf("%w: duplicate entry %q", ErrInconsistent, e.ID)
		}
		if l.positional {
			e.Vectors = &EntryVectors{Caption: i}
		}
		slot := e.Vectors.Caption
		if slot < 0 || slot >= size {
			return loaded{}, fmt.Errorf("%w: entry %q has slot %d, index holds %d vectors", ErrInconsistent, e.ID, slot, size)
		}
		if other, taken := l.slots[slot]; taken {
			return loaded{}, fmt.Errorf("%w: slot %d claimed by %q and %q", ErrInconsistent, slot, other, e.ID)
		}
		l.entries[e.ID] = e
		l.order = append(l.order, e.ID)
		l.slots[slot] = e.ID
	}
	return l, nil
}

// Store analyzes, embeds and adds an image to the bank. An image already in
// the bank is skipped. Analysis and embedding failures are logged and leave
// the bank unchanged; they are not returned.
func (s *Store) Store(ctx context.Context, r provider.ImageSearchResult, query string) error {
	id := r.Key()

	s.mu.RLock()
	state := s.state
	_, exists := s.entries[id]
	s.mu.RUnlock()
	if state != Ready {
		return ErrNotLoaded
	}
	if exists {
		metrics.BankStores.WithLabelValues("skipped").Inc()
		return nil
	}

	meta, err := s.analyzer.Analyze(ctx, r.DisplayURL)
	if err != nil {
		metrics.BankStores.WithLabelValues("analyze_failed").Inc()
		s.logger.Warn("image analysis failed, not caching", "id", id, "error", err)
		return nil
	}
	text := meta.Caption
	if text == "" {
		text = r.Title
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		metrics.BankStores.WithLabelValues("embed_failed").Inc()
		s.logger.Warn("caption embedding failed, not caching", "id", id, "error", err)
		return nil
	}

	entry := &Entry{
		ID:          id,
		Provider:    r.Provider,
		ProviderID:  r.ID,
		Title:       r.Title,
		Description: meta.Caption,
		Width:       r.Width,
		Height:      r.Height,
		PreviewURL:  r.PreviewURL,
		DisplayURL:  r.DisplayURL,
		Attribution: r.Attribution,
		Metadata:    meta,
		Query:       query,
		CreatedAt:   time.Now().UTC(),
		Review:      NewReview(),
	}
	if s.mirror != nil {
		preview, display, err := s.mirror.Mirror(ctx, r)
		if err != nil {
			s.logger.Warn("mirroring renditions failed", "id", id, "error", err)
		} else {
			entry.PreviewKey, entry.DisplayKey = preview, display
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return ErrNotLoaded
	}
	if _, exists := s.entries[id]; exists {
		metrics.BankStores.WithLabelValues("skipped").Inc()
		return nil
	}
	slot, err := s.index.Add(vectorindex.Normalize(vec))
	if err != nil {
		return fmt.Errorf("indexing %s: %w", id, err)
	}
	entry.Vectors = &EntryVectors{Caption: slot}
	s.entries[id] = entry
	s.order = append(s.order, id)
	s.slots[slot] = id
	s.markDirty()

	metrics.BankStores.WithLabelValues("stored").Inc()
	metrics.BankEntries.Set(float64(len(s.entries)))
	s.logger.Debug("image stored in bank", "id", id, "slot", slot)
	return nil
}

// markDirty must be called with mu held.
func (s *Store) markDirty() {
	s.dirty = true
	s.generation++
}

// Search embeds query and returns the closest entries scoring at least the
// minimum score. Blacklisted entries are skipped unless opts asks for them.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	start := time.Now()
	defer func() { metrics.BankSearchDuration.Observe(time.Since(start).Seconds()) }()

	s.mu.RLock()
	state, size := s.state, s.index.Size()
	s.mu.RUnlock()
	if state != Ready {
		return SearchResult{}, ErrNotLoaded
	}
	if size == 0 {
		return SearchResult{Results: []Match{}}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, size)
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = s.minScore
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return SearchResult{}, fmt.Errorf("embedding query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	hits, err := s.index.Search(vectorindex.Normalize(vec), 2*limit)
	if err != nil {
		return SearchResult{}, fmt.Errorf("searching index: %w", err)
	}

	res := SearchResult{Results: make([]Match, 0, min(limit, len(hits)))}
	for _, h := range hits {
		if h.Score < minScore || len(res.Results) == limit {
			break
		}
		id, ok := s.slots[h.Slot]
		if !ok {
			continue
		}
		e := s.entries[id]
		if e.Blacklisted && !opts.IncludeBlacklisted {
			continue
		}
		res.Results = append(res.Results, Match{Entry: e.clone(), Score: h.Score})
	}
	if len(res.Results) > 0 {
		res.TopScore = res.Results[0].Score
	}
	return res, nil
}

// Sync writes the bank to object storage when it has unsaved changes. The
// index goes first so an interrupted sync leaves at worst unreferenced
// trailing slots. Errors are returned and the bank stays dirty.
func (s *Store) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.RLock()
	if s.state != Ready {
		s.mu.RUnlock()
		return ErrNotLoaded
	}
	if !s.dirty {
		s.mu.RUnlock()
		metrics.BankSyncs.WithLabelValues("clean").Inc()
		return nil
	}
	gen := s.generation
	blob, err := s.index.MarshalBinary()
	file := bankFile{Entries: make([]*Entry, 0, len(s.order))}
	for _, id := range s.order {
		e := s.entries[id].clone()
		file.Entries = append(file.Entries, &e)
	}
	s.mu.RUnlock()
	if err != nil {
		metrics.BankSyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("encoding index: %w", err)
	}

	if err := s.objects.UploadBuffer(ctx, IndexObject, blob, "application/octet-stream"); err != nil {
		metrics.BankSyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("uploading %s: %w", IndexObject, err)
	}
	if err := s.objects.UploadJSON(ctx, MetadataObject, file); err != nil {
		metrics.BankSyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("uploading %s: %w", MetadataObject, err)
	}

	s.mu.Lock()
	if s.generation == gen {
		s.dirty = false
	}
	s.mu.Unlock()

	metrics.BankSyncs.WithLabelValues("ok").Inc()
	s.logger.Info("image bank synced", "entries", len(file.Entries), "bytes", len(blob))
	return nil
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Ready {
		return Entry{}, ErrNotLoaded
	}
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.clone(), nil
}

// Entries returns copies of all entries in insertion order.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Ready {
		return nil, ErrNotLoaded
	}
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].clone())
	}
	return out, nil
}

// Update applies fn to a copy of the entry and, if fn succeeds, replaces the
// stored entry and marks the bank dirty. Identity fields and vector slots
// cannot be changed through Update.
func (s *Store) Update(id string, fn func(*Entry) error) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return Entry{}, ErrNotLoaded
	}
	cur, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.clone()
	if err := fn(&next); err != nil {
		return Entry{}, err
	}
	next.ID, next.Provider, next.ProviderID = cur.ID, cur.Provider, cur.ProviderID
	next.Vectors = cur.Vectors
	next.CreatedAt = cur.CreatedAt

	s.entries[id] = &next
	s.markDirty()
	return next.clone(), nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Dirty reports whether the bank has changes not yet synced.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Stats summarizes the bank for status output.
type Stats struct {
	State       string         `json:"state"`
	Entries     int            `json:"entries"`
	Vectors     int            `json:"vectors"`
	Dimension   int            `json:"dimension"`
	Dirty       bool           `json:"dirty"`
	Blacklisted int            `json:"blacklisted"`
	ByProvider  map[string]int `json:"byProvider"`
	ByStatus    map[Status]int `json:"byStatus"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		State:      s.state.String(),
		Entries:    len(s.entries),
		Vectors:    s.index.Size(),
		Dimension:  s.index.Dim(),
		Dirty:      s.dirty,
		ByProvider: make(map[string]int),
		ByStatus:   make(map[Status]int),
	}
	for _, e := range s.entries {
		st.ByProvider[e.Provider]++
		st.ByStatus[e.ReviewStatus()]++
		if e.Blacklisted {
			st.Blacklisted++
		}
	}
	return st
}
