package media

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/imagebank/internal/metrics"
	"github.com/kalambet/imagebank/internal/provider"
)

// PlanItem asks for Count images for one page block. Plans always fan out
// across every configured provider; Provider is carried for callers only.
type PlanItem struct {
	BlockID     string               `json:"blockId" yaml:"blockId"`
	Placement   string               `json:"placement,omitempty" yaml:"placement,omitempty"`
	Category    string               `json:"category,omitempty" yaml:"category,omitempty"`
	Provider    string               `json:"provider,omitempty" yaml:"provider,omitempty"`
	SearchQuery string               `json:"searchQuery" yaml:"searchQuery"`
	Orientation provider.Orientation `json:"orientation,omitempty" yaml:"orientation,omitempty"`
	Count       int                  `json:"count" yaml:"count"`
}

// ImageSelection is one image chosen for a block.
type ImageSelection struct {
	BlockID   string `json:"blockId"`
	Category  string `json:"category,omitempty"`
	Placement string `json:"placement,omitempty"`
	Image     Image  `json:"image"`
}

// ExecutePlan resolves every item in order. No image appears twice in the
// result. A failing item is logged and skipped; the call itself never fails.
// Selections are grouped by block and shuffled within each block.
func (c *Client) ExecutePlan(ctx context.Context, items []PlanItem) []ImageSelection {
	seen := make(map[string]struct{})
	var selections []ImageSelection

	for _, item := range items {
		got, err := c.executeItem(ctx, item, seen)
		selections = append(selections, got...)
		if err != nil {
			c.logger.Error("plan item failed", "block_id", item.BlockID, "query", item.SearchQuery, "error", err)
		}
	}
	return c.groupAndShuffle(selections)
}

// executeItem fills one block. seen is shared by the whole plan and only
// touched from the calling goroutine.
func (c *Client) executeItem(ctx context.Context, item PlanItem, seen map[string]struct{}) (sel []ImageSelection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if item.Count <= 0 {
		return nil, nil
	}
	item.Count = min(item.Count, MaxCount)
	count := item.Count
	query := c.normalize(ctx, item.SearchQuery)

	take := func(im Image) {
		if len(sel) >= count {
			return
		}
		if _, dup := seen[im.key()]; dup {
			return
		}
		seen[im.key()] = struct{}{}
		sel = append(sel, ImageSelection{
			BlockID:   item.BlockID,
			Category:  item.Category,
			Placement: item.Placement,
			Image:     im,
		})
	}

	// One embedding match cannot satisfy three orientations at once, so
	// mixed blocks always go to the providers. A confident bank hit ends
	// the block even when it holds fewer than count images.
	if item.Orientation != provider.Mixed {
		if images, ok := c.searchBank(ctx, query, count); ok {
			for _, im := range images {
				take(im)
			}
			return sel, nil
		}
	}

	names := c.providers.Names()
	if len(names) == 0 {
		return sel, fmt.Errorf("no image providers configured")
	}
	orientations := []provider.Orientation{item.Orientation}
	if item.Orientation == provider.Mixed {
		orientations = provider.Concrete
	}

	batch, fresh := c.fanOut(ctx, names, orientations, query, count)
	c.archive(ctx, fresh, query)
	for _, r := range batch {
		take(fromResult(r))
	}

	if item.Orientation == provider.Mixed && len(sel) < count {
		c.fill(ctx, item, query, names, take, func() int { return len(sel) })
		if len(sel) < count {
			metrics.PlanShortfalls.Inc()
			c.logger.Warn("plan block under quota", "block_id", item.BlockID, "query", item.SearchQuery,
				"want", count, "got", len(sel))
		}
	}
	return sel, nil
}

// fanOut queries every provider × orientation pair in parallel, each asking
// for ceil(count/pairs)+5 images, and returns the batch deduplicated along
// with the subset that did not come from the cache.
func (c *Client) fanOut(ctx context.Context, names []string, orientations []provider.Orientation, query string, count int) (all, fresh []provider.ImageSearchResult) {
	pairs := len(names) * len(orientations)
	per := (count+pairs-1)/pairs + fanoutBuffer

	batches := make([][]provider.ImageSearchResult, pairs)
	cachedBatch := make([]bool, pairs)
	var g errgroup.Group
	for i, name := range names {
		for j, o := range orientations {
			slot := i*len(orientations) + j
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("%s %s: panic: %v", name, o, r)
					}
				}()
				p, err := c.providers.Get(name)
				if err != nil {
					return err
				}
				results, cached, err := c.fetch(ctx, p, o, query, per)
				if err != nil {
					c.logger.Warn("provider search failed", "provider", name, "orientation", o, "query", query, "error", err)
					return nil
				}
				batches[slot], cachedBatch[slot] = results, cached
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("fan-out incomplete", "query", query, "error", err)
	}

	dedup := make(map[string]struct{})
	for i, batch := range batches {
		for _, r := range batch {
			if _, dup := dedup[r.Key()]; dup {
				continue
			}
			dedup[r.Key()] = struct{}{}
			all = append(all, r)
			if !cachedBatch[i] {
				fresh = append(fresh, r)
			}
		}
	}
	return all, fresh
}

// fill tops up a mixed block with small random searches, moving down the
// fallback query ladder as attempts accumulate.
func (c *Client) fill(ctx context.Context, item PlanItem, query string, names []string, take func(Image), have func() int) {
	ladder := append([]string{query, item.SearchQuery}, c.fallbacks...)
	maxAttempts := 2 * (item.Count - have())

	for attempt := 0; attempt < maxAttempts && have() < item.Count; attempt++ {
		if ctx.Err() != nil {
			return
		}
		o := provider.Concrete[c.intN(len(provider.Concrete))]
		name := names[c.intN(len(names))]
		q := ladder[min(attempt, len(ladder)-1)]

		p, err := c.providers.Get(name)
		if err != nil {
			continue
		}
		results, cached, err := c.fetch(ctx, p, o, q, fillBatch)
		if err != nil {
			c.logger.Warn("fill search failed", "block_id", item.BlockID, "provider", name, "query", q, "error", err)
			continue
		}
		if !cached {
			c.archive(ctx, results, q)
		}
		for _, r := range results {
			take(fromResult(r))
		}
	}
}

// groupAndShuffle orders selections by block, in first-seen block order,
// and shuffles within each block.
func (c *Client) groupAndShuffle(selections []ImageSelection) []ImageSelection {
	var order []string
	groups := make(map[string][]ImageSelection)
	for _, s := range selections {
		if _, ok := groups[s.BlockID]; !ok {
			order = append(order, s.BlockID)
		}
		groups[s.BlockID] = append(groups[s.BlockID], s)
	}

	out := make([]ImageSelection, 0, len(selections))
	for _, id := range order {
		g := groups[id]
		c.shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		out = append(out, g...)
	}
	return out
}
