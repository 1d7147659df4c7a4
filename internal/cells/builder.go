package cells

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ignite/leadgen-engine/internal/cachec"
)

// QueueBuilder computes the ranked cell lists that drive the crawlers. The
// three accessors are windowed views over the same ranked prefix and are
// memoized per task, versioned on the task's crawl_tasks fingerprint, so a
// re-rating invalidates them without explicit busting.

// CrawlCell is a ranked cell enriched with its directory row.
type CrawlCell struct {
	CbID      int64   `json:"cb_id"`
	PLZ       string  `json:"plz"`
	BranchID  int64   `json:"branch_id"`
	Rate      float64 `json:"rate"`
	Collected bool    `json:"collected"`
}

// Inventory supplies the scored inputs and directory rows for a task.
type Inventory interface {
	// CityRates returns scored postal codes from the task's city crawl
	// tasks resolved through the city→PLZ map.
	CityRates(ctx context.Context, taskID int64) ([]PLZRate, error)
	// BranchRates returns the task's scored branches.
	BranchRates(ctx context.Context, taskID int64) ([]BranchRate, error)
	// Lookup resolves cells to directory rows (cb_id, collected).
	Lookup(ctx context.Context, cs []Cell) ([]CrawlCell, error)
	// Version returns the task's crawl_tasks fingerprint; it changes
	// whenever any underlying rate row does.
	Version(ctx context.Context, taskID int64) (string, error)
}

// Builder materializes ranked cell windows for tasks.
type Builder struct {
	inv   Inventory
	cache *cachec.Client

	window int // cap on the ranked prefix
	diff   int // half-width of the crawler windows

	rng *rand.Rand
}

// NewBuilder creates a QueueBuilder. window caps the ranked prefix
// (preventing unbounded memory on huge markets); diff sizes the slices.
func NewBuilder(inv Inventory, cache *cachec.Client, window, diff int) *Builder {
	if window <= 0 {
		window = 100000
	}
	if diff <= 0 {
		diff = 50
	}
	return &Builder{
		inv:    inv,
		cache:  cache,
		window: window,
		diff:   diff,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// build computes the full ranked, enriched prefix for a task.
func (b *Builder) build(ctx context.Context, taskID int64) ([]CrawlCell, error) {
	plz, err := b.inv.CityRates(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("cells: city rates for task %d: %w", taskID, err)
	}
	branches, err := b.inv.BranchRates(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("cells: branch rates for task %d: %w", taskID, err)
	}

	ranked := TopK(plz, branches, b.window)
	enriched, err := b.inv.Lookup(ctx, ranked)
	if err != nil {
		return nil, fmt.Errorf("cells: lookup for task %d: %w", taskID, err)
	}

	sort.SliceStable(enriched, func(i, j int) bool {
		if enriched[i].Rate != enriched[j].Rate {
			return enriched[i].Rate < enriched[j].Rate
		}
		return enriched[i].CbID < enriched[j].CbID
	})
	return enriched, nil
}

// memoized wraps build with a per-task memo. TTL is uniform in [2h, 4h) so
// the rebuilds of many tasks do not synchronize.
func (b *Builder) memoized(ctx context.Context, taskID int64) ([]CrawlCell, error) {
	version, err := b.inv.Version(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("cells: version for task %d: %w", taskID, err)
	}
	ttl := 2*time.Hour + time.Duration(b.rng.Int63n(int64(2*time.Hour)))
	return cachec.Memo(ctx, b.cache, taskID, b.build, cachec.MemoOpts{
		TTL:     ttl,
		Version: version,
	})
}

func firstUncollected(cs []CrawlCell) int {
	for i, c := range cs {
		if !c.Collected {
			return i
		}
	}
	return -1
}

// GetCrawler returns up to 2×diff uncollected cells starting from the first
// uncollected cell in the ranked prefix. This is the steady-fetch strategy.
func (b *Builder) GetCrawler(ctx context.Context, taskID int64) ([]CrawlCell, error) {
	cs, err := b.memoized(ctx, taskID)
	if err != nil {
		return nil, err
	}
	start := firstUncollected(cs)
	if start < 0 {
		return nil, nil
	}
	out := make([]CrawlCell, 0, 2*b.diff)
	for _, c := range cs[start:] {
		if c.Collected {
			continue
		}
		out = append(out, c)
		if len(out) >= 2*b.diff {
			break
		}
	}
	return out, nil
}

// GetExpand returns the ±diff window around the first uncollected cell.
// This is the reconcile strategy: it revisits collected neighbours.
func (b *Builder) GetExpand(ctx context.Context, taskID int64) ([]CrawlCell, error) {
	cs, err := b.memoized(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pivot := firstUncollected(cs)
	if pivot < 0 {
		return nil, nil
	}
	lo := pivot - b.diff
	if lo < 0 {
		lo = 0
	}
	hi := pivot + b.diff
	if hi > len(cs) {
		hi = len(cs)
	}
	return cs[lo:hi], nil
}

// GetExpandFull returns the full ranked prefix up to and including the first
// uncollected cell.
func (b *Builder) GetExpandFull(ctx context.Context, taskID int64) ([]CrawlCell, error) {
	cs, err := b.memoized(ctx, taskID)
	if err != nil {
		return nil, err
	}
	pivot := firstUncollected(cs)
	if pivot < 0 {
		return cs, nil
	}
	return cs[:pivot+1], nil
}
