package cells

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ignite/leadgen-engine/internal/cachec"
)

// newDeadCache returns a client with nothing listening; every call misses,
// which turns memoization off and exercises the compute path directly.
func newDeadCache(t *testing.T) *cachec.Client {
	t.Helper()
	c := cachec.New(filepath.Join(t.TempDir(), "nobody.sock"), cachec.Options{PoolSize: 1, RPCTimeout: 50 * time.Millisecond})
	t.Cleanup(c.Close)
	return c
}

func TestTopKOrdering(t *testing.T) {
	plz := []PLZRate{{Rate: 1, PLZ: "10115"}, {Rate: 2, PLZ: "10117"}}
	branches := []BranchRate{{Rate: 3, BranchID: 7}, {Rate: 5, BranchID: 11}}

	got := TopK(plz, branches, 3)

	// Products: 10115×7=3, 10115×11=5, 10117×7=6, 10117×11=10.
	want := []Cell{
		{PLZ: "10115", BranchID: 7, Score: 3},
		{PLZ: "10115", BranchID: 11, Score: 5},
		{PLZ: "10117", BranchID: 7, Score: 6},
	}
	if len(got) != len(want) {
		t.Fatalf("TopK returned %d cells, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cell[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestTopKExhaustsCrossProduct(t *testing.T) {
	plz := []PLZRate{{Rate: 1, PLZ: "a"}, {Rate: 2, PLZ: "b"}}
	branches := []BranchRate{{Rate: 1, BranchID: 1}}

	got := TopK(plz, branches, 10)
	if len(got) != 2 {
		t.Fatalf("TopK over-produced: %d cells, cross product has 2", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score < got[i-1].Score {
			t.Errorf("scores not ascending: %v then %v", got[i-1].Score, got[i].Score)
		}
	}
}

func TestTopKEmptyInputs(t *testing.T) {
	if got := TopK(nil, []BranchRate{{Rate: 1, BranchID: 1}}, 5); got != nil {
		t.Errorf("TopK with no postal codes = %v, want nil", got)
	}
	if got := TopK([]PLZRate{{Rate: 1, PLZ: "x"}}, nil, 5); got != nil {
		t.Errorf("TopK with no branches = %v, want nil", got)
	}
	if got := TopK([]PLZRate{{Rate: 1, PLZ: "x"}}, []BranchRate{{Rate: 1, BranchID: 1}}, 0); got != nil {
		t.Errorf("TopK with k=0 = %v, want nil", got)
	}
}

func TestTopKUnsortedInput(t *testing.T) {
	// Inputs arrive in arbitrary order; the merge must still rank globally.
	plz := []PLZRate{{Rate: 9, PLZ: "high"}, {Rate: 1, PLZ: "low"}}
	branches := []BranchRate{{Rate: 4, BranchID: 2}, {Rate: 2, BranchID: 1}}

	got := TopK(plz, branches, 4)
	wantScores := []float64{2, 4, 18, 36}
	for i, s := range wantScores {
		if got[i].Score != s {
			t.Errorf("score[%d] = %v, want %v", i, got[i].Score, s)
		}
	}
}

// stubInventory backs the builder tests with fixed data.
type stubInventory struct {
	plz      []PLZRate
	branches []BranchRate
	rows     map[string]CrawlCell // keyed plz|branch
	version  string
}

func (s *stubInventory) CityRates(context.Context, int64) ([]PLZRate, error) {
	return s.plz, nil
}
func (s *stubInventory) BranchRates(context.Context, int64) ([]BranchRate, error) {
	return s.branches, nil
}
func (s *stubInventory) Lookup(_ context.Context, cs []Cell) ([]CrawlCell, error) {
	out := make([]CrawlCell, 0, len(cs))
	for _, c := range cs {
		key := fmt.Sprintf("%s|%d", c.PLZ, c.BranchID)
		row, ok := s.rows[key]
		if !ok {
			row = CrawlCell{CbID: int64(len(out) + 1000), PLZ: c.PLZ, BranchID: c.BranchID}
		}
		row.Rate = c.Score
		out = append(out, row)
	}
	return out, nil
}
func (s *stubInventory) Version(context.Context, int64) (string, error) {
	return s.version, nil
}

func testBuilder(diff int) (*Builder, *stubInventory) {
	inv := &stubInventory{
		plz:      []PLZRate{{Rate: 1, PLZ: "10115"}, {Rate: 2, PLZ: "10117"}, {Rate: 3, PLZ: "10119"}},
		branches: []BranchRate{{Rate: 1, BranchID: 1}, {Rate: 2, BranchID: 2}},
		rows: map[string]CrawlCell{
			"10115|1": {CbID: 1, PLZ: "10115", BranchID: 1, Collected: true},
			"10115|2": {CbID: 2, PLZ: "10115", BranchID: 2, Collected: true},
			"10117|1": {CbID: 3, PLZ: "10117", BranchID: 1},
			"10117|2": {CbID: 4, PLZ: "10117", BranchID: 2},
			"10119|1": {CbID: 5, PLZ: "10119", BranchID: 1},
			"10119|2": {CbID: 6, PLZ: "10119", BranchID: 2},
		},
		version: "h1",
	}
	return NewBuilder(inv, nil, 1000, diff), inv
}

func TestGetCrawlerSkipsCollected(t *testing.T) {
	b, _ := testBuilder(2)
	b.cache = newDeadCache(t)

	got, err := b.GetCrawler(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetCrawler() error: %v", err)
	}
	// Collected cells (cb 1 and 2) must be skipped; cap is 2×diff = 4.
	if len(got) > 4 {
		t.Fatalf("GetCrawler() returned %d cells, cap is 4", len(got))
	}
	for _, c := range got {
		if c.Collected {
			t.Errorf("GetCrawler() returned collected cell %+v", c)
		}
	}
	if len(got) == 0 || got[0].Collected {
		t.Error("GetCrawler() should start at the first uncollected cell")
	}
}

func TestGetExpandWindowsAroundPivot(t *testing.T) {
	b, _ := testBuilder(1)
	b.cache = newDeadCache(t)

	got, err := b.GetExpand(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetExpand() error: %v", err)
	}
	// Window is pivot±1; it may include collected neighbours.
	if len(got) != 2 {
		t.Fatalf("GetExpand() returned %d cells, want 2", len(got))
	}
}

func TestGetExpandFullEndsAtPivot(t *testing.T) {
	b, _ := testBuilder(1)
	b.cache = newDeadCache(t)

	got, err := b.GetExpandFull(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetExpandFull() error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("GetExpandFull() returned nothing")
	}
	last := got[len(got)-1]
	if last.Collected {
		t.Errorf("prefix must end at the first uncollected cell, got %+v", last)
	}
	for _, c := range got[:len(got)-1] {
		if !c.Collected {
			t.Errorf("cell before the pivot is uncollected: %+v", c)
		}
	}
}
