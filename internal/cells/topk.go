package cells

import (
	"container/heap"
	"sort"
)

// A cell is one (postal-code, branch) pair of the directory inventory. The
// combined score of a cell is the product of its postal-code rate and its
// branch rate; TopK yields the k cheapest-scored cells without materializing
// the full cross product.

// PLZRate is a scored postal code.
type PLZRate struct {
	Rate float64 `json:"rate"`
	PLZ  string  `json:"plz"`
}

// BranchRate is a scored branch.
type BranchRate struct {
	Rate     float64 `json:"rate"`
	BranchID int64   `json:"branch_id"`
}

// Cell is a scored (plz, branch) pair.
type Cell struct {
	PLZ      string  `json:"plz"`
	BranchID int64   `json:"branch_id"`
	Score    float64 `json:"score"`
}

type mergeItem struct {
	score    float64
	outerIdx int
	innerIdx int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].outerIdx < h[j].outerIdx
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK merges the two scored sequences into the k lowest-scored cells,
// ascending by (score, outer index). The smaller sequence is the outer one:
// the heap holds one candidate per outer element, and each pop advances that
// outer element's inner cursor.
func TopK(plz []PLZRate, branches []BranchRate, k int) []Cell {
	if k <= 0 || len(plz) == 0 || len(branches) == 0 {
		return nil
	}

	// The merge requires both sequences ascending by rate. Rates are
	// non-negative crawl scores, so product order follows rate order.
	plz = append([]PLZRate(nil), plz...)
	branches = append([]BranchRate(nil), branches...)
	sort.SliceStable(plz, func(i, j int) bool { return plz[i].Rate < plz[j].Rate })
	sort.SliceStable(branches, func(i, j int) bool { return branches[i].Rate < branches[j].Rate })

	// Normalize to "outer × inner" with branches as the outer side when it
	// is not larger; cells are symmetric in the two axes.
	branchOuter := len(branches) <= len(plz)

	var outerLen, innerLen int
	if branchOuter {
		outerLen, innerLen = len(branches), len(plz)
	} else {
		outerLen, innerLen = len(plz), len(branches)
	}

	outerRate := func(i int) float64 {
		if branchOuter {
			return branches[i].Rate
		}
		return plz[i].Rate
	}
	innerRate := func(i int) float64 {
		if branchOuter {
			return plz[i].Rate
		}
		return branches[i].Rate
	}
	makeCell := func(o, i int, score float64) Cell {
		if branchOuter {
			return Cell{PLZ: plz[i].PLZ, BranchID: branches[o].BranchID, Score: score}
		}
		return Cell{PLZ: plz[o].PLZ, BranchID: branches[i].BranchID, Score: score}
	}

	h := make(mergeHeap, 0, outerLen)
	for o := 0; o < outerLen; o++ {
		h = append(h, mergeItem{score: outerRate(o) * innerRate(0), outerIdx: o, innerIdx: 0})
	}
	heap.Init(&h)

	total := outerLen * innerLen
	if k > total {
		k = total
	}

	out := make([]Cell, 0, k)
	for len(out) < k && h.Len() > 0 {
		item := heap.Pop(&h).(mergeItem)
		out = append(out, makeCell(item.outerIdx, item.innerIdx, item.score))
		if next := item.innerIdx + 1; next < innerLen {
			heap.Push(&h, mergeItem{
				score:    outerRate(item.outerIdx) * innerRate(next),
				outerIdx: item.outerIdx,
				innerIdx: next,
			})
		}
	}
	return out
}
