// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package freespace maintains the per-store index of free page runs. Extents
// freed by committed transactions land here and are handed back out to
// satisfy power-of-two extent requests and arbitrary-length tail requests.
//
// The index keeps runs in a start-ordered list plus a by-length secondary
// index. Runs stay coalesced under the buddy rule: two adjacent runs merge
// only when they are equal-length powers of two whose union is aligned to
// the doubled length, or when neither side is usable as an aligned extent.
// Unequal extent-shaped neighbors deliberately stay discrete so that the
// allocation schedule that produced them survives a free/reuse cycle.
package freespace

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/invariants"
)

// Index is the free-space index of one store. All methods are safe for
// concurrent use; a single exclusive lock spans every mutation, matching the
// one-writer-at-a-time policy of the surrounding commit path.
type Index struct {
	mu sync.Mutex
	// runs is sorted by Start and holds no two runs mergeable under the
	// buddy rule.
	runs []base.PageRun
	// byLen maps a run length to the ascending starts of runs of exactly
	// that length.
	byLen map[uint32][]base.PageID
}

// New returns an empty index.
func New() *Index {
	return &Index{byLen: make(map[uint32][]base.PageID)}
}

// extentShaped reports whether a run could be returned as a buddy-aligned
// power-of-two extent.
func extentShaped(r base.PageRun) bool {
	return r.Pages > 0 && bits.OnesCount32(r.Pages) == 1 &&
		uint64(r.Start)%uint64(r.Pages) == 0
}

// RequestExtent returns the start of a free buddy-aligned run of 2^power
// pages, or false if the index cannot serve one. Exact-length matches win;
// otherwise the smallest run admitting an aligned sub-run is split and the
// remainders are reinserted.
func (x *Index) RequestExtent(power int) (base.PageID, bool) {
	n := uint32(1) << power
	x.mu.Lock()
	defer x.mu.Unlock()

	if starts := x.byLen[n]; len(starts) > 0 {
		for _, start := range starts {
			if uint64(start)%uint64(n) == 0 {
				x.deleteRun(base.PageRun{Start: start, Pages: n})
				return start, true
			}
		}
	}

	// Best fit: the smallest longer run containing an aligned sub-run.
	best := -1
	for i, r := range x.runs {
		if r.Pages <= n {
			continue
		}
		if _, ok := alignedWithin(r, n); !ok {
			continue
		}
		if best < 0 || r.Pages < x.runs[best].Pages ||
			(r.Pages == x.runs[best].Pages && r.Start < x.runs[best].Start) {
			best = i
		}
	}
	if best < 0 {
		return base.InvalidPageID, false
	}
	r := x.runs[best]
	start, _ := alignedWithin(r, n)
	x.deleteRun(r)
	if front := uint32(start - r.Start); front > 0 {
		x.insertDecomposed(base.PageRun{Start: r.Start, Pages: front})
	}
	if back := uint32(r.End() - (start + base.PageID(n))); back > 0 {
		x.insertDecomposed(base.PageRun{Start: start + base.PageID(n), Pages: back})
	}
	return start, true
}

// insertDecomposed reinserts a split remainder as buddy-aligned
// power-of-two chunks so the pieces remain individually allocatable as
// extents. The chunk at each step is the largest power of two that both
// divides the current start and fits the remaining length.
func (x *Index) insertDecomposed(r base.PageRun) {
	for r.Pages > 0 {
		maxFit := uint32(1) << (bits.Len32(r.Pages) - 1)
		chunk := maxFit
		if tz := bits.TrailingZeros64(uint64(r.Start)); tz < 32 && uint32(1)<<tz < maxFit {
			chunk = uint32(1) << tz
		}
		x.insert(base.PageRun{Start: r.Start, Pages: chunk})
		r.Start += base.PageID(chunk)
		r.Pages -= chunk
	}
}

// alignedWithin returns the lowest start aligned to n inside r such that n
// pages still fit.
func alignedWithin(r base.PageRun, n uint32) (base.PageID, bool) {
	start := (r.Start + base.PageID(n) - 1) / base.PageID(n) * base.PageID(n)
	if start+base.PageID(n) > r.End() {
		return base.InvalidPageID, false
	}
	return start, true
}

// RequestTail returns the start of a free run of exactly pages pages, split
// from the low end of the best-fitting run. No alignment is required.
func (x *Index) RequestTail(pages uint32) (base.PageID, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	best := -1
	for i, r := range x.runs {
		if r.Pages < pages {
			continue
		}
		if best < 0 || r.Pages < x.runs[best].Pages ||
			(r.Pages == x.runs[best].Pages && r.Start < x.runs[best].Start) {
			best = i
		}
	}
	if best < 0 {
		return base.InvalidPageID, false
	}
	r := x.runs[best]
	x.deleteRun(r)
	if rest := r.Pages - pages; rest > 0 {
		x.insert(base.PageRun{Start: r.Start + base.PageID(pages), Pages: rest})
	}
	return r.Start, true
}

// Free inserts a run and coalesces it with its neighbors under the buddy
// rule. Freeing a range that overlaps an existing free run is a bug.
func (x *Index) Free(start base.PageID, pages uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.freeLocked(base.PageRun{Start: start, Pages: pages})
}

// PublishFreeRanges bulk-ingests the freed ranges published by a committing
// transaction.
func (x *Index) PublishFreeRanges(ranges []base.PageRun) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range ranges {
		if err := x.freeLocked(r); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) freeLocked(r base.PageRun) error {
	if r.Pages == 0 {
		return base.AssertionFailedf("quarry: free of empty run at %s", r.Start)
	}
	i := sort.Search(len(x.runs), func(i int) bool { return x.runs[i].Start >= r.Start })
	if i < len(x.runs) && x.runs[i].Start < r.End() {
		return base.AssertionFailedf("quarry: double free of %s (overlaps %s)", r, x.runs[i])
	}
	if i > 0 && x.runs[i-1].End() > r.Start {
		return base.AssertionFailedf("quarry: double free of %s (overlaps %s)", r, x.runs[i-1])
	}
	x.insert(r)
	return nil
}

// mergeable applies the coalescing rule to two adjacent runs.
func mergeable(a, b base.PageRun) bool {
	if a.End() != b.Start {
		return false
	}
	if extentShaped(a) && extentShaped(b) {
		// Buddy merge: equal lengths, union aligned to the doubled length.
		return a.Pages == b.Pages && uint64(a.Start)%uint64(2*a.Pages) == 0
	}
	// Arbitrary (tail) fragments merge freely with one another, but never
	// swallow a run that is still usable as an aligned extent.
	return !extentShaped(a) && !extentShaped(b)
}

// insert adds r and repeatedly merges it with its neighbors.
func (x *Index) insert(r base.PageRun) {
	for {
		i := sort.Search(len(x.runs), func(i int) bool { return x.runs[i].Start >= r.Start })
		merged := false
		if i > 0 && mergeable(x.runs[i-1], r) {
			prev := x.runs[i-1]
			x.deleteRun(prev)
			r = base.PageRun{Start: prev.Start, Pages: prev.Pages + r.Pages}
			merged = true
		} else if i < len(x.runs) && mergeable(r, x.runs[i]) {
			next := x.runs[i]
			x.deleteRun(next)
			r = base.PageRun{Start: r.Start, Pages: r.Pages + next.Pages}
			merged = true
		}
		if !merged {
			break
		}
	}
	i := sort.Search(len(x.runs), func(i int) bool { return x.runs[i].Start >= r.Start })
	x.runs = append(x.runs, base.PageRun{})
	copy(x.runs[i+1:], x.runs[i:])
	x.runs[i] = r
	starts := x.byLen[r.Pages]
	j := sort.Search(len(starts), func(j int) bool { return starts[j] >= r.Start })
	starts = append(starts, base.InvalidPageID)
	copy(starts[j+1:], starts[j:])
	starts[j] = r.Start
	x.byLen[r.Pages] = starts

	if invariants.Enabled {
		x.checkLocked()
	}
}

// deleteRun removes an exact run from both indexes.
func (x *Index) deleteRun(r base.PageRun) {
	i := sort.Search(len(x.runs), func(i int) bool { return x.runs[i].Start >= r.Start })
	if i == len(x.runs) || x.runs[i] != r {
		panic(base.AssertionFailedf("quarry: free index missing run %s", r))
	}
	x.runs = append(x.runs[:i], x.runs[i+1:]...)
	starts := x.byLen[r.Pages]
	j := sort.Search(len(starts), func(j int) bool { return starts[j] >= r.Start })
	x.byLen[r.Pages] = append(starts[:j], starts[j+1:]...)
	if len(x.byLen[r.Pages]) == 0 {
		delete(x.byLen, r.Pages)
	}
}

// Runs returns a copy of the free runs in ascending start order.
func (x *Index) Runs() []base.PageRun {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]base.PageRun, len(x.runs))
	copy(out, x.runs)
	return out
}

// NumRuns returns the number of discrete free runs.
func (x *Index) NumRuns() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.runs)
}

// FreePages returns the total number of free pages.
func (x *Index) FreePages() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n uint64
	for _, r := range x.runs {
		n += uint64(r.Pages)
	}
	return n
}

// Check verifies the index invariants. Tests and the invariants build call
// it after mutations.
func (x *Index) Check() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.check()
}

func (x *Index) checkLocked() {
	if err := x.check(); err != nil {
		panic(err)
	}
}

func (x *Index) check() error {
	var total int
	for l, starts := range x.byLen {
		total += len(starts)
		for _, s := range starts {
			i := sort.Search(len(x.runs), func(i int) bool { return x.runs[i].Start >= s })
			if i == len(x.runs) || x.runs[i] != (base.PageRun{Start: s, Pages: l}) {
				return base.AssertionFailedf("quarry: by-length entry (%s,+%d) missing from primary", s, l)
			}
		}
	}
	if total != len(x.runs) {
		return base.AssertionFailedf("quarry: free index secondary holds %d runs, primary %d", total, len(x.runs))
	}
	for i := 1; i < len(x.runs); i++ {
		a, b := x.runs[i-1], x.runs[i]
		if a.End() > b.Start {
			return base.AssertionFailedf("quarry: overlapping free runs %s, %s", a, b)
		}
		if mergeable(a, b) {
			return base.AssertionFailedf("quarry: uncoalesced free runs %s, %s", a, b)
		}
	}
	return nil
}
