// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package base holds the leaf types shared by the quarry storage packages:
// page identifiers, extents, the per-page state machine and the common error
// kinds.
package base

import (
	"fmt"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// PageSize is the size of a database page in bytes. The page size is fixed;
// all extent and blob arithmetic assumes it.
const PageSize = 4096

// PageID identifies a page in the backing file. IDs are dense and assigned
// monotonically by the buffer manager. PageID 0 is reserved for the store
// metadata page and is never part of an extent.
type PageID uint64

// InvalidPageID is never assigned to a real page.
const InvalidPageID = PageID(0)

// String implements fmt.Stringer.
func (p PageID) String() string { return fmt.Sprintf("p%d", uint64(p)) }

// SafeFormat implements redact.SafeFormatter.
func (p PageID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("p%d", redact.SafeUint(uint64(p)))
}

// PageCount returns the number of pages needed to hold n bytes.
func PageCount(n uint64) uint64 {
	return (n + PageSize - 1) / PageSize
}

// Extent is a power-of-two run of contiguous pages. Start is aligned to
// Pages (the buddy invariant), which is what allows freed extents to be
// re-coalesced with their buddies.
type Extent struct {
	Start PageID
	Pages uint32
}

// Valid reports whether the extent satisfies the buddy invariant.
func (e Extent) Valid() bool {
	return e.Pages >= 1 && bits.OnesCount32(e.Pages) == 1 &&
		uint64(e.Start)%uint64(e.Pages) == 0
}

// End returns the first page past the extent.
func (e Extent) End() PageID { return e.Start + PageID(e.Pages) }

// Bytes returns the capacity of the extent in bytes.
func (e Extent) Bytes() uint64 { return uint64(e.Pages) * PageSize }

// String implements fmt.Stringer.
func (e Extent) String() string { return fmt.Sprintf("[%s,+%d)", e.Start, e.Pages) }

// TailExtent is the arbitrary-length run appended to an extent list when the
// final power-of-two extent would waste space. Pages is not required to be a
// power of two and Start carries no alignment constraint.
type TailExtent struct {
	Start PageID
	Pages uint32
	InUse bool
}

// Run returns the tail as a plain page run.
func (t TailExtent) Run() PageRun { return PageRun{Start: t.Start, Pages: t.Pages} }

// PageRun is an arbitrary run of contiguous pages, used for free-space
// bookkeeping where no alignment is implied.
type PageRun struct {
	Start PageID
	Pages uint32
}

// End returns the first page past the run.
func (r PageRun) End() PageID { return r.Start + PageID(r.Pages) }

// Empty reports whether the run covers no pages.
func (r PageRun) Empty() bool { return r.Pages == 0 }

// String implements fmt.Stringer.
func (r PageRun) String() string { return fmt.Sprintf("[%s,+%d)", r.Start, r.Pages) }

// ExtentPages returns the page count of extent slot i of a blob's extent
// list: slot i holds 2^i pages.
func ExtentPages(i int) uint32 { return 1 << i }

// ExtentListPages returns the total page capacity of the first cnt extent
// slots: 2^cnt - 1.
func ExtentListPages(cnt int) uint64 { return 1<<cnt - 1 }

// ExtentClass returns the slot whose cumulative capacity first covers the
// given page count, i.e. the minimal cnt with ExtentListPages(cnt) >= pages.
func ExtentClass(pages uint64) int {
	return bits.Len64(pages)
}

// CheckAligned returns an assertion error if start is not aligned to the
// power-of-two run length n.
func CheckAligned(start PageID, n uint32) error {
	if bits.OnesCount32(n) != 1 || uint64(start)%uint64(n) != 0 {
		return errors.AssertionFailedf("quarry: run [%s,+%d) is not buddy aligned", start, n)
	}
	return nil
}
