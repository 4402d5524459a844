// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import (
	"github.com/quarrydb/quarry/internal/base"
)

// A blob's extent schedule is decided once, at allocation:
//
//   - likely-grow: pure doubling, 1, 2, 4, ..., 2^(k-1) pages and no tail.
//     Growth appends the next class; earlier extents are never touched.
//   - fixed-size: the maximal doubling prefix whose capacity does not
//     exceed the page count, plus one arbitrary tail for the remainder.
//     When the page count is exactly 2^k - 1 the schedule has no tail even
//     for fixed-size blobs.
type schedule struct {
	extentCnt int
	tailPages uint32
}

func scheduleFor(size uint64, likelyGrow bool) schedule {
	pages := base.PageCount(size)
	if pages == 0 {
		return schedule{}
	}
	if likelyGrow {
		return schedule{extentCnt: base.ExtentClass(pages)}
	}
	// Fixed size: grow the doubling prefix while it fits entirely.
	cnt := 0
	for base.ExtentListPages(cnt+1) <= pages {
		cnt++
	}
	return schedule{
		extentCnt: cnt,
		tailPages: uint32(pages - base.ExtentListPages(cnt)),
	}
}
