// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "sync/atomic"

// PageStateKind enumerates the states of the per-page state machine.
type PageStateKind uint8

const (
	// PageEvicted: no physical frame backs the page.
	PageEvicted PageStateKind = iota
	// PageUnlocked: resident, unreferenced, eligible for cooling.
	PageUnlocked
	// PageMarked: resident, cooled by the clock sweep, next in line for
	// eviction unless referenced again.
	PageMarked
	// PageShared: resident with one or more read pins.
	PageShared
	// PageExclusive: resident with a single write latch.
	PageExclusive
)

// String implements fmt.Stringer.
func (k PageStateKind) String() string {
	switch k {
	case PageEvicted:
		return "evicted"
	case PageUnlocked:
		return "unlocked"
	case PageMarked:
		return "marked"
	case PageShared:
		return "shared"
	case PageExclusive:
		return "exclusive"
	}
	return "unknown"
}

const (
	pageStateKindShift  = 56
	pageStatePreventBit = 1 << 62
	pageStateCountMask  = (1 << pageStateKindShift) - 1
)

// PageState is the atomic state word of one page. The low bits carry the
// shared pin count, bits 56..58 the state kind, bit 62 the prevent-evict
// flag. All transitions are CAS loops; the word is never locked.
type PageState struct {
	v atomic.Uint64
}

func pack(k PageStateKind, count uint64, prevent bool) uint64 {
	w := uint64(k)<<pageStateKindShift | count
	if prevent {
		w |= pageStatePreventBit
	}
	return w
}

func unpack(w uint64) (k PageStateKind, count uint64, prevent bool) {
	return PageStateKind(w >> pageStateKindShift & 0x7), w & pageStateCountMask, w&pageStatePreventBit != 0
}

// Kind returns the current state kind.
func (s *PageState) Kind() PageStateKind {
	k, _, _ := unpack(s.v.Load())
	return k
}

// SharedCount returns the number of shared pins.
func (s *PageState) SharedCount() uint64 {
	_, c, _ := unpack(s.v.Load())
	return c
}

// PreventEvict reports whether the page is protected from eviction.
func (s *PageState) PreventEvict() bool {
	_, _, p := unpack(s.v.Load())
	return p
}

// SetPreventEvict sets or clears the prevent-evict flag.
func (s *PageState) SetPreventEvict(prevent bool) {
	for {
		w := s.v.Load()
		k, c, _ := unpack(w)
		if s.v.CompareAndSwap(w, pack(k, c, prevent)) {
			return
		}
	}
}

// Reset unconditionally installs the given kind with no pins and no
// prevent-evict flag. Used when a frame is (re)assigned to a page.
func (s *PageState) Reset(k PageStateKind) {
	s.v.Store(pack(k, 0, false))
}

// TryLockShared acquires a read pin. Legal from Unlocked, Marked and Shared;
// Marked pages are rescued back into the working set.
func (s *PageState) TryLockShared() bool {
	for {
		w := s.v.Load()
		k, c, p := unpack(w)
		switch k {
		case PageUnlocked, PageMarked:
			if s.v.CompareAndSwap(w, pack(PageShared, 1, p)) {
				return true
			}
		case PageShared:
			if s.v.CompareAndSwap(w, pack(PageShared, c+1, p)) {
				return true
			}
		default:
			return false
		}
	}
}

// UnlockShared drops a read pin; the last pin returns the page to Unlocked.
func (s *PageState) UnlockShared() {
	for {
		w := s.v.Load()
		k, c, p := unpack(w)
		if k != PageShared || c == 0 {
			panic(errAssertf("unlock-shared of %s page with %d pins", k, c))
		}
		next := pack(PageShared, c-1, p)
		if c == 1 {
			next = pack(PageUnlocked, 0, p)
		}
		if s.v.CompareAndSwap(w, next) {
			return
		}
	}
}

// TryLockExclusive acquires the write latch. Legal from Unlocked and Marked.
func (s *PageState) TryLockExclusive() bool {
	for {
		w := s.v.Load()
		k, _, p := unpack(w)
		if k != PageUnlocked && k != PageMarked {
			return false
		}
		if s.v.CompareAndSwap(w, pack(PageExclusive, 0, p)) {
			return true
		}
	}
}

// UnlockExclusive releases the write latch.
func (s *PageState) UnlockExclusive() {
	for {
		w := s.v.Load()
		k, _, p := unpack(w)
		if k != PageExclusive {
			panic(errAssertf("unlock-exclusive of %s page", k))
		}
		if s.v.CompareAndSwap(w, pack(PageUnlocked, 0, p)) {
			return
		}
	}
}

// TryMark cools an Unlocked page to Marked. The clock sweep uses this.
func (s *PageState) TryMark() bool {
	for {
		w := s.v.Load()
		k, _, p := unpack(w)
		if k != PageUnlocked || p {
			return false
		}
		if s.v.CompareAndSwap(w, pack(PageMarked, 0, p)) {
			return true
		}
	}
}

// TryEvict transitions an Unlocked or Marked page to Evicted. Pages with the
// prevent-evict flag never leave memory this way.
func (s *PageState) TryEvict() bool {
	for {
		w := s.v.Load()
		k, _, p := unpack(w)
		if p || (k != PageUnlocked && k != PageMarked) {
			return false
		}
		if s.v.CompareAndSwap(w, pack(PageEvicted, 0, false)) {
			return true
		}
	}
}
