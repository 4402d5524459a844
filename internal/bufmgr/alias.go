// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package bufmgr

import (
	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
)

// AliasArea is one worker's aliasing window: a reserved virtual-address
// range into which the frames of a blob's extents are remapped so the blob
// appears contiguous without copying. When the platform lacks the mapping
// primitives, or NormalBufferPool is set, the area degrades to a heap
// buffer and AliasMap gathers instead; correctness is unchanged, zero-copy is
// lost.
//
// At most one mapping may be active per area; the blob layer enforces one
// area per worker.
type AliasArea struct {
	m      *Manager
	size   uint64
	addr   uintptr // 0 in gather mode
	mapped uint64  // bytes of addr currently backed by frame mappings
	buf    []byte  // gather mode only
	active bool
}

// NewAliasArea reserves an aliasing window of at least maxBytes.
func (m *Manager) NewAliasArea(maxBytes uint64) *AliasArea {
	size := (maxBytes + base.PageSize - 1) / base.PageSize * base.PageSize
	a := &AliasArea{m: m, size: size}
	if !m.cfg.NormalBufferPool && aliasSupported {
		addr, err := reserveRegion(size)
		if err != nil {
			m.cfg.Logger.Errorf("quarry: aliasing reservation failed, gathering instead: %v", err)
		} else {
			a.addr = addr
		}
	}
	return a
}

// Zerocopy reports whether the area is a true mapping. Writes through the
// window reach the frames only in zero-copy mode.
func (a *AliasArea) Zerocopy() bool { return a.addr != 0 }

// Active reports whether a mapping is currently held.
func (a *AliasArea) Active() bool { return a.active }

// AliasMap maps the runs back to back into the area and returns a window of
// length bytes over them. Every page must be resident; callers pin the runs
// first. Only one mapping may be active at a time.
func (m *Manager) AliasMap(a *AliasArea, runs []base.PageRun, bytes uint64) ([]byte, error) {
	if a.active {
		return nil, errors.AssertionFailedf("quarry: aliasing window already mapped")
	}
	var pages uint64
	for _, r := range runs {
		pages += uint64(r.Pages)
	}
	if bytes > pages*base.PageSize || bytes > a.size {
		return nil, errors.AssertionFailedf(
			"quarry: aliasing %d bytes over %d pages in a %d-byte area", bytes, pages, a.size)
	}

	if a.addr != 0 {
		k := 0
		for _, r := range runs {
			for p := r.Start; p < r.End(); p++ {
				m.mu.Lock()
				i, ok := m.mu.table.Get(p)
				m.mu.Unlock()
				if !ok {
					a.unmapAll()
					return nil, errors.AssertionFailedf("quarry: aliasing non-resident page %s", p)
				}
				if err := a.mapPage(k, uint64(i)*base.PageSize); err != nil {
					a.unmapAll()
					return nil, errors.Wrapf(err, "quarry: aliasing page %s", p)
				}
				k++
			}
		}
		a.mapped = uint64(k) * base.PageSize
		a.active = true
		return a.window(bytes), nil
	}

	// Gather mode: copy the resident frames into the heap buffer, grown
	// lazily to the window size.
	if uint64(len(a.buf)) < bytes {
		a.buf = make([]byte, bytes)
	}
	var off uint64
	for _, r := range runs {
		n := min(uint64(r.Pages)*base.PageSize, bytes-off)
		if n == 0 {
			break
		}
		if err := m.ReadRun(r, 0, a.buf[off:off+n]); err != nil {
			return nil, err
		}
		off += n
	}
	a.active = true
	return a.buf[:bytes], nil
}

// Release drops the active mapping. The reservation itself survives for the
// next AliasMap.
func (a *AliasArea) Release() {
	if !a.active {
		return
	}
	if a.addr != 0 {
		a.unmapAll()
	}
	a.active = false
}

// Close releases the reservation.
func (a *AliasArea) Close() {
	a.Release()
	if a.addr != 0 {
		a.unreserve()
		a.addr = 0
	}
	a.buf = nil
}
