// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import (
	"github.com/quarrydb/quarry/internal/base"
)

// PageAliasGuard scopes an aliasing mapping of one blob: while the guard is
// held, the blob's extents appear as one contiguous byte range at the
// guard's window. At most one guard per worker may be active; the area
// itself enforces this. Release is idempotent.
type PageAliasGuard struct {
	m        *Manager
	window   []byte
	released bool
}

// NewPageAliasGuard maps the prefix of the blob's runs covering
// requiredLoadSize bytes. The caller must hold the pages resident (loaded
// or freshly written).
func NewPageAliasGuard(m *Manager, st *BlobState, requiredLoadSize uint64) (*PageAliasGuard, error) {
	runs := st.Runs()
	var covered uint64
	cut := 0
	for cut < len(runs) && covered < requiredLoadSize {
		covered += uint64(runs[cut].Pages) * base.PageSize
		cut++
	}
	return newGuardForRuns(m, runs[:cut], requiredLoadSize)
}

func newGuardForRuns(m *Manager, runs []base.PageRun, bytes uint64) (*PageAliasGuard, error) {
	window, err := m.buf.AliasMap(m.alias, runs, bytes)
	if err != nil {
		return nil, err
	}
	return &PageAliasGuard{m: m, window: window}, nil
}

// Ptr returns the contiguous window.
func (g *PageAliasGuard) Ptr() []byte { return g.window }

// Release unmaps the window. The span must not be used afterwards.
func (g *PageAliasGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.window = nil
	g.m.alias.Release()
}
