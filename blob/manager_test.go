// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/bufmgr"
	"github.com/quarrydb/quarry/internal/freespace"
	"github.com/quarrydb/quarry/internal/txn"
	"github.com/quarrydb/quarry/internal/wal"
	"github.com/stretchr/testify/require"
)

// blobSize is 4.5 pages: more than two doubling extents hold (3 pages), so
// the doubling schedule needs three (7 pages).
const blobSize = 18432

type env struct {
	buf  *bufmgr.Manager
	free *freespace.Index
	pool *txn.Pool
	mgr  *Manager
}

func newEnv(t *testing.T, variant bufmgr.LoggingVariant, normalPool bool) *env {
	t.Helper()
	dir := t.TempDir()
	buf, err := bufmgr.New(bufmgr.Config{
		PoolBytes:        256 * base.PageSize,
		FileBytes:        1 << 26,
		Path:             filepath.Join(dir, "pages"),
		NormalBufferPool: normalPool,
	})
	require.NoError(t, err)
	free := freespace.New()
	pool, err := txn.NewPool(txn.Config{
		Workers:        1,
		WALDir:         dir,
		LoggingVariant: variant,
	}, buf, free)
	require.NoError(t, err)
	e := &env{
		buf:  buf,
		free: free,
		pool: pool,
		mgr:  NewManager(buf, free, ManagerOptions{AliasBytes: 1 << 24, Metrics: NewMetrics()}),
	}
	t.Cleanup(func() {
		e.mgr.Close()
		require.NoError(t, pool.Close())
		require.NoError(t, buf.Close())
	})
	return e
}

func (e *env) run(t *testing.T, fn func(w *txn.Worker) error) {
	t.Helper()
	require.NoError(t, e.pool.ScheduleSyncJob(0, fn))
}

// allocate runs one AllocateBlob in its own committed transaction.
func (e *env) allocate(t *testing.T, payload []byte, prev *BlobState, likelyGrow bool) *BlobState {
	t.Helper()
	var st *BlobState
	e.run(t, func(w *txn.Worker) error {
		tx := w.Begin(e.pool)
		var err error
		st, err = e.mgr.AllocateBlob(tx, payload, prev, likelyGrow)
		if err != nil {
			return err
		}
		return e.pool.Commit(tx)
	})
	return st
}

func (e *env) remove(t *testing.T, st *BlobState) {
	t.Helper()
	e.run(t, func(w *txn.Worker) error {
		tx := w.Begin(e.pool)
		if err := tx.EnsureStartLogged(); err != nil {
			return err
		}
		e.mgr.RemoveBlob(tx, st)
		return e.pool.Commit(tx)
	})
}

func (e *env) load(t *testing.T, st *BlobState, n, off uint64) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, e.mgr.LoadBlob(st, n, func(span []byte) {
		out = append([]byte(nil), span...)
	}, off))
	return out
}

func testPayload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed*97 + byte(i%10)
	}
	return p
}

func forEachConfig(t *testing.T, fn func(t *testing.T, variant bufmgr.LoggingVariant, normalPool bool)) {
	for _, variant := range []bufmgr.LoggingVariant{
		bufmgr.VariantEvict, bufmgr.VariantKeep, bufmgr.VariantMark,
	} {
		for _, normalPool := range []bool{false, true} {
			t.Run(fmt.Sprintf("variant=%d/normal=%v", variant, normalPool), func(t *testing.T) {
				fn(t, variant, normalPool)
			})
		}
	}
}

// Fresh likely-grow allocation: doubling extents 1, 2, 4 pages at p, p+1,
// p+3, no tail, and byte-exact loads.
func TestFreshLikelyGrow(t *testing.T) {
	forEachConfig(t, func(t *testing.T, variant bufmgr.LoggingVariant, normalPool bool) {
		e := newEnv(t, variant, normalPool)
		payload := testPayload(blobSize, 1)
		st := e.allocate(t, payload, nil, true)

		require.Equal(t, 3, st.ExtentCount())
		require.False(t, st.Tail.InUse)
		p := st.Extents[0]
		require.Equal(t, p+1, st.Extents[1])
		require.Equal(t, p+3, st.Extents[2])
		require.Equal(t, uint64(5), st.PageCount())
		require.Equal(t, uint64(7), st.CapacityPages())
		require.Equal(t, st.BlobSize, st.PrevBlobSize)
		require.Equal(t, st, e.mgr.ActiveBlob())

		// Partial load returns the first page.
		got := e.load(t, st, base.PageSize, 0)
		require.Equal(t, payload[:base.PageSize], got)

		// Full load is byte exact.
		got = e.load(t, st, st.BlobSize, 0)
		require.Equal(t, payload, got)
		e.mgr.UnloadAllBlobs()
	})
}

// Fresh fixed-size allocation: extents 1, 2 plus a two-page tail.
func TestFreshFixedSize(t *testing.T) {
	forEachConfig(t, func(t *testing.T, variant bufmgr.LoggingVariant, normalPool bool) {
		e := newEnv(t, variant, normalPool)
		payload := testPayload(blobSize, 2)
		st := e.allocate(t, payload, nil, false)

		require.Equal(t, 2, st.ExtentCount())
		require.True(t, st.Tail.InUse)
		require.Equal(t, uint32(2), st.Tail.Pages)
		require.Equal(t, st.PageCount(), st.CapacityPages())

		require.Equal(t, payload, e.load(t, st, st.BlobSize, 0))
		e.mgr.UnloadAllBlobs()
	})
}

// Loads with an offset deliver the window from the first covering extent;
// the caller reaches its bytes at the intra-window remainder of the offset.
func TestLoadWithOffset(t *testing.T) {
	e := newEnv(t, bufmgr.VariantKeep, false)
	payload := testPayload(blobSize, 1)
	st := e.allocate(t, payload, nil, true)

	const offset = 8191
	size := uint64(blobSize - offset)
	window := e.load(t, st, size, offset)
	// The window starts at the second extent (logical byte 4096).
	require.Equal(t, int(offset-base.PageSize+size), len(window))
	require.Equal(t, payload[offset:], window[offset-base.PageSize:])

	// An offset at or past the blob is a range fault.
	err := e.mgr.LoadBlob(st, 1, func([]byte) {}, st.BlobSize)
	require.True(t, errors.Is(err, base.ErrRange))
	e.mgr.UnloadAllBlobs()
}

// Growing a likely-grow blob fills the last extent in place under a WAL
// page image and appends the next doubling class for the rest.
func TestGrowLikelyGrow(t *testing.T) {
	forEachConfig(t, func(t *testing.T, variant bufmgr.LoggingVariant, normalPool bool) {
		e := newEnv(t, variant, normalPool)
		payload := testPayload(blobSize, 1)
		suffix := testPayload(blobSize, 2)
		st := e.allocate(t, payload, nil, true)

		const remaining = 10240 // 16384-byte last extent holding 6144 bytes
		var pre, post uint64
		var grown *BlobState
		e.run(t, func(w *txn.Worker) error {
			tx := w.Begin(e.pool)
			pre = w.WAL.Cursor()
			var err error
			grown, err = e.mgr.AllocateBlob(tx, suffix, st, true)
			if err != nil {
				return err
			}
			post = w.WAL.Cursor()
			return e.pool.Commit(tx)
		})

		require.Equal(t, uint64(wal.LogEntrySize+wal.PageImgEntrySize+remaining), post-pre)
		require.Equal(t, 4, grown.ExtentCount())
		require.False(t, grown.Tail.InUse)
		require.Equal(t, uint64(2*blobSize), grown.BlobSize)
		require.Equal(t, uint64(blobSize), grown.PrevBlobSize)
		// The shared prefix is untouched.
		require.Equal(t, st.Extents, grown.Extents[:3])
		require.Equal(t, uint64(blobSize), st.BlobSize)

		// Grow preserves content: the full load equals payload + suffix.
		got := e.load(t, grown, grown.BlobSize, 0)
		require.Equal(t, append(append([]byte(nil), payload...), suffix...), got)
		e.mgr.UnloadAllBlobs()
	})
}

// Growing a blob whose last extent is exactly full writes no page image —
// the transaction still opens with a start record before the fresh extents
// are published.
func TestGrowFromFullLastExtent(t *testing.T) {
	e := newEnv(t, bufmgr.VariantKeep, false)
	// 7 pages fill doubling extents 1, 2, 4 to the byte.
	payload := testPayload(7*base.PageSize, 1)
	suffix := testPayload(blobSize, 2)
	st := e.allocate(t, payload, nil, true)
	require.Equal(t, 3, st.ExtentCount())

	var pre, post uint64
	var grown *BlobState
	e.run(t, func(w *txn.Worker) error {
		tx := w.Begin(e.pool)
		pre = w.WAL.Cursor()
		var err error
		grown, err = e.mgr.AllocateBlob(tx, suffix, st, true)
		if err != nil {
			return err
		}
		post = w.WAL.Cursor()
		return e.pool.Commit(tx)
	})

	require.Equal(t, uint64(wal.LogEntrySize), post-pre)
	require.Equal(t, 4, grown.ExtentCount())
	require.Equal(t, append(append([]byte(nil), payload...), suffix...),
		e.load(t, grown, grown.BlobSize, 0))
	e.mgr.UnloadAllBlobs()
}

// Growing a fixed-size blob promotes the tail into a full extent; only the
// transaction start record is logged.
func TestGrowPromotesTail(t *testing.T) {
	forEachConfig(t, func(t *testing.T, variant bufmgr.LoggingVariant, normalPool bool) {
		e := newEnv(t, variant, normalPool)
		payload := testPayload(blobSize, 1)
		suffix := testPayload(blobSize, 2)
		st := e.allocate(t, payload, nil, false)
		tailRun := st.Tail.Run()

		var pre, post uint64
		var grown *BlobState
		e.run(t, func(w *txn.Worker) error {
			tx := w.Begin(e.pool)
			pre = w.WAL.Cursor()
			var err error
			grown, err = e.mgr.AllocateBlob(tx, suffix, st, false)
			if err != nil {
				return err
			}
			post = w.WAL.Cursor()
			return e.pool.Commit(tx)
		})

		require.Equal(t, uint64(wal.LogEntrySize), post-pre)
		require.Equal(t, 4, grown.ExtentCount())
		require.False(t, grown.Tail.InUse)
		require.Equal(t, uint64(2*blobSize), grown.BlobSize)

		// The promoted tail's pages went back to the free index.
		covered := false
		for _, r := range e.free.Runs() {
			if r.Start <= tailRun.Start && tailRun.End() <= r.End() {
				covered = true
			}
		}
		require.True(t, covered)

		require.Equal(t, append(append([]byte(nil), payload...), suffix...),
			e.load(t, grown, grown.BlobSize, 0))
		e.mgr.UnloadAllBlobs()
	})
}

// Remove + commit publishes the doubling extents as discrete free runs that
// serve the original extents back, smallest-fit first.
func TestRemoveThenReuse(t *testing.T) {
	e := newEnv(t, bufmgr.VariantEvict, false)
	st := e.allocate(t, testPayload(blobSize, 1), nil, true)
	p := st.Extents[0]
	e.remove(t, st)

	require.Equal(t, 3, e.free.NumRuns())
	require.Equal(t, uint64(7), e.free.FreePages())

	// Nothing larger than the largest extent can be served.
	_, ok := e.free.RequestExtent(3)
	require.False(t, ok)

	pid, ok := e.free.RequestExtent(2)
	require.True(t, ok)
	require.Equal(t, p+3, pid)
	pid, ok = e.free.RequestExtent(1)
	require.True(t, ok)
	require.Equal(t, p+1, pid)
	pid, ok = e.free.RequestExtent(0)
	require.True(t, ok)
	require.Equal(t, p, pid)
}

// The free runs of a removed grown blob coalesce only along buddy lines.
func TestRemoveGrownBlob(t *testing.T) {
	e := newEnv(t, bufmgr.VariantEvict, false)
	st := e.allocate(t, testPayload(blobSize, 1), nil, false)
	grown := e.allocate(t, testPayload(blobSize, 2), st, false)
	e.remove(t, grown)

	// Extents 1@1, 2@2, 4@8, 8@16 come back; together with the freed tail
	// (4,2) and the alignment gaps (6,2), (12,4) they settle as:
	require.Equal(t, []base.PageRun{
		{Start: 1, Pages: 1},
		{Start: 2, Pages: 2},
		{Start: 4, Pages: 4},
		{Start: 8, Pages: 8},
		{Start: 16, Pages: 8},
	}, e.free.Runs())
	require.NoError(t, e.free.Check())
}

// Partial loads pin only the covering extents; the rest stay in the state
// the logging variant left them in. A full load pins everything; unload
// returns all pages to Unlocked.
func TestPartialLoadStates(t *testing.T) {
	forEachConfig(t, func(t *testing.T, variant bufmgr.LoggingVariant, normalPool bool) {
		e := newEnv(t, variant, normalPool)
		st := e.allocate(t, testPayload(blobSize, 1), nil, true)

		var rest base.PageStateKind
		switch variant {
		case bufmgr.VariantEvict:
			rest = base.PageEvicted
		case bufmgr.VariantKeep:
			rest = base.PageUnlocked
		case bufmgr.VariantMark:
			rest = base.PageMarked
		}
		for _, run := range st.Runs() {
			for p := run.Start; p < run.End(); p++ {
				require.Equal(t, rest, e.buf.State(p))
			}
		}

		e.load(t, st, base.PageSize, 0)
		require.Equal(t, base.PageShared, e.buf.State(st.Extents[0]))
		require.Equal(t, uint64(1), e.buf.SharedCount(st.Extents[0]))
		for _, run := range st.Runs()[1:] {
			for p := run.Start; p < run.End(); p++ {
				require.Equal(t, rest, e.buf.State(p))
			}
		}

		e.load(t, st, st.BlobSize, 0)
		for _, run := range st.Runs() {
			for p := run.Start; p < run.End(); p++ {
				require.Equal(t, base.PageShared, e.buf.State(p))
			}
		}

		e.mgr.UnloadAllBlobs()
		for _, run := range st.Runs() {
			for p := run.Start; p < run.End(); p++ {
				require.Equal(t, base.PageUnlocked, e.buf.State(p))
			}
		}
	})
}

// Physical frame accounting across commit: variant 0 releases the blob's
// frames, variants 1 and 2 keep them resident.
func TestPhysicalFrameAccounting(t *testing.T) {
	for _, variant := range []bufmgr.LoggingVariant{
		bufmgr.VariantEvict, bufmgr.VariantKeep, bufmgr.VariantMark,
	} {
		e := newEnv(t, variant, false)
		var pre int64
		var st *BlobState
		e.run(t, func(w *txn.Worker) error {
			tx := w.Begin(e.pool)
			var err error
			st, err = e.mgr.AllocateBlob(tx, testPayload(blobSize, 1), nil, true)
			if err != nil {
				return err
			}
			pre = e.buf.PhysicalUsed()
			return e.pool.Commit(tx)
		})
		var pages int64
		for _, run := range st.Runs() {
			pages += int64(run.Pages)
		}
		switch variant {
		case bufmgr.VariantEvict:
			require.Equal(t, pre-pages, e.buf.PhysicalUsed())
		default:
			require.Equal(t, pre, e.buf.PhysicalUsed())
		}
	}
}

// At most one aliasing guard per worker: a nested load inside a callback
// fails rather than remapping the window.
func TestAliasGuardUniqueness(t *testing.T) {
	e := newEnv(t, bufmgr.VariantKeep, false)
	st := e.allocate(t, testPayload(blobSize, 1), nil, true)
	var nested error
	require.NoError(t, e.mgr.LoadBlob(st, base.PageSize, func([]byte) {
		nested = e.mgr.LoadBlob(st, base.PageSize, func([]byte) {}, 0)
	}, 0))
	require.Error(t, nested)
	e.mgr.UnloadAllBlobs()

	// After unload the window is free again.
	require.NoError(t, e.mgr.LoadBlob(st, base.PageSize, func([]byte) {}, 0))
	e.mgr.UnloadAllBlobs()
}

// Aborting a transaction returns the acquired extents to the free index and
// drops their frames; nothing is published.
func TestAbortReleasesExtents(t *testing.T) {
	e := newEnv(t, bufmgr.VariantEvict, false)
	e.run(t, func(w *txn.Worker) error {
		tx := w.Begin(e.pool)
		if _, err := e.mgr.AllocateBlob(tx, testPayload(blobSize, 1), nil, true); err != nil {
			return err
		}
		return e.pool.Abort(tx)
	})
	require.Equal(t, int64(0), e.buf.PhysicalUsed())
	require.Equal(t, uint64(7), e.free.FreePages())

	// The freed extents serve the next allocation.
	st := e.allocate(t, testPayload(blobSize, 2), nil, true)
	require.Equal(t, base.PageID(1), st.Extents[0])
}

// Comparators order by content, then length, and never disturb the loaded
// set.
func TestComparators(t *testing.T) {
	e := newEnv(t, bufmgr.VariantKeep, false)
	a := e.allocate(t, testPayload(blobSize, 1), nil, true)
	b := e.allocate(t, testPayload(blobSize, 2), nil, false)
	a2 := e.allocate(t, testPayload(blobSize, 1), nil, false)

	c, err := e.mgr.BlobStateComparison(a, b)
	require.NoError(t, err)
	require.Equal(t, -1, c) // seed 1 payload < seed 2 payload

	c, err = e.mgr.BlobStateComparison(b, a)
	require.NoError(t, err)
	require.Equal(t, 1, c)

	c, err = e.mgr.BlobStateComparison(a, a2)
	require.NoError(t, err)
	require.Equal(t, 0, c)

	payload := testPayload(blobSize, 1)
	c, err = e.mgr.BlobStateCompareWithString(a, payload)
	require.NoError(t, err)
	require.Equal(t, 0, c)

	c, err = e.mgr.BlobStateCompareWithString(a, payload[:100])
	require.NoError(t, err)
	require.Equal(t, 1, c)

	shorter := append([]byte(nil), payload...)
	shorter[0]++
	c, err = e.mgr.BlobStateCompareWithString(a, shorter)
	require.NoError(t, err)
	require.Equal(t, -1, c)
}

// A grow mid-way through its own transaction never corrupts the previous
// state: prev still loads its original content afterwards.
func TestGrowLeavesPrevLoadable(t *testing.T) {
	e := newEnv(t, bufmgr.VariantKeep, false)
	payload := testPayload(blobSize, 1)
	st := e.allocate(t, payload, nil, true)
	_ = e.allocate(t, testPayload(blobSize, 2), st, true)

	require.Equal(t, uint64(blobSize), st.BlobSize)
	require.Equal(t, payload, e.load(t, st, st.BlobSize, 0))
	e.mgr.UnloadAllBlobs()
}

// Growing across several size classes appends every class in order, never
// skipping ahead.
func TestGrowAppendsClassesInOrder(t *testing.T) {
	e := newEnv(t, bufmgr.VariantKeep, false)
	small := testPayload(100, 1)
	st := e.allocate(t, small, nil, true)
	require.Equal(t, 1, st.ExtentCount())

	big := testPayload(40*base.PageSize, 2)
	grown := e.allocate(t, big, st, true)
	// 100 bytes + 40 pages needs capacity 41 pages: classes 0..5 (63 pages).
	require.Equal(t, 6, grown.ExtentCount())
	for i := range grown.Extents {
		require.True(t, grown.Extent(i).Valid())
	}
	require.Equal(t, append(append([]byte(nil), small...), big...),
		e.load(t, grown, grown.BlobSize, 0))
	e.mgr.UnloadAllBlobs()
}
