// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import (
	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/bufmgr"
	"github.com/quarrydb/quarry/internal/freespace"
	"github.com/quarrydb/quarry/internal/txn"
)

// DefaultAliasBytes is the aliasing-window reservation per worker. The
// reservation is virtual address space only; nothing is committed until a
// blob is mapped.
const DefaultAliasBytes = 1 << 30

// ManagerOptions tune a worker's blob manager.
type ManagerOptions struct {
	// AliasBytes caps the bytes one load can map contiguously. Defaults to
	// DefaultAliasBytes.
	AliasBytes uint64
	// Digest fills BlobState.Digest. Defaults to DefaultDigest.
	Digest DigestFunc
	// Metrics, when set, is shared across the workers' managers.
	Metrics *Metrics
}

// Manager allocates, grows, loads and removes blobs. One Manager belongs to
// exactly one worker: its state (the active blob, the loaded-extent set,
// the header scratch buffer) is worker-local and deliberately
// unsynchronized. Operations on one worker never interleave.
type Manager struct {
	buf     *bufmgr.Manager
	free    *freespace.Index
	alias   *bufmgr.AliasArea
	digest  DigestFunc
	metrics *Metrics

	// activeBlob is a diagnostic slot holding the result of the most
	// recent allocate on this worker. The operation's return value is the
	// interface; callers that retain a state copy it via
	// MoveToTempStorage.
	activeBlob *BlobState
	// extentLoaded maps the start pid of every run this worker holds
	// SHARED pins on to the pinned run.
	extentLoaded map[base.PageID]base.PageRun
	// scratch is the header construction area; a grow builds the new
	// state here so a failure never corrupts the caller's state.
	scratch []byte
}

// NewManager builds the blob manager of one worker.
func NewManager(buf *bufmgr.Manager, free *freespace.Index, opts ManagerOptions) *Manager {
	if opts.AliasBytes == 0 {
		opts.AliasBytes = DefaultAliasBytes
	}
	if opts.Digest == nil {
		opts.Digest = DefaultDigest
	}
	return &Manager{
		buf:          buf,
		free:         free,
		alias:        buf.NewAliasArea(opts.AliasBytes),
		digest:       opts.Digest,
		metrics:      opts.Metrics,
		extentLoaded: make(map[base.PageID]base.PageRun),
		scratch:      make([]byte, 0, MaxMallocSize),
	}
}

// Close releases the worker's aliasing area.
func (m *Manager) Close() {
	m.alias.Close()
}

// ActiveBlob returns the diagnostic slot: the state produced by the most
// recent AllocateBlob on this worker.
func (m *Manager) ActiveBlob() *BlobState { return m.activeBlob }

// AllocateBlob writes a fresh blob when prev is nil, or appends payload as
// a suffix to prev otherwise. The returned state is owned by the caller;
// prev is never modified, even on error. All page and log work is published
// into tx and becomes durable at its commit; on error the caller must abort
// tx, which returns every acquired extent to the free index.
func (m *Manager) AllocateBlob(
	tx *txn.Transaction, payload []byte, prev *BlobState, likelyGrow bool,
) (*BlobState, error) {
	var st *BlobState
	var err error
	if prev == nil {
		st, err = m.freshAllocation(tx, payload, likelyGrow)
	} else {
		st, err = m.extendExisting(tx, payload, prev)
	}
	if err != nil {
		return nil, err
	}
	if err := st.CheckInvariants(); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.allocated.Inc()
		m.metrics.bytesWritten.Add(float64(len(payload)))
	}
	m.activeBlob = st
	return st, nil
}

// acquireExtent serves a power-of-two extent from the free index, falling
// back to fresh pages from the buffer manager. Alignment gaps left by fresh
// allocation are returned to the free index immediately.
func (m *Manager) acquireExtent(tx *txn.Transaction, class int) (base.Extent, error) {
	if pid, ok := m.free.RequestExtent(class); ok {
		ext := base.Extent{Start: pid, Pages: base.ExtentPages(class)}
		run := base.PageRun{Start: ext.Start, Pages: ext.Pages}
		if err := m.buf.Materialize(run); err != nil {
			return base.Extent{}, err
		}
		tx.RecordAcquired(run)
		return ext, nil
	}
	ext, gap, err := m.buf.AllocExtent(class)
	if err != nil {
		return base.Extent{}, err
	}
	if !gap.Empty() {
		if err := m.free.Free(gap.Start, gap.Pages); err != nil {
			return base.Extent{}, err
		}
	}
	tx.RecordAcquired(base.PageRun{Start: ext.Start, Pages: ext.Pages})
	return ext, nil
}

func (m *Manager) acquireTail(tx *txn.Transaction, pages uint32) (base.PageID, error) {
	if pid, ok := m.free.RequestTail(pages); ok {
		run := base.PageRun{Start: pid, Pages: pages}
		if err := m.buf.Materialize(run); err != nil {
			return base.InvalidPageID, err
		}
		tx.RecordAcquired(run)
		return pid, nil
	}
	pid, err := m.buf.AllocTail(pages)
	if err != nil {
		return base.InvalidPageID, err
	}
	tx.RecordAcquired(base.PageRun{Start: pid, Pages: pages})
	return pid, nil
}

// freshAllocation lays a new blob out under the schedule the hint selects,
// bulk-copies the payload, hashes it, and publishes every run for flush and
// eviction.
func (m *Manager) freshAllocation(
	tx *txn.Transaction, payload []byte, likelyGrow bool,
) (*BlobState, error) {
	if err := tx.EnsureStartLogged(); err != nil {
		return nil, err
	}
	size := uint64(len(payload))
	st := &BlobState{BlobSize: size, PrevBlobSize: size}
	sch := scheduleFor(size, likelyGrow)
	for i := 0; i < sch.extentCnt; i++ {
		ext, err := m.acquireExtent(tx, i)
		if err != nil {
			return nil, err
		}
		st.Extents = append(st.Extents, ext.Start)
	}
	if sch.tailPages > 0 {
		pid, err := m.acquireTail(tx, sch.tailPages)
		if err != nil {
			return nil, err
		}
		st.Tail = base.TailExtent{Start: pid, Pages: sch.tailPages, InUse: true}
	}

	if err := m.writeBlobData(st, payload); err != nil {
		return nil, err
	}
	st.CalculateHash(m.digest, payload)

	for _, run := range st.Runs() {
		tx.AddFlush(run)
		tx.AddEvict(run)
	}
	return st, nil
}

// writeBlobData copies the payload into the blob's runs from logical offset
// zero: one memcpy through the aliasing window when it is a true mapping,
// a per-run copy otherwise.
func (m *Manager) writeBlobData(st *BlobState, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	runs := st.Runs()
	if m.alias.Zerocopy() && !m.alias.Active() {
		window, err := m.buf.AliasMap(m.alias, runs, uint64(len(payload)))
		if err != nil {
			return err
		}
		copy(window, payload)
		m.alias.Release()
		return nil
	}
	rest := payload
	for _, run := range runs {
		if len(rest) == 0 {
			break
		}
		n := min(uint64(len(rest)), uint64(run.Pages)*base.PageSize)
		if err := m.buf.WriteRun(run, 0, rest[:n]); err != nil {
			return err
		}
		rest = rest[n:]
	}
	return nil
}

// extendExisting grows prev by the suffix. The new state is built in the
// worker's scratch area and only returned on success; prev stays intact.
//
// With a live tail (the fixed-size schedule) the tail cannot be extended:
// it is promoted into the next full extent, its pages are freed, and no
// page image needs logging because the promoted bytes are already durable.
// Without a tail the trailing bytes of the last extent are filled in place,
// which requires a page-image record for exactly the bytes written there.
func (m *Manager) extendExisting(
	tx *txn.Transaction, suffix []byte, prev *BlobState,
) (*BlobState, error) {
	view, err := MoveToTempStorage(m.scratch[:0:cap(m.scratch)], prev)
	if err != nil {
		return nil, err
	}
	st := view.Clone()
	st.PrevBlobSize = prev.BlobSize
	rest := suffix

	if st.Tail.InUse {
		rest, err = m.moveTailExtent(tx, st, rest)
	} else if len(st.Extents) > 0 {
		rest, err = m.writeNewDataToLastExtent(tx, st, rest)
	} else if err = tx.EnsureStartLogged(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	// Cover whatever is left with further doubling extents, one size class
	// at a time.
	for len(rest) > 0 {
		class := len(st.Extents)
		if class >= MaxExtentCnt {
			return nil, errors.Wrapf(base.ErrOutOfSpace, "blob at the %d-extent bound", MaxExtentCnt)
		}
		ext, err := m.acquireExtent(tx, class)
		if err != nil {
			return nil, err
		}
		run := base.PageRun{Start: ext.Start, Pages: ext.Pages}
		n := min(uint64(len(rest)), ext.Bytes())
		if err := m.buf.WriteRun(run, 0, rest[:n]); err != nil {
			return nil, err
		}
		rest = rest[n:]
		st.Extents = append(st.Extents, ext.Start)
		tx.AddFlush(run)
		tx.AddEvict(run)
	}

	st.BlobSize = prev.BlobSize + uint64(len(suffix))
	if err := m.rehash(st); err != nil {
		return nil, err
	}
	return st, nil
}

// writeNewDataToLastExtent fills the unfilled trailing bytes of the last
// extent with the head of the suffix, logging a page image for the chunk.
// Earlier extents are neither reloaded nor rewritten.
func (m *Manager) writeNewDataToLastExtent(
	tx *txn.Transaction, st *BlobState, rest []byte,
) ([]byte, error) {
	cnt := len(st.Extents)
	last := st.Extent(cnt - 1)
	used := st.BlobSize - base.ExtentListPages(cnt-1)*base.PageSize
	remaining := last.Bytes() - used
	if remaining == 0 || len(rest) == 0 {
		// Nothing to write in place means no page image; the transaction
		// still needs its start record before the append-loop publishes
		// fresh extents.
		return rest, tx.EnsureStartLogged()
	}
	n := min(uint64(len(rest)), remaining)

	firstPage := used / base.PageSize
	lastPage := (used + n - 1) / base.PageSize
	touched := base.PageRun{
		Start: last.Start + base.PageID(firstPage),
		Pages: uint32(lastPage - firstPage + 1),
	}
	// The partially filled page carries live bytes; bring the chunk in
	// before overwriting its trailing part.
	if err := m.buf.EnsureResident(touched); err != nil {
		return nil, err
	}
	if err := m.buf.WriteRun(
		base.PageRun{Start: last.Start, Pages: last.Pages}, used, rest[:n]); err != nil {
		return nil, err
	}
	if err := tx.WAL().AppendPageImage(tx.ID, last.Start, uint32(used), rest[:n]); err != nil {
		return nil, err
	}
	tx.AddFlush(touched)
	tx.AddEvict(touched)
	return rest[n:], nil
}

// moveTailExtent promotes the tail into the blob's next full extent: the
// tail's bytes move to the front of a freshly allocated extent, the tail
// pages are freed, and the remainder of the new extent absorbs the head of
// the suffix. The moved bytes are already durable in the tail pages, so
// only the transaction start is logged.
func (m *Manager) moveTailExtent(
	tx *txn.Transaction, st *BlobState, rest []byte,
) ([]byte, error) {
	if err := tx.EnsureStartLogged(); err != nil {
		return nil, err
	}
	cnt := len(st.Extents)
	tailRun := st.Tail.Run()
	tailBytes := st.BlobSize - base.ExtentListPages(cnt)*base.PageSize

	ext, err := m.acquireExtent(tx, cnt)
	if err != nil {
		return nil, err
	}
	run := base.PageRun{Start: ext.Start, Pages: ext.Pages}
	if tailBytes > 0 {
		if err := m.buf.EnsureResident(tailRun); err != nil {
			return nil, err
		}
		moved := make([]byte, tailBytes)
		if err := m.buf.ReadRun(tailRun, 0, moved); err != nil {
			return nil, err
		}
		if err := m.buf.WriteRun(run, 0, moved); err != nil {
			return nil, err
		}
		m.buf.SetPreventEvictRun(tailRun, false)
	}
	tx.AddFree(tailRun)
	st.Tail = base.TailExtent{}
	st.Extents = append(st.Extents, ext.Start)

	n := min(uint64(len(rest)), ext.Bytes()-tailBytes)
	if n > 0 {
		if err := m.buf.WriteRun(run, tailBytes, rest[:n]); err != nil {
			return nil, err
		}
	}
	tx.AddFlush(run)
	tx.AddEvict(run)
	return rest[n:], nil
}

// rehash recomputes the digest over the blob's full content through the
// aliasing window, pinning any extents this worker does not already hold.
func (m *Manager) rehash(st *BlobState) error {
	return m.withWindow(st.Runs(), st.BlobSize, func(window []byte) error {
		st.Digest = m.digest(window)
		return nil
	})
}

// withWindow pins the runs this worker has not already loaded, maps them
// contiguously, invokes fn over the first bytes of the window, and undoes
// the temporary pins and the mapping.
func (m *Manager) withWindow(runs []base.PageRun, bytes uint64, fn func([]byte) error) error {
	var temp []base.PageRun
	unpin := func() {
		for _, r := range temp {
			m.buf.UnpinShared(r)
		}
	}
	for _, r := range runs {
		if _, ok := m.extentLoaded[r.Start]; ok {
			continue
		}
		if err := m.buf.PinShared(r); err != nil {
			unpin()
			return err
		}
		temp = append(temp, r)
	}
	window, err := m.buf.AliasMap(m.alias, runs, bytes)
	if err != nil {
		unpin()
		return err
	}
	err = fn(window)
	m.alias.Release()
	unpin()
	return err
}

// RemoveBlob publishes every extent and the tail, if any, for the free
// index. The ranges are published individually — never pre-merged — and
// reach the index only when tx commits. Removing the same blob twice in one
// transaction is a usage error that surfaces as a double free at commit.
func (m *Manager) RemoveBlob(tx *txn.Transaction, st *BlobState) {
	for _, run := range st.Runs() {
		tx.AddFree(run)
	}
	if m.metrics != nil {
		m.metrics.removed.Inc()
	}
}

// LoadBlob loads exactly the extents whose byte range intersects
// [offset, offset+required) and invokes cb once, synchronously, with a
// window starting at the first loaded extent. When offset is not
// extent-aligned the caller reaches its bytes at the intra-window remainder
// of offset. The pinned extents stay in the worker's loaded set until
// UnloadAllBlobs; cb must not retain the window.
func (m *Manager) LoadBlob(
	st *BlobState, required uint64, cb func([]byte), offset uint64,
) error {
	if offset >= st.BlobSize {
		return errors.Wrapf(base.ErrRange, "offset %d of a %d-byte blob", offset, st.BlobSize)
	}
	if required == 0 {
		return errors.Wrap(base.ErrRange, "zero-length load")
	}
	delivered := min(required, st.BlobSize-offset)
	end := offset + delivered

	runs := st.Runs()
	first, last := -1, -1
	var windowStart uint64
	var cum uint64
	for i, r := range runs {
		runEnd := cum + uint64(r.Pages)*base.PageSize
		if cum < end && offset < runEnd {
			if first < 0 {
				first = i
				windowStart = cum
			}
			last = i
		}
		cum = runEnd
	}
	if first < 0 {
		return errors.AssertionFailedf("blob: no extent covers [%d,%d)", offset, end)
	}

	for i := first; i <= last; i++ {
		r := runs[i]
		if _, ok := m.extentLoaded[r.Start]; ok {
			continue
		}
		if err := m.buf.PinShared(r); err != nil {
			return err
		}
		m.extentLoaded[r.Start] = r
	}

	guard, err := newGuardForRuns(m, runs[first:last+1], end-windowStart)
	if err != nil {
		return err
	}
	defer guard.Release()
	cb(guard.Ptr())
	if m.metrics != nil {
		m.metrics.loaded.Inc()
		m.metrics.bytesRead.Add(float64(delivered))
	}
	return nil
}

// UnloadAllBlobs releases every pin this worker holds; the pages return to
// Unlocked and the normal cache policy may evict them again.
func (m *Manager) UnloadAllBlobs() {
	for _, r := range m.extentLoaded {
		m.buf.UnpinShared(r)
	}
	clear(m.extentLoaded)
	m.alias.Release()
}
