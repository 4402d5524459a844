// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package bufmgr

import (
	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
	"golang.org/x/sync/errgroup"
)

// LoggingVariant selects the post-flush state of flushed-and-evictable
// extents.
type LoggingVariant int

const (
	// VariantEvict releases physical frames after flush.
	VariantEvict LoggingVariant = 0
	// VariantKeep leaves the pages unlocked in memory for re-reads.
	VariantKeep LoggingVariant = 1
	// VariantMark cools the pages; the clock sweep reclaims them later.
	VariantMark LoggingVariant = 2
)

// PinShared pins every page of the run with a read intent, issuing reads
// from the page file for pages that are not resident. Pages transition from
// Evicted/Marked to Shared.
func (m *Manager) PinShared(run base.PageRun) error {
	if run.End() > m.AllocatedPages() {
		return errors.Wrapf(base.ErrNotFound, "run %s past allocation frontier", run)
	}
	for p := run.Start; p < run.End(); p++ {
		if err := m.pinPageShared(p); err != nil {
			// Unwind pins taken so far so an I/O failure leaves no stray
			// references.
			for q := run.Start; q < p; q++ {
				m.unpinPageShared(q)
			}
			return err
		}
	}
	return nil
}

func (m *Manager) pinPageShared(pid base.PageID) error {
	m.mu.Lock()
	i, resident := m.mu.table.Get(pid)
	m.mu.Unlock()
	if resident {
		if m.frames[i].state.TryLockShared() {
			return nil
		}
		// The frame is being torn down or write-latched; fall through to a
		// fresh read below only if it went away entirely.
		if m.frames[i].pid == pid {
			return errors.AssertionFailedf("quarry: shared pin refused on %s page %s",
				m.frames[i].state.Kind(), pid)
		}
	}
	i, err := m.acquireFrame(pid)
	if err != nil {
		return err
	}
	start := crtime.NowMono()
	if _, err := m.file.ReadAt(m.frameData(i), int64(uint64(pid)*base.PageSize)); err != nil {
		m.mu.Lock()
		m.mu.table.Delete(pid)
		m.mu.free = append(m.mu.free, i)
		m.mu.Unlock()
		m.physicalUsed.Add(-1)
		return base.IOErrorf(pid, err, "read")
	}
	m.metrics.pagesRead.Inc()
	m.metrics.readSeconds.Observe(start.Elapsed().Seconds())
	f := &m.frames[i]
	f.dirty.Store(false)
	f.state.Reset(base.PageUnlocked)
	if !f.state.TryLockShared() {
		return errors.AssertionFailedf("quarry: fresh frame refused shared pin for %s", pid)
	}
	return nil
}

// EnsureResident reads any evicted pages of the run back into frames and
// leaves every page Unlocked with prevent-evict set, ready for in-place
// writes.
func (m *Manager) EnsureResident(run base.PageRun) error {
	if err := m.PinShared(run); err != nil {
		return err
	}
	m.UnpinShared(run)
	m.SetPreventEvictRun(run, true)
	return nil
}

// SetPreventEvictRun sets or clears the prevent-evict flag on every
// resident page of the run.
func (m *Manager) SetPreventEvictRun(run base.PageRun, prevent bool) {
	for p := run.Start; p < run.End(); p++ {
		m.mu.Lock()
		i, ok := m.mu.table.Get(p)
		m.mu.Unlock()
		if ok {
			m.frames[i].state.SetPreventEvict(prevent)
		}
	}
}

// UnpinShared drops the read pins of every page of the run; unpinned pages
// return to Unlocked.
func (m *Manager) UnpinShared(run base.PageRun) {
	for p := run.Start; p < run.End(); p++ {
		m.unpinPageShared(p)
	}
}

func (m *Manager) unpinPageShared(pid base.PageID) {
	m.mu.Lock()
	i, ok := m.mu.table.Get(pid)
	m.mu.Unlock()
	if !ok {
		panic(base.AssertionFailedf("quarry: unpin of non-resident page %s", pid))
	}
	m.frames[i].state.UnlockShared()
}

// FlushRun writes the run's dirty frames to the page file in batches of
// AsyncBatchSize pages, concurrently and paced by the write limiter.
func (m *Manager) FlushRun(run base.PageRun) error {
	batch := uint32(m.cfg.AsyncBatchSize)
	var g errgroup.Group
	for off := uint32(0); off < run.Pages; off += batch {
		n := min(batch, run.Pages-off)
		sub := base.PageRun{Start: run.Start + base.PageID(off), Pages: n}
		g.Go(func() error { return m.flushBatch(sub) })
	}
	return g.Wait()
}

// flushBatch gathers the batch's frames into one contiguous buffer and
// issues a single write, since the pages are contiguous on disk even when
// their frames are not.
func (m *Manager) flushBatch(run base.PageRun) error {
	if m.pacer != nil {
		m.pacer.wait(float64(run.Pages) * base.PageSize)
	}
	buf := make([]byte, uint64(run.Pages)*base.PageSize)
	dirty := false
	for p := run.Start; p < run.End(); p++ {
		m.mu.Lock()
		i, ok := m.mu.table.Get(p)
		m.mu.Unlock()
		if !ok {
			return errors.AssertionFailedf("quarry: flush of non-resident page %s", p)
		}
		copy(buf[uint64(p-run.Start)*base.PageSize:], m.frameData(i))
		if m.frames[i].dirty.Load() {
			dirty = true
		}
	}
	if !dirty {
		return nil
	}
	start := crtime.NowMono()
	if _, err := m.file.WriteAt(buf, int64(uint64(run.Start)*base.PageSize)); err != nil {
		return base.IOErrorf(run.Start, err, "flush")
	}
	m.metrics.writeSeconds.Observe(start.Elapsed().Seconds())
	for p := run.Start; p < run.End(); p++ {
		m.mu.Lock()
		i, ok := m.mu.table.Get(p)
		m.mu.Unlock()
		if ok {
			m.frames[i].dirty.Store(false)
		}
	}
	m.metrics.pagesWritten.Add(float64(run.Pages))
	return nil
}

// ReleaseRun applies the post-flush logging variant to a flushed run: the
// prevent-evict protection is dropped and the pages move to the state the
// variant dictates.
func (m *Manager) ReleaseRun(run base.PageRun, variant LoggingVariant) {
	for p := run.Start; p < run.End(); p++ {
		m.mu.Lock()
		i, ok := m.mu.table.Get(p)
		m.mu.Unlock()
		if !ok {
			continue
		}
		f := &m.frames[i]
		f.state.SetPreventEvict(false)
		switch variant {
		case VariantEvict:
			if f.state.TryEvict() {
				m.mu.Lock()
				m.mu.table.Delete(p)
				m.mu.free = append(m.mu.free, i)
				m.mu.Unlock()
				m.physicalUsed.Add(-1)
				m.metrics.pagesEvicted.Inc()
			}
		case VariantKeep:
			// Stays unlocked and resident.
		case VariantMark:
			f.state.TryMark()
		}
	}
}

// DropRun discards the frames of a run without writing them, used when a
// transaction aborts before its extents were published anywhere.
func (m *Manager) DropRun(run base.PageRun) {
	for p := run.Start; p < run.End(); p++ {
		m.mu.Lock()
		i, ok := m.mu.table.Get(p)
		if !ok {
			m.mu.Unlock()
			continue
		}
		f := &m.frames[i]
		f.state.SetPreventEvict(false)
		f.dirty.Store(false)
		if f.state.TryEvict() {
			m.mu.table.Delete(p)
			m.mu.free = append(m.mu.free, i)
			m.physicalUsed.Add(-1)
		}
		m.mu.Unlock()
	}
}

// WriteRun copies data into the run's frames starting at byte offset off
// within the run, marking the touched pages dirty. The frames must be
// resident.
func (m *Manager) WriteRun(run base.PageRun, off uint64, data []byte) error {
	if off+uint64(len(data)) > uint64(run.Pages)*base.PageSize {
		return errors.AssertionFailedf("quarry: write of %d bytes at %d overflows %s",
			len(data), off, run)
	}
	for len(data) > 0 {
		pid := run.Start + base.PageID(off/base.PageSize)
		within := off % base.PageSize
		dst, err := m.ToPtr(pid)
		if err != nil {
			return err
		}
		n := copy(dst[within:], data)
		m.MarkDirty(pid)
		data = data[n:]
		off += uint64(n)
	}
	return nil
}

// ReadRun copies len(data) bytes out of the run's frames starting at byte
// offset off. The frames must be resident.
func (m *Manager) ReadRun(run base.PageRun, off uint64, data []byte) error {
	for len(data) > 0 {
		pid := run.Start + base.PageID(off/base.PageSize)
		within := off % base.PageSize
		src, err := m.ToPtr(pid)
		if err != nil {
			return err
		}
		n := copy(data, src[within:])
		data = data[n:]
		off += uint64(n)
	}
	return nil
}
