// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package bufmgr implements the buffer manager: a fixed pool of page frames
// carved from one shared memory mapping, a frame table mapping page ids to
// frames, the per-page state machine, a clock-style eviction sweep driven by
// the cool/free watermarks, and extent-granular I/O against the backing page
// file. The blob layer sits on top and never touches frames directly.
package bufmgr

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/quarrydb/quarry/internal/base"
	"golang.org/x/sys/unix"
)

// Config carries the knobs the buffer manager needs. It is immutable after
// New.
type Config struct {
	// PoolBytes caps the physical frames (the dram knob).
	PoolBytes uint64
	// FileBytes is the backing-file size (the ssd knob).
	FileBytes uint64
	// Path locates the backing page file.
	Path string
	// CoolPct is the percentage of frames a sweep tries to leave free
	// before it stops; marked frames do not count towards it.
	CoolPct int
	// FreePct is the free-frame watermark at which the sweep triggers.
	FreePct int
	// AsyncBatchSize is the I/O batching width, in pages, for write-back.
	AsyncBatchSize int
	// WriteBytesPerSec paces write-back; zero means unpaced.
	WriteBytesPerSec float64
	// NormalBufferPool disables the aliasing window; loads gather-copy
	// instead.
	NormalBufferPool bool
	// Truncate truncates the page file at mount.
	Truncate bool
	// Fallocate asks the filesystem for contiguous allocation at mount.
	Fallocate bool
	// Logger receives background-error reports. Defaults to
	// base.DefaultLogger.
	Logger base.Logger
}

func (c *Config) ensureDefaults() {
	if c.CoolPct <= 0 {
		c.CoolPct = 10
	}
	if c.FreePct <= 0 {
		c.FreePct = 1
	}
	if c.AsyncBatchSize <= 0 {
		c.AsyncBatchSize = 64
	}
	if c.Logger == nil {
		c.Logger = base.DefaultLogger
	}
}

type frame struct {
	pid   base.PageID
	state base.PageState
	dirty atomic.Bool
}

// Manager owns the frame pool and the backing page file.
type Manager struct {
	cfg    Config
	file   *os.File
	pool   []byte
	poolFD int
	frames []frame

	mu struct {
		sync.Mutex
		table *swiss.Map[base.PageID, uint32]
		free  []uint32
		hand  uint32
	}

	// nextPID is the global page-allocation counter. PID 0 is reserved.
	nextPID      atomic.Uint64
	physicalUsed atomic.Int64

	pacer   *pacer
	metrics metrics
}

// New opens the page file and builds the frame pool.
func New(cfg Config) (*Manager, error) {
	cfg.ensureDefaults()
	if cfg.PoolBytes < base.PageSize {
		return nil, errors.Errorf("quarry: pool of %d bytes holds no frame", cfg.PoolBytes)
	}
	flags := os.O_RDWR | os.O_CREATE
	if cfg.Truncate {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(cfg.Path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "quarry: opening page file")
	}
	if cfg.Fallocate {
		if err := preallocate(file, int64(cfg.FileBytes)); err != nil {
			// Fallocate is an optimization; fall back to truncate.
			cfg.Logger.Errorf("quarry: fallocate failed, truncating instead: %v", err)
			cfg.Fallocate = false
		}
	}
	if !cfg.Fallocate {
		if err := file.Truncate(int64(cfg.FileBytes)); err != nil {
			_ = file.Close()
			return nil, errors.Wrap(err, "quarry: sizing page file")
		}
	}

	poolFD, pool, err := newPool(cfg.PoolBytes)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	m := &Manager{
		cfg:    cfg,
		file:   file,
		pool:   pool,
		poolFD: poolFD,
		frames: make([]frame, cfg.PoolBytes/base.PageSize),
	}
	m.mu.table = &swiss.Map[base.PageID, uint32]{}
	m.mu.table.Init(len(m.frames))
	m.mu.free = make([]uint32, 0, len(m.frames))
	for i := len(m.frames) - 1; i >= 0; i-- {
		m.frames[i].state.Reset(base.PageEvicted)
		m.mu.free = append(m.mu.free, uint32(i))
	}
	if err := m.loadMeta(); err != nil {
		_ = m.Close()
		return nil, err
	}
	if cfg.WriteBytesPerSec > 0 {
		m.pacer = newPacer(cfg.WriteBytesPerSec)
	}
	m.metrics.init()
	return m, nil
}

// Close unmaps the pool and closes the page file. The caller is responsible
// for flushing first.
func (m *Manager) Close() error {
	err := unix.Munmap(m.pool)
	err = errors.CombineErrors(err, unix.Close(m.poolFD))
	return errors.CombineErrors(err, m.file.Close())
}

// NumFrames returns the frame-pool capacity in pages.
func (m *Manager) NumFrames() int { return len(m.frames) }

// PhysicalUsed returns the number of frames currently backing pages.
func (m *Manager) PhysicalUsed() int64 { return m.physicalUsed.Load() }

// AllocatedPages returns the page-allocation counter (the next fresh pid).
func (m *Manager) AllocatedPages() base.PageID {
	return base.PageID(m.nextPID.Load())
}

func (m *Manager) frameData(i uint32) []byte {
	return m.pool[uint64(i)*base.PageSize : (uint64(i)+1)*base.PageSize : (uint64(i)+1)*base.PageSize]
}

// State returns the current page state; PageEvicted if no frame backs the
// page.
func (m *Manager) State(pid base.PageID) base.PageStateKind {
	m.mu.Lock()
	i, ok := m.mu.table.Get(pid)
	m.mu.Unlock()
	if !ok {
		return base.PageEvicted
	}
	return m.frames[i].state.Kind()
}

// SharedCount returns the number of read pins on a page.
func (m *Manager) SharedCount(pid base.PageID) uint64 {
	m.mu.Lock()
	i, ok := m.mu.table.Get(pid)
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return m.frames[i].state.SharedCount()
}

// AllocExtent reserves a fresh, buddy-aligned run of 2^power pages and
// materializes frames for it. The returned gap covers any pages skipped to
// satisfy alignment; the caller publishes it to the free index.
func (m *Manager) AllocExtent(power int) (base.Extent, base.PageRun, error) {
	n := uint64(1) << power
	var start, aligned uint64
	for {
		start = m.nextPID.Load()
		aligned = (start + n - 1) / n * n
		if (aligned+n)*base.PageSize > m.cfg.FileBytes {
			return base.Extent{}, base.PageRun{}, errors.Wrapf(base.ErrOutOfSpace,
				"allocating %d pages at %d", n, aligned)
		}
		if m.nextPID.CompareAndSwap(start, aligned+n) {
			break
		}
	}
	ext := base.Extent{Start: base.PageID(aligned), Pages: uint32(n)}
	var gap base.PageRun
	if aligned > start {
		gap = base.PageRun{Start: base.PageID(start), Pages: uint32(aligned - start)}
	}
	if err := m.Materialize(base.PageRun{Start: ext.Start, Pages: ext.Pages}); err != nil {
		return base.Extent{}, base.PageRun{}, err
	}
	return ext, gap, nil
}

// AllocTail reserves a fresh run of the exact page count, unaligned.
func (m *Manager) AllocTail(pages uint32) (base.PageID, error) {
	n := uint64(pages)
	var start uint64
	for {
		start = m.nextPID.Load()
		if (start+n)*base.PageSize > m.cfg.FileBytes {
			return base.InvalidPageID, errors.Wrapf(base.ErrOutOfSpace,
				"allocating %d tail pages at %d", n, start)
		}
		if m.nextPID.CompareAndSwap(start, start+n) {
			break
		}
	}
	pid := base.PageID(start)
	if err := m.Materialize(base.PageRun{Start: pid, Pages: pages}); err != nil {
		return base.InvalidPageID, err
	}
	return pid, nil
}

// Materialize installs fresh frames for every page of the run, in state
// Unlocked with prevent-evict set and the dirty bit raised. Used for pages
// about to be written: recycled free-index runs and fresh allocations alike.
func (m *Manager) Materialize(run base.PageRun) error {
	for p := run.Start; p < run.End(); p++ {
		i, err := m.acquireFrame(p)
		if err != nil {
			return err
		}
		f := &m.frames[i]
		f.state.Reset(base.PageUnlocked)
		f.state.SetPreventEvict(true)
		f.dirty.Store(true)
	}
	return nil
}

// acquireFrame assigns a free frame to pid, sweeping for victims if the
// free-frame watermark is breached. The caller initializes the state.
func (m *Manager) acquireFrame(pid base.PageID) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.mu.table.Get(pid); ok {
		// Re-materializing a resident page reuses its frame.
		return existing, nil
	}
	if len(m.mu.free)*100 <= m.cfg.FreePct*len(m.frames) {
		m.sweepLocked()
	}
	if len(m.mu.free) == 0 {
		m.sweepLocked()
		if len(m.mu.free) == 0 {
			return 0, errors.Wrap(base.ErrOutOfSpace, "no evictable frame")
		}
	}
	i := m.mu.free[len(m.mu.free)-1]
	m.mu.free = m.mu.free[:len(m.mu.free)-1]
	m.frames[i].pid = pid
	m.mu.table.Put(pid, i)
	m.physicalUsed.Add(1)
	m.metrics.framesAcquired.Inc()
	return i, nil
}

// sweepLocked runs the clock over the frames: unlocked pages cool to
// marked, marked pages are flushed if dirty and evicted, until the cooled
// target is met or every frame was visited twice.
func (m *Manager) sweepLocked() {
	if len(m.frames) == 0 {
		return
	}
	target := len(m.frames) * m.cfg.CoolPct / 100
	if target == 0 {
		target = 1
	}
	for visited := 0; visited < 2*len(m.frames) && len(m.mu.free) < target; visited++ {
		i := m.mu.hand
		m.mu.hand = (m.mu.hand + 1) % uint32(len(m.frames))
		f := &m.frames[i]
		if _, ok := m.mu.table.Get(f.pid); !ok {
			continue
		}
		switch f.state.Kind() {
		case base.PageUnlocked:
			f.state.TryMark()
		case base.PageMarked:
			if f.dirty.Load() {
				if err := m.writeFrameLocked(i); err != nil {
					m.cfg.Logger.Errorf("quarry: sweep write-back: %v", err)
					continue
				}
			}
			if f.state.TryEvict() {
				m.mu.table.Delete(f.pid)
				m.mu.free = append(m.mu.free, i)
				m.physicalUsed.Add(-1)
				m.metrics.pagesEvicted.Inc()
			}
		}
	}
}

func (m *Manager) writeFrameLocked(i uint32) error {
	f := &m.frames[i]
	if _, err := m.file.WriteAt(m.frameData(i), int64(uint64(f.pid)*base.PageSize)); err != nil {
		return base.IOErrorf(f.pid, err, "write-back")
	}
	f.dirty.Store(false)
	m.metrics.pagesWritten.Inc()
	return nil
}

// ToPtr returns the frame memory of a resident page.
func (m *Manager) ToPtr(pid base.PageID) ([]byte, error) {
	m.mu.Lock()
	i, ok := m.mu.table.Get(pid)
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(base.ErrNotFound, "page %s is not resident", pid)
	}
	return m.frameData(i), nil
}

// MarkDirty raises the dirty bit of a resident page.
func (m *Manager) MarkDirty(pid base.PageID) {
	m.mu.Lock()
	i, ok := m.mu.table.Get(pid)
	m.mu.Unlock()
	if ok {
		m.frames[i].dirty.Store(true)
	}
}
