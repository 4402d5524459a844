// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quarrydb/quarry/blob"
	"github.com/quarrydb/quarry/internal/bufmgr"
	"github.com/quarrydb/quarry/internal/freespace"
	"github.com/quarrydb/quarry/internal/txn"
)

// Store is an open quarry database: the page file, the frame pool, the
// free-space index, the worker pool and one blob manager per worker.
type Store struct {
	opts     Options
	buf      *bufmgr.Manager
	free     *freespace.Index
	pool     *txn.Pool
	managers []*blob.Manager
	blobMet  *blob.Metrics
	registry *prometheus.Registry
}

// Session is the per-job view handed to Update callbacks: the worker's blob
// manager and the open transaction.
type Session struct {
	Blobs  *blob.Manager
	Tx     *txn.Transaction
	Worker *txn.Worker
}

// Open mounts the store: sizes the page file, loads the persisted
// free-space index, and starts the workers.
func Open(opts Options) (*Store, error) {
	opts.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	free, err := freespace.Load(opts.FreePagesListPath)
	if err != nil {
		return nil, err
	}
	buf, err := bufmgr.New(bufmgr.Config{
		PoolBytes:        opts.CacheBytes,
		FileBytes:        opts.FileBytes,
		Path:             opts.Path,
		CoolPct:          opts.CoolPct,
		FreePct:          opts.FreePct,
		AsyncBatchSize:   opts.AsyncBatchSize,
		WriteBytesPerSec: opts.WriteBytesPerSec,
		NormalBufferPool: opts.NormalBufferPool,
		Truncate:         opts.Truncate,
		Fallocate:        opts.Fallocate,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	pool, err := txn.NewPool(txn.Config{
		Workers:        opts.Workers,
		WALDir:         opts.WALDir,
		LoggingVariant: bufmgr.LoggingVariant(opts.BlobLoggingVariant),
	}, buf, free)
	if err != nil {
		_ = buf.Close()
		return nil, err
	}

	s := &Store{
		opts:     opts,
		buf:      buf,
		free:     free,
		pool:     pool,
		blobMet:  blob.NewMetrics(),
		registry: prometheus.NewRegistry(),
	}
	for i := 0; i < opts.Workers; i++ {
		s.managers = append(s.managers, blob.NewManager(buf, free, blob.ManagerOptions{
			AliasBytes: opts.AliasBytes,
			Digest:     opts.Digest,
			Metrics:    s.blobMet,
		}))
	}
	for _, c := range buf.Collectors() {
		if err := s.registry.Register(c); err != nil {
			_ = s.Close()
			return nil, errors.Wrap(err, "quarry: registering metrics")
		}
	}
	for _, c := range s.blobMet.Collectors() {
		if err := s.registry.Register(c); err != nil {
			_ = s.Close()
			return nil, errors.Wrap(err, "quarry: registering metrics")
		}
	}
	return s, nil
}

// Close persists the free-space index and releases every resource. The
// store must be idle.
func (s *Store) Close() error {
	var err error
	for _, m := range s.managers {
		m.Close()
	}
	s.managers = nil
	if s.pool != nil {
		err = errors.CombineErrors(err, s.pool.Close())
		s.pool = nil
	}
	if s.free != nil {
		err = errors.CombineErrors(err, s.free.Persist(s.opts.FreePagesListPath))
		s.free = nil
	}
	if s.buf != nil {
		err = errors.CombineErrors(err, s.buf.PersistMeta())
		err = errors.CombineErrors(err, s.buf.Close())
		s.buf = nil
	}
	return err
}

// NumWorkers returns the worker-pool size.
func (s *Store) NumWorkers() int { return s.pool.NumWorkers() }

// Update schedules fn on the given worker inside a fresh transaction,
// committing when fn returns nil and aborting otherwise. The caller blocks
// until the job finishes.
func (s *Store) Update(worker int, fn func(*Session) error) error {
	return s.pool.ScheduleSyncJob(worker, func(w *txn.Worker) error {
		tx := w.Begin(s.pool)
		if err := fn(&Session{Blobs: s.managers[w.ID], Tx: tx, Worker: w}); err != nil {
			return errors.CombineErrors(err, s.pool.Abort(tx))
		}
		return s.pool.Commit(tx)
	})
}

// Load runs a blob load on the given worker outside any transaction. The
// pinned extents stay with the worker until Unload.
func (s *Store) Load(
	worker int, st *blob.BlobState, required uint64, cb func([]byte), offset uint64,
) error {
	return s.pool.ScheduleSyncJob(worker, func(w *txn.Worker) error {
		return s.managers[w.ID].LoadBlob(st, required, cb, offset)
	})
}

// Unload releases the worker's loaded extents.
func (s *Store) Unload(worker int) error {
	return s.pool.ScheduleSyncJob(worker, func(w *txn.Worker) error {
		s.managers[w.ID].UnloadAllBlobs()
		return nil
	})
}

// Put writes payload as a fresh blob on the worker, applying the configured
// codec first, and returns the caller-owned state.
func (s *Store) Put(worker int, payload []byte, likelyGrow bool) (*blob.BlobState, error) {
	if s.opts.Codec != nil {
		payload = s.opts.Codec.Compress(nil, payload)
	}
	var st *blob.BlobState
	err := s.Update(worker, func(sess *Session) error {
		var err error
		st, err = sess.Blobs.AllocateBlob(sess.Tx, payload, nil, likelyGrow)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Get materializes the blob's full content, undoing the codec.
func (s *Store) Get(worker int, st *blob.BlobState) ([]byte, error) {
	var out []byte
	if err := s.Load(worker, st, st.BlobSize, func(span []byte) {
		out = append([]byte(nil), span...)
	}, 0); err != nil {
		return nil, err
	}
	if err := s.Unload(worker); err != nil {
		return nil, err
	}
	if s.opts.Codec != nil {
		return s.opts.Codec.Decompress(nil, out)
	}
	return out, nil
}

// Delete removes the blob in its own transaction; its extents become
// reusable once the transaction commits.
func (s *Store) Delete(worker int, st *blob.BlobState) error {
	return s.Update(worker, func(sess *Session) error {
		sess.Blobs.RemoveBlob(sess.Tx, st)
		return nil
	})
}

// Registry exposes the store's prometheus registry.
func (s *Store) Registry() *prometheus.Registry { return s.registry }

// Metrics is a point-in-time snapshot of store gauges.
type Metrics struct {
	// PhysicalUsedFrames counts frames currently backing pages.
	PhysicalUsedFrames int64
	// CacheFrames is the frame-pool capacity.
	CacheFrames int
	// FreeRuns counts discrete runs in the free-space index.
	FreeRuns int
	// FreePages counts pages in the free-space index.
	FreePages uint64
	// AllocatedPages is the page-allocation frontier.
	AllocatedPages uint64
}

// Metrics returns a snapshot.
func (s *Store) Metrics() Metrics {
	return Metrics{
		PhysicalUsedFrames: s.buf.PhysicalUsed(),
		CacheFrames:        s.buf.NumFrames(),
		FreeRuns:           s.free.NumRuns(),
		FreePages:          s.free.FreePages(),
		AllocatedPages:     uint64(s.buf.AllocatedPages()),
	}
}
