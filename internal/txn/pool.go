// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package txn

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/bufmgr"
	"github.com/quarrydb/quarry/internal/freespace"
	"github.com/quarrydb/quarry/internal/wal"
)

// Config carries the pool knobs.
type Config struct {
	// Workers is the fixed worker count.
	Workers int
	// WALDir holds the per-worker log files.
	WALDir string
	// WALBufferSize is the per-worker append buffer; zero means the wal
	// package default.
	WALBufferSize int
	// LoggingVariant is applied to evicted extents at commit.
	LoggingVariant bufmgr.LoggingVariant
}

// Worker is one fixed pool member. Storage jobs for a worker run strictly
// sequentially on its goroutine.
type Worker struct {
	ID  int
	WAL *wal.Writer

	walFile *os.File
	jobs    chan job
	done    sync.WaitGroup
}

type job struct {
	fn    func(*Worker) error
	reply chan error
}

// Pool schedules synchronous storage jobs onto a fixed set of workers and
// owns the commit path.
type Pool struct {
	cfg     Config
	buf     *bufmgr.Manager
	free    *freespace.Index
	workers []*Worker
	nextTxn atomic.Uint64
}

// NewPool opens the per-worker log files and starts the workers.
func NewPool(cfg Config, buf *bufmgr.Manager, free *freespace.Index) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pool{cfg: cfg, buf: buf, free: free}
	for i := 0; i < cfg.Workers; i++ {
		f, err := os.OpenFile(
			filepath.Join(cfg.WALDir, fmt.Sprintf("wal-%03d.log", i)),
			os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			_ = p.Close()
			return nil, errors.Wrap(err, "quarry: opening wal file")
		}
		w := &Worker{
			ID:      i,
			WAL:     wal.NewWriter(f, cfg.WALBufferSize),
			walFile: f,
			jobs:    make(chan job),
		}
		w.done.Add(1)
		go w.loop()
		p.workers = append(p.workers, w)
	}
	return p, nil
}

func (w *Worker) loop() {
	defer w.done.Done()
	for j := range w.jobs {
		j.reply <- j.fn(w)
	}
}

// NumWorkers returns the worker count.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// ScheduleSyncJob runs fn on the given worker and blocks the caller until
// it returns. Jobs on one worker never interleave.
func (p *Pool) ScheduleSyncJob(worker int, fn func(*Worker) error) error {
	if worker < 0 || worker >= len(p.workers) {
		return errors.AssertionFailedf("quarry: no worker %d", worker)
	}
	reply := make(chan error, 1)
	p.workers[worker].jobs <- job{fn: fn, reply: reply}
	return <-reply
}

// Begin opens a transaction on the worker.
func (w *Worker) Begin(p *Pool) *Transaction {
	return &Transaction{ID: p.nextTxn.Add(1), wal: w.WAL}
}

// Commit appends the commit record and drains the transaction's lists:
// flush, then release-for-eviction under the configured logging variant,
// then publish freed ranges.
func (p *Pool) Commit(t *Transaction) error {
	if t.State != Started {
		return errors.AssertionFailedf("quarry: commit of %v transaction", t.State)
	}
	if err := t.wal.AppendTxCommit(t.ID); err != nil {
		return err
	}
	for _, run := range t.ToFlushedLargePages {
		if err := p.buf.FlushRun(run); err != nil {
			return err
		}
	}
	for _, run := range t.ToEvictedExtents {
		p.buf.ReleaseRun(run, p.cfg.LoggingVariant)
	}
	if err := p.free.PublishFreeRanges(t.ToFreeExtents); err != nil {
		return err
	}
	t.State = Committed
	return nil
}

// Abort rolls the transaction back: acquired extents are dropped from the
// pool and returned to the free index; none of the lists are published.
func (p *Pool) Abort(t *Transaction) error {
	if t.State != Started {
		return errors.AssertionFailedf("quarry: abort of %v transaction", t.State)
	}
	if err := t.wal.AppendTxAbort(t.ID); err != nil {
		return err
	}
	for _, run := range t.acquired {
		p.buf.DropRun(run)
		if err := p.free.Free(run.Start, run.Pages); err != nil {
			return err
		}
	}
	t.State = Aborted
	return nil
}

// Close stops the workers and closes their log files.
func (p *Pool) Close() error {
	var err error
	for _, w := range p.workers {
		close(w.jobs)
		w.done.Wait()
		err = errors.CombineErrors(err, w.WAL.Flush())
		err = errors.CombineErrors(err, w.walFile.Close())
	}
	p.workers = nil
	return err
}
