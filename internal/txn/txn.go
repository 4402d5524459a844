// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package txn carries the transaction value the blob layer publishes its
// work into, and the fixed worker pool that executes storage jobs. A
// transaction collects three lists — pages to flush, extents to release for
// eviction, and extents to free — which commit drains into the buffer
// manager and the free-space index in that order.
package txn

import (
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/wal"
)

// State is the lifecycle state of a transaction.
type State uint8

const (
	// Started accepts list mutations and log appends.
	Started State = iota
	// Committed transactions have published their lists.
	Committed
	// Aborted transactions returned their acquired extents to the free
	// index.
	Aborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Transaction is the unit of durability the blob layer works under. It is
// confined to one worker and never synchronized.
type Transaction struct {
	ID    uint64
	State State

	// ToFlushedLargePages lists the page runs the writer persists at
	// commit: every newly written extent plus the modified chunk of a
	// grown extent.
	ToFlushedLargePages []base.PageRun
	// ToEvictedExtents lists the runs the transaction releases for
	// eviction at commit; the logging variant decides their fate.
	ToEvictedExtents []base.PageRun
	// ToFreeExtents lists the runs a remove published; they reach the
	// free-space index only on commit.
	ToFreeExtents []base.PageRun

	// acquired tracks every extent taken from the free index or the
	// allocation frontier, for rollback on abort.
	acquired []base.PageRun

	wal         *wal.Writer
	startLogged bool
}

// WAL returns the worker's log writer.
func (t *Transaction) WAL() *wal.Writer { return t.wal }

// EnsureStartLogged appends the transaction-start record if it has not been
// appended yet.
func (t *Transaction) EnsureStartLogged() error {
	if t.startLogged {
		return nil
	}
	if err := t.wal.AppendTxStart(t.ID); err != nil {
		return err
	}
	t.startLogged = true
	return nil
}

// RecordAcquired remembers an extent acquired by this transaction so abort
// can return it.
func (t *Transaction) RecordAcquired(run base.PageRun) {
	t.acquired = append(t.acquired, run)
}

// Acquired returns the acquired runs.
func (t *Transaction) Acquired() []base.PageRun { return t.acquired }

// AddFlush schedules a page run for write-back at commit.
func (t *Transaction) AddFlush(run base.PageRun) {
	t.ToFlushedLargePages = append(t.ToFlushedLargePages, run)
}

// AddEvict schedules a run for post-commit release.
func (t *Transaction) AddEvict(run base.PageRun) {
	t.ToEvictedExtents = append(t.ToEvictedExtents, run)
}

// AddFree publishes a run for the free index at commit.
func (t *Transaction) AddFree(run base.PageRun) {
	t.ToFreeExtents = append(t.ToFreeExtents, run)
}
