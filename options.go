// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package quarry is a buffer-managed store for large binary payloads. Blobs
// live across power-of-two page extents in a fixed page file, fronted by an
// in-memory frame pool; allocation, growth, loads and removal participate
// in transactional logging, eviction and free-space management.
package quarry

import (
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/blob"
	"github.com/quarrydb/quarry/internal/base"
	"github.com/quarrydb/quarry/internal/bufmgr"
)

// Options configure a Store. The struct is read once at Open; a Store never
// consults mutable global state afterwards.
type Options struct {
	// Path locates the page file.
	Path string
	// FreePagesListPath locates the persisted free-space index. Defaults
	// to Path + ".free".
	FreePagesListPath string
	// WALDir holds the per-worker log files. Defaults to the page file's
	// directory.
	WALDir string

	// CacheBytes is the frame-pool size (the dram knob). Defaults to 1 GiB.
	CacheBytes uint64
	// FileBytes is the page-file size (the ssd knob). Defaults to 10 GiB.
	FileBytes uint64
	// CoolPct is the cooling watermark of the clock evictor.
	CoolPct int
	// FreePct is the free-frame watermark at which eviction triggers.
	FreePct int
	// AsyncBatchSize is the write-back I/O batching width in pages.
	AsyncBatchSize int
	// WriteBytesPerSec paces write-back; zero means unpaced.
	WriteBytesPerSec float64

	// BlobLoggingVariant picks the post-flush page state: 0 evicts
	// immediately, 1 keeps pages unlocked, 2 marks them for the sweep.
	BlobLoggingVariant int
	// NormalBufferPool disables the aliasing window and forces
	// extent-by-extent copies on load.
	NormalBufferPool bool
	// AliasBytes caps one load's contiguous window per worker.
	AliasBytes uint64

	// Workers is the fixed worker-pool size. Defaults to 1.
	Workers int

	// Truncate truncates the page file at mount.
	Truncate bool
	// Fallocate requests contiguous allocation of the page file at mount.
	Fallocate bool

	// Logger defaults to base.DefaultLogger.
	Logger base.Logger
	// Digest fills blob content hashes. Defaults to SHA-256.
	Digest blob.DigestFunc
	// Codec, when set, transforms payloads before they reach the extents.
	Codec blob.Codec
}

// EnsureDefaults fills unset fields and returns the options.
func (o *Options) EnsureDefaults() *Options {
	if o.FreePagesListPath == "" && o.Path != "" {
		o.FreePagesListPath = o.Path + ".free"
	}
	if o.WALDir == "" && o.Path != "" {
		o.WALDir = filepath.Dir(o.Path)
	}
	if o.CacheBytes == 0 {
		o.CacheBytes = 1 << 30
	}
	if o.FileBytes == 0 {
		o.FileBytes = 10 << 30
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Digest == nil {
		o.Digest = blob.DefaultDigest
	}
	return o
}

// Validate rejects option combinations the store cannot run with.
func (o *Options) Validate() error {
	if o.Path == "" {
		return errors.New("quarry: Options.Path is required")
	}
	if o.BlobLoggingVariant < int(bufmgr.VariantEvict) || o.BlobLoggingVariant > int(bufmgr.VariantMark) {
		return errors.Errorf("quarry: blob logging variant %d out of range", o.BlobLoggingVariant)
	}
	if o.CacheBytes < base.PageSize {
		return errors.Errorf("quarry: cache of %d bytes holds no frame", o.CacheBytes)
	}
	return nil
}
