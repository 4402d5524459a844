// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package blob stores arbitrarily large byte payloads across power-of-two
// page extents managed by the buffer pool. A blob is described by a compact
// BlobState header — its size, content digest, extent list and optional
// tail block — which the table layer persists as an ordinary record value.
package blob

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
)

// MaxExtentCnt bounds the extent list; with doubling extents it covers
// 2^32-1 pages, far past any real page file.
const MaxExtentCnt = 32

// Encoded layout, little endian:
//
//	blob_size (8B) | prev_blob_size (8B) | hash (32B) |
//	extent_cnt (2B) | tail in-use (1B) | reserved (1B) |
//	tail pages (4B) | tail start (8B) | extent start pids (8B each)
const stateFixedSize = 64

// MallocSize returns the exact encoded size of a state holding cnt extents.
func MallocSize(cnt int) int { return stateFixedSize + 8*cnt }

// MaxMallocSize bounds the encoded size of any BlobState.
var MaxMallocSize = MallocSize(MaxExtentCnt)

// DigestFunc fills the content hash. The digest is configurable; the
// default is SHA-256.
type DigestFunc func([]byte) [32]byte

// DefaultDigest is sha256 over the payload.
var DefaultDigest DigestFunc = sha256.Sum256

// BlobState describes one blob. It is a pure value: it holds page ids but
// no pointers into the pool, so it can be copied and persisted freely.
type BlobState struct {
	// BlobSize is the logical byte length.
	BlobSize uint64
	// PrevBlobSize is the size before the most recent grow; equal to
	// BlobSize for fresh blobs.
	PrevBlobSize uint64
	// Digest is the content hash: zero while a write is unfinished, filled
	// once the last extent is written.
	Digest [32]byte
	// Tail is the optional non-power-of-two trailing run.
	Tail base.TailExtent
	// Extents holds the start pids of the power-of-two extents; slot i
	// spans 2^i pages.
	Extents []base.PageID
}

// ExtentCount returns the number of power-of-two extents.
func (b *BlobState) ExtentCount() int { return len(b.Extents) }

// PageCount returns ceil(BlobSize / PageSize).
func (b *BlobState) PageCount() uint64 { return base.PageCount(b.BlobSize) }

// MallocSize returns the exact encoded size of this state.
func (b *BlobState) MallocSize() int { return MallocSize(len(b.Extents)) }

// Extent returns extent slot i with its implicit size class.
func (b *BlobState) Extent(i int) base.Extent {
	return base.Extent{Start: b.Extents[i], Pages: base.ExtentPages(i)}
}

// Runs returns the blob's page runs in logical order: every extent, then
// the tail if it is in use.
func (b *BlobState) Runs() []base.PageRun {
	runs := make([]base.PageRun, 0, len(b.Extents)+1)
	for i := range b.Extents {
		runs = append(runs, base.PageRun{Start: b.Extents[i], Pages: base.ExtentPages(i)})
	}
	if b.Tail.InUse {
		runs = append(runs, b.Tail.Run())
	}
	return runs
}

// CapacityPages returns the total page capacity of the extent list plus the
// tail.
func (b *BlobState) CapacityPages() uint64 {
	n := base.ExtentListPages(len(b.Extents))
	if b.Tail.InUse {
		n += uint64(b.Tail.Pages)
	}
	return n
}

// CalculateHash fills the digest from the fully written payload.
func (b *BlobState) CalculateHash(digest DigestFunc, payload []byte) {
	b.Digest = digest(payload)
}

// CheckInvariants verifies the structural invariants of the state.
func (b *BlobState) CheckInvariants() error {
	if len(b.Extents) > MaxExtentCnt {
		return errors.AssertionFailedf("blob: %d extents exceed the bound", len(b.Extents))
	}
	pages := b.PageCount()
	capacity := b.CapacityPages()
	if capacity < pages {
		return errors.AssertionFailedf("blob: %d pages of capacity for %d pages of data", capacity, pages)
	}
	if b.Tail.InUse {
		// With a tail the extent list is exactly full.
		if capacity != pages {
			return errors.AssertionFailedf("blob: tailed blob with %d capacity, %d data pages", capacity, pages)
		}
		if uint64(b.Tail.Pages) >= 1<<len(b.Extents) {
			return errors.AssertionFailedf("blob: tail of %d pages at %d extents", b.Tail.Pages, len(b.Extents))
		}
	} else if len(b.Extents) > 0 {
		// Without a tail the last extent is needed: dropping it must not
		// still cover the data.
		if base.ExtentListPages(len(b.Extents)-1) >= pages && pages > 0 {
			return errors.AssertionFailedf("blob: extent list not minimal for %d pages", pages)
		}
	}
	for i := range b.Extents {
		if !b.Extent(i).Valid() {
			return errors.AssertionFailedf("blob: extent %d (%s) misaligned", i, b.Extent(i))
		}
	}
	return nil
}

// Encode appends the state to dst and returns the extended slice.
func (b *BlobState) Encode(dst []byte) []byte {
	var buf [stateFixedSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.BlobSize)
	binary.LittleEndian.PutUint64(buf[8:16], b.PrevBlobSize)
	copy(buf[16:48], b.Digest[:])
	binary.LittleEndian.PutUint16(buf[48:50], uint16(len(b.Extents)))
	if b.Tail.InUse {
		buf[50] = 1
	}
	binary.LittleEndian.PutUint32(buf[52:56], b.Tail.Pages)
	binary.LittleEndian.PutUint64(buf[56:64], uint64(b.Tail.Start))
	dst = append(dst, buf[:]...)
	for _, pid := range b.Extents {
		var e [8]byte
		binary.LittleEndian.PutUint64(e[:], uint64(pid))
		dst = append(dst, e[:]...)
	}
	return dst
}

// Decode parses an encoded state.
func Decode(src []byte) (*BlobState, error) {
	if len(src) < stateFixedSize {
		return nil, errors.Errorf("blob: state truncated at %d bytes", len(src))
	}
	cnt := int(binary.LittleEndian.Uint16(src[48:50]))
	if cnt > MaxExtentCnt {
		return nil, errors.Errorf("blob: state claims %d extents", cnt)
	}
	if len(src) < MallocSize(cnt) {
		return nil, errors.Errorf("blob: state holds %d bytes for %d extents", len(src), cnt)
	}
	b := &BlobState{
		BlobSize:     binary.LittleEndian.Uint64(src[0:8]),
		PrevBlobSize: binary.LittleEndian.Uint64(src[8:16]),
		Tail: base.TailExtent{
			Start: base.PageID(binary.LittleEndian.Uint64(src[56:64])),
			Pages: binary.LittleEndian.Uint32(src[52:56]),
			InUse: src[50] != 0,
		},
	}
	copy(b.Digest[:], src[16:48])
	b.Extents = make([]base.PageID, cnt)
	for i := 0; i < cnt; i++ {
		b.Extents[i] = base.PageID(binary.LittleEndian.Uint64(src[stateFixedSize+8*i:]))
	}
	return b, nil
}

// MoveToTempStorage copies the encoded state into dst, truncating dst to
// the exact encoded size, and returns a typed view decoded from it. The
// storage and the view have distinct lifetimes: the view is decoded into
// its own memory and does not alias dst.
func MoveToTempStorage(dst []byte, src *BlobState) (*BlobState, error) {
	need := src.MallocSize()
	if cap(dst) < need {
		return nil, errors.AssertionFailedf("blob: temp storage of %d bytes for a %d-byte state",
			cap(dst), need)
	}
	encoded := src.Encode(dst[:0])
	return Decode(encoded)
}

// Clone returns a deep copy.
func (b *BlobState) Clone() *BlobState {
	c := *b
	c.Extents = append([]base.PageID(nil), b.Extents...)
	return &c
}
