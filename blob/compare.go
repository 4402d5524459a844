// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import (
	"bytes"

	"github.com/quarrydb/quarry/internal/base"
)

// Blob ordering is lexicographic over the payload, so blob-valued columns
// can act as index keys. The left operand is realized through the aliasing
// window; the right operand streams through its extents chunk by chunk so
// the comparison never materializes a second full copy.

const compareChunk = 1 << 16

// BlobStateComparison orders two blobs by content; ties break on length.
// Returns -1, 0 or +1. The comparison is pure: any pins it takes are
// dropped before it returns.
func (m *Manager) BlobStateComparison(a, b *BlobState) (int, error) {
	var zero [32]byte
	if a.BlobSize == b.BlobSize && a.Digest == b.Digest && a.Digest != zero {
		return 0, nil
	}
	res := 0
	err := m.withWindow(a.Runs(), a.BlobSize, func(aw []byte) error {
		common := min(a.BlobSize, b.BlobSize)
		chunk := make([]byte, compareChunk)
		for off := uint64(0); off < common && res == 0; off += compareChunk {
			n := min(uint64(compareChunk), common-off)
			if err := m.readBlobRange(b, off, chunk[:n]); err != nil {
				return err
			}
			res = bytes.Compare(aw[off:off+n], chunk[:n])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if res == 0 {
		switch {
		case a.BlobSize < b.BlobSize:
			res = -1
		case a.BlobSize > b.BlobSize:
			res = 1
		}
	}
	return res, nil
}

// BlobStateCompareWithString orders a blob against an in-memory byte
// string, short-circuiting on the first differing chunk so a prefix
// mismatch never loads the rest of the blob.
func (m *Manager) BlobStateCompareWithString(st *BlobState, s []byte) (int, error) {
	common := min(st.BlobSize, uint64(len(s)))
	chunk := make([]byte, compareChunk)
	for off := uint64(0); off < common; off += compareChunk {
		n := min(uint64(compareChunk), common-off)
		if err := m.readBlobRange(st, off, chunk[:n]); err != nil {
			return 0, err
		}
		if c := bytes.Compare(chunk[:n], s[off:off+n]); c != 0 {
			return c, nil
		}
	}
	switch {
	case st.BlobSize < uint64(len(s)):
		return -1, nil
	case st.BlobSize > uint64(len(s)):
		return 1, nil
	}
	return 0, nil
}

// readBlobRange copies the blob's logical bytes [off, off+len(dst)) into
// dst, pinning and unpinning the touched extents as needed.
func (m *Manager) readBlobRange(st *BlobState, off uint64, dst []byte) error {
	if off+uint64(len(dst)) > st.BlobSize {
		return base.AssertionFailedf("blob: range [%d,%d) of a %d-byte blob",
			off, off+uint64(len(dst)), st.BlobSize)
	}
	var cum uint64
	for _, r := range st.Runs() {
		if len(dst) == 0 {
			break
		}
		runBytes := uint64(r.Pages) * base.PageSize
		if off >= cum+runBytes {
			cum += runBytes
			continue
		}
		inner := off - cum
		n := min(runBytes-inner, uint64(len(dst)))
		_, held := m.extentLoaded[r.Start]
		if !held {
			if err := m.buf.PinShared(r); err != nil {
				return err
			}
		}
		err := m.buf.ReadRun(r, inner, dst[:n])
		if !held {
			m.buf.UnpinShared(r)
		}
		if err != nil {
			return err
		}
		dst = dst[n:]
		off += n
		cum += runBytes
	}
	return nil
}
