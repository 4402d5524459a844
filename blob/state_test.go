// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import (
	"testing"

	"github.com/quarrydb/quarry/internal/base"
	"github.com/stretchr/testify/require"
)

func TestMallocSize(t *testing.T) {
	require.Equal(t, stateFixedSize, MallocSize(0))
	require.Equal(t, stateFixedSize+8, MallocSize(1))
	require.Equal(t, MaxMallocSize, MallocSize(MaxExtentCnt))

	st := &BlobState{Extents: []base.PageID{1, 2, 4}}
	require.Equal(t, MallocSize(3), st.MallocSize())
	require.Equal(t, MallocSize(3), len(st.Encode(nil)))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	st := &BlobState{
		BlobSize:     18432,
		PrevBlobSize: 12288,
		Tail:         base.TailExtent{Start: 9, Pages: 2, InUse: true},
		Extents:      []base.PageID{1, 2},
	}
	st.Digest[0], st.Digest[31] = 0xaa, 0x55

	got, err := Decode(st.Encode(nil))
	require.NoError(t, err)
	require.Equal(t, st, got)

	// Trailing garbage past the declared extent count is ignored.
	padded := append(st.Encode(nil), 0xde, 0xad)
	got, err = Decode(padded)
	require.NoError(t, err)
	require.Equal(t, st, got)
}

func TestDecodeRejectsTruncation(t *testing.T) {
	st := &BlobState{BlobSize: 4096, Extents: []base.PageID{1}}
	enc := st.Encode(nil)
	_, err := Decode(enc[:len(enc)-1])
	require.Error(t, err)
	_, err = Decode(enc[:10])
	require.Error(t, err)
}

func TestMoveToTempStorage(t *testing.T) {
	st := &BlobState{BlobSize: 8192, PrevBlobSize: 8192, Extents: []base.PageID{1, 2}}
	storage := make([]byte, 0, MaxMallocSize)
	view, err := MoveToTempStorage(storage, st)
	require.NoError(t, err)
	require.Equal(t, st, view)

	// Mutating the view never touches the source.
	view.BlobSize = 1
	require.Equal(t, uint64(8192), st.BlobSize)

	_, err = MoveToTempStorage(make([]byte, 0, 8), st)
	require.Error(t, err)
}

func TestCheckInvariants(t *testing.T) {
	// S1 shape: 5 data pages over doubling extents 1, 2, 4.
	st := &BlobState{BlobSize: 18432, Extents: []base.PageID{1, 2, 4}}
	require.NoError(t, st.CheckInvariants())
	require.Equal(t, uint64(5), st.PageCount())
	require.Equal(t, uint64(7), st.CapacityPages())

	// S2 shape: exact capacity with a tail.
	st = &BlobState{
		BlobSize: 18432,
		Tail:     base.TailExtent{Start: 4, Pages: 2, InUse: true},
		Extents:  []base.PageID{1, 2},
	}
	require.NoError(t, st.CheckInvariants())
	require.Equal(t, st.PageCount(), st.CapacityPages())

	// A tailed blob must fill its extent list exactly.
	st.BlobSize = 4096
	require.Error(t, st.CheckInvariants())

	// Misaligned extent.
	st = &BlobState{BlobSize: 12288, Extents: []base.PageID{1, 3}}
	require.Error(t, st.CheckInvariants())

	// Non-minimal extent list.
	st = &BlobState{BlobSize: 4096, Extents: []base.PageID{1, 2}}
	require.Error(t, st.CheckInvariants())
}

func TestScheduleFor(t *testing.T) {
	// 18432 bytes = 5 pages.
	sch := scheduleFor(18432, true)
	require.Equal(t, schedule{extentCnt: 3}, sch)
	sch = scheduleFor(18432, false)
	require.Equal(t, schedule{extentCnt: 2, tailPages: 2}, sch)

	// Exactly 2^k - 1 pages: no tail even for fixed size.
	sch = scheduleFor(7*base.PageSize, false)
	require.Equal(t, schedule{extentCnt: 3}, sch)

	// Tiny blobs.
	require.Equal(t, schedule{}, scheduleFor(0, true))
	require.Equal(t, schedule{extentCnt: 1}, scheduleFor(1, true))
	require.Equal(t, schedule{extentCnt: 1}, scheduleFor(1, false))
	require.Equal(t, schedule{extentCnt: 1, tailPages: 1}, scheduleFor(base.PageSize+1, false))

	// The fixed-size tail is always smaller than the next doubling extent.
	for pages := uint64(1); pages <= 4096; pages++ {
		sch := scheduleFor(pages*base.PageSize, false)
		total := base.ExtentListPages(sch.extentCnt) + uint64(sch.tailPages)
		require.Equal(t, pages, total)
		if sch.tailPages > 0 {
			require.Less(t, uint64(sch.tailPages), uint64(1)<<sch.extentCnt)
		}
	}
}

func TestZstdCodecRoundTrip(t *testing.T) {
	codec, err := NewZstdCodec()
	require.NoError(t, err)
	src := make([]byte, 100000)
	for i := range src {
		src[i] = byte(i % 7)
	}
	enc := codec.Compress(nil, src)
	require.Less(t, len(enc), len(src))
	dec, err := codec.Decompress(nil, enc)
	require.NoError(t, err)
	require.Equal(t, src, dec)

	var noop NoopCodec
	require.Equal(t, src, noop.Compress(nil, src))
}
