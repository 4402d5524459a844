// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package quarry

import (
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarry/blob"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		Path:       filepath.Join(dir, "pages"),
		CacheBytes: 256 * 4096,
		FileBytes:  1 << 26,
		Workers:    2,
		AliasBytes: 1 << 24,
	}
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed*97 + byte(i%10)
	}
	return p
}

func TestStorePutGet(t *testing.T) {
	s, err := Open(testOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	data := payload(18432, 1)
	st, err := s.Put(0, data, true)
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), st.BlobSize)

	got, err := s.Get(0, st)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// A different worker reads the same blob.
	got, err = s.Get(1, st)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStoreCodec(t *testing.T) {
	codec, err := blob.NewZstdCodec()
	require.NoError(t, err)
	opts := testOptions(t, t.TempDir())
	opts.Codec = codec
	s, err := Open(opts)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	data := payload(100000, 3)
	st, err := s.Put(0, data, false)
	require.NoError(t, err)
	// The stored size is the encoded size, well under the raw payload for
	// this compressible input.
	require.Less(t, st.BlobSize, uint64(len(data)))

	got, err := s.Get(0, st)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestStoreGrowAcrossUpdates(t *testing.T) {
	s, err := Open(testOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	head := payload(18432, 1)
	tail := payload(18432, 2)
	st, err := s.Put(0, head, true)
	require.NoError(t, err)

	var grown *blob.BlobState
	require.NoError(t, s.Update(0, func(sess *Session) error {
		var err error
		grown, err = sess.Blobs.AllocateBlob(sess.Tx, tail, st, true)
		return err
	}))

	got, err := s.Get(0, grown)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), head...), tail...), got)
}

func TestStoreFreeListSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)

	s, err := Open(opts)
	require.NoError(t, err)
	st, err := s.Put(0, payload(18432, 1), true)
	require.NoError(t, err)
	require.NoError(t, s.Delete(0, st))
	freed := s.Metrics().FreePages
	require.Equal(t, uint64(7), freed)
	require.NoError(t, s.Close())

	s, err = Open(opts)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	require.Equal(t, freed, s.Metrics().FreePages)
	require.Equal(t, 3, s.Metrics().FreeRuns)
}

func TestStoreContentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(t, dir)

	s, err := Open(opts)
	require.NoError(t, err)
	data := payload(18432, 2)
	st, err := s.Put(0, data, false)
	require.NoError(t, err)
	handle := st.Encode(nil)
	require.NoError(t, s.Close())

	s, err = Open(opts)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	decoded, err := blob.Decode(handle)
	require.NoError(t, err)
	got, err := s.Get(0, decoded)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestOptionsValidate(t *testing.T) {
	var o Options
	o.EnsureDefaults()
	require.Error(t, o.Validate()) // no path

	o = Options{Path: "x", BlobLoggingVariant: 3}
	o.EnsureDefaults()
	require.Error(t, o.Validate())

	o = Options{Path: "x"}
	o.EnsureDefaults()
	require.NoError(t, o.Validate())
	require.Equal(t, "x.free", o.FreePagesListPath)
}
