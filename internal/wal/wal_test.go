// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/quarrydb/quarry/internal/base"
	"github.com/stretchr/testify/require"
)

func TestCursorAdvance(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, 0)
	require.Equal(t, uint64(0), w.Cursor())

	require.NoError(t, w.AppendTxStart(7))
	require.Equal(t, uint64(LogEntrySize), w.Cursor())

	payload := bytes.Repeat([]byte{0xab}, 10240)
	pre := w.Cursor()
	require.NoError(t, w.AppendPageImage(7, base.PageID(5), 2048, payload))
	require.Equal(t, uint64(LogEntrySize+PageImgEntrySize+len(payload)), w.Cursor()-pre)

	pre = w.Cursor()
	require.NoError(t, w.AppendTxCommit(7))
	require.Equal(t, uint64(LogEntrySize), w.Cursor()-pre)
}

func TestRoundTrip(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, 0)
	payload := make([]byte, 4096+77)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, w.AppendTxStart(3))
	require.NoError(t, w.AppendPageImage(3, base.PageID(42), 19, payload))
	require.NoError(t, w.AppendTxCommit(3))

	r := NewReader(bytes.NewReader(sink.Bytes()))
	e, _, _, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeTxStart, e.Type)
	require.Equal(t, uint64(3), e.TxnID)

	e, img, body, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, TypePageImg, e.Type)
	require.Equal(t, base.PageID(42), img.PageID)
	require.Equal(t, uint32(19), img.Offset)
	require.Equal(t, payload, body)

	e, _, _, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, TypeTxCommit, e.Type)

	_, _, _, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestBufferBoundaryFlush(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, 64)
	payload := bytes.Repeat([]byte{1}, 300)
	require.NoError(t, w.AppendPageImage(1, base.PageID(9), 0, payload))
	// Crossing the 64-byte buffer forced intermediate flushes.
	require.NotZero(t, sink.Len())
	require.NoError(t, w.Flush())
	require.Equal(t, LogEntrySize+PageImgEntrySize+300, sink.Len())

	r := NewReader(bytes.NewReader(sink.Bytes()))
	_, img, body, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint32(300), img.Length)
	require.Equal(t, payload, body)
}

func TestCorruptChecksum(t *testing.T) {
	var sink bytes.Buffer
	w := NewWriter(&sink, 0)
	require.NoError(t, w.AppendPageImage(1, base.PageID(2), 0, []byte("abcdef")))
	require.NoError(t, w.Flush())
	raw := sink.Bytes()
	raw[len(raw)-1] ^= 0xff
	r := NewReader(bytes.NewReader(raw))
	_, _, _, err := r.Next()
	require.Error(t, err)
}
