// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package wal writes the per-worker append-only log consumed during
// recovery. Each record is a fixed LogEntry header optionally followed by a
// typed body; the blob subsystem emits page-image records for in-place
// extent growth. The writer's cursor advances by exactly the encoded record
// size, which the grow paths rely on.
//
// Record layout, little endian:
//
//	LogEntry:     txn id (8B) | length (4B) | type (1B) | reserved (3B)
//	PageImgEntry: page id (8B) | offset (4B) | length (4B) | xxhash64 (8B)
//
// A page-image record is LogEntry + PageImgEntry + payload; length in the
// LogEntry covers everything past the LogEntry header. The checksum covers
// the payload.
package wal

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
)

// Sizes of the fixed record headers.
const (
	LogEntrySize     = 16
	PageImgEntrySize = 24
)

// EntryType discriminates log records.
type EntryType uint8

const (
	// TypeTxStart opens a transaction in the log.
	TypeTxStart EntryType = iota + 1
	// TypePageImg carries a partial page image written into an existing
	// extent.
	TypePageImg
	// TypeTxCommit closes a transaction.
	TypeTxCommit
	// TypeTxAbort records a rollback.
	TypeTxAbort
)

// String implements fmt.Stringer.
func (t EntryType) String() string {
	switch t {
	case TypeTxStart:
		return "tx-start"
	case TypePageImg:
		return "page-img"
	case TypeTxCommit:
		return "tx-commit"
	case TypeTxAbort:
		return "tx-abort"
	}
	return "unknown"
}

// LogEntry is the decoded common header.
type LogEntry struct {
	TxnID  uint64
	Length uint32
	Type   EntryType
}

// PageImgEntry is the decoded page-image header.
type PageImgEntry struct {
	PageID   base.PageID
	Offset   uint32
	Length   uint32
	Checksum uint64
}

// DefaultBufferSize is the append buffer size; appends that cross it flush
// to the underlying writer.
const DefaultBufferSize = 1 << 20

// Writer is a single worker's log writer. It is not safe for concurrent
// use; each worker owns exactly one.
type Writer struct {
	dst    io.Writer
	buf    []byte
	cursor uint64
}

// NewWriter returns a Writer appending to dst.
func NewWriter(dst io.Writer, bufSize int) *Writer {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Writer{dst: dst, buf: make([]byte, 0, bufSize)}
}

// Cursor returns the total number of bytes appended since the writer was
// opened, including bytes still buffered.
func (w *Writer) Cursor() uint64 { return w.cursor }

func (w *Writer) append(p []byte) error {
	for len(p) > 0 {
		if len(w.buf) == cap(w.buf) {
			if err := w.Flush(); err != nil {
				return err
			}
		}
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		w.cursor += uint64(n)
	}
	return nil
}

func (w *Writer) appendLogEntry(txnID uint64, t EntryType, length uint32) error {
	var hdr [LogEntrySize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], txnID)
	binary.LittleEndian.PutUint32(hdr[8:12], length)
	hdr[12] = byte(t)
	return w.append(hdr[:])
}

// AppendTxStart appends a bare transaction-start record.
func (w *Writer) AppendTxStart(txnID uint64) error {
	return w.appendLogEntry(txnID, TypeTxStart, 0)
}

// AppendTxCommit appends a commit record and flushes the buffer.
func (w *Writer) AppendTxCommit(txnID uint64) error {
	if err := w.appendLogEntry(txnID, TypeTxCommit, 0); err != nil {
		return err
	}
	return w.Flush()
}

// AppendTxAbort appends an abort record.
func (w *Writer) AppendTxAbort(txnID uint64) error {
	return w.appendLogEntry(txnID, TypeTxAbort, 0)
}

// AppendPageImage appends a partial page image: the payload bytes written
// into the page run starting at pid, beginning at byte offset off within
// that run. The cursor advances by exactly
// LogEntrySize + PageImgEntrySize + len(payload).
func (w *Writer) AppendPageImage(txnID uint64, pid base.PageID, off uint32, payload []byte) error {
	if err := w.appendLogEntry(txnID, TypePageImg, PageImgEntrySize+uint32(len(payload))); err != nil {
		return err
	}
	var hdr [PageImgEntrySize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(pid))
	binary.LittleEndian.PutUint32(hdr[8:12], off)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[16:24], xxhash.Sum64(payload))
	if err := w.append(hdr[:]); err != nil {
		return err
	}
	return w.append(payload)
}

// Flush writes the buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if _, err := w.dst.Write(w.buf); err != nil {
		return errors.Wrap(err, "quarry: wal flush")
	}
	w.buf = w.buf[:0]
	return nil
}

// Reader decodes a log stream produced by Writer. Used by recovery and
// tests.
type Reader struct {
	src io.Reader
}

// NewReader returns a Reader decoding from src.
func NewReader(src io.Reader) *Reader { return &Reader{src: src} }

// Next returns the next record. For page-image records the body past the
// PageImgEntry header is returned as payload after checksum verification.
// Returns io.EOF at the end of the stream.
func (r *Reader) Next() (LogEntry, PageImgEntry, []byte, error) {
	var hdr [LogEntrySize]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return LogEntry{}, PageImgEntry{}, nil, errors.Wrap(err, "quarry: wal truncated")
		}
		return LogEntry{}, PageImgEntry{}, nil, err
	}
	e := LogEntry{
		TxnID:  binary.LittleEndian.Uint64(hdr[0:8]),
		Length: binary.LittleEndian.Uint32(hdr[8:12]),
		Type:   EntryType(hdr[12]),
	}
	if e.Type != TypePageImg {
		if e.Length != 0 {
			return LogEntry{}, PageImgEntry{}, nil, errors.Errorf(
				"quarry: wal %s record with body of %d bytes", e.Type, e.Length)
		}
		return e, PageImgEntry{}, nil, nil
	}
	if e.Length < PageImgEntrySize {
		return LogEntry{}, PageImgEntry{}, nil, errors.Errorf(
			"quarry: wal page-img record too short (%d bytes)", e.Length)
	}
	var img [PageImgEntrySize]byte
	if _, err := io.ReadFull(r.src, img[:]); err != nil {
		return LogEntry{}, PageImgEntry{}, nil, errors.Wrap(err, "quarry: wal truncated")
	}
	p := PageImgEntry{
		PageID:   base.PageID(binary.LittleEndian.Uint64(img[0:8])),
		Offset:   binary.LittleEndian.Uint32(img[8:12]),
		Length:   binary.LittleEndian.Uint32(img[12:16]),
		Checksum: binary.LittleEndian.Uint64(img[16:24]),
	}
	if p.Length != e.Length-PageImgEntrySize {
		return LogEntry{}, PageImgEntry{}, nil, errors.Errorf(
			"quarry: wal page-img length mismatch (%d vs %d)", p.Length, e.Length-PageImgEntrySize)
	}
	payload := make([]byte, p.Length)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		return LogEntry{}, PageImgEntry{}, nil, errors.Wrap(err, "quarry: wal truncated")
	}
	if sum := xxhash.Sum64(payload); sum != p.Checksum {
		return LogEntry{}, PageImgEntry{}, nil, errors.Errorf(
			"quarry: wal page-img checksum mismatch for %s", p.PageID)
	}
	return e, p, payload, nil
}
