// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package freespace

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/quarrydb/quarry/internal/base"
)

// File format of the persisted free-pages list:
//
//	+-----------+-------------+------------+---------------+-- ... --+
//	| magic (4B)| version (4B)| count (8B) | xxhash64 (8B) | entries |
//	+-----------+-------------+------------+---------------+-- ... --+
//
// Each entry is (start_pid u64, page_cnt u32), little endian, in ascending
// start order. The checksum covers the entries.
const (
	fileMagic   = 0x46524c53 // "FRLS"
	fileVersion = 1
	headerSize  = 24
	entrySize   = 12
)

// Persist writes the index to path atomically (write temp, rename). Called
// on clean shutdown.
func (x *Index) Persist(path string) error {
	x.mu.Lock()
	buf := make([]byte, headerSize+entrySize*len(x.runs))
	binary.LittleEndian.PutUint32(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], fileVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(x.runs)))
	for i, r := range x.runs {
		off := headerSize + i*entrySize
		binary.LittleEndian.PutUint64(buf[off:], uint64(r.Start))
		binary.LittleEndian.PutUint32(buf[off+8:], r.Pages)
	}
	binary.LittleEndian.PutUint64(buf[16:24], xxhash.Sum64(buf[headerSize:]))
	x.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.Wrap(err, "quarry: writing free-pages list")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "quarry: installing free-pages list")
	}
	// Sync the parent directory so the rename survives a crash.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// Load populates the index from a persisted free-pages list. A missing file
// yields an empty index; that is the state of a fresh store.
func Load(path string) (*Index, error) {
	x := New()
	buf, err := os.ReadFile(path)
	if oserror.IsNotExist(err) {
		return x, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "quarry: reading free-pages list")
	}
	if len(buf) < headerSize {
		return nil, errors.Errorf("quarry: free-pages list truncated (%d bytes)", len(buf))
	}
	if m := binary.LittleEndian.Uint32(buf[0:4]); m != fileMagic {
		return nil, errors.Errorf("quarry: free-pages list bad magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != fileVersion {
		return nil, errors.Errorf("quarry: free-pages list unsupported version %d", v)
	}
	count := binary.LittleEndian.Uint64(buf[8:16])
	if uint64(len(buf)-headerSize) != count*entrySize {
		return nil, errors.Errorf("quarry: free-pages list holds %d bytes for %d entries",
			len(buf)-headerSize, count)
	}
	if sum := xxhash.Sum64(buf[headerSize:]); sum != binary.LittleEndian.Uint64(buf[16:24]) {
		return nil, errors.Errorf("quarry: free-pages list checksum mismatch")
	}
	for i := uint64(0); i < count; i++ {
		off := headerSize + int(i)*entrySize
		r := base.PageRun{
			Start: base.PageID(binary.LittleEndian.Uint64(buf[off:])),
			Pages: binary.LittleEndian.Uint32(buf[off+8:]),
		}
		if err := x.Free(r.Start, r.Pages); err != nil {
			return nil, err
		}
	}
	return x, nil
}
