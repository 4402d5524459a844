// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package bufmgr

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/quarrydb/quarry/internal/base"
)

// Page 0 is the store superblock: it records the page-allocation frontier
// so a remount resumes allocation where the previous run stopped.
//
//	magic (4B) | version (4B) | next pid (8B) | xxhash64 (8B)
const (
	metaMagic   = 0x51524d54 // "QRMT"
	metaVersion = 1
)

func (m *Manager) loadMeta() error {
	var buf [base.PageSize]byte
	if _, err := m.file.ReadAt(buf[:], 0); err != nil {
		// A fresh or truncated file has no superblock yet.
		m.nextPID.Store(1)
		return nil
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != metaMagic {
		m.nextPID.Store(1)
		return nil
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != metaVersion {
		return errors.Errorf("quarry: superblock version %d unsupported", v)
	}
	if sum := xxhash.Sum64(buf[0:16]); sum != binary.LittleEndian.Uint64(buf[16:24]) {
		return errors.Errorf("quarry: superblock checksum mismatch")
	}
	next := binary.LittleEndian.Uint64(buf[8:16])
	if next == 0 {
		next = 1
	}
	m.nextPID.Store(next)
	return nil
}

// PersistMeta writes the superblock. Called on clean shutdown.
func (m *Manager) PersistMeta() error {
	var buf [base.PageSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], metaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], metaVersion)
	binary.LittleEndian.PutUint64(buf[8:16], m.nextPID.Load())
	binary.LittleEndian.PutUint64(buf[16:24], xxhash.Sum64(buf[0:16]))
	if _, err := m.file.WriteAt(buf[:], 0); err != nil {
		return base.IOErrorf(0, err, "superblock write")
	}
	return errors.Wrap(m.file.Sync(), "quarry: superblock sync")
}
