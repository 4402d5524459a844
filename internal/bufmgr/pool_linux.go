// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

//go:build linux

package bufmgr

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// newPool backs the frame pool with a memfd so the aliasing window can
// remap the same physical pages elsewhere in the address space.
func newPool(size uint64) (int, []byte, error) {
	fd, err := unix.MemfdCreate("quarry-pool", 0)
	if err != nil {
		return -1, nil, errors.Wrap(err, "quarry: creating pool memfd")
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrap(err, "quarry: sizing pool memfd")
	}
	pool, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrap(err, "quarry: mapping frame pool")
	}
	return fd, pool, nil
}

func preallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
