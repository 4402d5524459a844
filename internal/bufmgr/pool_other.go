// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

//go:build !linux

package bufmgr

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// newPool backs the frame pool with an unlinked temp file; a plain file
// mapping is enough on platforms without memfd.
func newPool(size uint64) (int, []byte, error) {
	f, err := os.CreateTemp("", "quarry-pool-*")
	if err != nil {
		return -1, nil, errors.Wrap(err, "quarry: creating pool file")
	}
	_ = os.Remove(f.Name())
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return -1, nil, errors.Wrap(err, "quarry: sizing pool file")
	}
	fd, err := unix.Dup(int(f.Fd()))
	_ = f.Close()
	if err != nil {
		return -1, nil, errors.Wrap(err, "quarry: duping pool fd")
	}
	pool, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrap(err, "quarry: mapping frame pool")
	}
	return fd, pool, nil
}

func preallocate(f *os.File, size int64) error {
	return errors.New("quarry: fallocate unsupported on this platform")
}
