// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

//go:build linux && (amd64 || arm64)

package bufmgr

import (
	"unsafe"

	"github.com/quarrydb/quarry/internal/base"
	"golang.org/x/sys/unix"
)

// The aliasing window works by reserving an inaccessible address range and
// remapping individual pool pages into it with MAP_FIXED. The pool is
// backed by a memfd, so a frame can be visible at its pool address and at
// its aliased address simultaneously.

const aliasSupported = true

func reserveRegion(size uint64) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0, uintptr(size),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE),
		^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

// mapPage aliases the frame at pool offset frameOff to slot k of the area.
func (a *AliasArea) mapPage(k int, frameOff uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP,
		a.addr+uintptr(k)*base.PageSize, base.PageSize,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(a.m.poolFD), uintptr(frameOff))
	if errno != 0 {
		return errno
	}
	return nil
}

// unmapAll replaces the mapped prefix with the inaccessible reservation
// again.
func (a *AliasArea) unmapAll() {
	if a.mapped == 0 {
		return
	}
	_, _, errno := unix.Syscall6(unix.SYS_MMAP,
		a.addr, uintptr(a.mapped),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED),
		^uintptr(0), 0)
	if errno != 0 {
		a.m.cfg.Logger.Fatalf("quarry: cannot restore aliasing reservation: %v", errno)
	}
	a.mapped = 0
}

func (a *AliasArea) unreserve() {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, a.addr, uintptr(a.size), 0)
	if errno != 0 {
		a.m.cfg.Logger.Errorf("quarry: unmapping aliasing area: %v", errno)
	}
}

func (a *AliasArea) window(bytes uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(a.addr)), bytes)
}
