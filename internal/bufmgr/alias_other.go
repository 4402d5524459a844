// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

//go:build !linux || (!amd64 && !arm64)

package bufmgr

import "github.com/cockroachdb/errors"

// Platforms without the shared-mapping trick always use the gather path.

const aliasSupported = false

func reserveRegion(size uint64) (uintptr, error) {
	return 0, errors.New("quarry: aliasing mappings unsupported on this platform")
}

func (a *AliasArea) mapPage(k int, frameOff uint64) error {
	return errors.New("quarry: aliasing mappings unsupported on this platform")
}

func (a *AliasArea) unmapAll() {}

func (a *AliasArea) unreserve() {}

func (a *AliasArea) window(bytes uint64) []byte { return nil }
