// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a load did not find the requested pages; it is the
// read-fault surfaced when a blob references pages past the page-allocation
// frontier, or when a page that must be resident is not.
var ErrNotFound = errors.New("quarry: not found")

// ErrOutOfSpace means both the free-space index and the page file are
// exhausted. The surrounding transaction must abort.
var ErrOutOfSpace = errors.New("quarry: out of space")

// ErrRange is returned when a load offset lies at or past the blob size.
var ErrRange = errors.New("quarry: offset out of range")

// IOErrorf wraps a page-file failure with the failing page id.
func IOErrorf(pid PageID, err error, format string, args ...interface{}) error {
	return errors.Wrapf(errors.Wrapf(err, "page %s", pid), format, args...)
}

// errAssertf mirrors errors.AssertionFailedf for intra-package panics without
// forcing every call site through the errors import.
func errAssertf(format string, args ...interface{}) error {
	return errors.AssertionFailedf("quarry: "+format, args...)
}

// AssertionFailedf reports an invariant violation as an assertion error. It
// returns the error in every build; it does not panic, under the invariants
// build tag or otherwise.
func AssertionFailedf(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}
