// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package invariants gates expensive self-checks on the "invariants" (or
// "race") build tag. Violations are bugs: under the tag they panic, in
// release builds the caller logs and surfaces an error code.
package invariants

import "fmt"

// Failf panics under the invariants build and is a no-op otherwise. Callers
// that need an error in release builds construct one themselves.
func Failf(format string, args ...interface{}) {
	if Enabled {
		panic(fmt.Sprintf(format, args...))
	}
}

// CheckEqual panics under the invariants build if a != b.
func CheckEqual[T comparable](a, b T, what string) {
	if Enabled && a != b {
		panic(fmt.Sprintf("%s: %v != %v", what, a, b))
	}
}
