// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package bufmgr

import (
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// pacer throttles write-back to a byte rate. It wraps a token bucket of
// one second's burst.
type pacer struct {
	mu sync.Mutex
	tb tokenbucket.TokenBucket
}

func newPacer(bytesPerSec float64) *pacer {
	p := &pacer{}
	p.tb.Init(tokenbucket.TokensPerSecond(bytesPerSec), tokenbucket.Tokens(bytesPerSec))
	return p
}

// wait blocks until n bytes of budget are available. Requests larger than
// the burst put the bucket into debt rather than deadlocking.
func (p *pacer) wait(n float64) {
	for {
		p.mu.Lock()
		ok, d := p.tb.TryToFulfill(tokenbucket.Tokens(n))
		p.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(d)
	}
}
