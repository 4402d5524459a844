// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package bufmgr

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	framesAcquired prometheus.Counter
	pagesRead      prometheus.Counter
	pagesWritten   prometheus.Counter
	pagesEvicted   prometheus.Counter
	readSeconds    prometheus.Histogram
	writeSeconds   prometheus.Histogram
}

func (m *metrics) init() {
	m.framesAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_bufmgr_frames_acquired_total",
		Help: "Frames assigned to pages.",
	})
	m.pagesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_bufmgr_pages_read_total",
		Help: "Pages read from the page file.",
	})
	m.pagesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_bufmgr_pages_written_total",
		Help: "Pages written to the page file.",
	})
	m.pagesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarry_bufmgr_pages_evicted_total",
		Help: "Frames released by eviction.",
	})
	m.readSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_bufmgr_read_seconds",
		Help:    "Page read latency.",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	})
	m.writeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarry_bufmgr_write_seconds",
		Help:    "Write-back batch latency.",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	})
}

// Collectors returns the manager's prometheus collectors for registration
// by the store.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.framesAcquired,
		m.metrics.pagesRead,
		m.metrics.pagesWritten,
		m.metrics.pagesEvicted,
		m.metrics.readSeconds,
		m.metrics.writeSeconds,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "quarry_bufmgr_physical_used_frames",
			Help: "Frames currently backing pages.",
		}, func() float64 { return float64(m.PhysicalUsed()) }),
	}
}
