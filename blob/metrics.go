// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package blob

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts blob operations across all workers.
type Metrics struct {
	allocated    prometheus.Counter
	removed      prometheus.Counter
	loaded       prometheus.Counter
	bytesWritten prometheus.Counter
	bytesRead    prometheus.Counter
}

// NewMetrics builds the shared blob counters.
func NewMetrics() *Metrics {
	return &Metrics{
		allocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_blob_allocated_total",
			Help: "Blobs allocated or grown.",
		}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_blob_removed_total",
			Help: "Blobs removed.",
		}),
		loaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_blob_loads_total",
			Help: "LoadBlob calls.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_blob_bytes_written_total",
			Help: "Payload bytes written.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quarry_blob_bytes_read_total",
			Help: "Payload bytes delivered to load callbacks.",
		}),
	}
}

// Collectors returns the counters for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.allocated, m.removed, m.loaded, m.bytesWritten, m.bytesRead}
}
