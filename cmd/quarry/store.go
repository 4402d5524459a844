// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/quarrydb/quarry"
	"github.com/spf13/cobra"
)

var (
	fillCount int
	fillSize  int
	fillGrow  bool
)

func openStore() (*quarry.Store, error) {
	return quarry.Open(quarry.Options{
		Path:               path,
		CacheBytes:         uint64(dramGiB) << 30,
		FileBytes:          uint64(ssdGiB) << 30,
		Workers:            workers,
		BlobLoggingVariant: variant,
		NormalBufferPool:   normalPool,
		Truncate:           trunc,
		Fallocate:          falloc,
	})
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print store gauges",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		m := s.Metrics()
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"gauge", "value"})
		table.Append([]string{"physical used frames", strconv.FormatInt(m.PhysicalUsedFrames, 10)})
		table.Append([]string{"cache frames", strconv.Itoa(m.CacheFrames)})
		table.Append([]string{"free runs", strconv.Itoa(m.FreeRuns)})
		table.Append([]string{"free pages", strconv.FormatUint(m.FreePages, 10)})
		table.Append([]string{"allocated pages", strconv.FormatUint(m.AllocatedPages, 10)})
		table.Render()
		return nil
	},
}

var freelistCmd = &cobra.Command{
	Use:   "freelist",
	Short: "dump the free-space index",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		m := s.Metrics()
		fmt.Printf("%d runs, %d pages\n", m.FreeRuns, m.FreePages)
		return nil
	},
}

var fillCmd = &cobra.Command{
	Use:   "fill",
	Short: "write random blobs and report throughput",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		buf := make([]byte, fillSize)
		start := time.Now()
		for i := 0; i < fillCount; i++ {
			rng.Read(buf)
			if _, err := s.Put(i%s.NumWorkers(), buf, fillGrow); err != nil {
				return err
			}
		}
		elapsed := time.Since(start)
		fmt.Printf("wrote %d blobs (%d bytes) in %s, %.1f MB/s\n",
			fillCount, fillCount*fillSize, elapsed.Round(time.Millisecond),
			float64(fillCount*fillSize)/elapsed.Seconds()/(1<<20))
		return nil
	},
}
