// Copyright 2026 The Quarry Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command quarry is the introspection and load-generation tool for quarry
// stores.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	path       string
	dramGiB    uint
	ssdGiB     uint
	workers    int
	variant    int
	normalPool bool
	trunc      bool
	falloc     bool
)

var rootCmd = &cobra.Command{
	Use:   "quarry [command] (flags)",
	Short: "quarry blob-store introspection/load tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		statsCmd,
		fillCmd,
		freelistCmd,
	)

	for _, cmd := range []*cobra.Command{statsCmd, fillCmd, freelistCmd} {
		cmd.Flags().StringVar(
			&path, "path", "quarry.pages", "page file path")
		cmd.Flags().UintVar(
			&dramGiB, "dram", 1, "buffer pool size in GiB")
		cmd.Flags().UintVar(
			&ssdGiB, "ssd", 10, "page file size in GiB")
		cmd.Flags().IntVar(
			&workers, "workers", 1, "worker pool size")
		cmd.Flags().IntVar(
			&variant, "blob-logging-variant", 0, "post-flush page state (0=evict, 1=keep, 2=mark)")
		cmd.Flags().BoolVar(
			&normalPool, "normal-buffer-pool", false, "disable the aliasing window")
		cmd.Flags().BoolVar(
			&trunc, "trunc", false, "truncate the page file at mount")
		cmd.Flags().BoolVar(
			&falloc, "falloc", false, "fallocate the page file at mount")
	}

	fillCmd.Flags().IntVar(
		&fillCount, "count", 100, "number of blobs to write")
	fillCmd.Flags().IntVar(
		&fillSize, "size", 1<<20, "bytes per blob")
	fillCmd.Flags().BoolVar(
		&fillGrow, "likely-grow", true, "allocate with the doubling schedule")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
