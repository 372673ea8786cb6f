/*
Copyright 2024 The Flowdag Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowproj/flowdag/pkg/memory"
	"github.com/flowproj/flowdag/pkg/memory/aggregator"
	"github.com/flowproj/flowdag/pkg/memory/binarystorage"
	"github.com/flowproj/flowdag/pkg/shared/logging"
)

// NewSortCommand exercises the sorted aggregator: insert keys in reverse
// order, sort cooperatively, stream the cursor.
func NewSortCommand() *cobra.Command {
	var (
		count      int
		partitions int
		heapMB     int64
		blockKB    int
		spillDir   string
		spilling   bool
	)

	command := &cobra.Command{
		Use:   "sort",
		Short: "Run the external-sort benchmark",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewLogger().Named("sort")
			heap := memory.NewPool(memory.HeapBlock, blockKB*1024, heapMB*1024*1024)
			mctx := memory.NewContext(heap, nil)

			opts := []aggregator.Option{
				aggregator.WithPartitionCount(partitions),
			}
			if spilling {
				opts = append(opts, aggregator.WithSpilling(spillDir,
					aggregator.DefaultSpillingBufferSize, aggregator.DefaultSpillingChunkSize))
			}
			agg, err := aggregator.New(mctx, binarystorage.StringComparator{}, opts...)
			if err != nil {
				return err
			}
			defer func() { _ = agg.Dispose() }()

			start := time.Now()
			for i := count; i >= 1; i-- {
				kv := []byte(fmt.Sprintf("%d", i))
				if !agg.Accept(kv, kv) {
					return fmt.Errorf("out of memory after %d pairs (spilling is turned off)", count-i)
				}
			}
			log.Infow("Inserted", "pairs", count, "took", time.Since(start).String())

			start = time.Now()
			agg.PrepareToSort()
			for !agg.Sort() {
			}
			log.Infow("Sorted", "took", time.Since(start).String())

			start = time.Now()
			cursor, err := agg.Cursor()
			if err != nil {
				return err
			}
			n := 0
			for cursor.Advance() {
				n++
			}
			if err := cursor.Err(); err != nil {
				return err
			}
			log.Infow("Merged", "pairs", n, "took", time.Since(start).String(), "blocksInUse", heap.InUse())
			return nil
		},
	}
	command.Flags().IntVar(&count, "count", 1_000_000, "Number of pairs to insert")
	command.Flags().IntVar(&partitions, "partitions", 8, "Sort partition count (power of two)")
	command.Flags().Int64Var(&heapMB, "heap-mb", 256, "Heap pool budget in MiB")
	command.Flags().IntVar(&blockKB, "block-kb", 128, "Block size in KiB")
	command.Flags().StringVar(&spillDir, "spill-dir", "", "Spill directory (default: system temp)")
	command.Flags().BoolVar(&spilling, "spilling", false, "Enable spilling to disk")
	return command
}
