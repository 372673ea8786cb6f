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

/*
Package aggregator implements the memory-bounded sorted aggregation over
binary storage: accept a stream of key/value pairs, keep per-key state
partitioned across storages, sort partitions in cooperative slices, spill
sorted runs to disk under memory pressure, and serve the final ordering
through a k-way merge cursor.
*/
package aggregator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/flowproj/flowdag/pkg/memory"
	"github.com/flowproj/flowdag/pkg/memory/binarystorage"
)

type phase int

const (
	phaseInsert phase = iota
	phaseSort
	phaseSorted
)

// SortedAggregator accepts key/value pairs and produces a fully ordered
// cursor over the aggregated set. It is single-threaded; Sort is sliced
// so a cooperative tasklet can interleave it with other work.
type SortedAggregator struct {
	store      *binarystorage.PartitionedStore
	comparator binarystorage.Comparator
	opts       *options

	phase       phase
	sorted      [][]binarystorage.Slot
	nextToSort  int
	spilledRuns []string
	accepted    int64
}

// New creates a SortedAggregator drawing blocks from mctx.
func New(mctx *memory.Context, comparator binarystorage.Comparator, opts ...Option) (*SortedAggregator, error) {
	options := defaultOptions()
	for _, o := range opts {
		if err := o(options); err != nil {
			return nil, err
		}
	}
	if comparator == nil {
		return nil, errors.New("comparator must not be nil")
	}
	store, err := binarystorage.NewPartitionedStore(mctx, options.chainingRule, options.byteOrder, options.partitionCount)
	if err != nil {
		return nil, err
	}
	return &SortedAggregator{
		store:      store,
		comparator: comparator,
		opts:       options,
	}, nil
}

// Accept inserts one pair. It returns false when a new record was needed,
// no block was available and spilling is disabled; the pair is not stored
// in that case. With spilling enabled, memory pressure spills the pair's
// partition (or the heaviest one when the pair's partition is empty) and
// the insert is retried once.
func (a *SortedAggregator) Accept(key, value []byte) bool {
	if a.phase != phaseInsert {
		panic("aggregator: Accept called after PrepareToSort")
	}
	if err := a.put(key, value); err != nil {
		var oom memory.OutOfMemoryErr
		if !errors.As(err, &oom) || !a.opts.spillingEnabled {
			return false
		}
		if err := a.spill(a.store.PartitionFor(key)); err != nil {
			return false
		}
		if err := a.put(key, value); err != nil {
			return false
		}
	}
	a.accepted++
	return true
}

func (a *SortedAggregator) put(key, value []byte) error {
	if a.opts.accumulator != nil {
		return a.store.PutAccumulate(key, value, a.opts.accumulator)
	}
	return a.store.Put(key, value)
}

// spill writes a partition out as a sorted run and frees its blocks. The
// preferred partition is the one that needed room; when it holds nothing
// to free, the heaviest partition goes instead.
func (a *SortedAggregator) spill(preferred int) error {
	target := preferred
	if a.store.Partition(target).IsEmpty() {
		target = -1
		heaviest := 0
		for i := 0; i < a.store.PartitionCount(); i++ {
			if u := a.store.Partition(i).ByteUsage(); u > heaviest {
				heaviest = u
				target = i
			}
		}
		if target == -1 {
			return memory.OutOfMemoryErr{Rule: a.opts.chainingRule}
		}
	}
	s := a.store.Partition(target)
	name, err := spillPartition(s, a.comparator, a.opts.sortOrder, a.opts.spillDir,
		len(a.spilledRuns), a.opts.byteOrder, a.opts.spillingBufferSize, a.opts.spillingChunkSize)
	if err != nil {
		return err
	}
	a.spilledRuns = append(a.spilledRuns, name)
	return nil
}

// PrepareToSort freezes inserts. Pairs were partitioned on the way in, so
// there is nothing to repartition; this only flips the phase.
func (a *SortedAggregator) PrepareToSort() {
	if a.phase != phaseInsert {
		return
	}
	a.phase = phaseSort
	a.sorted = make([][]binarystorage.Slot, a.store.PartitionCount())
	a.nextToSort = 0
}

// Sort performs one bounded slice of sorting work: one partition per
// call. It returns true once every partition is sorted and the cursor can
// be built; callers loop until then.
func (a *SortedAggregator) Sort() bool {
	if a.phase == phaseSorted {
		return true
	}
	if a.phase != phaseSort {
		panic("aggregator: Sort called before PrepareToSort")
	}
	for a.nextToSort < a.store.PartitionCount() {
		i := a.nextToSort
		a.nextToSort++
		s := a.store.Partition(i)
		if s.IsEmpty() {
			continue
		}
		a.sorted[i] = sortSlots(s, a.comparator, a.opts.sortOrder, nil)
		if a.nextToSort < a.store.PartitionCount() {
			return false
		}
		break
	}
	a.phase = phaseSorted
	return true
}

// Cursor returns the merged, ordered view over all in-memory partitions
// and spilled runs. Sort must have returned true.
func (a *SortedAggregator) Cursor() (*PairCursor, error) {
	if a.phase != phaseSorted {
		return nil, fmt.Errorf("aggregator: Cursor called before sorting finished")
	}
	return newPairCursor(a)
}

// Accepted returns the number of accepted pairs.
func (a *SortedAggregator) Accepted() int64 { return a.accepted }

// Dispose releases all blocks and removes any spilled runs.
func (a *SortedAggregator) Dispose() error {
	a.store.Dispose()
	var firstErr error
	for _, name := range a.spilledRuns {
		if err := removeRun(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.spilledRuns = nil
	return firstErr
}

// sortSlots orders the distinct-key chain heads of one storage. Record
// payloads stay in place; only the address array moves.
func sortSlots(s *binarystorage.Storage, cmp binarystorage.Comparator, order binarystorage.SortOrder,
	dst []binarystorage.Slot) []binarystorage.Slot {
	slots := s.HeadSlots(dst)
	sort.Slice(slots, func(i, j int) bool {
		c := cmp.Compare(s.KeyAt(slots[i]), s.KeyAt(slots[j]))
		if order == binarystorage.Desc {
			return c > 0
		}
		return c < 0
	})
	return slots
}
