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

package binarystorage

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/flowproj/flowdag/pkg/memory"
)

// PartitionedStore spreads keys over a power-of-two number of independent
// storages. Partitioning keeps each hash index small and lets the sorter
// sort and spill partitions one at a time.
type PartitionedStore struct {
	partitions []*Storage
	mask       uint64
}

// NewPartitionedStore creates partitionCount storages. partitionCount
// must be a power of two.
func NewPartitionedStore(mctx *memory.Context, rule memory.ChainingRule, order binary.ByteOrder, partitionCount int) (*PartitionedStore, error) {
	if partitionCount < 1 || partitionCount&(partitionCount-1) != 0 {
		return nil, fmt.Errorf("partition count must be a power of two, got %d", partitionCount)
	}
	partitions := make([]*Storage, partitionCount)
	for i := range partitions {
		partitions[i] = NewStorage(mctx, rule, order)
	}
	return &PartitionedStore{partitions: partitions, mask: uint64(partitionCount - 1)}, nil
}

// PartitionFor maps key bytes to their partition index.
func (p *PartitionedStore) PartitionFor(key []byte) int {
	return int(murmur3.Sum64(key) & p.mask)
}

// Put appends a record to the key's partition.
func (p *PartitionedStore) Put(key, value []byte) error {
	return p.partitions[p.PartitionFor(key)].Put(key, value)
}

// PutAccumulate folds the value into the key's accumulator record.
func (p *PartitionedStore) PutAccumulate(key, value []byte, acc Accumulator) error {
	return p.partitions[p.PartitionFor(key)].PutAccumulate(key, value, acc)
}

// Lookup returns the head slot of the key's chain and its partition.
func (p *PartitionedStore) Lookup(key []byte) (partition int, slot Slot, found bool) {
	partition = p.PartitionFor(key)
	slot, found = p.partitions[partition].Lookup(key)
	return partition, slot, found
}

// PartitionCount returns the number of partitions.
func (p *PartitionedStore) PartitionCount() int { return len(p.partitions) }

// Partition returns the storage of one partition.
func (p *PartitionedStore) Partition(i int) *Storage { return p.partitions[i] }

// RecordCount returns the number of live records across all partitions.
func (p *PartitionedStore) RecordCount() int {
	n := 0
	for _, s := range p.partitions {
		n += s.RecordCount()
	}
	return n
}

// ByteUsage returns the live byte usage across all partitions.
func (p *PartitionedStore) ByteUsage() int {
	n := 0
	for _, s := range p.partitions {
		n += s.ByteUsage()
	}
	return n
}

// IsEmpty reports whether every partition is empty.
func (p *PartitionedStore) IsEmpty() bool {
	return p.RecordCount() == 0
}

// Dispose releases the blocks of every partition.
func (p *PartitionedStore) Dispose() {
	for _, s := range p.partitions {
		s.Dispose()
	}
}
