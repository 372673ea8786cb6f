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

package aggregator

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/flowproj/flowdag/pkg/memory"
	"github.com/flowproj/flowdag/pkg/memory/binarystorage"
)

const (
	// DefaultPartitionCount is the default number of sort partitions.
	DefaultPartitionCount = 2
	// DefaultSpillingBufferSize is the default spill writer buffer.
	DefaultSpillingBufferSize = 1 << 16
	// DefaultSpillingChunkSize is the default flush granularity.
	DefaultSpillingChunkSize = 1 << 13
)

type options struct {
	partitionCount     int
	chainingRule       memory.ChainingRule
	sortOrder          binarystorage.SortOrder
	accumulator        binarystorage.Accumulator
	byteOrder          binary.ByteOrder
	spillingEnabled    bool
	spillDir           string
	spillingBufferSize int
	spillingChunkSize  int
}

func defaultOptions() *options {
	return &options{
		partitionCount:     DefaultPartitionCount,
		chainingRule:       memory.ChainHeap,
		sortOrder:          binarystorage.Asc,
		byteOrder:          binary.LittleEndian,
		spillDir:           os.TempDir(),
		spillingBufferSize: DefaultSpillingBufferSize,
		spillingChunkSize:  DefaultSpillingChunkSize,
	}
}

// Option customizes a SortedAggregator.
type Option func(*options) error

// WithPartitionCount sets the number of sort partitions, a power of two.
func WithPartitionCount(n int) Option {
	return func(o *options) error {
		if n < 1 || n&(n-1) != 0 {
			return fmt.Errorf("partition count must be a power of two, got %d", n)
		}
		o.partitionCount = n
		return nil
	}
}

// WithChainingRule sets which pools the backing store draws blocks from.
func WithChainingRule(rule memory.ChainingRule) Option {
	return func(o *options) error {
		o.chainingRule = rule
		return nil
	}
}

// WithSortOrder sets the cursor direction.
func WithSortOrder(order binarystorage.SortOrder) Option {
	return func(o *options) error {
		o.sortOrder = order
		return nil
	}
}

// WithAccumulator folds equal keys into one record with the given
// accumulator.
func WithAccumulator(acc binarystorage.Accumulator) Option {
	return func(o *options) error {
		o.accumulator = acc
		return nil
	}
}

// WithBigEndian stores multi-byte lengths and values big-endian.
func WithBigEndian(bigEndian bool) Option {
	return func(o *options) error {
		if bigEndian {
			o.byteOrder = binary.BigEndian
		} else {
			o.byteOrder = binary.LittleEndian
		}
		return nil
	}
}

// WithSpilling enables spilling into dir when the pools run dry.
func WithSpilling(dir string, bufferSize, chunkSize int) Option {
	return func(o *options) error {
		if bufferSize <= 0 || chunkSize <= 0 {
			return fmt.Errorf("spilling buffer/chunk sizes must be positive, got %d/%d", bufferSize, chunkSize)
		}
		o.spillingEnabled = true
		if dir != "" {
			o.spillDir = dir
		}
		o.spillingBufferSize = bufferSize
		o.spillingChunkSize = chunkSize
		return nil
	}
}
