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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowproj/flowdag/pkg/memory"
)

func newTestStorage(t *testing.T, budgetBlocks int) (*Storage, *memory.Pool) {
	t.Helper()
	pool := memory.NewPool(memory.HeapBlock, 4096, int64(budgetBlocks)*4096)
	mctx := memory.NewContext(pool, nil)
	return NewStorage(mctx, memory.ChainHeap, binary.LittleEndian), pool
}

func TestPutAndLookup(t *testing.T) {
	s, _ := newTestStorage(t, 16)
	assert.True(t, s.IsEmpty())

	require.NoError(t, s.Put([]byte("alpha"), []byte("1")))
	require.NoError(t, s.Put([]byte("beta"), []byte("2")))
	assert.Equal(t, 2, s.RecordCount())
	assert.Equal(t, 2, s.KeyCount())
	assert.False(t, s.IsEmpty())

	slot, found := s.Lookup([]byte("alpha"))
	require.True(t, found)
	assert.Equal(t, []byte("alpha"), s.KeyAt(slot))
	assert.Equal(t, []byte("1"), s.ValueAt(slot))

	_, found = s.Lookup([]byte("gamma"))
	assert.False(t, found)
}

func TestDuplicateKeysChainInInsertionOrder(t *testing.T) {
	s, _ := newTestStorage(t, 16)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put([]byte("k"), []byte(fmt.Sprintf("v%d", i))))
	}
	assert.Equal(t, 5, s.RecordCount())
	assert.Equal(t, 1, s.KeyCount())

	slot, found := s.Lookup([]byte("k"))
	require.True(t, found)
	var values []string
	for ; slot != NilSlot; slot = s.NextOf(slot) {
		values = append(values, string(s.ValueAt(slot)))
	}
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, values)
}

func TestAccumulateUpdatesInPlace(t *testing.T) {
	s, _ := newTestStorage(t, 16)
	acc := IntSumAccumulator{Order: binary.LittleEndian}
	val := func(n uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, n)
		return b
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, s.PutAccumulate([]byte("counter"), val(1), acc))
	}
	// one slot per key, in-place updates never append
	assert.Equal(t, 1, s.RecordCount())

	slot, found := s.Lookup([]byte("counter"))
	require.True(t, found)
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(s.ValueAt(slot)))
	assert.Equal(t, NilSlot, s.NextOf(slot))
}

// growingAccumulator concatenates values, forcing the replacement path.
type growingAccumulator struct{}

func (growingAccumulator) CombineSerialized(existing, incoming []byte) []byte {
	out := make([]byte, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	return append(out, incoming...)
}

func TestAccumulateReplacesWhenValueGrows(t *testing.T) {
	s, _ := newTestStorage(t, 16)
	require.NoError(t, s.PutAccumulate([]byte("k"), []byte("ab"), growingAccumulator{}))
	require.NoError(t, s.PutAccumulate([]byte("k"), []byte("cd"), growingAccumulator{}))
	assert.Equal(t, 1, s.RecordCount())

	slot, found := s.Lookup([]byte("k"))
	require.True(t, found)
	assert.Equal(t, []byte("abcd"), s.ValueAt(slot))

	// the dead predecessor is invisible to the scan
	it := s.Scan()
	count := 0
	for it.Advance() {
		count++
		assert.Equal(t, []byte("abcd"), it.Value())
	}
	assert.Equal(t, 1, count)
}

func TestScanYieldsInsertionOrder(t *testing.T) {
	s, _ := newTestStorage(t, 16)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("v")))
	}
	it := s.Scan()
	i := 0
	for it.Advance() {
		assert.Equal(t, fmt.Sprintf("key-%03d", i), string(it.Key()))
		i++
	}
	assert.Equal(t, 100, i)
}

func TestHashIndexGrowsPastInitialCapacity(t *testing.T) {
	s, _ := newTestStorage(t, 64)
	n := initialIndexCapacity * 2
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%06d", i)), []byte("x")))
	}
	assert.Equal(t, n, s.KeyCount())
	for i := 0; i < n; i += 97 {
		slot, found := s.Lookup([]byte(fmt.Sprintf("key-%06d", i)))
		require.True(t, found)
		assert.Equal(t, []byte("x"), s.ValueAt(slot))
	}
}

func TestPutFailsWhenPoolExhausted(t *testing.T) {
	s, pool := newTestStorage(t, 1)
	big := make([]byte, 3000)
	require.NoError(t, s.Put([]byte("a"), big))
	err := s.Put([]byte("b"), big)
	require.Error(t, err)
	var oom memory.OutOfMemoryErr
	assert.ErrorAs(t, err, &oom)

	s.Dispose()
	assert.Equal(t, int64(0), pool.InUse())
}

func TestRecordLargerThanBlockFails(t *testing.T) {
	s, _ := newTestStorage(t, 4)
	err := s.Put([]byte("k"), make([]byte, 8192))
	require.Error(t, err)
}

func TestByteUsageTracksLiveRecords(t *testing.T) {
	s, _ := newTestStorage(t, 16)
	require.NoError(t, s.Put([]byte("abc"), []byte("de")))
	assert.Equal(t, 16+3+2, s.ByteUsage())
	require.NoError(t, s.PutAccumulate([]byte("xyz"), []byte("12"), growingAccumulator{}))
	require.NoError(t, s.PutAccumulate([]byte("xyz"), []byte("34"), growingAccumulator{}))
	// the replaced record no longer counts
	assert.Equal(t, (16+3+2)+(16+3+4), s.ByteUsage())
}

func TestDisposeReturnsAllBlocks(t *testing.T) {
	s, pool := newTestStorage(t, 32)
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("payload")))
	}
	assert.Greater(t, pool.InUse(), int64(0))
	s.Dispose()
	assert.Equal(t, int64(0), pool.InUse())
}

func TestPartitionedStoreRoutesByHash(t *testing.T) {
	pool := memory.NewPool(memory.HeapBlock, 4096, 64*4096)
	mctx := memory.NewContext(pool, nil)
	ps, err := NewPartitionedStore(mctx, memory.ChainHeap, binary.LittleEndian, 4)
	require.NoError(t, err)

	for i := 0; i < 400; i++ {
		require.NoError(t, ps.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}
	assert.Equal(t, 400, ps.RecordCount())

	total := 0
	for i := 0; i < ps.PartitionCount(); i++ {
		total += ps.Partition(i).RecordCount()
	}
	assert.Equal(t, 400, total)

	partition, slot, found := ps.Lookup([]byte("key-42"))
	require.True(t, found)
	assert.Equal(t, ps.PartitionFor([]byte("key-42")), partition)
	assert.Equal(t, []byte("key-42"), ps.Partition(partition).KeyAt(slot))

	ps.Dispose()
	assert.Equal(t, int64(0), pool.InUse())
}

func TestPartitionedStoreRejectsNonPowerOfTwo(t *testing.T) {
	pool := memory.NewPool(memory.HeapBlock, 4096, 4096)
	mctx := memory.NewContext(pool, nil)
	_, err := NewPartitionedStore(mctx, memory.ChainHeap, binary.LittleEndian, 3)
	assert.Error(t, err)
}

func TestBigEndianLayout(t *testing.T) {
	pool := memory.NewPool(memory.HeapBlock, 4096, 4*4096)
	mctx := memory.NewContext(pool, nil)
	s := NewStorage(mctx, memory.ChainHeap, binary.BigEndian)
	require.NoError(t, s.Put([]byte("key"), []byte("value")))
	slot, found := s.Lookup([]byte("key"))
	require.True(t, found)
	assert.Equal(t, []byte("value"), s.ValueAt(slot))
}
