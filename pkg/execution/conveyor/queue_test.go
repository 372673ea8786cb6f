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

package conveyor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRoundsCapacityUpToPowerOfTwo(t *testing.T) {
	q := NewQueue(100)
	assert.Equal(t, 128, q.Cap())
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 8; i++ {
		assert.True(t, q.Offer(i))
	}
	// full
	assert.False(t, q.Offer(99))
	assert.Equal(t, 8, q.Size())

	for i := 0; i < 8; i++ {
		item, ok := q.Poll()
		require.True(t, ok)
		assert.Equal(t, i, item)
	}
	_, ok := q.Poll()
	assert.False(t, ok)
}

func TestQueueWrapsAround(t *testing.T) {
	q := NewQueue(4)
	for round := 0; round < 100; round++ {
		assert.True(t, q.Offer(round))
		item, ok := q.Poll()
		require.True(t, ok)
		assert.Equal(t, round, item)
	}
}

func TestQueueSingleProducerSingleConsumer(t *testing.T) {
	const n = 100_000
	q := NewQueue(64)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if q.Offer(i) {
				i++
			}
		}
	}()

	received := make([]int, 0, n)
	go func() {
		defer wg.Done()
		for len(received) < n {
			if item, ok := q.Poll(); ok {
				received = append(received, item.(int))
			}
		}
	}()

	wg.Wait()
	require.Len(t, received, n)
	for i, v := range received {
		require.Equal(t, i, v)
	}
}
