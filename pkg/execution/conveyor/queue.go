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
Package conveyor moves items between tasklets. Every edge between one
producer instance and one consumer instance is a single 1-to-1 lock-free
ring; the consumer side aggregates its rings into an inbound edge stream
that keeps fan-in watermarks coherent.
*/
package conveyor

import (
	"sync/atomic"

	"github.com/flowproj/flowdag/pkg/flow"
)

// Queue is a bounded single-producer single-consumer ring. Offer is
// called only by the producer goroutine, Poll only by the consumer; no
// other concurrency is supported. Head and tail live on their own cache
// lines so the two sides do not false-share.
type Queue struct {
	buf  []flow.Item
	mask uint64
	_    [40]byte
	tail uint64
	_    [56]byte
	head uint64
	_    [56]byte
}

// NewQueue creates a queue with capacity rounded up to a power of two.
func NewQueue(capacity int) *Queue {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &Queue{buf: make([]flow.Item, size), mask: size - 1}
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Offer enqueues one item. It returns false when the queue is full.
// Producer side only.
func (q *Queue) Offer(item flow.Item) bool {
	tail := atomic.LoadUint64(&q.tail)
	head := atomic.LoadUint64(&q.head)
	if tail-head >= uint64(len(q.buf)) {
		return false
	}
	q.buf[tail&q.mask] = item
	atomic.StoreUint64(&q.tail, tail+1)
	return true
}

// Poll dequeues one item. ok is false when the queue is empty.
// Consumer side only.
func (q *Queue) Poll() (item flow.Item, ok bool) {
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)
	if head == tail {
		return nil, false
	}
	item = q.buf[head&q.mask]
	q.buf[head&q.mask] = nil
	atomic.StoreUint64(&q.head, head+1)
	return item, true
}

// Size returns the number of items currently queued.
func (q *Queue) Size() int {
	return int(atomic.LoadUint64(&q.tail) - atomic.LoadUint64(&q.head))
}
