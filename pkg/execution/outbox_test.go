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

package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowproj/flowdag/pkg/dag"
	"github.com/flowproj/flowdag/pkg/execution/conveyor"
	"github.com/flowproj/flowdag/pkg/flow"
)

func drainQueue(q *conveyor.Queue) []flow.Item {
	var items []flow.Item
	for {
		item, ok := q.Poll()
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

func newTestOutbox(pattern dag.ForwardPattern, downstream int, limit int) (*Outbox, []*conveyor.Queue) {
	queues := make([]*conveyor.Queue, downstream)
	for i := range queues {
		queues[i] = conveyor.NewQueue(16)
	}
	e := &dag.Edge{From: "a", To: "b", Pattern: pattern}
	if pattern == dag.Partitioned {
		e.Key = func(item flow.Item) []byte { return []byte(item.(string)) }
	}
	return NewOutbox([]*edgeWriter{newEdgeWriter(e, queues)}, limit), queues
}

func TestUnicastRoundRobins(t *testing.T) {
	out, queues := newTestOutbox(dag.Unicast, 2, 16)
	for i := 0; i < 4; i++ {
		out.Add(0, i)
	}
	assert.Equal(t, conveyor.MadeProgress, out.Flush())
	assert.True(t, out.IsEmpty())
	assert.Equal(t, []flow.Item{0, 2}, drainQueue(queues[0]))
	assert.Equal(t, []flow.Item{1, 3}, drainQueue(queues[1]))
}

func TestBroadcastReachesEveryInstance(t *testing.T) {
	out, queues := newTestOutbox(dag.Broadcast, 3, 16)
	out.Add(0, "b")
	out.Flush()
	for _, q := range queues {
		assert.Equal(t, []flow.Item{"b"}, drainQueue(q))
	}
}

func TestPartitionedRoutesConsistently(t *testing.T) {
	out, queues := newTestOutbox(dag.Partitioned, 4, 64)
	for i := 0; i < 10; i++ {
		out.Add(0, "stable-key")
	}
	out.Flush()
	nonEmpty := 0
	for _, q := range queues {
		if items := drainQueue(q); len(items) > 0 {
			nonEmpty++
			assert.Len(t, items, 10)
		}
	}
	assert.Equal(t, 1, nonEmpty)
}

func TestAllToOneGoesToInstanceZero(t *testing.T) {
	out, queues := newTestOutbox(dag.AllToOne, 3, 16)
	out.Add(0, "x")
	out.Add(0, "y")
	out.Flush()
	assert.Equal(t, []flow.Item{"x", "y"}, drainQueue(queues[0]))
	assert.Empty(t, drainQueue(queues[1]))
	assert.Empty(t, drainQueue(queues[2]))
}

func TestControlItemsFanOutOnEveryPattern(t *testing.T) {
	for _, pattern := range []dag.ForwardPattern{dag.Unicast, dag.Partitioned, dag.AllToOne} {
		out, queues := newTestOutbox(pattern, 2, 16)
		out.Add(0, flow.Watermark{Seq: 3})
		out.Flush()
		for i, q := range queues {
			assert.Equal(t, []flow.Item{flow.Watermark{Seq: 3}}, drainQueue(q), "pattern %s queue %d", pattern, i)
		}
	}
}

func TestBroadcastRetriesOnlyUnsentDestinations(t *testing.T) {
	out, queues := newTestOutbox(dag.Broadcast, 2, 16)
	// fill queue 1 so the first flush can only deliver to queue 0
	for queues[1].Offer("filler") {
	}
	out.Add(0, "item")
	out.Flush()
	assert.False(t, out.IsEmpty())
	assert.Equal(t, []flow.Item{"item"}, drainQueue(queues[0]))

	// queue 1 has room now; the retry must not re-deliver to queue 0
	drainQueue(queues[1])
	out.Flush()
	assert.True(t, out.IsEmpty())
	assert.Empty(t, drainQueue(queues[0]))
	items := drainQueue(queues[1])
	assert.Equal(t, []flow.Item{"item"}, items)
}

func TestHasReachedLimit(t *testing.T) {
	out, _ := newTestOutbox(dag.Unicast, 1, 2)
	assert.False(t, out.HasReachedLimit(0))
	out.Add(0, "a")
	out.Add(0, "b")
	assert.True(t, out.HasReachedLimit(0))
	assert.True(t, out.HasReachedLimit(-1))
}

func TestOutboxOverflowPanics(t *testing.T) {
	out, _ := newTestOutbox(dag.Unicast, 1, 2)
	require.Panics(t, func() {
		for i := 0; i < 10; i++ {
			out.Add(0, i)
		}
	})
}
