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

package windowing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowproj/flowdag/pkg/flow"
	"github.com/flowproj/flowdag/pkg/processor"
)

// captureOutbox records everything the operator emits.
type captureOutbox struct {
	items []flow.Item
	limit int
}

func (c *captureOutbox) BucketCount() int { return 1 }

func (c *captureOutbox) Add(_ int, item flow.Item) { c.items = append(c.items, item) }

func (c *captureOutbox) HasReachedLimit(int) bool {
	return c.limit > 0 && len(c.items) >= c.limit
}

type testEvent struct {
	key string
	ts  int64
}

func listCollector() Collector {
	return Collector{
		Supplier: func() any { return &[]int64{} },
		Accumulate: func(acc any, item flow.Item) {
			s := acc.(*[]int64)
			*s = append(*s, item.(testEvent).ts)
		},
		Combine: func(a, b any) any {
			s := a.(*[]int64)
			*s = append(*s, *b.(*[]int64)...)
			return a
		},
		Finish: func(acc any) any { return *acc.(*[]int64) },
	}
}

func newTestOperator(t *testing.T, gap int64) (*SessionOperator, *captureOutbox) {
	t.Helper()
	op := NewSessionOperator(gap,
		func(item flow.Item) int64 { return item.(testEvent).ts },
		func(item flow.Item) string { return item.(testEvent).key },
		listCollector())
	out := &captureOutbox{}
	require.NoError(t, op.Init(out, processor.Context{VertexName: "session"}))
	return op, out
}

func sessionsOf(out *captureOutbox) []Session {
	var sessions []Session
	for _, item := range out.items {
		if s, ok := item.(Session); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func TestTwoSessionsSeparatedByGap(t *testing.T) {
	op, out := newTestOperator(t, 10)
	for _, ts := range []int64{1, 5, 20, 25} {
		assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: ts}))
	}
	assert.Equal(t, 2, op.OpenWindows())

	assert.True(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 30}))
	sessions := sessionsOf(out)
	require.Len(t, sessions, 1)
	assert.Equal(t, "A", sessions[0].Key)
	assert.Equal(t, int64(1), sessions[0].Start)
	assert.Equal(t, int64(15), sessions[0].BeyondEnd)
	assert.Equal(t, []int64{1, 5}, sessions[0].Result)
	// the second window ends at 35, which watermark 30 does not prove
	assert.Equal(t, 1, op.OpenWindows())

	assert.True(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 40}))
	sessions = sessionsOf(out)
	require.Len(t, sessions, 2)
	assert.Equal(t, int64(20), sessions[1].Start)
	assert.Equal(t, int64(35), sessions[1].BeyondEnd)
	assert.Equal(t, []int64{20, 25}, sessions[1].Result)
	assert.Equal(t, 0, op.OpenWindows())
	// emptied per-key state is released
	assert.Empty(t, op.keyToSessions)
	assert.True(t, op.deadlines.empty())
}

func TestBridgingEventMergesTwoWindows(t *testing.T) {
	op, out := newTestOperator(t, 10)
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 1}))
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 15}))
	assert.Equal(t, 2, op.OpenWindows())

	// [8, 18) touches both [1, 11) and [15, 25)
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 8}))
	assert.Equal(t, 1, op.OpenWindows())

	assert.True(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 25}))
	sessions := sessionsOf(out)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1), sessions[0].Start)
	assert.Equal(t, int64(25), sessions[0].BeyondEnd)
	// the merged accumulator holds both windows' events plus the bridge
	assert.ElementsMatch(t, []int64{1, 15, 8}, sessions[0].Result)
}

func TestEventInsideExistingWindowExtendsItsEnd(t *testing.T) {
	op, _ := newTestOperator(t, 10)
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 10}))
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 12}))
	list := op.keyToSessions["A"]
	require.Len(t, list.sessions, 1)
	assert.Equal(t, Interval{Start: 10, BeyondEnd: 22}, list.sessions[0].iv)
}

func TestEventExtendsWindowBackwards(t *testing.T) {
	op, _ := newTestOperator(t, 10)
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 10}))
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 5}))
	list := op.keyToSessions["A"]
	require.Len(t, list.sessions, 1)
	assert.Equal(t, Interval{Start: 5, BeyondEnd: 20}, list.sessions[0].iv)
}

func TestLateEventsAreDropped(t *testing.T) {
	op, out := newTestOperator(t, 10)
	assert.True(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 100}))
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 100}))
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 50}))
	assert.Equal(t, 0, op.OpenWindows())
	assert.Empty(t, sessionsOf(out))

	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 101}))
	assert.Equal(t, 1, op.OpenWindows())
}

func TestKeysAreIndependent(t *testing.T) {
	op, out := newTestOperator(t, 10)
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 1}))
	assert.True(t, op.TryProcess(0, testEvent{key: "B", ts: 5}))
	assert.True(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 11}))

	sessions := sessionsOf(out)
	require.Len(t, sessions, 1)
	assert.Equal(t, "A", sessions[0].Key)
	assert.Equal(t, 1, op.OpenWindows())
}

func TestOpenWindowsStayPairwiseNonTouching(t *testing.T) {
	op, _ := newTestOperator(t, 5)
	// a scattered sequence with several merges along the way
	for _, ts := range []int64{10, 30, 50, 12, 28, 52, 20, 40, 41, 3, 60, 33} {
		assert.True(t, op.TryProcess(0, testEvent{key: "k", ts: ts}))
		list := op.keyToSessions["k"]
		for i := 0; i+1 < len(list.sessions); i++ {
			a, b := list.sessions[i].iv, list.sessions[i+1].iv
			assert.False(t, a.Touches(b), "windows %s and %s touch after ts=%d", a, b, ts)
			assert.Less(t, a.Start, b.Start)
		}
	}
}

func TestWatermarkForwardedAfterSessions(t *testing.T) {
	op, out := newTestOperator(t, 10)
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 1}))
	assert.True(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 20}))

	require.Len(t, out.items, 2)
	_, isSession := out.items[0].(Session)
	assert.True(t, isSession)
	assert.Equal(t, flow.Watermark{Seq: 20}, out.items[1])
}

func TestEmissionResumesWhenOutboxHasRoom(t *testing.T) {
	op, out := newTestOperator(t, 10)
	for i := 0; i < 5; i++ {
		assert.True(t, op.TryProcess(0, testEvent{key: fmt.Sprintf("key-%d", i), ts: 1}))
	}
	out.limit = 2
	// only two emissions fit; the watermark is refused and re-presented
	assert.False(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 50}))
	assert.Len(t, out.items, 2)

	out.limit = 0
	assert.True(t, op.TryProcessWatermark(0, flow.Watermark{Seq: 50}))
	// 5 sessions plus the watermark, sessions all emitted exactly once
	assert.Len(t, out.items, 6)
	assert.Len(t, sessionsOf(out), 5)
	assert.Equal(t, flow.Watermark{Seq: 50}, out.items[5])
}

func TestDeadlineIndexTracksMergedWindows(t *testing.T) {
	op, _ := newTestOperator(t, 10)
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 1}))
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 15}))
	assert.True(t, op.TryProcess(0, testEvent{key: "A", ts: 8}))
	// only the merged window's deadline remains
	assert.Equal(t, []int64{25}, op.deadlines.deadlines)
}
