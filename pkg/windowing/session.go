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
Package windowing groups events into per-key session windows defined by a
maximum inter-event gap. A new event opens a window [ts, ts+gap); an event
touching an existing window extends it; an event bridging two windows
merges them. A watermark proves that windows ending at or before it can no
longer grow, and they are emitted.

Events and windows under different keys are completely independent.
*/
package windowing

import (
	"fmt"
	"math"

	"github.com/flowproj/flowdag/pkg/flow"
	"github.com/flowproj/flowdag/pkg/processor"
)

// Session is the emitted result of one closed window.
type Session struct {
	Key       string
	Result    any
	Start     int64
	BeyondEnd int64
}

func (s Session) String() string {
	return fmt.Sprintf("session(%s, [%d..%d))", s.Key, s.Start, s.BeyondEnd)
}

// SessionOperator is the session-window processor. It is single-threaded
// and cooperative: emission pauses when the outbox fills and resumes on
// the re-presented watermark.
type SessionOperator struct {
	processor.Base

	gap   int64
	tsOf  func(flow.Item) int64
	keyOf func(flow.Item) string
	coll  Collector

	keyToSessions map[string]*sessionList
	deadlines     *deadlineIndex
	lastWatermark int64
	collectedUpTo int64
	pending       []flow.Item
}

// NewSessionOperator creates a session windower with the given maximum
// inter-event gap.
func NewSessionOperator(gap int64, tsOf func(flow.Item) int64, keyOf func(flow.Item) string, coll Collector) *SessionOperator {
	return &SessionOperator{
		gap:           gap,
		tsOf:          tsOf,
		keyOf:         keyOf,
		coll:          coll,
		keyToSessions: make(map[string]*sessionList),
		deadlines:     newDeadlineIndex(),
		lastWatermark: math.MinInt64,
		collectedUpTo: math.MinInt64,
	}
}

var _ processor.Processor = (*SessionOperator)(nil)

// TryProcess folds one event into its key's windows. Accumulation needs
// no outbox space, so it always succeeds.
func (p *SessionOperator) TryProcess(_ int, item flow.Item) bool {
	ts := p.tsOf(item)
	if ts <= p.lastWatermark {
		// late event
		return true
	}
	key := p.keyOf(item)
	probe := Interval{Start: ts, BeyondEnd: ts + p.gap}
	list := p.keyToSessions[key]
	if list == nil {
		list = &sessionList{}
		p.keyToSessions[key] = list
	}
	p.coll.Accumulate(p.resolveWindow(list, key, probe).acc, item)
	return true
}

// resolveWindow finds or creates the session the probe interval belongs
// to. At most two existing sessions can touch the probe because every
// session interval is at least gap long.
func (p *SessionOperator) resolveWindow(list *sessionList, key string, probe Interval) *session {
	i := list.searchTouching(probe)
	if i == len(list.sessions) || !list.sessions[i].iv.Touches(probe) {
		s := &session{iv: probe, acc: p.coll.Supplier()}
		list.insertAt(i, s)
		p.deadlines.add(probe.BeyondEnd, key)
		return s
	}
	lower := list.sessions[i]
	if lower.iv.Encompasses(probe) {
		return lower
	}
	if i+1 < len(list.sessions) && list.sessions[i+1].iv.Touches(probe) {
		// the event bridges two windows; combine them
		upper := list.sessions[i+1]
		p.deadlines.remove(lower.iv.BeyondEnd, key)
		p.deadlines.remove(upper.iv.BeyondEnd, key)
		lower.iv = Interval{Start: lower.iv.Start, BeyondEnd: upper.iv.BeyondEnd}
		lower.acc = p.coll.Combine(lower.acc, upper.acc)
		list.removeAt(i + 1)
		p.deadlines.add(lower.iv.BeyondEnd, key)
		return lower
	}
	merged := union(lower.iv, probe)
	if merged.BeyondEnd != lower.iv.BeyondEnd {
		p.deadlines.remove(lower.iv.BeyondEnd, key)
		p.deadlines.add(merged.BeyondEnd, key)
	}
	lower.iv = merged
	return lower
}

// TryProcessWatermark closes every window the watermark proves finished
// and forwards the watermark after them. Returns false while the outbox
// is too full to take the emissions; the state mutation happens only once
// per watermark value.
func (p *SessionOperator) TryProcessWatermark(_ int, wm flow.Watermark) bool {
	if wm.Seq > p.collectedUpTo {
		p.collectedUpTo = wm.Seq
		p.lastWatermark = wm.Seq
		for _, key := range p.deadlines.expireUpTo(wm.Seq) {
			list := p.keyToSessions[key]
			for _, s := range list.removeExpired(wm.Seq) {
				p.pending = append(p.pending, Session{
					Key:       key,
					Result:    p.coll.Finish(s.acc),
					Start:     s.iv.Start,
					BeyondEnd: s.iv.BeyondEnd,
				})
			}
			if list.empty() {
				delete(p.keyToSessions, key)
			}
		}
		p.pending = append(p.pending, wm)
	}
	return p.flushPending()
}

// Complete drains whatever emission is still pending.
func (p *SessionOperator) Complete() bool {
	return p.flushPending()
}

func (p *SessionOperator) flushPending() bool {
	for len(p.pending) > 0 {
		if p.Out.HasReachedLimit(-1) {
			return false
		}
		p.Out.Add(-1, p.pending[0])
		p.pending = p.pending[1:]
	}
	return true
}

// OpenWindows returns the number of open windows, for tests checking
// state is released.
func (p *SessionOperator) OpenWindows() int {
	n := 0
	for _, list := range p.keyToSessions {
		n += len(list.sessions)
	}
	return n
}
