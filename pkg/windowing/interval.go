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
	"sort"
)

// Interval is a half-open range [Start, BeyondEnd) on the event-sequence
// line.
type Interval struct {
	Start     int64
	BeyondEnd int64
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d..%d)", iv.Start, iv.BeyondEnd)
}

// Touches reports whether the two intervals overlap or are adjacent
// without a gap. The relation is reflexive and symmetric but not
// transitive; the session list relies on maintaining pairwise
// non-touching intervals, against which a touching probe finds at most
// two neighbors.
func (iv Interval) Touches(other Interval) bool {
	return iv.BeyondEnd >= other.Start && other.BeyondEnd >= iv.Start
}

// Encompasses reports whether iv fully contains inner.
func (iv Interval) Encompasses(inner Interval) bool {
	return iv.Start <= inner.Start && iv.BeyondEnd >= inner.BeyondEnd
}

func union(a, b Interval) Interval {
	iv := a
	if b.Start < iv.Start {
		iv.Start = b.Start
	}
	if b.BeyondEnd > iv.BeyondEnd {
		iv.BeyondEnd = b.BeyondEnd
	}
	return iv
}

// session is one open window: its interval plus the running accumulator.
type session struct {
	iv  Interval
	acc any
}

// sessionList keeps a key's open sessions ordered by start. The pairwise
// non-touching invariant makes the order by start and the order by end
// coincide, so binary search works on either bound.
type sessionList struct {
	sessions []*session
}

// searchTouching returns the index of the first session that could touch
// probe: the first one whose BeyondEnd >= probe.Start.
func (l *sessionList) searchTouching(probe Interval) int {
	return sort.Search(len(l.sessions), func(i int) bool {
		return l.sessions[i].iv.BeyondEnd >= probe.Start
	})
}

func (l *sessionList) insertAt(i int, s *session) {
	l.sessions = append(l.sessions, nil)
	copy(l.sessions[i+1:], l.sessions[i:])
	l.sessions[i] = s
}

func (l *sessionList) removeAt(i int) {
	copy(l.sessions[i:], l.sessions[i+1:])
	l.sessions = l.sessions[:len(l.sessions)-1]
}

// removeExpired removes and returns the sessions with BeyondEnd <= seq.
// They form a prefix of the list.
func (l *sessionList) removeExpired(seq int64) []*session {
	n := sort.Search(len(l.sessions), func(i int) bool {
		return l.sessions[i].iv.BeyondEnd > seq
	})
	expired := l.sessions[:n:n]
	l.sessions = l.sessions[n:]
	return expired
}

func (l *sessionList) empty() bool { return len(l.sessions) == 0 }
