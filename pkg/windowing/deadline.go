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

import "sort"

// deadlineIndex maps interval ends to the keys owning a window that ends
// there, so a watermark expires windows without scanning every key.
type deadlineIndex struct {
	deadlines []int64
	keys      map[int64]map[string]struct{}
}

func newDeadlineIndex() *deadlineIndex {
	return &deadlineIndex{keys: make(map[int64]map[string]struct{})}
}

func (d *deadlineIndex) add(deadline int64, key string) {
	set, ok := d.keys[deadline]
	if !ok {
		set = make(map[string]struct{})
		d.keys[deadline] = set
		i := sort.Search(len(d.deadlines), func(i int) bool { return d.deadlines[i] >= deadline })
		d.deadlines = append(d.deadlines, 0)
		copy(d.deadlines[i+1:], d.deadlines[i:])
		d.deadlines[i] = deadline
	}
	set[key] = struct{}{}
}

func (d *deadlineIndex) remove(deadline int64, key string) {
	set, ok := d.keys[deadline]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) > 0 {
		return
	}
	delete(d.keys, deadline)
	i := sort.Search(len(d.deadlines), func(i int) bool { return d.deadlines[i] >= deadline })
	if i < len(d.deadlines) && d.deadlines[i] == deadline {
		d.deadlines = append(d.deadlines[:i], d.deadlines[i+1:]...)
	}
}

// expireUpTo removes every entry with deadline <= seq and returns the
// distinct keys they named, in deadline order.
func (d *deadlineIndex) expireUpTo(seq int64) []string {
	n := sort.Search(len(d.deadlines), func(i int) bool { return d.deadlines[i] > seq })
	if n == 0 {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, deadline := range d.deadlines[:n] {
		set := d.keys[deadline]
		names := make([]string, 0, len(set))
		for k := range set {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
		delete(d.keys, deadline)
	}
	d.deadlines = d.deadlines[n:]
	return out
}

func (d *deadlineIndex) empty() bool { return len(d.deadlines) == 0 }
