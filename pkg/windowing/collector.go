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

import "github.com/flowproj/flowdag/pkg/flow"

// Collector carries the aggregation logic of a windowed operator:
// how to create per-window state, fold events into it, merge the state of
// two windows, and turn it into the emitted result. Combine must be
// associative; windows merge in an order driven by event arrival.
type Collector struct {
	// Supplier creates an empty accumulator.
	Supplier func() any
	// Accumulate folds one event into the accumulator.
	Accumulate func(acc any, item flow.Item)
	// Combine merges two accumulators into one.
	Combine func(a, b any) any
	// Finish converts the accumulator into the window result.
	Finish func(acc any) any
}
