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

package memory

import "fmt"

// OutOfMemoryErr is returned when a store needs a new block and no
// admissible pool can provide one.
type OutOfMemoryErr struct {
	Requested int
	BlockSize int
	Rule      ChainingRule
}

func (e OutOfMemoryErr) Error() string {
	return fmt.Sprintf("out of memory in store: requested %d bytes, block size %d, rule %s, no block available",
		e.Requested, e.BlockSize, e.Rule)
}
