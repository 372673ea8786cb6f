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

package flow

import "fmt"

// WatermarkMisorderErr is raised when producers feeding the same fan-in
// edge disagree on the watermark sequence. All producers must produce
// equal watermarks in the same order, so this is fatal to the job.
type WatermarkMisorderErr struct {
	Edge    string
	Pending Watermark
	Seen    Watermark
}

func (e WatermarkMisorderErr) Error() string {
	return fmt.Sprintf("(%s) watermark emitted by one producer not in order with watermark produced by another, wm1=%s, wm2=%s",
		e.Edge, e.Pending, e.Seen)
}
