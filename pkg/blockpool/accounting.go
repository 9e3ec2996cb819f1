// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockpool

import "sync/atomic"

// Accounting is a global counter of memory held by pools. It is adjusted
// by the size of every block pushed to or popped from a bucket.
type Accounting interface {
	Add(bytes int64)
}

// Counter is an Accounting implementation backed by an atomic counter.
type Counter struct {
	bytes atomic.Int64
}

var _ Accounting = &Counter{}

// Add adjusts the counter by the given amount.
func (c *Counter) Add(bytes int64) {
	c.bytes.Add(bytes)
}

// Value returns the current value of the counter.
func (c *Counter) Value() int64 {
	return c.bytes.Load()
}

type noAccounting struct{}

func (noAccounting) Add(int64) {}
