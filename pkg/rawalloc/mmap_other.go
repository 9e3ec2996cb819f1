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

//go:build !linux

package rawalloc

import (
	"fmt"

	"github.com/containers/blockpool/pkg/blockpool"
	"github.com/containers/blockpool/pkg/mempolicy"
)

// Mmap is not supported on this platform.
type Mmap struct {
	usage
}

// NewMmap fails on this platform.
func NewMmap(*mempolicy.Policy) (*Mmap, error) {
	return nil, fmt.Errorf("rawalloc: mmap allocator not supported on this platform")
}

// Alloc implements blockpool.RawAllocator.
func (m *Mmap) Alloc(blockpool.SizeClass, blockpool.Intent) ([]byte, error) {
	return nil, blockpool.ErrNoMem
}

// Free implements blockpool.RawAllocator.
func (m *Mmap) Free([]byte, blockpool.SizeClass) {}
