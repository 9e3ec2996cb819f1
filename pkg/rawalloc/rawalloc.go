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

package rawalloc

import (
	"fmt"
	"sync/atomic"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1/blockpool"
	"github.com/containers/blockpool/pkg/blockpool"
	logger "github.com/containers/blockpool/pkg/log"
	"github.com/containers/blockpool/pkg/mempolicy"
)

var (
	log = logger.Get("rawalloc")
)

// Allocator is a blockpool.RawAllocator which keeps track of its usage.
type Allocator interface {
	blockpool.RawAllocator
	// Usage returns the number of live allocations and their total size.
	Usage() (int64, int64)
}

// New creates an allocator for the given configuration. If a limit is
// set, the allocator fails allocations which would exceed it in total.
func New(cfg *cfgapi.RawAllocatorConfig) (Allocator, error) {
	var (
		a      Allocator
		policy *mempolicy.Policy
		err    error
	)

	if p := cfg.MemoryPolicy; p != nil {
		if cfg.Kind != cfgapi.MmapAllocator {
			return nil, fmt.Errorf("rawalloc: memory policy needs the %s allocator", cfgapi.MmapAllocator)
		}
		if policy, err = mempolicy.NewPolicy(p.Mode, p.Flags, p.Nodes); err != nil {
			return nil, fmt.Errorf("rawalloc: %w", err)
		}
		if online, err := mempolicy.OnlineNodes(mempolicy.SysRoot); err != nil {
			log.Warn("can't verify memory policy nodes: %v", err)
		} else if err := policy.CheckNodes(online); err != nil {
			return nil, fmt.Errorf("rawalloc: %w", err)
		}
	}

	switch cfg.Kind {
	case cfgapi.HeapAllocator, "":
		a = NewHeap()
	case cfgapi.MmapAllocator:
		m, err := NewMmap(policy)
		if err != nil {
			return nil, err
		}
		a = m
	default:
		return nil, fmt.Errorf("rawalloc: unknown allocator %q", cfg.Kind)
	}

	if q := cfg.Limit; q != nil && q.Value() > 0 {
		log.Info("limiting %s allocator to %s", cfg.Kind, q)
		a = NewLimited(a, q.Value())
	}

	return a, nil
}

type usage struct {
	count atomic.Int64
	bytes atomic.Int64
}

func (u *usage) add(size int64) {
	u.count.Add(1)
	u.bytes.Add(size)
}

func (u *usage) sub(size int64) {
	u.count.Add(-1)
	u.bytes.Add(-size)
}

func (u *usage) Usage() (int64, int64) {
	return u.count.Load(), u.bytes.Load()
}

// Heap allocates blocks from the Go heap.
type Heap struct {
	usage
}

// NewHeap creates a new heap allocator.
func NewHeap() *Heap {
	return &Heap{}
}

// Alloc implements blockpool.RawAllocator. Heap memory is always zeroed.
func (h *Heap) Alloc(class blockpool.SizeClass, _ blockpool.Intent) ([]byte, error) {
	if !class.IsValid() {
		return nil, fmt.Errorf("%w: %d", blockpool.ErrInvalidSizeClass, int(class))
	}
	h.add(class.Size())
	return make([]byte, class.Size()), nil
}

// Free implements blockpool.RawAllocator.
func (h *Heap) Free(_ []byte, class blockpool.SizeClass) {
	h.sub(class.Size())
}

// Limited caps the total memory allocated from another allocator.
type Limited struct {
	Allocator
	limit int64
	used  atomic.Int64
}

// NewLimited creates an allocator allowing at most limit bytes to be
// allocated from a at any time.
func NewLimited(a Allocator, limit int64) *Limited {
	return &Limited{
		Allocator: a,
		limit:     limit,
	}
}

// Alloc implements blockpool.RawAllocator.
func (l *Limited) Alloc(class blockpool.SizeClass, intent blockpool.Intent) ([]byte, error) {
	size := class.Size()
	for {
		used := l.used.Load()
		if used+size > l.limit {
			return nil, fmt.Errorf("%w: %s would exceed limit (%d of %d bytes in use)",
				blockpool.ErrNoMem, class, used, l.limit)
		}
		if l.used.CompareAndSwap(used, used+size) {
			break
		}
	}

	mem, err := l.Allocator.Alloc(class, intent)
	if err != nil {
		l.used.Add(-size)
		return nil, err
	}

	return mem, nil
}

// Free implements blockpool.RawAllocator.
func (l *Limited) Free(mem []byte, class blockpool.SizeClass) {
	l.Allocator.Free(mem, class)
	l.used.Add(-class.Size())
}

// Limit returns the limit of the allocator in bytes.
func (l *Limited) Limit() int64 {
	return l.limit
}
