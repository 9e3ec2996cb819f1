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

	"golang.org/x/sys/unix"

	"github.com/containers/blockpool/pkg/blockpool"
	"github.com/containers/blockpool/pkg/mempolicy"
)

const (
	// hugePageOrder is the smallest size class backed by transparent huge pages.
	hugePageOrder blockpool.SizeClass = 9
)

// Mmap allocates blocks as anonymous private memory mappings.
type Mmap struct {
	usage
	policy *mempolicy.Policy
}

// NewMmap creates a new mmap allocator. If policy is not nil, it is
// applied to every new mapping.
func NewMmap(policy *mempolicy.Policy) (*Mmap, error) {
	if policy != nil {
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("rawalloc: %w", err)
		}
		log.Info("mmap allocator using memory policy %s", policy)
	}
	return &Mmap{policy: policy}, nil
}

// Alloc implements blockpool.RawAllocator. Fresh mappings are always zeroed.
func (m *Mmap) Alloc(class blockpool.SizeClass, intent blockpool.Intent) ([]byte, error) {
	if !class.IsValid() {
		return nil, fmt.Errorf("%w: %d", blockpool.ErrInvalidSizeClass, int(class))
	}

	size := int(class.Size())
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		if !intent.Has(blockpool.IntentNoWarn) {
			log.Warn("failed to map %s: %v", class, err)
		}
		return nil, fmt.Errorf("%w: mmap of %s failed: %w", blockpool.ErrNoMem, class, err)
	}

	if m.policy != nil {
		if err := m.policy.Apply(mem); err != nil {
			_ = unix.Munmap(mem)
			return nil, fmt.Errorf("%w: %w", blockpool.ErrNoMem, err)
		}
	}

	if class >= hugePageOrder {
		if err := unix.Madvise(mem, unix.MADV_HUGEPAGE); err != nil {
			log.Debug("failed to advise huge pages for %s: %v", class, err)
		}
	}

	m.add(class.Size())

	return mem, nil
}

// Free implements blockpool.RawAllocator.
func (m *Mmap) Free(mem []byte, class blockpool.SizeClass) {
	if err := unix.Munmap(mem); err != nil {
		log.Error("failed to unmap %s: %v", class, err)
		return
	}
	m.sub(class.Size())
}
