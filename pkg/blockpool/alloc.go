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

import (
	"fmt"
)

type allocOptions struct {
	retry  bool
	urgent bool
}

// AllocOption is an option for a single allocation.
type AllocOption func(*allocOptions)

// MayRetry allows an allocation to retry a few times with a short delay
// if the bucket is empty.
func MayRetry() AllocOption {
	return func(o *allocOptions) {
		o.retry = true
	}
}

// Urgent marks an allocation urgent. Urgent allocations are never denied
// by priority gating.
func Urgent() AllocOption {
	return func(o *allocOptions) {
		o.urgent = true
	}
}

type freeOptions struct {
	bypass bool
}

// FreeOption is an option for freeing a single block.
type FreeOption func(*freeOptions)

// Bypass releases a block directly to the RawAllocator instead of caching it.
func Bypass() FreeOption {
	return func(o *freeOptions) {
		o.bypass = true
	}
}

// Alloc allocates a block from the bucket of the given size class and
// priority. It returns false if the bucket could not serve the request.
// In that case the caller should fall back to the RawAllocator. Errors
// are only returned for unknown buckets.
func (m *Manager) Alloc(class SizeClass, prio Priority, options ...AllocOption) (*Block, bool, error) {
	b, err := m.Bucket(class, prio)
	if err != nil {
		return nil, false, err
	}

	o := allocOptions{}
	for _, opt := range options {
		opt(&o)
	}

	for retries := 0; ; retries++ {
		blk, gated, low := b.get(o.urgent, m.gating)
		if low {
			b.worker.wake()
		}

		if blk != nil {
			b.countRetries(retries)
			return blk, true, nil
		}

		if gated {
			return nil, false, nil
		}

		if !o.retry || retries >= m.retryAttempts {
			b.countMiss(retries)
			return nil, false, nil
		}

		m.clock.Sleep(m.retryDelay)
	}
}

// AllocOrFallback allocates a block from the bucket of the given size
// class and priority, falling back to the RawAllocator on a miss. Blocks
// allocated by fallback are returned to the pool by Free like any other.
func (m *Manager) AllocOrFallback(class SizeClass, prio Priority, options ...AllocOption) (*Block, error) {
	blk, ok, err := m.Alloc(class, prio, options...)
	if err != nil {
		return nil, err
	}
	if ok {
		return blk, nil
	}

	b := m.buckets[key{class: class, prio: prio}]
	mem, err := m.raw.Alloc(class, b.intent)
	if err != nil {
		return nil, fmt.Errorf("%s: fallback allocation failed: %w", b, err)
	}

	return newBlock(b, mem), nil
}

// Free returns a block to the bucket it was allocated from. The block is
// released to the RawAllocator instead if bypass is requested or the
// bucket is full. Freeing a block allocated by another Manager or
// freeing a block twice is an error.
func (m *Manager) Free(blk *Block, options ...FreeOption) error {
	if blk == nil || blk.bucket == nil || m.buckets[blk.bucket.key()] != blk.bucket {
		return fmt.Errorf("%w: block %p", ErrForeignBlock, blk)
	}

	if err := blk.release(); err != nil {
		return err
	}

	o := freeOptions{}
	for _, opt := range options {
		opt(&o)
	}

	b := blk.bucket

	switch {
	case o.bypass:
		b.countReleased()
	case b.intent.Has(IntentZero) && b.releaseIfFull():
		// Don't zero blocks which are not going to be cached.
	default:
		if b.intent.Has(IntentZero) {
			clear(blk.mem)
		}
		if b.put(blk) {
			return nil
		}
	}

	blk.setState(blockReleased)
	m.raw.Free(blk.mem, b.class)

	return nil
}
