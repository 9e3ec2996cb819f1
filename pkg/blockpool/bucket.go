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
	"sync"
	"time"
)

// BucketConfig describes a single bucket.
type BucketConfig struct {
	// SizeClass of blocks in the bucket.
	SizeClass SizeClass
	// Priority class of the bucket.
	Priority Priority
	// Group is the name of the fill worker serving the bucket. Buckets
	// without a group are served by a per size class worker.
	Group string
	// LowWatermark is the block count below which refilling is triggered,
	// and below which non-urgent allocations are denied if gating is on.
	LowWatermark int
	// HighWatermark is the maximum number of cached blocks.
	HighWatermark int
	// MinReserve is the floor for non-forced shrinking.
	MinReserve int
	// Intent is passed to the RawAllocator when growing the bucket.
	Intent Intent
}

func (c *BucketConfig) validate() error {
	if !c.SizeClass.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidSizeClass, int(c.SizeClass))
	}
	if !c.Priority.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(c.Priority))
	}
	return checkWatermarks(c.MinReserve, c.LowWatermark, c.HighWatermark)
}

func (c *BucketConfig) groupName() string {
	if c.Group != "" {
		return c.Group
	}
	return fmt.Sprintf("order-%d", int(c.SizeClass))
}

func checkWatermarks(minReserve, low, high int) error {
	if minReserve < 0 || low < minReserve || high < low {
		return fmt.Errorf("%w: need 0 <= minReserve (%d) <= low (%d) <= high (%d)",
			ErrInvalidWatermarks, minReserve, low, high)
	}
	return nil
}

// Bucket is a free list of blocks of one size class and priority.
type Bucket struct {
	class  SizeClass
	prio   Priority
	group  string
	intent Intent
	acct   Accounting
	worker *fillWorker

	mu         sync.Mutex
	head       *Block
	count      int
	low        int
	high       int
	minReserve int
	lastShrink time.Time
	stats      bucketCounters
}

type bucketCounters struct {
	hits         uint64
	misses       uint64
	gated        uint64
	retries      uint64
	filled       uint64
	fillFailures uint64
	returned     uint64
	released     uint64
	shrunk       uint64
}

// BucketStats is a snapshot of the state of a bucket.
type BucketStats struct {
	SizeClass     SizeClass
	Priority      Priority
	Group         string
	Count         int
	LowWatermark  int
	HighWatermark int
	MinReserve    int
	LastShrink    time.Time
	// Hits is the number of allocations served from the bucket.
	Hits uint64
	// Misses is the number of allocations the bucket failed to serve.
	Misses uint64
	// Gated is the number of non-urgent allocations denied by gating.
	Gated uint64
	// Retries is the number of delayed allocation retries.
	Retries uint64
	// Filled is the number of blocks added by the fill worker.
	Filled uint64
	// FillFailures is the number of failed RawAllocator calls while filling.
	FillFailures uint64
	// Returned is the number of blocks cached again after being freed.
	Returned uint64
	// Released is the number of freed blocks passed on to the RawAllocator.
	Released uint64
	// Shrunk is the number of cached blocks released by shrinking.
	Shrunk uint64
}

func newBucket(cfg *BucketConfig, acct Accounting) *Bucket {
	return &Bucket{
		class:      cfg.SizeClass,
		prio:       cfg.Priority,
		group:      cfg.groupName(),
		intent:     cfg.Intent,
		acct:       acct,
		low:        cfg.LowWatermark,
		high:       cfg.HighWatermark,
		minReserve: cfg.MinReserve,
	}
}

func (b *Bucket) key() key {
	return key{class: b.class, prio: b.prio}
}

// SizeClass returns the size class of the bucket.
func (b *Bucket) SizeClass() SizeClass {
	return b.class
}

// Priority returns the priority class of the bucket.
func (b *Bucket) Priority() Priority {
	return b.prio
}

// Group returns the name of the fill worker group of the bucket.
func (b *Bucket) Group() string {
	return b.group
}

// Intent returns the allocation intent of the bucket.
func (b *Bucket) Intent() Intent {
	return b.intent
}

// Count returns the number of cached blocks.
func (b *Bucket) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// LowWatermark returns the low watermark of the bucket.
func (b *Bucket) LowWatermark() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.low
}

// HighWatermark returns the high watermark of the bucket.
func (b *Bucket) HighWatermark() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.high
}

// MinReserve returns the minimum reserve of the bucket.
func (b *Bucket) MinReserve() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minReserve
}

// LastShrinkTime returns the time the bucket was last shrunk.
func (b *Bucket) LastShrinkTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastShrink
}

// AllocFailCount returns the number of failed RawAllocator calls while
// filling the bucket.
func (b *Bucket) AllocFailCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.fillFailures
}

// Stats returns a snapshot of the state of the bucket.
func (b *Bucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketStats{
		SizeClass:     b.class,
		Priority:      b.prio,
		Group:         b.group,
		Count:         b.count,
		LowWatermark:  b.low,
		HighWatermark: b.high,
		MinReserve:    b.minReserve,
		LastShrink:    b.lastShrink,
		Hits:          b.stats.hits,
		Misses:        b.stats.misses,
		Gated:         b.stats.gated,
		Retries:       b.stats.retries,
		Filled:        b.stats.filled,
		FillFailures:  b.stats.fillFailures,
		Returned:      b.stats.returned,
		Released:      b.stats.released,
		Shrunk:        b.stats.shrunk,
	}
}

// String returns a string representation of the bucket.
func (b *Bucket) String() string {
	return "bucket " + b.key().String()
}

// get pops a block, unless gating denies the caller. It returns whether
// the bucket is below its low watermark, which calls for a refill.
func (b *Bucket) get(urgent, gating bool) (blk *Block, gated, low bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gating && !urgent && b.count < b.low {
		b.stats.gated++
		return nil, true, true
	}

	if blk = b.pop(); blk == nil {
		return nil, false, b.count < b.low
	}

	b.stats.hits++
	blk.setState(blockHeld)

	return blk, false, b.count < b.low
}

// put caches a block returned by a caller, unless the bucket is full.
func (b *Bucket) put(blk *Block) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.high {
		b.stats.released++
		return false
	}

	b.push(blk)
	b.stats.returned++

	return true
}

// fill caches a block freshly allocated by the fill worker, unless the
// bucket is full.
func (b *Bucket) fill(mem []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count >= b.high {
		return false
	}

	b.push(newBlock(b, mem))
	b.stats.filled++

	return true
}

// push links a block to the free list. The caller must hold the lock.
func (b *Bucket) push(blk *Block) {
	blk.next = b.head
	blk.setState(blockPooled)
	b.head = blk
	b.count++
	b.acct.Add(b.class.Size())
}

// pop unlinks a block from the free list. The caller must hold the lock.
func (b *Bucket) pop() *Block {
	blk := b.head
	if blk == nil {
		return nil
	}

	b.head = blk.next
	blk.next = nil
	b.count--
	b.acct.Add(-b.class.Size())

	return blk
}

// deficit returns the number of blocks missing to reach the high watermark.
func (b *Bucket) deficit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.high - b.count
}

func (b *Bucket) countMiss(retries int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.misses++
	b.stats.retries += uint64(retries)
}

func (b *Bucket) countRetries(retries int) {
	if retries == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.retries += uint64(retries)
}

func (b *Bucket) countFillFailure() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.fillFailures++
	return b.stats.fillFailures
}

func (b *Bucket) countReleased() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.released++
}

// releaseIfFull counts a block as released if the bucket is full.
func (b *Bucket) releaseIfFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < b.high {
		return false
	}
	b.stats.released++
	return true
}

type shrinkOutcome int

const (
	shrinkDone shrinkOutcome = iota
	shrinkThrottled
	shrinkContended
)

// shrinkArgs are the parameters of a single bucket shrink.
type shrinkArgs struct {
	budget int           // max. number of blocks to release
	floor  int           // release down to this many, negative for the default floor
	force  bool          // ignore the grace period
	wait   bool          // block waiting for the lock instead of skipping
	now    time.Time     // current time
	grace  time.Duration // grace period since the last shrink
}

// shrink unlinks up to budget blocks, down to an explicitly given floor
// or by default to the minimum reserve. The unlinked blocks are returned
// as a list for the caller to release outside the lock. A forced shrink
// which released nothing leaves the last shrink time untouched.
func (b *Bucket) shrink(args shrinkArgs) (*Block, int, shrinkOutcome) {
	if args.wait {
		b.mu.Lock()
	} else if !b.mu.TryLock() {
		return nil, 0, shrinkContended
	}
	defer b.mu.Unlock()

	if !args.force && args.grace > 0 && !b.lastShrink.IsZero() && args.now.Sub(b.lastShrink) < args.grace {
		return nil, 0, shrinkThrottled
	}

	floor := args.floor
	if floor < 0 {
		floor = b.minReserve
	}

	var (
		list *Block
		cnt  int
	)
	for b.count > floor && cnt < args.budget {
		blk := b.pop()
		blk.setState(blockReleased)
		blk.next = list
		list = blk
		cnt++
	}

	b.stats.shrunk += uint64(cnt)
	if cnt > 0 || !args.force {
		b.lastShrink = args.now
	}

	return list, cnt, shrinkDone
}

// reclaimable returns the number of blocks a non-forced shrink could
// release. It returns 0 if the bucket is locked.
func (b *Bucket) reclaimable() int {
	if !b.mu.TryLock() {
		return 0
	}
	defer b.mu.Unlock()

	if n := b.count - b.minReserve; n > 0 {
		return n
	}
	return 0
}

// setWatermarks updates the watermarks. It returns the number of blocks
// in excess of the new high watermark and whether high was raised.
func (b *Bucket) setWatermarks(update func(minReserve, low, high *int)) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	minReserve, low, high := b.minReserve, b.low, b.high
	update(&minReserve, &low, &high)

	if err := checkWatermarks(minReserve, low, high); err != nil {
		return 0, false, fmt.Errorf("%s: %w", b, err)
	}

	raised := high > b.high
	b.minReserve, b.low, b.high = minReserve, low, high

	return b.count - b.high, raised, nil
}
