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

// Package blockpool implements a background-refilled cache of fixed-size
// memory blocks. It trades memory for allocation latency while cooperating
// with system-wide memory reclaim. The primary interface to blockpool is
// the Manager type.
//
// # Blocks, Buckets
//
// A Block is an opaque unit of memory of a power-of-two size class. Blocks
// are minted and destroyed by a RawAllocator, which the pool treats as an
// external, potentially slow collaborator. At any time a Block is owned
// either by the free list of exactly one Bucket or by a single caller.
//
// A Bucket caches free Blocks for one (size class, priority) pair. It has
// a low and a high watermark and a minimum reserve. The number of cached
// Blocks is kept between the minimum reserve and the high watermark. The
// low watermark triggers refilling. All Bucket state is guarded by a
// single mutex, so the block count always equals the free list length
// whenever the lock is not held.
//
// # Fill Workers
//
// Buckets are organized into groups, each served by a single Fill Worker.
// A Fill Worker is idle until woken. Once woken, it grows the Buckets of
// its group towards their high watermarks by allocating Blocks from the
// RawAllocator, one Block per Bucket per round, until every Bucket is full
// or the RawAllocator fails. Wakeups are coalesced: any number of wakeups
// sent while the worker is busy results in at most one extra round.
//
// # Allocation, Priority Gating
//
// Alloc never calls the RawAllocator. It pops a Block from the Bucket or
// reports a miss, in which case the caller is expected to fall back to
// the RawAllocator, possibly using AllocOrFallback. A miss is never an
// error. With priority gating enabled, non-urgent callers are denied once
// a Bucket drops below its low watermark, reserving the remaining Blocks
// for urgent callers. Callers may ask for a bounded number of short
// delayed retries on an empty Bucket before a miss is reported.
//
// # Shrinking
//
// Shrink releases cached Blocks back to the RawAllocator in response to
// memory pressure. Non-forced shrinking never goes below the minimum
// reserve of a Bucket and is throttled by a grace period to keep it from
// oscillating against the Fill Workers. Higher pressure levels get larger
// scan budgets and target the largest size classes first. Shrinking only
// ever try-locks a Bucket and skips it on contention, so it can be run in
// contexts which must not block.
//
// # Accounting
//
// Every push and pop adjusts an external Accounting counter by the size
// of the Block, within the same critical section, so that system-wide
// memory statistics can report pool held memory as reclaimable.
package blockpool
