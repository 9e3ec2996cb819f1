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

package blockpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/blockpool/pkg/blockpool"
	"github.com/containers/blockpool/pkg/pressure"
	"github.com/containers/blockpool/pkg/rawalloc"
)

func TestAllocUnknownBucket(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 1, 2)})

	_, _, err := p.Alloc(order2, prio)
	require.ErrorIs(t, err, blockpool.ErrUnknownBucket)
	_, _, err = p.Alloc(order0, blockpool.PriorityCamera)
	require.ErrorIs(t, err, blockpool.ErrUnknownBucket)
	_, _, err = p.Alloc(blockpool.SizeClass(-1), prio)
	require.ErrorIs(t, err, blockpool.ErrInvalidSizeClass)
	_, _, err = p.Alloc(order0, blockpool.Priority(42))
	require.ErrorIs(t, err, blockpool.ErrInvalidPriority)
	_, err = p.AllocOrFallback(order2, prio)
	require.ErrorIs(t, err, blockpool.ErrUnknownBucket)
}

func TestAllocMiss(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 1, 2)})

	blk, ok, err := p.Alloc(order0, prio)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, blk)

	blk, err = p.AllocOrFallback(order0, prio)
	require.NoError(t, err)
	require.NotNil(t, blk)
	require.Equal(t, order0, blk.SizeClass())
	require.Equal(t, prio, blk.Priority())
	require.Equal(t, order0.Size(), blk.Size())
	require.Len(t, blk.Bytes(), int(order0.Size()))

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	require.Equal(t, uint64(2), b.Stats().Misses)

	// fallback blocks are cached like any other
	require.NoError(t, p.Free(blk))
	require.Equal(t, 1, b.Count())
	p.checkAccounting(t)
}

func TestAllocRetry(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 1, 2)},
		blockpool.WithRetryPolicy(5*time.Millisecond, 4))

	start := p.clock.Now()
	_, ok, err := p.Alloc(order0, prio, blockpool.MayRetry())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 20*time.Millisecond, p.clock.Since(start))

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	s := b.Stats()
	require.Equal(t, uint64(1), s.Misses)
	require.Equal(t, uint64(4), s.Retries)

	// without retries a miss is immediate
	start = p.clock.Now()
	_, ok, err = p.Alloc(order0, prio)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, p.clock.Since(start))
	require.Equal(t, uint64(4), b.Stats().Retries)
}

func TestAllocRetryHit(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 1, 4)},
		blockpool.WithPrefill(true))
	p.start(t)

	blk, ok, err := p.Alloc(order0, prio, blockpool.MayRetry())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.Free(blk))

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	require.Zero(t, b.Stats().Retries)
}

func TestPriorityGating(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 4, 8)},
		blockpool.WithPriorityGating(true))
	p.populate(t, order0, 3)
	require.Equal(t, 3, p.count(t, order0))

	// below low, only urgent callers are served
	_, ok, err := p.Alloc(order0, prio, blockpool.MayRetry())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 3, p.count(t, order0))

	blk, ok, err := p.Alloc(order0, prio, blockpool.Urgent())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, p.count(t, order0))

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	s := b.Stats()
	require.Equal(t, uint64(1), s.Gated)
	require.Zero(t, s.Retries)

	// at or above low, everybody is served
	require.NoError(t, p.Free(blk))
	p.populate(t, order0, 5)
	require.Equal(t, 5, p.count(t, order0))
	_, ok, err = p.Alloc(order0, prio)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWithoutPriorityGating(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 4, 8)})
	p.populate(t, order0, 1)

	_, ok, err := p.Alloc(order0, prio)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFreeErrors(t *testing.T) {
	buckets := []blockpool.BucketConfig{bucket(order0, 0, 1, 2)}
	p1 := newTestPool(t, buckets)
	p2 := newTestPool(t, buckets)

	blk, err := p1.AllocOrFallback(order0, prio)
	require.NoError(t, err)

	require.ErrorIs(t, p2.Free(blk), blockpool.ErrForeignBlock)
	require.ErrorIs(t, p1.Free(nil), blockpool.ErrForeignBlock)
	require.ErrorIs(t, p1.Free(&blockpool.Block{}), blockpool.ErrForeignBlock)

	require.NoError(t, p1.Free(blk))
	require.ErrorIs(t, p1.Free(blk), blockpool.ErrDoubleFree)
	require.Equal(t, 1, p1.count(t, order0))
	p1.checkAccounting(t)
}

func TestFreeBypass(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 1, 2)})

	blk, err := p.AllocOrFallback(order0, prio)
	require.NoError(t, err)
	require.NoError(t, p.Free(blk, blockpool.Bypass()))
	require.Zero(t, p.count(t, order0))

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Stats().Released)

	cnt, _ := p.raw.Usage()
	require.Zero(t, cnt)
	require.ErrorIs(t, p.Free(blk), blockpool.ErrDoubleFree)
}

func TestZeroIntent(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{
		{
			SizeClass:     order0,
			Priority:      prio,
			HighWatermark: 1,
			Intent:        blockpool.IntentZero,
		},
		{
			SizeClass:     order0,
			Priority:      blockpool.PriorityCamera,
			HighWatermark: 1,
		},
	})

	for _, tc := range []struct {
		prio  blockpool.Priority
		dirty bool
	}{
		{prio: prio, dirty: false},
		{prio: blockpool.PriorityCamera, dirty: true},
	} {
		blk, err := p.AllocOrFallback(order0, tc.prio)
		require.NoError(t, err)
		for i := range blk.Bytes() {
			blk.Bytes()[i] = 0xa5
		}
		require.NoError(t, p.Free(blk))

		blk, ok, err := p.Alloc(order0, tc.prio)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, tc.dirty, blk.Bytes()[0] == 0xa5, "priority %s", tc.prio)
		require.Equal(t, tc.dirty, blk.Bytes()[len(blk.Bytes())-1] == 0xa5, "priority %s", tc.prio)
	}
}

func TestZeroIntentFullBucket(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{
		{
			SizeClass:     order0,
			Priority:      prio,
			HighWatermark: 1,
			Intent:        blockpool.IntentZero,
		},
	})
	blk, err := p.AllocOrFallback(order0, prio)
	require.NoError(t, err)
	data := blk.Bytes()
	for i := range data {
		data[i] = 0xa5
	}
	p.populate(t, order0, 1)

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	released := b.Stats().Released

	require.NoError(t, p.Free(blk))
	require.Equal(t, 1, p.count(t, order0))
	require.Equal(t, released+1, b.Stats().Released)
	require.Equal(t, byte(0xa5), data[0], "released block should not be zeroed")
	require.Equal(t, byte(0xa5), data[len(data)-1], "released block should not be zeroed")
	p.checkAccounting(t)
}

func TestConcurrentAllocFree(t *testing.T) {
	const (
		workers    = 8
		iterations = 500
	)

	raw := rawalloc.NewHeap()
	p := newTestPoolWith(t, raw,
		[]blockpool.BucketConfig{
			bucket(order0, 4, 16, 32),
			bucket(order2, 0, 4, 8),
		},
		blockpool.WithPrefill(true),
		blockpool.WithGracePeriod(0),
	)
	p.start(t)

	var (
		wg       sync.WaitGroup
		held     atomic.Int64
		maxSeen  atomic.Int64
		stopping atomic.Bool
	)

	// shrink concurrently with allocations and frees
	shrinkDone := make(chan struct{})
	go func() {
		defer close(shrinkDone)
		for !stopping.Load() {
			p.Shrink(blockpool.ShrinkRequest{Level: pressure.LevelHigh, Budget: 4})
			time.Sleep(100 * time.Microsecond)
		}
	}()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			class := order0
			if w%2 == 1 {
				class = order2
			}
			var blocks []*blockpool.Block
			for i := 0; i < iterations; i++ {
				if len(blocks) < 4 && i%3 != 2 {
					blk, err := p.AllocOrFallback(class, prio)
					if err != nil {
						t.Errorf("allocation failed: %v", err)
						return
					}
					blocks = append(blocks, blk)
					if n := held.Add(1); n > maxSeen.Load() {
						maxSeen.Store(n)
					}
					continue
				}
				if len(blocks) > 0 {
					blk := blocks[len(blocks)-1]
					blocks = blocks[:len(blocks)-1]
					if err := p.Free(blk); err != nil {
						t.Errorf("free failed: %v", err)
						return
					}
					held.Add(-1)
				}
			}
			for _, blk := range blocks {
				if err := p.Free(blk); err != nil {
					t.Errorf("free failed: %v", err)
				}
				held.Add(-1)
			}
		}(w)
	}

	wg.Wait()
	stopping.Store(true)
	<-shrinkDone
	p.Stop()

	require.Zero(t, held.Load())
	require.Positive(t, maxSeen.Load())

	// with nothing held, all live raw memory is cached in buckets
	total := 0
	for _, b := range p.Buckets() {
		s := b.Stats()
		require.LessOrEqual(t, s.Count, s.HighWatermark, "%s", b)
		require.GreaterOrEqual(t, s.Count, 0, "%s", b)
		total += s.Count
	}
	cnt, bytes := raw.Usage()
	require.Equal(t, int64(total), cnt)
	require.Equal(t, p.acct.Value(), bytes)
	p.checkAccounting(t)
}
