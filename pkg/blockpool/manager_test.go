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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/containers/blockpool/pkg/blockpool"
	"github.com/containers/blockpool/pkg/rawalloc"
)

const (
	order0 = blockpool.SizeClass(0)
	order2 = blockpool.SizeClass(2)
	order6 = blockpool.SizeClass(6)
	prio   = blockpool.PriorityDefault
)

// testPool is a Manager with a heap raw allocator, a fake clock, and
// an accounting counter.
type testPool struct {
	*blockpool.Manager
	raw   *rawalloc.Heap
	clock *testingclock.FakeClock
	acct  *blockpool.Counter
}

func newTestPool(t *testing.T, buckets []blockpool.BucketConfig, options ...blockpool.Option) *testPool {
	t.Helper()
	return newTestPoolWith(t, rawalloc.NewHeap(), buckets, options...)
}

func newTestPoolWith(t *testing.T, raw blockpool.RawAllocator, buckets []blockpool.BucketConfig, options ...blockpool.Option) *testPool {
	t.Helper()

	p := &testPool{
		clock: testingclock.NewFakeClock(time.Now()),
		acct:  &blockpool.Counter{},
	}
	if heap, ok := raw.(*rawalloc.Heap); ok {
		p.raw = heap
	}

	opts := append([]blockpool.Option{
		blockpool.WithBuckets(buckets...),
		blockpool.WithClock(p.clock),
		blockpool.WithAccounting(p.acct),
	}, options...)

	m, err := blockpool.NewManager(raw, opts...)
	require.NoError(t, err)
	p.Manager = m

	t.Cleanup(m.Stop)

	return p
}

func bucket(class blockpool.SizeClass, minReserve, low, high int) blockpool.BucketConfig {
	return blockpool.BucketConfig{
		SizeClass:     class,
		Priority:      prio,
		MinReserve:    minReserve,
		LowWatermark:  low,
		HighWatermark: high,
	}
}

// start starts the pool and waits for all buckets to fill up.
func (p *testPool) start(t *testing.T) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	p.waitFull(t)
}

func (p *testPool) waitFull(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, b := range p.Buckets() {
			if b.Count() != b.HighWatermark() {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond, "buckets failed to fill up")
}

// populate puts n blocks into a bucket by freeing fallback allocations.
func (p *testPool) populate(t *testing.T, class blockpool.SizeClass, n int) {
	t.Helper()
	blocks := make([]*blockpool.Block, 0, n)
	for i := 0; i < n; i++ {
		blk, err := p.AllocOrFallback(class, prio, blockpool.Urgent())
		require.NoError(t, err)
		blocks = append(blocks, blk)
	}
	for _, blk := range blocks {
		require.NoError(t, p.Free(blk))
	}
}

func (p *testPool) count(t *testing.T, class blockpool.SizeClass) int {
	t.Helper()
	b, err := p.Bucket(class, prio)
	require.NoError(t, err)
	return b.Count()
}

// checkAccounting verifies that accounted memory matches cached blocks.
func (p *testPool) checkAccounting(t *testing.T) {
	t.Helper()
	var bytes int64
	for _, b := range p.Buckets() {
		bytes += int64(b.Count()) * b.SizeClass().Size()
	}
	require.Equal(t, bytes, p.acct.Value(), "accounted memory")
}

func TestNewManager(t *testing.T) {
	for _, tc := range []struct {
		name    string
		raw     blockpool.RawAllocator
		buckets []blockpool.BucketConfig
		options []blockpool.Option
		err     error
	}{
		{
			name: "no raw allocator",
			err:  blockpool.ErrNoRawAllocator,
		},
		{
			name:    "low watermark above high",
			raw:     rawalloc.NewHeap(),
			buckets: []blockpool.BucketConfig{bucket(order0, 0, 10, 5)},
			err:     blockpool.ErrInvalidWatermarks,
		},
		{
			name:    "min reserve above low",
			raw:     rawalloc.NewHeap(),
			buckets: []blockpool.BucketConfig{bucket(order0, 6, 5, 10)},
			err:     blockpool.ErrInvalidWatermarks,
		},
		{
			name:    "invalid size class",
			raw:     rawalloc.NewHeap(),
			buckets: []blockpool.BucketConfig{bucket(blockpool.MaxOrder+1, 0, 1, 2)},
			err:     blockpool.ErrInvalidSizeClass,
		},
		{
			name:    "duplicate bucket",
			raw:     rawalloc.NewHeap(),
			buckets: []blockpool.BucketConfig{bucket(order0, 0, 1, 2), bucket(order0, 1, 2, 3)},
			err:     blockpool.ErrDuplicateBucket,
		},
		{
			name:    "negative retry policy",
			raw:     rawalloc.NewHeap(),
			options: []blockpool.Option{blockpool.WithRetryPolicy(-time.Second, 1)},
			err:     blockpool.ErrFailedOption,
		},
		{
			name:    "negative grace period",
			raw:     rawalloc.NewHeap(),
			options: []blockpool.Option{blockpool.WithGracePeriod(-time.Second)},
			err:     blockpool.ErrFailedOption,
		},
		{
			name:    "invalid shrink policy",
			raw:     rawalloc.NewHeap(),
			options: []blockpool.Option{blockpool.WithShrinkPolicy(blockpool.ShrinkPolicy{LowBudget: -1})},
			err:     blockpool.ErrFailedOption,
		},
		{
			name: "valid",
			raw:  rawalloc.NewHeap(),
			buckets: []blockpool.BucketConfig{
				bucket(order6, 0, 1, 2),
				bucket(order0, 0, 0, 0),
				{SizeClass: order0, Priority: blockpool.PriorityCamera, Group: "camera"},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := append([]blockpool.Option{blockpool.WithBuckets(tc.buckets...)}, tc.options...)
			m, err := blockpool.NewManager(tc.raw, opts...)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.Nil(t, m)
				return
			}

			require.NoError(t, err)
			require.Equal(t, []string{"camera", "order-0", "order-6"}, m.Groups())

			var keys []string
			m.ForeachBucket(func(b *blockpool.Bucket) bool {
				keys = append(keys, b.SizeClass().String()+"/"+b.Priority().String())
				return true
			})
			require.Equal(t, []string{"order-0/4k/default", "order-0/4k/camera", "order-6/256k/default"}, keys)
		})
	}
}

func TestStartStop(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 2, 4)})

	require.NoError(t, p.Start(context.Background()))
	require.ErrorIs(t, p.Start(context.Background()), blockpool.ErrAlreadyStarted)

	p.Stop()
	ws, ok := p.WorkerStats("order-0")
	require.True(t, ok)
	require.Equal(t, blockpool.WorkerStopped, ws.State)
	require.ErrorIs(t, p.Start(context.Background()), blockpool.ErrStopped)

	// stopped pools still serve and take back blocks
	p.populate(t, order0, 3)
	require.Equal(t, 3, p.count(t, order0))
	blk, ok, err := p.Alloc(order0, prio)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.Free(blk))
}

func TestCanceledContextStopsWorkers(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 2, 4)})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()

	require.Eventually(t, func() bool {
		ws, _ := p.WorkerStats("order-0")
		return ws.State == blockpool.WorkerStopped
	}, 5*time.Second, time.Millisecond)
}

func TestPrefill(t *testing.T) {
	p := newTestPool(t,
		[]blockpool.BucketConfig{
			bucket(order0, 2, 4, 8),
			bucket(order2, 0, 1, 3),
			bucket(order6, 0, 0, 2),
		},
		blockpool.WithPrefill(true),
	)
	p.start(t)

	require.Equal(t, 8, p.count(t, order0))
	require.Equal(t, 3, p.count(t, order2))
	require.Equal(t, 2, p.count(t, order6))
	p.checkAccounting(t)

	cnt, bytes := p.raw.Usage()
	require.Equal(t, int64(13), cnt)
	require.Equal(t, p.acct.Value(), bytes)

	p.DumpConfig("  ")
	p.DumpState("  ")
}

func TestWithoutPrefillBucketsStayEmpty(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 0, 8)})
	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.Never(t, func() bool { return b.Count() > 0 },
		50*time.Millisecond, 5*time.Millisecond)
}

func TestRefill(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 50, 100)})
	p.populate(t, order0, 100)

	held := make([]*blockpool.Block, 0, 60)
	for i := 0; i < 60; i++ {
		blk, ok, err := p.Alloc(order0, prio)
		require.NoError(t, err)
		require.True(t, ok, "allocation #%d", i)
		held = append(held, blk)
	}
	require.Equal(t, 40, p.count(t, order0))
	require.True(t, p.WakeupPending("order-0"))

	// the pending wakeup refills the bucket to its high watermark
	require.NoError(t, p.Start(context.Background()))
	p.waitFull(t)

	// a full bucket passes freed blocks on to the raw allocator
	for _, blk := range held {
		require.NoError(t, p.Free(blk))
	}

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	s := b.Stats()
	require.Equal(t, 100, s.Count)
	require.Equal(t, uint64(60), s.Hits)
	require.Equal(t, uint64(100), s.Misses)
	require.Equal(t, uint64(60), s.Filled)
	require.Equal(t, uint64(100), s.Returned)
	require.Equal(t, uint64(60), s.Released)

	cnt, _ := p.raw.Usage()
	require.Equal(t, int64(100), cnt)
	p.checkAccounting(t)
}

func TestWakeupCoalescing(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 0, 4, 8)})

	for i := 0; i < 3; i++ {
		_, ok, err := p.Alloc(order0, prio)
		require.NoError(t, err)
		require.False(t, ok)
	}

	ws, ok := p.WorkerStats("order-0")
	require.True(t, ok)
	require.Equal(t, uint64(1), ws.Wakeups)
	require.Equal(t, uint64(2), ws.Coalesced)
	require.True(t, p.WakeupPending("order-0"))

	// a single pending wakeup fills the bucket in one round
	require.NoError(t, p.Start(context.Background()))
	p.waitFull(t)
	require.Eventually(t, func() bool { return !p.WakeupPending("order-0") },
		5*time.Second, time.Millisecond)

	ws, _ = p.WorkerStats("order-0")
	require.Equal(t, uint64(1), ws.Rounds)
}

func TestKick(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{
		{SizeClass: order0, Priority: prio, Group: "small", HighWatermark: 4},
		{SizeClass: order2, Priority: prio, Group: "small", HighWatermark: 2},
	})
	require.Equal(t, []string{"small"}, p.Groups())

	require.Error(t, p.Kick("large"))
	require.NoError(t, p.Kick("small"))
	require.True(t, p.WakeupPending("small"))

	require.NoError(t, p.Start(context.Background()))
	p.waitFull(t)
}

func TestFillFailure(t *testing.T) {
	limit := 3 * order0.Size()
	raw := rawalloc.NewLimited(rawalloc.NewHeap(), limit)
	p := newTestPoolWith(t, raw, []blockpool.BucketConfig{bucket(order0, 0, 5, 10)},
		blockpool.WithPrefill(true))
	require.NoError(t, p.Start(context.Background()))

	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.AllocFailCount() > 0 },
		5*time.Second, time.Millisecond)
	require.Equal(t, 3, b.Count())

	// drain the bucket, the worker cannot refill it past the limit
	_, err = p.AllocOrFallback(order0, prio)
	require.NoError(t, err)
	_, err = p.AllocOrFallback(order0, prio)
	require.NoError(t, err)
	_, err = p.AllocOrFallback(order0, prio)
	require.NoError(t, err)
	p.Stop()
	_, err = p.AllocOrFallback(order0, prio)
	require.ErrorIs(t, err, blockpool.ErrNoMem)
}

func TestSetWatermarks(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 10, 50, 100)})
	p.populate(t, order0, 100)
	require.Equal(t, 100, p.count(t, order0))

	require.ErrorIs(t, p.SetHighWatermark(order0, prio, 40), blockpool.ErrInvalidWatermarks)
	require.ErrorIs(t, p.SetLowWatermark(order0, prio, 5), blockpool.ErrInvalidWatermarks)
	require.ErrorIs(t, p.SetMinReserve(order0, prio, -1), blockpool.ErrInvalidWatermarks)
	require.ErrorIs(t, p.SetHighWatermark(order2, prio, 40), blockpool.ErrUnknownBucket)
	require.Equal(t, 100, p.count(t, order0))

	// lowering high releases the excess synchronously
	require.NoError(t, p.SetWatermarks(order0, prio, 5, 10, 30))
	b, err := p.Bucket(order0, prio)
	require.NoError(t, err)
	s := b.Stats()
	require.Equal(t, 30, s.Count)
	require.Equal(t, uint64(70), s.Shrunk)
	require.Equal(t, 5, s.MinReserve)
	require.Equal(t, 10, s.LowWatermark)
	require.Equal(t, 30, s.HighWatermark)

	cnt, _ := p.raw.Usage()
	require.Equal(t, int64(30), cnt)
	p.checkAccounting(t)

	// raising low above the count wakes the worker
	before, _ := p.WorkerStats("order-0")
	require.NoError(t, p.SetWatermarks(order0, prio, 5, 40, 60))
	after, _ := p.WorkerStats("order-0")
	require.Equal(t, before.Wakeups+before.Coalesced+1, after.Wakeups+after.Coalesced)
	require.True(t, p.WakeupPending("order-0"))
	require.Equal(t, 30, p.count(t, order0))

	// lowering low below the count with high unchanged does not
	require.NoError(t, p.SetWatermarks(order0, prio, 5, 20, 60))
	again, _ := p.WorkerStats("order-0")
	require.Equal(t, after, again)

	// raising high wakes the worker even with the count above low
	require.NoError(t, p.SetHighWatermark(order0, prio, 80))
	raised, _ := p.WorkerStats("order-0")
	require.Equal(t, again.Wakeups+again.Coalesced+1, raised.Wakeups+raised.Coalesced)
	require.Equal(t, 30, p.count(t, order0))
}

func TestShrinkBucket(t *testing.T) {
	p := newTestPool(t, []blockpool.BucketConfig{bucket(order0, 10, 20, 40)})
	p.populate(t, order0, 40)

	freed, err := p.ShrinkBucket(order0, prio, 5)
	require.NoError(t, err)
	require.Equal(t, 35, freed)
	require.Equal(t, 5, p.count(t, order0))

	freed, err = p.ShrinkBucket(order0, prio, -1)
	require.NoError(t, err)
	require.Equal(t, 5, freed)
	require.Equal(t, 0, p.count(t, order0))

	_, err = p.ShrinkBucket(order6, prio, 0)
	require.ErrorIs(t, err, blockpool.ErrUnknownBucket)

	cnt, bytes := p.raw.Usage()
	require.Zero(t, cnt)
	require.Zero(t, bytes)
	require.Zero(t, p.acct.Value())
}
