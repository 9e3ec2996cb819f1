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
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

const (
	// DefaultRetryDelay is the delay between allocation retries.
	DefaultRetryDelay = time.Millisecond
	// DefaultRetryAttempts is the number of allocation retries.
	DefaultRetryAttempts = 3
	// DefaultGracePeriod is the minimum time between non-forced shrinks.
	DefaultGracePeriod = time.Second
	// defaultFailLogInterval limits fill failure warnings per worker.
	defaultFailLogInterval = 10 * time.Second
)

// Manager owns a fixed set of buckets and the fill workers serving them.
// Buckets are created once, when the Manager is created.
type Manager struct {
	raw     RawAllocator
	acct    Accounting
	clock   clock.Clock
	configs []BucketConfig
	buckets map[key]*Bucket
	ordered []*Bucket
	workers map[string]*fillWorker
	groups  []string

	gating        bool
	prefill       bool
	retryDelay    time.Duration
	retryAttempts int
	grace         time.Duration
	policy        ShrinkPolicy
	failLog       rate.Limit

	lock   sync.Mutex
	state  managerState
	cancel context.CancelFunc
}

type managerState int

const (
	managerCreated managerState = iota
	managerStarted
	managerStopped
)

// Option is an opaque option for a Manager.
type Option func(*Manager) error

// WithBuckets is an option to add the given buckets to a Manager.
func WithBuckets(buckets ...BucketConfig) Option {
	return func(m *Manager) error {
		m.configs = append(m.configs, buckets...)
		return nil
	}
}

// WithAccounting is an option to set the global memory accounting counter.
func WithAccounting(acct Accounting) Option {
	return func(m *Manager) error {
		if acct == nil {
			acct = noAccounting{}
		}
		m.acct = acct
		return nil
	}
}

// WithClock is an option to set the clock used by a Manager.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) error {
		if c == nil {
			return fmt.Errorf("%w: nil clock", ErrFailedOption)
		}
		m.clock = c
		return nil
	}
}

// WithPriorityGating is an option to deny non-urgent allocations from
// buckets below their low watermark.
func WithPriorityGating(enable bool) Option {
	return func(m *Manager) error {
		m.gating = enable
		return nil
	}
}

// WithPrefill is an option to fill all buckets to their high watermark
// once the Manager is started.
func WithPrefill(enable bool) Option {
	return func(m *Manager) error {
		m.prefill = enable
		return nil
	}
}

// WithRetryPolicy is an option to set the delay between and the number
// of retries for allocations which are allowed to retry.
func WithRetryPolicy(delay time.Duration, attempts int) Option {
	return func(m *Manager) error {
		if delay < 0 || attempts < 0 {
			return fmt.Errorf("%w: invalid retry policy %s x %d",
				ErrFailedOption, delay, attempts)
		}
		m.retryDelay = delay
		m.retryAttempts = attempts
		return nil
	}
}

// WithGracePeriod is an option to set the minimum time between two
// non-forced shrinks of a bucket.
func WithGracePeriod(grace time.Duration) Option {
	return func(m *Manager) error {
		if grace < 0 {
			return fmt.Errorf("%w: negative grace period %s", ErrFailedOption, grace)
		}
		m.grace = grace
		return nil
	}
}

// WithShrinkPolicy is an option to set the per pressure level shrink policy.
func WithShrinkPolicy(p ShrinkPolicy) Option {
	return func(m *Manager) error {
		if err := p.validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
		m.policy = p
		return nil
	}
}

// WithFailureLogInterval is an option to limit how often a fill worker
// warns about raw allocation failures.
func WithFailureLogInterval(interval time.Duration) Option {
	return func(m *Manager) error {
		if interval <= 0 {
			m.failLog = rate.Inf
		} else {
			m.failLog = rate.Every(interval)
		}
		return nil
	}
}

// NewManager creates a new Manager with the given RawAllocator and options.
func NewManager(raw RawAllocator, options ...Option) (*Manager, error) {
	if raw == nil {
		return nil, ErrNoRawAllocator
	}

	m := &Manager{
		raw:           raw,
		acct:          noAccounting{},
		clock:         clock.RealClock{},
		buckets:       make(map[key]*Bucket),
		workers:       make(map[string]*fillWorker),
		retryDelay:    DefaultRetryDelay,
		retryAttempts: DefaultRetryAttempts,
		grace:         DefaultGracePeriod,
		policy:        DefaultShrinkPolicy(),
		failLog:       rate.Every(defaultFailLogInterval),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, err
		}
	}

	for i := range m.configs {
		if err := m.addBucket(&m.configs[i]); err != nil {
			return nil, err
		}
	}

	slices.SortFunc(m.ordered, func(b1, b2 *Bucket) int {
		if diff := int(b1.class) - int(b2.class); diff != 0 {
			return diff
		}
		return int(b1.prio) - int(b2.prio)
	})
	slices.Sort(m.groups)

	return m, nil
}

func (m *Manager) addBucket(cfg *BucketConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	k := key{class: cfg.SizeClass, prio: cfg.Priority}
	if _, ok := m.buckets[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBucket, k)
	}

	b := newBucket(cfg, m.acct)
	w, ok := m.workers[b.group]
	if !ok {
		w = newFillWorker(b.group, m.raw, rate.NewLimiter(m.failLog, 1))
		m.workers[b.group] = w
		m.groups = append(m.groups, b.group)
	}
	w.add(b)

	m.buckets[k] = b
	m.ordered = append(m.ordered, b)

	return nil
}

// Start starts the fill workers of the Manager. The workers are stopped
// when the context is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	switch m.state {
	case managerStarted:
		return ErrAlreadyStarted
	case managerStopped:
		return ErrStopped
	}

	ctx, m.cancel = context.WithCancel(ctx)
	for _, g := range m.groups {
		m.workers[g].start(ctx)
	}
	m.state = managerStarted

	log.Info("started %d fill workers for %d buckets", len(m.groups), len(m.ordered))

	if m.prefill {
		for _, g := range m.groups {
			m.workers[g].wake()
		}
	}

	return nil
}

// Stop stops all fill workers and waits for them to finish. Buckets stay
// usable for allocation and freeing but are no longer refilled.
func (m *Manager) Stop() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.state != managerStarted {
		m.state = managerStopped
		return
	}

	m.cancel()
	for _, g := range m.groups {
		m.workers[g].wait()
	}
	m.state = managerStopped

	log.Info("stopped fill workers")
}

// Bucket returns the bucket for the given size class and priority.
func (m *Manager) Bucket(class SizeClass, prio Priority) (*Bucket, error) {
	if !class.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSizeClass, int(class))
	}
	if !prio.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(prio))
	}

	b, ok := m.buckets[key{class: class, prio: prio}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, key{class: class, prio: prio})
	}

	return b, nil
}

// Buckets returns all buckets, sorted by size class and priority.
func (m *Manager) Buckets() []*Bucket {
	return slices.Clone(m.ordered)
}

// ForeachBucket calls the given function with each bucket, sorted by size
// class and priority. It stops iterating early if the function returns false.
func (m *Manager) ForeachBucket(fn func(*Bucket) bool) {
	for _, b := range m.ordered {
		if !fn(b) {
			return
		}
	}
}

// Groups returns the names of fill worker groups.
func (m *Manager) Groups() []string {
	return slices.Clone(m.groups)
}

// SetHighWatermark updates the high watermark of a bucket. If the new
// watermark is below the current block count, the excess is released
// synchronously. If it is above, the fill worker is woken up.
func (m *Manager) SetHighWatermark(class SizeClass, prio Priority, high int) error {
	return m.updateWatermarks(class, prio, func(_, _, h *int) {
		*h = high
	})
}

// SetLowWatermark updates the low watermark of a bucket.
func (m *Manager) SetLowWatermark(class SizeClass, prio Priority, low int) error {
	return m.updateWatermarks(class, prio, func(_, l, _ *int) {
		*l = low
	})
}

// SetMinReserve updates the minimum reserve of a bucket.
func (m *Manager) SetMinReserve(class SizeClass, prio Priority, minReserve int) error {
	return m.updateWatermarks(class, prio, func(r, _, _ *int) {
		*r = minReserve
	})
}

// SetWatermarks updates all watermarks of a bucket at once.
func (m *Manager) SetWatermarks(class SizeClass, prio Priority, minReserve, low, high int) error {
	return m.updateWatermarks(class, prio, func(r, l, h *int) {
		*r, *l, *h = minReserve, low, high
	})
}

func (m *Manager) updateWatermarks(class SizeClass, prio Priority, update func(minReserve, low, high *int)) error {
	b, err := m.Bucket(class, prio)
	if err != nil {
		return err
	}

	excess, raised, err := b.setWatermarks(update)
	if err != nil {
		return err
	}

	stats := b.Stats()
	log.Info("%s: watermarks now min %d, low %d, high %d (count %d)", b,
		stats.MinReserve, stats.LowWatermark, stats.HighWatermark, stats.Count)

	switch {
	case excess > 0:
		freed := m.shrinkBucket(b, stats.HighWatermark)
		log.Info("%s: released %d blocks above new high watermark", b, freed)
	case excess < 0 && (raised || stats.Count < stats.LowWatermark):
		b.worker.wake()
	}

	return nil
}

// ShrinkBucket synchronously releases blocks of a bucket until at most
// target blocks remain. It ignores the grace period and the minimum
// reserve, and waits for the bucket lock. It returns the number of
// released blocks.
func (m *Manager) ShrinkBucket(class SizeClass, prio Priority, target int) (int, error) {
	b, err := m.Bucket(class, prio)
	if err != nil {
		return 0, err
	}
	if target < 0 {
		target = 0
	}
	return m.shrinkBucket(b, target), nil
}

func (m *Manager) shrinkBucket(b *Bucket, target int) int {
	list, cnt, _ := b.shrink(shrinkArgs{
		budget: int(^uint(0) >> 1),
		floor:  target,
		force:  true,
		wait:   true,
		now:    m.clock.Now(),
	})
	m.releaseList(b, list)
	return cnt
}

// Kick wakes up the fill worker of the given group.
func (m *Manager) Kick(group string) error {
	w, ok := m.workers[group]
	if !ok {
		return fmt.Errorf("%w: no fill worker group %q", ErrUnknownBucket, group)
	}
	w.wake()
	return nil
}

// Stats is a snapshot of the state of a Manager.
type Stats struct {
	Buckets []BucketStats
	Workers []WorkerStats
}

// Stats returns a snapshot of the state of all buckets and workers.
func (m *Manager) Stats() Stats {
	s := Stats{
		Buckets: make([]BucketStats, 0, len(m.ordered)),
		Workers: make([]WorkerStats, 0, len(m.groups)),
	}
	for _, b := range m.ordered {
		s.Buckets = append(s.Buckets, b.Stats())
	}
	for _, g := range m.groups {
		s.Workers = append(s.Workers, m.workers[g].stats())
	}
	return s
}

// WorkerStats returns a snapshot of the state of the given fill worker.
func (m *Manager) WorkerStats(group string) (WorkerStats, bool) {
	w, ok := m.workers[group]
	if !ok {
		return WorkerStats{}, false
	}
	return w.stats(), true
}

// WakeupPending returns true if the fill worker of the given group has
// an unprocessed wakeup.
func (m *Manager) WakeupPending(group string) bool {
	w, ok := m.workers[group]
	return ok && w.pending()
}

func (m *Manager) releaseList(b *Bucket, list *Block) {
	for blk := list; blk != nil; {
		next := blk.next
		blk.next = nil
		m.raw.Free(blk.mem, b.class)
		blk = next
	}
}
