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

package pressure

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/containers/blockpool/pkg/log"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Shrinker is something which can release cached memory under pressure.
type Shrinker interface {
	// Name returns the name of the Shrinker.
	Name() string
	// Reclaimable estimates how many units could be released at level.
	Reclaimable(level Level) int
	// Reclaim releases up to budget units, or a level-specific default
	// if budget is 0. It returns the number of released units.
	Reclaim(level Level, budget int) int
}

const (
	// DefaultInterval is the default sampling interval.
	DefaultInterval = time.Second
	// DefaultNotifyInterval is the default minimum interval between two
	// shrink notifications at the same level.
	DefaultNotifyInterval = 100 * time.Millisecond
)

var (
	log = logger.Get("pressure")
)

// Monitor samples memory state periodically and asks registered
// Shrinkers to release memory when under pressure.
type Monitor struct {
	lock       sync.Mutex
	source     Source
	thresholds Thresholds
	interval   time.Duration
	limit      rate.Limit
	limiter    *rate.Limiter
	shrinkers  []Shrinker
	level      Level
	sample     *Sample
	stats      MonitorStats
}

// MonitorStats is a snapshot of Monitor counters.
type MonitorStats struct {
	Samples       uint64
	SampleErrors  uint64
	Notifications uint64
	Suppressed    uint64
	Reclaimed     uint64
}

// Option is an opaque option for a Monitor.
type Option func(*Monitor) error

// WithSource sets the memory state source of the Monitor.
func WithSource(s Source) Option {
	return func(m *Monitor) error {
		if s == nil {
			return fmt.Errorf("%w: nil source", ErrInvalidConfig)
		}
		m.source = s
		return nil
	}
}

// WithThresholds sets the pressure level thresholds of the Monitor.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) error {
		if err := t.Validate(); err != nil {
			return err
		}
		m.thresholds = t
		return nil
	}
}

// WithInterval sets the sampling interval of the Monitor.
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) error {
		if interval <= 0 {
			return fmt.Errorf("%w: invalid interval %s", ErrInvalidConfig, interval)
		}
		m.interval = interval
		return nil
	}
}

// WithNotifyInterval limits how often Shrinkers are notified while the
// pressure level stays the same. A rising level is always notified.
func WithNotifyInterval(interval time.Duration) Option {
	return func(m *Monitor) error {
		if interval <= 0 {
			m.limit = rate.Inf
		} else {
			m.limit = rate.Every(interval)
		}
		return nil
	}
}

// NewMonitor creates a new Monitor with the given options.
func NewMonitor(options ...Option) (*Monitor, error) {
	m := &Monitor{
		source:     NewProcSource("/"),
		thresholds: DefaultThresholds(),
		interval:   DefaultInterval,
		limit:      rate.Every(DefaultNotifyInterval),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, err
		}
	}

	m.limiter = rate.NewLimiter(m.limit, 1)

	return m, nil
}

// Register adds a Shrinker to notify under pressure.
func (m *Monitor) Register(s Shrinker) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.shrinkers = append(m.shrinkers, s)
	log.Info("registered shrinker %s", s.Name())
}

// Run samples memory state until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	log.Info("monitoring memory pressure every %s", m.interval)
	wait.UntilWithContext(ctx, m.Poll, m.interval)
}

// Poll takes a single sample and notifies Shrinkers if under pressure.
func (m *Monitor) Poll(_ context.Context) {
	sample, err := m.source.Sample()
	if err != nil {
		m.lock.Lock()
		m.stats.SampleErrors++
		m.lock.Unlock()
		log.Error("%v", err)
		return
	}

	level := m.thresholds.Classify(sample)

	m.lock.Lock()
	prev := m.level
	m.level, m.sample = level, sample
	m.stats.Samples++
	m.lock.Unlock()

	if level != prev {
		log.Info("memory pressure %s -> %s (%s)", prev, level, sample)
	} else if log.DebugEnabled() {
		log.Debug("memory pressure %s (%s)", level, sample)
	}

	if level == LevelNone {
		return
	}

	if level <= prev && !m.limiter.Allow() {
		m.lock.Lock()
		m.stats.Suppressed++
		m.lock.Unlock()
		return
	}

	m.Notify(level, 0)
}

// Notify asks all registered Shrinkers to release memory at the given
// level with the given budget, or their level default if budget is 0.
// It returns the total number of released units.
func (m *Monitor) Notify(level Level, budget int) int {
	m.lock.Lock()
	shrinkers := append([]Shrinker(nil), m.shrinkers...)
	m.stats.Notifications++
	m.lock.Unlock()

	total := 0
	for _, s := range shrinkers {
		n := s.Reclaim(level, budget)
		if n > 0 {
			log.Debug("shrinker %s released %d units at level %s", s.Name(), n, level)
		}
		total += n
	}

	m.lock.Lock()
	m.stats.Reclaimed += uint64(total)
	m.lock.Unlock()

	return total
}

// Reclaimable sums the reclaimable estimates of all Shrinkers at level.
func (m *Monitor) Reclaimable(level Level) int {
	m.lock.Lock()
	shrinkers := append([]Shrinker(nil), m.shrinkers...)
	m.lock.Unlock()

	total := 0
	for _, s := range shrinkers {
		total += s.Reclaimable(level)
	}
	return total
}

// Level returns the most recently observed pressure level.
func (m *Monitor) Level() Level {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.level
}

// LastSample returns the most recent sample, or nil if none was taken.
func (m *Monitor) LastSample() *Sample {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.sample == nil {
		return nil
	}
	s := *m.sample
	return &s
}

// Stats returns a snapshot of the Monitor counters.
func (m *Monitor) Stats() MonitorStats {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.stats
}
