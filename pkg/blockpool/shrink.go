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
	"slices"

	"github.com/containers/blockpool/pkg/pressure"
	"github.com/containers/blockpool/pkg/utils"
)

// ShrinkPolicy sets how much memory pressure of each level reclaims.
// Budgets are in blocks, summed over all buckets.
type ShrinkPolicy struct {
	// LowBudget is the budget at pressure.LevelLow.
	LowBudget int
	// MediumBudget is the budget at pressure.LevelMedium.
	MediumBudget int
	// HighBudget is the budget at pressure.LevelHigh. It is doubled at
	// pressure.LevelCritical.
	HighBudget int
	// LowMinOrder is the smallest size class shrunk at pressure.LevelLow.
	LowMinOrder SizeClass
}

// DefaultShrinkPolicy returns the default shrink policy.
func DefaultShrinkPolicy() ShrinkPolicy {
	return ShrinkPolicy{
		LowBudget:    16,
		MediumBudget: 64,
		HighBudget:   256,
		LowMinOrder:  4,
	}
}

func (p ShrinkPolicy) validate() error {
	if p.LowBudget < 0 || p.MediumBudget < 0 || p.HighBudget < 0 {
		return fmt.Errorf("negative shrink budget in policy %+v", p)
	}
	if !p.LowMinOrder.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidSizeClass, int(p.LowMinOrder))
	}
	return nil
}

func (p ShrinkPolicy) budget(level pressure.Level) int {
	switch level {
	case pressure.LevelLow:
		return p.LowBudget
	case pressure.LevelMedium:
		return p.MediumBudget
	case pressure.LevelHigh:
		return p.HighBudget
	case pressure.LevelCritical:
		return 2 * p.HighBudget
	}
	return 0
}

// ShrinkRequest asks a Manager to release cached blocks.
type ShrinkRequest struct {
	// Level of memory pressure.
	Level pressure.Level
	// Budget overrides the per level budget of the shrink policy if > 0.
	Budget int
	// Force ignores the grace period. Buckets are still shrunk no
	// further than their minimum reserve.
	Force bool
}

// ShrinkResult describes the outcome of a shrink.
type ShrinkResult struct {
	// Freed is the number of released blocks.
	Freed int
	// FreedBytes is the amount of released memory.
	FreedBytes int64
	// Throttled is the number of buckets skipped within the grace period.
	Throttled int
	// Contended is the number of buckets skipped because they were locked.
	Contended int
}

// Shrink releases cached blocks to the RawAllocator according to the
// pressure level of the request. Buckets that are locked or have been
// shrunk within the grace period are skipped.
func (m *Manager) Shrink(req ShrinkRequest) ShrinkResult {
	res := ShrinkResult{}

	budget := req.Budget
	if budget <= 0 {
		budget = m.policy.budget(req.Level)
	}

	buckets := m.shrinkOrder(req.Level)
	if budget <= 0 || len(buckets) == 0 {
		return res
	}

	now := m.clock.Now()
	for _, b := range buckets {
		if budget <= 0 {
			break
		}

		list, cnt, outcome := b.shrink(shrinkArgs{
			budget: budget,
			floor:  -1,
			force:  req.Force,
			now:    now,
			grace:  m.grace,
		})

		switch outcome {
		case shrinkThrottled:
			res.Throttled++
			continue
		case shrinkContended:
			res.Contended++
			continue
		}

		m.releaseList(b, list)
		budget -= cnt
		res.Freed += cnt
		res.FreedBytes += int64(cnt) * b.class.Size()
	}

	if res.Freed > 0 {
		log.Info("shrink at %s pressure released %d blocks (%s)", req.Level, res.Freed,
			utils.HumanReadableSize(res.FreedBytes))
	}
	if log.DebugEnabled() {
		log.Debug("shrink %+v: %+v", req, res)
	}

	return res
}

// Reclaimable returns the number of blocks a shrink at the given pressure
// level could release, if its budget allowed.
func (m *Manager) Reclaimable(level pressure.Level) int {
	total := 0
	for _, b := range m.shrinkOrder(level) {
		total += b.reclaimable()
	}
	return total
}

// shrinkOrder returns the buckets to shrink at level, in shrinking order.
func (m *Manager) shrinkOrder(level pressure.Level) []*Bucket {
	switch level {
	case pressure.LevelLow:
		var buckets []*Bucket
		for _, b := range m.ordered {
			if b.class >= m.policy.LowMinOrder {
				buckets = append(buckets, b)
			}
		}
		return buckets
	case pressure.LevelMedium:
		return m.ordered
	case pressure.LevelHigh, pressure.LevelCritical:
		buckets := slices.Clone(m.ordered)
		slices.SortStableFunc(buckets, func(b1, b2 *Bucket) int {
			return int(b2.class) - int(b1.class)
		})
		return buckets
	}
	return nil
}

// Shrinker returns a pressure.Shrinker for the Manager.
func (m *Manager) Shrinker() pressure.Shrinker {
	return &shrinker{m: m}
}

type shrinker struct {
	m *Manager
}

func (s *shrinker) Name() string {
	return "blockpool"
}

func (s *shrinker) Reclaimable(level pressure.Level) int {
	return s.m.Reclaimable(level)
}

func (s *shrinker) Reclaim(level pressure.Level, budget int) int {
	return s.m.Shrink(ShrinkRequest{Level: level, Budget: budget}).Freed
}
