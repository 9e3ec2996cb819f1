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
	"strings"

	logger "github.com/containers/blockpool/pkg/log"
)

var (
	log     = logger.Get("blockpool")
	details = logger.Get("blockpool-details")
)

// DumpConfig logs the configuration of the Manager.
func (m *Manager) DumpConfig(prefix string) {
	log.Info("%sblock pool configuration:", prefix)
	log.Info("%s  - priority gating: %v, prefill: %v", prefix, m.gating, m.prefill)
	log.Info("%s  - alloc retry: %d x %s", prefix, m.retryAttempts, m.retryDelay)
	log.Info("%s  - shrink grace period: %s, budgets low/medium/high: %d/%d/%d, low min. %s",
		prefix, m.grace, m.policy.LowBudget, m.policy.MediumBudget, m.policy.HighBudget,
		m.policy.LowMinOrder)

	for _, g := range m.groups {
		w := m.workers[g]
		names := make([]string, 0, len(w.buckets))
		for _, b := range w.buckets {
			names = append(names, b.key().String())
		}
		log.Info("%s  - fill worker %s: %s", prefix, g, strings.Join(names, ", "))
	}

	for _, b := range m.ordered {
		s := b.Stats()
		log.Info("%s  - %s: min %d, low %d, high %d, intent %s", prefix, b,
			s.MinReserve, s.LowWatermark, s.HighWatermark, b.intent)
	}
}

// DumpState logs the state of all buckets and workers if debugging is
// enabled for block pool details.
func (m *Manager) DumpState(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	stats := m.Stats()
	for _, s := range stats.Buckets {
		details.Debug("%s%s/%s: %d blocks (%d/%d/%d), hits %d, misses %d (gated %d, retries %d)",
			prefix, s.SizeClass, s.Priority, s.Count, s.MinReserve, s.LowWatermark, s.HighWatermark,
			s.Hits, s.Misses, s.Gated, s.Retries)
		details.Debug("%s  filled %d (%d failures), returned %d, released %d, shrunk %d",
			prefix, s.Filled, s.FillFailures, s.Returned, s.Released, s.Shrunk)
	}
	for _, w := range stats.Workers {
		details.Debug("%sfill worker %s: %s, wakeups %d (coalesced %d), rounds %d",
			prefix, w.Group, w.State, w.Wakeups, w.Coalesced, w.Rounds)
	}
}
