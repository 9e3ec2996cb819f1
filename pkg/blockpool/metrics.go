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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bucketLabels = []string{"order", "priority", "group"}

	blocksDesc = prometheus.NewDesc(
		"blocks",
		"Number of blocks cached in a bucket.",
		bucketLabels, nil,
	)
	bytesDesc = prometheus.NewDesc(
		"bytes",
		"Amount of memory cached in a bucket.",
		bucketLabels, nil,
	)
	watermarkDesc = prometheus.NewDesc(
		"watermark_blocks",
		"Watermarks of a bucket.",
		append(bucketLabels, "watermark"), nil,
	)
	allocsDesc = prometheus.NewDesc(
		"allocations_total",
		"Allocations from a bucket by result.",
		append(bucketLabels, "result"), nil,
	)
	retriesDesc = prometheus.NewDesc(
		"alloc_retries_total",
		"Delayed allocation retries of a bucket.",
		bucketLabels, nil,
	)
	blockOpsDesc = prometheus.NewDesc(
		"block_operations_total",
		"Blocks added to or removed from a bucket by operation.",
		append(bucketLabels, "operation"), nil,
	)
	fillFailuresDesc = prometheus.NewDesc(
		"fill_failures_total",
		"Failed raw allocations while filling a bucket.",
		bucketLabels, nil,
	)
	wakeupsDesc = prometheus.NewDesc(
		"worker_wakeups_total",
		"Fill worker wakeups, delivered or coalesced into a pending one.",
		[]string{"group", "kind"}, nil,
	)
	roundsDesc = prometheus.NewDesc(
		"worker_rounds_total",
		"Fill rounds run by a fill worker.",
		[]string{"group"}, nil,
	)
)

// Collector returns a prometheus.Collector for the Manager.
func (m *Manager) Collector() prometheus.Collector {
	return &collector{m: m}
}

type collector struct {
	m *Manager
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- blocksDesc
	ch <- bytesDesc
	ch <- watermarkDesc
	ch <- allocsDesc
	ch <- retriesDesc
	ch <- blockOpsDesc
	ch <- fillFailuresDesc
	ch <- wakeupsDesc
	ch <- roundsDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.m.Stats()

	for _, s := range stats.Buckets {
		labels := []string{strconv.Itoa(int(s.SizeClass)), s.Priority.String(), s.Group}
		with := func(l string) []string {
			return append(labels[:len(labels):len(labels)], l)
		}

		ch <- prometheus.MustNewConstMetric(blocksDesc, prometheus.GaugeValue,
			float64(s.Count), labels...)
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.GaugeValue,
			float64(int64(s.Count)*s.SizeClass.Size()), labels...)

		ch <- prometheus.MustNewConstMetric(watermarkDesc, prometheus.GaugeValue,
			float64(s.MinReserve), with("min")...)
		ch <- prometheus.MustNewConstMetric(watermarkDesc, prometheus.GaugeValue,
			float64(s.LowWatermark), with("low")...)
		ch <- prometheus.MustNewConstMetric(watermarkDesc, prometheus.GaugeValue,
			float64(s.HighWatermark), with("high")...)

		ch <- prometheus.MustNewConstMetric(allocsDesc, prometheus.CounterValue,
			float64(s.Hits), with("hit")...)
		ch <- prometheus.MustNewConstMetric(allocsDesc, prometheus.CounterValue,
			float64(s.Misses), with("miss")...)
		ch <- prometheus.MustNewConstMetric(allocsDesc, prometheus.CounterValue,
			float64(s.Gated), with("gated")...)
		ch <- prometheus.MustNewConstMetric(retriesDesc, prometheus.CounterValue,
			float64(s.Retries), labels...)

		ch <- prometheus.MustNewConstMetric(blockOpsDesc, prometheus.CounterValue,
			float64(s.Filled), with("filled")...)
		ch <- prometheus.MustNewConstMetric(blockOpsDesc, prometheus.CounterValue,
			float64(s.Returned), with("returned")...)
		ch <- prometheus.MustNewConstMetric(blockOpsDesc, prometheus.CounterValue,
			float64(s.Released), with("released")...)
		ch <- prometheus.MustNewConstMetric(blockOpsDesc, prometheus.CounterValue,
			float64(s.Shrunk), with("shrunk")...)
		ch <- prometheus.MustNewConstMetric(fillFailuresDesc, prometheus.CounterValue,
			float64(s.FillFailures), labels...)
	}

	for _, w := range stats.Workers {
		ch <- prometheus.MustNewConstMetric(wakeupsDesc, prometheus.CounterValue,
			float64(w.Wakeups), w.Group, "delivered")
		ch <- prometheus.MustNewConstMetric(wakeupsDesc, prometheus.CounterValue,
			float64(w.Coalesced), w.Group, "coalesced")
		ch <- prometheus.MustNewConstMetric(roundsDesc, prometheus.CounterValue,
			float64(w.Rounds), w.Group)
	}
}
