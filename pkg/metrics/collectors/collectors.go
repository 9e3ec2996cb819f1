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

package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/containers/blockpool/pkg/log"
	"github.com/containers/blockpool/pkg/metrics"
	"github.com/containers/blockpool/pkg/pressure"
	"github.com/containers/blockpool/pkg/rawalloc"
	"github.com/containers/blockpool/pkg/version"
)

var (
	log = logger.Get("metrics")
)

// NewVersionInfoCollector returns a constant metric labeled by version.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "version_info",
			Help: "A metric with constant '1' value labeled by version and build info.",
			ConstLabels: prometheus.Labels{
				"version": v,
				"build":   b,
			},
		},
		func() float64 { return 1 },
	)
}

// RegisterStandard registers the Go runtime, process and build info
// collectors in the "standard" group of the registry.
func RegisterStandard(r *metrics.Registry) {
	var (
		standard = map[string]prometheus.Collector{
			"buildinfo":   collectors.NewBuildInfoCollector(),
			"golang":      collectors.NewGoCollector(),
			"process":     collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			"versioninfo": NewVersionInfoCollector(version.Version, version.Build),
		}
		options = []metrics.RegisterOption{
			metrics.WithGroup("standard"),
			metrics.WithCollectorOptions(
				metrics.WithoutNamespace(),
				metrics.WithoutSubsystem(),
			),
		}
	)

	for name, collector := range standard {
		if err := r.Register(name, collector, options...); err != nil {
			log.Error("failed to register %s collector: %v", name, err)
		}
	}
}

var (
	levelDesc = prometheus.NewDesc(
		"level",
		"Current memory pressure level (0 none - 4 critical).",
		nil, nil,
	)
	stallDesc = prometheus.NewDesc(
		"stall_percent",
		"Share of time tasks stalled on memory, averaged over 10 seconds.",
		[]string{"kind"}, nil,
	)
	availableDesc = prometheus.NewDesc(
		"available_percent",
		"Available memory in percent of total memory.",
		nil, nil,
	)
	notificationsDesc = prometheus.NewDesc(
		"notifications_total",
		"Number of times shrinkers were asked to release memory.",
		nil, nil,
	)
	suppressedDesc = prometheus.NewDesc(
		"suppressed_notifications_total",
		"Number of rate limited shrink notifications.",
		nil, nil,
	)
	reclaimedDesc = prometheus.NewDesc(
		"reclaimed_total",
		"Number of units released by shrinkers.",
		nil, nil,
	)
	sampleErrorsDesc = prometheus.NewDesc(
		"sample_errors_total",
		"Number of failures to sample memory state.",
		nil, nil,
	)
)

type pressureCollector struct {
	mon *pressure.Monitor
}

// NewPressureCollector returns a collector for a memory pressure Monitor.
func NewPressureCollector(mon *pressure.Monitor) prometheus.Collector {
	return &pressureCollector{mon: mon}
}

func (c *pressureCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- levelDesc
	ch <- stallDesc
	ch <- availableDesc
	ch <- notificationsDesc
	ch <- suppressedDesc
	ch <- reclaimedDesc
	ch <- sampleErrorsDesc
}

func (c *pressureCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(levelDesc, prometheus.GaugeValue, float64(c.mon.Level()))

	if s := c.mon.LastSample(); s != nil {
		ch <- prometheus.MustNewConstMetric(stallDesc, prometheus.GaugeValue, s.SomeAvg10, "some")
		ch <- prometheus.MustNewConstMetric(stallDesc, prometheus.GaugeValue, s.FullAvg10, "full")
		ch <- prometheus.MustNewConstMetric(availableDesc, prometheus.GaugeValue, s.AvailablePercent())
	}

	stats := c.mon.Stats()
	ch <- prometheus.MustNewConstMetric(notificationsDesc, prometheus.CounterValue, float64(stats.Notifications))
	ch <- prometheus.MustNewConstMetric(suppressedDesc, prometheus.CounterValue, float64(stats.Suppressed))
	ch <- prometheus.MustNewConstMetric(reclaimedDesc, prometheus.CounterValue, float64(stats.Reclaimed))
	ch <- prometheus.MustNewConstMetric(sampleErrorsDesc, prometheus.CounterValue, float64(stats.SampleErrors))
}

// NewRawAllocatorCollector returns a collector for the usage of a raw allocator.
func NewRawAllocatorCollector(a rawalloc.Allocator) prometheus.Collector {
	return &rawCollector{
		a: a,
		blocks: prometheus.NewDesc(
			"live_blocks",
			"Number of blocks allocated from the raw allocator and not yet freed.",
			nil, nil,
		),
		bytes: prometheus.NewDesc(
			"live_bytes",
			"Amount of memory allocated from the raw allocator and not yet freed.",
			nil, nil,
		),
	}
}

type rawCollector struct {
	a      rawalloc.Allocator
	blocks *prometheus.Desc
	bytes  *prometheus.Desc
}

func (c *rawCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.blocks
	ch <- c.bytes
}

func (c *rawCollector) Collect(ch chan<- prometheus.Metric) {
	count, bytes := c.a.Usage()
	ch <- prometheus.MustNewConstMetric(c.blocks, prometheus.GaugeValue, float64(count))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(bytes))
}
