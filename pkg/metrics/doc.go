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

package metrics

// The metrics package provides a thin framework for collecting and
// exporting prometheus metrics. Collectors are registered by name into
// groups, can be enabled or disabled at runtime by glob patterns, and
// computationally expensive ones can be put in polled mode, in which
// case they are collected periodically and served from a cache.
//
// Simple Usage
//
//package main
//
//import (
//    "log"
//    "net/http"
//
//    "github.com/containers/blockpool/pkg/blockpool"
//    "github.com/containers/blockpool/pkg/metrics"
//    "github.com/containers/blockpool/pkg/rawalloc"
//    "github.com/prometheus/client_golang/prometheus/promhttp"
//)
//
//func main() {
//    m, err := blockpool.NewManager(rawalloc.NewHeap(),
//        blockpool.WithBuckets(blockpool.BucketConfig{
//            SizeClass:     4,
//            LowWatermark:  16,
//            HighWatermark: 64,
//        }),
//    )
//    if err != nil {
//        log.Fatal(err)
//    }
//
//    metrics.MustRegister("buckets", m.Collector(), metrics.WithGroup("blockpool"))
//
//    g, err := metrics.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
//    if err != nil {
//        log.Fatal(err)
//    }
//
//    http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
//    log.Fatal(http.ListenAndServe(":8891", nil))
//}
