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

package instrumentation

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config provides runtime configuration for instrumentation.
// +kubebuilder:object:generate=true
type Config struct {
	// HTTPEndpoint is the address our HTTP server listens on. This endpoint
	// serves Prometheus metrics and health checks. An empty endpoint
	// disables the server.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// PrometheusExport enables exporting /metrics for Prometheus.
	// +optional
	PrometheusExport bool `json:"prometheusExport,omitempty"`
	// ReportPeriod is the interval between collecting polled metrics.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="30s"
	ReportPeriod metav1.Duration `json:"reportPeriod,omitempty"`
	// Metrics defines which metrics to collect.
	// +kubebuilder:default={"enabled": {"blockpool", "buildinfo"}}
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

// MetricsConfig selects collectors by glob patterns matching their
// group, name or group/name.
type MetricsConfig struct {
	// Enabled collectors.
	// +optional
	Enabled []string `json:"enabled,omitempty"`
	// Polled collectors. Polled collectors are collected periodically
	// and served from a cache.
	// +optional
	Polled []string `json:"polled,omitempty"`
}
