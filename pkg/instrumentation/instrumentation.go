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
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/blockpool/pkg/healthz"
	"github.com/containers/blockpool/pkg/http"
	logger "github.com/containers/blockpool/pkg/log"
	"github.com/containers/blockpool/pkg/metrics"
)

const (
	metricsPath = "/metrics"
)

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.Mutex
	// Our HTTP server instance.
	srv = http.NewServer()
	// Our metrics gatherer, if metrics are exported.
	gatherer *metrics.Gatherer
	// Our logger instance.
	log = logger.NewLogger("instrumentation")
)

// HTTPServer returns our HTTP server.
func HTTPServer() *http.Server {
	return srv
}

// Gatherer returns our metrics gatherer, or nil if metrics are not exported.
func Gatherer() *metrics.Gatherer {
	lock.Lock()
	defer lock.Unlock()
	return gatherer
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Reconfigure our instrumentation services, starting them if necessary.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	defer lock.Unlock()

	cfg = newCfg

	stopMetrics()
	if err := srv.Reconfigure(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to reconfigure HTTP server: %w", err)
	}
	healthz.Setup(srv.GetMux())

	return startMetrics()
}

func start() error {
	if err := srv.Start(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	healthz.Setup(srv.GetMux())

	return startMetrics()
}

func stop() {
	stopMetrics()
	srv.Stop()
}

func startMetrics() error {
	if !cfg.PrometheusExport {
		log.Info("metrics export disabled")
		return nil
	}

	enabled, polled := []string{"*"}, []string(nil)
	if cfg.Metrics != nil {
		enabled, polled = cfg.Metrics.Enabled, cfg.Metrics.Polled
	}

	opts := []metrics.GathererOption{
		metrics.WithMetrics(enabled, polled),
	}
	if p := cfg.ReportPeriod.Duration; p > 0 {
		opts = append(opts, metrics.WithPollInterval(p))
	}

	g, err := metrics.NewGatherer(opts...)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	handlerOpts := promhttp.HandlerOpts{
		ErrorLog:      log,
		ErrorHandling: promhttp.ContinueOnError,
	}
	srv.GetMux().Handle(metricsPath, promhttp.HandlerFor(g, handlerOpts))
	gatherer = g

	return nil
}

func stopMetrics() {
	if gatherer == nil {
		return
	}
	srv.GetMux().Unregister(metricsPath)
	gatherer.Stop()
	gatherer = nil
}
