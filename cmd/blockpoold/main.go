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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/expfmt"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1"
	"github.com/containers/blockpool/pkg/instrumentation"
	logger "github.com/containers/blockpool/pkg/log"
	"github.com/containers/blockpool/pkg/metrics"
	"github.com/containers/blockpool/pkg/version"
)

var (
	log = logger.Default()
)

const (
	defaultConfigFile = "/etc/blockpool/config.yaml"
)

func main() {
	var (
		configFile  = flag.String("config", defaultConfigFile, "BlockPool configuration file.")
		printConfig = flag.Bool("print-config", false, "Print configuration with defaults and exit.")
		dumpMetrics = flag.Duration("dump-metrics", 0,
			"Run for the given time, dump metrics in text format and exit.")
		noWatch = flag.Bool("no-watch", false, "Do not reload configuration file on changes.")
	)
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		log.Error("unknown command line arguments: %v", args)
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := cfgapi.Load(*configFile)
	if err != nil {
		log.Fatal("%v", err)
	}

	if *printConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal("failed to marshal configuration: %v", err)
		}
		fmt.Print(string(data))
		os.Exit(0)
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		log.Error("failed to configure logging: %v", err)
	}
	logger.SetSlogLogger("")
	defer logger.Flush()

	log.Info("blockpoold (version %s, build %s) starting...", version.Version, version.Build)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(cfg)
	if err != nil {
		log.Fatal("failed to create block pool daemon: %v", err)
	}

	if err := d.start(ctx); err != nil {
		log.Fatal("failed to start block pool daemon: %v", err)
	}
	defer d.stop()

	if *dumpMetrics > 0 {
		if err := dump(ctx, *dumpMetrics); err != nil {
			log.Fatal("%v", err)
		}
		return
	}

	if !*noWatch {
		if err := d.watch(ctx, *configFile); err != nil {
			log.Error("failed to watch configuration file: %v", err)
		}
	}

	d.run(ctx)

	log.Info("blockpoold shutting down...")
}

func dump(ctx context.Context, after time.Duration) error {
	select {
	case <-ctx.Done():
	case <-time.After(after):
	}

	g := instrumentation.Gatherer()
	if g == nil {
		var err error
		g, err = metrics.NewGatherer(metrics.WithMetrics([]string{"*"}, nil), metrics.WithoutPolling())
		if err != nil {
			return fmt.Errorf("failed to create metrics gatherer: %w", err)
		}
		defer g.Stop()
	}

	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(os.Stdout, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
	}

	return nil
}
