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
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/equality"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1"
	"github.com/containers/blockpool/pkg/blockpool"
	"github.com/containers/blockpool/pkg/healthz"
	"github.com/containers/blockpool/pkg/instrumentation"
	logger "github.com/containers/blockpool/pkg/log"
	"github.com/containers/blockpool/pkg/metrics"
	"github.com/containers/blockpool/pkg/metrics/collectors"
	"github.com/containers/blockpool/pkg/pressure"
	"github.com/containers/blockpool/pkg/rawalloc"
	"github.com/containers/blockpool/pkg/watch"
)

type daemon struct {
	sync.Mutex
	cfg        *cfgapi.BlockPool
	raw        rawalloc.Allocator
	acct       *blockpool.Counter
	pool       *blockpool.Manager
	monitor    *pressure.Monitor
	watcher    *watch.File
	status     *cfgapi.ConfigStatus
	generation int64
}

func newDaemon(cfg *cfgapi.BlockPool) (*daemon, error) {
	d := &daemon{
		cfg:  cfg,
		acct: &blockpool.Counter{},
	}

	raw, err := rawalloc.New(&cfg.Spec.RawAllocator)
	if err != nil {
		return nil, err
	}
	d.raw = raw

	pool, err := blockpool.Setup(raw,
		blockpool.WithConfig(&cfg.Spec.Config),
		blockpool.WithAccounting(d.acct),
	)
	if err != nil {
		return nil, err
	}
	d.pool = pool

	if !cfg.Spec.Pressure.Disable {
		mon, err := pressure.NewMonitor(pressure.WithConfig(&cfg.Spec.Pressure))
		if err != nil {
			return nil, err
		}
		mon.Register(pool.Shrinker())
		d.monitor = mon
	}

	d.generation = 1
	d.status = cfgapi.NewConfigStatus(nil, d.generation)

	d.registerMetrics()
	healthz.RegisterHealthChecker("blockpool", d.checkHealth)

	return d, nil
}

func (d *daemon) registerMetrics() {
	r := metrics.Default()
	collectors.RegisterStandard(r)

	if err := r.Register("buckets", d.pool.Collector(), metrics.WithGroup("blockpool")); err != nil {
		log.Error("failed to register block pool collector: %v", err)
	}
	if err := r.Register("usage", collectors.NewRawAllocatorCollector(d.raw),
		metrics.WithGroup("rawalloc")); err != nil {
		log.Error("failed to register raw allocator collector: %v", err)
	}
	if d.monitor != nil {
		if err := r.Register("monitor", collectors.NewPressureCollector(d.monitor),
			metrics.WithGroup("pressure")); err != nil {
			log.Error("failed to register pressure collector: %v", err)
		}
	}
}

func (d *daemon) start(ctx context.Context) error {
	if err := instrumentation.Reconfigure(&d.cfg.Spec.Instrumentation); err != nil {
		return fmt.Errorf("failed to start instrumentation: %w", err)
	}

	d.pool.DumpConfig("")

	if err := d.pool.Start(ctx); err != nil {
		return err
	}

	if d.monitor != nil {
		go d.monitor.Run(ctx)
	}

	return nil
}

func (d *daemon) stop() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.pool.Stop()
	instrumentation.Stop()
}

func (d *daemon) watch(_ context.Context, file string) error {
	w, err := watch.NewFile(file, nil)
	if err != nil {
		return err
	}
	d.watcher = w
	return nil
}

func (d *daemon) run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	var events <-chan watch.Event
	if d.watcher != nil {
		events = d.watcher.ResultChan()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				d.pool.DumpConfig("")
				d.pool.DumpState("")
				log.Info("accounted pool memory: %d bytes", d.acct.Value())
			case syscall.SIGUSR2:
				res := d.pool.Shrink(blockpool.ShrinkRequest{Level: pressure.LevelHigh})
				log.Info("manual shrink released %d blocks (%d bytes)", res.Freed, res.FreedBytes)
			}

		case e, ok := <-events:
			if !ok {
				log.Warn("configuration file watch closed")
				events = nil
				continue
			}
			d.handleEvent(e)
		}
	}
}

func (d *daemon) handleEvent(e watch.Event) {
	switch e.Type {
	case watch.Added:
		d.Lock()
		unchanged := equality.Semantic.DeepEqual(d.cfg.Spec, e.Config.Spec)
		d.Unlock()
		if unchanged {
			log.Debug("configuration unchanged")
			return
		}
		d.apply(e.Config)
	case watch.Deleted:
		log.Warn("configuration file removed, keeping current configuration")
	case watch.Error:
		log.Error("failed to reload configuration: %v", e.Err)
		d.setStatus(e.Err)
	}
}

func (d *daemon) apply(cfg *cfgapi.BlockPool) {
	log.Info("applying new configuration...")

	d.Lock()
	old := d.cfg
	d.Unlock()
	for _, what := range restartNeeded(old, cfg) {
		log.Warn("changes to %s need a restart to take effect", what)
	}

	var result *multierror.Error

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging: %w", err))
	}

	if err := d.applyWatermarks(cfg); err != nil {
		result = multierror.Append(result, err)
	}

	if err := instrumentation.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
		result = multierror.Append(result, fmt.Errorf("instrumentation: %w", err))
	}

	err := result.ErrorOrNil()
	if err != nil {
		log.Error("failed to apply configuration: %v", err)
	}

	d.Lock()
	d.cfg = cfg
	d.Unlock()
	d.setStatus(err)
}

func (d *daemon) applyWatermarks(cfg *cfgapi.BlockPool) error {
	var result *multierror.Error

	seen := map[*blockpool.Bucket]bool{}
	for i := range cfg.Spec.Buckets {
		bc, err := blockpool.BucketConfigOf(&cfg.Spec.Buckets[i])
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("bucket #%d: %w", i, err))
			continue
		}

		b, err := d.pool.Bucket(bc.SizeClass, bc.Priority)
		if err != nil {
			result = multierror.Append(result,
				fmt.Errorf("bucket #%d: %w (adding buckets needs a restart)", i, err))
			continue
		}
		seen[b] = true

		err = d.pool.SetWatermarks(bc.SizeClass, bc.Priority, bc.MinReserve, bc.LowWatermark, bc.HighWatermark)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("bucket #%d: %w", i, err))
		}
	}

	d.pool.ForeachBucket(func(b *blockpool.Bucket) bool {
		if !seen[b] {
			log.Warn("%s removed from configuration, removing buckets needs a restart", b)
		}
		return true
	})

	return result.ErrorOrNil()
}

// restartNeeded lists the changed parts of the configuration which are
// only taken into use at startup.
func restartNeeded(old, cur *cfgapi.BlockPool) []string {
	var (
		o, n    = &old.Spec, &cur.Spec
		changed []string
	)

	for _, c := range []struct {
		name     string
		old, cur any
	}{
		{"priorityGating", o.PriorityGating, n.PriorityGating},
		{"prefill", o.Prefill, n.Prefill},
		{"failureLogInterval", o.FailureLogInterval, n.FailureLogInterval},
		{"alloc", o.Alloc, n.Alloc},
		{"shrink", o.Shrink, n.Shrink},
		{"rawAllocator", o.RawAllocator, n.RawAllocator},
		{"pressure", o.Pressure, n.Pressure},
	} {
		if !equality.Semantic.DeepEqual(c.old, c.cur) {
			changed = append(changed, c.name)
		}
	}

	idx := map[string]int{}
	for i := range o.Buckets {
		idx[o.Buckets[i].ID()] = i
	}
	for i := range n.Buckets {
		nb := &n.Buckets[i]
		j, ok := idx[nb.ID()]
		if !ok {
			continue
		}
		ob := &o.Buckets[j]
		if ob.Group != nb.Group {
			changed = append(changed, "bucket "+nb.ID()+" group")
		}
		if ob.Zero != nb.Zero {
			changed = append(changed, "bucket "+nb.ID()+" zero")
		}
		if ob.Movable != nb.Movable {
			changed = append(changed, "bucket "+nb.ID()+" movable")
		}
	}

	return changed
}

func (d *daemon) setStatus(err error) {
	d.Lock()
	defer d.Unlock()
	d.generation++
	d.status = cfgapi.NewConfigStatus(err, d.generation)
}

func (d *daemon) checkHealth() (healthz.Status, error) {
	d.Lock()
	status := d.status
	d.Unlock()

	if status.Failed() {
		return healthz.Degraded, status.Err()
	}

	var exhausted []string
	d.pool.ForeachBucket(func(b *blockpool.Bucket) bool {
		if s := b.Stats(); s.Count == 0 && s.HighWatermark > 0 && s.FillFailures > 0 {
			exhausted = append(exhausted, b.String())
		}
		return true
	})
	if len(exhausted) > 0 {
		return healthz.Degraded, fmt.Errorf("exhausted buckets failing to refill: %v", exhausted)
	}

	return healthz.Healthy, nil
}
