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
	"context"
	"slices"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// WorkerState is the state of a fill worker.
type WorkerState int32

const (
	// WorkerIdle is a worker waiting to be woken up.
	WorkerIdle WorkerState = iota
	// WorkerFilling is a worker growing its buckets.
	WorkerFilling
	// WorkerStopped is a worker which has been shut down.
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerFilling:
		return "filling"
	case WorkerStopped:
		return "stopped"
	}
	return "unknown"
}

// WorkerStats is a snapshot of the state of a fill worker.
type WorkerStats struct {
	Group string
	State WorkerState
	// Wakeups is the number of wakeup signals delivered to the worker.
	Wakeups uint64
	// Coalesced is the number of wakeups merged into a pending one.
	Coalesced uint64
	// Rounds is the number of fill rounds run by the worker.
	Rounds uint64
}

// fillWorker grows a group of buckets towards their high watermarks.
type fillWorker struct {
	group     string
	buckets   []*Bucket
	raw       RawAllocator
	wakeCh    chan struct{}
	state     atomic.Int32
	wakeups   atomic.Uint64
	coalesced atomic.Uint64
	rounds    atomic.Uint64
	failLog   *rate.Limiter
	doneCh    chan struct{}
}

func newFillWorker(group string, raw RawAllocator, failLog *rate.Limiter) *fillWorker {
	return &fillWorker{
		group:   group,
		raw:     raw,
		wakeCh:  make(chan struct{}, 1),
		failLog: failLog,
	}
}

// add adds a bucket to the worker, keeping buckets in fill order: the
// largest size class first, then by priority.
func (w *fillWorker) add(b *Bucket) {
	b.worker = w
	w.buckets = append(w.buckets, b)
	slices.SortStableFunc(w.buckets, func(b1, b2 *Bucket) int {
		if diff := int(b2.class) - int(b1.class); diff != 0 {
			return diff
		}
		return int(b1.prio) - int(b2.prio)
	})
}

// wake signals the worker. Multiple signals sent before the worker gets
// to run coalesce into one.
func (w *fillWorker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
		w.wakeups.Add(1)
	default:
		w.coalesced.Add(1)
	}
}

// pending returns true if a wakeup is waiting to be processed.
func (w *fillWorker) pending() bool {
	return len(w.wakeCh) > 0
}

func (w *fillWorker) getState() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *fillWorker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *fillWorker) stats() WorkerStats {
	return WorkerStats{
		Group:     w.group,
		State:     w.getState(),
		Wakeups:   w.wakeups.Load(),
		Coalesced: w.coalesced.Load(),
		Rounds:    w.rounds.Load(),
	}
}

// start launches the worker goroutine.
func (w *fillWorker) start(ctx context.Context) {
	w.doneCh = make(chan struct{})
	go w.run(ctx)
}

// wait waits for a started worker to stop.
func (w *fillWorker) wait() {
	if w.doneCh != nil {
		<-w.doneCh
	}
}

func (w *fillWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.setState(WorkerStopped)

	log.Debug("fill worker %s started with %d buckets", w.group, len(w.buckets))

	for {
		w.setState(WorkerIdle)

		select {
		case <-ctx.Done():
			log.Debug("fill worker %s stopped", w.group)
			return
		case <-w.wakeCh:
		}

		w.setState(WorkerFilling)
		w.rounds.Add(1)
		w.fill(ctx)
	}
}

// fill grows all buckets of the worker, one block per bucket per pass,
// until all are full, the raw allocator fails, or the worker is stopped.
func (w *fillWorker) fill(ctx context.Context) {
	for {
		progress := false

		for _, b := range w.buckets {
			if ctx.Err() != nil {
				return
			}

			if b.deficit() <= 0 {
				continue
			}

			mem, err := w.raw.Alloc(b.class, b.intent)
			if err != nil {
				fails := b.countFillFailure()
				if w.failLog.Allow() {
					log.Warn("fill worker %s: failed to grow %s (%d failures): %v",
						w.group, b, fails, err)
				}
				return
			}

			if !b.fill(mem) {
				w.raw.Free(mem, b.class)
				continue
			}

			progress = true
		}

		if !progress {
			return
		}
	}
}
