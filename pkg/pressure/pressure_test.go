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

package pressure_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1/pressure"
	"github.com/containers/blockpool/pkg/pressure"
)

func TestParseLevel(t *testing.T) {
	for _, l := range []pressure.Level{
		pressure.LevelNone,
		pressure.LevelLow,
		pressure.LevelMedium,
		pressure.LevelHigh,
		pressure.LevelCritical,
	} {
		parsed, err := pressure.ParseLevel(l.String())
		require.NoError(t, err)
		require.Equal(t, l, parsed)
		require.True(t, l.IsValid())
	}

	l, err := pressure.ParseLevel(" High ")
	require.NoError(t, err)
	require.Equal(t, pressure.LevelHigh, l)

	_, err = pressure.ParseLevel("extreme")
	require.ErrorIs(t, err, pressure.ErrInvalidLevel)
	require.False(t, pressure.Level(7).IsValid())
}

func TestClassify(t *testing.T) {
	const gig = uint64(1 << 30)

	th := pressure.DefaultThresholds()
	require.NoError(t, th.Validate())

	for _, tc := range []struct {
		name   string
		sample pressure.Sample
		level  pressure.Level
	}{
		{
			name:   "idle",
			sample: pressure.Sample{MemTotal: 10 * gig, MemAvailable: 8 * gig},
			level:  pressure.LevelNone,
		},
		{
			name:   "low stall",
			sample: pressure.Sample{SomeAvg10: 5, MemTotal: 10 * gig, MemAvailable: 8 * gig},
			level:  pressure.LevelLow,
		},
		{
			name:   "medium availability",
			sample: pressure.Sample{SomeAvg10: 1, MemTotal: 10 * gig, MemAvailable: gig},
			level:  pressure.LevelMedium,
		},
		{
			name:   "high stall wins over low availability",
			sample: pressure.Sample{SomeAvg10: 25, MemTotal: 10 * gig, MemAvailable: 3 * gig / 2},
			level:  pressure.LevelHigh,
		},
		{
			name:   "critical availability",
			sample: pressure.Sample{MemTotal: 100 * gig, MemAvailable: gig},
			level:  pressure.LevelCritical,
		},
		{
			name:   "unknown total",
			sample: pressure.Sample{},
			level:  pressure.LevelNone,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.level, th.Classify(&tc.sample))
		})
	}
}

func TestThresholdsValidate(t *testing.T) {
	th := pressure.DefaultThresholds()
	th.High.Stall = 8
	require.ErrorIs(t, th.Validate(), pressure.ErrInvalidConfig)

	th = pressure.DefaultThresholds()
	th.Critical.Available = 30
	require.ErrorIs(t, th.Validate(), pressure.ErrInvalidConfig)

	// disabled checks are not compared
	th = pressure.DefaultThresholds()
	th.Medium = pressure.Threshold{}
	require.NoError(t, th.Validate())
}

func writeProc(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, "proc", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProcSource(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "pressure/memory",
		"some avg10=12.50 avg60=3.00 avg300=1.00 total=123456\n"+
			"full avg10=4.25 avg60=1.00 avg300=0.50 total=23456\n")
	writeProc(t, root, "meminfo",
		"MemTotal:       16384000 kB\n"+
			"MemFree:         1024000 kB\n"+
			"MemAvailable:    4096000 kB\n"+
			"Buffers:          100000 kB\n")

	s, err := pressure.NewProcSource(root).Sample()
	require.NoError(t, err)
	require.Equal(t, &pressure.Sample{
		SomeAvg10:    12.5,
		FullAvg10:    4.25,
		MemTotal:     16384000 * 1024,
		MemAvailable: 4096000 * 1024,
	}, s)
	require.InDelta(t, 25.0, s.AvailablePercent(), 0.001)
	require.Equal(t, "stall some 12.50%, full 4.25%, available 25.00%", s.String())
}

func TestProcSourceWithoutPSI(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "meminfo", "MemTotal: 1000 kB\nMemAvailable: 100 kB\n")

	src := pressure.NewProcSource(root)
	for i := 0; i < 2; i++ {
		s, err := src.Sample()
		require.NoError(t, err)
		require.Zero(t, s.SomeAvg10)
		require.Equal(t, uint64(1000*1024), s.MemTotal)
		require.Equal(t, uint64(100*1024), s.MemAvailable)
	}

	// PSI showing up later is not picked up again
	writeProc(t, root, "pressure/memory", "some avg10=50.00 avg60=0.00 avg300=0.00 total=0\n")
	s, err := src.Sample()
	require.NoError(t, err)
	require.Zero(t, s.SomeAvg10)
}

func TestProcSourceErrors(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "pressure/memory", "some avg10=bogus\n")
	writeProc(t, root, "meminfo", "MemTotal: 1000 kB\n")

	_, err := pressure.NewProcSource(root).Sample()
	require.ErrorIs(t, err, pressure.ErrNoSample)
}

// fakeSource replays a list of samples. A nil sample is a sampling error.
type fakeSource struct {
	sync.Mutex
	samples []*pressure.Sample
}

func (s *fakeSource) Sample() (*pressure.Sample, error) {
	s.Lock()
	defer s.Unlock()
	if len(s.samples) == 0 {
		return &pressure.Sample{}, nil
	}
	next := s.samples[0]
	s.samples = s.samples[1:]
	if next == nil {
		return nil, fmt.Errorf("%w: fake failure", pressure.ErrNoSample)
	}
	return next, nil
}

type reclaim struct {
	level  pressure.Level
	budget int
}

// fakeShrinker records reclaims and releases a fixed amount each time.
type fakeShrinker struct {
	sync.Mutex
	name     string
	release  int
	reclaims []reclaim
}

func (s *fakeShrinker) Name() string {
	return s.name
}

func (s *fakeShrinker) Reclaimable(level pressure.Level) int {
	return int(level) * s.release
}

func (s *fakeShrinker) Reclaim(level pressure.Level, budget int) int {
	s.Lock()
	defer s.Unlock()
	s.reclaims = append(s.reclaims, reclaim{level: level, budget: budget})
	return s.release
}

func (s *fakeShrinker) levels() []pressure.Level {
	s.Lock()
	defer s.Unlock()
	var levels []pressure.Level
	for _, r := range s.reclaims {
		levels = append(levels, r.level)
	}
	return levels
}

func stall(avg10 float64) *pressure.Sample {
	return &pressure.Sample{SomeAvg10: avg10, MemTotal: 100, MemAvailable: 100}
}

func TestMonitorPoll(t *testing.T) {
	src := &fakeSource{
		samples: []*pressure.Sample{
			stall(6),  // none -> low, notified
			stall(6),  // low, notified, uses up rate limit
			stall(7),  // low, suppressed
			stall(25), // low -> high, notified
			nil,       // error
			stall(0),  // high -> none
			stall(12), // none -> medium, notified
		},
	}
	s1 := &fakeShrinker{name: "s1", release: 3}
	s2 := &fakeShrinker{name: "s2", release: 1}

	mon, err := pressure.NewMonitor(
		pressure.WithSource(src),
		pressure.WithNotifyInterval(time.Hour),
	)
	require.NoError(t, err)
	mon.Register(s1)
	mon.Register(s2)

	require.Nil(t, mon.LastSample())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		mon.Poll(ctx)
	}
	require.Equal(t, pressure.LevelHigh, mon.Level())
	require.Equal(t, stall(25), mon.LastSample())

	mon.Poll(ctx)
	require.Equal(t, pressure.LevelHigh, mon.Level())

	mon.Poll(ctx)
	require.Equal(t, pressure.LevelNone, mon.Level())
	mon.Poll(ctx)
	require.Equal(t, pressure.LevelMedium, mon.Level())

	expected := []pressure.Level{
		pressure.LevelLow,
		pressure.LevelLow,
		pressure.LevelHigh,
		pressure.LevelMedium,
	}
	require.Equal(t, expected, s1.levels())
	require.Equal(t, expected, s2.levels())
	for _, r := range s1.reclaims {
		require.Zero(t, r.budget)
	}

	require.Equal(t, pressure.MonitorStats{
		Samples:       6,
		SampleErrors:  1,
		Notifications: 4,
		Suppressed:    1,
		Reclaimed:     16,
	}, mon.Stats())

	require.Equal(t, 8, mon.Reclaimable(pressure.LevelMedium))
}

func TestMonitorNotify(t *testing.T) {
	mon, err := pressure.NewMonitor(pressure.WithSource(&fakeSource{}))
	require.NoError(t, err)

	s := &fakeShrinker{name: "test", release: 5}
	mon.Register(s)

	require.Equal(t, 5, mon.Notify(pressure.LevelCritical, 42))
	require.Equal(t, []reclaim{{level: pressure.LevelCritical, budget: 42}}, s.reclaims)
}

func TestMonitorRun(t *testing.T) {
	src := &fakeSource{samples: []*pressure.Sample{stall(50)}}
	s := &fakeShrinker{name: "test", release: 1}

	mon, err := pressure.NewMonitor(
		pressure.WithSource(src),
		pressure.WithInterval(time.Millisecond),
	)
	require.NoError(t, err)
	mon.Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		mon.Run(ctx)
	}()

	require.Eventually(t, func() bool { return mon.Stats().Samples >= 3 },
		5*time.Second, time.Millisecond)
	cancel()
	<-done

	require.Equal(t, []pressure.Level{pressure.LevelCritical}, s.levels())
	require.Equal(t, pressure.LevelNone, mon.Level())
}

func TestMonitorOptions(t *testing.T) {
	_, err := pressure.NewMonitor(pressure.WithSource(nil))
	require.ErrorIs(t, err, pressure.ErrInvalidConfig)
	_, err = pressure.NewMonitor(pressure.WithInterval(0))
	require.ErrorIs(t, err, pressure.ErrInvalidConfig)

	bad := pressure.DefaultThresholds()
	bad.Low.Stall = 50
	_, err = pressure.NewMonitor(pressure.WithThresholds(bad))
	require.ErrorIs(t, err, pressure.ErrInvalidConfig)
}

func TestWithConfig(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "pressure/memory", "some avg10=3.00 avg60=0.00 avg300=0.00 total=0\n")
	writeProc(t, root, "meminfo", "MemTotal: 1000 kB\nMemAvailable: 900 kB\n")

	cfg := &cfgapi.Config{
		Interval:       metav1.Duration{Duration: time.Minute},
		NotifyInterval: metav1.Duration{Duration: time.Minute},
		ProcRoot:       root,
		Thresholds: &cfgapi.Thresholds{
			Low:      cfgapi.Threshold{Stall: 2},
			Medium:   cfgapi.Threshold{Stall: 4},
			High:     cfgapi.Threshold{Stall: 8},
			Critical: cfgapi.Threshold{Stall: 16, Available: 1},
		},
	}
	require.NoError(t, cfg.Validate())

	mon, err := pressure.NewMonitor(pressure.WithConfig(cfg))
	require.NoError(t, err)

	mon.Poll(context.Background())
	require.Equal(t, pressure.LevelLow, mon.Level())

	require.Equal(t, pressure.Thresholds{
		Low:      pressure.Threshold{Stall: 2},
		Medium:   pressure.Threshold{Stall: 4},
		High:     pressure.Threshold{Stall: 8},
		Critical: pressure.Threshold{Stall: 16, Available: 1},
	}, pressure.ThresholdsOf(cfg.Thresholds))

	cfg.Thresholds.Critical.Available = 101
	require.Error(t, cfg.Validate())
}
