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

package pressure

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/prometheus/procfs"
)

// Sample is a snapshot of system memory state.
type Sample struct {
	// SomeAvg10 is the share of time (in percent, over 10 seconds) at
	// least some tasks were stalled on memory.
	SomeAvg10 float64
	// FullAvg10 is the share of time (in percent, over 10 seconds) all
	// non-idle tasks were stalled on memory.
	FullAvg10 float64
	// MemTotal is the total amount of usable memory in bytes.
	MemTotal uint64
	// MemAvailable is the estimated amount of memory available for
	// starting new applications without swapping, in bytes.
	MemAvailable uint64
}

// AvailablePercent returns available memory in percent of total memory.
func (s *Sample) AvailablePercent() float64 {
	if s.MemTotal == 0 {
		return 100
	}
	return 100 * float64(s.MemAvailable) / float64(s.MemTotal)
}

func (s *Sample) String() string {
	return fmt.Sprintf("stall some %.2f%%, full %.2f%%, available %.2f%%",
		s.SomeAvg10, s.FullAvg10, s.AvailablePercent())
}

// Source produces memory state samples.
type Source interface {
	Sample() (*Sample, error)
}

// ProcSource samples memory state from procfs: pressure stall information
// from /proc/pressure/memory and memory usage from /proc/meminfo. If
// meminfo is unavailable, it falls back to the sysinfo system call.
type ProcSource struct {
	path  string
	fs    *procfs.FS
	noPSI bool
}

// NewProcSource creates a Source reading procfs under the given root.
func NewProcSource(root string) *ProcSource {
	if root == "" {
		root = "/"
	}
	return &ProcSource{path: filepath.Join(root, "proc")}
}

// Sample implements Source.
func (s *ProcSource) Sample() (*Sample, error) {
	if s.fs == nil {
		pfs, err := procfs.NewFS(s.path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoSample, err)
		}
		s.fs = &pfs
	}

	sample := &Sample{}

	if !s.noPSI {
		err := s.readPSI(sample)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Warn("no pressure stall information, using memory availability only")
			s.noPSI = true
		case err != nil:
			return nil, fmt.Errorf("%w: %w", ErrNoSample, err)
		}
	}

	if err := s.readMeminfo(sample); err != nil {
		log.Debug("failed to read meminfo (%v), falling back to sysinfo", err)
		total, avail, err := sysinfo()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoSample, err)
		}
		sample.MemTotal, sample.MemAvailable = total, avail
	}

	return sample, nil
}

func (s *ProcSource) readPSI(sample *Sample) error {
	if _, err := os.Stat(filepath.Join(s.path, "pressure", "memory")); err != nil {
		return err
	}

	psi, err := s.fs.PSIStatsForResource("memory")
	if err != nil {
		return err
	}

	if psi.Some != nil {
		sample.SomeAvg10 = psi.Some.Avg10
	}
	if psi.Full != nil {
		sample.FullAvg10 = psi.Full.Avg10
	}

	return nil
}

func (s *ProcSource) readMeminfo(sample *Sample) error {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return err
	}

	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return fmt.Errorf("no MemTotal in meminfo")
	}

	sample.MemTotal = *mi.MemTotal * 1024
	if mi.MemAvailable != nil {
		sample.MemAvailable = *mi.MemAvailable * 1024
	}

	return nil
}
