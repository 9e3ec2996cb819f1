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
	"fmt"
)

// Threshold triggers a pressure level. A level is reached if the memory
// stall time is at least Stall percent or if available memory is at most
// Available percent of total memory. Zero disables either check.
type Threshold struct {
	Stall     float64
	Available float64
}

func (t Threshold) reached(s *Sample) bool {
	if t.Stall > 0 && s.SomeAvg10 >= t.Stall {
		return true
	}
	if t.Available > 0 && s.AvailablePercent() <= t.Available {
		return true
	}
	return false
}

// Thresholds are the triggers of all pressure levels above LevelNone.
type Thresholds struct {
	Low      Threshold
	Medium   Threshold
	High     Threshold
	Critical Threshold
}

// DefaultThresholds returns the default pressure level thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Low:      Threshold{Stall: 5, Available: 20},
		Medium:   Threshold{Stall: 10, Available: 10},
		High:     Threshold{Stall: 20, Available: 5},
		Critical: Threshold{Stall: 40, Available: 2},
	}
}

// Validate checks that thresholds grow stricter with each level.
func (t *Thresholds) Validate() error {
	levels := []Threshold{t.Low, t.Medium, t.High, t.Critical}
	for i := 1; i < len(levels); i++ {
		prev, next := levels[i-1], levels[i]
		if prev.Stall > 0 && next.Stall > 0 && next.Stall < prev.Stall {
			return fmt.Errorf("%w: stall threshold of level %s below that of %s",
				ErrInvalidConfig, Level(i+1), Level(i))
		}
		if prev.Available > 0 && next.Available > 0 && next.Available > prev.Available {
			return fmt.Errorf("%w: available threshold of level %s above that of %s",
				ErrInvalidConfig, Level(i+1), Level(i))
		}
	}
	return nil
}

// Classify returns the highest pressure level reached by the sample.
func (t *Thresholds) Classify(s *Sample) Level {
	switch {
	case t.Critical.reached(s):
		return LevelCritical
	case t.High.reached(s):
		return LevelHigh
	case t.Medium.reached(s):
		return LevelMedium
	case t.Low.reached(s):
		return LevelLow
	}
	return LevelNone
}
