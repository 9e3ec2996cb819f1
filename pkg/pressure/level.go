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
	"strings"
)

// Level is the severity of memory pressure.
type Level int

const (
	// LevelNone means there is no memory pressure.
	LevelNone Level = iota
	// LevelLow means mild memory pressure.
	LevelLow
	// LevelMedium means moderate memory pressure.
	LevelMedium
	// LevelHigh means severe memory pressure.
	LevelHigh
	// LevelCritical means the system is about to run out of memory.
	LevelCritical
)

var (
	levelToString = map[Level]string{
		LevelNone:     "none",
		LevelLow:      "low",
		LevelMedium:   "medium",
		LevelHigh:     "high",
		LevelCritical: "critical",
	}
	stringToLevel = map[string]Level{
		"none":     LevelNone,
		"low":      LevelLow,
		"medium":   LevelMedium,
		"high":     LevelHigh,
		"critical": LevelCritical,
	}
)

// ParseLevel parses the given string into a pressure level.
func ParseLevel(str string) (Level, error) {
	if l, ok := stringToLevel[strings.ToLower(strings.TrimSpace(str))]; ok {
		return l, nil
	}
	return LevelNone, fmt.Errorf("%w: %q", ErrInvalidLevel, str)
}

// IsValid returns true if the level is known.
func (l Level) IsValid() bool {
	_, ok := levelToString[l]
	return ok
}

// String returns a string representation of the level.
func (l Level) String() string {
	if str, ok := levelToString[l]; ok {
		return str
	}
	return fmt.Sprintf("%%!(pressure:Bad-Level %d)", int(l))
}

var (
	ErrInvalidLevel  = fmt.Errorf("pressure: invalid level")
	ErrInvalidConfig = fmt.Errorf("pressure: invalid configuration")
	ErrNoSample      = fmt.Errorf("pressure: failed to sample memory state")
)
