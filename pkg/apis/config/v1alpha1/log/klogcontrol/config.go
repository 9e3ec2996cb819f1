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

package klogcontrol

import (
	"strconv"
)

// Config represents runtime configuration for klog. Each field corresponds
// to the klog command line flag of the same name. Unset fields leave the
// corresponding flag untouched.
type Config struct {
	// +optional
	AddDirHeader *bool `json:"add_dir_header,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	LogBacktraceAt *string `json:"log_backtrace_at,omitempty"`
	// +optional
	LogDir *string `json:"log_dir,omitempty"`
	// +optional
	LogFile *string `json:"log_file,omitempty"`
	// +optional
	LogFileMaxSize *uint64 `json:"log_file_max_size,omitempty"`
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	OneOutput *bool `json:"one_output,omitempty"`
	// +optional
	SkipHeaders *bool `json:"skip_headers,omitempty"`
	// +optional
	SkipLogHeaders *bool `json:"skip_log_headers,omitempty"`
	// +optional
	Stderrthreshold *string `json:"stderrthreshold,omitempty"`
	// +optional
	V *int `json:"v,omitempty"`
	// +optional
	Vmodule *string `json:"vmodule,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	var (
		b *bool
		s *string
	)

	switch name {
	case "add_dir_header":
		b = c.AddDirHeader
	case "alsologtostderr":
		b = c.Alsologtostderr
	case "log_backtrace_at":
		s = c.LogBacktraceAt
	case "log_dir":
		s = c.LogDir
	case "log_file":
		s = c.LogFile
	case "log_file_max_size":
		if c.LogFileMaxSize != nil {
			return strconv.FormatUint(*c.LogFileMaxSize, 10), true
		}
	case "logtostderr":
		b = c.Logtostderr
	case "one_output":
		b = c.OneOutput
	case "skip_headers":
		b = c.SkipHeaders
	case "skip_log_headers":
		b = c.SkipLogHeaders
	case "stderrthreshold":
		s = c.Stderrthreshold
	case "v":
		if c.V != nil {
			return strconv.Itoa(*c.V), true
		}
	case "vmodule":
		s = c.Vmodule
	}

	switch {
	case b != nil:
		return strconv.FormatBool(*b), true
	case s != nil:
		return *s, true
	}

	return "", false
}
