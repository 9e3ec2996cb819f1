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
	"time"

	"github.com/hashicorp/go-multierror"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config provides runtime configuration for memory pressure monitoring.
// +kubebuilder:object:generate=true
type Config struct {
	// Disable turns memory pressure monitoring off.
	// +optional
	Disable bool `json:"disable,omitempty"`
	// Interval is the memory state sampling interval.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1s"
	Interval metav1.Duration `json:"interval,omitempty"`
	// NotifyInterval is the minimum interval between two shrinks at the
	// same pressure level. A rising level always shrinks immediately.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="100ms"
	NotifyInterval metav1.Duration `json:"notifyInterval,omitempty"`
	// ProcRoot is the directory procfs is found under.
	// +optional
	// +kubebuilder:default="/"
	ProcRoot string `json:"procRoot,omitempty"`
	// Thresholds trigger the pressure levels. Unset thresholds use
	// built-in defaults.
	// +optional
	Thresholds *Thresholds `json:"thresholds,omitempty"`
}

// Thresholds trigger pressure levels above none.
type Thresholds struct {
	Low      Threshold `json:"low,omitempty"`
	Medium   Threshold `json:"medium,omitempty"`
	High     Threshold `json:"high,omitempty"`
	Critical Threshold `json:"critical,omitempty"`
}

// Threshold triggers a pressure level if either condition is met.
type Threshold struct {
	// Stall is the percentage of time some tasks stalled on memory.
	// +optional
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=100
	Stall int `json:"stall,omitempty"`
	// Available is the percentage of available memory.
	// +optional
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=100
	Available int `json:"available,omitempty"`
}

const (
	defaultInterval       = time.Second
	defaultNotifyInterval = 100 * time.Millisecond
)

// SetDefaults sets defaults for all unset optional fields.
func (c *Config) SetDefaults() {
	if c.Interval.Duration == 0 {
		c.Interval = metav1.Duration{Duration: defaultInterval}
	}
	if c.NotifyInterval.Duration == 0 {
		c.NotifyInterval = metav1.Duration{Duration: defaultNotifyInterval}
	}
	if c.ProcRoot == "" {
		c.ProcRoot = "/"
	}
}

// Validate checks the configuration, collecting all problems found.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Interval.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("negative pressure interval %s", c.Interval.Duration))
	}
	if c.NotifyInterval.Duration < 0 {
		result = multierror.Append(result,
			fmt.Errorf("negative pressure notify interval %s", c.NotifyInterval.Duration))
	}

	if t := c.Thresholds; t != nil {
		for name, th := range map[string]Threshold{
			"low":      t.Low,
			"medium":   t.Medium,
			"high":     t.High,
			"critical": t.Critical,
		} {
			if th.Stall < 0 || th.Stall > 100 || th.Available < 0 || th.Available > 100 {
				result = multierror.Append(result,
					fmt.Errorf("%s pressure threshold %+v out of 0-100%% range", name, th))
			}
		}
	}

	return result.ErrorOrNil()
}
