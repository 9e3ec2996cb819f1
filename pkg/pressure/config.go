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
	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1/pressure"
)

// WithConfig is an option to configure a Monitor from the given API
// configuration.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(m *Monitor) error {
		options := []Option{
			WithSource(NewProcSource(cfg.ProcRoot)),
		}
		if d := cfg.Interval.Duration; d > 0 {
			options = append(options, WithInterval(d))
		}
		if d := cfg.NotifyInterval.Duration; d > 0 {
			options = append(options, WithNotifyInterval(d))
		}
		if t := cfg.Thresholds; t != nil {
			options = append(options, WithThresholds(ThresholdsOf(t)))
		}

		for _, o := range options {
			if err := o(m); err != nil {
				return err
			}
		}

		return nil
	}
}

// ThresholdsOf converts thresholds of an API configuration.
func ThresholdsOf(t *cfgapi.Thresholds) Thresholds {
	conv := func(t cfgapi.Threshold) Threshold {
		return Threshold{
			Stall:     float64(t.Stall),
			Available: float64(t.Available),
		}
	}
	return Thresholds{
		Low:      conv(t.Low),
		Medium:   conv(t.Medium),
		High:     conv(t.High),
		Critical: conv(t.Critical),
	}
}
