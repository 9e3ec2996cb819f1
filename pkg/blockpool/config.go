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
	"fmt"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1/blockpool"
)

// WithConfig is an option to configure a Manager from the given API
// configuration. Unset optional fields keep their Manager defaults.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(m *Manager) error {
		buckets, err := BucketConfigs(cfg)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFailedOption, err)
		}

		options := []Option{
			WithBuckets(buckets...),
			WithPriorityGating(cfg.PriorityGating),
			WithPrefill(cfg.Prefill),
		}

		if d := cfg.Alloc.RetryDelay.Duration; d > 0 || cfg.Alloc.RetryAttempts != nil {
			if d == 0 {
				d = m.retryDelay
			}
			n := m.retryAttempts
			if cfg.Alloc.RetryAttempts != nil {
				n = *cfg.Alloc.RetryAttempts
			}
			options = append(options, WithRetryPolicy(d, n))
		}

		if d := cfg.Shrink.GracePeriod.Duration; d > 0 {
			options = append(options, WithGracePeriod(d))
		}

		policy, err := ShrinkPolicyOf(&cfg.Shrink, m.policy)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
		options = append(options, WithShrinkPolicy(policy))

		if d := cfg.FailureLogInterval.Duration; d > 0 {
			options = append(options, WithFailureLogInterval(d))
		}

		for _, o := range options {
			if err := o(m); err != nil {
				return err
			}
		}

		return nil
	}
}

// BucketConfigs converts the buckets of an API configuration.
func BucketConfigs(cfg *cfgapi.Config) ([]BucketConfig, error) {
	buckets := make([]BucketConfig, 0, len(cfg.Buckets))
	for i, b := range cfg.Buckets {
		bc, err := BucketConfigOf(&b)
		if err != nil {
			return nil, fmt.Errorf("bucket #%d: %w", i, err)
		}
		buckets = append(buckets, bc)
	}
	return buckets, nil
}

// BucketConfigOf converts a single bucket of an API configuration.
func BucketConfigOf(b *cfgapi.Bucket) (BucketConfig, error) {
	class, err := SizeClassOf(b.BlockSize.Value())
	if err != nil {
		return BucketConfig{}, err
	}
	prio, err := ParsePriority(b.Priority)
	if err != nil {
		return BucketConfig{}, err
	}

	var intent Intent
	if b.Zero {
		intent |= IntentZero
	}
	if b.Movable {
		intent |= IntentMovable
	}

	return BucketConfig{
		SizeClass:     class,
		Priority:      prio,
		Group:         b.Group,
		LowWatermark:  b.LowWatermark,
		HighWatermark: b.HighWatermark,
		MinReserve:    b.MinReserve,
		Intent:        intent,
	}, nil
}

// ShrinkPolicyOf converts the shrink configuration, using defaults for
// unset fields.
func ShrinkPolicyOf(cfg *cfgapi.ShrinkConfig, defaults ShrinkPolicy) (ShrinkPolicy, error) {
	p := defaults
	if cfg.LowBudget != nil {
		p.LowBudget = *cfg.LowBudget
	}
	if cfg.MediumBudget != nil {
		p.MediumBudget = *cfg.MediumBudget
	}
	if cfg.HighBudget != nil {
		p.HighBudget = *cfg.HighBudget
	}
	if cfg.LowMinBlockSize != nil {
		class, err := SizeClassOf(cfg.LowMinBlockSize.Value())
		if err != nil {
			return p, err
		}
		p.LowMinOrder = class
	}
	return p, p.validate()
}
