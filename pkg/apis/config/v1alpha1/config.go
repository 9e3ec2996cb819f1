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

package v1alpha1

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

const (
	defaultReportPeriod = 30 * time.Second
)

// Parse parses a BlockPool configuration from YAML or JSON data, sets
// defaults and validates the result.
func Parse(data []byte) (*BlockPool, error) {
	cfg := &BlockPool{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse BlockPool configuration")
	}

	if cfg.Kind != "" && cfg.Kind != Kind {
		return nil, errors.Errorf("unexpected configuration kind %q, expected %q", cfg.Kind, Kind)
	}
	if cfg.APIVersion != "" && cfg.APIVersion != GroupVersion {
		return nil, errors.Errorf("unexpected configuration version %q, expected %q",
			cfg.APIVersion, GroupVersion)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid BlockPool configuration")
	}

	return cfg, nil
}

// Load reads, parses and validates the BlockPool configuration file.
func Load(path string) (*BlockPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}

	return cfg, nil
}

// SetDefaults sets defaults for all unset optional fields.
func (c *BlockPool) SetDefaults() {
	c.Spec.Config.SetDefaults()
	c.Spec.Pressure.SetDefaults()
	if c.Spec.Instrumentation.ReportPeriod.Duration == 0 {
		c.Spec.Instrumentation.ReportPeriod.Duration = defaultReportPeriod
	}
}

// Validate checks the configuration, collecting all problems found.
func (c *BlockPool) Validate() error {
	var result *multierror.Error

	if err := c.Spec.Config.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Spec.Pressure.Validate(); err != nil {
		result = multierror.Append(result, fmt.Errorf("pressure: %w", err))
	}
	if c.Spec.Instrumentation.ReportPeriod.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("instrumentation: negative report period %s",
			c.Spec.Instrumentation.ReportPeriod.Duration))
	}

	return result.ErrorOrNil()
}
