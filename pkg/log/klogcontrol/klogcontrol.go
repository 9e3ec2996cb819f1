// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// EnvPrefix is the prefix of environment variables overriding klog flag defaults.
	EnvPrefix = "LOGGER_"
)

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
}

var ctl = &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}

// Get returns the klog Control singleton.
func Get() *Control {
	return ctl
}

// Configure sets every klog flag the configuration has a value for.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var result *multierror.Error
	c.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.Set(f.Name, value); err != nil {
			result = multierror.Append(result,
				fmt.Errorf("klogcontrol: failed to set flag %s=%q: %w", f.Name, value, err))
		}
	})
	return result.ErrorOrNil()
}

// EnvName returns the environment variable for the given klog flag.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)

	journald := os.Getenv("JOURNAL_STREAM") != ""
	ctl.VisitAll(func(f *flag.Flag) {
		name := EnvName(f.Name)
		value, ok := os.LookupEnv(name)
		switch {
		case ok:
			if err := ctl.Set(f.Name, value); err != nil {
				klog.Errorf("klog flag %q: invalid default %s=%q: %v", f.Name, name, value, err)
			}
		case f.Name == "skip_headers" && journald:
			// journald adds its own headers
			_ = ctl.Set(f.Name, "true")
		}
	})
}
