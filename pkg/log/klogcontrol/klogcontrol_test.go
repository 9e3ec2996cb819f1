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

package klogcontrol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1/log/klogcontrol"
	"github.com/containers/blockpool/pkg/log/klogcontrol"
)

func TestEnvName(t *testing.T) {
	require.Equal(t, "LOGGER_SKIP_HEADERS", klogcontrol.EnvName("skip_headers"))
	require.Equal(t, "LOGGER_LOG_FILE_MAX_SIZE", klogcontrol.EnvName("log-file-max-size"))
}

func TestConfigure(t *testing.T) {
	ctl := klogcontrol.Get()
	v := ctl.Lookup("v")
	require.NotNil(t, v)
	orig := v.Value.String()
	defer func() {
		require.NoError(t, ctl.Set("v", orig))
	}()

	level := 4
	require.NoError(t, ctl.Configure(&cfgapi.Config{V: &level}))
	require.Equal(t, "4", v.Value.String())

	require.NoError(t, ctl.Configure(nil), "nil configuration")
	require.Equal(t, "4", v.Value.String())

	bogus := "bogus"
	err := ctl.Configure(&cfgapi.Config{Stderrthreshold: &bogus})
	require.Error(t, err)
	require.Contains(t, err.Error(), "stderrthreshold")
}
