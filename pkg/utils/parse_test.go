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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/blockpool/pkg/utils"
)

func TestParseEnabled(t *testing.T) {
	for _, v := range []string{"on", "Enabled", " true ", "yes", "1"} {
		enabled, err := utils.ParseEnabled(v)
		require.NoError(t, err, v)
		require.True(t, enabled, v)
	}
	for _, v := range []string{"off", "disable", "FALSE", "no", "0"} {
		enabled, err := utils.ParseEnabled(v)
		require.NoError(t, err, v)
		require.False(t, enabled, v)
	}
	_, err := utils.ParseEnabled("sometimes")
	require.Error(t, err)
}

func TestHumanReadableSize(t *testing.T) {
	for size, str := range map[int64]string{
		0:         "0",
		1023:      "1023",
		1024:      "1k",
		1536:      "1.5k",
		4096:      "4k",
		64 * 1024: "64k",
		4 << 20:   "4M",
		3 << 30:   "3G",
		11 << 39:  "5.5T",
		1 << 50:   "1125899906842624",
	} {
		require.Equal(t, str, utils.HumanReadableSize(size), "size %d", size)
	}
}
