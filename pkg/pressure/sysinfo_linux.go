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
	"golang.org/x/sys/unix"
)

// sysinfo returns total and available (free + buffer) memory in bytes.
func sysinfo() (uint64, uint64, error) {
	info := &unix.Sysinfo_t{}
	if err := unix.Sysinfo(info); err != nil {
		return 0, 0, err
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}

	total := uint64(info.Totalram) * unit
	avail := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit

	return total, avail, nil
}
