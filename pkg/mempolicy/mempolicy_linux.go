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

package mempolicy

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Apply sets the policy for the given memory range. It should be called
// before the memory is first touched.
func (p *Policy) Apply(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}

	mask, err := nodesToMask(p.Nodes)
	if err != nil {
		return err
	}

	var (
		maskPtr unsafe.Pointer
		maxNode uintptr
	)
	if len(mask) > 0 {
		maskPtr = unsafe.Pointer(&mask[0])
		maxNode = uintptr(len(mask)*64 + 1)
	}

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)),
		uintptr(uint(p.Mode)|p.Flags), uintptr(maskPtr), maxNode, 0)
	if errno != 0 {
		return fmt.Errorf("mempolicy: mbind %s failed: %w", p, errno)
	}

	return nil
}
