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
	"os"
	"path/filepath"
	"strings"

	"k8s.io/utils/cpuset"
)

const (
	// SysRoot is the default sysfs mount point.
	SysRoot = "/sys"
)

// OnlineNodes returns the set of online NUMA nodes under the given sysfs
// root. The node list uses the same format as CPU lists.
func OnlineNodes(sysRoot string) (cpuset.CPUSet, error) {
	path := filepath.Join(sysRoot, "devices/system/node/online")
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuset.New(), fmt.Errorf("mempolicy: failed to read online nodes: %w", err)
	}
	nodes, err := cpuset.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return cpuset.New(), fmt.Errorf("mempolicy: invalid node list %q in %s: %w",
			strings.TrimSpace(string(data)), path, err)
	}
	return nodes, nil
}

// CheckNodes verifies that all nodes of the policy are in online.
func (p *Policy) CheckNodes(online cpuset.CPUSet) error {
	nodes := cpuset.New(p.Nodes...)
	if missing := nodes.Difference(online); missing.Size() > 0 {
		return fmt.Errorf("mempolicy: %s uses offline or missing nodes %s (online: %s)",
			p, missing, online)
	}
	return nil
}
