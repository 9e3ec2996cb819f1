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

// Package mempolicy applies Linux NUMA memory policies to memory ranges
// using the mbind system call.
package mempolicy

import (
	"fmt"
	"slices"
	"strings"
)

// Mode is a memory policy mode.
type Mode uint

const (
	MPOL_DEFAULT Mode = iota
	MPOL_PREFERRED
	MPOL_BIND
	MPOL_INTERLEAVE
	MPOL_LOCAL
	MPOL_PREFERRED_MANY
	MPOL_WEIGHTED_INTERLEAVE
)

// Mode flags.
const (
	MPOL_F_STATIC_NODES   uint = (1 << 15)
	MPOL_F_RELATIVE_NODES uint = (1 << 14)
	MPOL_F_NUMA_BALANCING uint = (1 << 13)

	MAX_NUMA_NODES = 1024
)

var (
	modeNames = map[Mode]string{
		MPOL_DEFAULT:             "default",
		MPOL_PREFERRED:           "preferred",
		MPOL_BIND:                "bind",
		MPOL_INTERLEAVE:          "interleave",
		MPOL_LOCAL:               "local",
		MPOL_PREFERRED_MANY:      "preferred-many",
		MPOL_WEIGHTED_INTERLEAVE: "weighted-interleave",
	}
	flagNames = map[string]uint{
		"static-nodes":   MPOL_F_STATIC_NODES,
		"relative-nodes": MPOL_F_RELATIVE_NODES,
		"numa-balancing": MPOL_F_NUMA_BALANCING,
	}
)

// ParseMode parses a mode given either by its short name, like "bind",
// or its kernel name, like "MPOL_BIND".
func ParseMode(str string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(str))
	name = strings.ReplaceAll(strings.TrimPrefix(name, "mpol_"), "_", "-")
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("mempolicy: unknown mode %q", str)
}

// ParseFlag parses a mode flag given by its short or kernel name.
func ParseFlag(str string) (uint, error) {
	name := strings.ToLower(strings.TrimSpace(str))
	name = strings.ReplaceAll(strings.TrimPrefix(name, "mpol_f_"), "_", "-")
	if f, ok := flagNames[name]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("mempolicy: unknown flag %q", str)
}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("%%!(mempolicy:Bad-Mode %d)", uint(m))
}

// needsNodes returns true if the mode requires a non-empty node set.
func (m Mode) needsNodes() bool {
	switch m {
	case MPOL_BIND, MPOL_INTERLEAVE, MPOL_PREFERRED_MANY, MPOL_WEIGHTED_INTERLEAVE:
		return true
	}
	return false
}

// Policy is a memory policy for a memory range.
type Policy struct {
	Mode  Mode
	Flags uint
	Nodes []int
}

// NewPolicy creates a policy from the given mode, flag and node names.
func NewPolicy(mode string, flags []string, nodes []int) (*Policy, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}

	p := &Policy{Mode: m, Nodes: slices.Clone(nodes)}
	for _, name := range flags {
		f, err := ParseFlag(name)
		if err != nil {
			return nil, err
		}
		p.Flags |= f
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate checks that the policy is applicable.
func (p *Policy) Validate() error {
	if _, ok := modeNames[p.Mode]; !ok {
		return fmt.Errorf("mempolicy: invalid mode %d", uint(p.Mode))
	}
	if p.Mode.needsNodes() && len(p.Nodes) == 0 {
		return fmt.Errorf("mempolicy: mode %s needs nodes", p.Mode)
	}
	if (p.Mode == MPOL_DEFAULT || p.Mode == MPOL_LOCAL) && len(p.Nodes) != 0 {
		return fmt.Errorf("mempolicy: mode %s takes no nodes", p.Mode)
	}
	_, err := nodesToMask(p.Nodes)
	return err
}

func (p *Policy) String() string {
	return fmt.Sprintf("%s%v", p.Mode, p.Nodes)
}

func nodesToMask(nodes []int) ([]uint64, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	maxNode := 0
	for _, node := range nodes {
		if node < 0 {
			return nil, fmt.Errorf("mempolicy: node %d out of range", node)
		}
		if node > maxNode {
			maxNode = node
		}
	}
	if maxNode >= MAX_NUMA_NODES {
		return nil, fmt.Errorf("mempolicy: node %d out of range", maxNode)
	}
	mask := make([]uint64, (maxNode/64)+1)
	for _, node := range nodes {
		mask[node/64] |= (1 << (node % 64))
	}
	return mask, nil
}
