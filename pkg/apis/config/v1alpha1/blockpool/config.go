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
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// MinBlockSize is the smallest supported block size.
	MinBlockSize = 4096
	// MaxBlockSize is the largest supported block size.
	MaxBlockSize = MinBlockSize << 10

	// HeapAllocator allocates blocks from the Go heap.
	HeapAllocator = "heap"
	// MmapAllocator allocates blocks by anonymous memory mappings.
	MmapAllocator = "mmap"
)

var (
	knownPriorities = []string{"default", "unmovable", "movable", "camera"}
)

// Config provides runtime configuration for block pools.
// +kubebuilder:object:generate=true
type Config struct {
	// Buckets lists the buckets of the pool. Buckets are created once at
	// startup, later changes only update watermarks.
	// +kubebuilder:validation:MinItems=1
	Buckets []Bucket `json:"buckets"`
	// PriorityGating denies non-urgent allocations from buckets which
	// have fallen below their low watermark.
	// +optional
	PriorityGating bool `json:"priorityGating,omitempty"`
	// Prefill fills all buckets up to their high watermark on startup.
	// +optional
	Prefill bool `json:"prefill,omitempty"`
	// +optional
	Alloc AllocConfig `json:"alloc,omitempty"`
	// +optional
	Shrink ShrinkConfig `json:"shrink,omitempty"`
	// +optional
	RawAllocator RawAllocatorConfig `json:"rawAllocator,omitempty"`
	// FailureLogInterval limits how often failures to grow a bucket are
	// logged per fill worker.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="10s"
	FailureLogInterval metav1.Duration `json:"failureLogInterval,omitempty"`
}

// Bucket describes a single bucket.
type Bucket struct {
	// BlockSize is the size of blocks in the bucket. It must be a power
	// of two multiple of 4Ki, at most 4Mi.
	// +kubebuilder:example="64Ki"
	BlockSize resource.Quantity `json:"blockSize"`
	// Priority is the priority class of the bucket.
	// +optional
	// +kubebuilder:validation:Enum=default;unmovable;movable;camera
	// +kubebuilder:default="default"
	Priority string `json:"priority,omitempty"`
	// Group is the name of the fill worker serving the bucket. Buckets
	// without a group get a worker per block size.
	// +optional
	Group string `json:"group,omitempty"`
	// MinReserve is the number of blocks shrinking under memory pressure
	// leaves in the bucket.
	// +optional
	// +kubebuilder:validation:Minimum=0
	MinReserve int `json:"minReserve,omitempty"`
	// LowWatermark is the block count below which the bucket is refilled.
	// +kubebuilder:validation:Minimum=0
	LowWatermark int `json:"lowWatermark"`
	// HighWatermark is the maximum number of cached blocks.
	// +kubebuilder:validation:Minimum=0
	HighWatermark int `json:"highWatermark"`
	// Zero clears blocks before they are cached again.
	// +optional
	Zero bool `json:"zero,omitempty"`
	// Movable hints the raw allocator that memory may be migrated.
	// +optional
	Movable bool `json:"movable,omitempty"`
}

// AllocConfig configures allocations.
type AllocConfig struct {
	// RetryDelay is the delay between retries of allocations which are
	// allowed to retry.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1ms"
	RetryDelay metav1.Duration `json:"retryDelay,omitempty"`
	// RetryAttempts is the number of retries for allocations which are
	// allowed to retry.
	// +optional
	// +kubebuilder:default=3
	RetryAttempts *int `json:"retryAttempts,omitempty"`
}

// ShrinkConfig configures shrinking under memory pressure.
type ShrinkConfig struct {
	// GracePeriod is the minimum time between two shrinks of a bucket.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1s"
	GracePeriod metav1.Duration `json:"gracePeriod,omitempty"`
	// LowBudget is the number of blocks released at low pressure.
	// +optional
	// +kubebuilder:default=16
	LowBudget *int `json:"lowBudget,omitempty"`
	// MediumBudget is the number of blocks released at medium pressure.
	// +optional
	// +kubebuilder:default=64
	MediumBudget *int `json:"mediumBudget,omitempty"`
	// HighBudget is the number of blocks released at high pressure. It
	// is doubled at critical pressure.
	// +optional
	// +kubebuilder:default=256
	HighBudget *int `json:"highBudget,omitempty"`
	// LowMinBlockSize is the smallest block size shrunk at low pressure.
	// +optional
	// +kubebuilder:default="64Ki"
	LowMinBlockSize *resource.Quantity `json:"lowMinBlockSize,omitempty"`
}

// RawAllocatorConfig configures the allocator backing the pool.
type RawAllocatorConfig struct {
	// Kind of the allocator.
	// +optional
	// +kubebuilder:validation:Enum=heap;mmap
	// +kubebuilder:default="heap"
	Kind string `json:"kind,omitempty"`
	// Limit caps the total amount of memory held by blocks.
	// +optional
	// +kubebuilder:example="1Gi"
	Limit *resource.Quantity `json:"limit,omitempty"`
	// MemoryPolicy sets the NUMA memory policy of mmap allocated blocks.
	// +optional
	MemoryPolicy *MemoryPolicy `json:"memoryPolicy,omitempty"`
}

// MemoryPolicy is a NUMA memory policy.
type MemoryPolicy struct {
	// Mode of the policy.
	// +kubebuilder:validation:Enum=default;preferred;bind;interleave;local;preferred-many;weighted-interleave
	Mode string `json:"mode"`
	// Flags modify the policy mode.
	// +optional
	Flags []string `json:"flags,omitempty"`
	// Nodes the policy applies to.
	// +optional
	Nodes []int `json:"nodes,omitempty"`
}

// SetDefaults sets defaults for all unset optional fields.
func (c *Config) SetDefaults() {
	if c.FailureLogInterval.Duration == 0 {
		c.FailureLogInterval = metav1.Duration{Duration: defaultFailureLogInterval}
	}
	for i := range c.Buckets {
		if c.Buckets[i].Priority == "" {
			c.Buckets[i].Priority = "default"
		}
	}
	if c.Alloc.RetryDelay.Duration == 0 {
		c.Alloc.RetryDelay = metav1.Duration{Duration: defaultRetryDelay}
	}
	if c.Alloc.RetryAttempts == nil {
		c.Alloc.RetryAttempts = intPtr(defaultRetryAttempts)
	}
	if c.Shrink.GracePeriod.Duration == 0 {
		c.Shrink.GracePeriod = metav1.Duration{Duration: defaultGracePeriod}
	}
	if c.Shrink.LowBudget == nil {
		c.Shrink.LowBudget = intPtr(defaultLowBudget)
	}
	if c.Shrink.MediumBudget == nil {
		c.Shrink.MediumBudget = intPtr(defaultMediumBudget)
	}
	if c.Shrink.HighBudget == nil {
		c.Shrink.HighBudget = intPtr(defaultHighBudget)
	}
	if c.Shrink.LowMinBlockSize == nil {
		q := resource.MustParse(defaultLowMinBlockSize)
		c.Shrink.LowMinBlockSize = &q
	}
	if c.RawAllocator.Kind == "" {
		c.RawAllocator.Kind = HeapAllocator
	}
}

// Validate checks the configuration, collecting all problems found.
func (c *Config) Validate() error {
	var (
		result *multierror.Error
		seen   = map[string]int{}
	)

	if len(c.Buckets) == 0 {
		result = multierror.Append(result, fmt.Errorf("no buckets configured"))
	}

	for i := range c.Buckets {
		b := &c.Buckets[i]
		if err := b.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("bucket #%d: %w", i, err))
			continue
		}
		id := b.ID()
		if prev, ok := seen[id]; ok {
			result = multierror.Append(result,
				fmt.Errorf("bucket #%d: duplicate of bucket #%d (%s)", i, prev, id))
			continue
		}
		seen[id] = i
	}

	if c.Alloc.RetryDelay.Duration < 0 {
		result = multierror.Append(result,
			fmt.Errorf("negative alloc retry delay %s", c.Alloc.RetryDelay.Duration))
	}
	if n := c.Alloc.RetryAttempts; n != nil && *n < 0 {
		result = multierror.Append(result, fmt.Errorf("negative alloc retry attempts %d", *n))
	}

	if c.Shrink.GracePeriod.Duration < 0 {
		result = multierror.Append(result,
			fmt.Errorf("negative shrink grace period %s", c.Shrink.GracePeriod.Duration))
	}
	for name, n := range map[string]*int{
		"low":    c.Shrink.LowBudget,
		"medium": c.Shrink.MediumBudget,
		"high":   c.Shrink.HighBudget,
	} {
		if n != nil && *n < 0 {
			result = multierror.Append(result, fmt.Errorf("negative %s shrink budget %d", name, *n))
		}
	}
	if q := c.Shrink.LowMinBlockSize; q != nil {
		if err := checkBlockSize(q.Value()); err != nil {
			result = multierror.Append(result, fmt.Errorf("low pressure min. block size: %w", err))
		}
	}

	switch c.RawAllocator.Kind {
	case "", HeapAllocator, MmapAllocator:
	default:
		result = multierror.Append(result,
			fmt.Errorf("unknown raw allocator %q", c.RawAllocator.Kind))
	}
	if q := c.RawAllocator.Limit; q != nil && q.Sign() < 0 {
		result = multierror.Append(result, fmt.Errorf("negative raw allocator limit %s", q))
	}
	if p := c.RawAllocator.MemoryPolicy; p != nil {
		if c.RawAllocator.Kind != MmapAllocator {
			result = multierror.Append(result,
				fmt.Errorf("memory policy needs the %s raw allocator", MmapAllocator))
		}
		if p.Mode == "" {
			result = multierror.Append(result, fmt.Errorf("memory policy without mode"))
		}
	}

	return result.ErrorOrNil()
}

// Validate checks the configuration of a single bucket.
func (b *Bucket) Validate() error {
	var result *multierror.Error

	if err := checkBlockSize(b.BlockSize.Value()); err != nil {
		result = multierror.Append(result, err)
	}

	prio := strings.ToLower(b.Priority)
	if prio != "" && !slices.Contains(knownPriorities, prio) {
		result = multierror.Append(result, fmt.Errorf("unknown priority %q", b.Priority))
	}

	if b.MinReserve < 0 || b.LowWatermark < b.MinReserve || b.HighWatermark < b.LowWatermark {
		result = multierror.Append(result,
			fmt.Errorf("need 0 <= minReserve (%d) <= lowWatermark (%d) <= highWatermark (%d)",
				b.MinReserve, b.LowWatermark, b.HighWatermark))
	}

	return result.ErrorOrNil()
}

// ID returns the block size and priority identifying the bucket.
func (b *Bucket) ID() string {
	prio := strings.ToLower(b.Priority)
	if prio == "" {
		prio = "default"
	}
	return fmt.Sprintf("%d/%s", b.BlockSize.Value(), prio)
}

func checkBlockSize(size int64) error {
	if size < MinBlockSize || size > MaxBlockSize || size&(size-1) != 0 {
		return fmt.Errorf("invalid block size %d, need a power of two between %d and %d",
			size, MinBlockSize, MaxBlockSize)
	}
	return nil
}

func intPtr(i int) *int {
	return &i
}
