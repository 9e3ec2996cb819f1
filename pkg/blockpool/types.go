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
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"

	"github.com/containers/blockpool/pkg/utils"
)

const (
	// BasePageSize is the size of an order 0 block.
	BasePageSize = 4096
	// MaxOrder is the largest supported size class.
	MaxOrder SizeClass = 10
)

// SizeClass is the order of a block. Blocks of order n are BasePageSize << n bytes.
type SizeClass int

// SizeClassOf returns the size class for blocks of exactly the given size.
func SizeClassOf(size int64) (SizeClass, error) {
	if size < BasePageSize || size&(size-1) != 0 {
		return 0, fmt.Errorf("%w: size %d is not a power of two multiple of %d",
			ErrInvalidSizeClass, size, BasePageSize)
	}

	c := SizeClass(bits.TrailingZeros64(uint64(size)) - bits.TrailingZeros64(BasePageSize))
	if !c.IsValid() {
		return 0, fmt.Errorf("%w: size %d exceeds maximum %d",
			ErrInvalidSizeClass, size, MaxOrder.Size())
	}

	return c, nil
}

// Size returns the size of blocks of the size class in bytes.
func (c SizeClass) Size() int64 {
	return int64(BasePageSize) << c
}

// Pages returns the number of base pages in blocks of the size class.
func (c SizeClass) Pages() int {
	return 1 << c
}

// IsValid returns true if the size class is within supported limits.
func (c SizeClass) IsValid() bool {
	return 0 <= c && c <= MaxOrder
}

// String returns a string representation of the size class.
func (c SizeClass) String() string {
	if !c.IsValid() {
		return fmt.Sprintf("%%!(blockpool:Bad-SizeClass %d)", int(c))
	}
	return "order-" + fmt.Sprint(int(c)) + "/" + utils.HumanReadableSize(c.Size())
}

// Priority is the priority class of a bucket.
type Priority int

const (
	// PriorityDefault is the priority of general purpose buckets.
	PriorityDefault Priority = iota
	// PriorityUnmovable is the priority of buckets for unmovable allocations.
	PriorityUnmovable
	// PriorityMovable is the priority of buckets for movable allocations.
	PriorityMovable
	// PriorityCamera is the priority of buckets reserved for camera buffers.
	PriorityCamera
)

var (
	priorityToString = map[Priority]string{
		PriorityDefault:   "default",
		PriorityUnmovable: "unmovable",
		PriorityMovable:   "movable",
		PriorityCamera:    "camera",
	}
	stringToPriority = map[string]Priority{
		"default":   PriorityDefault,
		"":          PriorityDefault,
		"unmovable": PriorityUnmovable,
		"movable":   PriorityMovable,
		"camera":    PriorityCamera,
	}
)

// ParsePriority parses the given string into a priority.
func ParsePriority(str string) (Priority, error) {
	if p, ok := stringToPriority[strings.ToLower(strings.TrimSpace(str))]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, str)
}

// MustParsePriority parses the given string into a priority.
// It panics on failure.
func MustParsePriority(str string) Priority {
	p, err := ParsePriority(str)
	if err != nil {
		panic(err)
	}
	return p
}

// IsValid returns true if the priority is known.
func (p Priority) IsValid() bool {
	_, ok := priorityToString[p]
	return ok
}

// String returns a string representation of the priority.
func (p Priority) String() string {
	if str, ok := priorityToString[p]; ok {
		return str
	}
	return fmt.Sprintf("%%!(blockpool:Bad-Priority %d)", int(p))
}

// MarshalJSON is the json.Marshaller for Priority.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON is the json.Unmarshaller for Priority.
func (p *Priority) UnmarshalJSON(data []byte) error {
	i := 0
	if err := json.Unmarshal(data, &i); err == nil {
		if !Priority(i).IsValid() {
			return fmt.Errorf("%w: %d", ErrInvalidPriority, i)
		}
		*p = Priority(i)
		return nil
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPriority, err)
	}

	prio, err := ParsePriority(str)
	if err != nil {
		return err
	}

	*p = prio
	return nil
}

// Intent describes how blocks of a bucket should be allocated. It is
// passed through as such to the RawAllocator. The pool only acts on
// IntentZero, clearing blocks before caching them again.
type Intent uint32

const (
	// IntentZero requests zeroed memory.
	IntentZero Intent = 1 << iota
	// IntentMovable marks the memory movable by the underlying allocator.
	IntentMovable
	// IntentNoRetry asks the underlying allocator to fail fast.
	IntentNoRetry
	// IntentNoWarn asks the underlying allocator not to warn about failures.
	IntentNoWarn
)

var intentNames = []struct {
	flag Intent
	name string
}{
	{IntentZero, "zero"},
	{IntentMovable, "movable"},
	{IntentNoRetry, "noretry"},
	{IntentNoWarn, "nowarn"},
}

// Has returns true if all the given flags are set in the intent.
func (i Intent) Has(flags Intent) bool {
	return i&flags == flags
}

// String returns a string representation of the intent.
func (i Intent) String() string {
	if i == 0 {
		return "none"
	}

	var names []string
	for _, n := range intentNames {
		if i.Has(n.flag) {
			names = append(names, n.name)
			i &^= n.flag
		}
	}
	if i != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(i)))
	}

	return strings.Join(names, "|")
}

// RawAllocator is the underlying allocator blocks are minted by and released to.
type RawAllocator interface {
	// Alloc allocates memory for a block of the given size class.
	Alloc(SizeClass, Intent) ([]byte, error)
	// Free releases memory of a block of the given size class.
	Free([]byte, SizeClass)
}

// key identifies a bucket.
type key struct {
	class SizeClass
	prio  Priority
}

func (k key) String() string {
	return k.class.String() + "/" + k.prio.String()
}
