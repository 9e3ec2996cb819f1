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
	"sync/atomic"
)

// Block is a fixed-size unit of memory handed out by a Manager.
type Block struct {
	mem    []byte
	bucket *Bucket
	next   *Block
	state  atomic.Int32
}

type blockState int32

const (
	blockHeld     blockState = iota // owned by a caller
	blockFreeing                    // being returned by a caller
	blockPooled                     // on a bucket free list
	blockReleased                   // given back to the raw allocator
)

func newBlock(b *Bucket, mem []byte) *Block {
	blk := &Block{
		mem:    mem,
		bucket: b,
	}
	blk.state.Store(int32(blockHeld))
	return blk
}

// Bytes returns the memory of the block.
func (blk *Block) Bytes() []byte {
	return blk.mem
}

// Size returns the size of the block in bytes.
func (blk *Block) Size() int64 {
	return blk.bucket.class.Size()
}

// SizeClass returns the size class of the block.
func (blk *Block) SizeClass() SizeClass {
	return blk.bucket.class
}

// Priority returns the priority of the bucket the block belongs to.
func (blk *Block) Priority() Priority {
	return blk.bucket.prio
}

// String returns a string representation of the block.
func (blk *Block) String() string {
	return fmt.Sprintf("block<%s@%p>", blk.bucket.key(), blk)
}

// release marks a caller-held block being returned.
func (blk *Block) release() error {
	if !blk.state.CompareAndSwap(int32(blockHeld), int32(blockFreeing)) {
		return fmt.Errorf("%w: %s", ErrDoubleFree, blk)
	}
	return nil
}

func (blk *Block) setState(s blockState) {
	blk.state.Store(int32(s))
}
