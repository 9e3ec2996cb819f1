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

import "fmt"

var (
	ErrFailedOption       = fmt.Errorf("blockpool: failed to apply option")
	ErrInvalidSizeClass   = fmt.Errorf("blockpool: invalid size class")
	ErrInvalidPriority    = fmt.Errorf("blockpool: invalid priority")
	ErrInvalidWatermarks  = fmt.Errorf("blockpool: invalid watermarks")
	ErrUnknownBucket      = fmt.Errorf("blockpool: unknown bucket")
	ErrDuplicateBucket    = fmt.Errorf("blockpool: bucket already exists")
	ErrForeignBlock       = fmt.Errorf("blockpool: block does not belong to pool")
	ErrDoubleFree         = fmt.Errorf("blockpool: block freed more than once")
	ErrNoMem              = fmt.Errorf("blockpool: raw allocator out of memory")
	ErrAlreadyStarted     = fmt.Errorf("blockpool: manager already started")
	ErrStopped            = fmt.Errorf("blockpool: manager stopped")
	ErrAlreadySetup       = fmt.Errorf("blockpool: default manager already set up")
	ErrNoRawAllocator     = fmt.Errorf("blockpool: no raw allocator")
)
