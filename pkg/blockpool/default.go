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
	"sync"
)

var (
	defaultLock    sync.Mutex
	defaultManager *Manager
)

// Setup creates the process-wide default Manager. It can be called only
// once. The Manager is not started.
func Setup(raw RawAllocator, options ...Option) (*Manager, error) {
	defaultLock.Lock()
	defer defaultLock.Unlock()

	if defaultManager != nil {
		return nil, ErrAlreadySetup
	}

	m, err := NewManager(raw, options...)
	if err != nil {
		return nil, err
	}
	defaultManager = m

	return m, nil
}

// Default returns the process-wide default Manager, or nil if Setup has
// not been called successfully.
func Default() *Manager {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	return defaultManager
}
