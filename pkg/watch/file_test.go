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

package watch_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1"
	"github.com/containers/blockpool/pkg/watch"
)

const config = `
spec:
  buckets:
    - blockSize: 4Ki
      lowWatermark: %d
      highWatermark: 64
`

// waitFor waits for an event of the given type, skipping others.
func waitFor(t *testing.T, w *watch.File, evType watch.EventType) watch.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-w.ResultChan():
			require.True(t, ok, "watch closed")
			if e.Type == evType {
				return e
			}
		case <-timeout:
			require.FailNow(t, "timeout waiting for event", "%s", evType)
		}
	}
}

func TestFileWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(config, 8)), 0o644))

	w, err := watch.NewFile(path, nil)
	require.NoError(t, err)
	defer w.Stop()

	e := waitFor(t, w, watch.Added)
	require.Equal(t, 8, e.Config.Spec.Buckets[0].LowWatermark)

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(config, 16)), 0o644))
	require.Eventually(t, func() bool {
		select {
		case e := <-w.ResultChan():
			return e.Type == watch.Added && e.Config.Spec.Buckets[0].LowWatermark == 16
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	// other files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("bogus"), 0o644))

	require.NoError(t, os.Remove(path))
	waitFor(t, w, watch.Deleted)
}

func TestFileWatchErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	var loads atomic.Int32
	load := func(p string) (*cfgapi.BlockPool, error) {
		loads.Add(1)
		return cfgapi.Load(p)
	}

	// a missing file is not an error
	w, err := watch.NewFile(path, load)
	require.NoError(t, err)
	require.Equal(t, int32(1), loads.Load())
	select {
	case e := <-w.ResultChan():
		require.Failf(t, "unexpected event", "%+v", e)
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte("spec:\n  bogus: 1\n"), 0o644))
	e := waitFor(t, w, watch.Error)
	require.Error(t, e.Err)
	require.Nil(t, e.Config)

	w.Stop()
	w.Stop()
	_, ok := <-w.ResultChan()
	for ok {
		_, ok = <-w.ResultChan()
	}
}

func TestNewFileInvalidDir(t *testing.T) {
	_, err := watch.NewFile(filepath.Join(t.TempDir(), "missing", "config.yaml"), nil)
	require.Error(t, err)
}
