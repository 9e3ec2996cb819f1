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

package blockpool_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	cfgapi "github.com/containers/blockpool/pkg/apis/config/v1alpha1"
	bpcfg "github.com/containers/blockpool/pkg/apis/config/v1alpha1/blockpool"
	"github.com/containers/blockpool/pkg/blockpool"
	"github.com/containers/blockpool/pkg/pressure"
	"github.com/containers/blockpool/pkg/rawalloc"
)

const testConfig = `
apiVersion: config.blockpool.io/v1alpha1
kind: BlockPool
metadata:
  name: test
spec:
  priorityGating: true
  alloc:
    retryDelay: 2ms
    retryAttempts: 5
  shrink:
    gracePeriod: 5s
    lowBudget: 8
    lowMinBlockSize: 16Ki
  buckets:
    - blockSize: 4Ki
      minReserve: 8
      lowWatermark: 16
      highWatermark: 64
    - blockSize: 64Ki
      priority: camera
      group: camera
      lowWatermark: 2
      highWatermark: 4
      zero: true
      movable: true
`

func TestBucketConfigs(t *testing.T) {
	cfg, err := cfgapi.Parse([]byte(testConfig))
	require.NoError(t, err)

	buckets, err := blockpool.BucketConfigs(&cfg.Spec.Config)
	require.NoError(t, err)

	expected := []blockpool.BucketConfig{
		{
			SizeClass:     0,
			Priority:      blockpool.PriorityDefault,
			MinReserve:    8,
			LowWatermark:  16,
			HighWatermark: 64,
		},
		{
			SizeClass:     4,
			Priority:      blockpool.PriorityCamera,
			Group:         "camera",
			LowWatermark:  2,
			HighWatermark: 4,
			Intent:        blockpool.IntentZero | blockpool.IntentMovable,
		},
	}
	if diff := cmp.Diff(expected, buckets); diff != "" {
		t.Errorf("unexpected bucket configs (-want +got):\n%s", diff)
	}

	policy, err := blockpool.ShrinkPolicyOf(&cfg.Spec.Shrink, blockpool.DefaultShrinkPolicy())
	require.NoError(t, err)
	require.Equal(t, blockpool.ShrinkPolicy{
		LowBudget:    8,
		MediumBudget: 64,
		HighBudget:   256,
		LowMinOrder:  2,
	}, policy)
}

func TestBucketConfigOfErrors(t *testing.T) {
	_, err := blockpool.BucketConfigOf(&bpcfg.Bucket{
		BlockSize: resource.MustParse("6Ki"),
	})
	require.ErrorIs(t, err, blockpool.ErrInvalidSizeClass)

	_, err = blockpool.BucketConfigOf(&bpcfg.Bucket{
		BlockSize: resource.MustParse("4Ki"),
		Priority:  "realtime",
	})
	require.ErrorIs(t, err, blockpool.ErrInvalidPriority)

	q := resource.MustParse("5Ki")
	_, err = blockpool.ShrinkPolicyOf(&bpcfg.ShrinkConfig{LowMinBlockSize: &q},
		blockpool.DefaultShrinkPolicy())
	require.ErrorIs(t, err, blockpool.ErrInvalidSizeClass)
}

func TestWithConfig(t *testing.T) {
	cfg, err := cfgapi.Parse([]byte(testConfig))
	require.NoError(t, err)

	p := newTestPoolWith(t, rawalloc.NewHeap(), nil, blockpool.WithConfig(&cfg.Spec.Config))
	require.Equal(t, []string{"camera", "order-0"}, p.Groups())

	b, err := p.Bucket(4, blockpool.PriorityCamera)
	require.NoError(t, err)
	require.Equal(t, "camera", b.Group())
	require.Equal(t, blockpool.IntentZero|blockpool.IntentMovable, b.Intent())

	// retry policy
	start := p.clock.Now()
	_, ok, err := p.Alloc(0, blockpool.PriorityDefault, blockpool.MayRetry(), blockpool.Urgent())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, cfg.Spec.Alloc.RetryDelay.Duration*5, p.clock.Since(start))

	// shrink policy
	p.populate(t, 0, 64)
	var held []*blockpool.Block
	for i := 0; i < 4; i++ {
		blk, err := p.AllocOrFallback(4, blockpool.PriorityCamera, blockpool.Urgent())
		require.NoError(t, err)
		held = append(held, blk)
	}
	for _, blk := range held {
		require.NoError(t, p.Free(blk))
	}
	require.Equal(t, 4, b.Count())

	require.Equal(t, 4, p.Reclaimable(pressure.LevelLow))
	require.Equal(t, 60, p.Reclaimable(pressure.LevelMedium))
	res := p.Shrink(blockpool.ShrinkRequest{Level: pressure.LevelLow})
	require.Equal(t, 4, res.Freed)
	require.Equal(t, 0, b.Count())
	require.Equal(t, 64, p.count(t, 0))
}
