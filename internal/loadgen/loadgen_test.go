// Copyright 2024 The Cockroach Authors
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

package loadgen

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shardset"
	"github.com/cockroachdb/shardset/internal/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(locking string, workers int) config.Config {
	c := config.Default()
	c.Locking = locking
	c.Workers = workers
	c.OpsPerWorker = 20000
	c.KeySpace = 4096
	c.Shards = 8
	return c
}

func requireConsistent(t *testing.T, res Result, cfg config.Config) {
	t.Helper()
	require.EqualValues(t, cfg.Workers*cfg.OpsPerWorker, res.Ops)
	require.EqualValues(t, res.Ops,
		res.Inserted+res.Duplicates+res.Hits+res.Misses+
			res.Erased+res.Absent+res.Moved+res.Collisions)
	require.EqualValues(t, int(res.Inserted)-int(res.Erased)-int(res.Collisions), res.Len)
	require.LessOrEqual(t, uint64(res.Len), cfg.KeySpace)
}

func TestRunSingleWorker(t *testing.T) {
	cfg := testConfig(config.LockingNone, 1)
	run := func() Result {
		s := shardset.New[uint64, shardset.NoLock](0, shardset.WithShardCount[uint64](cfg.Shards))
		res, err := Run(context.Background(), cfg, NewTarget(s), zaptest.NewLogger(t))
		require.NoError(t, err)
		require.Equal(t, s.Len(), res.Len)
		return res
	}

	a := run()
	requireConsistent(t, a, cfg)
	require.Zero(t, a.Collisions)
	require.Greater(t, a.Inserted, uint64(0))
	require.Greater(t, a.Moved, uint64(0))

	// The same seed replays the same operations.
	b := run()
	a.Elapsed, b.Elapsed = 0, 0
	require.Equal(t, a, b)
}

func testRunConcurrent[L shardset.Locker](t *testing.T) {
	cfg := testConfig(config.LockingRWMutex, 8)
	s := shardset.New[uint64, L](0, shardset.WithShardCount[uint64](cfg.Shards))
	res, err := Run(context.Background(), cfg, NewTarget(s), zaptest.NewLogger(t))
	require.NoError(t, err)
	requireConsistent(t, res, cfg)
	require.Greater(t, res.OpsPerSec(), 0.0)

	for k := range s.All {
		require.Less(t, k, cfg.KeySpace)
	}
}

func TestRunConcurrent(t *testing.T) {
	t.Run("mutex", testRunConcurrent[shardset.Mutex])
	t.Run("rwmutex", testRunConcurrent[shardset.RWMutex])
}

func TestRunInsertOnly(t *testing.T) {
	cfg := testConfig(config.LockingNone, 1)
	cfg.Mix = config.Mix{Insert: 1}
	cfg.KeySpace = 100
	s := shardset.New[uint64, shardset.NoLock](0)
	res, err := Run(context.Background(), cfg, NewTarget(s), nil)
	require.NoError(t, err)
	require.EqualValues(t, 100, res.Inserted)
	require.EqualValues(t, cfg.OpsPerWorker-100, res.Duplicates)
	require.Equal(t, 100, s.Len())
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig(config.LockingRWMutex, 4)
	s := shardset.New[uint64, shardset.RWMutex](0)
	_, err := Run(ctx, cfg, NewTarget(s), zaptest.NewLogger(t))
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig(config.LockingNone, 2)
	s := shardset.New[uint64, shardset.NoLock](0)
	_, err := Run(context.Background(), cfg, NewTarget(s), nil)
	require.Error(t, err)
	require.True(t, s.Empty())
}

type failingAllocator struct {
	budget int
}

var errNoMemory = errors.New("no memory")

func (a *failingAllocator) AllocSlots(n int) ([]uint64, error) {
	if a.budget == 0 {
		return nil, errNoMemory
	}
	a.budget--
	return make([]uint64, n), nil
}

func (a *failingAllocator) AllocControls(n int) ([]uint8, error) {
	return make([]uint8, n), nil
}

func (a *failingAllocator) FreeSlots([]uint64)   {}
func (a *failingAllocator) FreeControls([]uint8) {}

func TestRunAllocationFailure(t *testing.T) {
	cfg := testConfig(config.LockingNone, 1)
	s := shardset.New[uint64, shardset.NoLock](0,
		shardset.WithShardCount[uint64](1),
		shardset.WithAllocator[uint64](&failingAllocator{budget: 3}))
	res, err := Run(context.Background(), cfg, NewTarget(s), zaptest.NewLogger(t))
	require.True(t, errors.Is(err, shardset.ErrAllocation))
	require.Less(t, res.Ops, uint64(cfg.OpsPerWorker))
	require.Equal(t, s.Len(), res.Len)
}
