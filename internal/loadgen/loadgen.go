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

// Package loadgen drives a concurrent insert/find/erase/extract workload
// against a shardset.Set.
package loadgen

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shardset"
	"github.com/cockroachdb/shardset/internal/config"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// Target is the set under load. Implementations must be safe for the number
// of workers the run is configured with.
type Target interface {
	Insert(key uint64) (bool, error)
	Contains(key uint64) bool
	Erase(key uint64) bool
	// Move extracts key and inserts the node back. It reports whether the key
	// was present and whether the reinsertion succeeded. Reinsertion fails
	// when another worker inserted the key in between.
	Move(key uint64) (found, reinserted bool, err error)
	Len() int
}

type setTarget[L shardset.Locker] struct {
	s *shardset.Set[uint64, L]
}

// NewTarget adapts s to the Target interface.
func NewTarget[L shardset.Locker](s *shardset.Set[uint64, L]) Target {
	return setTarget[L]{s: s}
}

func (t setTarget[L]) Insert(key uint64) (bool, error) {
	_, inserted, err := t.s.Insert(key)
	return inserted, err
}

func (t setTarget[L]) Contains(key uint64) bool {
	return t.s.Contains(key)
}

func (t setTarget[L]) Erase(key uint64) bool {
	return t.s.Erase(key) == 1
}

func (t setTarget[L]) Move(key uint64) (bool, bool, error) {
	n := t.s.Extract(key)
	if n.Empty() {
		return false, false, nil
	}
	res, err := t.s.InsertNode(n)
	if err != nil {
		return true, false, err
	}
	return true, res.Inserted, nil
}

func (t setTarget[L]) Len() int {
	return t.s.Len()
}

// Result summarizes a run. For any run that completed without error,
// Len == Inserted - Erased - Collisions.
type Result struct {
	Ops        uint64
	Inserted   uint64
	Duplicates uint64
	Hits       uint64
	Misses     uint64
	Erased     uint64
	Absent     uint64
	Moved      uint64
	Collisions uint64
	Len        int
	Elapsed    time.Duration
}

// OpsPerSec returns the throughput of the run.
func (r Result) OpsPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

type counters struct {
	ops, inserted, duplicates atomic.Uint64
	hits, misses              atomic.Uint64
	erased, absent            atomic.Uint64
	moved, collisions         atomic.Uint64
}

type op int

const (
	opInsert op = iota
	opFind
	opErase
	opExtract
)

// picker maps a uniform value in [0, 1) to an operation according to the
// configured weights.
type picker struct {
	insert, find, erase float64
}

func makePicker(m config.Mix) picker {
	total := m.Total()
	return picker{
		insert: m.Insert / total,
		find:   (m.Insert + m.Find) / total,
		erase:  (m.Insert + m.Find + m.Erase) / total,
	}
}

func (p picker) pick(v float64) op {
	switch {
	case v < p.insert:
		return opInsert
	case v < p.find:
		return opFind
	case v < p.erase:
		return opErase
	default:
		return opExtract
	}
}

// checkEvery is how many operations a worker performs between checks for
// cancellation.
const checkEvery = 1024

// Run executes cfg.Workers workers against target, each performing
// cfg.OpsPerWorker operations on keys drawn from [0, cfg.KeySpace). Worker w
// draws from a source seeded with cfg.Seed+w, so a single-worker run is
// deterministic. Run stops at the first error or when ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, target Target, logger *zap.Logger) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := makePicker(cfg.Mix)
	var c counters

	logger.Info("starting load",
		zap.Int("workers", cfg.Workers),
		zap.Int("ops_per_worker", cfg.OpsPerWorker),
		zap.Uint64("key_space", cfg.KeySpace))

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		seed := cfg.Seed + uint64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < cfg.OpsPerWorker; i++ {
				if i%checkEvery == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				key := rng.Uint64n(cfg.KeySpace)
				if err := c.do(target, p.pick(rng.Float64()), key); err != nil {
					return errors.Wrapf(err, "worker %d op %d", seed-cfg.Seed, i)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	res := Result{
		Ops:        c.ops.Load(),
		Inserted:   c.inserted.Load(),
		Duplicates: c.duplicates.Load(),
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Erased:     c.erased.Load(),
		Absent:     c.absent.Load(),
		Moved:      c.moved.Load(),
		Collisions: c.collisions.Load(),
		Len:        target.Len(),
		Elapsed:    time.Since(start),
	}
	if err != nil {
		logger.Warn("load aborted", zap.Error(err), zap.Uint64("ops", res.Ops))
		return res, err
	}
	logger.Info("load finished",
		zap.Uint64("ops", res.Ops),
		zap.Int("len", res.Len),
		zap.Duration("elapsed", res.Elapsed),
		zap.Float64("ops_per_sec", res.OpsPerSec()))
	return res, nil
}

func (c *counters) do(target Target, o op, key uint64) error {
	c.ops.Inc()
	switch o {
	case opInsert:
		inserted, err := target.Insert(key)
		if err != nil {
			return err
		}
		if inserted {
			c.inserted.Inc()
		} else {
			c.duplicates.Inc()
		}
	case opFind:
		if target.Contains(key) {
			c.hits.Inc()
		} else {
			c.misses.Inc()
		}
	case opErase:
		if target.Erase(key) {
			c.erased.Inc()
		} else {
			c.absent.Inc()
		}
	case opExtract:
		found, reinserted, err := target.Move(key)
		if err != nil {
			return err
		}
		switch {
		case !found:
			c.absent.Inc()
		case reinserted:
			c.moved.Inc()
		default:
			c.collisions.Inc()
		}
	}
	return nil
}
