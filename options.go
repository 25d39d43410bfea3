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

package shardset

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const defaultShardCount = 16

// MaxShardCount is the largest shard count a Set accepts.
const MaxShardCount = 1 << 16

// option provide an interface to do work on a Set while it is being created.
type option[K comparable] interface {
	apply(c *config[K])
}

// config holds the construction-time configuration shared by every shard of
// a Set.
type config[K comparable] struct {
	hash       func(key K) uint64
	eq         func(a, b K) bool
	customHash bool
	customEq   bool
	shards     int
	allocator  Allocator[K]
	logger     *zap.Logger
}

func newConfig[K comparable](options []option[K]) (config[K], error) {
	c := config[K]{
		shards:    defaultShardCount,
		allocator: defaultAllocator[K]{},
		logger:    zap.NewNop(),
	}
	for _, op := range options {
		op.apply(&c)
	}
	if err := c.validate(); err != nil {
		return config[K]{}, err
	}
	if !c.customHash {
		c.hash = defaultHasher[K]()
	}
	if !c.customEq {
		c.eq = func(a, b K) bool { return a == b }
	}
	c.shards = roundUpPow2(c.shards)
	return c, nil
}

// validate checks that the options are consistent with each other. The hash
// and equality functions must agree (a == b implies hash(a) == hash(b)),
// which cannot hold for a custom equality paired with the default hash.
func (c *config[K]) validate() error {
	switch {
	case c.customHash && c.hash == nil:
		return errors.Wrap(ErrInvalidOption, "nil hash function")
	case c.customEq && c.eq == nil:
		return errors.Wrap(ErrInvalidOption, "nil equality function")
	case c.customEq && !c.customHash:
		return errors.Wrap(ErrInvalidOption,
			"a custom equality function requires a matching hash function")
	case c.shards < 1 || c.shards > MaxShardCount:
		return errors.Wrapf(ErrInvalidOption,
			"shard count %d out of range [1, %d]", c.shards, MaxShardCount)
	case c.allocator == nil:
		return errors.Wrap(ErrInvalidOption, "nil allocator")
	case c.logger == nil:
		return errors.Wrap(ErrInvalidOption, "nil logger")
	}
	return nil
}

type hashOption[K comparable] struct {
	hash func(key K) uint64
}

func (op hashOption[K]) apply(c *config[K]) {
	c.hash = op.hash
	c.customHash = true
}

// WithHash is an option to specify the hash function to use for a Set[K].
// The function must be deterministic for the lifetime of the set.
func WithHash[K comparable](hash func(key K) uint64) option[K] {
	return hashOption[K]{hash}
}

type equalOption[K comparable] struct {
	eq func(a, b K) bool
}

func (op equalOption[K]) apply(c *config[K]) {
	c.eq = op.eq
	c.customEq = true
}

// WithEqual is an option to specify the equality predicate to use for a
// Set[K]. It must be paired with WithHash: keys that compare equal must hash
// identically.
func WithEqual[K comparable](eq func(a, b K) bool) option[K] {
	return equalOption[K]{eq}
}

type shardCountOption[K comparable] struct {
	n int
}

func (op shardCountOption[K]) apply(c *config[K]) {
	c.shards = op.n
}

// WithShardCount is an option to specify the number of shards. The count is
// rounded up to a power of two and fixed for the lifetime of the set.
func WithShardCount[K comparable](n int) option[K] {
	return shardCountOption[K]{n}
}

// Allocator specifies an interface for allocating and releasing memory used
// by the shards of a Set. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// An allocation error aborts the growth that requested it and leaves the
// shard unchanged. If the allocator is manually managing memory and requires
// that slots and controls be freed then Set.Close must be called in order to
// ensure FreeSlots and FreeControls are called.
type Allocator[K comparable] interface {
	// AllocSlots should return a slice equivalent to make([]K, n).
	AllocSlots(n int) ([]K, error)

	// AllocControls should return a slice equivalent to make([]uint8, n).
	AllocControls(n int) ([]uint8, error)

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []K)

	// FreeControls can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator[K comparable] struct{}

func (defaultAllocator[K]) AllocSlots(n int) ([]K, error) {
	return make([]K, n), nil
}

func (defaultAllocator[K]) AllocControls(n int) ([]uint8, error) {
	return make([]uint8, n), nil
}

func (defaultAllocator[K]) FreeSlots(v []K) {
}

func (defaultAllocator[K]) FreeControls(v []uint8) {
}

type allocatorOption[K comparable] struct {
	allocator Allocator[K]
}

func (op allocatorOption[K]) apply(c *config[K]) {
	c.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Set[K].
func WithAllocator[K comparable](allocator Allocator[K]) option[K] {
	return allocatorOption[K]{allocator}
}

type loggerOption[K comparable] struct {
	logger *zap.Logger
}

func (op loggerOption[K]) apply(c *config[K]) {
	c.logger = op.logger
}

// WithLogger is an option to receive structured logs about shard growth and
// allocation failures. The default logger discards everything.
func WithLogger[K comparable](logger *zap.Logger) option[K] {
	return loggerOption[K]{logger}
}
