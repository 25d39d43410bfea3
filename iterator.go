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

import "github.com/cockroachdb/errors"

// Iterator is a position in a Set: a shard index and a slot index within
// that shard. The terminal position, shared by all exhausted iterators, has
// the shard index equal to the shard count. Iterators are comparable with ==.
//
// Iterators walk shard 0 to N-1 in order and, within a shard, occupied
// slots in storage order. An Iterator holds no lock and Next takes none;
// Begin and the range operations of Set read-lock each shard while scanning
// it. See the package documentation for when iterators are invalidated.
type Iterator[K comparable] struct {
	e     *engine[K]
	shard int
	slot  uintptr
}

func (s *Set[K, L]) iter(shard int, slot uintptr) Iterator[K] {
	return Iterator[K]{e: &s.engine, shard: shard, slot: slot}
}

// Begin returns the position of the first element, or End if the set is
// empty.
func (s *Set[K, L]) Begin() Iterator[K] {
	return s.seek(s.iter(0, 0))
}

// End returns the terminal position.
func (s *Set[K, L]) End() Iterator[K] {
	return Iterator[K]{e: &s.engine, shard: len(s.tables)}
}

// Done reports whether it is at the terminal position.
func (it Iterator[K]) Done() bool {
	return it.e == nil || it.shard >= len(it.e.tables)
}

// Key returns the element at it. Key panics if it is at the terminal
// position or if its element has been erased.
func (it Iterator[K]) Key() K {
	if it.Done() {
		panic(errors.AssertionFailedf("shardset: dereferencing the end iterator"))
	}
	t := &it.e.tables[it.shard]
	if !t.full(it.slot) {
		panic(errorStaleIterator(it))
	}
	return t.slots[it.slot]
}

// Next advances it to the next element, crossing into later shards as
// needed, or to the terminal position. Next panics at the terminal position.
func (it *Iterator[K]) Next() {
	if it.Done() {
		panic(errors.AssertionFailedf("shardset: advancing the end iterator"))
	}
	it.slot++
	it.seek()
}

// seek moves it forward to the first occupied slot at or after its current
// position.
func (it *Iterator[K]) seek() {
	for it.shard < len(it.e.tables) {
		t := &it.e.tables[it.shard]
		if it.slot = t.nextFull(it.slot); it.slot < t.capacity {
			return
		}
		it.shard++
		it.slot = 0
	}
	it.slot = 0
}

// seek returns the first occupied position at or after it, read-locking
// each shard while it is scanned.
func (s *Set[K, L]) seek(it Iterator[K]) Iterator[K] {
	for ; it.shard < len(s.tables); it.shard, it.slot = it.shard+1, 0 {
		if s.seekShard(&it) {
			return it
		}
	}
	return s.End()
}

func (s *Set[K, L]) seekShard(it *Iterator[K]) bool {
	s.locks[it.shard].RLock()
	defer s.locks[it.shard].RUnlock()
	t := &s.tables[it.shard]
	it.slot = t.nextFull(it.slot)
	return it.slot < t.capacity
}

// checkIter panics unless it is a non-terminal position in s.
func (s *Set[K, L]) checkIter(it Iterator[K]) {
	if it.e != &s.engine {
		panic(errors.AssertionFailedf("shardset: iterator does not belong to this set"))
	}
	if it.Done() {
		panic(errors.AssertionFailedf("shardset: erasing through the end iterator"))
	}
}

func errorStaleIterator[K comparable](it Iterator[K]) error {
	return errors.AssertionFailedf("shardset: iterator at shard %d slot %d refers to no element",
		it.shard, it.slot)
}
