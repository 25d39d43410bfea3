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

// Package shardset is a concurrent hash set whose key space is partitioned
// into a fixed number of independently locked shards. Each shard is a
// complete open-addressing Swiss table (see
// https://abseil.io/about/design/swisstables), so operations on keys that
// route to different shards never contend on the same lock.
//
// # Layout
//
// A key's hash is computed once. The top bits of the hash (after a
// Fibonacci multiply) select the shard; the low bits select the probe start
// and the 7-bit control byte within that shard. Shard selection is therefore
// independent of the placement inside the shard, and a key always routes to
// the same shard for the lifetime of the set.
//
// Each shard holds capacity+groupSize control bytes and capacity slots and
// probes groups of 8 control bytes at a time using SWAR matching. Deletion
// uses tombstones, with an optimization that marks the slot empty when it
// provably never belonged to a full group. Tombstones are dropped by the
// next rehash of the shard, which happens in place when enough of the
// capacity is recoverable and otherwise by doubling the capacity.
//
// # Concurrency
//
// The lock policy is the L type parameter: NoLock for single goroutine use,
// Mutex or RWMutex for shared use. Single-key operations lock one shard.
// Whole-set operations (Len, Clear, Rehash, Reserve, Clone, Equal, Merge,
// Stats, Close) lock every shard in ascending order; operations involving
// two sets lock the sets in order of a process-unique id. Callbacks passed
// to All, ForEach, IfContains, EraseIf and EraseFunc run with a shard lock
// held and must not call back into the same set.
//
// # Iterators
//
// An Iterator is a (shard, slot) position. It holds no lock and no
// ownership. Erasing an element invalidates only iterators positioned at
// that element, because no element is ever moved by an erase. An insertion
// that rehashes a shard, and Rehash, Reserve, Clear, Close and Swap,
// invalidate every iterator into the affected shards. Iterators on a set
// shared between goroutines need external synchronization; All and ForEach
// are the lock-holding alternatives.
package shardset

import (
	"iter"
	"math"
	"unsafe"

	"go.uber.org/atomic"
)

// nextSetID hands out the identities used to order lock acquisition across
// sets.
var nextSetID atomic.Uint64

// engine is the array of shards. Iterators refer to a set through its engine.
type engine[K comparable] struct {
	tables []table[K]
}

// Set is an unordered set of keys of type K sharded over a power-of-two
// number of Swiss tables, each guarded by a lock of type L. By default a
// Set[K, L] uses a seeded hash of the key and ==, though a different hash
// function and equality predicate can be specified using the WithHash and
// WithEqual options.
type Set[K comparable, L Locker] struct {
	id     uint64
	p      *policy[K]
	router router
	engine[K]
	locks []L
}

// New constructs a new Set with room for initialCapacity elements spread
// over its shards. If initialCapacity is 0 the shards start out with zero
// capacity and grow on their first insert.
//
// New panics if the options are invalid or inconsistent, or if the initial
// allocation fails. Construct with zero capacity and call Reserve to handle
// allocation errors.
func New[K comparable, L Locker](initialCapacity int, options ...option[K]) *Set[K, L] {
	c, err := newConfig(options)
	if err != nil {
		panic(err)
	}
	s := newSet[K, L](&policy[K]{config: c})
	if initialCapacity > 0 {
		if err := s.Reserve(initialCapacity); err != nil {
			panic(err)
		}
	}
	return s
}

// NewFrom constructs a Set holding keys. When keys contains several equal
// elements, the first one is kept.
func NewFrom[K comparable, L Locker](keys []K, options ...option[K]) (*Set[K, L], error) {
	s := New[K, L](0, options...)
	if err := s.Reserve(len(keys)); err != nil {
		return nil, err
	}
	if err := s.InsertAll(keys...); err != nil {
		return nil, err
	}
	return s, nil
}

func newSet[K comparable, L Locker](p *policy[K]) *Set[K, L] {
	s := &Set[K, L]{
		id:     nextSetID.Inc(),
		p:      p,
		router: makeRouter(p.shards),
		engine: engine[K]{tables: make([]table[K], p.shards)},
		locks:  make([]L, p.shards),
	}
	for i := range s.tables {
		s.tables[i] = makeTable[K](i)
		s.locks[i] = newLocker[L]()
	}
	return s
}

// Hash returns the hash of key under the set's hash function.
func (s *Set[K, L]) Hash(key K) uint64 {
	return s.p.hash(key)
}

// KeyEqual reports whether a and b are equal under the set's equality
// predicate.
func (s *Set[K, L]) KeyEqual(a, b K) bool {
	return s.p.eq(a, b)
}

// MaxLen returns the largest number of elements the set could address if
// memory were unlimited.
func (s *Set[K, L]) MaxLen() int {
	var k K
	return int(uintptr(math.MaxInt) / max(unsafe.Sizeof(k), 1))
}

// ShardCount returns the number of shards.
func (s *Set[K, L]) ShardCount() int {
	return len(s.tables)
}

// ShardIndex returns the shard that holds keys with hash value h.
func (s *Set[K, L]) ShardIndex(h uint64) int {
	return s.router.route(h)
}

// Insert adds key to the set. It returns the position of the element with
// that key and whether it was inserted. When an equal element is already
// present the set is not modified and inserted is false. A non-nil error is
// returned only when the shard needed to grow and the allocator failed.
func (s *Set[K, L]) Insert(key K) (it Iterator[K], inserted bool, err error) {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	slot, inserted, err := s.tables[i].insert(s.p, h, key)
	if err != nil {
		return s.End(), false, err
	}
	return s.iter(i, slot), inserted, nil
}

// InsertHint is Insert with a position hint. The hint is accepted for
// compatibility with callers that track positions, and is not used.
func (s *Set[K, L]) InsertHint(hint Iterator[K], key K) (Iterator[K], error) {
	it, _, err := s.Insert(key)
	return it, err
}

// InsertFunc adds the element returned by construct if no element equal to
// key is present. construct runs with the shard lock held, only when the key
// is absent, and must return an element equal to key.
func (s *Set[K, L]) InsertFunc(key K, construct func() K) (Iterator[K], bool, error) {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	slot, inserted, err := s.tables[i].insertFunc(s.p, h, key, construct)
	if err != nil {
		return s.End(), false, err
	}
	return s.iter(i, slot), inserted, nil
}

// InsertAll inserts every key in order, so the first of several equal keys
// wins. It stops at the first allocation error; keys inserted before the
// error remain in the set.
func (s *Set[K, L]) InsertAll(keys ...K) error {
	for _, k := range keys {
		if _, _, err := s.Insert(k); err != nil {
			return err
		}
	}
	return nil
}

// InsertSeq is InsertAll over an iterator.
func (s *Set[K, L]) InsertSeq(seq iter.Seq[K]) error {
	for k := range seq {
		if _, _, err := s.Insert(k); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the position of the element equal to key, or End if there is
// none.
func (s *Set[K, L]) Find(key K) Iterator[K] {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].RLock()
	defer s.locks[i].RUnlock()
	if slot, ok := s.tables[i].find(s.p, h, key); ok {
		return s.iter(i, slot)
	}
	return s.End()
}

// Contains reports whether an element equal to key is present.
func (s *Set[K, L]) Contains(key K) bool {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].RLock()
	defer s.locks[i].RUnlock()
	_, ok := s.tables[i].find(s.p, h, key)
	return ok
}

// Count returns the number of elements equal to key: 0 or 1.
func (s *Set[K, L]) Count(key K) int {
	if s.Contains(key) {
		return 1
	}
	return 0
}

// EqualRange returns the half-open range of elements equal to key. The range
// is empty (End, End) when the key is absent.
func (s *Set[K, L]) EqualRange(key K) (first, last Iterator[K]) {
	h := s.p.hash(key)
	i := s.router.route(h)
	first, last, ok := s.equalRangeShard(i, h, key)
	if !ok {
		last = s.seek(s.iter(i+1, 0))
	}
	return first, last
}

// equalRangeShard finds key in shard i and the next element of the same
// shard under one read lock. ok is false when key is present but is the last
// element of the shard.
func (s *Set[K, L]) equalRangeShard(i int, h uint64, key K) (first, last Iterator[K], ok bool) {
	s.locks[i].RLock()
	defer s.locks[i].RUnlock()
	t := &s.tables[i]
	slot, found := t.find(s.p, h, key)
	if !found {
		return s.End(), s.End(), true
	}
	first = s.iter(i, slot)
	if next := t.nextFull(slot + 1); next < t.capacity {
		return first, s.iter(i, next), true
	}
	return first, Iterator[K]{}, false
}

// IfContains calls fn with the element equal to key, if any, while holding
// the shard lock, and reports whether it did.
func (s *Set[K, L]) IfContains(key K, fn func(elem K)) bool {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].RLock()
	defer s.locks[i].RUnlock()
	t := &s.tables[i]
	slot, ok := t.find(s.p, h, key)
	if ok {
		fn(t.slots[slot])
	}
	return ok
}

// Erase removes the element equal to key and returns the number of elements
// removed: 0 or 1.
func (s *Set[K, L]) Erase(key K) int {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	t := &s.tables[i]
	slot, ok := t.find(s.p, h, key)
	if !ok {
		return 0
	}
	t.eraseAt(s.p, slot)
	return 1
}

// EraseIf removes the element equal to key if pred returns true for it.
// pred runs with the shard lock held.
func (s *Set[K, L]) EraseIf(key K, pred func(elem K) bool) bool {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	t := &s.tables[i]
	slot, ok := t.find(s.p, h, key)
	if !ok || !pred(t.slots[slot]) {
		return false
	}
	t.eraseAt(s.p, slot)
	return true
}

// EraseFunc removes every element for which pred returns true and returns
// the number removed. Shards are visited one at a time, each under its own
// lock, so the removal is not atomic across shards.
func (s *Set[K, L]) EraseFunc(pred func(elem K) bool) int {
	var n int
	for i := range s.tables {
		n += s.eraseFuncShard(i, pred)
	}
	return n
}

func (s *Set[K, L]) eraseFuncShard(i int, pred func(elem K) bool) int {
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	t := &s.tables[i]
	var n int
	for slot := t.nextFull(0); slot < t.capacity; slot = t.nextFull(slot + 1) {
		if pred(t.slots[slot]) {
			t.eraseAt(s.p, slot)
			n++
		}
	}
	return n
}

// EraseAt removes the element at it, which must refer to an element of s.
func (s *Set[K, L]) EraseAt(it Iterator[K]) {
	s.checkIter(it)
	s.locks[it.shard].Lock()
	defer s.locks[it.shard].Unlock()
	t := &s.tables[it.shard]
	if !t.full(it.slot) {
		panic(errorStaleIterator(it))
	}
	t.eraseAt(s.p, it.slot)
}

// EraseRange removes the elements in [first, last) and returns last. Each
// element is erased, and the position after it found, under the lock of its
// shard.
func (s *Set[K, L]) EraseRange(first, last Iterator[K]) Iterator[K] {
	for it := first; it != last; {
		s.checkIter(it)
		next, ok := s.eraseAndAdvance(it)
		if !ok {
			next = s.seek(s.iter(it.shard+1, 0))
		}
		it = next
	}
	return last
}

// eraseAndAdvance erases the element at it and returns the position of the
// next element in the same shard. ok is false when there is none.
func (s *Set[K, L]) eraseAndAdvance(it Iterator[K]) (next Iterator[K], ok bool) {
	s.locks[it.shard].Lock()
	defer s.locks[it.shard].Unlock()
	t := &s.tables[it.shard]
	if !t.full(it.slot) {
		panic(errorStaleIterator(it))
	}
	t.eraseAt(s.p, it.slot)
	it.slot = t.nextFull(it.slot + 1)
	return it, it.slot < t.capacity
}

// All calls yield sequentially for each element present in the set, shard by
// shard. If yield returns false, iteration stops. All has the signature of
// an iter.Seq, so a set can be ranged over:
//
//	for k := range s.All {
//	  fmt.Println(k)
//	}
//
// The shard being visited is read-locked for the duration of its visit. With
// NoLock the set can be mutated during iteration, though there is no
// guarantee that the mutations will be visible to the iteration.
func (s *Set[K, L]) All(yield func(elem K) bool) {
	for i := range s.tables {
		if !s.allShard(i, yield) {
			return
		}
	}
}

func (s *Set[K, L]) allShard(i int, yield func(elem K) bool) bool {
	s.locks[i].RLock()
	defer s.locks[i].RUnlock()

	// Snapshot the capacity, controls, and slots so that iteration remains
	// valid if the shard is resized during iteration.
	t := &s.tables[i]
	capacity, ctrls, slots := t.capacity, t.ctrls, t.slots
	for j := uintptr(0); j < capacity; j++ {
		if ctrls[j].full() && !yield(slots[j]) {
			return false
		}
	}
	return true
}

// ForEach calls fn for each element present in the set.
func (s *Set[K, L]) ForEach(fn func(elem K)) {
	s.All(func(elem K) bool {
		fn(elem)
		return true
	})
}

// Len returns the number of elements in the set. All shards are locked
// while counting, so the result is a consistent snapshot.
func (s *Set[K, L]) Len() int {
	s.lockAll(false)
	defer s.unlockAll(false)
	return s.len()
}

func (s *Set[K, L]) len() int {
	var n int
	for i := range s.tables {
		n += s.tables[i].used
	}
	return n
}

// Empty reports whether the set has no elements.
func (s *Set[K, L]) Empty() bool {
	return s.Len() == 0
}

// Capacity returns the total number of slots (occupied, deleted, and empty)
// across all shards.
func (s *Set[K, L]) Capacity() int {
	s.lockAll(false)
	defer s.unlockAll(false)
	return s.capacity()
}

func (s *Set[K, L]) capacity() int {
	var n int
	for i := range s.tables {
		n += int(s.tables[i].capacity)
	}
	return n
}

// BucketCount is Capacity: every slot is its own bucket in an
// open-addressing table.
func (s *Set[K, L]) BucketCount() int {
	return s.Capacity()
}

// LoadFactor returns Len divided by Capacity, or 0 for a set without
// storage.
func (s *Set[K, L]) LoadFactor() float64 {
	s.lockAll(false)
	defer s.unlockAll(false)
	c := s.capacity()
	if c == 0 {
		return 0
	}
	return float64(s.len()) / float64(c)
}

// MaxLoadFactor returns the load factor at which a large shard grows.
func (s *Set[K, L]) MaxLoadFactor() float64 {
	return float64(maxAvgGroupLoad) / groupSize
}

// SetMaxLoadFactor is accepted for compatibility and ignored: shards manage
// their own growth.
func (s *Set[K, L]) SetMaxLoadFactor(float64) {}

// Clear removes all elements. Shard capacities are retained.
func (s *Set[K, L]) Clear() {
	s.lockAll(true)
	defer s.unlockAll(true)
	for i := range s.tables {
		s.tables[i].reset(s.p)
	}
}

// Rehash grows every shard whose capacity is below its share of n slots,
// and the shards it grows lose their tombstones. Shards already large enough
// are left untouched, tombstones included. Rehash(0) forces a rehash of every
// shard to the smallest capacity that holds its elements, dropping all
// tombstones and releasing the storage of empty shards.
//
// New storage for every shard is allocated before any shard is modified; if
// an allocation fails the set is left unchanged.
func (s *Set[K, L]) Rehash(n int) error {
	per := ceilDiv(n, len(s.tables))
	return s.replan(func(t *table[K]) (tableArrays[K], bool, error) {
		return t.planRehash(s.p, per)
	})
}

// Reserve grows the shards so that the set can hold at least n elements
// without rehashing, assuming the elements spread evenly over the shards.
// Like Rehash, it either fully succeeds or leaves the set unchanged.
func (s *Set[K, L]) Reserve(n int) error {
	per := ceilDiv(n, len(s.tables))
	return s.replan(func(t *table[K]) (tableArrays[K], bool, error) {
		return t.planReserve(s.p, per)
	})
}

// replan allocates new arrays for every shard that plan says needs them,
// and installs them only once all allocations have succeeded.
func (s *Set[K, L]) replan(plan func(t *table[K]) (tableArrays[K], bool, error)) error {
	s.lockAll(true)
	defer s.unlockAll(true)

	type pending struct {
		arrays tableArrays[K]
		ok     bool
	}
	plans := make([]pending, len(s.tables))
	for i := range s.tables {
		a, ok, err := plan(&s.tables[i])
		if err != nil {
			for j := 0; j < i; j++ {
				if plans[j].ok {
					pa := plans[j].arrays
					s.tables[j].release(s.p, pa.ctrls, pa.slots, pa.capacity)
				}
			}
			return err
		}
		plans[i] = pending{arrays: a, ok: ok}
	}
	for i := range s.tables {
		if plans[i].ok {
			s.tables[i].install(s.p, plans[i].arrays)
		}
	}
	return nil
}

// Close releases the memory of every shard back to the configured allocator
// and leaves the set empty. It is unnecessary to close a set using the
// default allocator.
func (s *Set[K, L]) Close() {
	s.lockAll(true)
	defer s.unlockAll(true)
	for i := range s.tables {
		s.tables[i].close(s.p)
	}
}

// Clone returns a copy of s with the same options, shard count and hash
// function. The clone has its own locks and counters.
func (s *Set[K, L]) Clone() (*Set[K, L], error) {
	s.lockAll(false)
	defer s.unlockAll(false)

	c := newSet[K, L](&policy[K]{config: s.p.config})
	for i := range s.tables {
		t, err := s.tables[i].clone(c.p)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.tables[i] = t
	}
	return c, nil
}

// Equal reports whether s and o hold equal elements. Elements of s are
// looked up in o using o's hash and equality.
func (s *Set[K, L]) Equal(o *Set[K, L]) bool {
	if s == o {
		return true
	}
	unlock := lockSets(false, s, o)
	defer unlock()

	if s.len() != o.len() {
		return false
	}
	for i := range s.tables {
		t := &s.tables[i]
		for slot := t.nextFull(0); slot < t.capacity; slot = t.nextFull(slot + 1) {
			if !o.containsLocked(t.slots[slot]) {
				return false
			}
		}
	}
	return true
}

// containsLocked is Contains for a caller already holding the shard locks.
func (s *Set[K, L]) containsLocked(key K) bool {
	h := s.p.hash(key)
	_, ok := s.tables[s.router.route(h)].find(s.p, h, key)
	return ok
}

// Swap exchanges the contents, options and shard layout of s and o. Swap is
// a structural move: the caller must ensure nothing else accesses either set
// while it runs. Iterators into either set are invalidated.
func (s *Set[K, L]) Swap(o *Set[K, L]) {
	if s == o {
		return
	}
	s.p, o.p = o.p, s.p
	s.router, o.router = o.router, s.router
	s.tables, o.tables = o.tables, s.tables
	s.locks, o.locks = o.locks, s.locks
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
