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
	"fmt"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// policy bundles the configuration and counters shared by every shard of a
// Set. Shards are handed the policy on every call rather than holding a
// pointer to it.
type policy[K comparable] struct {
	config[K]

	resizes       atomic.Uint64
	rehashes      atomic.Uint64
	allocFailures atomic.Uint64
}

// table is a single shard: an open-addressing Swiss table holding keys.
type table[K comparable] struct {
	// ctrls is capacity+groupSize in length. Ctrls[capacity] is always
	// ctrlSentinel which is used to stop probe iteration. A copy of the first
	// groupSize-1 elements of ctrls is mirrored into the remaining slots
	// which is done so that a probe sequence which picks a value near the end
	// of ctrls will have valid control bytes to look at.
	//
	// When the table is empty, ctrls points to emptyCtrls which will never
	// be modified and is used to simplify the insert, find, and erase code
	// which doesn't have to check for a nil ctrls.
	ctrls []ctrl
	// slots is capacity in length.
	slots []K
	// The total number slots (always 2^N-1). The capacity is used as a mask
	// to quickly compute i%N using a bitwise & operation.
	capacity uintptr
	// The number of filled slots (i.e. the number of elements in the table).
	used int
	// The number of slots we can still fill without needing to rehash.
	//
	// This is stored separately due to tombstones: we do not include
	// tombstones in the growth capacity because we'd like to rehash when the
	// table is filled with tombstones as otherwise probe sequences might get
	// unacceptably long without triggering a rehash.
	growthLeft int
	// index is the position of this table in its set, used for logging.
	index int
}

// tableArrays is storage allocated ahead of being installed into a table.
// A zero capacity means the table reverts to the shared empty state.
type tableArrays[K comparable] struct {
	ctrls    []ctrl
	slots    []K
	capacity uintptr
}

func makeTable[K comparable](index int) table[K] {
	return table[K]{
		ctrls: emptyCtrls,
		index: index,
	}
}

// find returns the index of the slot holding key, or ok=false if the key is
// not present.
func (t *table[K]) find(p *policy[K], h uint64, key K) (i uintptr, ok bool) {
	// To find the location of a key in the table, we compute hash(key). From
	// h1(hash(key)) and the capacity, we construct a probeSeq that visits every
	// group of slots in some interesting order.
	//
	// We walk through these indices. At each index, we select the entire group
	// starting with that index and extract potential candidates: occupied slots
	// with a control byte equal to h2(hash(key)). If we find an empty slot in the
	// group, we stop and report the key as absent. The key at candidate slot y
	// is compared with key; if p.eq(key, t.slots[y]) we are done and return y;
	// otherwise we continue to the next probe index. Tombstones (ctrlDeleted)
	// effectively behave like full slots that never match the value we're
	// looking for.
	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := &t.ctrls[seq.offset]
		match := g.matchH2(h2(h))

		for match != 0 {
			bit := match.first()
			i := seq.offsetAt(bit)
			if p.eq(key, t.slots[i]) {
				return i, true
			}
			match = match.remove(bit)
		}

		if g.matchEmpty() != 0 {
			return 0, false
		}
	}
}

// insert adds key to the table if no equal key is present. It returns the
// index of the slot holding the new or the existing element.
func (t *table[K]) insert(p *policy[K], h uint64, key K) (uintptr, bool, error) {
	if i, ok := t.find(p, h, key); ok {
		return i, false, nil
	}
	// Before performing the insertion we may decide the table is getting
	// overcrowded (i.e. the load factor is greater than 7/8 for big tables;
	// small tables use a max load factor of 1). Growing first keeps the
	// returned index valid.
	if t.growthLeft == 0 {
		if err := t.rehash(p); err != nil {
			return 0, false, err
		}
	}
	i := t.uncheckedInsert(h, key)
	t.used++
	t.checkInvariants(p)
	return i, true, nil
}

// insertFunc is insert where the element is only constructed once the key is
// known to be absent. The constructed element must equal key.
func (t *table[K]) insertFunc(
	p *policy[K], h uint64, key K, construct func() K,
) (uintptr, bool, error) {
	if i, ok := t.find(p, h, key); ok {
		return i, false, nil
	}
	if t.growthLeft == 0 {
		if err := t.rehash(p); err != nil {
			return 0, false, err
		}
	}
	v := construct()
	if !p.eq(v, key) {
		panic(errors.AssertionFailedf("shardset: constructed element does not equal its key"))
	}
	i := t.uncheckedInsert(h, v)
	t.used++
	t.checkInvariants(p)
	return i, true, nil
}

// uncheckedInsert inserts an element known not to be in the table and
// returns its slot index. The table must have growthLeft > 0.
func (t *table[K]) uncheckedInsert(h uint64, key K) uintptr {
	// Given key and its hash hash(key), to insert it, we construct a
	// probeSeq, and use it to find the first group with an unoccupied (empty
	// or deleted) slot. We place the key into the first such slot in the
	// group and mark it as full with key's H2.
	seq := makeProbeSeq(h1(h), t.capacity)
	for ; ; seq = seq.next() {
		g := &t.ctrls[seq.offset]
		if match := g.matchEmptyOrDeleted(); match != 0 {
			i := seq.offsetAt(match.first())
			t.slots[i] = key
			if t.ctrls[i] == ctrlEmpty {
				t.growthLeft--
			}
			t.setCtrl(i, ctrl(h2(h)))
			return i
		}
	}
}

// full reports whether slot i holds an element.
func (t *table[K]) full(i uintptr) bool {
	return i < t.capacity && t.ctrls[i].full()
}

// nextFull returns the index of the first occupied slot at or after i, or
// the capacity if there is none.
func (t *table[K]) nextFull(i uintptr) uintptr {
	for ; i < t.capacity; i++ {
		if t.ctrls[i].full() {
			return i
		}
	}
	return t.capacity
}

// eraseAt removes the element at slot i, which must be occupied. No other
// element moves.
func (t *table[K]) eraseAt(p *policy[K], i uintptr) {
	t.used--
	var zero K
	t.slots[i] = zero

	// Given an offset to delete we simply create a tombstone and destroy its
	// contents and mark the ctrl as deleted. If we can prove that the slot
	// would not appear in a probe sequence we can mark the slot as empty
	// instead. We can prove this by checking to see if the slot is part of
	// any group that could have been full (assuming we never create an empty
	// slot in a group with no empties which this heuristic guarantees we
	// never do). If the slot is always parts of groups that could never have
	// been full then find would stop at this slot since we do not probe
	// beyond groups with empties.
	if t.wasNeverFull(i) {
		t.setCtrl(i, ctrlEmpty)
		t.growthLeft++
	} else {
		t.setCtrl(i, ctrlDeleted)
	}
	t.checkInvariants(p)
}

// setCtrl sets the control byte at index i, taking care to mirror the byte to
// the end of the control bytes slice if i<groupSize.
func (t *table[K]) setCtrl(i uintptr, v ctrl) {
	t.ctrls[i] = v
	// Mirror the first groupSize control state to the end of the ctrls slice.
	// We do this unconditionally which is faster than performing a comparison
	// to do it only for the first groupSize slots. Note that the index will
	// be the identity for slots in the range [groupSize,capacity).
	t.ctrls[((i-(groupSize-1))&t.capacity)+(groupSize-1)] = v
}

// wasNeverFull returns true if index i was never part a full group. This
// check allows an optimization during deletion whereby a deleted slot can be
// converted to empty rather than a tombstone. See the comment in eraseAt for
// further explanation.
func (t *table[K]) wasNeverFull(i uintptr) bool {
	if t.capacity < groupSize {
		// The table fits entirely in a single group so we will never probe
		// beyond this group.
		return true
	}

	indexBefore := (i - groupSize) & t.capacity
	emptyAfter := t.ctrls[i].matchEmpty()
	emptyBefore := t.ctrls[indexBefore].matchEmpty()

	// We count how many consecutive non empties we have to the right and to
	// the left of i. If the sum is >= groupSize then there is at least one
	// probe window that might have seen a full group.
	//
	//   xx xx xx xx xx xx xx xx  xx xx xx xx xx xx xx xx
	//   ^                        ^
	//   indexBefore              i
	//
	// The matchEmpty calls transform the control bytes into either 0x80 if
	// the control byte was empty, or 0x00 if the control byte was full,
	// deleted, or the sentinel. The number of trailing zero bytes in
	// emptyAfter is the run of non-empty slots starting at i, and the number
	// of leading zero bytes in emptyBefore is the run ending just before i.
	if emptyBefore != 0 && emptyAfter != 0 &&
		((bits.TrailingZeros64(uint64(emptyAfter))>>3)+
			(bits.LeadingZeros64(uint64(emptyBefore))>>3)) < groupSize {
		return true
	}
	return false
}

// rehash makes room for at least one more element, either by reclaiming
// tombstones in place or by doubling the capacity.
func (t *table[K]) rehash(p *policy[K]) error {
	// Rehash in place if we can recover >= 1/3 of the capacity. Abseil notes
	// that in the worst case it takes ~4 insert/erase pairs to create a single
	// tombstone. Rehashing in place is significantly faster than resizing
	// because the common case is that elements remain in their current
	// location. We're only called once growthLeft hits zero, so the number of
	// tombstones is capacity*7/8 - used.
	recoverable := (t.capacity*maxAvgGroupLoad)/groupSize - uintptr(t.used)
	if t.capacity > groupSize && recoverable >= t.capacity/3 {
		t.rehashInPlace(p)
		return nil
	}
	return t.resize(p, 2*t.capacity+1)
}

// resize grows the table to newCapacity. On allocation failure the table is
// left untouched.
func (t *table[K]) resize(p *policy[K], newCapacity uintptr) error {
	a, err := t.alloc(p, newCapacity)
	if err != nil {
		return err
	}
	t.install(p, a)
	return nil
}

// alloc obtains the arrays for a table of newCapacity slots without touching
// the table itself.
func (t *table[K]) alloc(p *policy[K], newCapacity uintptr) (tableArrays[K], error) {
	if (1 + newCapacity) < groupSize {
		newCapacity = groupSize - 1
	}
	slots, err := p.allocator.AllocSlots(int(newCapacity))
	if err != nil {
		return tableArrays[K]{}, t.allocFailed(p, err, newCapacity)
	}
	ctrls, err := p.allocator.AllocControls(int(newCapacity + groupSize))
	if err != nil {
		p.allocator.FreeSlots(slots)
		return tableArrays[K]{}, t.allocFailed(p, err, newCapacity)
	}
	return tableArrays[K]{
		ctrls:    unsafeConvertSlice[ctrl](ctrls),
		slots:    slots,
		capacity: newCapacity,
	}, nil
}

func (t *table[K]) allocFailed(p *policy[K], err error, newCapacity uintptr) error {
	p.allocFailures.Inc()
	p.logger.Warn("shard growth failed",
		zap.Int("shard", t.index),
		zap.Uint64("capacity", uint64(t.capacity)),
		zap.Uint64("target", uint64(newCapacity)),
		zap.Error(err))
	return errors.Mark(
		errors.Wrapf(err, "shardset: growing shard %d to %d slots", t.index, newCapacity),
		ErrAllocation)
}

// release returns the table's arrays to the allocator.
func (t *table[K]) release(p *policy[K], ctrls []ctrl, slots []K, capacity uintptr) {
	if capacity == 0 {
		return
	}
	p.allocator.FreeSlots(slots)
	p.allocator.FreeControls(unsafeConvertSlice[uint8](ctrls))
}

// install replaces the table's arrays with a, re-inserting every element
// (we know that no insertion here will find an already-present key), and
// releases the old arrays. The growth limit of a must fit t.used.
func (t *table[K]) install(p *policy[K], a tableArrays[K]) {
	oldCtrls, oldSlots, oldCapacity := t.ctrls, t.slots, t.capacity

	if a.capacity == 0 {
		t.ctrls, t.slots, t.capacity = emptyCtrls, nil, 0
		t.growthLeft = 0
	} else {
		t.ctrls, t.slots, t.capacity = a.ctrls, a.slots, a.capacity
		for i := range t.ctrls {
			t.ctrls[i] = ctrlEmpty
		}
		t.ctrls[t.capacity] = ctrlSentinel
		t.growthLeft = growthLimit(t.capacity)

		for i := uintptr(0); i < oldCapacity; i++ {
			if !oldCtrls[i].full() {
				continue
			}
			key := oldSlots[i]
			t.uncheckedInsert(p.hash(key), key)
		}
	}

	t.release(p, oldCtrls, oldSlots, oldCapacity)
	p.resizes.Inc()
	p.logger.Debug("shard resized",
		zap.Int("shard", t.index),
		zap.Uint64("from", uint64(oldCapacity)),
		zap.Uint64("to", uint64(t.capacity)),
		zap.Int("used", t.used))
	t.checkInvariants(p)
}

// planRehash allocates the arrays for rehash(n). ok is false when the table
// does not need to change. A count of zero forces a rehash to the smallest
// capacity that fits the current elements, and releases the storage of an
// empty table. A non-zero count only ever grows the table.
func (t *table[K]) planRehash(p *policy[K], n int) (a tableArrays[K], ok bool, err error) {
	if n == 0 && t.used == 0 {
		return tableArrays[K]{}, t.capacity > 0, nil
	}
	c := capacityForElements(t.used)
	if m := normalizeCapacity(uintptr(n)); m > c {
		c = m
	}
	if n != 0 && c <= t.capacity {
		return tableArrays[K]{}, false, nil
	}
	a, err = t.alloc(p, c)
	return a, err == nil, err
}

// planReserve allocates the arrays needed for the table to hold n elements
// without rehashing. ok is false when it already can.
func (t *table[K]) planReserve(p *policy[K], n int) (a tableArrays[K], ok bool, err error) {
	if n <= t.used+t.growthLeft {
		return tableArrays[K]{}, false, nil
	}
	c := capacityForElements(n)
	if c < t.capacity {
		// Tombstones ate into the growth budget; dropping them at the current
		// capacity is enough.
		c = t.capacity
	}
	a, err = t.alloc(p, c)
	return a, err == nil, err
}

// reset removes every element, keeping the capacity.
func (t *table[K]) reset(p *policy[K]) {
	if t.capacity == 0 {
		return
	}
	clear(t.slots)
	for i := range t.ctrls {
		t.ctrls[i] = ctrlEmpty
	}
	t.ctrls[t.capacity] = ctrlSentinel
	t.used = 0
	t.growthLeft = growthLimit(t.capacity)
	t.checkInvariants(p)
}

// close releases the table's storage and leaves it empty.
func (t *table[K]) close(p *policy[K]) {
	t.release(p, t.ctrls, t.slots, t.capacity)
	t.ctrls, t.slots, t.capacity = emptyCtrls, nil, 0
	t.used, t.growthLeft = 0, 0
}

// clone copies the table slot for slot. The copy is only valid for a policy
// with the same hash function.
func (t *table[K]) clone(p *policy[K]) (table[K], error) {
	c := makeTable[K](t.index)
	if t.capacity == 0 {
		return c, nil
	}
	a, err := t.alloc(p, t.capacity)
	if err != nil {
		return c, err
	}
	copy(a.ctrls, t.ctrls)
	copy(a.slots, t.slots)
	c.ctrls, c.slots, c.capacity = a.ctrls, a.slots, a.capacity
	c.used, c.growthLeft = t.used, t.growthLeft
	return c, nil
}

func (t *table[K]) rehashInPlace(p *policy[K]) {
	// We want to drop all of the deletes in place. We first walk over the
	// control bytes and mark every DELETED slot as EMPTY and every FULL slot
	// as DELETED. Marking the DELETED slots as EMPTY has effectively dropped
	// the tombstones, but we fouled up the probe invariant. Marking the FULL
	// slots as DELETED gives us a marker to locate the previously FULL slots.

	// Mark all DELETED slots as EMPTY and all FULL slots as DELETED.
	for i := uintptr(0); i < t.capacity; i += groupSize {
		t.ctrls[i].convertNonFullToEmptyAndFullToDeleted()
	}

	// Fixup the cloned control bytes and the sentinel.
	for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
		t.ctrls[((i-(groupSize-1))&t.capacity)+(groupSize-1)] = t.ctrls[i]
	}
	t.ctrls[t.capacity] = ctrlSentinel

	// Now we walk over all of the DELETED slots (a.k.a. the previously FULL
	// slots). For each slot we find the first probe group we can place the
	// element in which reestablishes the probe invariant. Note that as this
	// loop proceeds we have the invariant that there are no DELETED slots in
	// the range [0, i). We may move the element at i to the range [0, i) if
	// that is where the first group with an empty slot in its probe chain
	// resides, but we never set a slot in [0, i) to DELETED.
	for i := uintptr(0); i < t.capacity; i++ {
		if t.ctrls[i] != ctrlDeleted {
			continue
		}

		h := p.hash(t.slots[i])
		seq := makeProbeSeq(h1(h), t.capacity)
		desired := seq

		probeIndex := func(pos uintptr) uintptr {
			return ((pos - desired.offset) & t.capacity) / groupSize
		}

		var target uintptr
		for ; ; seq = seq.next() {
			if match := t.ctrls[seq.offset].matchEmptyOrDeleted(); match != 0 {
				target = seq.offsetAt(match.first())
				break
			}
		}

		if i == target || probeIndex(i) == probeIndex(target) {
			// If the target index falls within the first probe group
			// then we don't need to move the element as it already
			// falls in the best probe position.
			t.setCtrl(i, ctrl(h2(h)))
			continue
		}

		switch t.ctrls[target] {
		case ctrlEmpty:
			// The target slot is empty. Transfer the element to the
			// empty slot and mark the slot at index i as empty.
			t.setCtrl(target, ctrl(h2(h)))
			t.slots[target] = t.slots[i]
			var zero K
			t.slots[i] = zero
			t.setCtrl(i, ctrlEmpty)

		case ctrlDeleted:
			// The slot at target has an element (i.e. it was FULL).
			// We're going to swap our current element with that
			// element and then repeat processing of index i which now
			// holds the element which was at target.
			t.setCtrl(target, ctrl(h2(h)))
			t.slots[i], t.slots[target] = t.slots[target], t.slots[i]
			// Repeat processing of the i'th slot which now holds a
			// new key.
			i--

		default:
			panic(errors.AssertionFailedf("ctrl at position %d (%02x) should be empty or deleted",
				target, t.ctrls[target]))
		}
	}

	t.growthLeft = growthLimit(t.capacity) - t.used
	p.rehashes.Inc()
	p.logger.Debug("shard rehashed in place",
		zap.Int("shard", t.index),
		zap.Uint64("capacity", uint64(t.capacity)),
		zap.Int("used", t.used))
	t.checkInvariants(p)
}

func (t *table[K]) checkInvariants(p *policy[K]) {
	if !invariants {
		return
	}
	if t.capacity > 0 {
		// Verify the cloned control bytes are good.
		for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
			j := ((i - (groupSize - 1)) & t.capacity) + (groupSize - 1)
			ci := t.ctrls[i]
			cj := t.ctrls[j]
			if ci != cj {
				panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x != ctrl(%d)=%02x\n%s",
					i, ci, j, cj, t.debugString(p)))
			}
		}
		// Verify the sentinel is good.
		if c := t.ctrls[t.capacity]; c != ctrlSentinel {
			panic(fmt.Sprintf("invariant failed: ctrl(%d): expected sentinel, but found %02x\n%s",
				t.capacity, c, t.debugString(p)))
		}
	}

	// For every non-empty slot, verify we can retrieve the key using find.
	// Count the number of used and deleted slots.
	var used int
	var deleted int
	for i := uintptr(0); i < t.capacity; i++ {
		c := t.ctrls[i]
		switch {
		case c == ctrlDeleted:
			deleted++
		case c == ctrlEmpty:
		case c == ctrlSentinel:
			panic(fmt.Sprintf("invariant failed: ctrl(%d): unexpected sentinel", i))
		default:
			key := t.slots[i]
			h := p.hash(key)
			if j, ok := t.find(p, h, key); !ok || j != i {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v not found [h2=%02x h1=%07x]\n%s",
					i, key, h2(h), h1(h), t.debugString(p)))
			}
			used++
		}
	}

	if used != t.used {
		panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, t.used, t.debugString(p)))
	}

	growthLeft := growthLimit(t.capacity) - t.used - deleted
	if growthLeft != t.growthLeft {
		panic(fmt.Sprintf("invariant failed: found %d growthLeft, but expected %d\n%s",
			t.growthLeft, growthLeft, t.debugString(p)))
	}
}

func (t *table[K]) debugString(p *policy[K]) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "shard=%d capacity=%d  used=%d  growth-left=%d\n",
		t.index, t.capacity, t.used, t.growthLeft)
	for i := uintptr(0); i < t.capacity+groupSize; i++ {
		switch c := t.ctrls[i]; c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		case ctrlSentinel:
			fmt.Fprintf(&buf, "  %4d: sentinel\n", i)
		default:
			if i < t.capacity {
				key := t.slots[i]
				fmt.Fprintf(&buf, "  %4d: %v [ctrl=%02x h2=%02x] \n", i, key, c, h2(p.hash(key)))
			} else {
				fmt.Fprintf(&buf, "  %4d: [ctrl=%02x]\n", i, c)
			}
		}
	}
	return buf.String()
}
