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

// Node owns at most one element extracted from a Set. It moves an element
// between sets, possibly with different shard counts or hash seeds, without
// copying it through the caller. A Node is used through its pointer; a
// handle whose element has been inserted elsewhere is empty.
type Node[K comparable] struct {
	key  K
	full bool
}

// Empty reports whether the node holds no element.
func (n *Node[K]) Empty() bool {
	return n == nil || !n.full
}

// Key returns the held element. Key panics on an empty node.
func (n *Node[K]) Key() K {
	if n.Empty() {
		panic(errors.AssertionFailedf("shardset: accessing an empty node"))
	}
	return n.key
}

// SetKey replaces the held element. SetKey panics on an empty node.
func (n *Node[K]) SetKey(key K) {
	if n.Empty() {
		panic(errors.AssertionFailedf("shardset: accessing an empty node"))
	}
	n.key = key
}

// Release takes the element out of the node, leaving it empty. Release
// panics on an empty node.
func (n *Node[K]) Release() K {
	key := n.Key()
	n.reset()
	return key
}

func (n *Node[K]) reset() {
	var zero K
	n.key = zero
	n.full = false
}

// Extract removes the element equal to key and returns it in a node. The
// node is empty if the key is absent.
func (s *Set[K, L]) Extract(key K) *Node[K] {
	h := s.p.hash(key)
	i := s.router.route(h)
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	t := &s.tables[i]
	slot, ok := t.find(s.p, h, key)
	if !ok {
		return &Node[K]{}
	}
	return s.extractLocked(t, slot)
}

// ExtractAt removes the element at it and returns it in a node. it must
// refer to an element of s.
func (s *Set[K, L]) ExtractAt(it Iterator[K]) *Node[K] {
	s.checkIter(it)
	s.locks[it.shard].Lock()
	defer s.locks[it.shard].Unlock()
	t := &s.tables[it.shard]
	if !t.full(it.slot) {
		panic(errorStaleIterator(it))
	}
	return s.extractLocked(t, it.slot)
}

func (s *Set[K, L]) extractLocked(t *table[K], slot uintptr) *Node[K] {
	n := &Node[K]{key: t.slots[slot], full: true}
	t.eraseAt(s.p, slot)
	return n
}

// InsertResult is the outcome of InsertNode.
type InsertResult[K comparable] struct {
	// Position is the element equal to the node's key: the inserted element,
	// or the existing one that prevented the insertion. It is End when the
	// node was empty or the insertion failed.
	Position Iterator[K]
	// Inserted reports whether the node's element was moved into the set.
	Inserted bool
	// Node is the node passed to InsertNode. It is empty when Inserted is
	// true and still holds its element otherwise.
	Node *Node[K]
}

// InsertNode moves the element held by n into s. On success n is emptied.
// If an equal element is already present, n keeps its element unchanged and
// the result points at the existing element; the caller decides whether to
// drop or retry the node. Inserting an empty node is a no-op.
func (s *Set[K, L]) InsertNode(n *Node[K]) (InsertResult[K], error) {
	if n.Empty() {
		return InsertResult[K]{Position: s.End(), Node: n}, nil
	}
	h := s.p.hash(n.key)
	i := s.router.route(h)
	s.locks[i].Lock()
	defer s.locks[i].Unlock()
	slot, inserted, err := s.tables[i].insert(s.p, h, n.key)
	if err != nil {
		return InsertResult[K]{Position: s.End(), Node: n}, err
	}
	if inserted {
		n.reset()
	}
	return InsertResult[K]{Position: s.iter(i, slot), Inserted: inserted, Node: n}, nil
}

// Merge moves every element of src whose key is absent from s into s.
// Elements of src that collide with an element of s stay in src, and the
// element of s is kept. Merging a set into itself is a no-op.
//
// Both sets are locked for the duration of the merge. Each element moves
// atomically, but the merge as a whole does not: if a shard of s fails to
// grow, Merge returns the error and the elements already moved stay in s.
func (s *Set[K, L]) Merge(src *Set[K, L]) error {
	if s == src {
		return nil
	}
	unlock := lockSets(true, s, src)
	defer unlock()

	var moved, kept int
	for i := range src.tables {
		t := &src.tables[i]
		for slot := t.nextFull(0); slot < t.capacity; slot = t.nextFull(slot + 1) {
			key := t.slots[slot]
			h := s.p.hash(key)
			_, inserted, err := s.tables[s.router.route(h)].insert(s.p, h, key)
			if err != nil {
				return errors.Wrapf(err, "shardset: merge stopped after moving %d elements", moved)
			}
			if !inserted {
				kept++
				continue
			}
			// Erasing never moves other elements, so the scan of t can
			// continue past this slot.
			t.eraseAt(src.p, slot)
			moved++
		}
	}
	s.p.logger.Debug("merged sets",
		zap.Uint64("dst", s.id),
		zap.Uint64("src", src.id),
		zap.Int("moved", moved),
		zap.Int("kept", kept))
	return nil
}
