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
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func pointees(s *Set[*int, NoLock]) []int {
	var r []int
	s.All(func(p *int) bool {
		r = append(r, *p)
		return true
	})
	return r
}

func newInt(v int) *int {
	return &v
}

func TestMergeExtractInsert(t *testing.T) {
	hash := func(p *int) uint64 { return uint64(*p) }
	eq := func(a, b *int) bool { return *a == *b }
	set1 := New[*int, NoLock](0, WithHash(hash), WithEqual(eq))
	set2 := New[*int, NoLock](0, WithHash(hash), WithEqual(eq), WithShardCount[*int](4))

	require.NoError(t, set1.InsertAll(newInt(7), newInt(17)))
	require.NoError(t, set2.InsertAll(newInt(7), newInt(19)))
	require.ElementsMatch(t, []int{7, 17}, pointees(set1))
	require.ElementsMatch(t, []int{7, 19}, pointees(set2))

	require.NoError(t, set1.Merge(set2))
	require.ElementsMatch(t, []int{7, 17, 19}, pointees(set1))
	require.ElementsMatch(t, []int{7}, pointees(set2))

	node := set1.Extract(newInt(7))
	require.False(t, node.Empty())
	require.Equal(t, 7, *node.Key())
	require.ElementsMatch(t, []int{17, 19}, pointees(set1))

	extracted := node.Key()
	res, err := set2.InsertNode(node)
	require.NoError(t, err)
	require.False(t, res.Inserted)
	require.False(t, res.Node.Empty())
	require.Equal(t, 7, *res.Node.Key())
	require.Equal(t, 7, *res.Position.Key())
	require.NotSame(t, res.Position.Key(), res.Node.Key())
	require.Same(t, extracted, res.Node.Key())
	require.ElementsMatch(t, []int{7}, pointees(set2))

	node = set1.Extract(newInt(17))
	require.False(t, node.Empty())
	require.Equal(t, 17, *node.Key())
	require.ElementsMatch(t, []int{19}, pointees(set1))

	node.SetKey(newInt(23))

	res, err = set2.InsertNode(node)
	require.NoError(t, err)
	require.True(t, node.Empty())
	require.True(t, res.Inserted)
	require.True(t, res.Node.Empty())
	require.Equal(t, 23, *res.Position.Key())
	require.ElementsMatch(t, []int{7, 23}, pointees(set2))
}

func TestMerge(t *testing.T) {
	for _, shardsA := range testShardCounts {
		for _, shardsB := range []int{1, 8} {
			t.Run(fmt.Sprintf("a=%d/b=%d", shardsA, shardsB), func(t *testing.T) {
				a := New[int, Mutex](0, WithShardCount[int](shardsA))
				b := New[int, Mutex](0, WithShardCount[int](shardsB))
				require.NoError(t, a.InsertAll(1, 2))
				require.NoError(t, b.InsertAll(2, 3))

				require.NoError(t, a.Merge(b))
				require.Equal(t, map[int]struct{}{1: {}, 2: {}, 3: {}}, a.toBuiltinSet())
				require.Equal(t, map[int]struct{}{2: {}}, b.toBuiltinSet())

				// Merging into itself and merging the remainder change nothing.
				require.NoError(t, a.Merge(a))
				require.NoError(t, a.Merge(b))
				require.EqualValues(t, 3, a.Len())
				require.EqualValues(t, 1, b.Len())
			})
		}
	}
}

func TestMergeLarge(t *testing.T) {
	a := New[int, RWMutex](0, WithShardCount[int](4))
	b := New[int, RWMutex](0, WithShardCount[int](16))
	for i := 0; i < 1000; i++ {
		_, _, err := a.Insert(i)
		require.NoError(t, err)
		_, _, err = b.Insert(i + 500)
		require.NoError(t, err)
	}
	require.NoError(t, a.Merge(b))
	require.EqualValues(t, 1500, a.Len())
	require.EqualValues(t, 500, b.Len())
	for k := range b.All {
		require.GreaterOrEqual(t, k, 500)
		require.Less(t, k, 1000)
		require.True(t, a.Contains(k))
	}
}

func TestMergeAllocationFailure(t *testing.T) {
	alloc := newTestAllocator[int]()
	a := New[int, NoLock](0, WithShardCount[int](1), WithAllocator[int](alloc))
	b := New[int, NoLock](0, WithShardCount[int](1))
	require.NoError(t, a.InsertAll(0, 1))
	for i := 100; i < 200; i++ {
		_, _, err := b.Insert(i)
		require.NoError(t, err)
	}

	alloc.slotBudget = 0
	err := a.Merge(b)
	require.True(t, errors.Is(err, ErrAllocation))

	// Every element is in exactly one of the sets.
	require.EqualValues(t, 102, a.Len()+b.Len())
	for i := 100; i < 200; i++ {
		require.True(t, a.Contains(i) != b.Contains(i))
	}
}

func TestNodeRoundTrip(t *testing.T) {
	forEachShardCount(t, func(t *testing.T, shards int) {
		s := New[int, NoLock](0, WithShardCount[int](shards))
		for i := 0; i < 100; i++ {
			_, _, err := s.Insert(i)
			require.NoError(t, err)
		}
		before, err := s.Clone()
		require.NoError(t, err)

		// Into the same set.
		for i := 0; i < 100; i += 7 {
			n := s.Extract(i)
			require.False(t, n.Empty())
			require.False(t, s.Contains(i))
			res, err := s.InsertNode(n)
			require.NoError(t, err)
			require.True(t, res.Inserted)
			require.Equal(t, i, res.Position.Key())
		}
		require.True(t, before.Equal(s))

		// Through a different set and back.
		o := New[int, NoLock](0, WithShardCount[int](16/shards))
		for i := 0; i < 100; i += 3 {
			res, err := o.InsertNode(s.ExtractAt(s.Find(i)))
			require.NoError(t, err)
			require.True(t, res.Inserted)
		}
		require.EqualValues(t, 34, o.Len())
		for k := range o.All {
			res, err := s.InsertNode(o.Extract(k))
			require.NoError(t, err)
			require.True(t, res.Inserted)
		}
		require.True(t, o.Empty())
		require.True(t, before.Equal(s))
	})
}

func TestNodeEmpty(t *testing.T) {
	s := New[int, NoLock](0)
	require.NoError(t, s.InsertAll(1, 2))

	n := s.Extract(3)
	require.True(t, n.Empty())
	requireAssertionPanic(t, func() { n.Key() })
	requireAssertionPanic(t, func() { n.SetKey(4) })
	requireAssertionPanic(t, func() { n.Release() })

	res, err := s.InsertNode(n)
	require.NoError(t, err)
	require.False(t, res.Inserted)
	require.True(t, res.Position.Done())
	require.Same(t, n, res.Node)

	var nilNode *Node[int]
	require.True(t, nilNode.Empty())
	res, err = s.InsertNode(nilNode)
	require.NoError(t, err)
	require.False(t, res.Inserted)
	require.EqualValues(t, 2, s.Len())

	n = s.Extract(1)
	require.Equal(t, 1, n.Release())
	require.True(t, n.Empty())
	require.False(t, s.Contains(1))

	// A stale position cannot be extracted.
	it := s.Find(2)
	require.Equal(t, 1, s.Erase(2))
	requireAssertionPanic(t, func() { s.ExtractAt(it) })
	requireAssertionPanic(t, func() { s.ExtractAt(s.End()) })
}
