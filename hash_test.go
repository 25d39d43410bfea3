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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasher(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		h1, h2 := defaultHasher[string](), defaultHasher[string]()
		require.Equal(t, h1("hello"), h1("hello"))
		require.NotEqual(t, h1("hello"), h1("world"))
		// Each hasher draws its own seed.
		require.NotEqual(t, h1("hello"), h2("hello"))
	})

	t.Run("int", func(t *testing.T) {
		h1, h2 := defaultHasher[int](), defaultHasher[int]()
		require.Equal(t, h1(42), h1(42))
		require.NotEqual(t, h1(42), h1(43))
		require.NotEqual(t, h1(42), h2(42))
	})

	t.Run("struct", func(t *testing.T) {
		type point struct {
			x, y int32
			name string
		}
		h := defaultHasher[point]()
		require.Equal(t, h(point{1, 2, "a"}), h(point{1, 2, "a"}))
		require.NotEqual(t, h(point{1, 2, "a"}), h(point{2, 1, "a"}))

		s := New[point, NoLock](0)
		require.NoError(t, s.InsertAll(point{1, 2, "a"}, point{1, 2, "a"}, point{1, 2, "b"}))
		require.EqualValues(t, 2, s.Len())
	})
}

func TestCloneSharesHash(t *testing.T) {
	s := New[string, NoLock](0)
	o := New[string, NoLock](0)
	c, err := s.Clone()
	require.NoError(t, err)
	require.Equal(t, s.Hash("k"), c.Hash("k"))
	require.NotEqual(t, s.Hash("k"), o.Hash("k"))
}
