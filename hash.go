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
	"hash/maphash"

	"github.com/zeebo/xxh3"
	"golang.org/x/exp/rand"
)

// defaultHasher returns a seeded hash function for K. Every call draws a new
// seed, so two sets never share an element layout unless one was cloned from
// the other.
func defaultHasher[K comparable]() func(key K) uint64 {
	var zero K
	if _, ok := any(zero).(string); ok {
		seed := rand.Uint64()
		return func(key K) uint64 {
			return xxh3.HashStringSeed(any(key).(string), seed)
		}
	}
	seed := maphash.MakeSeed()
	return func(key K) uint64 {
		return maphash.Comparable(seed, key)
	}
}
