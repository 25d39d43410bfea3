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

import "math/bits"

// fibonacciMultiplier is 2^64 divided by the golden ratio. Multiplying by it
// spreads every input bit into the high bits of the product.
const fibonacciMultiplier = 0x9E3779B97F4A7C15

// router maps a hash value to one of a fixed power-of-two number of shards.
//
// Within a shard the probe start comes from the low bits of h>>7 and the
// control byte from the low 7 bits of h. The router takes the top bits of
// h*fibonacciMultiplier instead, so which shard a key lands in says nothing
// about where it lands inside that shard, even for hash functions that only
// populate the low bits.
type router struct {
	// shift is 64-log2(shards). A single shard uses shift == 64, for which
	// the shifted product is always 0.
	shift uint
}

func makeRouter(shards int) router {
	return router{shift: 64 - uint(bits.TrailingZeros(uint(shards)))}
}

// route returns the shard index for hash value h. It depends only on h and
// the shard count, never on the contents of the set.
func (r router) route(h uint64) int {
	return int((h * fibonacciMultiplier) >> r.shift)
}

// roundUpPow2 rounds n up to a power of two.
func roundUpPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
