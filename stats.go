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

// ShardStats describes one shard.
type ShardStats struct {
	Len        int
	Capacity   int
	Tombstones int
}

// Stats is a consistent snapshot of a set's occupancy together with its
// lifetime growth counters.
type Stats struct {
	Len      int
	Capacity int
	Shards   []ShardStats
	// Resizes counts shard reallocations, including those made by Rehash and
	// Reserve.
	Resizes uint64
	// Rehashes counts in-place rehashes that reclaimed tombstones.
	Rehashes uint64
	// AllocFailures counts growth attempts the allocator refused.
	AllocFailures uint64
}

// Stats returns a snapshot of s taken with all shards read-locked.
func (s *Set[K, L]) Stats() Stats {
	s.lockAll(false)
	defer s.unlockAll(false)

	st := Stats{
		Shards:        make([]ShardStats, len(s.tables)),
		Resizes:       s.p.resizes.Load(),
		Rehashes:      s.p.rehashes.Load(),
		AllocFailures: s.p.allocFailures.Load(),
	}
	for i := range s.tables {
		t := &s.tables[i]
		st.Shards[i] = ShardStats{
			Len:        t.used,
			Capacity:   int(t.capacity),
			Tombstones: growthLimit(t.capacity) - t.used - t.growthLeft,
		}
		st.Len += t.used
		st.Capacity += int(t.capacity)
	}
	return st
}
