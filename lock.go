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
	"sort"
	"sync"
)

// Locker is the per-shard mutual exclusion policy of a Set. Readers use
// RLock/RUnlock, writers Lock/Unlock. The policy is a type parameter of the
// set, so each variant gets its own instantiation rather than a branch on
// every operation.
//
// A Locker is held by value in each shard, so implementations must either be
// stateless or share their state through a pointer.
type Locker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// NoLock performs no synchronization. A Set[K, NoLock] must only be accessed
// by one goroutine at a time; concurrent use is undefined behavior, not a
// detected error.
type NoLock struct{}

func (NoLock) Lock()    {}
func (NoLock) Unlock()  {}
func (NoLock) RLock()   {}
func (NoLock) RUnlock() {}

// Mutex guards each shard with a sync.Mutex. Readers exclude each other.
type Mutex struct {
	mu *sync.Mutex
}

func (m Mutex) Lock()    { m.mu.Lock() }
func (m Mutex) Unlock()  { m.mu.Unlock() }
func (m Mutex) RLock()   { m.mu.Lock() }
func (m Mutex) RUnlock() { m.mu.Unlock() }

// RWMutex guards each shard with a sync.RWMutex. Readers of the same shard
// proceed in parallel.
type RWMutex struct {
	mu *sync.RWMutex
}

func (m RWMutex) Lock()    { m.mu.Lock() }
func (m RWMutex) Unlock()  { m.mu.Unlock() }
func (m RWMutex) RLock()   { m.mu.RLock() }
func (m RWMutex) RUnlock() { m.mu.RUnlock() }

// newLocker returns a ready to use L. The zero value of a user-defined
// Locker is used as is.
func newLocker[L Locker]() L {
	var l L
	switch p := any(&l).(type) {
	case *Mutex:
		p.mu = new(sync.Mutex)
	case *RWMutex:
		p.mu = new(sync.RWMutex)
	}
	return l
}

// lockAll acquires every shard lock of s in ascending shard order.
func (s *Set[K, L]) lockAll(exclusive bool) {
	for i := range s.locks {
		if exclusive {
			s.locks[i].Lock()
		} else {
			s.locks[i].RLock()
		}
	}
}

func (s *Set[K, L]) unlockAll(exclusive bool) {
	for i := len(s.locks) - 1; i >= 0; i-- {
		if exclusive {
			s.locks[i].Unlock()
		} else {
			s.locks[i].RUnlock()
		}
	}
}

// lockSets acquires all shard locks of every set, ordering the sets by id so
// that two goroutines locking the same pair of sets in opposite argument
// order cannot deadlock. A set passed more than once is locked once. The
// returned function releases the locks.
func lockSets[K comparable, L Locker](exclusive bool, sets ...*Set[K, L]) (unlock func()) {
	ordered := make([]*Set[K, L], 0, len(sets))
	for _, s := range sets {
		dup := false
		for _, o := range ordered {
			if o == s {
				dup = true
				break
			}
		}
		if !dup {
			ordered = append(ordered, s)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].id < ordered[j].id
	})
	for _, s := range ordered {
		s.lockAll(exclusive)
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].unlockAll(exclusive)
		}
	}
}
