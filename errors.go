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

// ErrAllocation marks errors returned when the configured Allocator fails to
// provide storage for a growing shard. Use errors.Is to test for it.
var ErrAllocation = errors.New("shardset: allocation failed")

// ErrInvalidOption marks construction options that are out of range or
// inconsistent with each other.
var ErrInvalidOption = errors.New("shardset: invalid option")
