// Copyright 2025 PhotoFS Authors
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

// Package cache holds the content and record caches backing the mount.
//
// Design principles:
// 1. Fine-grained invalidation - drop only affected entries, not everything
// 2. Single layer ownership - each cache lives in one layer
//
// Provides:
// - Cache: byte-budgeted block cache for media content (block LRU,
//   per-item fetch dedup, digest validation on full fetches)
// - RecordCache: small TTL'd cache for hot index records
package cache

import "os"

// Disabled turns off all caching mechanisms. Set via PHOTOFS_CACHE=0.
// When true:
// - Cache.Read never retains fetched blocks
// - RecordCache.Get always misses and Set is a no-op
//
// Useful for isolating cache-related bugs: behavior must be identical,
// only slower.
var Disabled = os.Getenv("PHOTOFS_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
