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

package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"photofs/internal/common"
)

// Fetcher retrieves a byte range of a remote item. The returned total is
// the full object size when the transport reports it, -1 otherwise.
// Implemented by the photos client.
type Fetcher interface {
	FetchContentRange(ctx context.Context, remoteID string, offset, length int64) (data []byte, total int64, err error)
}

// Object identifies the content a read addresses. Size is zero until the
// byte size has been learned from a fetch; Hash is the hex BLAKE3 digest
// when the index knows it.
type Object struct {
	RemoteID string
	Size     int64
	Hash     string
}

// Defaults for Config.
const (
	DefaultBudgetBytes  = 256 << 20
	DefaultFetchTimeout = 30 * time.Second
)

// readFetchAttempts bounds how often a read re-checks the cache after
// waiting out someone else's fetch before it stops coalescing.
const readFetchAttempts = 3

// Config tunes the content cache.
type Config struct {
	// BudgetBytes bounds the total bytes of retained blocks.
	BudgetBytes int64

	// FetchTimeout bounds a single remote fetch. Fetches run detached
	// from the reading call so an interrupted read does not abort work
	// other readers share.
	FetchTimeout time.Duration

	// SizeSink is called when a fetch reveals the byte size of an item
	// the index did not know yet. May be nil.
	SizeSink func(remoteID string, sizeBytes int64)

	// HashSink is called with the hex BLAKE3 digest when a full-object
	// fetch hashes an item the index has no digest for. May be nil.
	HashSink func(remoteID, hash string)

	// Clock is the time source for block recency. Tests install a
	// simulated clock.
	Clock timeutil.Clock
}

func (c Config) withDefaults() Config {
	if c.BudgetBytes <= 0 {
		c.BudgetBytes = DefaultBudgetBytes
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock()
	}
	return c
}

// block is one contiguous cached byte range of one item. Data is
// immutable once inserted; a block with pins outstanding is never
// evicted.
type block struct {
	remoteID   string
	offset     int64
	data       []byte
	lastAccess time.Time
	pins       int
}

func (b *block) end() int64 {
	return b.offset + int64(len(b.data))
}

// Cache is the in-memory content cache. Blocks are variable-length spans
// keyed (remote id, offset); a read miss fetches the full missing span in
// one ranged request and retains it as a single block, evicting the least
// recently used unpinned blocks when the byte budget overflows.
type Cache struct {
	fetcher Fetcher
	cfg     Config

	group singleflight.Group
	bg    sync.WaitGroup

	mu      sync.Mutex
	objects map[string][]*block
	used    int64

	hits      uint64
	misses    uint64
	bypasses  uint64
	evictions uint64
}

// New builds a content cache over a fetcher.
func New(fetcher Fetcher, cfg Config) *Cache {
	return &Cache{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		objects: make(map[string][]*block),
	}
}

// Close waits for in-flight fetches abandoned by interrupted reads.
func (c *Cache) Close() {
	c.bg.Wait()
}

// Read returns up to length bytes of the object starting at offset.
// Returns fewer bytes only at end of object. Concurrent readers of the
// same item share one remote fetch; an interrupted read returns the
// cancellation while the fetch finishes populating the cache.
func (c *Cache) Read(ctx context.Context, obj Object, offset, length int64) ([]byte, error) {
	off, end := clampRange(obj, offset, length)
	if off >= end {
		return nil, nil
	}

	if out, ok := c.tryServe(obj.RemoteID, off, end); ok {
		c.count(&c.hits)
		return out, nil
	}
	c.count(&c.misses)

	for attempt := 0; attempt < readFetchAttempts; attempt++ {
		out, done, err := c.readViaFetch(ctx, obj, off, end)
		if err != nil {
			return nil, err
		}
		if done {
			return out, nil
		}
		// Someone else's fetch completed; it may have covered us.
		if out, ok := c.tryServe(obj.RemoteID, off, end); ok {
			return out, nil
		}
	}

	log.Debugf("Contended reads of %s, fetching directly", obj.RemoteID)
	return c.fetchDirect(ctx, obj, off, end)
}

// Usage returns retained bytes against the budget.
func (c *Cache) Usage() (used, budget int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, c.cfg.BudgetBytes
}

// Stats reports cache counters.
type Stats struct {
	UsedBytes   int64
	BudgetBytes int64
	Blocks      int
	Hits        uint64
	Misses      uint64
	Bypasses    uint64
	Evictions   uint64
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	blocks := 0
	for _, bs := range c.objects {
		blocks += len(bs)
	}
	return Stats{
		UsedBytes:   c.used,
		BudgetBytes: c.cfg.BudgetBytes,
		Blocks:      blocks,
		Hits:        c.hits,
		Misses:      c.misses,
		Bypasses:    c.bypasses,
		Evictions:   c.evictions,
	}
}

// Invalidate drops every unpinned block.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.objects {
		c.dropUnpinnedLocked(id)
	}
}

// InvalidateObject drops the unpinned blocks of one item.
func (c *Cache) InvalidateObject(remoteID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropUnpinnedLocked(remoteID)
}

func (c *Cache) dropUnpinnedLocked(remoteID string) {
	blocks := c.objects[remoteID]
	kept := blocks[:0]
	for _, b := range blocks {
		if b.pins > 0 {
			kept = append(kept, b)
			continue
		}
		c.used -= int64(len(b.data))
	}
	if len(kept) == 0 {
		delete(c.objects, remoteID)
		return
	}
	c.objects[remoteID] = kept
}

// clampRange normalizes a read request against the known object size.
// With the size unknown the range passes through and the remote decides
// where the object ends.
func clampRange(obj Object, offset, length int64) (int64, int64) {
	if length <= 0 || offset < 0 {
		return 0, 0
	}
	end := offset + length
	if obj.Size > 0 {
		if offset >= obj.Size {
			return 0, 0
		}
		if end > obj.Size {
			end = obj.Size
		}
	}
	return offset, end
}

// tryServe assembles [off, end) from cached blocks. Misses when any byte
// of the range is uncovered.
func (c *Cache) tryServe(remoteID string, off, end int64) ([]byte, bool) {
	if Disabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]byte, end-off)
	pos := off
	var used []*block
	for _, b := range c.objects[remoteID] {
		if b.end() <= pos {
			continue
		}
		if b.offset > pos {
			break
		}
		n := copy(out[pos-off:], b.data[pos-b.offset:])
		pos += int64(n)
		used = append(used, b)
		if pos >= end {
			break
		}
	}
	if pos < end {
		return nil, false
	}

	now := c.cfg.Clock.Now()
	for _, b := range used {
		b.lastAccess = now
	}
	return out, true
}

func (c *Cache) count(counter *uint64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// spanResult carries one fetch-backed read result through the
// singleflight group. Waiters sharing the flight check the range before
// using it.
type spanResult struct {
	off, end int64
	data     []byte
}

// readViaFetch funnels the read through the per-item flight group. The
// bool reports whether the returned data answers this read; false means
// the shared flight served a different range and the caller should
// re-check the cache.
func (c *Cache) readViaFetch(ctx context.Context, obj Object, off, end int64) ([]byte, bool, error) {
	ch := c.group.DoChan(obj.RemoteID, func() (interface{}, error) {
		data, err := c.fetchAndFill(obj, off, end)
		if err != nil {
			return nil, err
		}
		return &spanResult{off: off, end: end, data: data}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		sr := res.Val.(*spanResult)
		if sr.off == off && sr.end == end {
			return sr.data, true, nil
		}
		return nil, false, nil
	case <-ctx.Done():
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			<-ch
		}()
		return nil, false, ctx.Err()
	}
}

// fetchAndFill pins the cached blocks overlapping [off, end), fetches the
// missing span in one ranged request, retains it, and assembles the read.
// Runs inside the flight group on a context detached from any one reader.
func (c *Cache) fetchAndFill(obj Object, off, end int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()

	pinned, gapStart, gapEnd := c.pinRange(obj.RemoteID, off, end)
	defer func() { c.unpin(pinned) }()

	if gapStart >= gapEnd {
		// Covered while this read was queued behind another fetch.
		return assemble(off, end, pinned, 0, nil), nil
	}

	data, total, err := c.fetcher.FetchContentRange(ctx, obj.RemoteID, gapStart, gapEnd-gapStart)
	if err != nil {
		return nil, err
	}

	if obj.Size == 0 && total > 0 && c.cfg.SizeSink != nil {
		c.cfg.SizeSink(obj.RemoteID, total)
	}

	if err := c.verifyContent(obj, gapStart, data, total); err != nil {
		return nil, err
	}

	if len(data) > 0 && !Disabled && !c.insert(obj.RemoteID, gapStart, data, &pinned) {
		c.noteBypass(obj.RemoteID, int64(len(data)))
	}

	return assemble(off, end, pinned, gapStart, data), nil
}

// fetchDirect serves a read straight from the remote without touching the
// cache. Last resort under heavy flight contention.
func (c *Cache) fetchDirect(ctx context.Context, obj Object, off, end int64) ([]byte, error) {
	data, total, err := c.fetcher.FetchContentRange(ctx, obj.RemoteID, off, end-off)
	if err != nil {
		return nil, err
	}
	if obj.Size == 0 && total > 0 && c.cfg.SizeSink != nil {
		c.cfg.SizeSink(obj.RemoteID, total)
	}
	return data, nil
}

// verifyContent checks the BLAKE3 digest when a fetch returned the whole
// object. A mismatch is a corrupt fetch; the caller must not retain it.
func (c *Cache) verifyContent(obj Object, fetchOffset int64, data []byte, total int64) error {
	if fetchOffset != 0 || total < 0 || int64(len(data)) < total {
		return nil
	}
	sum := blake3.Sum256(data[:total])
	digest := hex.EncodeToString(sum[:])
	if obj.Hash != "" && digest != obj.Hash {
		return fmt.Errorf("content digest mismatch for %s: %w", obj.RemoteID, common.ErrCorrupt)
	}
	if obj.Hash == "" && c.cfg.HashSink != nil {
		c.cfg.HashSink(obj.RemoteID, digest)
	}
	return nil
}

// pinRange pins every cached block overlapping [off, end) and returns
// them with the missing span. gapStart == gapEnd means full coverage.
// The span runs from the first uncovered byte to the last; cached islands
// inside it are refetched as part of the single ranged request.
func (c *Cache) pinRange(remoteID string, off, end int64) ([]*block, int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pinned []*block
	for _, b := range c.objects[remoteID] {
		if b.end() <= off || b.offset >= end {
			continue
		}
		b.pins++
		pinned = append(pinned, b)
	}

	gapStart := off
	for _, b := range pinned {
		if b.offset > gapStart {
			break
		}
		if b.end() > gapStart {
			gapStart = b.end()
		}
	}
	if gapStart >= end {
		return pinned, end, end
	}

	gapEnd := end
	for i := len(pinned) - 1; i >= 0; i-- {
		b := pinned[i]
		if b.end() < gapEnd {
			break
		}
		if b.offset < gapEnd {
			gapEnd = b.offset
		}
		if gapEnd <= gapStart {
			gapEnd = gapStart
			break
		}
	}
	return pinned, gapStart, gapEnd
}

func (c *Cache) unpin(blocks []*block) {
	if len(blocks) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range blocks {
		b.pins--
	}
}

// insert retains a fetched span as one block, dropping the cached blocks
// it supersedes and evicting the least recently used unpinned blocks
// until the budget fits. Returns false without touching anything when the
// span cannot fit; the read is then served without retention.
func (c *Cache) insert(remoteID string, offset int64, data []byte, pinned *[]*block) bool {
	if Disabled || len(data) == 0 {
		return false
	}
	need := int64(len(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	if need > c.cfg.BudgetBytes {
		return false
	}

	// Blocks fully inside the fetched span carry duplicate bytes. They
	// can only be pinned by this read, which replaces them.
	spanEnd := offset + need
	contained := make(map[*block]bool)
	var containedBytes int64
	for _, b := range c.objects[remoteID] {
		if b.offset >= offset && b.end() <= spanEnd {
			contained[b] = true
			containedBytes += int64(len(b.data))
		}
	}

	projected := c.used - containedBytes + need
	var victims []*block
	if projected > c.cfg.BudgetBytes {
		overflow := projected - c.cfg.BudgetBytes
		candidates := c.evictionOrderLocked(contained)
		var freed int64
		for _, v := range candidates {
			if freed >= overflow {
				break
			}
			freed += int64(len(v.data))
			victims = append(victims, v)
		}
		if freed < overflow {
			return false
		}
	}

	for b := range contained {
		b.pins = 0
		c.removeBlockLocked(b)
		dropPinned(pinned, b)
	}
	for _, v := range victims {
		c.removeBlockLocked(v)
		c.evictions++
	}

	nb := &block{
		remoteID:   remoteID,
		offset:     offset,
		data:       data,
		lastAccess: c.cfg.Clock.Now(),
	}
	blocks := append(c.objects[remoteID], nb)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].offset < blocks[j].offset })
	c.objects[remoteID] = blocks
	c.used += need
	return true
}

// evictionOrderLocked returns the evictable blocks, least recently used
// first, ties broken largest first.
func (c *Cache) evictionOrderLocked(exclude map[*block]bool) []*block {
	var candidates []*block
	for _, blocks := range c.objects {
		for _, b := range blocks {
			if b.pins > 0 || exclude[b] {
				continue
			}
			candidates = append(candidates, b)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastAccess.Equal(candidates[j].lastAccess) {
			return candidates[i].lastAccess.Before(candidates[j].lastAccess)
		}
		return len(candidates[i].data) > len(candidates[j].data)
	})
	return candidates
}

func (c *Cache) removeBlockLocked(victim *block) {
	blocks := c.objects[victim.remoteID]
	for i, b := range blocks {
		if b != victim {
			continue
		}
		c.objects[victim.remoteID] = append(blocks[:i], blocks[i+1:]...)
		break
	}
	if len(c.objects[victim.remoteID]) == 0 {
		delete(c.objects, victim.remoteID)
	}
	c.used -= int64(len(victim.data))
}

func (c *Cache) noteBypass(remoteID string, size int64) {
	c.mu.Lock()
	c.bypasses++
	c.mu.Unlock()
	log.Debugf("Cache bypass for %s: %d bytes not retained", remoteID, size)
}

func dropPinned(pinned *[]*block, victim *block) {
	blocks := *pinned
	for i, b := range blocks {
		if b != victim {
			continue
		}
		*pinned = append(blocks[:i], blocks[i+1:]...)
		return
	}
}

// assemble builds [off, end) from sorted non-overlapping blocks plus an
// optional fetched span. Stops at the first uncovered byte, which is how
// end-of-object surfaces when the size was unknown.
func assemble(off, end int64, blocks []*block, dataOff int64, data []byte) []byte {
	type span struct {
		start, stop int64
		src         []byte
	}
	spans := make([]span, 0, len(blocks)+1)
	for _, b := range blocks {
		spans = append(spans, span{b.offset, b.end(), b.data})
	}
	if len(data) > 0 {
		spans = append(spans, span{dataOff, dataOff + int64(len(data)), data})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	out := make([]byte, end-off)
	pos := off
	for _, sp := range spans {
		if sp.stop <= pos {
			continue
		}
		if sp.start > pos {
			break
		}
		stop := sp.stop
		if stop > end {
			stop = end
		}
		copy(out[pos-off:stop-off], sp.src[pos-sp.start:stop-sp.start])
		pos = stop
		if pos >= end {
			break
		}
	}
	return out[:pos-off]
}
