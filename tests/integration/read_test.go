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

package integration

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"

	"photofs/internal/photos"
)

// TestReadThroughMount reads a whole file the way a sequential reader
// over the mount would and checks the bytes and the digest path: the
// catalog carries a hash, so a clean read proves verification passed.
func TestReadThroughMount(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, EnvConfig{})

	data := patternBytes(20*1024, 7)
	env.Service.setAlbums(album("alb-vac", "Vacation 2024"))
	env.Service.setItems("alb-vac", sizedPhoto("item-beach", "beach.jpg", data))
	env.Service.put("item-beach", data)
	env.SyncLibrary()

	got := env.MustReadFile("/albums/Vacation 2024/beach.jpg")
	if !bytes.Equal(got, data) {
		t.Fatalf("Read returned %d bytes that differ from the seeded content (len %d)",
			len(got), len(data))
	}
}

// TestCoveredSecondRead re-reads content the cache already holds and
// expects the remote to stay quiet.
func TestCoveredSecondRead(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, EnvConfig{})

	data := patternBytes(6000, 5)
	env.Service.setAlbums(album("alb-vac", "Vacation 2024"))
	env.Service.setItems("alb-vac", sizedPhoto("item-beach", "beach.jpg", data))
	env.Service.put("item-beach", data)
	env.SyncLibrary()

	_, h := env.OpenFile("/albums/Vacation 2024/beach.jpg")
	defer env.Release(h)

	first, err := env.ReadAt(h, 0, len(data))
	if err != nil {
		t.Fatalf("First read failed: %v", err)
	}
	env.g.Expect(first).To(Equal(data))
	fetchesAfterFirst := env.Service.fetchCount("item-beach")

	// Full re-read and an interior slice, both covered.
	again, err := env.ReadAt(h, 0, len(data))
	if err != nil {
		t.Fatalf("Covered full read failed: %v", err)
	}
	env.g.Expect(again).To(Equal(data))

	slice, err := env.ReadAt(h, 1024, 2048)
	if err != nil {
		t.Fatalf("Covered interior read failed: %v", err)
	}
	env.g.Expect(slice).To(Equal(data[1024 : 1024+2048]))

	if got := env.Service.fetchCount("item-beach"); got != fetchesAfterFirst {
		t.Errorf("Covered reads reached the remote: %d fetches, had %d after first read",
			got, fetchesAfterFirst)
	}
}

// TestConcurrentReadersSingleFetch points eight readers at the same
// uncached range at once. The in-flight fetch must be shared: one
// remote call total, every reader gets the full bytes.
func TestConcurrentReadersSingleFetch(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, EnvConfig{})

	data := patternBytes(10*1024, 11)
	env.Service.setAlbums(album("alb-vac", "Vacation 2024"))
	env.Service.setItems("alb-vac", sizedPhoto("item-beach", "beach.jpg", data))
	env.Service.put("item-beach", data)
	env.SyncLibrary()

	_, h := env.OpenFile("/albums/Vacation 2024/beach.jpg")
	defer env.Release(h)

	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			got, err := env.ReadAt(h, 0, len(data))
			if err != nil {
				return err
			}
			if !bytes.Equal(got, data) {
				return fmt.Errorf("reader got %d bytes that differ from the content", len(got))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("Concurrent read failed: %v", err)
	}

	if got := env.Service.fetchCount("item-beach"); got != 1 {
		t.Errorf("Concurrent readers caused %d fetches, want 1", got)
	}
}

// TestSizeLearning covers the unknown-size handshake. Listings carry no
// byte sizes, so the first open must fall back to direct IO; the first
// fetch teaches the index the real size, after which attributes report
// it and subsequent opens keep the page cache.
func TestSizeLearning(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, EnvConfig{})

	data := patternBytes(5000, 13)
	env.Service.setAlbums(album("alb-vac", "Vacation 2024"))
	env.Service.setItems("alb-vac", photo("item-beach", "beach.jpg"))
	env.Service.put("item-beach", data)
	env.SyncLibrary()

	entry := env.MustLookup("/albums/Vacation 2024/beach.jpg")
	if entry.Attributes.Size != 0 {
		t.Fatalf("Unsized item reports size %d before any read", entry.Attributes.Size)
	}

	open := &fuseops.OpenFileOp{Inode: entry.Child}
	if err := env.FS.OpenFile(context.Background(), open); err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if !open.UseDirectIO || open.KeepPageCache {
		t.Errorf("Unknown-size open: UseDirectIO=%v KeepPageCache=%v, want direct IO",
			open.UseDirectIO, open.KeepPageCache)
	}

	got, err := env.ReadAt(open.Handle, 0, readChunk)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	env.g.Expect(got).To(Equal(data))
	env.Release(open.Handle)

	// The fetch reported the full size; the index knows it now.
	attrs, err := env.Attrs(entry.Child)
	if err != nil {
		t.Fatalf("GetInodeAttributes failed: %v", err)
	}
	if attrs.Size != uint64(len(data)) {
		t.Errorf("Size after first read = %d, want %d", attrs.Size, len(data))
	}

	reopen := &fuseops.OpenFileOp{Inode: entry.Child}
	if err := env.FS.OpenFile(context.Background(), reopen); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer env.Release(reopen.Handle)
	if !reopen.KeepPageCache || reopen.UseDirectIO {
		t.Errorf("Sized reopen: UseDirectIO=%v KeepPageCache=%v, want page cache kept",
			reopen.UseDirectIO, reopen.KeepPageCache)
	}
}

// TestDigestMismatch serves bytes that do not match the cataloged hash
// and expects the read to fail with EIO instead of returning them.
func TestDigestMismatch(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, EnvConfig{})

	data := patternBytes(4096, 17)
	corrupt := patternBytes(4096, 18)
	env.Service.setAlbums(album("alb-vac", "Vacation 2024"))
	env.Service.setItems("alb-vac", sizedPhoto("item-beach", "beach.jpg", data))
	env.Service.put("item-beach", corrupt)
	env.SyncLibrary()

	_, h := env.OpenFile("/albums/Vacation 2024/beach.jpg")
	defer env.Release(h)

	if _, err := env.ReadAt(h, 0, len(data)); err != fuse.EIO {
		t.Errorf("Read of corrupted content returned %v, want EIO", err)
	}
}

// TestBudgetCeiling reads far more content than the cache may hold and
// watches the ceiling: usage never exceeds the budget and older blocks
// get evicted to make room.
func TestBudgetCeiling(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t, EnvConfig{BudgetBytes: 64 * 1024})

	const fileSize = 32 * 1024
	env.Service.setAlbums(album("alb-lib", "Library"))
	names := make([]string, 6)
	entities := make([]photos.Entity, len(names))
	for i := range names {
		id := fmt.Sprintf("item-%04d", i)
		names[i] = fmt.Sprintf("IMG_%04d.jpg", i)
		data := patternBytes(fileSize, byte(i))
		entities[i] = sizedPhoto(id, names[i], data)
		env.Service.put(id, data)
	}
	env.Service.setItems("alb-lib", entities...)
	env.SyncLibrary()

	for i, name := range names {
		got := env.MustReadFile("/albums/Library/" + name)
		if len(got) != fileSize {
			t.Fatalf("File %d read %d bytes, want %d", i, len(got), fileSize)
		}
		used, budget := env.Content.Usage()
		if used > budget {
			t.Fatalf("After file %d cache used %d bytes, budget %d", i, used, budget)
		}
	}

	stats := env.Content.Stats()
	if stats.Evictions == 0 {
		t.Error("Reading 6x32KiB through a 64KiB budget evicted nothing")
	}
	if stats.UsedBytes > stats.BudgetBytes {
		t.Errorf("Final usage %d exceeds budget %d", stats.UsedBytes, stats.BudgetBytes)
	}
}
