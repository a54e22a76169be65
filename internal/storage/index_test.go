package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photofs/internal/common"
	"photofs/internal/photos"
)

// fakeSource is an in-memory remote catalog.
type fakeSource struct {
	mu           sync.Mutex
	albums       []photos.Entity
	albumItems   map[string][]photos.Entity
	library      []photos.Entity
	albumCalls   int
	itemCalls    int
	libraryCalls int
	failAlbums   error
	failLibrary  error
	delay        time.Duration
}

func (f *fakeSource) ListAlbums(ctx context.Context) ([]photos.Entity, error) {
	f.mu.Lock()
	f.albumCalls++
	fail, delay := f.failAlbums, f.delay
	out := append([]photos.Entity(nil), f.albums...)
	f.mu.Unlock()

	if err := f.wait(ctx, delay); err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail
	}
	return out, nil
}

func (f *fakeSource) ListAlbumItems(ctx context.Context, albumID string) ([]photos.Entity, error) {
	f.mu.Lock()
	f.itemCalls++
	delay := f.delay
	out := append([]photos.Entity(nil), f.albumItems[albumID]...)
	f.mu.Unlock()

	if err := f.wait(ctx, delay); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeSource) ListLibrary(ctx context.Context) ([]photos.Entity, error) {
	f.mu.Lock()
	f.libraryCalls++
	fail, delay := f.failLibrary, f.delay
	out := append([]photos.Entity(nil), f.library...)
	f.mu.Unlock()

	if err := f.wait(ctx, delay); err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail
	}
	return out, nil
}

func (f *fakeSource) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSource) setAlbums(albums ...photos.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.albums = albums
}

func (f *fakeSource) setItems(albumID string, items ...photos.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.albumItems == nil {
		f.albumItems = make(map[string][]photos.Entity)
	}
	f.albumItems[albumID] = items
}

func (f *fakeSource) setLibrary(items ...photos.Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.library = items
}

func (f *fakeSource) setFailAlbums(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAlbums = err
}

func (f *fakeSource) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeSource) albumListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.albumCalls
}

func (f *fakeSource) itemListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.itemCalls
}

func (f *fakeSource) libraryListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.libraryCalls
}

func albumEntity(id, title string) photos.Entity {
	return photos.Entity{RemoteID: id, Kind: photos.KindAlbum, DisplayName: title}
}

func photoEntity(id, filename string) photos.Entity {
	return photos.Entity{
		RemoteID:    id,
		Kind:        photos.KindPhoto,
		DisplayName: filename,
		MimeType:    "image/jpeg",
		CreatedAt:   time.Unix(1690000000, 0),
	}
}

// testIndex builds an index over a fresh store and a simulated clock.
func testIndex(t *testing.T, src Source, cfg IndexConfig) (*Index, *Store, *timeutil.SimulatedClock, func()) {
	t.Helper()
	s, storeCleanup := testStore(t)

	clock := new(timeutil.SimulatedClock)
	clock.SetTime(time.Unix(1700000000, 0))
	cfg.Clock = clock

	ix := NewIndex(s, src, cfg)
	return ix, s, clock, func() {
		ix.Close()
		storeCleanup()
	}
}

func TestSyncAlbumsCreatesRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"), albumEntity("alb2", "Beach"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncAlbums(ctx))

	records, stale, err := ix.ListChildren(ctx, common.AlbumsPath)
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, records, 2)
	assert.Equal(t, "Beach", records[0].Name)
	assert.Equal(t, "Trip", records[1].Name)
	assert.True(t, records[0].IsDir())
	assert.Equal(t, 1, src.albumListCalls(), "fresh listing should not fetch again")
}

func TestListChildrenSyncsOnFirstUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setLibrary(photoEntity("m1", "pic.jpg"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	records, stale, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, records, 1)
	assert.Equal(t, 1, src.libraryListCalls())

	// Still fresh, no second fetch.
	_, _, err = ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)
	assert.Equal(t, 1, src.libraryListCalls())
}

func TestListChildrenRefreshesWhenStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	ix, _, clock, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	_, _, err := ix.ListChildren(ctx, common.AlbumsPath)
	require.NoError(t, err)
	require.Equal(t, 1, src.albumListCalls())

	clock.AdvanceTime(DefaultStaleness + time.Minute)

	_, stale, err := ix.ListChildren(ctx, common.AlbumsPath)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, 2, src.albumListCalls())
}

func TestListChildrenStaleFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("serves last listing when refresh fails", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{}
		src.setAlbums(albumEntity("alb1", "Trip"))
		ix, _, clock, cleanup := testIndex(t, src, IndexConfig{})
		defer cleanup()

		_, _, err := ix.ListChildren(ctx, common.AlbumsPath)
		require.NoError(t, err)

		clock.AdvanceTime(DefaultStaleness + time.Minute)
		src.setFailAlbums(common.ErrNetwork)

		records, stale, err := ix.ListChildren(ctx, common.AlbumsPath)
		require.NoError(t, err)
		assert.True(t, stale, "a failed refresh should flag the listing stale")
		require.Len(t, records, 1)
		assert.Equal(t, "Trip", records[0].Name)
	})

	t.Run("fails hard when never synced", func(t *testing.T) {
		t.Parallel()
		src := &fakeSource{}
		src.setFailAlbums(common.ErrNetwork)
		ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
		defer cleanup()

		_, _, err := ix.ListChildren(ctx, common.AlbumsPath)
		assert.ErrorIs(t, err, common.ErrNetwork)
	})
}

func TestListChildrenTimeoutServesStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	ix, _, clock, cleanup := testIndex(t, src, IndexConfig{SyncTimeout: 50 * time.Millisecond})
	defer cleanup()

	_, _, err := ix.ListChildren(ctx, common.AlbumsPath)
	require.NoError(t, err)

	clock.AdvanceTime(DefaultStaleness + time.Minute)
	src.setDelay(300 * time.Millisecond)

	start := time.Now()
	records, stale, err := ix.ListChildren(ctx, common.AlbumsPath)
	require.NoError(t, err)
	assert.True(t, stale)
	require.Len(t, records, 1)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "listing should not wait out a slow sync")
}

func TestSyncIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setLibrary(photoEntity("m1", "a.jpg"), photoEntity("m2", "b.jpg"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncMedia(ctx))
	first, _, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)

	require.NoError(t, ix.SyncMedia(ctx))
	second, _, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)

	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "re-syncing unchanged state should update in place")
		assert.False(t, second[i].IsStale())
	}
}

func TestDisambiguation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	entities := []photos.Entity{
		photoEntity("AAAA1111rest", "IMG_001.jpg"),
		photoEntity("BBBB2222rest", "IMG_001.jpg"),
		photoEntity("gamma1", "other.jpg"),
	}

	src := &fakeSource{}
	src.setLibrary(entities...)
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncMedia(ctx))
	records, _, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "IMG_001 (AAAA1111).jpg", records[0].Name)
	assert.Equal(t, "IMG_001 (BBBB2222).jpg", records[1].Name)
	assert.Equal(t, "other.jpg", records[2].Name)

	// The outcome must not depend on remote listing order.
	src.setLibrary(entities[2], entities[1], entities[0])
	require.NoError(t, ix.SyncMedia(ctx))
	again, _, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)
	require.Len(t, again, 3)
	for i := range records {
		assert.Equal(t, records[i].Name, again[i].Name)
		assert.Equal(t, records[i].ID, again[i].ID)
	}
}

func TestDisambiguationFragmentCollision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setLibrary(photoEntity("SAMEFRAG-one", "x.jpg"), photoEntity("SAMEFRAG-two", "x.jpg"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncMedia(ctx))
	records, _, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "x (SAMEFRAG-one).jpg", records[0].Name)
	assert.Equal(t, "x (SAMEFRAG-two).jpg", records[1].Name)
}

func TestVanishedEntityStaleThenGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setLibrary(photoEntity("m1", "pic1.jpg"), photoEntity("m2", "pic2.jpg"))
	ix, _, clock, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncMedia(ctx))

	// pic2 disappears from the remote.
	src.setLibrary(photoEntity("m1", "pic1.jpg"))
	require.NoError(t, ix.SyncMedia(ctx))

	records, _, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)
	require.Len(t, records, 1, "vanished entities leave listings immediately")
	assert.Equal(t, "pic1.jpg", records[0].Name)

	// Recently vanished paths still resolve for open files and cached
	// directory entries.
	rec, err := ix.Resolve(ctx, "/media/pic2.jpg")
	require.NoError(t, err)
	assert.True(t, rec.IsStale())

	clock.AdvanceTime(DefaultStaleGrace + time.Hour)
	_, err = ix.Resolve(ctx, "/media/pic2.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestResolveNeverSyncedSyncsFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	rec, err := ix.Resolve(ctx, "/albums/Trip")
	require.NoError(t, err)
	assert.Equal(t, "alb1", rec.RemoteID)
	assert.Equal(t, 1, src.albumListCalls())

	_, err = ix.Resolve(ctx, "/albums/Nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 1, src.albumListCalls(), "a fresh miss should not refetch")
}

func TestResolveStaleKicksBackgroundSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	ix, _, clock, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncAlbums(ctx))
	clock.AdvanceTime(DefaultStaleness + time.Minute)

	rec, err := ix.Resolve(ctx, "/albums/Trip")
	require.NoError(t, err, "a stale hit should resolve immediately")
	assert.Equal(t, "alb1", rec.RemoteID)

	require.Eventually(t, func() bool {
		return src.albumListCalls() == 2
	}, 2*time.Second, 10*time.Millisecond, "stale hit should kick a background refresh")
}

func TestResolveOutsideTree(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	for _, p := range []string{"/etc/passwd", "/albums/Trip/pic/deep", "/medias"} {
		_, err := ix.Resolve(ctx, p)
		assert.ErrorIs(t, err, common.ErrNotFound, p)
	}
	assert.Zero(t, src.albumListCalls(), "impossible paths should not touch the remote")
	assert.Zero(t, src.libraryListCalls())
}

func TestResolveStructural(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	for _, p := range []string{"/", common.AlbumsPath, common.MediaPath} {
		rec, err := ix.Resolve(ctx, p)
		require.NoError(t, err, p)
		assert.True(t, rec.IsDir(), p)
	}

	records, stale, err := ix.ListChildren(ctx, "/")
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, records, 2)
	assert.Equal(t, "albums", records[0].Name)
	assert.Equal(t, "media", records[1].Name)
	assert.Zero(t, src.albumListCalls())
}

func TestListChildrenOfFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setLibrary(photoEntity("m1", "pic.jpg"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncMedia(ctx))
	_, _, err := ix.ListChildren(ctx, "/media/pic.jpg")
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestListAlbumContents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	src.setItems("alb1", photoEntity("p1", "one.jpg"), photoEntity("p2", "two.jpg"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	records, stale, err := ix.ListChildren(ctx, "/albums/Trip")
	require.NoError(t, err)
	assert.False(t, stale)
	require.Len(t, records, 2)
	assert.Equal(t, "one.jpg", records[0].Name)
	assert.Equal(t, "/albums/Trip/one.jpg", records[0].Path)
	assert.Equal(t, 1, src.albumListCalls(), "album directory listing should sync on demand")
	assert.Equal(t, 1, src.itemListCalls())
}

func TestAlbumRenameMovesChildren(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	src.setItems("alb1", photoEntity("p1", "pic.jpg"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	_, _, err := ix.ListChildren(ctx, "/albums/Trip")
	require.NoError(t, err)

	// The album was renamed remotely; same remote id.
	src.setAlbums(albumEntity("alb1", "Trip 2024"))
	require.NoError(t, ix.SyncAlbums(ctx))

	rec, err := ix.Resolve(ctx, "/albums/Trip 2024/pic.jpg")
	require.NoError(t, err, "children should follow a renamed album")
	assert.Equal(t, "p1", rec.RemoteID)

	_, err = ix.Resolve(ctx, "/albums/Trip")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, 1, src.itemListCalls(), "a rename should not refetch album contents")
}

func TestExcludeFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(
		albumEntity("alb1", "Trip"),
		albumEntity("alb2", "Screenshots"),
		albumEntity("alb3", "Private Stuff"),
	)
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{
		Excludes: ignore.CompileIgnoreLines("Screenshots", "Private*"),
	})
	defer cleanup()

	require.NoError(t, ix.SyncAlbums(ctx))
	records, _, err := ix.ListChildren(ctx, common.AlbumsPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Trip", records[0].Name)

	_, err = ix.Resolve(ctx, "/albums/Screenshots")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCoalescedSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	src.setDelay(200 * time.Millisecond)
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, _, errs[i] = ix.ListChildren(ctx, common.AlbumsPath)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "listing %d", i)
	}
	assert.Equal(t, 1, src.albumListCalls(), "concurrent listings should share one fetch")
}

func TestCorruptRecordDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	ix, s, clock, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	// A row whose path does not match its parent and name.
	bad := mediaModel(common.MediaPath, "ok.jpg", "m1", photos.KindPhoto)
	bad.Path = "/media/elsewhere.jpg"
	require.NoError(t, upsertRecordWith(s.DB(), ctx, bad))
	require.NoError(t, setSyncStateWith(s.DB(), ctx, common.MediaPath, clock.Now(), 1))

	records, stale, err := ix.ListChildren(ctx, common.MediaPath)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Empty(t, records, "corrupt rows must not surface")

	_, err = s.GetRecordByPath(ctx, "/media/elsewhere.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound, "corrupt rows should be deleted")
}

func TestPurgeStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setLibrary(photoEntity("m1", "pic1.jpg"), photoEntity("m2", "pic2.jpg"))
	ix, s, clock, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncMedia(ctx))
	src.setLibrary(photoEntity("m1", "pic1.jpg"))
	require.NoError(t, ix.SyncMedia(ctx))

	clock.AdvanceTime(8 * 24 * time.Hour)

	purged, err := ix.PurgeStale(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.GetRecordByPath(ctx, "/media/pic2.jpg")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSyncAlbumValidatesPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	src.setItems("alb1", photoEntity("p1", "pic.jpg"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	assert.ErrorIs(t, ix.SyncAlbum(ctx, "/media"), common.ErrInvalidPath)
	assert.ErrorIs(t, ix.SyncAlbum(ctx, "/albums/Trip/pic.jpg"), common.ErrInvalidPath)

	require.NoError(t, ix.SyncAlbums(ctx))
	require.NoError(t, ix.SyncAlbum(ctx, "/albums/Trip"))
	assert.Equal(t, 1, src.itemListCalls())
}

func TestStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src := &fakeSource{}
	src.setAlbums(albumEntity("alb1", "Trip"))
	src.setItems("alb1", photoEntity("p1", "pic.jpg"))
	src.setLibrary(photoEntity("m1", "a.jpg"), photoEntity("m2", "b.mp4"))
	ix, _, _, cleanup := testIndex(t, src, IndexConfig{})
	defer cleanup()

	require.NoError(t, ix.SyncAlbums(ctx))
	require.NoError(t, ix.SyncAlbum(ctx, "/albums/Trip"))
	require.NoError(t, ix.SyncMedia(ctx))

	stats, err := ix.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Albums)
	assert.Equal(t, int64(3), stats.MediaRecords)
	assert.Zero(t, stats.StaleRecords)
	assert.False(t, stats.LastAlbumsSync.IsZero())
	assert.False(t, stats.LastMediaSync.IsZero())
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		display string
		want    string
	}{
		{"plain", "IMG_001.jpg", "IMG_001.jpg"},
		{"slash replaced", "a/b.jpg", "a_b.jpg"},
		{"trimmed", "  holiday  ", "holiday"},
		{"empty falls back", "", "remote-1"},
		{"dot falls back", ".", "remote-1"},
		{"dotdot falls back", "..", "remote-1"},
		{"unicode kept", "ישראל 2019.jpg", "ישראל 2019.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeName(tt.display, "remote-1"))
		})
	}
}

func TestSuffixName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fragment string
		want     string
	}{
		{"IMG_001.jpg", "AAAA1111", "IMG_001 (AAAA1111).jpg"},
		{"clip.tar.gz", "AAAA1111", "clip.tar (AAAA1111).gz"},
		{"noext", "AAAA1111", "noext (AAAA1111)"},
		{".nomedia", "AAAA1111", ".nomedia (AAAA1111)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, suffixName(tt.name, tt.fragment))
		})
	}
}

func TestEffectiveNamesOrderIndependent(t *testing.T) {
	t.Parallel()

	entities := []photos.Entity{
		photoEntity("AAAA1111rest", "x.jpg"),
		photoEntity("BBBB2222rest", "x.jpg"),
		photoEntity("CCCC3333rest", "y.jpg"),
	}
	forward := effectiveNames(entities)

	reversed := []photos.Entity{entities[2], entities[1], entities[0]}
	backward := effectiveNames(reversed)

	assert.Equal(t, forward, backward)
	assert.Equal(t, "x (AAAA1111).jpg", forward["AAAA1111rest"])
	assert.Equal(t, "x (BBBB2222).jpg", forward["BBBB2222rest"])
	assert.Equal(t, "y.jpg", forward["CCCC3333rest"])
}
