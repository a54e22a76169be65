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

package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"golang.org/x/sync/singleflight"

	"photofs/internal/common"
	"photofs/internal/photos"
	"photofs/internal/util"
)

// Source lists remote entities. Implemented by the photos client and by
// test fakes.
type Source interface {
	ListAlbums(ctx context.Context) ([]photos.Entity, error)
	ListAlbumItems(ctx context.Context, albumID string) ([]photos.Entity, error)
	ListLibrary(ctx context.Context) ([]photos.Entity, error)
}

// Defaults for IndexConfig.
const (
	DefaultStaleness   = time.Hour
	DefaultStaleGrace  = 24 * time.Hour
	DefaultSyncTimeout = 30 * time.Second
	DefaultSyncBudget  = 10 * time.Minute
	DefaultRetention   = 7 * 24 * time.Hour
)

// IndexConfig tunes the index's staleness behavior.
type IndexConfig struct {
	// Staleness is how old a parent's last sync may be before a listing
	// triggers a refresh and a lookup kicks a background one.
	Staleness time.Duration

	// StaleGrace is how long a vanished entity keeps resolving by path.
	// Listings drop stale entries immediately; lookups of recently removed
	// paths keep working for open files and cached directory entries.
	StaleGrace time.Duration

	// SyncTimeout bounds how long a filesystem-facing call waits for a
	// sync before falling back to the last known listing.
	SyncTimeout time.Duration

	// SyncBudget bounds a sync run itself, which may paginate through a
	// large library.
	SyncBudget time.Duration

	// Excludes skips albums whose display names match; gitignore syntax.
	Excludes *ignore.GitIgnore

	// Clock is the time source. Tests install a simulated clock.
	Clock timeutil.Clock
}

func (c IndexConfig) withDefaults() IndexConfig {
	if c.Staleness <= 0 {
		c.Staleness = DefaultStaleness
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = DefaultStaleGrace
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.SyncBudget <= 0 {
		c.SyncBudget = DefaultSyncBudget
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock()
	}
	return c
}

// Index reconciles the local record store against the remote catalog and
// answers path lookups and directory listings. Per-parent syncs are
// coalesced: concurrent callers of the same parent share one remote fetch.
type Index struct {
	store  *Store
	source Source
	cfg    IndexConfig

	group singleflight.Group
	bg    sync.WaitGroup

	mu       sync.Mutex
	lastKick map[string]time.Time
}

// NewIndex builds an Index over an open store and a remote source.
func NewIndex(store *Store, source Source, cfg IndexConfig) *Index {
	return &Index{
		store:    store,
		source:   source,
		cfg:      cfg.withDefaults(),
		lastKick: make(map[string]time.Time),
	}
}

// Close waits for in-flight background syncs. The store stays open; the
// caller closes it separately.
func (ix *Index) Close() {
	ix.bg.Wait()
}

func (ix *Index) now() time.Time {
	return ix.cfg.Clock.Now()
}

// Resolve returns the record at a virtual path. Structural directories
// resolve without touching the database. A miss under a never-synced
// parent syncs that parent first; a hit under a stale parent kicks a
// background refresh and returns immediately.
func (ix *Index) Resolve(ctx context.Context, p string) (*Record, error) {
	p = common.NormalizePath(p)
	if common.IsStructural(p) {
		return structuralRecord(p), nil
	}

	parent, ok := coveringParent(p)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)
	}

	m, err := ix.store.getRecordModelByPath(ctx, p)
	switch {
	case err == nil:
		rec := m.ToRecord()
		if verr := validateRecord(rec); verr != nil {
			log.Warnf("Dropping corrupt index record %s: %v", p, verr)
			if derr := ix.store.DeleteRecordByID(ctx, m.ID); derr != nil {
				log.Warnf("Failed to drop corrupt record %s: %v", p, derr)
			}
			ix.kickSync(parent)
			return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)
		}
		if rec.IsStale() && ix.now().Sub(rec.StaleAt) > ix.cfg.StaleGrace {
			return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)
		}
		ix.kickSyncIfStale(ctx, parent)
		return rec, nil

	case errors.Is(err, common.ErrNotFound):
		state, serr := ix.store.GetSyncState(ctx, parent)
		if serr != nil {
			return nil, serr
		}
		if state == nil {
			if serr := ix.awaitSyncBounded(ctx, parent); serr != nil {
				if errors.Is(serr, common.ErrNotFound) {
					return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)
				}
				return nil, serr
			}
			rec, rerr := ix.store.GetRecordByPath(ctx, p)
			if rerr != nil {
				return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)
			}
			return rec, nil
		}
		ix.kickSyncIfStale(ctx, parent)
		return nil, fmt.Errorf("%s: %w", p, common.ErrNotFound)

	default:
		return nil, err
	}
}

// ListChildren returns the live records under a directory, ordered by
// display name then remote id. The returned bool reports that the listing
// is stale: a due refresh failed or timed out and the last known state is
// being served. A listing never blocks longer than the sync timeout.
func (ix *Index) ListChildren(ctx context.Context, p string) ([]Record, bool, error) {
	p = common.NormalizePath(p)

	if p == common.RootPath {
		return []Record{*structuralRecord(common.AlbumsPath), *structuralRecord(common.MediaPath)}, false, nil
	}
	if !common.IsStructural(p) {
		rec, err := ix.Resolve(ctx, p)
		if err != nil {
			return nil, false, err
		}
		if !rec.IsDir() {
			return nil, false, fmt.Errorf("%s: %w", p, common.ErrNotDir)
		}
	}

	state, err := ix.store.GetSyncState(ctx, p)
	if err != nil {
		return nil, false, err
	}

	stale := false
	fresh := state != nil && ix.now().Sub(state.SyncedAt) <= ix.cfg.Staleness
	if !fresh {
		if serr := ix.awaitSyncBounded(ctx, p); serr != nil {
			if state == nil {
				return nil, false, serr
			}
			stale = true
			log.Warnf("Serving stale listing for %s: %v", p, serr)
		}
	}

	records, err := ix.store.ListChildRecords(ctx, p)
	if err != nil {
		return nil, false, err
	}

	valid := records[:0]
	dropped := false
	for i := range records {
		if verr := validateRecord(&records[i]); verr != nil {
			log.Warnf("Dropping corrupt index record %s: %v", records[i].Path, verr)
			if derr := ix.store.DeleteRecordByID(ctx, records[i].ID); derr != nil {
				log.Warnf("Failed to drop corrupt record %s: %v", records[i].Path, derr)
			}
			dropped = true
			continue
		}
		valid = append(valid, records[i])
	}
	if dropped {
		ix.kickSync(p)
	}
	return valid, stale, nil
}

// SyncAlbums reconciles the album directory listing against the remote.
func (ix *Index) SyncAlbums(ctx context.Context) error {
	return ix.awaitSync(ctx, common.AlbumsPath)
}

// SyncMedia reconciles the flat media listing against the remote.
func (ix *Index) SyncMedia(ctx context.Context) error {
	return ix.awaitSync(ctx, common.MediaPath)
}

// SyncAlbum reconciles one album directory's contents.
func (ix *Index) SyncAlbum(ctx context.Context, albumPath string) error {
	albumPath = common.NormalizePath(albumPath)
	if common.ParentPath(albumPath) != common.AlbumsPath {
		return fmt.Errorf("%s is not an album path: %w", albumPath, common.ErrInvalidPath)
	}
	return ix.awaitSync(ctx, albumPath)
}

// PurgeStale deletes records that have been stale longer than the
// retention window, plus anything orphaned by a purged album.
func (ix *Index) PurgeStale(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	purged, err := ix.store.PurgeStaleBefore(ctx, ix.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Infof("Purged %d stale index records", purged)
	}
	return purged, nil
}

// RecordSize stores a byte size learned from a content fetch.
func (ix *Index) RecordSize(ctx context.Context, remoteID string, sizeBytes int64) error {
	return ix.store.UpdateSizeByRemoteID(ctx, remoteID, sizeBytes)
}

// RecordContentHash stores a content digest learned from a full fetch.
func (ix *Index) RecordContentHash(ctx context.Context, remoteID, hash string) error {
	return ix.store.UpdateContentHashByRemoteID(ctx, remoteID, hash)
}

// Stats summarizes the index for status reporting.
type Stats struct {
	Albums         int64
	MediaRecords   int64
	StaleRecords   int64
	LastAlbumsSync time.Time
	LastMediaSync  time.Time
}

// Stats returns current index counts and sync times.
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	live, stale, err := ix.store.CountRecords(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Albums:       live[int64(photos.KindAlbum)],
		MediaRecords: live[int64(photos.KindPhoto)] + live[int64(photos.KindVideo)],
		StaleRecords: stale,
	}
	if state, err := ix.store.GetSyncState(ctx, common.AlbumsPath); err == nil && state != nil {
		stats.LastAlbumsSync = state.SyncedAt
	}
	if state, err := ix.store.GetSyncState(ctx, common.MediaPath); err == nil && state != nil {
		stats.LastMediaSync = state.SyncedAt
	}
	return stats, nil
}

// --- Sync machinery ---

// syncShared coalesces syncs per parent. The sync runs on a detached
// context so one caller's cancellation does not abort work other callers
// are waiting on; the budget bounds runaway pagination.
func (ix *Index) syncShared(parent string) <-chan singleflight.Result {
	return ix.group.DoChan(parent, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), ix.cfg.SyncBudget)
		defer cancel()
		return nil, ix.syncParent(ctx, parent)
	})
}

// awaitSync waits for a (possibly shared) sync of parent. An abandoned
// sync keeps running; the wait group covers it so Close does not pull the
// store out from under it.
func (ix *Index) awaitSync(ctx context.Context, parent string) error {
	ch := ix.syncShared(parent)
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		ix.bg.Add(1)
		go func() {
			defer ix.bg.Done()
			<-ch
		}()
		return fmt.Errorf("sync %s: %w", parent, common.ErrTimeout)
	}
}

// awaitSyncBounded is awaitSync capped at the configured sync timeout.
// The underlying sync keeps running; a later caller picks up the result.
func (ix *Index) awaitSyncBounded(ctx context.Context, parent string) error {
	waitCtx, cancel := context.WithTimeout(ctx, ix.cfg.SyncTimeout)
	defer cancel()
	return ix.awaitSync(waitCtx, parent)
}

// kickSyncIfStale starts a background refresh when the parent's last sync
// is older than the staleness threshold.
func (ix *Index) kickSyncIfStale(ctx context.Context, parent string) {
	state, err := ix.store.GetSyncState(ctx, parent)
	if err != nil || state == nil {
		return
	}
	if ix.now().Sub(state.SyncedAt) > ix.cfg.Staleness {
		ix.kickSync(parent)
	}
}

// kickSync starts a background refresh of parent, throttled so a failing
// remote does not get hammered by every lookup.
func (ix *Index) kickSync(parent string) {
	now := ix.now()
	ix.mu.Lock()
	if last, ok := ix.lastKick[parent]; ok && now.Sub(last) < ix.cfg.SyncTimeout {
		ix.mu.Unlock()
		return
	}
	ix.lastKick[parent] = now
	ix.mu.Unlock()

	ix.bg.Add(1)
	go func() {
		defer ix.bg.Done()
		if res := <-ix.syncShared(parent); res.Err != nil {
			log.Warnf("Background sync of %s failed: %v", parent, res.Err)
		}
	}()
}

// syncParent fetches the remote listing for one parent directory and
// applies it. Runs inside the singleflight group.
func (ix *Index) syncParent(ctx context.Context, parent string) error {
	start := ix.now()

	var (
		entities  []photos.Entity
		err       error
		albumList bool
	)
	switch parent {
	case common.AlbumsPath:
		albumList = true
		entities, err = ix.source.ListAlbums(ctx)
	case common.MediaPath:
		entities, err = ix.source.ListLibrary(ctx)
	default:
		entities, err = ix.listAlbumContents(ctx, parent)
	}
	if err != nil {
		return fmt.Errorf("sync %s: %w", parent, err)
	}

	if albumList && ix.cfg.Excludes != nil {
		entities = ix.filterExcluded(entities)
	}

	if err := ix.applyEntities(ctx, parent, entities, albumList); err != nil {
		return fmt.Errorf("apply sync %s: %w", parent, err)
	}
	log.Debugf("Synced %s: %d entities in %v", parent, len(entities), ix.now().Sub(start))
	return nil
}

// listAlbumContents fetches the items of the album at parent, syncing the
// album directory listing first when it has never run.
func (ix *Index) listAlbumContents(ctx context.Context, parent string) ([]photos.Entity, error) {
	album, err := ix.store.GetRecordByPath(ctx, parent)
	if errors.Is(err, common.ErrNotFound) {
		if serr := ix.awaitSync(ctx, common.AlbumsPath); serr != nil {
			return nil, serr
		}
		album, err = ix.store.GetRecordByPath(ctx, parent)
	}
	if err != nil {
		return nil, err
	}
	if !album.IsDir() {
		return nil, fmt.Errorf("%s: %w", parent, common.ErrNotDir)
	}
	if album.IsStale() && ix.now().Sub(album.StaleAt) > ix.cfg.StaleGrace {
		return nil, fmt.Errorf("%s: %w", parent, common.ErrNotFound)
	}
	return ix.source.ListAlbumItems(ctx, album.RemoteID)
}

func (ix *Index) filterExcluded(entities []photos.Entity) []photos.Entity {
	kept := entities[:0]
	for _, e := range entities {
		if ix.cfg.Excludes.MatchesPath(e.DisplayName) {
			log.Debugf("Excluding album %q", e.DisplayName)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// applyEntities diffs a fetched listing against the stored records under
// parent inside one transaction: new entities inserted, changed ones
// updated, vanished ones stale-marked. Re-running with the same remote
// state is a no-op apart from sync timestamps.
func (ix *Index) applyEntities(ctx context.Context, parent string, entities []photos.Entity, renameDirs bool) error {
	names := effectiveNames(entities)
	now := ix.now()

	return util.Retry(ctx, func() error {
		return ix.store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			existing, err := listModelsUnderParentWith(tx, ctx, parent)
			if err != nil {
				return err
			}

			seen := make(map[string]bool, len(entities))
			for i := range entities {
				e := &entities[i]
				if e.RemoteID == "" {
					log.Warnf("Skipping remote entity without id under %s (%q)", parent, e.DisplayName)
					continue
				}
				name := names[e.RemoteID]
				m := &RecordModel{
					Path:         common.JoinPath(parent, name),
					ParentPath:   parent,
					Name:         name,
					DisplayName:  e.DisplayName,
					RemoteID:     e.RemoteID,
					Kind:         int64(e.Kind),
					SizeBytes:    e.SizeBytes,
					MimeType:     e.MimeType,
					ContentHash:  e.ContentHash,
					CreatedAt:    unixOrZero(e.CreatedAt),
					ModifiedAt:   unixOrZero(e.ModifiedAt),
					LastSyncedAt: now.Unix(),
				}

				// The listing endpoints do not report sizes or digests;
				// keep what earlier fetches learned.
				old := existing[e.RemoteID]
				if old != nil {
					if m.SizeBytes == 0 {
						m.SizeBytes = old.SizeBytes
					}
					if m.ContentHash == "" {
						m.ContentHash = old.ContentHash
					}
					if m.CreatedAt == 0 {
						m.CreatedAt = old.CreatedAt
					}
					if m.ModifiedAt == 0 {
						m.ModifiedAt = old.ModifiedAt
					}
				}

				if err := upsertRecordWith(tx, ctx, m); err != nil {
					return err
				}
				if renameDirs && old != nil && old.Path != m.Path && photos.Kind(old.Kind).IsDir() {
					if err := renameChildrenWith(tx, ctx, old.Path, m.Path); err != nil {
						return err
					}
				}
				seen[e.RemoteID] = true
			}

			var vanished []string
			for remoteID, m := range existing {
				if !seen[remoteID] && m.StaleAt == 0 {
					vanished = append(vanished, remoteID)
				}
			}
			if len(vanished) > 0 {
				if err := markStaleWith(tx, ctx, parent, vanished, now); err != nil {
					return err
				}
				log.Debugf("Stale-marked %d entries under %s", len(vanished), parent)
			}

			return setSyncStateWith(tx, ctx, parent, now, len(entities))
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// --- Naming ---

// effectiveNames maps each entity to its directory entry name. Display
// names are sanitized for POSIX; within a colliding display name, every
// member gets a suffix derived from its remote id, so the outcome does not
// depend on the order the remote returned the entities in.
func effectiveNames(entities []photos.Entity) map[string]string {
	baseNames := make(map[string]string, len(entities))
	groups := make(map[string][]string)
	for i := range entities {
		id := entities[i].RemoteID
		if id == "" {
			continue
		}
		base := sanitizeName(entities[i].DisplayName, id)
		baseNames[id] = base
		groups[base] = append(groups[base], id)
	}

	names := make(map[string]string, len(baseNames))
	for base, ids := range groups {
		if len(ids) == 1 {
			names[ids[0]] = base
			continue
		}
		for _, id := range ids {
			names[id] = suffixName(base, idFragment(id))
		}
	}

	// Fragment collisions inside a group fall back to the full id, which
	// is unique per parent.
	counts := make(map[string]int, len(names))
	for _, n := range names {
		counts[n]++
	}
	for id, n := range names {
		if counts[n] > 1 {
			names[id] = suffixName(baseNames[id], id)
		}
	}
	return names
}

// sanitizeName makes a display name safe as a directory entry, falling
// back to the remote id when nothing usable remains.
func sanitizeName(display, remoteID string) string {
	name := strings.TrimSpace(display)
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return fallbackName(remoteID)
	}
	return name
}

func fallbackName(remoteID string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == 0 {
			return '_'
		}
		return r
	}, remoteID)
	if name == "" {
		return "unnamed"
	}
	return name
}

// suffixName inserts a disambiguating fragment before the extension:
// "IMG_0001.jpg" with fragment "a1b2c3d4" becomes "IMG_0001 (a1b2c3d4).jpg".
func suffixName(name, fragment string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base = name
		ext = ""
	}
	return fmt.Sprintf("%s (%s)%s", base, fragment, ext)
}

func idFragment(remoteID string) string {
	const fragmentLen = 8
	if len(remoteID) <= fragmentLen {
		return remoteID
	}
	return remoteID[:fragmentLen]
}

// --- Structure ---

func structuralRecord(p string) *Record {
	name := common.BaseName(p)
	if p == common.RootPath {
		name = "/"
	}
	return &Record{
		Path:        p,
		ParentPath:  common.ParentPath(p),
		Name:        name,
		DisplayName: name,
		Kind:        photos.KindAlbum,
	}
}

// coveringParent returns the directory whose sync covers the given path:
// /albums for album directories, /media for flat media entries, and the
// album directory for album members. Paths outside those shapes have no
// covering parent and cannot exist.
func coveringParent(p string) (string, bool) {
	parent := common.ParentPath(p)
	switch {
	case parent == common.AlbumsPath || parent == common.MediaPath:
		return parent, true
	case common.ParentPath(parent) == common.AlbumsPath:
		return parent, true
	default:
		return "", false
	}
}

// validateRecord rejects rows that would corrupt the virtual tree.
func validateRecord(r *Record) error {
	switch {
	case r.RemoteID == "":
		return fmt.Errorf("missing remote id: %w", common.ErrCorrupt)
	case r.Name == "" || strings.ContainsAny(r.Name, "/\x00") || r.Name == "." || r.Name == "..":
		return fmt.Errorf("invalid name %q: %w", r.Name, common.ErrCorrupt)
	case r.Path != common.JoinPath(r.ParentPath, r.Name):
		return fmt.Errorf("path %q does not match parent %q + name %q: %w", r.Path, r.ParentPath, r.Name, common.ErrCorrupt)
	case r.SizeBytes < 0:
		return fmt.Errorf("negative size %d: %w", r.SizeBytes, common.ErrCorrupt)
	case r.Kind != photos.KindAlbum && !r.Kind.IsMedia():
		return fmt.Errorf("invalid kind %d: %w", int(r.Kind), common.ErrCorrupt)
	}
	return nil
}
