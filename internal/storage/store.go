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

// Package storage implements the local index store: a SQLite database
// mirroring the remote album and media structure, accessed through bun.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"photofs/internal/common"
	"photofs/internal/photos"
)

// Store is an open index database.
type Store struct {
	path  string
	db    *sql.DB
	bunDB *bun.DB
}

// Create creates a new index database at path. Fails if the file exists.
func Create(path string) (*Store, error) {
	return CreateWithContext(context.Background(), path)
}

// CreateWithContext is Create with a caller-provided context.
func CreateWithContext(ctx context.Context, path string) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("index database already exists: %s", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path, GetBusyTimeout(DBContextDefault)))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
	}

	if err := applyPragmas(db, GetBusyTimeout(DBContextDefault)); err != nil {
		cleanup()
		return nil, err
	}
	if err := execStatements(db, indexSchema); err != nil {
		cleanup()
		return nil, err
	}

	s := &Store{
		path:  path,
		db:    db,
		bunDB: bun.NewDB(db, sqlitedialect.New()),
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	for key, value := range map[string]string{
		"version":    SchemaVersion,
		"type":       DatabaseType,
		"created_at": now,
	} {
		if err := s.setSchemaInfo(ctx, key, value); err != nil {
			cleanup()
			return nil, fmt.Errorf("write schema info: %w", err)
		}
	}

	log.Debugf("Created index database at %s", path)
	return s, nil
}

// Open opens an existing index database.
func Open(path string) (*Store, error) {
	return OpenWithContext(context.Background(), path, DBContextDefault)
}

// OpenWithContext opens an existing index database with the busy timeout
// for the given process role.
func OpenWithContext(ctx context.Context, path string, dbCtx DBContext) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("index database not found: %s: %w", path, common.ErrNotFound)
	}

	busyTimeout := GetBusyTimeout(dbCtx)
	db, err := sql.Open("libsql", BuildDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := applyPragmas(db, busyTimeout); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		path:  path,
		db:    db,
		bunDB: bun.NewDB(db, sqlitedialect.New()),
	}

	dbType, err := s.SchemaInfo(ctx, "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema info: %w", err)
	}
	if dbType != DatabaseType {
		db.Close()
		return nil, fmt.Errorf("not a photofs index database: %s (type %q)", path, dbType)
	}
	version, err := s.SchemaInfo(ctx, "version")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if version != SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("unsupported index schema version %q (want %q)", version, SchemaVersion)
	}

	return s, nil
}

// OpenOrCreate opens the index database, creating it when missing.
func OpenOrCreate(ctx context.Context, path string, dbCtx DBContext) (*Store, error) {
	s, err := OpenWithContext(ctx, path, dbCtx)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return CreateWithContext(ctx, path)
	}
	return nil, err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB returns the bun handle for direct queries.
func (s *Store) DB() *bun.DB {
	return s.bunDB
}

// Close checkpoints the WAL and closes the database. The sidecar WAL and
// shared-memory files are removed so the index is a single file at rest.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if rows, err := s.db.Query("PRAGMA wal_checkpoint(TRUNCATE)"); err == nil {
		rows.Close()
	}

	err := s.db.Close()
	s.db = nil
	s.bunDB = nil

	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")

	return err
}

// RunInTx runs fn inside a transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return s.bunDB.RunInTx(ctx, nil, fn)
}

// execPragma applies one pragma. Query rather than Exec: the driver
// returns rows for pragma statements and errors on Exec.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query("PRAGMA " + pragma)
	if err != nil {
		return fmt.Errorf("pragma %s: %w", pragma, err)
	}
	return rows.Close()
}

// applyPragmas configures the connection. The busy timeout goes first so
// the remaining pragmas queue behind concurrent writers instead of
// failing immediately.
func applyPragmas(db *sql.DB, busyTimeoutMs int) error {
	if err := execPragma(db, fmt.Sprintf("busy_timeout = %d", busyTimeoutMs)); err != nil {
		return err
	}
	for _, pragma := range []string{
		"journal_mode = WAL",
		"synchronous = NORMAL",
		"foreign_keys = ON",
		"cache_size = -8000",
	} {
		if err := execPragma(db, pragma); err != nil {
			return err
		}
	}
	// Larger reads benefit from mmap but not every build supports it.
	if err := execPragma(db, "mmap_size = 268435456"); err != nil {
		log.Debugf("mmap_size pragma not applied: %v", err)
	}
	return nil
}

// --- Schema info ---

// SchemaInfo retrieves a schema info value by key. Missing keys return "".
func (s *Store) SchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := s.bunDB.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

func (s *Store) setSchemaInfo(ctx context.Context, key, value string) error {
	_, err := s.bunDB.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- Record queries ---

// GetRecordByPath returns the record at a virtual path. When a live and a
// stale record share the path (an entity replaced by a same-named upload),
// the live one wins. Returns ErrNotFound when no record exists.
func (s *Store) GetRecordByPath(ctx context.Context, path string) (*Record, error) {
	m, err := s.getRecordModelByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return m.ToRecord(), nil
}

func (s *Store) getRecordModelByPath(ctx context.Context, path string) (*RecordModel, error) {
	var m RecordModel
	err := s.bunDB.NewSelect().
		Model(&m).
		Where("path = ?", path).
		OrderExpr("CASE WHEN stale_at = 0 THEN 0 ELSE 1 END").
		OrderExpr("stale_at DESC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListChildRecords returns the live records under a parent, ordered by
// display name with remote id as the tiebreaker.
func (s *Store) ListChildRecords(ctx context.Context, parentPath string) ([]Record, error) {
	var models []RecordModel
	err := s.bunDB.NewSelect().
		Model(&models).
		Where("parent_path = ?", parentPath).
		Where("stale_at = 0").
		Order("display_name").
		Order("remote_id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(models))
	for i := range models {
		records[i] = *models[i].ToRecord()
	}
	return records, nil
}

// listModelsUnderParentWith returns every record under a parent, stale
// included, keyed by remote id. Used by the sync diff.
func listModelsUnderParentWith(idb bun.IDB, ctx context.Context, parentPath string) (map[string]*RecordModel, error) {
	var models []RecordModel
	err := idb.NewSelect().
		Model(&models).
		Where("parent_path = ?", parentPath).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	byRemoteID := make(map[string]*RecordModel, len(models))
	for i := range models {
		byRemoteID[models[i].RemoteID] = &models[i]
	}
	return byRemoteID, nil
}

// upsertRecordWith inserts or refreshes a record. A re-appearing entity is
// revived: stale_at resets to zero.
func upsertRecordWith(idb bun.IDB, ctx context.Context, m *RecordModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (parent_path, remote_id) DO UPDATE").
		Set("path = EXCLUDED.path").
		Set("name = EXCLUDED.name").
		Set("display_name = EXCLUDED.display_name").
		Set("kind = EXCLUDED.kind").
		Set("size_bytes = EXCLUDED.size_bytes").
		Set("mime_type = EXCLUDED.mime_type").
		Set("content_hash = EXCLUDED.content_hash").
		Set("created_at = EXCLUDED.created_at").
		Set("modified_at = EXCLUDED.modified_at").
		Set("last_synced_at = EXCLUDED.last_synced_at").
		Set("stale_at = 0").
		Exec(ctx)
	return err
}

// markStaleWith stale-marks the given remote ids under a parent. Batched
// to stay under the SQLite bound-parameter limit.
func markStaleWith(idb bun.IDB, ctx context.Context, parentPath string, remoteIDs []string, at time.Time) error {
	const batch = 400
	for start := 0; start < len(remoteIDs); start += batch {
		end := start + batch
		if end > len(remoteIDs) {
			end = len(remoteIDs)
		}
		_, err := idb.NewUpdate().
			Model((*RecordModel)(nil)).
			Set("stale_at = ?", at.Unix()).
			Where("parent_path = ?", parentPath).
			Where("stale_at = 0").
			Where("remote_id IN (?)", bun.In(remoteIDs[start:end])).
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

// renameChildrenWith moves the direct children of a renamed album
// directory, rewriting parent_path and the path prefix, and carries the
// parent's sync state over to the new path.
func renameChildrenWith(idb bun.IDB, ctx context.Context, oldPath, newPath string) error {
	_, err := idb.NewRaw(
		`UPDATE records SET parent_path = ?, path = ? || substr(path, ?) WHERE parent_path = ?`,
		newPath, newPath, len(oldPath)+1, oldPath,
	).Exec(ctx)
	if err != nil {
		return err
	}
	_, err = idb.NewRaw(
		`UPDATE OR REPLACE sync_state SET parent_path = ? WHERE parent_path = ?`,
		newPath, oldPath,
	).Exec(ctx)
	return err
}

// DeleteRecordByID removes a single record. Used when a stored row fails
// validation on load.
func (s *Store) DeleteRecordByID(ctx context.Context, id int64) error {
	_, err := s.bunDB.NewDelete().
		Model((*RecordModel)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// UpdateSizeByRemoteID records a learned byte size on every row of the
// entity that does not have one yet.
func (s *Store) UpdateSizeByRemoteID(ctx context.Context, remoteID string, sizeBytes int64) error {
	_, err := s.bunDB.NewUpdate().
		Model((*RecordModel)(nil)).
		Set("size_bytes = ?", sizeBytes).
		Where("remote_id = ?", remoteID).
		Where("size_bytes = 0").
		Exec(ctx)
	return err
}

// UpdateContentHashByRemoteID records a learned content digest on every
// row of the entity that does not have one yet.
func (s *Store) UpdateContentHashByRemoteID(ctx context.Context, remoteID, hash string) error {
	_, err := s.bunDB.NewUpdate().
		Model((*RecordModel)(nil)).
		Set("content_hash = ?", hash).
		Where("remote_id = ?", remoteID).
		Where("content_hash = ''").
		Exec(ctx)
	return err
}

// --- Sync state ---

// GetSyncState returns the sync state for a parent, nil when the parent
// has never been synced.
func (s *Store) GetSyncState(ctx context.Context, parentPath string) (*SyncState, error) {
	var m SyncStateModel
	err := s.bunDB.NewSelect().
		Model(&m).
		Where("parent_path = ?", parentPath).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.toSyncState(), nil
}

func setSyncStateWith(idb bun.IDB, ctx context.Context, parentPath string, at time.Time, itemCount int) error {
	_, err := idb.NewInsert().
		Model(&SyncStateModel{ParentPath: parentPath, SyncedAt: at.Unix(), ItemCount: int64(itemCount)}).
		On("CONFLICT (parent_path) DO UPDATE").
		Set("synced_at = EXCLUDED.synced_at").
		Set("item_count = EXCLUDED.item_count").
		Exec(ctx)
	return err
}

// --- Purge ---

// PurgeStaleBefore physically deletes records stale since before the
// cutoff, then sweeps records and sync state orphaned by deleted album
// directories. Returns the number of rows removed.
func (s *Store) PurgeStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*RecordModel)(nil)).
			Where("stale_at != 0").
			Where("stale_at <= ?", cutoff.Unix()).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		purged += n

		res, err = tx.NewRaw(
			`DELETE FROM records WHERE parent_path NOT IN (?, ?) AND parent_path NOT IN (SELECT path FROM records WHERE kind = ?)`,
			common.AlbumsPath, common.MediaPath, int64(photos.KindAlbum),
		).Exec(ctx)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		purged += n

		_, err = tx.NewRaw(
			`DELETE FROM sync_state WHERE parent_path NOT IN (?, ?) AND parent_path NOT IN (SELECT path FROM records WHERE kind = ?)`,
			common.AlbumsPath, common.MediaPath, int64(photos.KindAlbum),
		).Exec(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// CountRecords returns live and stale record counts by kind.
func (s *Store) CountRecords(ctx context.Context) (live map[int64]int64, stale int64, err error) {
	type row struct {
		Kind  int64 `bun:"kind"`
		Stale int64 `bun:"stale"`
		N     int64 `bun:"n"`
	}
	var rows []row
	err = s.bunDB.NewRaw(
		`SELECT kind, CASE WHEN stale_at = 0 THEN 0 ELSE 1 END AS stale, COUNT(*) AS n FROM records GROUP BY kind, stale`,
	).Scan(ctx, &rows)
	if err != nil {
		return nil, 0, err
	}

	live = make(map[int64]int64)
	for _, r := range rows {
		if r.Stale == 1 {
			stale += r.N
			continue
		}
		live[r.Kind] += r.N
	}
	return live, stale, nil
}
