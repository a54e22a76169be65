package storage

import (
	"time"

	"github.com/uptrace/bun"

	"photofs/internal/photos"
)

// RecordModel is the bun model for the records table. Times are stored as
// unix seconds; zero means unset.
type RecordModel struct {
	bun.BaseModel `bun:"table:records"`

	ID           int64  `bun:"id,pk,autoincrement"`
	Path         string `bun:"path,notnull"`
	ParentPath   string `bun:"parent_path,notnull"`
	Name         string `bun:"name,notnull"`
	DisplayName  string `bun:"display_name,notnull"`
	RemoteID     string `bun:"remote_id,notnull"`
	Kind         int64  `bun:"kind,notnull"`
	SizeBytes    int64  `bun:"size_bytes,notnull"`
	MimeType     string `bun:"mime_type"`
	ContentHash  string `bun:"content_hash"`
	CreatedAt    int64  `bun:"created_at,notnull"`
	ModifiedAt   int64  `bun:"modified_at,notnull"`
	LastSyncedAt int64  `bun:"last_synced_at,notnull"`
	StaleAt      int64  `bun:"stale_at,notnull"`
}

// SyncStateModel is the bun model for the sync_state table.
type SyncStateModel struct {
	bun.BaseModel `bun:"table:sync_state"`

	ParentPath string `bun:"parent_path,pk"`
	SyncedAt   int64  `bun:"synced_at,notnull"`
	ItemCount  int64  `bun:"item_count,notnull"`
}

// SchemaInfoModel is the bun model for the schema_info table.
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// Record is one indexed entity: an album directory or a media file, at a
// specific virtual path. The same remote media item appears as separate
// records under its album and under the flat media directory.
type Record struct {
	ID           int64
	Path         string
	ParentPath   string
	Name         string
	DisplayName  string
	RemoteID     string
	Kind         photos.Kind
	SizeBytes    int64
	MimeType     string
	ContentHash  string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	LastSyncedAt time.Time
	StaleAt      time.Time
}

// IsDir reports whether the record materializes as a directory.
func (r *Record) IsDir() bool {
	return r.Kind.IsDir()
}

// IsStale reports whether the record has vanished from the remote listing.
func (r *Record) IsStale() bool {
	return !r.StaleAt.IsZero()
}

// ToRecord converts a RecordModel to the domain Record.
func (m *RecordModel) ToRecord() *Record {
	return &Record{
		ID:           m.ID,
		Path:         m.Path,
		ParentPath:   m.ParentPath,
		Name:         m.Name,
		DisplayName:  m.DisplayName,
		RemoteID:     m.RemoteID,
		Kind:         photos.Kind(m.Kind),
		SizeBytes:    m.SizeBytes,
		MimeType:     m.MimeType,
		ContentHash:  m.ContentHash,
		CreatedAt:    timeOrZero(m.CreatedAt),
		ModifiedAt:   timeOrZero(m.ModifiedAt),
		LastSyncedAt: timeOrZero(m.LastSyncedAt),
		StaleAt:      timeOrZero(m.StaleAt),
	}
}

// RecordModelFromRecord converts a domain Record to its bun model.
func RecordModelFromRecord(r *Record) *RecordModel {
	return &RecordModel{
		ID:           r.ID,
		Path:         r.Path,
		ParentPath:   r.ParentPath,
		Name:         r.Name,
		DisplayName:  r.DisplayName,
		RemoteID:     r.RemoteID,
		Kind:         int64(r.Kind),
		SizeBytes:    r.SizeBytes,
		MimeType:     r.MimeType,
		ContentHash:  r.ContentHash,
		CreatedAt:    unixOrZero(r.CreatedAt),
		ModifiedAt:   unixOrZero(r.ModifiedAt),
		LastSyncedAt: unixOrZero(r.LastSyncedAt),
		StaleAt:      unixOrZero(r.StaleAt),
	}
}

// SyncState reports when a parent directory was last reconciled.
type SyncState struct {
	ParentPath string
	SyncedAt   time.Time
	ItemCount  int
}

func (m *SyncStateModel) toSyncState() *SyncState {
	return &SyncState{
		ParentPath: m.ParentPath,
		SyncedAt:   timeOrZero(m.SyncedAt),
		ItemCount:  int(m.ItemCount),
	}
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
