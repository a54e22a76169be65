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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// SchemaVersion is the current index schema version.
	SchemaVersion = "1"

	// DatabaseType identifies a photofs index database in schema_info.
	DatabaseType = "photofs-index"

	// DefaultBusyTimeout is the SQLite busy timeout in milliseconds.
	// The daemon and the CLI can have the index open at the same time;
	// WAL checkpoints briefly take an exclusive lock.
	DefaultBusyTimeout = 30000
)

// Environment variables overriding the busy timeout.
const (
	EnvBusyTimeout       = "PHOTOFS_BUSY_TIMEOUT"
	EnvDaemonBusyTimeout = "PHOTOFS_DAEMON_BUSY_TIMEOUT"
	EnvCLIBusyTimeout    = "PHOTOFS_CLI_BUSY_TIMEOUT"
)

// DBContext identifies which process role is opening the database, so the
// busy timeout can be tuned per role.
type DBContext int

const (
	DBContextDefault DBContext = iota
	DBContextDaemon
	DBContextCLI
)

// Config-file provided timeouts, set once at startup from the loaded
// configuration. Zero means unset.
var (
	configDaemonBusyTimeout int
	configCLIBusyTimeout    int
)

// SetConfigBusyTimeouts installs busy timeouts loaded from the config file.
func SetConfigBusyTimeouts(daemonMs, cliMs int) {
	configDaemonBusyTimeout = daemonMs
	configCLIBusyTimeout = cliMs
}

// GetBusyTimeout returns the busy timeout for the given context.
// Priority: context-specific env var, general env var, config file, default.
func GetBusyTimeout(dbCtx DBContext) int {
	specific := ""
	configured := 0
	switch dbCtx {
	case DBContextDaemon:
		specific = EnvDaemonBusyTimeout
		configured = configDaemonBusyTimeout
	case DBContextCLI:
		specific = EnvCLIBusyTimeout
		configured = configCLIBusyTimeout
	}

	if specific != "" {
		if v, err := strconv.Atoi(os.Getenv(specific)); err == nil && v > 0 {
			return v
		}
	}
	if v, err := strconv.Atoi(os.Getenv(EnvBusyTimeout)); err == nil && v > 0 {
		return v
	}
	if configured > 0 {
		return configured
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the libsql connection string for an index database.
func BuildDSN(path string, busyTimeoutMs int) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, busyTimeoutMs)
}

// indexSchema creates the index tables. Statements are executed one at a
// time (the driver does not support multi-statement Exec).
//
// records holds one row per remote entity per parent directory. A media
// item that belongs to an album has one row under the album and one under
// the flat media listing. stale_at is the unix time the entity vanished
// from a sync pass, zero while live. sync_state remembers when each parent
// directory was last reconciled against the remote listing, including
// parents that came back empty.
const indexSchema = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	parent_path TEXT NOT NULL,
	name TEXT NOT NULL,
	display_name TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	kind INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	mime_type TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0,
	modified_at INTEGER NOT NULL DEFAULT 0,
	last_synced_at INTEGER NOT NULL DEFAULT 0,
	stale_at INTEGER NOT NULL DEFAULT 0,
	UNIQUE(parent_path, remote_id)
);

CREATE INDEX IF NOT EXISTS idx_records_path ON records(path);

CREATE INDEX IF NOT EXISTS idx_records_listing ON records(parent_path, display_name, remote_id);

CREATE TABLE IF NOT EXISTS sync_state (
	parent_path TEXT PRIMARY KEY,
	synced_at INTEGER NOT NULL,
	item_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schema_info (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// execStatements runs each statement of a schema script separately.
func execStatements(db *sql.DB, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, dropping comment
// lines and empty fragments.
func splitStatements(script string) []string {
	var statements []string
	for _, raw := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func firstLine(stmt string) string {
	if idx := strings.IndexByte(stmt, '\n'); idx >= 0 {
		return stmt[:idx]
	}
	return stmt
}
