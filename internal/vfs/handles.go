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

package vfs

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"

	"photofs/internal/storage"
)

// session is one open file or directory. The record is a snapshot taken
// at open time so reads keep addressing the same remote item even if the
// index moves underneath the handle.
type session struct {
	ino    fuseops.InodeID
	path   string
	record *storage.Record
	dir    *dirBuffer
}

// SessionTable hands out handle ids for open files and directories.
// Handle ids are monotonic and never reused within a mount session.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[fuseops.HandleID]*session
	next     fuseops.HandleID
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: make(map[fuseops.HandleID]*session),
		next:     1,
	}
}

// Open registers a session for an inode and returns its handle id.
// Directory sessions carry a listing buffer for ReadDir.
func (st *SessionTable) Open(ino fuseops.InodeID, path string, rec *storage.Record, dir bool) fuseops.HandleID {
	st.mu.Lock()
	defer st.mu.Unlock()

	h := st.next
	st.next++

	s := &session{ino: ino, path: path, record: rec}
	if dir {
		s.dir = &dirBuffer{}
	}
	st.sessions[h] = s
	return h
}

// Get retrieves a session.
func (st *SessionTable) Get(h fuseops.HandleID) (*session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[h]
	return s, ok
}

// Release removes a session and returns it, or nil when the handle is
// unknown. Releasing an unknown handle is a no-op, so a double release
// stays harmless.
func (st *SessionTable) Release(h fuseops.HandleID) *session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[h]
	if !ok {
		return nil
	}
	delete(st.sessions, h)
	return s
}

// Len returns the number of open sessions.
func (st *SessionTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
