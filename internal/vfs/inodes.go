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

	"photofs/internal/common"
	"photofs/internal/photos"
)

// Fixed inode ids for the structural directories. The kernel addresses
// the mount root as fuseops.RootInodeID without a prior lookup.
const (
	RootInodeID   = fuseops.RootInodeID
	AlbumsInodeID = fuseops.RootInodeID + 1
	MediaInodeID  = fuseops.RootInodeID + 2

	// FirstDynamicInodeID is the first id handed to indexed entities.
	// Everything below is reserved for structural nodes.
	FirstDynamicInodeID fuseops.InodeID = 100
)

// inodeEntry is one live path-to-inode binding.
type inodeEntry struct {
	id      fuseops.InodeID
	path    string
	kind    photos.Kind
	lookups uint64
	opens   int
}

// InodeMap owns inode number allocation. A path keeps the same inode
// number for as long as the kernel references it (lookup count from
// LookUpInode, decremented by Forget) or any session holds it open.
// Dynamic ids are monotonic, so a number is never reissued within a
// mount session even after its binding is dropped.
type InodeMap struct {
	mu     sync.Mutex
	byID   map[fuseops.InodeID]*inodeEntry
	byPath map[string]*inodeEntry
	nextID fuseops.InodeID
}

// NewInodeMap creates an inode map with the structural directories
// pre-registered under their fixed ids.
func NewInodeMap() *InodeMap {
	m := &InodeMap{
		byID:   make(map[fuseops.InodeID]*inodeEntry),
		byPath: make(map[string]*inodeEntry),
		nextID: FirstDynamicInodeID,
	}
	for p, id := range map[string]fuseops.InodeID{
		common.RootPath:   RootInodeID,
		common.AlbumsPath: AlbumsInodeID,
		common.MediaPath:  MediaInodeID,
	} {
		e := &inodeEntry{id: id, path: p, kind: photos.KindAlbum, lookups: 1}
		m.byID[id] = e
		m.byPath[p] = e
	}
	return m
}

// LookupPath returns the inode id bound to a path, incrementing its
// lookup count. A path with no live binding is allocated the next
// dynamic id with a count of one.
func (m *InodeMap) LookupPath(p string, kind photos.Kind) fuseops.InodeID {
	p = common.NormalizePath(p)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byPath[p]; ok {
		e.lookups++
		return e.id
	}

	e := &inodeEntry{id: m.nextID, path: p, kind: kind, lookups: 1}
	m.nextID++
	m.byID[e.id] = e
	m.byPath[p] = e
	return e.id
}

// PathOf returns the path bound to an inode id.
func (m *InodeMap) PathOf(id fuseops.InodeID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return "", false
	}
	return e.path, true
}

// Forget decrements an inode's lookup count by n. The binding is
// dropped once both the count and the open-session count reach zero.
// Structural inodes are never dropped.
func (m *InodeMap) Forget(id fuseops.InodeID, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byID[id]
	if !ok {
		return
	}
	if n > e.lookups {
		e.lookups = 0
	} else {
		e.lookups -= n
	}
	m.maybeDropLocked(e)
}

// IncOpen records an open session against an inode, pinning its binding
// across Forget.
func (m *InodeMap) IncOpen(id fuseops.InodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.opens++
	}
}

// DecOpen releases an open session's pin on an inode.
func (m *InodeMap) DecOpen(id fuseops.InodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return
	}
	if e.opens > 0 {
		e.opens--
	}
	m.maybeDropLocked(e)
}

// Len returns the number of live bindings, structural nodes included.
func (m *InodeMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *InodeMap) maybeDropLocked(e *inodeEntry) {
	if e.id < FirstDynamicInodeID {
		return
	}
	if e.lookups > 0 || e.opens > 0 {
		return
	}
	delete(m.byID, e.id)
	delete(m.byPath, e.path)
}
