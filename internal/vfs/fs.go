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

// Package vfs presents the indexed photo library as a read-only FUSE
// file system. It owns inode and handle identity; everything else is
// delegated to the index and the content cache.
package vfs

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"

	"photofs/internal/cache"
	"photofs/internal/common"
	"photofs/internal/storage"
)

// Library is the slice of the index the file system consumes.
// Implemented by storage.Index.
type Library interface {
	Resolve(ctx context.Context, path string) (*storage.Record, error)
	ListChildren(ctx context.Context, path string) ([]storage.Record, bool, error)
}

// ContentReader serves ranged reads of media bytes. Implemented by
// cache.Cache.
type ContentReader interface {
	Read(ctx context.Context, obj cache.Object, offset, length int64) ([]byte, error)
}

// Permission bits for the whole tree. The mount is read-only.
const (
	filePerms os.FileMode = 0444
	dirPerms  os.FileMode = 0555
)

// ServerConfig wires a file system server.
type ServerConfig struct {
	Library Library
	Content ContentReader

	// Records fronts Resolve for hot paths. Optional.
	Records *cache.RecordCache

	// Uid and Gid own every node in the tree.
	Uid uint32
	Gid uint32

	// AttrTTL and EntryTTL bound kernel-side caching of attributes and
	// dentries. Zero disables the respective cache.
	AttrTTL  time.Duration
	EntryTTL time.Duration

	// Clock for cache expiration times. Defaults to the real clock.
	Clock timeutil.Clock
}

// NewFileSystem builds the file system behind NewServer. Callers that do
// not need a kernel mount can drive the returned ops directly.
func NewFileSystem(cfg *ServerConfig) (fuseutil.FileSystem, error) {
	return newPhotoFS(cfg)
}

// NewServer builds a fuse server for the configured library.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs, err := NewFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(fs), nil
}

type photoFS struct {
	fuseutil.NotImplementedFileSystem

	library Library
	content ContentReader
	records *cache.RecordCache

	uid, gid uint32
	attrTTL  time.Duration
	entryTTL time.Duration
	clock    timeutil.Clock

	inodes   *InodeMap
	sessions *SessionTable
}

func newPhotoFS(cfg *ServerConfig) (*photoFS, error) {
	if cfg.Library == nil {
		return nil, errors.New("vfs: Library is required")
	}
	if cfg.Content == nil {
		return nil, errors.New("vfs: Content is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &photoFS{
		library:  cfg.Library,
		content:  cfg.Content,
		records:  cfg.Records,
		uid:      cfg.Uid,
		gid:      cfg.Gid,
		attrTTL:  cfg.AttrTTL,
		entryTTL: cfg.EntryTTL,
		clock:    clock,
		inodes:   NewInodeMap(),
		sessions: NewSessionTable(),
	}, nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// lookupRecord resolves a path through the record cache.
func (fs *photoFS) lookupRecord(ctx context.Context, p string) (*storage.Record, error) {
	if fs.records != nil {
		if rec := fs.records.Get(p); rec != nil {
			return rec, nil
		}
	}
	rec, err := fs.library.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if fs.records != nil {
		fs.records.Set(p, rec)
	}
	return rec, nil
}

// errno maps an internal error for the kernel, logging the ones that
// degrade to EIO since those are the only surprising outcomes.
func (fs *photoFS) errno(op, path string, err error) error {
	mapped := errnoFor(err)
	if mapped == fuse.EIO {
		log.Warnf("%s %s: %v", op, path, err)
	}
	return mapped
}

func (fs *photoFS) attrsFor(rec *storage.Record) fuseops.InodeAttributes {
	mtime := rec.ModifiedAt
	if mtime.IsZero() {
		mtime = rec.CreatedAt
	}
	attrs := fuseops.InodeAttributes{
		Nlink:  1,
		Uid:    fs.uid,
		Gid:    fs.gid,
		Mode:   filePerms,
		Size:   uint64(rec.SizeBytes),
		Atime:  mtime,
		Ctime:  mtime,
		Mtime:  mtime,
		Crtime: rec.CreatedAt,
	}
	if rec.IsDir() {
		attrs.Mode = dirPerms | os.ModeDir
		attrs.Size = 0
	}
	return attrs
}

// expiration converts a TTL into an absolute deadline; a zero TTL
// leaves the kernel cache disabled.
func (fs *photoFS) expiration(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return fs.clock.Now().Add(ttl)
}

func direntType(rec *storage.Record) fuseutil.DirentType {
	if rec.IsDir() {
		return fuseutil.DT_Directory
	}
	return fuseutil.DT_File
}

// listEntries takes a fresh listing of a directory. Dirents carry a
// placeholder inode number: readdir does not bump lookup counts, so
// minting real ids here would leak bindings with no Forget to reclaim
// them. The kernel resolves real ids through LookUpInode.
func (fs *photoFS) listEntries(ctx context.Context, p string) ([]fuseutil.Dirent, error) {
	children, stale, err := fs.library.ListChildren(ctx, p)
	if err != nil {
		return nil, err
	}
	if stale {
		log.Debugf("Serving last known listing for %s", p)
	}

	entries := make([]fuseutil.Dirent, 0, len(children))
	for i := range children {
		rec := &children[i]
		entries = append(entries, fuseutil.Dirent{
			Inode: fuseops.RootInodeID + 1,
			Name:  rec.Name,
			Type:  direntType(rec),
		})
	}
	return entries, nil
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem
////////////////////////////////////////////////////////////////////////

func (fs *photoFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	// The tree is backed by remote storage of unknown extent; report
	// ample space so nothing refuses to stat or copy out of the mount.
	op.BlockSize = 4096
	op.Blocks = 1 << 32
	op.BlocksFree = op.Blocks
	op.BlocksAvailable = op.Blocks
	op.IoSize = 1 << 20
	op.Inodes = 1 << 40
	op.InodesFree = op.Inodes
	return nil
}

func (fs *photoFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fs.inodes.PathOf(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childPath := common.JoinPath(parentPath, op.Name)

	rec, err := fs.lookupRecord(ctx, childPath)
	if err != nil {
		return fs.errno("LookUpInode", childPath, err)
	}

	id := fs.inodes.LookupPath(childPath, rec.Kind)
	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           fs.attrsFor(rec),
		AttributesExpiration: fs.expiration(fs.attrTTL),
		EntryExpiration:      fs.expiration(fs.entryTTL),
	}
	return nil
}

func (fs *photoFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := fs.inodes.PathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	rec, err := fs.lookupRecord(ctx, p)
	if err != nil {
		return fs.errno("GetInodeAttributes", p, err)
	}
	op.Attributes = fs.attrsFor(rec)
	op.AttributesExpiration = fs.expiration(fs.attrTTL)
	return nil
}

func (fs *photoFS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.inodes.Forget(op.Inode, op.N)
	return nil
}

func (fs *photoFS) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		fs.inodes.Forget(e.Inode, e.N)
	}
	return nil
}

func (fs *photoFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	p, ok := fs.inodes.PathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	rec, err := fs.lookupRecord(ctx, p)
	if err != nil {
		return fs.errno("OpenDir", p, err)
	}
	if !rec.IsDir() {
		return fuse.ENOTDIR
	}

	op.Handle = fs.sessions.Open(op.Inode, p, rec, true)
	fs.inodes.IncOpen(op.Inode)
	return nil
}

func (fs *photoFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	sess, ok := fs.sessions.Get(op.Handle)
	if !ok || sess.dir == nil {
		return syscall.EBADF
	}
	return sess.dir.ReadDir(op, func() ([]fuseutil.Dirent, error) {
		entries, err := fs.listEntries(ctx, sess.path)
		if err != nil {
			return nil, fs.errno("ReadDir", sess.path, err)
		}
		return entries, nil
	})
}

func (fs *photoFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	if sess := fs.sessions.Release(op.Handle); sess != nil {
		fs.inodes.DecOpen(sess.ino)
	}
	return nil
}

func (fs *photoFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	p, ok := fs.inodes.PathOf(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	rec, err := fs.lookupRecord(ctx, p)
	if err != nil {
		return fs.errno("OpenFile", p, err)
	}
	if rec.IsDir() {
		return syscall.EISDIR
	}

	op.Handle = fs.sessions.Open(op.Inode, p, rec, false)
	fs.inodes.IncOpen(op.Inode)

	if rec.SizeBytes > 0 {
		// Content is immutable per remote id, so pages stay valid
		// across opens of the same inode.
		op.KeepPageCache = true
	} else {
		// Listings do not report byte sizes. Until a fetch teaches the
		// index the real size the kernel believes the file is empty and
		// would clamp every read at zero; direct IO makes it pass reads
		// through and take EOF from the short read.
		op.UseDirectIO = true
	}
	return nil
}

func (fs *photoFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	sess, ok := fs.sessions.Get(op.Handle)
	if !ok || sess.dir != nil {
		return syscall.EBADF
	}

	rec := sess.record
	data, err := fs.content.Read(ctx, cache.Object{
		RemoteID: rec.RemoteID,
		Size:     rec.SizeBytes,
		Hash:     rec.ContentHash,
	}, op.Offset, int64(len(op.Dst)))
	if err != nil {
		return fs.errno("ReadFile", sess.path, err)
	}

	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *photoFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	if sess := fs.sessions.Release(op.Handle); sess != nil {
		fs.inodes.DecOpen(sess.ino)
	}
	return nil
}
