package daemon

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"photofs/internal/cache"
	"photofs/internal/common"
	"photofs/internal/storage"
	"photofs/internal/vfs"
)

// NFSServer exports the same read-only tree the FUSE mount serves, for
// clients that prefer a network mount over a kernel module.
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNFSServer creates an NFS server over the index and content cache.
func NewNFSServer(lib vfs.Library, content vfs.ContentReader) *NFSServer {
	// Match go-nfs verbosity to the daemon's
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	billyFS := newLibraryFS(lib, content)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	server := &nfs.Server{
		Handler: cacheHelper,
		Context: ctx,
	}

	return &NFSServer{
		server: server,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Listen binds the listener and returns the bound address, so an
// address with port 0 reports the picked port.
func (s *NFSServer) Listen(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return listener.Addr().String(), nil
}

// Serve blocks serving NFS requests until Shutdown.
func (s *NFSServer) Serve() error {
	return s.server.Serve(s.listener)
}

// Shutdown stops the NFS server
func (s *NFSServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
}

// libraryFS adapts the index and content cache to the Billy filesystem
// interface go-nfs consumes. Every mutating method fails with the
// read-only error.
type libraryFS struct {
	lib     vfs.Library
	content vfs.ContentReader
	uid     uint32 // cached, avoids a syscall per FileInfo.Sys()
	gid     uint32
}

func newLibraryFS(lib vfs.Library, content vfs.ContentReader) *libraryFS {
	return &libraryFS{
		lib:     lib,
		content: content,
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
	}
}

// nfsError maps internal errors onto the os sentinels go-nfs inspects.
func nfsError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrNotFound) {
		return os.ErrNotExist
	}
	return err
}

func (b *libraryFS) resolve(filename string) (*storage.Record, string, error) {
	p := common.NormalizePath(filename)
	rec, err := b.lib.Resolve(context.Background(), p)
	if err != nil {
		return nil, p, nfsError(err)
	}
	return rec, p, nil
}

func (b *libraryFS) Create(filename string) (billy.File, error) {
	return nil, common.ErrReadOnly
}

func (b *libraryFS) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *libraryFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, common.ErrReadOnly
	}
	rec, p, err := b.resolve(filename)
	if err != nil {
		return nil, err
	}
	if rec.IsDir() {
		return nil, common.ErrIsDir
	}
	return &libraryFile{fs: b, path: p, rec: rec}, nil
}

func (b *libraryFS) Stat(filename string) (os.FileInfo, error) {
	rec, p, err := b.resolve(filename)
	if err != nil {
		return nil, err
	}
	return &libraryFileInfo{
		name: path.Base(p),
		rec:  rec,
		fs:   b,
	}, nil
}

// Lstat equals Stat; the tree has no symlinks.
func (b *libraryFS) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *libraryFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	p := common.NormalizePath(dirname)
	children, stale, err := b.lib.ListChildren(context.Background(), p)
	if err != nil {
		return nil, nfsError(err)
	}
	if stale {
		log.Debugf("NFS: serving last known listing for %s", p)
	}

	result := make([]os.FileInfo, 0, len(children))
	for i := range children {
		rec := &children[i]
		result = append(result, &libraryFileInfo{
			name: rec.Name,
			rec:  rec,
			fs:   b,
		})
	}
	return result, nil
}

func (b *libraryFS) Rename(oldpath, newpath string) error { return common.ErrReadOnly }
func (b *libraryFS) Remove(filename string) error         { return common.ErrReadOnly }

func (b *libraryFS) MkdirAll(filename string, perm os.FileMode) error {
	return common.ErrReadOnly
}

func (b *libraryFS) Symlink(target, link string) error { return common.ErrReadOnly }

func (b *libraryFS) Readlink(link string) (string, error) {
	return "", os.ErrInvalid
}

func (b *libraryFS) TempFile(dir, prefix string) (billy.File, error) {
	return nil, common.ErrReadOnly
}

func (b *libraryFS) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *libraryFS) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *libraryFS) Root() string {
	return "/"
}

func (b *libraryFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// libraryFile is an open read-only file. The record is the open-time
// snapshot, matching the FUSE session behavior.
type libraryFile struct {
	fs     *libraryFS
	path   string
	rec    *storage.Record
	offset int64
}

func (f *libraryFile) Name() string {
	return f.path
}

func (f *libraryFile) Write(p []byte) (int, error) {
	return 0, common.ErrReadOnly
}

func (f *libraryFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *libraryFile) ReadAt(p []byte, off int64) (int, error) {
	data, err := f.fs.content.Read(context.Background(), cache.Object{
		RemoteID: f.rec.RemoteID,
		Size:     f.rec.SizeBytes,
		Hash:     f.rec.ContentHash,
	}, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *libraryFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		f.offset = f.rec.SizeBytes + offset
	}
	return f.offset, nil
}

func (f *libraryFile) Close() error {
	return nil
}

func (f *libraryFile) Lock() error   { return nil }
func (f *libraryFile) Unlock() error { return nil }

func (f *libraryFile) Truncate(size int64) error {
	return common.ErrReadOnly
}

type libraryFileInfo struct {
	name string
	rec  *storage.Record
	fs   *libraryFS
}

func (fi *libraryFileInfo) Name() string {
	return fi.name
}

func (fi *libraryFileInfo) Size() int64 {
	if fi.rec.IsDir() {
		return 0
	}
	return fi.rec.SizeBytes
}

func (fi *libraryFileInfo) Mode() os.FileMode {
	if fi.rec.IsDir() {
		return os.ModeDir | 0555
	}
	return 0444
}

func (fi *libraryFileInfo) ModTime() time.Time {
	if !fi.rec.ModifiedAt.IsZero() {
		return fi.rec.ModifiedAt
	}
	return fi.rec.CreatedAt
}

func (fi *libraryFileInfo) IsDir() bool {
	return fi.rec.IsDir()
}

func (fi *libraryFileInfo) Sys() interface{} {
	// go-nfs only recognizes file.FileInfo here; anything else loses
	// uid/gid and the stable fileid.
	return &nfsfile.FileInfo{
		Nlink:  1,
		UID:    fi.fs.uid,
		GID:    fi.fs.gid,
		Fileid: fileID(fi.rec.Path),
	}
}

// fileID derives a stable NFS fileid from the virtual path.
func fileID(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	return h.Sum64()
}
