package daemon

// DEADLOCK WARNING:
// Any filesystem access the daemon makes under its own mount point re-enters
// the FUSE server and blocks forever. Daemon code must reach the library only
// through the index and the content cache, never through the mounted tree.
// The same applies to paths exported over NFS.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jacobsa/fuse"
	logrus "github.com/sirupsen/logrus"

	"photofs/internal/cache"
	"photofs/internal/common"
	"photofs/internal/photos"
	"photofs/internal/storage"
	"photofs/internal/util"
	"photofs/internal/vfs"
)

const (
	// logTruncateLimit is the log size that triggers truncation on startup.
	logTruncateLimit = 50 * 1024 * 1024

	// shutdownTimeout bounds the wait for background goroutines at exit.
	shutdownTimeout = 15 * time.Second

	// sinkTimeout bounds the index writes triggered by cache fetches.
	sinkTimeout = 5 * time.Second

	// statusTimeout bounds the index reads behind a status request.
	statusTimeout = 5 * time.Second

	// recordCacheSize caps the number of records fronting Resolve.
	recordCacheSize = 4096
)

func init() {
	// Quiet until Run configures logging from the daemon's settings.
	logrus.SetOutput(io.Discard)
}

// Daemon owns the mounted filesystem and every component behind it. One
// daemon serves one mount point; the flock enforces a single instance
// per home directory.
type Daemon struct {
	cfg        *Config
	mountPoint string

	sessionID string
	startedAt time.Time

	client  *photos.Client
	store   *storage.Store
	index   *storage.Index
	records *cache.RecordCache
	content *cache.Cache

	mfs     *fuse.MountedFileSystem
	nfs     *NFSServer
	nfsAddr string

	ipcServer *Server
	logFile   *os.File
	lock      *flock.Flock

	runCtx    context.Context
	runCancel context.CancelFunc
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a daemon serving the library at mountPoint.
func New(cfg *Config, mountPoint string) *Daemon {
	return &Daemon{
		cfg:        cfg,
		mountPoint: filepath.Clean(mountPoint),
		stopCh:     make(chan struct{}),
	}
}

// Run mounts the library and serves until a signal, an unmount request,
// or the kernel dropping the connection. Blocks for the daemon's whole
// lifetime.
func (d *Daemon) Run() error {
	home, err := common.EnsureHomeDir()
	if err != nil {
		return fmt.Errorf("failed to prepare home directory: %w", err)
	}

	storage.SetConfigBusyTimeouts(d.cfg.DaemonBusyTimeout, d.cfg.CLIBusyTimeout)

	cleanupStaleRuntime()

	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another photofs daemon is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLogFile()

	if err := d.writePidFile(); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer d.removePidFile()

	d.sessionID = uuid.New().String()
	d.startedAt = time.Now()

	d.runCtx, d.runCancel = context.WithCancel(context.Background())
	go func() {
		<-d.stopCh
		d.runCancel()
	}()

	log.Printf("photofs daemon starting (pid=%d session=%s home=%s)", os.Getpid(), d.sessionID, home)

	if err := d.buildStack(); err != nil {
		d.closeStack()
		return err
	}

	if err := d.mountFUSE(); err != nil {
		d.closeStack()
		return err
	}
	log.Printf("Mounted read-only library at %s", d.mountPoint)

	d.startRefreshers()

	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		d.unmount()
		d.closeStack()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}
	defer d.ipcServer.Stop()

	if d.cfg.NFSExport {
		if err := d.startNFS(); err != nil {
			log.Printf("Warning: NFS export failed to start: %v", err)
		}
	}

	// The kernel can drop the mount underneath us: external umount, or
	// the connection dying. Either way the daemon has nothing left to
	// serve and should exit.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.mfs.Join(context.Background()); err != nil {
			log.Printf("FUSE connection closed: %v", err)
		} else {
			log.Printf("FUSE connection closed")
		}
		d.requestStop()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down", sig)
		d.requestStop()
	case <-d.stopCh:
		log.Printf("Stop requested, shutting down")
	}

	d.shutdown()
	log.Printf("photofs daemon stopped")
	return nil
}

// buildStack constructs the catalog client, index, and caches. Pieces
// are assigned as they come up so closeStack can unwind a partial build.
func (d *Daemon) buildStack() error {
	home, err := common.HomeDir()
	if err != nil {
		return err
	}

	httpClient, err := photos.NewHTTPClient(d.runCtx, home, photos.OAuthConfig(d.cfg.ClientID, d.cfg.ClientSecret))
	if err != nil {
		return fmt.Errorf("not logged in: %w (run \"photofs login\" first)", err)
	}
	d.client = photos.NewClient(httpClient, photos.WithPageSize(d.cfg.PageSize))

	store, err := storage.OpenOrCreate(d.runCtx, IndexPath(), storage.DBContextDaemon)
	if err != nil {
		return fmt.Errorf("failed to open index store: %w", err)
	}
	d.store = store

	d.index = storage.NewIndex(store, d.client, storage.IndexConfig{
		Staleness:   d.cfg.Staleness(),
		SyncTimeout: d.cfg.NetworkTimeout(),
		Excludes:    CompileExcludes(d.cfg.ExcludeAlbums),
	})

	d.records = cache.NewRecordCache(d.cfg.AttrTTL(), recordCacheSize)

	index, records := d.index, d.records
	d.content = cache.New(d.client, cache.Config{
		BudgetBytes:  d.cfg.CacheBudget(),
		FetchTimeout: d.cfg.NetworkTimeout(),
		SizeSink: func(remoteID string, sizeBytes int64) {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			if err := index.RecordSize(ctx, remoteID, sizeBytes); err != nil {
				logrus.Debugf("Failed to record size for %s: %v", remoteID, err)
			}
			// The sink carries a remote ID, not a path. Dropping the
			// whole record cache is cheaper than a reverse lookup and
			// sizes are learned once per item.
			records.Invalidate()
		},
		HashSink: func(remoteID, hash string) {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			if err := index.RecordContentHash(ctx, remoteID, hash); err != nil {
				logrus.Debugf("Failed to record content hash for %s: %v", remoteID, err)
			}
		},
	})

	if purged, err := d.index.PurgeStale(d.runCtx, storage.DefaultRetention); err != nil {
		log.Printf("Warning: failed to purge stale records: %v", err)
	} else if purged > 0 {
		log.Printf("Purged %d stale index records", purged)
	}

	return nil
}

func (d *Daemon) closeStack() {
	if d.index != nil {
		d.index.Close()
	}
	if d.content != nil {
		d.content.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Printf("Warning: failed to close index store: %v", err)
		}
	}
}

func (d *Daemon) mountFUSE() error {
	server, err := vfs.NewServer(&vfs.ServerConfig{
		Library:  d.index,
		Content:  d.content,
		Records:  d.records,
		Uid:      uint32(os.Getuid()),
		Gid:      uint32(os.Getgid()),
		AttrTTL:  d.cfg.AttrTTL(),
		EntryTTL: d.cfg.EntryTTL(),
	})
	if err != nil {
		return err
	}

	mountCfg := &fuse.MountConfig{
		FSName:   "photofs",
		ReadOnly: true,
	}
	if d.logFile != nil {
		mountCfg.ErrorLogger = log.New(d.logFile, "fuse: ", log.LstdFlags)
		if logrus.IsLevelEnabled(logrus.TraceLevel) {
			mountCfg.DebugLogger = log.New(d.logFile, "fuse_debug: ", log.LstdFlags)
		}
	}

	mfs, err := fuse.Mount(d.mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", d.mountPoint, err)
	}
	d.mfs = mfs
	return nil
}

func (d *Daemon) startNFS() error {
	nfsServer := NewNFSServer(d.index, d.content)
	addr, err := nfsServer.Listen(d.cfg.NFSAddress)
	if err != nil {
		return err
	}
	d.nfs = nfsServer
	d.nfsAddr = addr

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := nfsServer.Serve(); err != nil {
			select {
			case <-d.stopCh:
				// Listener closed by shutdown.
			default:
				log.Printf("NFS server error: %v", err)
			}
		}
	}()

	log.Printf("NFS export listening on %s", addr)
	return nil
}

// unmount detaches the kernel mount. Retried because a busy mount
// refuses the first attempts while readers drain.
func (d *Daemon) unmount() {
	if d.mfs == nil {
		return
	}
	err := util.Retry(context.Background(), func() error {
		return fuse.Unmount(d.mountPoint)
	},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Printf("Warning: failed to unmount %s: %v", d.mountPoint, err)
		return
	}
	d.mfs = nil
}

func (d *Daemon) shutdown() {
	d.requestStop()

	d.unmount()

	if d.nfs != nil {
		d.nfs.Shutdown()
	}

	d.closeStack()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Printf("Warning: shutdown timed out waiting for background tasks")
	}
}

// requestStop is safe to call from any goroutine, any number of times.
func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) setupLogging() error {
	if !d.cfg.LoggingEnabled() {
		log.SetOutput(io.Discard)
		logrus.SetOutput(io.Discard)
		return nil
	}

	truncateLogFile(LogPath(), logTruncateLimit)

	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile

	log.SetOutput(logFile)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	logrus.SetOutput(logFile)

	switch d.cfg.EffectiveLogLevel() {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}

func (d *Daemon) closeLogFile() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

// truncateLogFile halves the log when it outgrows the limit, cutting at
// a newline so the kept tail starts on a whole line.
func truncateLogFile(path string, limit int64) {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= limit {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	keep := data[len(data)/2:]
	if idx := bytes.IndexByte(keep, '\n'); idx >= 0 && idx+1 < len(keep) {
		keep = keep[idx+1:]
	}

	header := fmt.Sprintf("--- Log truncated at %s ---\n", time.Now().Format(time.RFC3339))
	out := make([]byte, 0, len(header)+len(keep))
	out = append(out, header...)
	out = append(out, keep...)
	os.WriteFile(path, out, 0600)
}

// cleanupStaleRuntime removes pid and socket files left behind by a
// daemon that died without shutting down. The flock decides liveness;
// this only tidies the leftovers of a dead instance.
func cleanupStaleRuntime() {
	pid, err := GetPID()
	if err != nil {
		return
	}
	if util.IsProcessRunning(pid) {
		return
	}
	os.Remove(PidPath())
	os.Remove(SocketPath())
}

func (d *Daemon) handleRequest(req *Request) *Response {
	switch req.Type {
	case RequestStatus:
		return d.handleStatus()
	case RequestSync:
		return d.handleSync(req)
	case RequestUnmount:
		return d.handleUnmount(req)
	case RequestInvalidate:
		return d.handleInvalidate()
	case RequestStop:
		return d.handleStop()
	default:
		return &Response{Success: false, Error: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
}

func (d *Daemon) handleStatus() *Response {
	used, budget := d.content.Usage()
	info := &StatusInfo{
		MountPoint:       d.mountPoint,
		SessionID:        d.sessionID,
		StartedAt:        d.startedAt.Unix(),
		NFSAddress:       d.nfsAddr,
		CacheUsedBytes:   used,
		CacheBudgetBytes: budget,
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if stats, err := d.index.Stats(ctx); err != nil {
		log.Printf("handleStatus: failed to read index stats: %v", err)
	} else {
		info.Albums = stats.Albums
		info.MediaRecords = stats.MediaRecords
		info.StaleRecords = stats.StaleRecords
		if !stats.LastAlbumsSync.IsZero() {
			info.LastAlbumsSync = stats.LastAlbumsSync.Unix()
		}
		if !stats.LastMediaSync.IsZero() {
			info.LastMediaSync = stats.LastMediaSync.Unix()
		}
	}

	return &Response{Success: true, PID: os.Getpid(), Status: info}
}

func (d *Daemon) handleSync(req *Request) *Response {
	albums, media := req.Albums, req.Media
	if !albums && !media {
		albums, media = true, true
	}

	start := time.Now()
	if albums {
		log.Printf("handleSync: syncing albums")
		if err := d.index.SyncAlbums(d.runCtx); err != nil {
			return &Response{Success: false, Error: fmt.Sprintf("album sync failed: %v", err)}
		}
	}
	if media {
		log.Printf("handleSync: syncing media records")
		if err := d.index.SyncMedia(d.runCtx); err != nil {
			return &Response{Success: false, Error: fmt.Sprintf("media sync failed: %v", err)}
		}
	}
	elapsed := time.Since(start).Round(time.Millisecond)
	log.Printf("handleSync: completed in %v", elapsed)
	return &Response{Success: true, Message: fmt.Sprintf("Sync completed in %v", elapsed)}
}

func (d *Daemon) handleUnmount(req *Request) *Response {
	if req.Target != "" && filepath.Clean(req.Target) != d.mountPoint {
		return &Response{Success: false, Error: fmt.Sprintf("not mounted at %s", req.Target)}
	}
	log.Printf("handleUnmount: unmounting %s", d.mountPoint)
	d.requestStop()
	return &Response{Success: true, Message: fmt.Sprintf("Unmounting %s", d.mountPoint)}
}

func (d *Daemon) handleInvalidate() *Response {
	d.content.Invalidate()
	d.records.Invalidate()
	log.Printf("handleInvalidate: caches dropped")
	return &Response{Success: true, Message: "Caches invalidated"}
}

func (d *Daemon) handleStop() *Response {
	d.requestStop()
	return &Response{Success: true, Message: "Daemon stopping"}
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(), data, 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file: %w", err)
	}
	return pid, nil
}
