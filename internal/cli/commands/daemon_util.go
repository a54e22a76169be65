package commands

import (
	"context"
	"time"

	"photofs/internal/daemon"
	"photofs/internal/util"
)

// startDaemon spawns this executable as a detached daemon serving the
// given mount point and waits for its control socket to come up. The
// socket appears only after the FUSE mount succeeded, so a nil return
// means the library is mounted.
func startDaemon(ctx context.Context, mountPoint string) error {
	cfg := util.DefaultDaemonStartConfig()
	// Cold start opens the index database and mounts before serving
	cfg.PollConfig.Timeout = 15 * time.Second

	return util.StartDaemonIfNeeded(ctx, cfg, daemon.IsDaemonRunning,
		[]string{"mount", mountPoint, "--foreground"})
}
