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

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"photofs/internal/daemon"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mount-point>",
	Short: "Mount the photo library",
	Long: `Mounts the photo library read-only at the specified mount point.

By default the daemon detaches and keeps serving in the background;
unmount with "photofs unmount". Requires a prior "photofs login".

Examples:
  photofs mount ~/Photos
  photofs mount /mnt/photos --foreground`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var (
	mountForeground bool
	mountDaemonize  bool
)

func init() {
	mountCmd.Flags().BoolVarP(&mountForeground, "foreground", "f", false, "Stay attached to the terminal")
	mountCmd.Flags().BoolVar(&mountDaemonize, "daemon", false, "Detach and serve in the background (default)")
	mountCmd.MarkFlagsMutuallyExclusive("foreground", "daemon")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	absMountPoint, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}

	info, err := os.Stat(absMountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", absMountPoint)
		}
		return fmt.Errorf("failed to inspect mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", absMountPoint)
	}
	entries, err := os.ReadDir(absMountPoint)
	if err != nil {
		return fmt.Errorf("failed to read mount point: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("mount point is not empty: %s", absMountPoint)
	}

	// One daemon, one mount
	if daemon.IsDaemonRunning() {
		if mp, err := runningMountPoint(); err == nil {
			return fmt.Errorf("already mounted at %s (unmount first)", mp)
		}
		return fmt.Errorf("photofs daemon is already running")
	}

	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	if mountForeground {
		return daemon.New(cfg, absMountPoint).Run()
	}

	if err := startDaemon(cmd.Context(), absMountPoint); err != nil {
		return err
	}

	// Guard against a concurrent mount winning the daemon lock with a
	// different mount point.
	if mp, err := runningMountPoint(); err == nil && mp != absMountPoint {
		return fmt.Errorf("another photofs daemon is serving %s", mp)
	}

	fmt.Printf("Mounted photo library at %s\n", absMountPoint)
	return nil
}

// runningMountPoint asks the running daemon where it is mounted.
func runningMountPoint() (string, error) {
	client, err := daemon.Connect()
	if err != nil {
		return "", err
	}
	defer client.Close()

	resp, err := client.Status()
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.Status == nil {
		return "", fmt.Errorf("no status from daemon")
	}
	return resp.Status.MountPoint, nil
}
