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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"photofs/internal/common"
	"photofs/internal/daemon"
	"photofs/internal/storage"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show daemon and library status",
	Long: `Shows the daemon status: mount point, session, cache usage, and
index counts with last sync times.

When the daemon is not running the local index is reported directly.`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon: not running")
		return printLocalInfo(cmd)
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Status()
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	st := resp.Status
	if st == nil {
		return fmt.Errorf("daemon returned no status")
	}

	fmt.Printf("Daemon: running (PID %d)\n", resp.PID)
	fmt.Printf("Mounted at: %s\n", st.MountPoint)
	fmt.Printf("Session: %s\n", st.SessionID)
	started := unixTime(st.StartedAt)
	if !started.IsZero() {
		fmt.Printf("Started: %s (up %s)\n",
			started.Local().Format("2006-01-02 15:04:05"),
			time.Since(started).Round(time.Second))
	}
	if st.NFSAddress != "" {
		fmt.Printf("NFS export: %s\n", st.NFSAddress)
	}
	fmt.Printf("Cache: %s of %s used\n",
		formatBytes(st.CacheUsedBytes), formatBytes(st.CacheBudgetBytes))
	fmt.Printf("Albums: %d\n", st.Albums)
	fmt.Printf("Media records: %d%s\n", st.MediaRecords, staleSuffix(st.StaleRecords))
	fmt.Printf("Last albums sync: %s\n", formatSyncTime(unixTime(st.LastAlbumsSync)))
	fmt.Printf("Last media sync: %s\n", formatSyncTime(unixTime(st.LastMediaSync)))
	return nil
}

// printLocalInfo reports index counts straight from the database.
func printLocalInfo(cmd *cobra.Command) error {
	ctx := cmd.Context()

	store, err := storage.OpenWithContext(ctx, daemon.IndexPath(), storage.DBContextCLI)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			fmt.Println("Local index: none (run \"photofs mount\" or \"photofs sync\" first)")
			return nil
		}
		return err
	}
	defer store.Close()

	// Stats only reads the store; no remote source is involved.
	index := storage.NewIndex(store, nil, storage.IndexConfig{})
	defer index.Close()

	stats, err := index.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index stats: %w", err)
	}

	fmt.Printf("Local index: %s\n", daemon.IndexPath())
	fmt.Printf("Albums: %d\n", stats.Albums)
	fmt.Printf("Media records: %d%s\n", stats.MediaRecords, staleSuffix(stats.StaleRecords))
	fmt.Printf("Last albums sync: %s\n", formatSyncTime(stats.LastAlbumsSync))
	fmt.Printf("Last media sync: %s\n", formatSyncTime(stats.LastMediaSync))
	return nil
}

// unixTime converts a Unix timestamp to a time.Time, zero when unset.
func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// formatSyncTime renders a sync timestamp, "never" when unset.
func formatSyncTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func staleSuffix(stale int64) string {
	if stale <= 0 {
		return ""
	}
	return fmt.Sprintf(" (%d stale)", stale)
}

// formatBytes renders a byte count in binary units.
func formatBytes(n int64) string {
	const unit = int64(1024)
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := unit, 0
	for u := n / unit; u >= unit; u /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
