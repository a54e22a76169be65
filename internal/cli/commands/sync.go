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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"photofs/internal/common"
	"photofs/internal/daemon"
	"photofs/internal/photos"
	"photofs/internal/storage"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the local index with the remote library",
	Long: `Reconciles the local index with the remote library.

With the daemon running the sync happens inside the daemon. Otherwise
the index is synced directly, which requires a prior login.

Examples:
  photofs sync
  photofs sync --albums
  photofs sync --media`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncAlbums bool
	syncMedia  bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncAlbums, "albums", false, "Sync only the album tree")
	syncCmd.Flags().BoolVar(&syncMedia, "media", false, "Sync only media metadata")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		return syncDirect(cmd.Context())
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Sync(syncAlbums, syncMedia)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Println(resp.Message)
	return nil
}

// syncDirect reconciles the index without a running daemon.
func syncDirect(ctx context.Context) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	home, err := common.HomeDir()
	if err != nil {
		return err
	}

	httpClient, err := photos.NewHTTPClient(ctx, home, photos.OAuthConfig(cfg.ClientID, cfg.ClientSecret))
	if err != nil {
		return fmt.Errorf("not logged in: %w (run \"photofs login\" first)", err)
	}
	client := photos.NewClient(httpClient, photos.WithPageSize(cfg.PageSize))

	store, err := storage.OpenOrCreate(ctx, daemon.IndexPath(), storage.DBContextCLI)
	if err != nil {
		return fmt.Errorf("failed to open index store: %w", err)
	}
	defer store.Close()

	index := storage.NewIndex(store, client, storage.IndexConfig{
		Staleness:   cfg.Staleness(),
		SyncTimeout: cfg.NetworkTimeout(),
		Excludes:    daemon.CompileExcludes(cfg.ExcludeAlbums),
	})
	defer index.Close()

	albums, media := syncAlbums, syncMedia
	if !albums && !media {
		albums, media = true, true
	}

	start := time.Now()
	if albums {
		fmt.Print("Syncing albums...")
		if err := index.SyncAlbums(ctx); err != nil {
			fmt.Println(" failed")
			return err
		}
		fmt.Println(" done")
	}
	if media {
		fmt.Print("Syncing media...")
		if err := index.SyncMedia(ctx); err != nil {
			fmt.Println(" failed")
			return err
		}
		fmt.Println(" done")
	}

	fmt.Printf("Sync completed in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}
