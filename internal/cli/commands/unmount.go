package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jacobsa/fuse"
	"github.com/spf13/cobra"

	"photofs/internal/daemon"
	"photofs/internal/util"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount [mount-point]",
	Aliases: []string{"umount"},
	Short:   "Unmount the photo library",
	Long: `Unmounts the photo library and stops the daemon serving it.

Without an argument whatever is currently mounted is unmounted. When the
daemon is not reachable the mount point is unmounted directly.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnmount,
}

func init() {
	rootCmd.AddCommand(unmountCmd)
}

func runUnmount(cmd *cobra.Command, args []string) error {
	var target string
	if len(args) > 0 {
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve mount point: %w", err)
		}
		target = abs
	}

	if !daemon.IsDaemonRunning() {
		if target == "" {
			return fmt.Errorf("daemon is not running")
		}
		// The daemon may have died and left the kernel mount behind.
		if err := fuse.Unmount(target); err != nil {
			return fmt.Errorf("unmount failed: %w", err)
		}
		fmt.Printf("Unmounted %s\n", target)
		return nil
	}

	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer client.Close()

	resp, err := client.Unmount(target)
	if err != nil {
		return fmt.Errorf("unmount request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	fmt.Println(resp.Message)

	// The daemon tears down after replying; wait for it to finish.
	err = util.PollUntil(cmd.Context(), util.FastPollConfig(), func() bool {
		return !daemon.IsDaemonRunning()
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning: daemon did not stop in time")
	}
	return nil
}
