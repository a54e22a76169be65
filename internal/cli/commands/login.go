package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"photofs/internal/common"
	"photofs/internal/daemon"
	"photofs/internal/photos"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize access to the photo library",
	Long: `Runs the OAuth2 authorization flow and stores the resulting token
under the photofs home directory.

Requires client_id and client_secret in the config file. Create an OAuth
client of type "Desktop app" in the provider's console and paste the
credentials into the config.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return fmt.Errorf("client_id and client_secret are not set in %s", daemon.ConfigPath())
	}

	home, err := common.EnsureHomeDir()
	if err != nil {
		return err
	}

	oauthCfg := photos.OAuthConfig(cfg.ClientID, cfg.ClientSecret)
	if err := photos.Login(cmd.Context(), home, oauthCfg, os.Stdout); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	return nil
}
