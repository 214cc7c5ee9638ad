package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/netdiag/internal/daemon"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the daemon as a system service",
	Long: `Install the daemon with the platform service manager:
a systemd unit on Linux or a launchd job on macOS.
Usually requires root.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := daemon.InstallService(cfgFile)
		if err != nil {
			return fmt.Errorf("install failed: %w", err)
		}
		fmt.Printf("Installed service definition at %s\n", path)
		if hint := daemon.NewServiceManager().StartHint(); hint != "" {
			fmt.Printf("Start it with: %s\n", hint)
		}
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the system service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.UninstallService(); err != nil {
			if errors.Is(err, daemon.ErrNotInstalled) {
				fmt.Println("Service is not installed")
				return nil
			}
			return fmt.Errorf("uninstall failed: %w", err)
		}
		fmt.Println("Service removed")
		return nil
	},
}
