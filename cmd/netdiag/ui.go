package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/netdiag/internal/tui"
)

var uiRefresh time.Duration

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Launch the live dashboard",
	Long:  "Launch an interactive terminal dashboard for the running daemon.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("%w; start it with 'netdiag daemon start'", err)
		}

		return tui.NewApp(client, uiRefresh).Run()
	},
}

func init() {
	uiCmd.Flags().DurationVar(&uiRefresh, "refresh", 2*time.Second, "Dashboard refresh interval")
}
