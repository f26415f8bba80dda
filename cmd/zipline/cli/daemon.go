package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var autoAccept bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Advertise this host and wait for incoming transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ui, err := buildEngine()
			if err != nil {
				return err
			}
			ui.autoAccept = autoAccept

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			port, err := eng.Start(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s listening on port %d as %s\n", color.CyanString("zipline"), port, eng.Identity().Name)

			<-ctx.Done()
			fmt.Println("\nshutting down...")
			return eng.Stop()
		},
	}

	cmd.Flags().BoolVar(&autoAccept, "yes", false, "accept every incoming transfer automatically")
	return cmd
}
