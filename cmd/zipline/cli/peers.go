package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"os"

	"github.com/spf13/cobra"
)

func newPeersCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Listen for peers on the LAN and print what was found",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, ui, err := buildEngine()
			if err != nil {
				return err
			}
			ui.autoAccept = false

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if _, err := eng.Start(ctx); err != nil {
				return err
			}
			defer eng.Stop()

			<-ctx.Done()

			peers := eng.Peers()
			if len(peers) == 0 {
				fmt.Println("no peers found")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPLATFORM\tADDRESS\tINTERFACE\tCONN")
			for _, p := range peers {
				fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\n", p.DisplayName, p.Platform, p.IP, p.Port, p.Interface, p.ConnType)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to listen before reporting")
	return cmd
}
