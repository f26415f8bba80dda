package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/daemon-001/zipline/internal/dataplane"
	"github.com/daemon-001/zipline/pkg/engine"
	"github.com/daemon-001/zipline/pkg/ports"
)

func newSendCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "send <peer> <path>...",
		Short: "Send one or more files/folders to a peer found on the LAN",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, paths := args[0], args[1:]

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

			peer, err := findPeer(ctx, eng, target, timeout)
			if err != nil {
				return err
			}

			items, sendItems, err := buildSendItems(paths)
			if err != nil {
				return err
			}

			sessionID := eng.Send(ctx, peer, sendItems, items)
			return waitForTerminal(ctx, eng, sessionID)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the peer and the transfer to finish")
	return cmd
}

type peersLister interface {
	Peers() []ports.Peer
}

// findPeer polls the peer table for up to timeout, matching target against
// a peer's display name (case-insensitive) or IP address — discovery is
// asynchronous, so the peer may not be in the table yet on the first call.
func findPeer(ctx context.Context, eng peersLister, target string, timeout time.Duration) (ports.Peer, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, p := range eng.Peers() {
			if strings.EqualFold(p.DisplayName, target) || p.IP == target {
				return p, nil
			}
		}
		if time.Now().After(deadline) {
			return ports.Peer{}, fmt.Errorf("no peer matching %q found within %s", target, timeout)
		}
		select {
		case <-ctx.Done():
			return ports.Peer{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// buildSendItems stats each local path and turns it into the paired
// ports.TransferItem (session bookkeeping) and dataplane.SendItem (what the
// sender actually streams) the engine's Send expects.
func buildSendItems(paths []string) ([]ports.TransferItem, []dataplane.SendItem, error) {
	items := make([]ports.TransferItem, 0, len(paths))
	sendItems := make([]dataplane.SendItem, 0, len(paths))

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, fmt.Errorf("stat %s: %w", path, err)
		}

		id := uuid.NewString()
		name := filepath.Base(filepath.Clean(path))

		if info.IsDir() {
			items = append(items, ports.TransferItem{
				ID: id, Name: name, SourcePath: path,
				Size: ports.DirectorySizeUnknown, Kind: ports.KindFolder, Status: ports.ItemPending,
			})
			sendItems = append(sendItems, dataplane.SendItem{
				ID: id, Kind: ports.KindFolder, SourcePath: path, RelativeRoot: name,
			})
			continue
		}

		items = append(items, ports.TransferItem{
			ID: id, Name: name, SourcePath: path,
			Size: info.Size(), Kind: ports.KindFile, Status: ports.ItemPending,
		})
		sendItems = append(sendItems, dataplane.SendItem{
			ID: id, Kind: ports.KindFile, SourcePath: path, RelativeRoot: name,
		})
	}

	return items, sendItems, nil
}

// waitForTerminal polls the session manager until the session reaches a
// terminal state or ctx expires, returning a non-nil error on anything but
// StatusCompleted.
func waitForTerminal(ctx context.Context, eng *engine.Engine, sessionID string) error {
	for {
		session, ok := eng.Session(sessionID)
		if ok && session.Status.Terminal() {
			if session.Status != ports.StatusCompleted {
				return fmt.Errorf("transfer %s: %s", session.Status, session.LastError)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for transfer to finish: %w", ctx.Err())
		case <-time.After(150 * time.Millisecond):
		}
	}
}
