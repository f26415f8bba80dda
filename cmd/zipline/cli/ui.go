package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/daemon-001/zipline/pkg/engine"
	"github.com/daemon-001/zipline/pkg/ports"
)

// consoleUI is the reference ports.UiEvents implementation for the CLI
// host: every event is printed to stdout, and incoming transfer requests
// are resolved either automatically (autoAccept) or via a y/n prompt —
// the terminal's stand-in for the GUI's transfer-request dialog.
type consoleUI struct {
	engine     *engine.Engine
	defaultDir string
	saveLoc    ports.SaveLocationMemory
	autoAccept bool

	mu      sync.Mutex
	printed map[string]bool // session ids whose terminal line has already printed
}

func newConsoleUI(saveLoc ports.SaveLocationMemory, defaultDir string) *consoleUI {
	return &consoleUI{saveLoc: saveLoc, defaultDir: defaultDir, printed: make(map[string]bool)}
}

func (ui *consoleUI) PeerFound(p ports.Peer) {
	fmt.Printf("%s %s (%s) at %s:%d via %s\n", color.GreenString("+"), p.DisplayName, p.Platform, p.IP, p.Port, p.Interface)
}

func (ui *consoleUI) PeerLost(p ports.Peer) {
	fmt.Printf("%s %s at %s:%d\n", color.YellowString("-"), p.DisplayName, p.IP, p.Port)
}

func (ui *consoleUI) TransferRequested(req ports.TransferRequest) {
	fmt.Printf("%s %s wants to send %d item(s), %s\n",
		color.CyanString("transfer request from"), req.From.DisplayName, req.ItemCount, humanize.Bytes(uint64(req.TotalSize)))
	for _, it := range req.ItemsPreview {
		fmt.Printf("    %s (%s)\n", it.Name, humanize.Bytes(uint64(it.Size)))
	}
	if req.Truncated {
		fmt.Println("    ...")
	}

	dest := ui.destinationFor(req.From.Signature)

	if !ui.autoAccept {
		if !promptYesNo(fmt.Sprintf("accept into %s?", dest)) {
			_ = ui.engine.DeclineIncoming(req.TransferID, "declined by user")
			return
		}
	}

	if err := ui.engine.AcceptIncoming(req.From.Signature, req.TransferID, dest); err != nil {
		fmt.Println(color.RedString("accept failed: %v", err))
		_ = ui.engine.DeclineIncoming(req.TransferID, err.Error())
	}
}

func (ui *consoleUI) destinationFor(signature string) string {
	if signature != "" {
		if remembered, ok := ui.saveLoc.Get(signature); ok && remembered != "" {
			return remembered
		}
	}
	if def := ui.saveLoc.Default(); def != "" {
		return def
	}
	return ui.defaultDir
}

func (ui *consoleUI) SessionStarted(s ports.TransferSession) {
	fmt.Printf("%s session %s: %d file(s), %s\n",
		color.BlueString("started"), s.ID[:8], s.TotalFiles, humanize.Bytes(uint64(s.TotalBytes)))
}

func (ui *consoleUI) SessionProgress(s ports.TransferSession) {
	pct := 0.0
	if s.TotalBytes > 0 {
		pct = float64(s.BytesTransferred) / float64(s.TotalBytes) * 100
	}
	fmt.Printf("\r%s session %s: %5.1f%% (%s/%s) %s",
		color.BlueString("progress"), s.ID[:8], pct,
		humanize.Bytes(uint64(s.BytesTransferred)), humanize.Bytes(uint64(s.TotalBytes)), s.CurrentFile)
}

func (ui *consoleUI) SessionCompleted(s ports.TransferSession) {
	if !ui.markTerminal(s.ID) {
		return
	}
	fmt.Printf("\n%s session %s: %d file(s), %s transferred\n",
		color.GreenString("completed"), s.ID[:8], s.FilesCompleted, humanize.Bytes(uint64(s.BytesTransferred)))
}

func (ui *consoleUI) SessionFailed(s ports.TransferSession, err error) {
	if !ui.markTerminal(s.ID) {
		return
	}
	fmt.Printf("\n%s session %s: %v\n", color.RedString("failed"), s.ID[:8], err)
}

// markTerminal reports whether this is the first terminal event seen for
// sessionID, so a completed/failed race (both can fire once per session,
// never both) only ever prints one closing line.
func (ui *consoleUI) markTerminal(sessionID string) bool {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if ui.printed[sessionID] {
		return false
	}
	ui.printed[sessionID] = true
	return true
}

func promptYesNo(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
