// Package engine is the composition root: it wires the discovery engine,
// control channel, data-plane listener, session manager, and supervision
// layer into one public Engine, depending only on the ports interfaces so
// any host process (cmd/zipline or otherwise) can embed it.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/daemon-001/zipline/internal/control"
	"github.com/daemon-001/zipline/internal/dataplane"
	"github.com/daemon-001/zipline/internal/discovery"
	"github.com/daemon-001/zipline/internal/netif"
	"github.com/daemon-001/zipline/internal/session"
	"github.com/daemon-001/zipline/internal/supervise"
	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// deviceIDPath is where the stable per-host signature is persisted,
// independent of Settings so it survives a settings reset.
const deviceIDPath = "device_id.json"

// Config wires every external collaborator the engine depends on. All
// fields except UI, Clock and Logger are required; UI may be nil for a
// send-only host, and a nil Clock or Logger falls back to the real clock
// and the standard logrus logger.
type Config struct {
	Settings   ports.Settings
	HostInfo   ports.HostInfo
	Fs         ports.Fs
	Enumerator ports.NetIfEnumerator
	SaveLocations ports.SaveLocationMemory
	UI         ports.UiEvents
	Clock      clock.Clock
	Logger     *logrus.Entry
}

// Engine is the transfer engine: discovery, control, data plane, and
// session state, composed behind a handful of host-facing methods.
type Engine struct {
	cfg      Config
	identity session.Identity

	discovery  *discovery.Engine
	control    *control.Channel
	listener   *dataplane.Listener
	manager    *session.Manager
	supervisor *supervise.Supervisor
	watcher    netif.ChangeWatcher
}

// New builds an Engine but does not start any socket or goroutine; call
// Start for that.
func New(cfg Config) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Settings.ListenPort == 0 {
		cfg.Settings.ListenPort = ports.DefaultListenPort
	}

	identity, err := resolveIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve identity: %w", err)
	}

	classifyRules := netif.DefaultClassRules

	disco := discovery.New(discovery.Config{
		Port: cfg.Settings.ListenPort,
		Identity: discovery.Identity{
			Name:      identity.Name,
			Platform:  identity.Platform,
			System:    identity.System,
			Signature: identity.Signature,
		},
		ClassifyRules: classifyRules,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
	}, cfg.Enumerator)

	e := &Engine{cfg: cfg, identity: identity, discovery: disco}

	ui := cfg.UI
	if ui == nil {
		ui = noopUI{}
	}

	e.control = control.New(disco, e, cfg.Clock, cfg.Logger)
	e.listener = dataplane.NewListener(cfg.Logger)
	e.manager = session.NewManager(session.Config{
		Identity: session.Identity{
			LocalIP:   "",
			Port:      cfg.Settings.ListenPort,
			Name:      identity.Name,
			Platform:  identity.Platform,
			System:    identity.System,
			Signature: identity.Signature,
		},
		Control:  e.control,
		Listener: e.listener,
		Fs:       cfg.Fs,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	}, ui)

	disco.SetPeerHandlers(e.PeerFound, e.PeerLost)

	e.watcher = netif.NewChangeWatcher(cfg.Enumerator, classifyRules, cfg.Clock)

	e.supervisor = supervise.New(cfg.Settings.ListenPort, disco, e.listener, e.watcher, cfg.Logger)

	return e, nil
}

// noopUI is the host UI used when Config.UI is nil; it drops every event.
type noopUI struct{}

func (noopUI) PeerFound(ports.Peer)                      {}
func (noopUI) PeerLost(ports.Peer)                       {}
func (noopUI) TransferRequested(ports.TransferRequest)   {}
func (noopUI) SessionStarted(ports.TransferSession)      {}
func (noopUI) SessionProgress(ports.TransferSession)     {}
func (noopUI) SessionCompleted(ports.TransferSession)    {}
func (noopUI) SessionFailed(ports.TransferSession, error) {}

// ports.UiEvents implementation forwarded straight to the session manager,
// so Engine itself can be handed to control.New as the UI intercept point
// before the manager exists. All calls are simply forwarded once the
// manager is built; only TransferRequested ever runs before that point in
// practice, and the manager is always assigned before Start.
func (e *Engine) PeerFound(p ports.Peer) { e.manager.PeerFound(p) }
func (e *Engine) PeerLost(p ports.Peer)  { e.manager.PeerLost(p) }
func (e *Engine) TransferRequested(req ports.TransferRequest) {
	e.manager.TransferRequested(req)
}
func (e *Engine) SessionStarted(s ports.TransferSession)       { e.manager.SessionStarted(s) }
func (e *Engine) SessionProgress(s ports.TransferSession)      { e.manager.SessionProgress(s) }
func (e *Engine) SessionCompleted(s ports.TransferSession)     { e.manager.SessionCompleted(s) }
func (e *Engine) SessionFailed(s ports.TransferSession, err error) { e.manager.SessionFailed(s, err) }

// Start runs preflight checks and brings up every background loop. It
// returns the bound data-plane port, which equals Settings.ListenPort (New
// has already replaced a zero ListenPort with DefaultListenPort).
func (e *Engine) Start(ctx context.Context) (int, error) {
	go e.control.Run(ctx)
	e.manager.Run(ctx)

	port, err := e.supervisor.Start(ctx)
	if err != nil {
		return 0, err
	}
	e.manager.SetLocalIP(e.discovery.PrimaryIP())
	go e.watcher.Run(ctx, supervise.DefaultPollInterval())
	return port, nil
}

// Stop announces departure so peers evict us immediately instead of
// waiting out the liveness TTL, then tears down every collaborator in
// reverse start order, aggregating close errors.
func (e *Engine) Stop() error {
	e.discovery.SendGoodbye()
	err := e.supervisor.Shutdown()
	e.manager.Stop()
	return err
}

// Peers returns a snapshot of every currently-known peer.
func (e *Engine) Peers() []ports.Peer {
	return e.discovery.Table().Snapshot()
}

// RefreshNeighbours resends a hello burst and reinforces presence to
// every known peer, without waiting for the next scheduled cycle.
func (e *Engine) RefreshNeighbours(ctx context.Context) {
	e.discovery.RefreshNeighbours(ctx)
}

// Send starts an outgoing transfer to target built from sendItems/items,
// returning the new session's id.
func (e *Engine) Send(ctx context.Context, target ports.Peer, sendItems []dataplane.SendItem, items []ports.TransferItem) string {
	endpoint := wire.Endpoint{IP: target.IP, Port: target.Port}
	return e.manager.Send(ctx, endpoint, target, sendItems, items)
}

// RememberedSaveLocation returns the last-accepted destination directory
// for a peer signature, if any, so a host UI can pre-fill its accept
// dialog (the receiver is authoritative and may rewrite the
// accept path from a remembered entry).
func (e *Engine) RememberedSaveLocation(peerSignature string) (string, bool) {
	if peerSignature == "" {
		return "", false
	}
	return e.cfg.SaveLocations.Get(peerSignature)
}

// AcceptIncoming runs the disk-space preflight, then accepts a
// pending incoming session to saveLocation, remembering it against the
// peer's signature for next time.
func (e *Engine) AcceptIncoming(peerSignature, transferID, saveLocation string) error {
	if s, ok := e.manager.Get(transferID); ok {
		if err := supervise.DiskSpacePreflight(e.cfg.Fs, saveLocation, s.TotalBytes); err != nil {
			return err
		}
	}
	if peerSignature != "" {
		_ = e.cfg.SaveLocations.Set(peerSignature, saveLocation)
	}
	return e.manager.AcceptIncoming(transferID, saveLocation)
}

// DeclineIncoming declines a pending incoming session.
func (e *Engine) DeclineIncoming(transferID, reason string) error {
	return e.manager.DeclineIncoming(transferID, reason)
}

// CancelSession cancels an in-flight session from either side.
func (e *Engine) CancelSession(transferID, reason string) error {
	return e.manager.CancelSession(transferID, reason)
}

// Session returns a snapshot of a session (active or completed) by id.
func (e *Engine) Session(id string) (ports.TransferSession, bool) {
	return e.manager.Get(id)
}

// Identity returns the resolved local identity (name/platform/system/
// signature) announced on the discovery socket.
func (e *Engine) Identity() session.Identity {
	return e.identity
}

func resolveIdentity(cfg Config) (session.Identity, error) {
	name := cfg.Settings.DisplayName
	if name == "" {
		host, err := cfg.HostInfo.Hostname()
		if err != nil {
			return session.Identity{}, err
		}
		name = host
	}

	signature, err := loadOrCreateSignature(cfg.Fs)
	if err != nil {
		return session.Identity{}, err
	}

	return session.Identity{
		Name:      name,
		Platform:  cfg.HostInfo.Platform(),
		System:    runtime.GOARCH,
		Signature: signature,
	}, nil
}

type deviceIDDocument struct {
	Signature string `json:"signature"`
}

func loadOrCreateSignature(fs ports.Fs) (string, error) {
	if r, err := fs.Open(deviceIDPath); err == nil {
		defer r.Close()
		b, err := io.ReadAll(r)
		if err == nil {
			var doc deviceIDDocument
			if json.Unmarshal(b, &doc) == nil && doc.Signature != "" {
				return doc.Signature, nil
			}
		}
	}

	sig := uuid.NewString()
	b, err := json.Marshal(deviceIDDocument{Signature: sig})
	if err != nil {
		return "", err
	}
	w, err := fs.Create(deviceIDPath)
	if err != nil {
		return "", err
	}
	defer w.Close()
	if _, err := w.Write(b); err != nil {
		return "", err
	}
	return sig, nil
}
