// Package session implements the transfer session state machine: it owns
// active and completed sessions, drives outgoing requests through the
// control channel, and drives incoming connections through the data plane.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/daemon-001/zipline/internal/control"
	"github.com/daemon-001/zipline/internal/dataplane"
	"github.com/daemon-001/zipline/internal/speed"
	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

const defaultCompletedCapacity = 256

// Identity is the local announce fields needed to build outgoing requests
// and control replies.
type Identity struct {
	LocalIP   string
	Port      int
	Name      string
	Platform  string
	System    string
	Signature string
}

// Config wires a Manager's collaborators.
type Config struct {
	Identity          Identity
	Control           *control.Channel
	Listener          *dataplane.Listener
	Fs                ports.Fs
	CompletedCapacity int
	Clock             clock.Clock
	Logger            *logrus.Entry
}

// Manager owns every TransferSession, in either direction, for the life of
// the engine. It implements ports.UiEvents so it can sit between the
// control channel and the host UI, intercepting transfer_request to create
// the pending incoming session before the UI ever sees it.
type Manager struct {
	cfg    Config
	hostUI ports.UiEvents
	localIP atomic.Value // string

	mu         sync.Mutex
	active     map[string]*ports.TransferSession
	completed  *lru.Cache[string, *ports.TransferSession]
	estimators map[string]*speed.Estimator
	taskStops  map[string]context.CancelFunc // aborts a session's data-plane task

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager. hostUI receives every observable event;
// Manager itself intercepts TransferRequested only.
func NewManager(cfg Config, hostUI ports.UiEvents) *Manager {
	if cfg.CompletedCapacity == 0 {
		cfg.CompletedCapacity = defaultCompletedCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	completed, _ := lru.New[string, *ports.TransferSession](cfg.CompletedCapacity)
	m := &Manager{
		cfg:        cfg,
		hostUI:     hostUI,
		active:     make(map[string]*ports.TransferSession),
		completed:  completed,
		estimators: make(map[string]*speed.Estimator),
		taskStops:  make(map[string]context.CancelFunc),
	}
	m.localIP.Store(cfg.Identity.LocalIP)
	if cfg.Control != nil {
		cfg.Control.SetCancelHandler(m.HandleRemoteCancel)
	}
	return m
}

// SetLocalIP updates the local IP announced on outgoing transfer_request
// datagrams and control replies. The discovery engine only knows its
// bound address once Start has run, so the composition root calls this
// right after.
func (m *Manager) SetLocalIP(ip string) {
	m.localIP.Store(ip)
}

func (m *Manager) LocalIP() string {
	ip, _ := m.localIP.Load().(string)
	return ip
}

// Run starts the background loop that matches arriving data connections to
// pending incoming sessions. It must be called once before any transfer
// request is accepted.
func (m *Manager) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.receiveLoop(runCtx)
	}()
}

// Stop cancels the receive loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-m.cfg.Listener.Incoming():
			if !ok {
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.runIncomingDataPlane(ctx, in)
			}()
		}
	}
}

// --- ports.UiEvents ---------------------------------------------------

func (m *Manager) PeerFound(p ports.Peer)  { m.hostUI.PeerFound(p) }
func (m *Manager) PeerLost(p ports.Peer)   { m.hostUI.PeerLost(p) }

func (m *Manager) TransferRequested(req ports.TransferRequest) {
	m.mu.Lock()
	_, exists := m.active[req.TransferID]
	if !exists {
		_, exists = m.completed.Get(req.TransferID)
	}
	m.mu.Unlock()
	if exists {
		return // retransmitted request for a session already surfaced
	}

	items := make([]ports.TransferItem, 0, len(req.ItemsPreview))
	for _, it := range req.ItemsPreview {
		items = append(items, ports.TransferItem{ID: it.ID, Name: it.Name, Size: it.Size, Status: ports.ItemPending})
	}
	session := &ports.TransferSession{
		ID:         req.TransferID,
		Peer:       req.From,
		Direction:  ports.Incoming,
		Status:     ports.StatusPending,
		Items:      items,
		TotalBytes: req.TotalSize,
		TotalFiles: req.ItemCount,
		StartedAt:  m.cfg.Clock.Now(),
	}
	m.mu.Lock()
	m.active[req.TransferID] = session
	m.mu.Unlock()

	m.hostUI.TransferRequested(req)
}

func (m *Manager) SessionStarted(s ports.TransferSession)       { m.hostUI.SessionStarted(s) }
func (m *Manager) SessionProgress(s ports.TransferSession)      { m.hostUI.SessionProgress(s) }
func (m *Manager) SessionCompleted(s ports.TransferSession)     { m.hostUI.SessionCompleted(s) }
func (m *Manager) SessionFailed(s ports.TransferSession, err error) { m.hostUI.SessionFailed(s, err) }

// --- outgoing -----------------------------------------------------------

// Send creates a pending outgoing session, issues the transfer_request, and
// on acceptance streams the items over a new data connection. It returns
// the session id immediately; completion is reported asynchronously
// through SessionCompleted/SessionFailed.
func (m *Manager) Send(ctx context.Context, target wire.Endpoint, peer ports.Peer, sendItems []dataplane.SendItem, items []ports.TransferItem) string {
	sessionID := uuid.NewString()
	var total int64
	for _, it := range items {
		total += it.Size
	}
	session := &ports.TransferSession{
		ID:         sessionID,
		Peer:       peer,
		Direction:  ports.Outgoing,
		Status:     ports.StatusPending,
		Items:      items,
		TotalBytes: total,
		TotalFiles: len(items),
		StartedAt:  m.cfg.Clock.Now(),
	}
	m.mu.Lock()
	m.active[sessionID] = session
	m.mu.Unlock()
	m.hostUI.SessionStarted(*session)

	preview := make([]wire.ItemPreviewWire, 0, len(items))
	for _, it := range items {
		preview = append(preview, wire.ItemPreviewWire{ID: it.ID, Name: it.Name, Size: it.Size})
	}
	boundedPreview, truncated := wire.BuildItemsPreview(preview)

	go m.runOutgoing(ctx, sessionID, target, sendItems, boundedPreview, truncated, total, len(items))

	return sessionID
}

func (m *Manager) runOutgoing(ctx context.Context, sessionID string, target wire.Endpoint, sendItems []dataplane.SendItem, preview []wire.ItemPreviewWire, truncated bool, total int64, fileCount int) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	m.registerTaskStop(sessionID, stop)

	outcome, err := m.cfg.Control.RequestTransfer(runCtx, target, control.RequestParams{
		TransferID:   sessionID,
		From:         wire.Endpoint{IP: m.LocalIP(), Port: m.cfg.Identity.Port},
		Name:         m.cfg.Identity.Name,
		Platform:     m.cfg.Identity.Platform,
		System:       m.cfg.Identity.System,
		Signature:    m.cfg.Identity.Signature,
		TotalSize:    total,
		ItemsPreview: preview,
		Truncated:    truncated,
	})
	if err != nil {
		m.fail(sessionID, err)
		return
	}
	if outcome.Cancelled {
		m.transitionTerminal(sessionID, ports.StatusCancelled, &ports.UserCancelled{Reason: outcome.DeclineReason})
		return
	}
	if !outcome.Accepted {
		m.fail(sessionID, &ports.Declined{Reason: outcome.DeclineReason})
		return
	}

	m.transition(sessionID, ports.StatusInProgress)

	conn, err := net.Dial("tcp", net.JoinHostPort(target.IP, strconv.Itoa(target.Port)))
	if err != nil {
		m.fail(sessionID, &ports.PeerDisconnected{Err: err})
		return
	}
	defer conn.Close()

	// Stopping runCtx aborts the stream at its next suspension point; the
	// deferred Close tears the connection down right after.
	throttle := m.throttleFor(sessionID)
	result, err := dataplane.SendSession(runCtx, conn, sessionID, total, fileCount, sendItems, m.cfg.Fs, m.progressFunc(sessionID), throttle, m.cfg.Clock, m.cfg.Logger)
	m.finishFromResult(sessionID, result, err)
}

// --- incoming -------------------------------------------------------

// AcceptIncoming accepts a pending incoming session, registers the save
// location with the data-plane listener, and replies over the control
// channel.
func (m *Manager) AcceptIncoming(transferID, saveLocation string) error {
	m.mu.Lock()
	session, ok := m.active[transferID]
	pending := ok && session.Status == ports.StatusPending
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("accept: unknown transfer %s", transferID)
	}
	if !pending {
		return nil // second accept of the same transfer_id is ignored
	}
	m.cfg.Listener.Register(transferID, saveLocation)
	m.transition(transferID, ports.StatusInProgress)
	return m.cfg.Control.Accept(wire.Endpoint{IP: session.Peer.IP, Port: session.Peer.Port}, transferID, saveLocation, m.LocalIP(), m.cfg.Identity.Signature)
}

// DeclineIncoming declines a pending incoming session with a reason.
func (m *Manager) DeclineIncoming(transferID, reason string) error {
	m.mu.Lock()
	session, ok := m.active[transferID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("decline: unknown transfer %s", transferID)
	}
	m.fail(transferID, &ports.Declined{Reason: reason})
	return m.cfg.Control.Decline(wire.Endpoint{IP: session.Peer.IP, Port: session.Peer.Port}, transferID, reason, m.LocalIP(), m.cfg.Identity.Signature)
}

// CancelSession cancels an in-flight session from either side. The cancel
// is idempotent: a second call for the same id is a no-op.
func (m *Manager) CancelSession(transferID, reason string) error {
	m.mu.Lock()
	session, ok := m.active[transferID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.transitionTerminal(transferID, ports.StatusCancelled, &ports.UserCancelled{Reason: reason})
	return m.cfg.Control.Cancel(wire.Endpoint{IP: session.Peer.IP, Port: session.Peer.Port}, transferID, reason, m.LocalIP(), m.cfg.Identity.Signature)
}

// HandleRemoteCancel terminates a session on receipt of the remote side's
// transfer_cancel, aborting the data-plane task so the connection closes
// and (on the receiving side) the in-progress temp file is unlinked.
func (m *Manager) HandleRemoteCancel(transferID, reason string) {
	m.transitionTerminal(transferID, ports.StatusCancelled, &ports.UserCancelled{Reason: reason})
}

func (m *Manager) runIncomingDataPlane(ctx context.Context, in *dataplane.Incoming) {
	defer m.cfg.Listener.Unregister(in.TransferID)
	defer in.Conn.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	m.registerTaskStop(in.TransferID, stop)

	throttle := m.throttleFor(in.TransferID)
	result, err := dataplane.ReceiveSession(runCtx, in.Conn, in.SaveLocation, m.cfg.Fs, m.progressFunc(in.TransferID), throttle, m.cfg.Clock, m.cfg.Logger)
	m.finishFromResult(in.TransferID, result, err)
}

// registerTaskStop records the abort hook for a session's data-plane task.
// If the session already reached a terminal state (a cancel raced the task
// startup), the hook fires immediately instead of lingering.
func (m *Manager) registerTaskStop(sessionID string, stop context.CancelFunc) {
	m.mu.Lock()
	_, alive := m.active[sessionID]
	if alive {
		m.taskStops[sessionID] = stop
	}
	m.mu.Unlock()
	if !alive {
		stop()
	}
}

// --- shared bookkeeping --------------------------------------------

func (m *Manager) estimatorFor(sessionID string) *speed.Estimator {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.estimators[sessionID]
	if !ok {
		e = speed.New(m.cfg.Clock)
		m.estimators[sessionID] = e
	}
	return e
}

// throttleFor hands the data plane the session estimator's live progress
// cadence: 100ms normally, tightening to 50ms the moment the estimator
// latches into high-throughput mode mid-stream.
func (m *Manager) throttleFor(sessionID string) dataplane.ThrottleFunc {
	return m.estimatorFor(sessionID).ProgressInterval
}

// topItemID strips a folder descendant's ":relative/path" suffix (sender.go
// and receiver.go tag every descendant as "<item.ID>:<relPath>") so progress
// and results fold back onto the one TransferItem the host UI knows about.
func topItemID(id string) string {
	if idx := strings.IndexByte(id, ':'); idx >= 0 {
		return id[:idx]
	}
	return id
}

func (m *Manager) progressFunc(sessionID string) dataplane.ProgressFunc {
	estimator := m.estimatorFor(sessionID)
	return func(p dataplane.ItemProgress) {
		m.mu.Lock()
		s, ok := m.active[sessionID]
		if ok {
			s.BytesTransferred += p.Delta
			if p.Done {
				s.FilesCompleted++
			}
			top := topItemID(p.ItemID)
			if idx := strings.IndexByte(p.ItemID, ':'); idx >= 0 {
				s.CurrentFile = p.ItemID[idx+1:] // folder descendant's relative path
			}
			for i := range s.Items {
				if s.Items[i].ID != top {
					continue
				}
				if s.CurrentFile == "" || s.Items[i].Kind != ports.KindFolder {
					s.CurrentFile = s.Items[i].Name
				}
				s.Items[i].Progress += p.Delta
				if s.Items[i].Status == ports.ItemPending {
					s.Items[i].Status = ports.ItemSending
					s.Items[i].StartedAt = m.cfg.Clock.Now()
				}
				break
			}
		}
		var snapshot ports.TransferSession
		if ok {
			snapshot = *s
		}
		bytesTransferred := snapshot.BytesTransferred
		m.mu.Unlock()
		if ok {
			estimator.Observe(bytesTransferred)
			m.hostUI.SessionProgress(snapshot)
		}
	}
}

func (m *Manager) transition(sessionID string, status ports.SessionStatus) {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if ok {
		s.Status = status
	}
	var snapshot ports.TransferSession
	if ok {
		snapshot = *s
	}
	m.mu.Unlock()
	if ok {
		m.hostUI.SessionProgress(snapshot)
	}
}

func (m *Manager) fail(sessionID string, cause error) {
	m.transitionTerminal(sessionID, ports.StatusFailed, cause)
}

func (m *Manager) transitionTerminal(sessionID string, status ports.SessionStatus, cause error) {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Status = status
	s.EndedAt = m.cfg.Clock.Now()
	if cause != nil {
		s.LastError = cause.Error()
	}
	delete(m.active, sessionID)
	delete(m.estimators, sessionID)
	stop := m.taskStops[sessionID]
	delete(m.taskStops, sessionID)
	m.completed.Add(sessionID, s)
	snapshot := *s
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if m.cfg.Listener != nil {
		m.cfg.Listener.Unregister(sessionID)
	}

	switch status {
	case ports.StatusCompleted:
		m.hostUI.SessionCompleted(snapshot)
	default:
		m.hostUI.SessionFailed(snapshot, cause)
	}
}

// applyItemResults folds each item's terminal outcome back into the
// session's TransferItem list. A folder's descendants all share its
// top-level ID (prefixed "<id>:<relPath>"), so results are grouped by top
// id first: the group's byte total becomes the item's authoritative
// Progress (replacing the throttled live count), and any one descendant
// failing marks the whole folder item failed without touching its
// completed siblings.
func (m *Manager) applyItemResults(sessionID string, results []dataplane.ItemResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[sessionID]
	if !ok {
		return
	}

	totals := make(map[string]int64)
	failures := make(map[string]error)
	for _, r := range results {
		top := topItemID(r.ItemID)
		totals[top] += r.Bytes
		if r.Err != nil && failures[top] == nil {
			failures[top] = r.Err
		}
	}

	now := m.cfg.Clock.Now()
	for i := range s.Items {
		item := &s.Items[i]
		total, seen := totals[item.ID]
		if !seen {
			continue
		}
		item.Progress = total
		item.EndedAt = now
		if err := failures[item.ID]; err != nil {
			item.Status = ports.ItemFailed
			item.Error = err.Error()
		} else {
			item.Status = ports.ItemCompleted
		}
	}
}

// finishFromResult reaches a terminal session status. err carries only
// transport-class failures (MalformedFrame, PeerDisconnected) returned by
// Send/ReceiveSession directly; those fail the whole session. Per-item
// LocalIoError failures travel in result.Items instead and are recorded
// against their TransferItem without failing sibling items or the session
// itself — an unreadable file inside a folder ends that file failed while
// the rest of the folder, and the session, still completes.
func (m *Manager) finishFromResult(sessionID string, result dataplane.SessionResult, err error) {
	if err != nil {
		m.fail(sessionID, err)
		return
	}
	m.applyItemResults(sessionID, result.Items)
	if result.Cancelled {
		m.transitionTerminal(sessionID, ports.StatusCancelled, &ports.UserCancelled{})
		return
	}
	m.transitionTerminal(sessionID, ports.StatusCompleted, nil)
}

// Get returns a snapshot of a session (active or completed) by id.
func (m *Manager) Get(sessionID string) (ports.TransferSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[sessionID]; ok {
		return *s, true
	}
	if s, ok := m.completed.Get(sessionID); ok {
		return *s, true
	}
	return ports.TransferSession{}, false
}
