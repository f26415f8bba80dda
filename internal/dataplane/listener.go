package dataplane

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// Incoming is one accepted data-plane connection matched against a pending
// registration, ready to be handed to ReceiveSession.
type Incoming struct {
	TransferID   string
	SaveLocation string
	Header       wire.Header
	Conn         net.Conn
}

// Listener accepts inbound transfer connections and matches them by
// transfer_id against registrations recorded when the control channel
// accepted a request.
type Listener struct {
	logger *logrus.Entry

	mu            sync.Mutex
	registrations map[string]string // transfer_id -> save_location

	ln       net.Listener
	incoming chan *Incoming

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener builds a Listener. Call Start to bind and begin accepting.
func NewListener(logger *logrus.Entry) *Listener {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Listener{
		logger:        logger,
		registrations: make(map[string]string),
		incoming:      make(chan *Incoming, 8),
	}
}

// Register records that transferID was accepted and should land under
// saveLocation. It must be called before the sender's connection arrives.
func (l *Listener) Register(transferID, saveLocation string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registrations[transferID] = saveLocation
}

// Unregister removes a registration once its session completes or is
// abandoned (e.g. the requester never connects before giving up).
func (l *Listener) Unregister(transferID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.registrations, transferID)
}

// Start binds the listening socket and begins accepting connections in the
// background. port 0 is fine for a test listener.
func (l *Listener) Start(ctx context.Context, port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, &ports.PortUnavailable{Port: port, Err: err}
	}
	l.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(runCtx)
	}()

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Incoming is the stream of accepted, registration-matched connections.
func (l *Listener) Incoming() <-chan *Incoming { return l.incoming }

// Stop closes the listening socket and waits for the accept loop to exit.
func (l *Listener) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.logger.WithError(err).Debug("listener accept error, stopping")
				return
			}
		}
		go l.handleConn(conn)
	}
}

const headerReadTimeout = 10 * time.Second

func (l *Listener) handleConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	kind, raw, err := wire.ReadManifest(conn)
	if err != nil {
		l.logger.WithError(err).Debug("failed to read session header, closing")
		_ = conn.Close()
		return
	}
	if kind != wire.FrameHeader {
		l.logger.Debug("first frame was not a header, closing")
		_ = conn.Close()
		return
	}
	header, err := wire.DecodeHeader(raw)
	if err != nil {
		_ = conn.Close()
		return
	}

	l.mu.Lock()
	saveLocation, ok := l.registrations[header.TransferID]
	l.mu.Unlock()
	if !ok {
		l.logger.WithError(&ports.UnauthorizedTransfer{TransferID: header.TransferID}).Warn("rejecting connection with no matching registration")
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	select {
	case l.incoming <- &Incoming{TransferID: header.TransferID, SaveLocation: saveLocation, Header: header, Conn: conn}:
	default:
		l.logger.WithField("transfer_id", header.TransferID).Warn("incoming channel full, dropping connection")
		_ = conn.Close()
	}
}
