// Package discovery implements the peer-discovery subsystem: advertising
// this host, listening for others, and delivering transfer control-plane
// messages over the same UDP socket.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/daemon-001/zipline/internal/netif"
	"github.com/daemon-001/zipline/internal/peertable"
	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// Identity is the local host's announced attributes.
type Identity struct {
	Name      string
	Platform  string
	System    string
	Signature string
	Avatar    string
}

// Config configures one Engine instance.
type Config struct {
	Port           int
	Identity       Identity
	HelloInterval  time.Duration
	SweepInterval  time.Duration
	LivenessTTL    time.Duration
	ClassifyRules  []netif.ClassRule
	Clock          clock.Clock
	Logger         *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = ports.DefaultListenPort
	}
	if c.HelloInterval == 0 {
		c.HelloInterval = 5 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.LivenessTTL == 0 {
		c.LivenessTTL = 3 * c.HelloInterval
	}
	if c.ClassifyRules == nil {
		c.ClassifyRules = netif.DefaultClassRules
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Engine runs the discovery UDP socket(s), peer table, and hello/sweep/
// reaper loops.
type Engine struct {
	cfg   Config
	enum  ports.NetIfEnumerator
	table *peertable.Table

	nonce string

	mu          sync.Mutex
	recvConn    *net.UDPConn
	sendSockets map[string]*net.UDPConn // iface name -> socket bound to iface's IPv4
	ifaceIPs    map[string]string       // iface name -> IPv4 bound for that send socket
	selfAddrs   map[string]bool
	primaryIP   string

	control chan wire.Datagram

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine. The peer table's liveness TTL and janitor sweep
// are derived from cfg.HelloInterval unless overridden.
func New(cfg Config, enum ports.NetIfEnumerator) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:         cfg,
		enum:        enum,
		table:       peertable.New(cfg.LivenessTTL, cfg.HelloInterval),
		nonce:       uuid.NewString(),
		sendSockets: make(map[string]*net.UDPConn),
		ifaceIPs:    make(map[string]string),
		selfAddrs:   make(map[string]bool),
		control:     make(chan wire.Datagram, 64),
	}
	return e
}

// Table exposes the peer table for read access (snapshots, lookups).
func (e *Engine) Table() *peertable.Table { return e.table }

// ControlMessages is the control_message event stream: transfer_request/
// accept/decline/cancel datagrams addressed to us.
func (e *Engine) ControlMessages() <-chan wire.Datagram { return e.control }

// SetPeerHandlers wires peer_found/peer_lost callbacks through to the
// underlying peer table.
func (e *Engine) SetPeerHandlers(onFound, onLost func(ports.Peer)) {
	e.table.SetHandlers(onFound, onLost)
}

// PrimaryIP returns the IP address of the selected primary interface, set
// once Start has bound its sockets. It is empty before Start succeeds.
func (e *Engine) PrimaryIP() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primaryIP
}

// Start binds the discovery socket(s) and launches the receive loop, hello
// ticker, and sweep ticker. It returns ports.PortUnavailable if the shared
// receive socket cannot be bound, and ports.InterfaceUnavailable if no
// usable interface exists — neither is retried automatically.
func (e *Engine) Start(ctx context.Context) error {
	candidates, err := netif.Enumerate(e.enum, e.cfg.ClassifyRules)
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}
	active := netif.ActivePhysical(candidates)
	if len(active) == 0 {
		return &ports.InterfaceUnavailable{}
	}

	recvConn, err := listenUDP(ctx, fmt.Sprintf(":%d", e.cfg.Port))
	if err != nil {
		return &ports.PortUnavailable{Port: e.cfg.Port, Err: err}
	}

	primary, ok := netif.SelectPrimary(active)
	primaryIP := ""
	if ok {
		primaryIP = primary.IPv4
	}

	e.mu.Lock()
	e.recvConn = recvConn
	e.primaryIP = primaryIP
	for _, c := range active {
		for _, ip := range c.IPv4 {
			e.selfAddrs[ip] = true
		}
		ip := firstIPv4(c)
		sock, sendErr := listenUDP(ctx, net.JoinHostPort(ip, "0"))
		if sendErr != nil {
			e.cfg.Logger.WithError(sendErr).WithField("interface", c.Name).Warn("failed to open per-interface send socket")
			continue
		}
		e.sendSockets[c.Name] = sock
		e.ifaceIPs[c.Name] = ip
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.receiveLoop(runCtx)
	}()

	e.sendHelloBurst()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.helloLoop(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(runCtx)
	}()

	return nil
}

func firstIPv4(c netif.Classified) string {
	if len(c.IPv4) > 0 {
		return c.IPv4[0]
	}
	return "0.0.0.0"
}

// Stop cancels all loops and closes every socket, aggregating any close
// errors instead of discarding all but the last.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	var result *multierror.Error
	e.mu.Lock()
	if e.recvConn != nil {
		if err := e.recvConn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for name, sock := range e.sendSockets {
		if err := sock.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close send socket %s: %w", name, err))
		}
	}
	e.mu.Unlock()

	return result.ErrorOrNil()
}

// RefreshNeighbours is the manual "soft refresh" trigger: it resends hello
// without clearing the table first, then waits ~500ms before returning,
// avoiding the empty-list flash a hard clear would cause.
func (e *Engine) RefreshNeighbours(ctx context.Context) {
	e.sendHelloBurst()
	select {
	case <-ctx.Done():
	case <-e.cfg.Clock.After(500 * time.Millisecond):
	}
}

func (e *Engine) identityDatagram(msgType wire.MessageType, fromIP string, ifaceHint string) wire.Datagram {
	return wire.Datagram{
		Type:      msgType,
		From:      wire.Endpoint{IP: fromIP, Port: e.cfg.Port},
		Name:      e.cfg.Identity.Name,
		Platform:  e.cfg.Identity.Platform,
		System:    e.cfg.Identity.System,
		Signature: e.cfg.Identity.Signature,
		Avatar:    e.cfg.Identity.Avatar,
		IfaceHint: ifaceHint,
		Nonce:     e.nonce,
	}
}

// sendHelloBurst sends an initial/periodic hello to the limited broadcast
// address on every active physical interface's dedicated socket, each
// datagram carrying that interface's own bound IP in "from" so a receiver
// always learns an address it can actually route back to. A
// send failure on one interface is logged and the others are still
// attempted.
func (e *Engine) sendHelloBurst() {
	e.mu.Lock()
	sockets := make(map[string]*net.UDPConn, len(e.sendSockets))
	ips := make(map[string]string, len(e.ifaceIPs))
	for k, v := range e.sendSockets {
		sockets[k] = v
		ips[k] = e.ifaceIPs[k]
	}
	e.mu.Unlock()

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: e.cfg.Port}

	for name, sock := range sockets {
		d := e.identityDatagram(wire.MsgHello, ips[name], name)
		payload, err := wire.Encode(d)
		if err != nil {
			e.cfg.Logger.WithError(err).Error("failed to encode hello")
			continue
		}
		if _, err := sock.WriteToUDP(payload, broadcastAddr); err != nil {
			e.cfg.Logger.WithError(err).WithField("interface", name).Warn("hello broadcast failed on interface, continuing on others")
		}
	}
}

// sweepLoop retransmits hello as unicast to every known peer every
// SweepInterval, reinforcing presence across bridged VLANs that do not
// propagate broadcast traffic.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := e.cfg.Clock.Ticker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepUnicast()
		}
	}
}

func (e *Engine) sweepUnicast() {
	e.mu.Lock()
	primaryIP := e.primaryIP
	e.mu.Unlock()

	d := e.identityDatagram(wire.MsgHello, primaryIP, "")
	payload, err := wire.Encode(d)
	if err != nil {
		return
	}
	for _, peer := range e.table.Snapshot() {
		addr := &net.UDPAddr{IP: net.ParseIP(peer.IP), Port: peer.Port}
		e.mu.Lock()
		conn := e.recvConn
		e.mu.Unlock()
		if conn == nil {
			continue
		}
		if _, err := conn.WriteToUDP(payload, addr); err != nil {
			e.cfg.Logger.WithError(err).WithField("peer", peer.IP).Warn("unicast sweep send failed, continuing")
		}
	}
}

func (e *Engine) helloLoop(ctx context.Context) {
	ticker := e.cfg.Clock.Ticker(e.cfg.HelloInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sendHelloBurst()
		}
	}
}

// SendUnicast sends an arbitrary control datagram to a specific endpoint
// over the shared receive socket, used by the transfer control channel
// for request/accept/decline/cancel. If d.From.IP is unset it
// is filled in with the selected primary interface's address.
func (e *Engine) SendUnicast(to wire.Endpoint, d wire.Datagram) error {
	e.mu.Lock()
	conn := e.recvConn
	if d.From.IP == "" {
		d.From.IP = e.primaryIP
	}
	if d.From.Port == 0 {
		d.From.Port = e.cfg.Port
	}
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("discovery engine not started")
	}

	payload, err := wire.Encode(d)
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: net.ParseIP(to.IP), Port: to.Port}
	_, err = conn.WriteToUDP(payload, addr)
	return err
}

const maxDatagramSize = 65507

func (e *Engine) receiveLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.mu.Lock()
		conn := e.recvConn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		// Deadline uses wall time, not cfg.Clock: it bounds a real socket
		// read so the loop can observe ctx cancellation.
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		d, decErr := wire.Decode(buf[:n])
		if decErr != nil {
			e.cfg.Logger.WithError(decErr).Debug("dropped malformed discovery datagram")
			continue
		}
		e.handleDatagram(d, src)
	}
}

func (e *Engine) handleDatagram(d wire.Datagram, src *net.UDPAddr) {
	if !wire.IsKnownType(d.Type) {
		return
	}
	if d.Nonce != "" && d.Nonce == e.nonce {
		return // our own hello, echoed back or looped
	}
	e.mu.Lock()
	isSelf := e.selfAddrs[src.IP.String()]
	e.mu.Unlock()
	if isSelf {
		return
	}

	d.From.IP = src.IP.String()
	if d.From.Port == 0 {
		d.From.Port = src.Port
	}

	switch d.Type {
	case wire.MsgHello:
		e.table.Upsert(ports.Peer{
			IP:          d.From.IP,
			Port:        d.From.Port,
			Interface:   d.IfaceHint,
			ConnType:    netif.Classify(d.IfaceHint, e.cfg.ClassifyRules),
			DisplayName: d.Name,
			Platform:    d.Platform,
			System:      d.System,
			AvatarURL:   d.Avatar,
			Signature:   d.Signature,
			LastSeen:    e.cfg.Clock.Now(),
		})
	case wire.MsgGoodbye:
		e.table.Evict(ports.PeerKey{IP: d.From.IP, Port: d.From.Port, Interface: d.IfaceHint})
	default:
		select {
		case e.control <- d:
		default:
			e.cfg.Logger.Warn("control message channel full, dropping datagram")
		}
	}
}

// SendGoodbye announces departure on every socket; used at shutdown.
func (e *Engine) SendGoodbye() {
	e.mu.Lock()
	sockets := make(map[string]*net.UDPConn, len(e.sendSockets))
	ips := make(map[string]string, len(e.ifaceIPs))
	for k, v := range e.sendSockets {
		sockets[k] = v
		ips[k] = e.ifaceIPs[k]
	}
	e.mu.Unlock()

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: e.cfg.Port}
	for name, sock := range sockets {
		d := e.identityDatagram(wire.MsgGoodbye, ips[name], name)
		payload, err := wire.Encode(d)
		if err != nil {
			continue
		}
		_, _ = sock.WriteToUDP(payload, broadcastAddr)
	}
}
