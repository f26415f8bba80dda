// Package control implements the transfer control channel atop the
// discovery socket: request/accept/decline/cancel, with bounded resend for
// UDP's unreliable delivery and a 60s accept timeout.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/daemon-001/zipline/internal/wire"
	"github.com/daemon-001/zipline/pkg/ports"
)

// Sender is the subset of the discovery engine the control channel needs:
// unicast send plus the inbound control-message stream.
type Sender interface {
	SendUnicast(to wire.Endpoint, d wire.Datagram) error
	ControlMessages() <-chan wire.Datagram
}

const acceptTimeout = 60 * time.Second

var errPending = errors.New("control: awaiting response")

// Outcome is the result of a completed transfer request.
type Outcome struct {
	Accepted      bool
	Cancelled     bool
	SaveLocation  string
	DeclineReason string
}

// Channel owns the request/response lifecycle for outgoing transfer
// requests and relays inbound ones to the host UI.
type Channel struct {
	sender Sender
	ui     ports.UiEvents
	clock  clock.Clock
	logger *logrus.Entry

	mu       sync.Mutex
	pending  map[string]chan wire.Datagram // transfer_id -> response channel
	onCancel func(transferID, reason string)
}

// New builds a Channel. ui may be nil if the host does not want inbound
// transfer_request/cancel notifications surfaced (e.g. a send-only CLI).
func New(sender Sender, ui ports.UiEvents, c clock.Clock, logger *logrus.Entry) *Channel {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{
		sender:  sender,
		ui:      ui,
		clock:   c,
		logger:  logger,
		pending: make(map[string]chan wire.Datagram),
	}
}

// Run dispatches inbound control datagrams until ctx is cancelled. It must
// run in its own goroutine for the lifetime of the channel.
func (c *Channel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.sender.ControlMessages():
			if !ok {
				return
			}
			c.dispatch(d)
		}
	}
}

// SetCancelHandler registers the callback invoked when a transfer_cancel
// arrives for a session this channel has no pending outgoing request for —
// i.e. the remote side cancelling a transfer that is already past
// negotiation. The session manager owns that transition.
func (c *Channel) SetCancelHandler(fn func(transferID, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCancel = fn
}

func (c *Channel) dispatch(d wire.Datagram) {
	switch d.Type {
	case wire.MsgTransferRequest:
		c.handleIncomingRequest(d)
	case wire.MsgTransferAccept, wire.MsgTransferDecline, wire.MsgTransferCancel:
		c.mu.Lock()
		ch, ok := c.pending[d.TransferID]
		onCancel := c.onCancel
		c.mu.Unlock()
		if ok {
			select {
			case ch <- d:
			default:
			}
			return
		}
		if d.Type == wire.MsgTransferCancel {
			if onCancel != nil {
				onCancel(d.TransferID, d.DeclineReason)
				return
			}
			c.logger.WithField("transfer_id", d.TransferID).Debug("received cancel for unknown pending request")
		}
	default:
		c.logger.WithField("type", d.Type).Debug("control channel ignoring unexpected datagram type")
	}
}

func (c *Channel) handleIncomingRequest(d wire.Datagram) {
	if c.ui == nil {
		return
	}
	preview := make([]ports.ItemPreview, 0, len(d.ItemsPreview))
	for _, it := range d.ItemsPreview {
		preview = append(preview, ports.ItemPreview{ID: it.ID, Name: it.Name, Size: it.Size})
	}
	c.ui.TransferRequested(ports.TransferRequest{
		TransferID: d.TransferID,
		From: ports.Peer{
			IP:        d.From.IP,
			Port:      d.From.Port,
			DisplayName: d.Name,
			Platform:  d.Platform,
			System:    d.System,
			Signature: d.Signature,
		},
		TotalSize:    d.TotalSize,
		ItemCount:    d.ItemCount,
		ItemsPreview: preview,
		Truncated:    d.Truncated,
	})
}

// RequestParams is what the session manager hands the control channel to
// start an outgoing transfer negotiation.
type RequestParams struct {
	TransferID   string
	From         wire.Endpoint
	Name         string
	Platform     string
	System       string
	Signature    string
	TotalSize    int64
	ItemsPreview []wire.ItemPreviewWire
	Truncated    bool
}

// RequestTransfer sends a transfer_request to target and blocks until
// accept, decline, cancel, the 60s accept timeout, or ctx cancellation. On
// timeout it sends a transfer_cancel to the target before returning
// ports.AcceptTimeout.
func (c *Channel) RequestTransfer(ctx context.Context, target wire.Endpoint, p RequestParams) (Outcome, error) {
	respCh := make(chan wire.Datagram, 1)
	c.mu.Lock()
	c.pending[p.TransferID] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, p.TransferID)
		c.mu.Unlock()
	}()

	d := wire.Datagram{
		Type:         wire.MsgTransferRequest,
		From:         p.From,
		Name:         p.Name,
		Platform:     p.Platform,
		System:       p.System,
		Signature:    p.Signature,
		TransferID:   p.TransferID,
		TotalSize:    p.TotalSize,
		ItemCount:    len(p.ItemsPreview),
		ItemsPreview: p.ItemsPreview,
		Truncated:    p.Truncated,
	}

	c.resendBurst(ctx, target, d, respCh)

	timeout := c.clock.Timer(acceptTimeout)
	defer timeout.Stop()

	select {
	case resp := <-respCh:
		return c.toOutcome(resp), nil
	case <-timeout.C:
		_ = c.sender.SendUnicast(target, wire.Datagram{
			Type: wire.MsgTransferCancel, From: p.From, Signature: p.Signature, TransferID: p.TransferID,
		})
		return Outcome{}, &ports.AcceptTimeout{}
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Channel) toOutcome(resp wire.Datagram) Outcome {
	switch resp.Type {
	case wire.MsgTransferAccept:
		return Outcome{Accepted: true, SaveLocation: resp.SaveLocation}
	case wire.MsgTransferDecline:
		return Outcome{Accepted: false, DeclineReason: resp.DeclineReason}
	default: // transfer_cancel
		return Outcome{Cancelled: true, DeclineReason: resp.DeclineReason}
	}
}

// resendBurst retransmits d up to three times at 500ms intervals, stopping
// early the moment a response shows up on respCh. It never returns an
// error; persistent send failures just mean the 60s accept timeout
// eventually fires.
func (c *Channel) resendBurst(ctx context.Context, target wire.Endpoint, d wire.Datagram, respCh chan wire.Datagram) {
	_ = retry.Do(
		func() error {
			if err := c.sender.SendUnicast(target, d); err != nil {
				c.logger.WithError(err).WithField("transfer_id", d.TransferID).Warn("control datagram send failed, will retry")
			}
			select {
			case resp := <-respCh:
				// Put it back so the caller's own select picks it up.
				respCh <- resp
				return nil
			case <-c.clock.After(10 * time.Millisecond):
				return errPending
			}
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.WithTimer(c.clock),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errPending) }),
		retry.LastErrorOnly(true),
	)
}

// sendWithResend transmits d now and re-sends it twice more at 500ms
// intervals in the background. Replies have no response of their own to
// stop on, so the bounded re-send is the whole reliability measure; the
// peer dedupes (a matched pending request consumes the first copy, later
// copies are dropped; cancel handling is idempotent).
func (c *Channel) sendWithResend(target wire.Endpoint, d wire.Datagram) error {
	err := c.sender.SendUnicast(target, d)
	go func() {
		for i := 0; i < 2; i++ {
			<-c.clock.After(500 * time.Millisecond)
			_ = c.sender.SendUnicast(target, d)
		}
	}()
	return err
}

// Accept replies to an inbound transfer_request with acceptance and a
// chosen save location.
func (c *Channel) Accept(target wire.Endpoint, transferID, saveLocation, fromIP, signature string) error {
	return c.sendWithResend(target, wire.Datagram{
		Type: wire.MsgTransferAccept, From: wire.Endpoint{IP: fromIP}, Signature: signature,
		TransferID: transferID, SaveLocation: saveLocation,
	})
}

// Decline replies to an inbound transfer_request with a reason.
func (c *Channel) Decline(target wire.Endpoint, transferID, reason, fromIP, signature string) error {
	return c.sendWithResend(target, wire.Datagram{
		Type: wire.MsgTransferDecline, From: wire.Endpoint{IP: fromIP}, Signature: signature,
		TransferID: transferID, DeclineReason: reason,
	})
}

// Cancel terminates a session from either side at any point before the
// data plane completes.
func (c *Channel) Cancel(target wire.Endpoint, transferID, reason, fromIP, signature string) error {
	return c.sendWithResend(target, wire.Datagram{
		Type: wire.MsgTransferCancel, From: wire.Endpoint{IP: fromIP}, Signature: signature,
		TransferID: transferID, DeclineReason: reason,
	})
}
