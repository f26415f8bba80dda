// Package wire implements the two on-the-wire formats the engine speaks:
// discovery datagrams (UDP, JSON) and transfer framing (the data stream).
// Encoding is total; decoding fails with ports.MalformedFrame on any JSON
// error, an oversized manifest length, or a missing required field (a
// stream that ends mid-frame yields ports.PeerDisconnected instead).
// Unknown optional fields are ignored for forward compatibility.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/daemon-001/zipline/pkg/ports"
)

// MessageType discriminates discovery datagrams.
type MessageType string

const (
	MsgHello            MessageType = "hello"
	MsgGoodbye          MessageType = "goodbye"
	MsgTransferRequest  MessageType = "transfer_request"
	MsgTransferAccept   MessageType = "transfer_accept"
	MsgTransferDecline  MessageType = "transfer_decline"
	MsgTransferCancel   MessageType = "transfer_cancel"
)

// Endpoint is a (host, port) pair as carried in the "from" field.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// ItemPreviewWire is one bounded preview entry inside a transfer_request.
type ItemPreviewWire struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Datagram is the in-memory, statically typed representation of every
// discovery/control JSON object the engine sends or receives. The wire
// encoding stays duck-typed (unknown optional fields ignored) but callers
// work with this single struct rather than a map[string]any.
type Datagram struct {
	Type      MessageType `json:"type"`
	From      Endpoint    `json:"from"`
	Name      string      `json:"name"`
	Platform  string      `json:"platform"`
	System    string      `json:"system"`
	Signature string      `json:"signature"`

	// hello-only
	Avatar      string `json:"avatar,omitempty"`
	IfaceHint   string `json:"iface_hint,omitempty"`
	Nonce       string `json:"nonce,omitempty"`

	// transfer control fields
	TransferID   string            `json:"transfer_id,omitempty"`
	TotalSize    int64             `json:"total_size,omitempty"`
	ItemCount    int               `json:"item_count,omitempty"`
	ItemsPreview []ItemPreviewWire `json:"items_preview,omitempty"`
	Truncated    bool              `json:"truncated,omitempty"`
	SaveLocation string            `json:"save_location,omitempty"`
	DeclineReason string           `json:"reason,omitempty"`
}

// maxPreviewBytes is the rough budget left for items_preview once the rest
// of a transfer_request datagram is accounted for, keeping the whole
// datagram within one safe UDP packet.
const maxPreviewBytes = 1200

// BuildItemsPreview keeps the leading entries whose estimated encoded size
// fits one UDP datagram and drops the rest, reporting whether any entry
// was dropped. Names and sizes of kept entries are not shortened.
func BuildItemsPreview(items []ItemPreviewWire) ([]ItemPreviewWire, bool) {
	budget := maxPreviewBytes
	out := make([]ItemPreviewWire, 0, len(items))
	for _, it := range items {
		cost := len(it.Name) + len(it.ID) + 24
		if cost > budget {
			return out, true
		}
		budget -= cost
		out = append(out, it)
	}
	return out, false
}

// Encode serializes a Datagram to JSON. Encoding is total: it only fails
// if the struct somehow contains a non-JSON-marshalable value, which never
// happens for this type.
func Encode(d Datagram) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode datagram: %w", err)
	}
	return b, nil
}

// validateRequired checks the fields every datagram, regardless of type,
// must carry for Decode to accept it.
func validateRequired(d Datagram) error {
	if d.Type == "" {
		return &ports.MalformedFrame{Reason: "missing type"}
	}
	if d.From.IP == "" {
		return &ports.MalformedFrame{Reason: "missing from.ip"}
	}
	if d.Signature == "" {
		return &ports.MalformedFrame{Reason: "missing signature"}
	}
	switch d.Type {
	case MsgHello, MsgGoodbye, MsgTransferRequest, MsgTransferAccept, MsgTransferDecline, MsgTransferCancel:
		return nil
	default:
		// Unknown type: compatibility requirement is to ignore it, not to
		// error — callers check IsKnownType before acting on a datagram.
		return nil
	}
}

// IsKnownType reports whether d.Type is one this build understands.
// Decode succeeds for unknown types (a compatibility requirement);
// callers are expected to drop the datagram silently.
func IsKnownType(t MessageType) bool {
	switch t {
	case MsgHello, MsgGoodbye, MsgTransferRequest, MsgTransferAccept, MsgTransferDecline, MsgTransferCancel:
		return true
	default:
		return false
	}
}

// Decode parses a single UDP datagram payload into a Datagram. It fails
// with ports.MalformedFrame on invalid JSON or a missing required field.
func Decode(payload []byte) (Datagram, error) {
	var d Datagram
	if err := json.Unmarshal(payload, &d); err != nil {
		return Datagram{}, &ports.MalformedFrame{Reason: "invalid json", Err: err}
	}
	if err := validateRequired(d); err != nil {
		return Datagram{}, err
	}
	return d, nil
}
