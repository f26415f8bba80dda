// Package ports defines the narrow interfaces and shared value types the
// transfer engine consumes from its host process. Nothing in this package
// touches a socket, a file, or the OS directly — concrete implementations
// live under internal/ and are wired together by pkg/engine.
package ports

import "time"

// ConnectionType classifies how a Peer was reached, mirrored from the
// interface classification in internal/netif.
type ConnectionType string

const (
	ConnEthernet  ConnectionType = "ethernet"
	ConnWifi      ConnectionType = "wifi"
	ConnVPN       ConnectionType = "vpn"
	ConnBluetooth ConnectionType = "bluetooth"
	ConnOther     ConnectionType = "other"
)

// Peer is a remote host participating in discovery on the same LAN.
// Identity is (IP, Port, Interface); two Peer values with the same triple
// refer to the same record regardless of the other fields.
type Peer struct {
	IP           string
	Port         int
	Interface    string
	DisplayName  string
	Platform     string
	System       string
	AvatarURL    string
	Signature    string
	LastSeen     time.Time
	ConnType     ConnectionType
}

// Key returns the identity tuple used for equality and map lookups.
func (p Peer) Key() PeerKey {
	return PeerKey{IP: p.IP, Port: p.Port, Interface: p.Interface}
}

// PeerKey is the (ip, port, interface) identity triple for a Peer.
type PeerKey struct {
	IP        string
	Port      int
	Interface string
}

// TransferKind enumerates the kinds of items a session can carry.
type TransferKind string

const (
	KindFile   TransferKind = "file"
	KindFolder TransferKind = "folder"
	KindText   TransferKind = "text"
)

// ItemStatus is the lifecycle state of a single TransferItem.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSending   ItemStatus = "sending"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// DirectorySizeUnknown is the sentinel size for a directory item whose
// aggregate byte count is only known once streaming walks it.
const DirectorySizeUnknown int64 = -1

// TransferItem is a single file, folder, or text blob within a session.
type TransferItem struct {
	ID         string
	Name       string
	SourcePath string
	Size       int64
	Kind       TransferKind
	Text       string
	Status     ItemStatus
	Progress   int64
	StartedAt  time.Time
	EndedAt    time.Time
	Error      string
}

// Direction is which side of a TransferSession the local process is on.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// SessionStatus is the transfer session's state machine position.
type SessionStatus string

const (
	StatusPending     SessionStatus = "pending"
	StatusInProgress  SessionStatus = "in-progress"
	StatusCompleted   SessionStatus = "completed"
	StatusFailed      SessionStatus = "failed"
	StatusCancelled   SessionStatus = "cancelled"
)

// Terminal reports whether status is one of the state machine's terminal
// states. Terminal sessions never transition again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TransferSession is one end-to-end transfer between two peers, in either
// direction. The session manager is the sole owner of a session and its
// items; items never move between sessions.
type TransferSession struct {
	ID              string
	Peer            Peer
	Direction       Direction
	Status          SessionStatus
	Items           []TransferItem
	TotalBytes      int64
	TotalFiles      int
	BytesTransferred int64
	FilesCompleted  int
	CurrentFile     string
	StartedAt       time.Time
	EndedAt         time.Time
	LastError       string
}

// Settings is the read-only (to the core) configuration the host process
// supplies. ListenPort is fixed at 6442 by construction (see
// DefaultListenPort) — the field exists so tests can bind to a non-default
// port, not so end users can change it at runtime.
type Settings struct {
	DisplayName       string
	DefaultSaveDir    string
	ListenPort        int
	ShowNotifications bool
	Theme             string
	Autostart         bool
}

// DefaultListenPort is the fixed discovery + data-plane port.
const DefaultListenPort = 6442

// NetInterface is the information NetIfEnumerator reports per adapter.
type NetInterface struct {
	Name       string
	IPv4       []string
	IPv6       []string
	IsUp       bool
	IsLoopback bool
}
