package ports

import "fmt"

// PortUnavailable is returned at startup when the discovery/data-plane port
// cannot be bound. It is never retried automatically.
type PortUnavailable struct {
	Port               int
	ConflictingProcess string
	Err                error
}

func (e *PortUnavailable) Error() string {
	if e.ConflictingProcess != "" {
		return fmt.Sprintf("port %d unavailable, held by %s: %v", e.Port, e.ConflictingProcess, e.Err)
	}
	return fmt.Sprintf("port %d unavailable: %v", e.Port, e.Err)
}

func (e *PortUnavailable) Unwrap() error { return e.Err }

// InterfaceUnavailable means no usable non-loopback interface was found.
type InterfaceUnavailable struct{}

func (e *InterfaceUnavailable) Error() string { return "no usable non-loopback network interface" }

// MalformedFrame is a wire decode failure. It is fatal to the affected
// session but never to the discovery engine or transfer listener.
type MalformedFrame struct {
	Reason string
	Err    error
}

func (e *MalformedFrame) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *MalformedFrame) Unwrap() error { return e.Err }

// PeerDisconnected means the underlying transport closed mid-stream
// (short read, premature close, EPIPE/connection reset).
type PeerDisconnected struct {
	Err error
}

func (e *PeerDisconnected) Error() string {
	return fmt.Sprintf("peer disconnected: %v", e.Err)
}

func (e *PeerDisconnected) Unwrap() error { return e.Err }

// LocalIoError is a non-fatal, per-item filesystem error. It is captured
// on the item's Error field; the session continues.
type LocalIoError struct {
	Item string
	Err  error
}

func (e *LocalIoError) Error() string {
	return fmt.Sprintf("local io error on %q: %v", e.Item, e.Err)
}

func (e *LocalIoError) Unwrap() error { return e.Err }

// InsufficientSpace is a preflight failure on the receiver before accept.
type InsufficientSpace struct {
	Need int64
	Have int64
	Path string
}

func (e *InsufficientSpace) Error() string {
	return fmt.Sprintf("insufficient space at %s: need %d, have %d", e.Path, e.Need, e.Have)
}

// AcceptTimeout means no accept/decline response arrived within the
// control channel's timeout window.
type AcceptTimeout struct{}

func (e *AcceptTimeout) Error() string { return "accept timeout" }

// UserCancelled is an explicit cancel issued by either side.
type UserCancelled struct {
	Reason string
}

func (e *UserCancelled) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// UnauthorizedTransfer means a data connection arrived with a transfer_id
// that has no matching pending registration.
type UnauthorizedTransfer struct {
	TransferID string
}

func (e *UnauthorizedTransfer) Error() string {
	return fmt.Sprintf("unauthorized transfer: unknown transfer id %s", e.TransferID)
}

// Declined is a decline response from the remote peer, carrying its reason.
type Declined struct {
	Reason string
}

func (e *Declined) Error() string {
	return fmt.Sprintf("declined: %s", e.Reason)
}
