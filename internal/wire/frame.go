package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/daemon-001/zipline/pkg/ports"
)

// Each frame on the data stream begins with an 8-byte big-endian length of
// the JSON manifest, followed by the manifest bytes, followed by the
// binary payload (whose length equals the manifest's Size: the UTF-8 bytes
// for a text item, zero for an empty file or a folder marker). A trailing
// END frame signals orderly
// completion.

// maxManifestSize bounds a single manifest so a corrupt/hostile length
// prefix can't make the receiver allocate unbounded memory.
const maxManifestSize = 1 << 20 // 1 MiB

// FrameKind discriminates manifest kinds on the data stream.
type FrameKind string

const (
	FrameHeader FrameKind = "header"
	FrameItem   FrameKind = "item"
	FrameEnd    FrameKind = "end"
)

// Header is the session header frame: sent once, first, by the sender.
type Header struct {
	Kind       FrameKind `json:"kind"`
	TransferID string    `json:"transfer_id"`
	TotalSize  int64     `json:"total_size"`
	TotalFiles int       `json:"total_files"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ItemManifest describes one item frame's payload.
type ItemManifest struct {
	Kind         FrameKind         `json:"kind"`
	ItemID       string            `json:"item_id"`
	ItemKind     ports.TransferKind `json:"item_kind"`
	RelativePath string            `json:"relative_path"`
	Size         int64             `json:"size"`
	Terminal     bool              `json:"terminal,omitempty"`
}

// EndMarker is the trailing frame signaling orderly completion.
type EndMarker struct {
	Kind FrameKind `json:"kind"`
}

func writeLengthPrefixed(w io.Writer, manifest any) error {
	b, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteHeader emits the session header frame.
func WriteHeader(w io.Writer, h Header) error {
	h.Kind = FrameHeader
	return writeLengthPrefixed(w, h)
}

// WriteItemManifest emits one item manifest frame (the payload bytes, if
// any, are written separately by the caller immediately after).
func WriteItemManifest(w io.Writer, m ItemManifest) error {
	m.Kind = FrameItem
	return writeLengthPrefixed(w, m)
}

// WriteEnd emits the trailing END frame.
func WriteEnd(w io.Writer) error {
	return writeLengthPrefixed(w, EndMarker{Kind: FrameEnd})
}

// rawManifestKind is used to sniff a manifest's Kind before decoding the
// full typed struct, since header/item/end frames share the length-prefix
// envelope but have different bodies.
type rawManifestKind struct {
	Kind FrameKind `json:"kind"`
}

// ReadManifest reads one length-prefixed manifest and reports its kind
// plus the raw JSON bytes, leaving the caller to unmarshal into the
// concrete type (Header/ItemManifest/EndMarker) for that kind. Returns
// io.EOF cleanly when the stream ends between frames.
func ReadManifest(r io.Reader) (FrameKind, []byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, &ports.PeerDisconnected{Err: err}
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	if n > maxManifestSize {
		return "", nil, &ports.MalformedFrame{Reason: "manifest too large"}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, &ports.PeerDisconnected{Err: err}
	}
	var rk rawManifestKind
	if err := json.Unmarshal(buf, &rk); err != nil {
		return "", nil, &ports.MalformedFrame{Reason: "invalid manifest json", Err: err}
	}
	if rk.Kind == "" {
		return "", nil, &ports.MalformedFrame{Reason: "manifest missing kind"}
	}
	return rk.Kind, buf, nil
}

// DecodeHeader unmarshals a raw manifest buffer previously identified as
// FrameHeader by ReadManifest.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(buf, &h); err != nil {
		return Header{}, &ports.MalformedFrame{Reason: "invalid header", Err: err}
	}
	if h.TransferID == "" {
		return Header{}, &ports.MalformedFrame{Reason: "header missing transfer_id"}
	}
	return h, nil
}

// DecodeItemManifest unmarshals a raw manifest buffer previously
// identified as FrameItem by ReadManifest.
func DecodeItemManifest(buf []byte) (ItemManifest, error) {
	var m ItemManifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return ItemManifest{}, &ports.MalformedFrame{Reason: "invalid item manifest", Err: err}
	}
	if m.ItemID == "" {
		return ItemManifest{}, &ports.MalformedFrame{Reason: "item manifest missing item_id"}
	}
	return m, nil
}
