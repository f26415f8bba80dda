package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/daemon-001/zipline/pkg/ports"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHelloRoundTrip(t *testing.T) {
	d := Datagram{
		Type:      MsgHello,
		From:      Endpoint{IP: "192.168.1.5", Port: ports.DefaultListenPort},
		Name:      "desk",
		Platform:  "linux",
		System:    "x86_64",
		Signature: "sig-123",
		Avatar:    "avatar://abc",
		Nonce:     "n-1",
	}
	b, err := Encode(d)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	if diff := cmp.Diff(d, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsMissingRequiredFields(t *testing.T) {
	_, err := Decode([]byte(`{"type":"hello"}`))
	require.Error(t, err)
	var mf *ports.MalformedFrame
	assert.ErrorAs(t, err, &mf)
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	require.Error(t, err)
	var mf *ports.MalformedFrame
	assert.ErrorAs(t, err, &mf)
}

func TestDecodeToleratesUnknownType(t *testing.T) {
	d, err := Decode([]byte(`{"type":"future_feature","from":{"ip":"1.2.3.4","port":1},"signature":"s"}`))
	require.NoError(t, err)
	assert.False(t, IsKnownType(d.Type))
}

func TestBuildItemsPreviewTruncatesLargeLists(t *testing.T) {
	items := make([]ItemPreviewWire, 0, 200)
	for i := 0; i < 200; i++ {
		items = append(items, ItemPreviewWire{Name: strings.Repeat("x", 40), Size: 1024})
	}
	preview, truncated := BuildItemsPreview(items)
	assert.True(t, truncated)
	assert.Less(t, len(preview), 200)
}

func TestFrameHeaderItemEndRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, Header{TransferID: "t-1", TotalSize: 10, TotalFiles: 1}))
	require.NoError(t, WriteItemManifest(&buf, ItemManifest{ItemID: "i-1", ItemKind: ports.KindFile, RelativePath: "a.bin", Size: 10}))
	require.NoError(t, WriteEnd(&buf))

	kind, raw, err := ReadManifest(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameHeader, kind)
	h, err := DecodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, "t-1", h.TransferID)
	assert.EqualValues(t, 10, h.TotalSize)

	kind, raw, err = ReadManifest(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameItem, kind)
	m, err := DecodeItemManifest(raw)
	require.NoError(t, err)
	assert.Equal(t, "i-1", m.ItemID)
	assert.Equal(t, "a.bin", m.RelativePath)

	kind, _, err = ReadManifest(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameEnd, kind)

	_, _, err = ReadManifest(&buf)
	assert.ErrorIs(t, err, io.EOF)
}
