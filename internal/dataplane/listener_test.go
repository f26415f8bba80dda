package dataplane

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daemon-001/zipline/internal/wire"
)

func TestListenerRejectsUnregisteredTransfer(t *testing.T) {
	l := NewListener(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, err := l.Start(ctx, 0)
	require.NoError(t, err)
	defer l.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteHeader(conn, wire.Header{TransferID: "unknown", TotalSize: 1, TotalFiles: 1}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, readErr := conn.Read(buf)
	assert.Error(t, readErr, "server should close the connection for an unregistered transfer")
}

func TestListenerDeliversRegisteredTransfer(t *testing.T) {
	l := NewListener(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port, err := l.Start(ctx, 0)
	require.NoError(t, err)
	defer l.Stop()

	l.Register("t-ok", "/dest")

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteHeader(conn, wire.Header{TransferID: "t-ok", TotalSize: 1, TotalFiles: 1}))

	select {
	case in := <-l.Incoming():
		assert.Equal(t, "t-ok", in.TransferID)
		assert.Equal(t, "/dest", in.SaveLocation)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an Incoming delivery")
	}
}
