package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/mdlayher/vsock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ServeOne handles exactly one connection to completion, the
// one-connection-per-device-process model.
func TestServeOneHandlesSingleConnection(t *testing.T) {
	handler := func(req *Request) ([]byte, error) {
		return []byte("pong"), nil
	}
	listener, err := net.Listen("unix", filepath.Join(t.TempDir(), "one.sock"))
	require.NoError(t, err)
	srv := NewListenerServer(listener, handler, quietLogger())
	t.Cleanup(func() { srv.Close() })

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.ServeOne() }()

	conn, err := net.Dial("unix", listener.Addr().String())
	require.NoError(t, err)
	client := NewClient(conn, quietLogger())

	payload, err := client.Call(context.Background(), MsgPowerEvent, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(payload))

	client.Close()
	require.NoError(t, <-serveDone)
}

// Round-trips a request over the vsock transport. Loopback vsock needs
// kernel support; skip when the host cannot provide it.
func TestVsockServerRoundTrip(t *testing.T) {
	handler := func(req *Request) ([]byte, error) {
		return req.Payload, nil
	}
	srv, err := NewVsockServer(0, handler, quietLogger())
	if err != nil {
		t.Skipf("vsock unavailable: %v", err)
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Close()
		<-serveDone
	})

	addr, ok := srv.Addr().(*vsock.Addr)
	require.True(t, ok, "listener address is %T, want *vsock.Addr", srv.Addr())
	conn, err := vsock.Dial(vsock.Local, addr.Port, nil)
	if err != nil {
		t.Skipf("vsock loopback unavailable: %v", err)
	}
	client := NewClient(conn, quietLogger())
	t.Cleanup(func() { client.Close() })

	payload, err := client.Call(context.Background(), MsgSuspend, []byte("over-vsock"))
	require.NoError(t, err)
	assert.Equal(t, "over-vsock", string(payload))
}
