package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetwire/meetwire/internal/v1/config"
	"github.com/meetwire/meetwire/internal/v1/meeting"
	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/ratelimit"
	"github.com/meetwire/meetwire/internal/v1/transfer"
	"github.com/meetwire/meetwire/internal/v1/types"
)

// startServer binds a real listener on an ephemeral port.
func startServer(t *testing.T, connRate string) (*Server, *env) {
	t.Helper()
	e := newEnv(t)

	limits, err := ratelimit.New(connRate, "1000-M")
	require.NoError(t, err)

	cfg := &config.Config{
		Host:          "127.0.0.1",
		TCPPort:       0,
		IdleTimeout:   2 * time.Second,
		MaxFrameBytes: config.DefaultMaxFrameBytes,
	}
	srv := NewServer(cfg, e.registry, e.disp, limits)
	require.NoError(t, srv.Listen())

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, <-serveDone)
	})
	return srv, e
}

func dial(t *testing.T, srv *Server) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, dec: protocol.NewDecoder(conn, 0)}
}

func TestServerAcceptsAndDispatches(t *testing.T) {
	srv, e := startServer(t, "100-M")

	p := dial(t, srv)
	p.send(&protocol.Message{Type: protocol.TypeCreateMeeting, Name: "Alice"})
	created := p.expect(protocol.TypeMeetingCreated)
	assert.True(t, types.MeetingCode(created.Code).Valid())

	meetings, participants := e.registry.Counts()
	assert.Equal(t, 1, meetings)
	assert.Equal(t, 1, participants)
}

func TestServerConnectionRateLimit(t *testing.T) {
	srv, _ := startServer(t, "2-H")

	// The first two connections from this IP are admitted, the third is
	// dropped on accept.
	a := dial(t, srv)
	a.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	a.expect(protocol.TypeHeartbeatAck)

	b := dial(t, srv)
	b.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	b.expect(protocol.TypeHeartbeatAck)

	c := dial(t, srv)
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	assert.Error(t, err, "rate-limited connection should be closed without a frame")
}

func TestServerShutdownDisconnectsClients(t *testing.T) {
	e := newEnv(t)
	limits, err := ratelimit.New("100-M", "100-M")
	require.NoError(t, err)
	cfg := &config.Config{
		Host:          "127.0.0.1",
		IdleTimeout:   2 * time.Second,
		MaxFrameBytes: config.DefaultMaxFrameBytes,
	}
	srv := NewServer(cfg, e.registry, e.disp, limits)
	require.NoError(t, srv.Listen())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(context.Background()) }()

	p := dial(t, srv)
	p.send(&protocol.Message{Type: protocol.TypeCreateMeeting, Name: "Alice"})
	p.expect(protocol.TypeMeetingCreated)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-serveDone)

	// The client observes the close and the registry is drained.
	p.expectClosed()
	_, participants := e.registry.Counts()
	assert.Zero(t, participants)
}

// Compile-time checks that the concrete types satisfy the dispatcher's and
// coordinator's dependency surfaces.
var (
	_ types.ClientInterface = (*Client)(nil)
	_ transfer.Messenger    = (*meeting.Registry)(nil)
)
