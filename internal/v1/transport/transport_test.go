package transport

import (
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meetwire/meetwire/internal/v1/meeting"
	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/ratelimit"
	"github.com/meetwire/meetwire/internal/v1/transfer"
	"github.com/meetwire/meetwire/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// addrConn overrides the pipe's placeholder address with a TCP-shaped one so
// REGISTER_UDP can resolve the connection's IP.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (a *addrConn) RemoteAddr() net.Addr { return a.remote }

type fakeMedia struct {
	mu        sync.Mutex
	registers map[types.ParticipantID]net.Addr
	forgotten []types.ParticipantID
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{registers: make(map[types.ParticipantID]net.Addr)}
}

func (f *fakeMedia) Register(id types.ParticipantID, addr net.Addr) {
	f.mu.Lock()
	f.registers[id] = addr
	f.mu.Unlock()
}

func (f *fakeMedia) Forget(id types.ParticipantID) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, id)
	f.mu.Unlock()
}

type env struct {
	t        *testing.T
	registry *meeting.Registry
	co       *transfer.Coordinator
	media    *fakeMedia
	disp     *Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := meeting.NewRegistry(0)
	media := newFakeMedia()
	co := transfer.NewCoordinator(reg, transfer.Options{})
	limits, err := ratelimit.New("1000-M", "1000-M")
	require.NoError(t, err)
	return &env{
		t:        t,
		registry: reg,
		co:       co,
		media:    media,
		disp:     NewDispatcher(reg, co, media, limits),
	}
}

// peer is the client side of one control connection.
type peer struct {
	t    *testing.T
	id   types.ParticipantID
	conn net.Conn
	dec  *protocol.Decoder
}

// connect wires a pipe through a real Client with live pumps, the way the
// accept loop does.
func (e *env) connect() *peer {
	return e.connectIdle(2 * time.Second)
}

func (e *env) connectIdle(idle time.Duration) *peer {
	e.t.Helper()
	serverSide, clientSide := net.Pipe()
	wrapped := &addrConn{Conn: serverSide, remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}}

	id := e.registry.AllocateID()
	c := NewClient(id, wrapped, idle, 0)
	ctx := correlatedContext(id)

	done := make(chan struct{})
	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		c.writePump(ctx)
	}()
	go func() {
		c.readLoop(ctx, e.disp)
		e.disp.HandleDisconnect(ctx, c)
		pumps.Wait()
		close(done)
	}()

	e.t.Cleanup(func() {
		clientSide.Close()
		c.Disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			e.t.Error("connection goroutines did not stop")
		}
	})

	return &peer{t: e.t, id: id, conn: clientSide, dec: protocol.NewDecoder(clientSide, 0)}
}

func (p *peer) send(msg *protocol.Message) {
	p.t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(p.t, err)
	p.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err = p.conn.Write(frame)
	require.NoError(p.t, err)
}

// sendRaw writes arbitrary bytes, for malformed-frame tests.
func (p *peer) sendRaw(body []byte) {
	p.t.Helper()
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	p.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := p.conn.Write(frame)
	require.NoError(p.t, err)
}

func (p *peer) recv() *protocol.Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(time.Second))
	msg, err := p.dec.Next()
	require.NoError(p.t, err)
	return msg
}

func (p *peer) expect(msgType string) *protocol.Message {
	p.t.Helper()
	msg := p.recv()
	require.Equal(p.t, msgType, msg.Type, "unexpected message %+v", msg)
	return msg
}

func (p *peer) expectClosed() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, err := p.dec.Next(); err != nil {
			require.ErrorIs(p.t, err, io.EOF)
			return
		}
	}
}

// hostAndMember runs the full admission flow and returns both ends admitted
// to one meeting.
func (e *env) hostAndMember() (host, member *peer, code string) {
	e.t.Helper()
	host = e.connect()
	host.send(&protocol.Message{Type: protocol.TypeCreateMeeting, Name: "Alice"})
	created := host.expect(protocol.TypeMeetingCreated)
	code = created.Code

	member = e.connect()
	member.send(&protocol.Message{Type: protocol.TypeRequestJoin, Code: code, Name: "Bob"})
	member.expect(protocol.TypeJoinPending)
	req := host.expect(protocol.TypeJoinRequest)

	host.send(&protocol.Message{Type: protocol.TypeAllowJoin, ParticipantID: req.ParticipantID})
	member.expect(protocol.TypeJoinAccepted)
	host.expect(protocol.TypeMemberJoined)
	return host, member, code
}

func TestCreateMeeting(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.send(&protocol.Message{Type: protocol.TypeCreateMeeting, Name: "Alice"})
	created := p.expect(protocol.TypeMeetingCreated)

	assert.True(t, types.MeetingCode(created.Code).Valid())
	assert.Equal(t, uint32(p.id), created.ParticipantID)
}

func TestCreateMeetingRejectsBadName(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.send(&protocol.Message{Type: protocol.TypeCreateMeeting, Name: ""})
	errMsg := p.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindState, errMsg.Kind)

	// The connection survives a state error.
	p.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	p.expect(protocol.TypeHeartbeatAck)
}

func TestJoinAdmissionFlow(t *testing.T) {
	e := newEnv(t)
	host := e.connect()
	host.send(&protocol.Message{Type: protocol.TypeCreateMeeting, Name: "Alice"})
	code := host.expect(protocol.TypeMeetingCreated).Code

	member := e.connect()
	member.send(&protocol.Message{Type: protocol.TypeRequestJoin, Code: code, Name: "Bob"})
	pending := member.expect(protocol.TypeJoinPending)
	assert.Equal(t, code, pending.Code)

	req := host.expect(protocol.TypeJoinRequest)
	assert.Equal(t, uint32(member.id), req.ParticipantID)
	assert.Equal(t, "Bob", req.Name)

	host.send(&protocol.Message{Type: protocol.TypeAllowJoin, ParticipantID: req.ParticipantID})
	accepted := member.expect(protocol.TypeJoinAccepted)
	assert.Equal(t, code, accepted.Code)

	joined := host.expect(protocol.TypeMemberJoined)
	assert.Equal(t, uint32(member.id), joined.ParticipantID)
}

func TestDenyJoin(t *testing.T) {
	e := newEnv(t)
	host := e.connect()
	host.send(&protocol.Message{Type: protocol.TypeCreateMeeting, Name: "Alice"})
	code := host.expect(protocol.TypeMeetingCreated).Code

	member := e.connect()
	member.send(&protocol.Message{Type: protocol.TypeRequestJoin, Code: code, Name: "Bob"})
	member.expect(protocol.TypeJoinPending)
	req := host.expect(protocol.TypeJoinRequest)

	host.send(&protocol.Message{Type: protocol.TypeDenyJoin, ParticipantID: req.ParticipantID})
	member.expect(protocol.TypeJoinRejected)

	// The denied client is unbound again; a retry against a dead code is a
	// state error, not a dead connection.
	member.send(&protocol.Message{Type: protocol.TypeRequestJoin, Code: "000001", Name: "Bob"})
	errMsg := member.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindState, errMsg.Kind)
}

func TestJoinUnknownCode(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.send(&protocol.Message{Type: protocol.TypeRequestJoin, Code: "999999", Name: "Bob"})
	errMsg := p.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindState, errMsg.Kind)

	p.send(&protocol.Message{Type: protocol.TypeRequestJoin, Code: "12a", Name: "Bob"})
	errMsg = p.expect(protocol.TypeError)
	assert.Contains(t, errMsg.Reason, "six digits")
}

func TestChatBroadcastAndUnicast(t *testing.T) {
	e := newEnv(t)
	host, member, _ := e.hostAndMember()

	member.send(&protocol.Message{Type: protocol.TypeChat, Text: "hello all"})
	chat := host.expect(protocol.TypeChatBroadcast)
	assert.Equal(t, uint32(member.id), chat.From)
	assert.Equal(t, "hello all", chat.Text)
	assert.NotZero(t, chat.TS)

	host.send(&protocol.Message{Type: protocol.TypeChat, To: uint32(member.id), Text: "psst"})
	direct := member.expect(protocol.TypeChatBroadcast)
	assert.Equal(t, uint32(host.id), direct.From)
	assert.Equal(t, "psst", direct.Text)
}

func TestChatOutsideMeeting(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.send(&protocol.Message{Type: protocol.TypeChat, Text: "anyone?"})
	errMsg := p.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindState, errMsg.Kind)
}

func TestVideoStatsForwarding(t *testing.T) {
	e := newEnv(t)
	host, member, _ := e.hostAndMember()

	member.send(&protocol.Message{
		Type:            protocol.TypeVideoStats,
		FromMediaSender: uint32(host.id),
		Loss:            12.5,
		RTTMs:           310,
		FPS:             15,
		BitrateKbps:     800,
	})
	update := host.expect(protocol.TypeVideoStatsUpdate)
	assert.Equal(t, uint32(member.id), update.From)
	assert.Equal(t, 12.5, update.Loss)
	assert.Equal(t, float64(310), update.RTTMs)
	assert.Equal(t, 15, update.FPS)
	assert.Equal(t, 800, update.BitrateKbps)
}

func TestCameraStatusBroadcast(t *testing.T) {
	e := newEnv(t)
	host, member, _ := e.hostAndMember()

	member.send(&protocol.Message{Type: protocol.TypeCameraStatus, CameraOn: true, Muted: true})
	status := host.expect(protocol.TypeCameraStatusBroadcast)
	assert.Equal(t, uint32(member.id), status.ParticipantID)
	assert.True(t, status.CameraOn)
	assert.True(t, status.Muted)
}

func TestRegisterUDP(t *testing.T) {
	e := newEnv(t)
	_, member, _ := e.hostAndMember()

	member.send(&protocol.Message{Type: protocol.TypeRegisterUDP, UDPPort: 6001})
	member.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	member.expect(protocol.TypeHeartbeatAck)

	e.media.mu.Lock()
	addr := e.media.registers[member.id]
	e.media.mu.Unlock()
	require.NotNil(t, addr)
	assert.Equal(t, "127.0.0.1:6001", addr.String())
}

func TestRegisterUDPRequiresMeeting(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.send(&protocol.Message{Type: protocol.TypeRegisterUDP, UDPPort: 6001})
	errMsg := p.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindState, errMsg.Kind)
}

func TestLeaveBroadcastsMemberLeft(t *testing.T) {
	e := newEnv(t)
	host, member, _ := e.hostAndMember()

	member.send(&protocol.Message{Type: protocol.TypeLeave})
	left := host.expect(protocol.TypeMemberLeft)
	assert.Equal(t, uint32(member.id), left.ParticipantID)

	// The connection stays open and unbound.
	member.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	member.expect(protocol.TypeHeartbeatAck)
}

func TestHostDisconnectDissolvesMeeting(t *testing.T) {
	e := newEnv(t)
	host, member, code := e.hostAndMember()

	host.conn.Close()
	closed := member.expect(protocol.TypeMeetingClosed)
	assert.Equal(t, code, closed.Code)

	_, ok := e.registry.LookupByCode(types.MeetingCode(code))
	assert.False(t, ok)
}

func TestFileTransferFlow(t *testing.T) {
	e := newEnv(t)
	host, member, _ := e.hostAndMember()
	data := base64.StdEncoding.EncodeToString([]byte("chunk-0"))

	host.send(&protocol.Message{
		Type: protocol.TypeFileStart, TransferID: 7,
		To: uint32(member.id), Name: "x.bin", Size: 7,
	})
	start := member.expect(protocol.TypeFileStartForward)
	assert.Equal(t, uint64(7), start.TransferID)
	assert.Equal(t, "x.bin", start.Name)

	host.send(&protocol.Message{Type: protocol.TypeFileChunk, TransferID: 7, Seq: 0, Data: data})
	fwd := member.expect(protocol.TypeFileChunkForward)
	assert.Equal(t, data, fwd.Data)

	member.send(&protocol.Message{Type: protocol.TypeFileAck, TransferID: 7, Seq: 0})
	ack := host.expect(protocol.TypeFileAckForward)
	assert.Equal(t, uint32(0), ack.Seq)

	host.send(&protocol.Message{Type: protocol.TypeFileEnd, TransferID: 7})
	member.expect(protocol.TypeFileEndForward)
	assert.Zero(t, e.co.ActiveSessions())
}

func TestOutOfOrderChunkClosesConnection(t *testing.T) {
	e := newEnv(t)
	host, member, _ := e.hostAndMember()
	data := base64.StdEncoding.EncodeToString([]byte("x"))

	host.send(&protocol.Message{
		Type: protocol.TypeFileStart, TransferID: 1,
		To: uint32(member.id), Name: "x.bin", Size: 1,
	})
	member.expect(protocol.TypeFileStartForward)

	host.send(&protocol.Message{Type: protocol.TypeFileChunk, TransferID: 1, Seq: 5, Data: data})

	// The session abort is enqueued during dispatch, so the sender sees
	// FILE_ABORT before the terminal ERROR.
	abort := host.expect(protocol.TypeFileAbort)
	assert.Equal(t, protocol.AbortReasonProtocol, abort.Reason)
	errMsg := host.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindProtocol, errMsg.Kind)
	host.expectClosed()

	abort = member.expect(protocol.TypeFileAbort)
	assert.Equal(t, protocol.AbortReasonProtocol, abort.Reason)
}

func TestDisconnectAbortsTransfers(t *testing.T) {
	e := newEnv(t)
	host, member, _ := e.hostAndMember()

	host.send(&protocol.Message{
		Type: protocol.TypeFileStart, TransferID: 2,
		To: uint32(member.id), Name: "x.bin", Size: 10,
	})
	member.expect(protocol.TypeFileStartForward)

	// The sender vanishes mid-transfer; dissolution aborts the session
	// before the receiver's membership is torn down.
	host.conn.Close()
	require.Eventually(t, func() bool { return e.co.ActiveSessions() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestUnknownTypeIgnored(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.send(&protocol.Message{Type: "SOMETHING_NEW"})
	p.send(&protocol.Message{Type: protocol.TypeHeartbeat})
	p.expect(protocol.TypeHeartbeatAck)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.sendRaw([]byte("{not json"))
	errMsg := p.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindProtocol, errMsg.Kind)
	p.expectClosed()
}

func TestMissingTypeClosesConnection(t *testing.T) {
	e := newEnv(t)
	p := e.connect()

	p.sendRaw([]byte(`{"text":"no type"}`))
	errMsg := p.expect(protocol.TypeError)
	assert.Equal(t, protocol.ErrKindProtocol, errMsg.Kind)
	p.expectClosed()
}

func TestIdleConnectionCloses(t *testing.T) {
	e := newEnv(t)
	p := e.connectIdle(50 * time.Millisecond)

	p.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := p.dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDisconnectScrubsMediaState(t *testing.T) {
	e := newEnv(t)
	_, member, _ := e.hostAndMember()

	member.conn.Close()
	require.Eventually(t, func() bool {
		e.media.mu.Lock()
		defer e.media.mu.Unlock()
		for _, id := range e.media.forgotten {
			if id == member.id {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
