package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/types"
)

// sendQueueDepth bounds the per-connection outbound queue. A peer that
// cannot drain this many frames is considered dead and its connection is
// closed rather than letting producers block.
const sendQueueDepth = 256

// writeTimeout caps a single outbound frame write.
const writeTimeout = 10 * time.Second

// Client is one control connection. A read goroutine decodes frames and runs
// the dispatcher serially; a write goroutine drains the bounded send queue.
// Enqueue never blocks, so registry broadcasts can run under lock.
type Client struct {
	id   types.ParticipantID
	conn net.Conn

	sendQ  chan *protocol.Message
	closed chan struct{}
	once   sync.Once

	idleTimeout time.Duration
	maxFrame    int

	mu       sync.Mutex
	name     types.DisplayName
	state    types.ConnState
	code     types.MeetingCode
	muted    bool
	cameraOn bool
}

func NewClient(id types.ParticipantID, conn net.Conn, idleTimeout time.Duration, maxFrame int) *Client {
	return &Client{
		id:          id,
		conn:        conn,
		sendQ:       make(chan *protocol.Message, sendQueueDepth),
		closed:      make(chan struct{}),
		idleTimeout: idleTimeout,
		maxFrame:    maxFrame,
		state:       types.StateUnbound,
	}
}

func (c *Client) GetID() types.ParticipantID { return c.id }

func (c *Client) GetDisplayName() types.DisplayName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) SetDisplayName(n types.DisplayName) {
	c.mu.Lock()
	c.name = n
	c.mu.Unlock()
}

func (c *Client) GetState() types.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SetState(s types.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) GetMeetingCode() types.MeetingCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Client) SetMeetingCode(code types.MeetingCode) {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
}

func (c *Client) GetIsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Client) SetIsMuted(v bool) {
	c.mu.Lock()
	c.muted = v
	c.mu.Unlock()
}

func (c *Client) GetIsCameraOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraOn
}

func (c *Client) SetIsCameraOn(v bool) {
	c.mu.Lock()
	c.cameraOn = v
	c.mu.Unlock()
}

// RemoteAddr returns the peer address of the control connection.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Enqueue queues one outbound frame without blocking. When the queue is full
// the peer is too slow to keep and the connection is closed.
func (c *Client) Enqueue(msg *protocol.Message) {
	select {
	case c.sendQ <- msg:
	case <-c.closed:
	default:
		logging.Warn(context.Background(), "Send queue overflow, closing connection",
			zap.Uint32("participantId", uint32(c.id)))
		c.Disconnect()
	}
}

// Disconnect closes the connection once; both pumps observe it and exit.
func (c *Client) Disconnect() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// writePump drains the send queue onto the socket until the connection
// closes.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.sendQ:
			frame, err := protocol.Encode(msg)
			if err != nil {
				logging.Error(ctx, "Frame encode failed", zap.Error(err), zap.String("type", msg.Type))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(frame); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logging.Warn(ctx, "Frame write failed", zap.Error(err))
				}
				c.Disconnect()
				return
			}
		}
	}
}

// readLoop decodes frames and hands them to the dispatcher serially. Each
// inbound frame refreshes the idle deadline. It returns when the stream
// ends, the idle deadline fires, or a terminal protocol error occurs.
func (c *Client) readLoop(ctx context.Context, d *Dispatcher) {
	dec := protocol.NewDecoder(c.conn, c.maxFrame)
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		msg, err := dec.Next()
		if err != nil {
			c.closeOnReadError(ctx, err)
			return
		}
		if err := d.Dispatch(ctx, c, msg); err != nil {
			// Terminal protocol violation: best-effort ERROR, then close.
			c.Enqueue(protocol.ProtocolError(err.Error()))
			time.Sleep(50 * time.Millisecond)
			c.Disconnect()
			return
		}
	}
}

func (c *Client) closeOnReadError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		// Clean end of stream.
	case isTimeout(err):
		logging.Info(ctx, "Connection idle, closing")
	default:
		// Oversized frame, missing type, malformed JSON, or a transport
		// failure. Best-effort ERROR, then close.
		logging.Warn(ctx, "Closing connection on protocol error", zap.Error(err))
		c.Enqueue(protocol.ProtocolError(err.Error()))
		time.Sleep(50 * time.Millisecond)
	}
	c.Disconnect()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// correlatedContext builds the logging context for one connection.
func correlatedContext(id types.ParticipantID) context.Context {
	ctx := logging.WithCorrelationID(context.Background(), uuid.NewString())
	return logging.WithParticipant(ctx, uint32(id))
}
