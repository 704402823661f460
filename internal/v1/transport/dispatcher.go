package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/meeting"
	"github.com/meetwire/meetwire/internal/v1/metrics"
	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/ratelimit"
	"github.com/meetwire/meetwire/internal/v1/transfer"
	"github.com/meetwire/meetwire/internal/v1/types"
)

// MediaRegistry is the relay surface the dispatcher touches: pre-registering
// datagram return addresses and forgetting departed participants.
type MediaRegistry interface {
	Register(id types.ParticipantID, addr net.Addr)
	Forget(id types.ParticipantID)
}

// Dispatcher runs the per-connection control state machine. One instance is
// shared by every connection; all shared state lives behind the registries.
type Dispatcher struct {
	registry  *meeting.Registry
	transfers *transfer.Coordinator
	media     MediaRegistry
	limits    *ratelimit.RateLimiter
}

func NewDispatcher(reg *meeting.Registry, co *transfer.Coordinator, media MediaRegistry, limits *ratelimit.RateLimiter) *Dispatcher {
	return &Dispatcher{registry: reg, transfers: co, media: media, limits: limits}
}

// Dispatch applies one inbound message to the connection's state. A non-nil
// return is a terminal protocol violation; the caller closes the connection.
// State errors are answered with an ERROR frame and keep the connection
// open.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, msg *protocol.Message) error {
	start := time.Now()
	err := d.dispatch(ctx, c, msg)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ControlMessages.WithLabelValues(msg.Type, status).Inc()
	metrics.DispatchDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, c *Client, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeCreateMeeting:
		d.handleCreateMeeting(ctx, c, msg)
	case protocol.TypeRequestJoin:
		d.handleRequestJoin(ctx, c, msg)
	case protocol.TypeAllowJoin:
		d.handleAdmission(ctx, c, msg, true)
	case protocol.TypeDenyJoin:
		d.handleAdmission(ctx, c, msg, false)
	case protocol.TypeChat:
		d.handleChat(ctx, c, msg)
	case protocol.TypeFileStart:
		d.handleFileStart(ctx, c, msg)
	case protocol.TypeFileChunk:
		return d.handleFileChunk(ctx, c, msg)
	case protocol.TypeFileAck:
		d.reply(c, d.transfers.Ack(ctx, c.GetID(), msg))
	case protocol.TypeFileEnd:
		d.reply(c, d.transfers.End(ctx, c.GetID(), msg))
	case protocol.TypeVideoStats:
		d.handleVideoStats(ctx, c, msg)
	case protocol.TypeLeave:
		d.leave(ctx, c.GetID())
	case protocol.TypeHeartbeat:
		c.Enqueue(&protocol.Message{Type: protocol.TypeHeartbeatAck, TS: time.Now().UnixMilli()})
	case protocol.TypeRegisterUDP:
		d.handleRegisterUDP(ctx, c, msg)
	case protocol.TypeCameraStatus:
		d.handleCameraStatus(ctx, c, msg)
	default:
		logging.Warn(ctx, "Unknown control message type discarded", zap.String("type", msg.Type))
	}
	return nil
}

// HandleDisconnect runs the idempotent lifecycle cleanup after the read loop
// exits: departure, transfer aborts, relay scrub.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, c *Client) {
	d.leave(ctx, c.GetID())
	c.Disconnect()
}

// leave removes the participant from its meeting and scrubs the transfer and
// relay state of everyone the departure unbound.
func (d *Dispatcher) leave(ctx context.Context, id types.ParticipantID) {
	for _, removed := range d.registry.Leave(ctx, id) {
		d.transfers.AbortForParticipant(ctx, removed)
		d.media.Forget(removed)
	}
}

func (d *Dispatcher) handleCreateMeeting(ctx context.Context, c *Client, msg *protocol.Message) {
	name := types.DisplayName(msg.Name)
	if err := name.Validate(); err != nil {
		c.Enqueue(protocol.StateError(err.Error()))
		return
	}
	if !d.limits.AllowJoin(ctx, uint32(c.GetID())) {
		c.Enqueue(protocol.ResourceError("too many meeting attempts, slow down"))
		return
	}

	c.SetDisplayName(name)
	code, err := d.registry.CreateMeeting(ctx, c)
	if err != nil {
		switch {
		case errors.Is(err, meeting.ErrCodesExhausted), errors.Is(err, meeting.ErrMeetingLimit):
			c.Enqueue(protocol.ResourceError(err.Error()))
		default:
			c.Enqueue(protocol.StateError(err.Error()))
		}
		return
	}
	c.Enqueue(&protocol.Message{
		Type:          protocol.TypeMeetingCreated,
		Code:          string(code),
		ParticipantID: uint32(c.GetID()),
	})
}

func (d *Dispatcher) handleRequestJoin(ctx context.Context, c *Client, msg *protocol.Message) {
	name := types.DisplayName(msg.Name)
	if err := name.Validate(); err != nil {
		c.Enqueue(protocol.StateError(err.Error()))
		return
	}
	code := types.MeetingCode(msg.Code)
	if !code.Valid() {
		c.Enqueue(protocol.StateError("meeting code must be six digits"))
		return
	}
	if !d.limits.AllowJoin(ctx, uint32(c.GetID())) {
		c.Enqueue(protocol.ResourceError("too many join attempts, slow down"))
		return
	}

	c.SetDisplayName(name)
	if err := d.registry.RequestJoin(ctx, code, c); err != nil {
		c.Enqueue(protocol.StateError(err.Error()))
		return
	}
	c.Enqueue(&protocol.Message{
		Type:          protocol.TypeJoinPending,
		Code:          string(code),
		ParticipantID: uint32(c.GetID()),
	})
}

func (d *Dispatcher) handleAdmission(ctx context.Context, c *Client, msg *protocol.Message, allow bool) {
	target := types.ParticipantID(msg.ParticipantID)
	var err error
	if allow {
		err = d.registry.Admit(ctx, c.GetID(), target)
	} else {
		err = d.registry.Deny(ctx, c.GetID(), target)
	}
	d.reply(c, err)
}

func (d *Dispatcher) handleChat(ctx context.Context, c *Client, msg *protocol.Message) {
	out := &protocol.Message{
		Type: protocol.TypeChatBroadcast,
		From: uint32(c.GetID()),
		Text: msg.Text,
		TS:   time.Now().UnixMilli(),
	}
	var err error
	if msg.To != 0 {
		out.To = msg.To
		err = d.registry.Unicast(c.GetID(), types.ParticipantID(msg.To), out)
	} else {
		err = d.registry.Broadcast(c.GetID(), out)
	}
	d.reply(c, err)
}

func (d *Dispatcher) handleFileStart(ctx context.Context, c *Client, msg *protocol.Message) {
	if msg.Size < 0 {
		c.Enqueue(protocol.StateError("file size must not be negative"))
		return
	}
	d.reply(c, d.transfers.Open(ctx, c.GetID(), msg))
}

// handleFileChunk is the one handler that can return a terminal error: an
// out-of-order or malformed chunk closes the sending connection.
func (d *Dispatcher) handleFileChunk(ctx context.Context, c *Client, msg *protocol.Message) error {
	err := d.transfers.Chunk(ctx, c.GetID(), msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transfer.ErrOutOfOrder),
		errors.Is(err, transfer.ErrBadChunkData),
		errors.Is(err, transfer.ErrChunkTooLarge):
		return err
	case errors.Is(err, transfer.ErrQueueOverflow):
		c.Enqueue(protocol.ResourceError(err.Error()))
		return nil
	default:
		c.Enqueue(protocol.StateError(err.Error()))
		return nil
	}
}

func (d *Dispatcher) handleVideoStats(ctx context.Context, c *Client, msg *protocol.Message) {
	target := types.ParticipantID(msg.FromMediaSender)
	update := &protocol.Message{
		Type:            protocol.TypeVideoStatsUpdate,
		From:            uint32(c.GetID()),
		FromMediaSender: msg.FromMediaSender,
		Loss:            msg.Loss,
		RTTMs:           msg.RTTMs,
		FPS:             msg.FPS,
		BitrateKbps:     msg.BitrateKbps,
	}
	d.reply(c, d.registry.Unicast(c.GetID(), target, update))
}

func (d *Dispatcher) handleRegisterUDP(ctx context.Context, c *Client, msg *protocol.Message) {
	if msg.UDPPort < 1 || msg.UDPPort > 65535 {
		c.Enqueue(protocol.StateError("udpPort must be 1..65535"))
		return
	}
	if !d.registry.IsAdmitted(c.GetID()) {
		c.Enqueue(protocol.StateError("join a meeting before registering a media address"))
		return
	}

	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		c.Enqueue(protocol.StateError("cannot resolve connection address"))
		return
	}
	ip := net.ParseIP(host)
	if ip == nil {
		c.Enqueue(protocol.StateError("cannot resolve connection address"))
		return
	}

	d.media.Register(c.GetID(), &net.UDPAddr{IP: ip, Port: msg.UDPPort})
	logging.Info(ctx, "Media address pre-registered",
		zap.String("ip", host), zap.Int("port", msg.UDPPort))
}

func (d *Dispatcher) handleCameraStatus(ctx context.Context, c *Client, msg *protocol.Message) {
	c.SetIsCameraOn(msg.CameraOn)
	c.SetIsMuted(msg.Muted)
	d.reply(c, d.registry.Broadcast(c.GetID(), &protocol.Message{
		Type:          protocol.TypeCameraStatusBroadcast,
		ParticipantID: uint32(c.GetID()),
		CameraOn:      msg.CameraOn,
		Muted:         msg.Muted,
	}))
}

// reply translates a handler error into a non-terminal ERROR frame.
func (d *Dispatcher) reply(c *Client, err error) {
	if err != nil {
		c.Enqueue(protocol.StateError(err.Error()))
	}
}
