package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meetwire/meetwire/internal/v1/config"
	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/metrics"
	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/types"
)

var (
	ErrDuplicateTransfer = errors.New("transfer id already in use")
	ErrUnknownTransfer   = errors.New("no open session for transfer id")
	ErrNotYourTransfer   = errors.New("participant is not an endpoint of this transfer")
	ErrUnknownTarget     = errors.New("transfer target is not a co-member")
	ErrNoTargets         = errors.New("transfer has no reachable targets")
	ErrOutOfOrder        = errors.New("chunk sequence out of order")
	ErrUnknownChunk      = errors.New("ack references an unknown chunk")
	ErrBadChunkData      = errors.New("chunk payload is not valid base64")
	ErrChunkTooLarge     = errors.New("chunk payload exceeds the chunk size limit")
	ErrQueueOverflow     = errors.New("session queue limit exceeded")
)

// Messenger is the delivery surface the coordinator needs from the meeting
// layer. Notify bypasses membership checks so aborts still reach the
// surviving end after a departure.
type Messenger interface {
	Notify(id types.ParticipantID, msg *protocol.Message) bool
	CoMembers(id types.ParticipantID) []types.ParticipantID
}

// Options tunes the congestion controller. Zero values fall back to the
// server defaults.
type Options struct {
	InitialSsthresh   int
	BaseChunkBytes    int
	AckTimeout        time.Duration
	MaxRetries        int
	SessionQueueBytes int64
	SweepInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialSsthresh <= 0 {
		o.InitialSsthresh = config.DefaultInitialSsthresh
	}
	if o.BaseChunkBytes <= 0 {
		o.BaseChunkBytes = config.DefaultBaseChunkBytes
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = config.DefaultAckTimeoutMs * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = config.DefaultMaxRetries
	}
	if o.SessionQueueBytes <= 0 {
		o.SessionQueueBytes = config.DefaultSessionQueueBytes
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 100 * time.Millisecond
	}
	return o
}

// Coordinator owns every open transfer session and paces chunk forwarding
// between endpoints with an application-layer Reno policy: slow start below
// ssthresh, linear growth above it, collapse to one chunk on timeout. The
// table lock guards only insertion, removal and lookup; each session carries
// its own lock.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[uint64]*session

	peers Messenger
	opts  Options

	stop chan struct{}
	done chan struct{}
}

func NewCoordinator(peers Messenger, opts Options) *Coordinator {
	return &Coordinator{
		sessions: make(map[uint64]*session),
		peers:    peers,
		opts:     opts.withDefaults(),
	}
}

// Start launches the periodic timeout sweep. Stop must be called to release
// it.
func (co *Coordinator) Start() {
	co.stop = make(chan struct{})
	co.done = make(chan struct{})
	go func() {
		defer close(co.done)
		ticker := time.NewTicker(co.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-co.stop:
				return
			case now := <-ticker.C:
				co.sweepOnce(context.Background(), now)
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (co *Coordinator) Stop() {
	if co.stop == nil {
		return
	}
	close(co.stop)
	<-co.done
}

// Open creates a session for a FILE_START and forwards it to the target, or
// to every co-member when no target is named.
func (co *Coordinator) Open(ctx context.Context, sender types.ParticipantID, msg *protocol.Message) error {
	members := co.peers.CoMembers(sender)

	var targets []types.ParticipantID
	if msg.To != 0 {
		to := types.ParticipantID(msg.To)
		found := false
		for _, m := range members {
			if m == to {
				found = true
				break
			}
		}
		if !found {
			return ErrUnknownTarget
		}
		targets = []types.ParticipantID{to}
	} else {
		targets = members
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}

	s := newSession(msg.TransferID, sender, targets, msg.Name, msg.Size, co.opts.InitialSsthresh)

	co.mu.Lock()
	if _, taken := co.sessions[msg.TransferID]; taken {
		co.mu.Unlock()
		return ErrDuplicateTransfer
	}
	co.sessions[msg.TransferID] = s
	co.mu.Unlock()

	fwd := &protocol.Message{
		Type:       protocol.TypeFileStartForward,
		TransferID: msg.TransferID,
		Name:       msg.Name,
		Size:       msg.Size,
		From:       uint32(sender),
	}
	for _, t := range targets {
		co.peers.Notify(t, fwd)
	}

	metrics.ActiveTransferSessions.Inc()
	logging.Info(ctx, "Transfer opened",
		zap.Uint64("transferId", msg.TransferID),
		zap.Uint32("sender", uint32(sender)),
		zap.Int("targets", len(targets)),
		zap.Int64("size", msg.Size))
	return nil
}

// Chunk admits one FILE_CHUNK from the sender. It is forwarded immediately
// while the window has credit and queued otherwise. Sequences must arrive
// strictly ascending from zero; a gap or repeat aborts the session and is
// terminal for the sending connection.
func (co *Coordinator) Chunk(ctx context.Context, sender types.ParticipantID, msg *protocol.Message) error {
	s, ok := co.lookup(msg.TransferID)
	if !ok {
		return ErrUnknownTransfer
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnknownTransfer
	}
	if s.sender != sender {
		s.mu.Unlock()
		return ErrNotYourTransfer
	}
	if msg.Seq != s.nextSeq {
		s.mu.Unlock()
		co.abort(ctx, s, protocol.AbortReasonProtocol)
		return ErrOutOfOrder
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		s.mu.Unlock()
		return ErrBadChunkData
	}
	if len(raw) > co.opts.BaseChunkBytes {
		s.mu.Unlock()
		return ErrChunkTooLarge
	}

	c := &chunk{
		msg: &protocol.Message{
			Type:       protocol.TypeFileChunkForward,
			TransferID: msg.TransferID,
			Seq:        msg.Seq,
			Data:       msg.Data,
			From:       uint32(sender),
		},
		size:    len(raw),
		ackedBy: make(map[types.ParticipantID]bool),
	}
	s.chunks = append(s.chunks, c)
	s.nextSeq++

	if s.inFlight < s.cwnd {
		co.forwardLocked(s, c)
	} else {
		s.sendQ = append(s.sendQ, msg.Seq)
		s.queuedBytes += int64(c.size)
		if s.queuedBytes > co.opts.SessionQueueBytes {
			s.mu.Unlock()
			co.abort(ctx, s, protocol.AbortReasonOverflow)
			return ErrQueueOverflow
		}
	}
	s.mu.Unlock()
	return nil
}

// Ack credits the window for a FILE_ACK from a receiver. A chunk counts as
// acknowledged once every target has acked it; the ack is then forwarded to
// the sender and queued chunks flush up to the new credit.
func (co *Coordinator) Ack(ctx context.Context, receiver types.ParticipantID, msg *protocol.Message) error {
	s, ok := co.lookup(msg.TransferID)
	if !ok {
		return ErrUnknownTransfer
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnknownTransfer
	}
	if !s.isTarget(receiver) {
		s.mu.Unlock()
		return ErrNotYourTransfer
	}
	if int(msg.Seq) >= len(s.chunks) {
		s.mu.Unlock()
		return ErrUnknownChunk
	}

	c := s.chunks[msg.Seq]
	if c.ackedBy[receiver] {
		s.mu.Unlock()
		return nil
	}
	c.ackedBy[receiver] = true
	if !c.fullyAcked(len(s.targets)) {
		s.mu.Unlock()
		return nil
	}

	s.inFlight--
	s.growWindow()
	co.peers.Notify(s.sender, &protocol.Message{
		Type:       protocol.TypeFileAckForward,
		TransferID: s.id,
		Seq:        msg.Seq,
	})
	co.flushLocked(s)

	finish := s.pendingEnd && s.allAcked()
	s.mu.Unlock()

	if finish {
		co.complete(ctx, s)
	}
	return nil
}

// End closes the session once every chunk is acknowledged. An END arriving
// while chunks are still outstanding is held and applied on the final ack.
func (co *Coordinator) End(ctx context.Context, sender types.ParticipantID, msg *protocol.Message) error {
	s, ok := co.lookup(msg.TransferID)
	if !ok {
		return ErrUnknownTransfer
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrUnknownTransfer
	}
	if s.sender != sender {
		s.mu.Unlock()
		return ErrNotYourTransfer
	}
	if !s.allAcked() {
		s.pendingEnd = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	co.complete(ctx, s)
	return nil
}

// AbortForParticipant aborts every session the participant is an endpoint
// of. Called on departure and on disconnect.
func (co *Coordinator) AbortForParticipant(ctx context.Context, id types.ParticipantID) {
	co.mu.Lock()
	var involved []*session
	for _, s := range co.sessions {
		if s.involves(id) {
			involved = append(involved, s)
		}
	}
	co.mu.Unlock()

	for _, s := range involved {
		co.abort(ctx, s, protocol.AbortReasonDeparture)
	}
}

// ActiveSessions returns the number of open sessions.
func (co *Coordinator) ActiveSessions() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.sessions)
}

func (co *Coordinator) lookup(id uint64) (*session, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	s, ok := co.sessions[id]
	return s, ok
}

func (co *Coordinator) remove(id uint64) {
	co.mu.Lock()
	delete(co.sessions, id)
	co.mu.Unlock()
}

// forwardLocked sends one chunk to every target that has not acked it yet.
// Caller holds s.mu.
func (co *Coordinator) forwardLocked(s *session, c *chunk) {
	for _, t := range s.targets {
		if !c.ackedBy[t] {
			co.peers.Notify(t, c.msg)
		}
	}
	if !c.sent {
		c.sent = true
		s.inFlight++
	}
	c.sentAt = time.Now()
}

// flushLocked drains the per-session queue up to the current window credit.
// Caller holds s.mu.
func (co *Coordinator) flushLocked(s *session) {
	for len(s.sendQ) > 0 && s.inFlight < s.cwnd {
		seq := s.sendQ[0]
		s.sendQ = s.sendQ[1:]
		c := s.chunks[seq]
		s.queuedBytes -= int64(c.size)
		co.forwardLocked(s, c)
	}
}

// sweepOnce walks every open session and fires at most one timeout per
// session: collapse the window, retransmit the oldest unacked chunk, and
// abort once a chunk exhausts its retry budget.
func (co *Coordinator) sweepOnce(ctx context.Context, now time.Time) {
	co.mu.Lock()
	open := make([]*session, 0, len(co.sessions))
	for _, s := range co.sessions {
		open = append(open, s)
	}
	co.mu.Unlock()

	for _, s := range open {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		c := s.oldestUnacked()
		if c == nil || now.Sub(c.sentAt) < co.opts.AckTimeout {
			s.mu.Unlock()
			continue
		}
		c.retries++
		if c.retries > co.opts.MaxRetries {
			s.mu.Unlock()
			co.abort(ctx, s, protocol.AbortReasonTimeout)
			continue
		}
		s.collapseWindow()
		co.forwardLocked(s, c)
		c.sentAt = now
		seq, retries, cwnd, ssthresh := c.msg.Seq, c.retries, s.cwnd, s.ssthresh
		s.mu.Unlock()

		metrics.TransferRetransmits.Inc()
		logging.Warn(ctx, "Transfer chunk retransmitted",
			zap.Uint64("transferId", s.id),
			zap.Uint32("seq", seq),
			zap.Int("retries", retries),
			zap.Int("cwnd", cwnd),
			zap.Int("ssthresh", ssthresh))
	}
}

// complete forwards FILE_END to the targets and frees the session.
func (co *Coordinator) complete(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	end := &protocol.Message{
		Type:       protocol.TypeFileEndForward,
		TransferID: s.id,
		From:       uint32(s.sender),
	}
	for _, t := range s.targets {
		co.peers.Notify(t, end)
	}
	s.mu.Unlock()

	co.remove(s.id)
	metrics.ActiveTransferSessions.Dec()
	logging.Info(ctx, "Transfer completed",
		zap.Uint64("transferId", s.id),
		zap.Uint32("sender", uint32(s.sender)))
}

// abort notifies both ends with FILE_ABORT and frees the session.
func (co *Coordinator) abort(ctx context.Context, s *session, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	msg := &protocol.Message{
		Type:       protocol.TypeFileAbort,
		TransferID: s.id,
		Reason:     reason,
	}
	co.peers.Notify(s.sender, msg)
	for _, t := range s.targets {
		co.peers.Notify(t, msg)
	}
	s.mu.Unlock()

	co.remove(s.id)
	metrics.ActiveTransferSessions.Dec()
	metrics.TransferAborts.WithLabelValues(reason).Inc()
	logging.Warn(ctx, "Transfer aborted",
		zap.Uint64("transferId", s.id),
		zap.String("reason", reason))
}
