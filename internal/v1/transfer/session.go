package transfer

import (
	"sync"
	"time"

	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/types"
)

// MaxCwnd caps the congestion window regardless of ack growth.
const MaxCwnd = 64

// chunk is the server-held copy of one forwarded file chunk. The copy lives
// until every target has acknowledged it, so timeouts can retransmit without
// involving the sender.
type chunk struct {
	msg     *protocol.Message
	size    int
	sent    bool
	sentAt  time.Time
	retries int
	ackedBy map[types.ParticipantID]bool
}

func (c *chunk) fullyAcked(targets int) bool {
	return len(c.ackedBy) == targets
}

// session is the per-transfer congestion state. A unicast transfer has one
// target; a broadcast transfer snapshots the sender's co-members at start
// time. A chunk counts as acknowledged once every target has acked it.
type session struct {
	mu sync.Mutex

	id      uint64
	sender  types.ParticipantID
	targets []types.ParticipantID
	name    string
	size    int64

	cwnd     int
	ssthresh int
	inFlight int

	nextSeq     uint32 // next sequence expected from the sender
	chunks      []*chunk
	sendQ       []uint32 // admitted but waiting on window credit
	queuedBytes int64

	pendingEnd bool
	closed     bool
}

func newSession(id uint64, sender types.ParticipantID, targets []types.ParticipantID, name string, size int64, ssthresh int) *session {
	return &session{
		id:       id,
		sender:   sender,
		targets:  targets,
		name:     name,
		size:     size,
		cwnd:     1,
		ssthresh: ssthresh,
	}
}

// isTarget reports whether id is one of the session's receivers.
func (s *session) isTarget(id types.ParticipantID) bool {
	for _, t := range s.targets {
		if t == id {
			return true
		}
	}
	return false
}

// involves reports whether id is either end of the session.
func (s *session) involves(id types.ParticipantID) bool {
	return s.sender == id || s.isTarget(id)
}

// growWindow applies the ack-driven window update: exponential below
// ssthresh, linear above, clamped at MaxCwnd.
func (s *session) growWindow() {
	if s.cwnd < s.ssthresh {
		s.cwnd *= 2
	} else {
		s.cwnd++
	}
	if s.cwnd > MaxCwnd {
		s.cwnd = MaxCwnd
	}
}

// collapseWindow applies the timeout update: halve ssthresh, window back to
// one chunk.
func (s *session) collapseWindow() {
	s.ssthresh = s.cwnd / 2
	if s.ssthresh < 1 {
		s.ssthresh = 1
	}
	s.cwnd = 1
}

// allAcked reports whether every admitted chunk has been acked by every
// target and nothing is still queued.
func (s *session) allAcked() bool {
	if len(s.sendQ) > 0 {
		return false
	}
	for _, c := range s.chunks {
		if !c.fullyAcked(len(s.targets)) {
			return false
		}
	}
	return true
}

// oldestUnacked returns the lowest-sequence sent chunk still missing acks, or
// nil when none is outstanding.
func (s *session) oldestUnacked() *chunk {
	for _, c := range s.chunks {
		if c.sent && !c.fullyAcked(len(s.targets)) {
			return c
		}
	}
	return nil
}
