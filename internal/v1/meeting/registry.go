package meeting

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/metrics"
	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/types"
)

// codeRetryLimit bounds rejection sampling for fresh meeting codes.
const codeRetryLimit = 64

var (
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrNotHost         = errors.New("caller is not the meeting host")
	ErrNotWaiting      = errors.New("participant is not in the waiting set")
	ErrAlreadyBound    = errors.New("participant is already bound to a meeting")
	ErrCodesExhausted  = errors.New("meeting code space exhausted, try again")
	ErrMeetingLimit    = errors.New("live meeting limit reached")
	ErrNotInMeeting    = errors.New("participant is not in a meeting")
)

// Registry exclusively owns all meetings and participants. Every membership
// mutation happens under one registry-wide lock; broadcasts enqueue to member
// write queues inside the same critical section so a freshly admitted member
// never misses a later broadcast and never sees an earlier one.
type Registry struct {
	mu       sync.RWMutex
	meetings map[types.MeetingCode]*Meeting
	clients  map[types.ParticipantID]types.ClientInterface
	byClient map[types.ParticipantID]types.MeetingCode

	nextID      types.ParticipantID
	maxMeetings int
}

// NewRegistry creates an empty registry. maxMeetings of zero means unlimited.
func NewRegistry(maxMeetings int) *Registry {
	return &Registry{
		meetings:    make(map[types.MeetingCode]*Meeting),
		clients:     make(map[types.ParticipantID]types.ClientInterface),
		byClient:    make(map[types.ParticipantID]types.MeetingCode),
		maxMeetings: maxMeetings,
	}
}

// AllocateID hands out the next participant id. Ids are never reused within a
// process lifetime.
func (r *Registry) AllocateID() types.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// CreateMeeting creates a meeting hosted by the given client and returns the
// fresh six-digit code.
func (r *Registry) CreateMeeting(ctx context.Context, host types.ClientInterface) (types.MeetingCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.byClient[host.GetID()]; bound {
		return "", ErrAlreadyBound
	}
	if r.maxMeetings > 0 && len(r.meetings) >= r.maxMeetings {
		return "", ErrMeetingLimit
	}

	code, err := r.generateCodeLocked()
	if err != nil {
		return "", err
	}

	m := newMeeting(code, host.GetID())
	r.meetings[code] = m
	r.clients[host.GetID()] = host
	r.byClient[host.GetID()] = code

	host.SetState(types.StateHost)
	host.SetMeetingCode(code)

	metrics.ActiveMeetings.Inc()
	metrics.MeetingParticipants.WithLabelValues(string(code)).Set(float64(m.AdmittedCount()))

	logging.Info(ctx, "Meeting created",
		zap.String("code", string(code)),
		zap.Uint32("hostId", uint32(host.GetID())),
		zap.String("hostName", string(host.GetDisplayName())))
	return code, nil
}

// generateCodeLocked rejection-samples the six-digit space against live codes.
func (r *Registry) generateCodeLocked() (types.MeetingCode, error) {
	for i := 0; i < codeRetryLimit; i++ {
		code := types.MeetingCode(fmt.Sprintf("%06d", 100000+rand.IntN(900000)))
		if _, taken := r.meetings[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodesExhausted
}

// RequestJoin places the client in the meeting's waiting set and notifies the
// host with a JOIN_REQUEST. The caller replies JOIN_PENDING to the requester.
func (r *Registry) RequestJoin(ctx context.Context, code types.MeetingCode, c types.ClientInterface) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.byClient[c.GetID()]; bound {
		return ErrAlreadyBound
	}
	m, ok := r.meetings[code]
	if !ok {
		return ErrMeetingNotFound
	}

	m.addWaiting(c.GetID())
	r.clients[c.GetID()] = c
	r.byClient[c.GetID()] = code
	c.SetState(types.StateWaiting)
	c.SetMeetingCode(code)

	if host, ok := r.clients[m.HostID]; ok {
		host.Enqueue(&protocol.Message{
			Type:          protocol.TypeJoinRequest,
			ParticipantID: uint32(c.GetID()),
			Name:          string(c.GetDisplayName()),
		})
	}

	logging.Info(ctx, "Join requested",
		zap.String("code", string(code)),
		zap.Uint32("participantId", uint32(c.GetID())),
		zap.String("name", string(c.GetDisplayName())))
	return nil
}

// Admit moves a waiter into the admitted set. Only the meeting's host may
// admit, and only for waiters of its own meeting. The waiter receives
// JOIN_ACCEPTED and the rest of the admitted set receives MEMBER_JOINED,
// all enqueued atomically with the membership change.
func (r *Registry) Admit(ctx context.Context, hostID, targetID types.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.hostMeetingLocked(hostID)
	if err != nil {
		return err
	}
	if !m.removeWaiting(targetID) {
		return ErrNotWaiting
	}

	target := r.clients[targetID]
	m.addAdmitted(targetID)
	target.SetState(types.StateMember)

	target.Enqueue(&protocol.Message{Type: protocol.TypeJoinAccepted, Code: string(m.Code)})
	r.broadcastLocked(m, &protocol.Message{
		Type:          protocol.TypeMemberJoined,
		ParticipantID: uint32(targetID),
		Name:          string(target.GetDisplayName()),
	}, targetID)

	metrics.MeetingParticipants.WithLabelValues(string(m.Code)).Set(float64(m.AdmittedCount()))
	logging.Info(ctx, "Participant admitted",
		zap.String("code", string(m.Code)),
		zap.Uint32("participantId", uint32(targetID)))
	return nil
}

// Deny removes a waiter without admitting it. The waiter receives
// JOIN_REJECTED and returns to the unbound state.
func (r *Registry) Deny(ctx context.Context, hostID, targetID types.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.hostMeetingLocked(hostID)
	if err != nil {
		return err
	}
	if !m.removeWaiting(targetID) {
		return ErrNotWaiting
	}

	target := r.clients[targetID]
	delete(r.clients, targetID)
	delete(r.byClient, targetID)
	target.SetState(types.StateUnbound)
	target.SetMeetingCode("")
	target.Enqueue(&protocol.Message{Type: protocol.TypeJoinRejected, Reason: "host denied your request"})

	logging.Info(ctx, "Participant denied",
		zap.String("code", string(m.Code)),
		zap.Uint32("participantId", uint32(targetID)))
	return nil
}

// Leave removes the participant from its meeting. A non-host departure
// broadcasts MEMBER_LEFT to the remaining admitted set. A host departure
// dissolves the meeting: every other participant receives MEETING_CLOSED and
// returns to the unbound state, and the code is released.
//
// It returns the ids of every participant removed from a meeting by this
// call (the leaver plus, on dissolution, all other members) so the caller can
// scrub the address registry and abort transfer sessions. Safe to call for
// unbound participants; it is then a no-op.
func (r *Registry) Leave(ctx context.Context, id types.ParticipantID) []types.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.byClient[id]
	if !ok {
		return nil
	}
	m := r.meetings[code]

	c := r.clients[id]
	delete(r.clients, id)
	delete(r.byClient, id)
	if c != nil {
		c.SetState(types.StateUnbound)
		c.SetMeetingCode("")
	}

	if m == nil {
		return []types.ParticipantID{id}
	}

	if m.HostID == id {
		return r.dissolveLocked(ctx, m, id)
	}

	wasAdmitted := m.removeAdmitted(id)
	m.removeWaiting(id)

	if wasAdmitted {
		name := ""
		if c != nil {
			name = string(c.GetDisplayName())
		}
		r.broadcastLocked(m, &protocol.Message{
			Type:          protocol.TypeMemberLeft,
			ParticipantID: uint32(id),
			Name:          name,
		}, id)
	}

	metrics.MeetingParticipants.WithLabelValues(string(code)).Set(float64(m.AdmittedCount()))
	logging.Info(ctx, "Participant left",
		zap.String("code", string(code)),
		zap.Uint32("participantId", uint32(id)))
	return []types.ParticipantID{id}
}

// dissolveLocked tears the meeting down after a host departure.
func (r *Registry) dissolveLocked(ctx context.Context, m *Meeting, hostID types.ParticipantID) []types.ParticipantID {
	removed := []types.ParticipantID{hostID}
	closed := &protocol.Message{Type: protocol.TypeMeetingClosed, Code: string(m.Code)}

	for _, pid := range append(m.AdmittedIDs(), m.WaitingIDs()...) {
		if pid == hostID {
			continue
		}
		removed = append(removed, pid)
		if c, ok := r.clients[pid]; ok {
			c.Enqueue(closed)
			c.SetState(types.StateUnbound)
			c.SetMeetingCode("")
			delete(r.clients, pid)
		}
		delete(r.byClient, pid)
	}

	delete(r.meetings, m.Code)
	metrics.ActiveMeetings.Dec()
	metrics.MeetingParticipants.DeleteLabelValues(string(m.Code))

	logging.Info(ctx, "Host left, meeting dissolved",
		zap.String("code", string(m.Code)),
		zap.Int("notified", len(removed)-1))
	return removed
}

// hostMeetingLocked resolves the meeting the caller hosts.
func (r *Registry) hostMeetingLocked(hostID types.ParticipantID) (*Meeting, error) {
	code, ok := r.byClient[hostID]
	if !ok {
		return nil, ErrNotInMeeting
	}
	m, ok := r.meetings[code]
	if !ok {
		return nil, ErrMeetingNotFound
	}
	if m.HostID != hostID {
		return nil, ErrNotHost
	}
	return m, nil
}

// broadcastLocked enqueues msg to every admitted member except exclude. The
// enqueue is non-blocking, so holding the registry lock here never blocks on
// a slow peer.
func (r *Registry) broadcastLocked(m *Meeting, msg *protocol.Message, exclude types.ParticipantID) {
	for _, pid := range m.admittedOrder {
		if pid == exclude {
			continue
		}
		if c, ok := r.clients[pid]; ok {
			c.Enqueue(msg)
		}
	}
}

// Broadcast enqueues msg to every admitted member of the sender's meeting
// except the sender itself. Returns ErrNotInMeeting when the sender is not
// admitted anywhere.
func (r *Registry) Broadcast(sender types.ParticipantID, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.admittedMeetingLocked(sender)
	if err != nil {
		return err
	}
	r.broadcastLocked(m, msg, sender)
	return nil
}

// Unicast enqueues msg to one admitted co-member of the sender's meeting.
func (r *Registry) Unicast(sender, target types.ParticipantID, msg *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.admittedMeetingLocked(sender)
	if err != nil {
		return err
	}
	if !m.IsAdmitted(target) {
		return ErrNotInMeeting
	}
	if c, ok := r.clients[target]; ok {
		c.Enqueue(msg)
	}
	return nil
}

// Notify enqueues msg directly to a bound client, bypassing membership
// checks. Reports whether the participant was connected.
func (r *Registry) Notify(id types.ParticipantID, msg *protocol.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if ok {
		c.Enqueue(msg)
	}
	return ok
}

func (r *Registry) admittedMeetingLocked(id types.ParticipantID) (*Meeting, error) {
	code, ok := r.byClient[id]
	if !ok {
		return nil, ErrNotInMeeting
	}
	m, ok := r.meetings[code]
	if !ok || !m.IsAdmitted(id) {
		return nil, ErrNotInMeeting
	}
	return m, nil
}

// LookupByCode returns the meeting for a live code.
func (r *Registry) LookupByCode(code types.MeetingCode) (*Meeting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meetings[code]
	return m, ok
}

// LookupClient returns the bound client for a participant id.
func (r *Registry) LookupClient(id types.ParticipantID) (types.ClientInterface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// MeetingCodeOf returns the meeting code a participant is bound to.
func (r *Registry) MeetingCodeOf(id types.ParticipantID) (types.MeetingCode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.byClient[id]
	return code, ok
}

// IsAdmitted reports whether the participant is in the admitted set of its
// meeting.
func (r *Registry) IsAdmitted(id types.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.admittedMeetingLocked(id)
	return err == nil
}

// CoMembers returns the admitted co-members of the sender's meeting,
// excluding the sender. Used by the media relay's fan-out path.
func (r *Registry) CoMembers(id types.ParticipantID) []types.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, err := r.admittedMeetingLocked(id)
	if err != nil {
		return nil
	}
	out := make([]types.ParticipantID, 0, len(m.admittedOrder)-1)
	for _, pid := range m.admittedOrder {
		if pid != id {
			out = append(out, pid)
		}
	}
	return out
}

// Counts returns the number of live meetings and bound participants.
func (r *Registry) Counts() (meetings, participants int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meetings), len(r.clients)
}

// Snapshot lists live meetings for the ops stats endpoint.
func (r *Registry) Snapshot() []MeetingInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MeetingInfo, 0, len(r.meetings))
	for _, m := range r.meetings {
		out = append(out, MeetingInfo{
			Code:      string(m.Code),
			HostID:    uint32(m.HostID),
			Admitted:  m.AdmittedCount(),
			Waiting:   m.waiting.Len(),
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

// MeetingInfo is the ops-facing summary of one live meeting.
type MeetingInfo struct {
	Code      string    `json:"code"`
	HostID    uint32    `json:"hostId"`
	Admitted  int       `json:"admitted"`
	Waiting   int       `json:"waiting"`
	CreatedAt time.Time `json:"createdAt"`
}
