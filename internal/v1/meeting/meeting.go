package meeting

import (
	"time"

	"k8s.io/utils/set"

	"github.com/meetwire/meetwire/internal/v1/types"
)

// Meeting tracks one live meeting: its host, the ordered admitted set (host
// included) and the ordered waiting set. A participant appears in exactly one
// of the two sets. All fields are guarded by the owning Registry's mutex;
// Meeting has no lock of its own.
type Meeting struct {
	Code      types.MeetingCode
	HostID    types.ParticipantID
	CreatedAt time.Time

	admitted set.Set[types.ParticipantID]
	waiting  set.Set[types.ParticipantID]

	// Insertion order, for deterministic iteration and UI listing.
	admittedOrder []types.ParticipantID
	waitingOrder  []types.ParticipantID
}

func newMeeting(code types.MeetingCode, hostID types.ParticipantID) *Meeting {
	m := &Meeting{
		Code:      code,
		HostID:    hostID,
		CreatedAt: time.Now(),
		admitted:  set.New[types.ParticipantID](),
		waiting:   set.New[types.ParticipantID](),
	}
	m.addAdmitted(hostID)
	return m
}

func (m *Meeting) addAdmitted(id types.ParticipantID) {
	if m.admitted.Has(id) {
		return
	}
	m.admitted.Insert(id)
	m.admittedOrder = append(m.admittedOrder, id)
}

func (m *Meeting) addWaiting(id types.ParticipantID) {
	if m.waiting.Has(id) {
		return
	}
	m.waiting.Insert(id)
	m.waitingOrder = append(m.waitingOrder, id)
}

func (m *Meeting) removeAdmitted(id types.ParticipantID) bool {
	if !m.admitted.Has(id) {
		return false
	}
	m.admitted.Delete(id)
	m.admittedOrder = removeID(m.admittedOrder, id)
	return true
}

func (m *Meeting) removeWaiting(id types.ParticipantID) bool {
	if !m.waiting.Has(id) {
		return false
	}
	m.waiting.Delete(id)
	m.waitingOrder = removeID(m.waitingOrder, id)
	return true
}

func removeID(ids []types.ParticipantID, id types.ParticipantID) []types.ParticipantID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// IsAdmitted reports whether id is in the admitted set.
func (m *Meeting) IsAdmitted(id types.ParticipantID) bool {
	return m.admitted.Has(id)
}

// IsWaiting reports whether id is in the waiting set.
func (m *Meeting) IsWaiting(id types.ParticipantID) bool {
	return m.waiting.Has(id)
}

// AdmittedIDs returns the admitted participants in admission order.
func (m *Meeting) AdmittedIDs() []types.ParticipantID {
	out := make([]types.ParticipantID, len(m.admittedOrder))
	copy(out, m.admittedOrder)
	return out
}

// WaitingIDs returns the waiting participants in request order.
func (m *Meeting) WaitingIDs() []types.ParticipantID {
	out := make([]types.ParticipantID, len(m.waitingOrder))
	copy(out, m.waitingOrder)
	return out
}

// AdmittedCount returns the number of admitted participants, host included.
func (m *Meeting) AdmittedCount() int {
	return m.admitted.Len()
}
