package relay

import (
	"net"
	"sync"

	"github.com/meetwire/meetwire/internal/v1/types"
)

// AddressRegistry maps participants to their datagram return addresses. The
// address is learned from the source of the first inbound datagram, or
// pre-registered through the control channel, and refreshed on every
// datagram so NAT rebinding is followed automatically.
//
// Lock ordering: the address lock is always acquired after the meeting
// registry lock, never before it.
type AddressRegistry struct {
	mu    sync.RWMutex
	addrs map[types.ParticipantID]net.Addr
}

func NewAddressRegistry() *AddressRegistry {
	return &AddressRegistry{addrs: make(map[types.ParticipantID]net.Addr)}
}

// Register sets or refreshes the return address for a participant.
func (a *AddressRegistry) Register(id types.ParticipantID, addr net.Addr) {
	a.mu.Lock()
	a.addrs[id] = addr
	a.mu.Unlock()
}

// Lookup returns the return address for a participant, if one is known.
func (a *AddressRegistry) Lookup(id types.ParticipantID) (net.Addr, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addr, ok := a.addrs[id]
	return addr, ok
}

// Remove forgets a participant's return address. Called on departure so a
// reused id never inherits a stale address.
func (a *AddressRegistry) Remove(id types.ParticipantID) {
	a.mu.Lock()
	delete(a.addrs, id)
	a.mu.Unlock()
}

// Len returns the number of registered addresses.
func (a *AddressRegistry) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.addrs)
}
