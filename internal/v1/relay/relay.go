package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/metrics"
	"github.com/meetwire/meetwire/internal/v1/protocol"
	"github.com/meetwire/meetwire/internal/v1/types"
)

// maxDatagramSize covers the largest UDP payload the relay will read.
const maxDatagramSize = 65535

// Membership is the view of the meeting layer the relay needs: who is
// admitted, and who its co-members are.
type Membership interface {
	IsAdmitted(id types.ParticipantID) bool
	CoMembers(id types.ParticipantID) []types.ParticipantID
}

// Relay reads media datagrams off one socket and fans each one out,
// unchanged, to the return addresses of the sender's co-members. A single
// goroutine owns the read loop; sends happen inline and never buffer more
// than one outbound write per target. Each target gets a circuit breaker so
// a dead address cannot slow the loop down with repeated failing writes.
type Relay struct {
	conn    net.PacketConn
	members Membership
	addrs   *AddressRegistry

	mu       sync.Mutex
	breakers map[types.ParticipantID]*gobreaker.CircuitBreaker
}

func NewRelay(conn net.PacketConn, members Membership, addrs *AddressRegistry) *Relay {
	return &Relay{
		conn:     conn,
		members:  members,
		addrs:    addrs,
		breakers: make(map[types.ParticipantID]*gobreaker.CircuitBreaker),
	}
}

// Run reads datagrams until the socket is closed. It returns nil on a clean
// close and the read error otherwise.
func (r *Relay) Run(ctx context.Context) error {
	logging.Info(ctx, "Media relay listening", zap.String("addr", r.conn.LocalAddr().String()))
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		r.handle(ctx, buf[:n], src)
	}
}

// Close shuts the socket down, which unblocks Run.
func (r *Relay) Close() error {
	return r.conn.Close()
}

func (r *Relay) handle(ctx context.Context, data []byte, src net.Addr) {
	kind, pid, err := protocol.InspectDatagram(data)
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues("malformed").Inc()
		return
	}

	sender := types.ParticipantID(pid)
	if !r.members.IsAdmitted(sender) {
		metrics.DatagramsDropped.WithLabelValues("unknown_participant").Inc()
		return
	}

	// Learn or refresh the sender's return address from the datagram source.
	r.addrs.Register(sender, src)

	kindLabel := "video"
	if kind == protocol.KindAudio {
		kindLabel = "audio"
	}

	for _, target := range r.members.CoMembers(sender) {
		addr, ok := r.addrs.Lookup(target)
		if !ok {
			// Target has not sent or registered yet.
			continue
		}
		cb := r.breaker(target)
		_, err := cb.Execute(func() (interface{}, error) {
			_, werr := r.conn.WriteTo(data, addr)
			return nil, werr
		})
		if err != nil {
			metrics.RelaySendFailures.Inc()
			if !errors.Is(err, gobreaker.ErrOpenState) {
				logging.Warn(ctx, "Datagram send failed",
					zap.Uint32("target", uint32(target)),
					zap.String("addr", addr.String()),
					zap.Error(err))
			}
			continue
		}
		metrics.DatagramsRelayed.WithLabelValues(kindLabel).Inc()
	}
}

// breaker returns the per-target circuit breaker, creating it on first use.
func (r *Relay) breaker(target types.ParticipantID) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("relay-%d", target),
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     15 * time.Second,
		})
		r.breakers[target] = cb
	}
	return cb
}

// Register pre-registers a participant's return address, for clients that
// announce their media port over the control channel before sending any
// datagram.
func (r *Relay) Register(id types.ParticipantID, addr net.Addr) {
	r.addrs.Register(id, addr)
}

// Forget drops the per-target breaker and return address after a departure.
func (r *Relay) Forget(id types.ParticipantID) {
	r.addrs.Remove(id)
	r.mu.Lock()
	delete(r.breakers, id)
	r.mu.Unlock()
}
