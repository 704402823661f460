package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/meetwire/meetwire/internal/v1/config"
	"github.com/meetwire/meetwire/internal/v1/logging"
	"github.com/meetwire/meetwire/internal/v1/meeting"
	"github.com/meetwire/meetwire/internal/v1/metrics"
	"github.com/meetwire/meetwire/internal/v1/ratelimit"
)

// Server accepts control connections and runs one read and one write
// goroutine per client.
type Server struct {
	cfg        *config.Config
	registry   *meeting.Registry
	dispatcher *Dispatcher
	limits     *ratelimit.RateLimiter

	ln net.Listener
	wg sync.WaitGroup

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewServer(cfg *config.Config, reg *meeting.Registry, d *Dispatcher, limits *ratelimit.RateLimiter) *Server {
	return &Server{
		cfg:        cfg,
		registry:   reg,
		dispatcher: d,
		limits:     limits,
		clients:    make(map[*Client]struct{}),
	}
}

// Listen binds the control port. Kept separate from Serve so bind failures
// surface before the accept loop starts.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.TCPAddr())
	if err != nil {
		return err
	}
	s.ln = ln
	logging.Info(context.Background(), "Control listener bound", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until the listener closes. It returns nil on a
// clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		ip := remoteIP(conn)
		if !s.limits.AllowConn(ctx, ip) {
			logging.Warn(ctx, "Connection rejected by rate limit", zap.String("ip", ip))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()

	id := s.registry.AllocateID()
	c := NewClient(id, conn, s.cfg.IdleTimeout, s.cfg.MaxFrameBytes)
	ctx := correlatedContext(id)

	s.track(c)
	metrics.IncConnection()
	logging.Info(ctx, "Control connection opened", zap.String("remote", conn.RemoteAddr().String()))

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		c.writePump(ctx)
	}()

	c.readLoop(ctx, s.dispatcher)
	s.dispatcher.HandleDisconnect(ctx, c)
	pumps.Wait()

	s.untrack(c)
	metrics.DecConnection()
	logging.Info(ctx, "Control connection closed")
}

// Shutdown stops accepting, disconnects every client and waits for their
// goroutines to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln != nil {
		s.ln.Close()
	}

	s.mu.Lock()
	for c := range s.clients {
		c.Disconnect()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
