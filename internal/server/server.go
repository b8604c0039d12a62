// Package server implements the broker server: the listening socket, the
// per-connection protocol machinery, and the handshake deadline sweep.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Ericsson/tpaf/internal/config"
	"github.com/Ericsson/tpaf/internal/metrics"
	"github.com/Ericsson/tpaf/internal/sd"
	"github.com/Ericsson/tpaf/internal/transport"
)

// Server serves one discovery domain on one listen URI. Each domain has
// its own engine; clients of distinct domains do not see each other.
//
// The reactor lock serializes all engine and connection state mutations,
// mirroring the single-threaded event loop of the protocol design: every
// request, orphan expiry and handshake sweep runs with it held.
type Server struct {
	uri     string
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	reactorMu sync.Mutex
	eng       *sd.Engine
	conns     map[*conn]struct{}

	listener transport.Listener
	limiter  *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a server for the given listen URI. Start binds and serves.
func New(uri string, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		uri:     uri,
		cfg:     cfg,
		log:     log.With().Str("domain", uri).Logger(),
		metrics: m,
		conns:   make(map[*conn]struct{}),
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eng = sd.NewEngine(
		sd.WithLocker(&s.reactorMu),
		sd.WithLogger(s.log),
		sd.WithReapHook(func(serviceID int64) {
			m.OrphansReaped.Inc()
			s.updateGauges()
		}),
	)

	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}

	return s
}

// Start binds the listen URI and begins serving.
func (s *Server) Start() error {
	listener, err := transport.Listen(s.uri, transport.Options{
		MaxMessageSize: s.cfg.MaxMessageSize,
		TLSCertFile:    s.cfg.TLSCertFile,
		TLSKeyFile:     s.cfg.TLSKeyFile,
	})
	if err != nil {
		return err
	}
	s.listener = listener

	s.log.Info().Msg("Configured domain bound")

	go s.acceptLoop()
	go s.sweepLoop()

	return nil
}

// Stop tears down the listener and every connection.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("Tearing down domain server")

		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.reactorMu.Lock()
		conns := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.reactorMu.Unlock()

		for _, c := range conns {
			c.teardown()
		}
	})
}

func (s *Server) acceptLoop() {
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		sock, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.addConn(sock)
	}
}

// addConn registers and starts serving one accepted transport session.
func (s *Server) addConn(sock transport.Socket) *conn {
	s.reactorMu.Lock()
	c := newConn(s, sock)
	s.conns[c] = struct{}{}
	s.updateGauges()
	s.reactorMu.Unlock()

	c.start()

	s.log.Info().Str("remote", sock.RemoteAddr()).Msg("Accepted new client")

	return c
}

// dropConn runs with the reactor lock held.
func (s *Server) dropConn(c *conn) {
	delete(s.conns, c)
}

// updateGauges runs with the reactor lock held.
func (s *Server) updateGauges() {
	s.metrics.Connections.WithLabelValues(s.uri).Set(float64(len(s.conns)))
	s.metrics.Clients.WithLabelValues(s.uri).Set(float64(s.eng.NumClients()))
	s.metrics.Services.WithLabelValues(s.uri).Set(float64(s.eng.NumServices()))
	s.metrics.Subscriptions.WithLabelValues(s.uri).Set(float64(s.eng.NumSubs()))
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.HandshakeSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepHandshakes()
		}
	}
}

// sweepHandshakes drops connections that have not completed the protocol
// handshake within the deadline.
func (s *Server) sweepHandshakes() {
	now := time.Now()

	s.reactorMu.Lock()
	var expired []*conn
	for c := range s.conns {
		if !c.handshakeDone() && now.Sub(c.establishedAt) > s.cfg.MaxHandshakeTime {
			expired = append(expired, c)
		}
	}
	s.reactorMu.Unlock()

	for _, c := range expired {
		s.log.Info().Str("remote", c.sock.RemoteAddr()).
			Dur("deadline", s.cfg.MaxHandshakeTime).
			Msg("Dropping connection failing to complete the handshake in time")
		s.metrics.HandshakeTimeouts.Inc()
		c.teardown()
	}
}
