// Package server owns the listening socket. It accepts untrusted inbound
// connections, caps how many sessions run at once, and hands each accepted
// connection to an independent session goroutine with a bounded lifetime.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/crosslinkmc/crosslink/internal/session"
)

// Config carries the acceptor's externally supplied knobs.
type Config struct {
	ListenAddr      string
	SessionDeadline time.Duration
	MaxSessions     int
	ServerName      string
	MOTD            string
}

// Server accepts connections and runs one session per connection. No error
// in one session may affect another; the only fatal failure is being unable
// to bind the listener.
type Server struct {
	cfg     Config
	claimer session.Claimer
	logger  *slog.Logger

	listener net.Listener
	slots    chan struct{}

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, claimer session.Claimer, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		claimer:  claimer,
		logger:   logger,
		slots:    make(chan struct{}, cfg.MaxSessions),
		sessions: make(map[*session.Session]struct{}),
	}
}

// Listen binds the listening endpoint. Split from Serve so callers can fail
// fast on a bad address and tests can read the bound port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address. Valid only after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Connections past the session cap are accepted and closed immediately with
// no protocol interaction, so a flood of garbage connections cannot grow
// memory without bound.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.drain()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Warn("session limit reached, dropping connection", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		sess := session.New(conn, s.claimer, session.Config{
			Deadline:   s.cfg.SessionDeadline,
			ServerName: s.cfg.ServerName,
			MOTD:       s.cfg.MOTD,
		}, s.logger)

		s.track(sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			defer s.untrack(sess)
			sess.Run(ctx)
		}()
	}
}

// ActiveSessions returns the number of sessions currently open.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// drain force-closes every live session and waits for their goroutines.
func (s *Server) drain() {
	s.mu.Lock()
	for sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
