// Package session drives one inbound connection from accept to close: it
// frames and decodes the handshake sequence, answers the status ping, or
// captures the player-typed link code and resolves it against the ledger.
// A session never progresses past login.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosslinkmc/crosslink/internal/model"
	"github.com/crosslinkmc/crosslink/internal/protocol"
)

// State is the per-connection protocol state. Each state has exactly one
// handler; a transition is a pure function of (state, received packet).
type State int

const (
	StateAwaitHandshake State = iota
	StateStatus
	StateAwaitLoginStart
	StateResolving
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitHandshake:
		return "AWAIT_HANDSHAKE"
	case StateStatus:
		return "STATUS"
	case StateAwaitLoginStart:
		return "AWAIT_LOGIN_START"
	case StateResolving:
		return "RESOLVING"
	case StateResponding:
		return "RESPONDING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Claimer is the single ledger operation a session may perform. An error
// return means the store was unreachable, not that the code was bad.
type Claimer interface {
	Claim(ctx context.Context, code string, now time.Time) (model.ClaimResult, error)
}

// Config carries the session knobs owned by the acceptor.
type Config struct {
	// Deadline is the absolute budget from accept to close. A peer that
	// stalls anywhere inside the exchange is cut off when it elapses.
	Deadline time.Duration

	// ServerName is the version string reported in the status response.
	ServerName string

	// MOTD is the description shown in the server list.
	MOTD string
}

// Session is the lifetime of one inbound connection. Owned exclusively by
// its handling goroutine; only Close may be called from outside.
type Session struct {
	id      string
	conn    net.Conn
	br      *bufio.Reader
	claimer Claimer
	cfg     Config
	logger  *slog.Logger

	state     State
	handshake protocol.Handshake
	code      string
	result    model.ClaimResult
	resultErr error

	closeOnce sync.Once
}

// New wraps an accepted connection. The caller is expected to invoke Run
// exactly once on its own goroutine.
func New(conn net.Conn, claimer Claimer, cfg Config, logger *slog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		br:      bufio.NewReaderSize(conn, protocol.MaxFrameLen),
		claimer: claimer,
		cfg:     cfg,
		logger:  logger.With("session", id, "remote", conn.RemoteAddr().String()),
		state:   StateAwaitHandshake,
	}
}

// ID returns the session's correlation id.
func (s *Session) ID() string {
	return s.id
}

// Run executes the state machine until the session closes. Malformed input
// in any state closes the connection without touching the ledger; those are
// expected under garbage traffic and logged at debug only.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	if err := s.conn.SetDeadline(time.Now().Add(s.cfg.Deadline)); err != nil {
		s.logger.Debug("set deadline", "error", err)
		return
	}

	for s.state != StateClosed {
		var next State
		var err error

		switch s.state {
		case StateAwaitHandshake:
			next, err = s.handleHandshake()
		case StateStatus:
			next, err = s.handleStatus()
		case StateAwaitLoginStart:
			next, err = s.handleLoginStart()
		case StateResolving:
			next, err = s.resolve(ctx)
		case StateResponding:
			next, err = s.respond()
		default:
			next = StateClosed
		}

		if err != nil {
			s.logger.Debug("session ended", "state", s.state.String(), "error", err)
			return
		}
		s.state = next
	}
}

// Close force-closes the session. Safe to call from any goroutine and more
// than once; resources are released on every exit path.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}

func (s *Session) handleHandshake() (State, error) {
	id, payload, err := s.readFrame()
	if err != nil {
		return StateClosed, err
	}
	if id != protocol.IDHandshake {
		return StateClosed, fmt.Errorf("unexpected packet 0x%02x in %s", id, s.state)
	}

	hs, err := protocol.DecodeHandshake(payload)
	if err != nil {
		return StateClosed, err
	}
	s.handshake = hs

	if hs.NextState == protocol.NextStateStatus {
		return StateStatus, nil
	}
	return StateAwaitLoginStart, nil
}

// handleStatus answers the server-list exchange: a fixed status document,
// then a ping echo. The ledger is never consulted on this branch.
func (s *Session) handleStatus() (State, error) {
	for {
		id, payload, err := s.readFrame()
		if err != nil {
			return StateClosed, err
		}

		switch id {
		case protocol.IDStatusRequest:
			body, err := s.statusDocument()
			if err != nil {
				return StateClosed, err
			}
			if err := protocol.WriteFrame(s.conn, protocol.IDStatusResponse, protocol.AppendString(nil, string(body))); err != nil {
				return StateClosed, err
			}
		case protocol.IDPing:
			token, err := protocol.NewReader(payload).Int64()
			if err != nil {
				return StateClosed, err
			}
			if err := protocol.WriteFrame(s.conn, protocol.IDPong, protocol.AppendInt64(nil, token)); err != nil {
				return StateClosed, err
			}
			return StateClosed, nil
		default:
			return StateClosed, fmt.Errorf("unexpected packet 0x%02x in %s", id, s.state)
		}
	}
}

func (s *Session) handleLoginStart() (State, error) {
	id, payload, err := s.readFrame()
	if err != nil {
		return StateClosed, err
	}
	if id != protocol.IDLoginStart {
		return StateClosed, fmt.Errorf("unexpected packet 0x%02x in %s", id, s.state)
	}

	code, err := protocol.DecodeLoginStart(payload)
	if err != nil {
		return StateClosed, err
	}
	s.code = code
	return StateResolving, nil
}

// resolve issues the session's single ledger call. The claim itself is one
// round trip; once it has returned, nothing that happens to this connection
// can change the ledger state.
func (s *Session) resolve(ctx context.Context) (State, error) {
	claimCtx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	result, err := s.claimer.Claim(claimCtx, s.code, time.Now())
	if err != nil {
		s.logger.Error("ledger unavailable", "error", err)
		s.resultErr = err
		return StateResponding, nil
	}

	s.result = result
	switch result.Status {
	case model.ClaimOK:
		s.logger.Info("link code claimed", "code", s.code, "owner", result.OwnerReference)
	default:
		s.logger.Info("link code rejected", "code", s.code, "status", string(result.Status))
	}
	return StateResponding, nil
}

func (s *Session) respond() (State, error) {
	reason := s.disconnectReason()
	body, err := json.Marshal(reason)
	if err != nil {
		return StateClosed, err
	}
	if err := protocol.WriteFrame(s.conn, protocol.IDLoginDisconnect, protocol.AppendString(nil, string(body))); err != nil {
		return StateClosed, err
	}
	return StateClosed, nil
}

// readFrame pulls the next frame off the wire. Any framing violation,
// including an oversized declared length, surfaces as an error and the
// session closes without a response.
func (s *Session) readFrame() (int32, []byte, error) {
	return protocol.ReadFrame(s.br)
}

// statusResponse is the fixed server-list document. The protocol number
// echoes the client's own so every client version sees the server as
// compatible; there is no gameplay to be incompatible with.
type statusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int32  `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
	} `json:"players"`
	Description struct {
		Text string `json:"text"`
	} `json:"description"`
}

func (s *Session) statusDocument() ([]byte, error) {
	var resp statusResponse
	resp.Version.Name = s.cfg.ServerName
	resp.Version.Protocol = s.handshake.ProtocolVersion
	resp.Description.Text = s.cfg.MOTD
	return json.Marshal(resp)
}

// disconnectReason is the structured outcome delivered to the peer: a chat
// component the client renders, plus a machine-readable block for bridging
// layers that inspect the disconnect. Clients ignore the extra field.
type disconnectReason struct {
	Text      string          `json:"text"`
	Crosslink *outcomeDetails `json:"crosslink,omitempty"`
}

type outcomeDetails struct {
	Reason string `json:"reason"`
	Owner  string `json:"owner,omitempty"`
}

func (s *Session) disconnectReason() disconnectReason {
	if s.resultErr != nil {
		return disconnectReason{
			Text:      "The link service is temporarily unavailable. Please try again in a moment.",
			Crosslink: &outcomeDetails{Reason: "STORE_UNAVAILABLE"},
		}
	}

	switch s.result.Status {
	case model.ClaimOK:
		return disconnectReason{
			Text:      "Link code accepted! Return to your game to finish linking.",
			Crosslink: &outcomeDetails{Reason: string(model.ClaimOK), Owner: s.result.OwnerReference},
		}
	case model.ClaimExpired:
		return disconnectReason{
			Text:      "That link code has expired. Request a new code and try again.",
			Crosslink: &outcomeDetails{Reason: string(model.ClaimExpired)},
		}
	case model.ClaimAlreadyClaimed:
		return disconnectReason{
			Text:      "That link code was already used.",
			Crosslink: &outcomeDetails{Reason: string(model.ClaimAlreadyClaimed)},
		}
	default:
		return disconnectReason{
			Text:      "Unknown link code. Check the code and try again.",
			Crosslink: &outcomeDetails{Reason: string(model.ClaimNotFound)},
		}
	}
}
