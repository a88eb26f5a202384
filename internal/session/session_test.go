package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/crosslinkmc/crosslink/internal/model"
	"github.com/crosslinkmc/crosslink/internal/protocol"
)

type stubClaimer struct {
	mu     sync.Mutex
	calls  int
	code   string
	result model.ClaimResult
	err    error
}

func (c *stubClaimer) Claim(ctx context.Context, code string, now time.Time) (model.ClaimResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.code = code
	return c.result, c.err
}

func (c *stubClaimer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession runs a session over a pipe and returns the client end.
func startSession(t *testing.T, claimer Claimer) (net.Conn, chan struct{}) {
	t.Helper()
	client, srv := net.Pipe()

	sess := New(srv, claimer, Config{
		Deadline:   2 * time.Second,
		ServerName: "crosslink",
		MOTD:       "test server",
	}, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()

	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client, done
}

func writeHandshake(t *testing.T, conn net.Conn, nextState int32) {
	t.Helper()
	p := protocol.AppendVarInt(nil, 767)
	p = protocol.AppendString(p, "link.example.net")
	p = append(p, 0x63, 0xDD) // port 25565
	p = protocol.AppendVarInt(p, nextState)
	if err := protocol.WriteFrame(conn, protocol.IDHandshake, p); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

func writeLoginStart(t *testing.T, conn net.Conn, name string) {
	t.Helper()
	if err := protocol.WriteFrame(conn, protocol.IDLoginStart, protocol.AppendString(nil, name)); err != nil {
		t.Fatalf("write login start: %v", err)
	}
}

func readFrame(t *testing.T, br *bufio.Reader) (int32, []byte) {
	t.Helper()
	id, payload, err := protocol.ReadFrame(br)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return id, payload
}

func readDisconnectReason(t *testing.T, br *bufio.Reader) disconnectReason {
	t.Helper()
	id, payload := readFrame(t, br)
	if id != protocol.IDLoginDisconnect {
		t.Fatalf("packet id = 0x%02x, want disconnect", id)
	}
	body, err := protocol.NewReader(payload).String(protocol.MaxFrameLen)
	if err != nil {
		t.Fatalf("disconnect payload: %v", err)
	}
	var reason disconnectReason
	if err := json.Unmarshal([]byte(body), &reason); err != nil {
		t.Fatalf("disconnect json: %v", err)
	}
	return reason
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("expected closed connection, read %d bytes", n)
	}
}

func TestSuccessfulLink(t *testing.T) {
	claimer := &stubClaimer{result: model.ClaimResult{Status: model.ClaimOK, OwnerReference: "bedrock:1001"}}
	client, _ := startSession(t, claimer)
	br := bufio.NewReader(client)

	writeHandshake(t, client, protocol.NextStateLogin)
	writeLoginStart(t, client, "AB12CD")

	reason := readDisconnectReason(t, br)
	if reason.Crosslink == nil || reason.Crosslink.Reason != string(model.ClaimOK) {
		t.Fatalf("reason = %+v, want %s", reason, model.ClaimOK)
	}
	if reason.Crosslink.Owner != "bedrock:1001" {
		t.Errorf("owner = %q, want %q", reason.Crosslink.Owner, "bedrock:1001")
	}
	if reason.Text == "" {
		t.Error("empty human-readable text")
	}

	if claimer.callCount() != 1 {
		t.Errorf("claim calls = %d, want 1", claimer.callCount())
	}
	if claimer.code != "AB12CD" {
		t.Errorf("claimed code = %q, want %q", claimer.code, "AB12CD")
	}
	expectClosed(t, client)
}

func TestFailureReasons(t *testing.T) {
	cases := []struct {
		name   string
		status model.ClaimStatus
	}{
		{"not found", model.ClaimNotFound},
		{"expired", model.ClaimExpired},
		{"already claimed", model.ClaimAlreadyClaimed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claimer := &stubClaimer{result: model.ClaimResult{Status: tc.status}}
			client, _ := startSession(t, claimer)
			br := bufio.NewReader(client)

			writeHandshake(t, client, protocol.NextStateLogin)
			writeLoginStart(t, client, "ZZZZZZ")

			reason := readDisconnectReason(t, br)
			if reason.Crosslink == nil || reason.Crosslink.Reason != string(tc.status) {
				t.Fatalf("reason = %+v, want %s", reason, tc.status)
			}
			if reason.Crosslink.Owner != "" {
				t.Errorf("owner leaked on failure: %q", reason.Crosslink.Owner)
			}
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	claimer := &stubClaimer{err: errors.New("connection refused")}
	client, _ := startSession(t, claimer)
	br := bufio.NewReader(client)

	writeHandshake(t, client, protocol.NextStateLogin)
	writeLoginStart(t, client, "AB12CD")

	reason := readDisconnectReason(t, br)
	if reason.Crosslink == nil || reason.Crosslink.Reason != "STORE_UNAVAILABLE" {
		t.Fatalf("reason = %+v, want STORE_UNAVAILABLE", reason)
	}
}

func TestStatusExchangeNeverClaims(t *testing.T) {
	claimer := &stubClaimer{}
	client, _ := startSession(t, claimer)
	br := bufio.NewReader(client)

	writeHandshake(t, client, protocol.NextStateStatus)

	if err := protocol.WriteFrame(client, protocol.IDStatusRequest, nil); err != nil {
		t.Fatalf("write status request: %v", err)
	}

	id, payload := readFrame(t, br)
	if id != protocol.IDStatusResponse {
		t.Fatalf("packet id = 0x%02x, want status response", id)
	}
	body, err := protocol.NewReader(payload).String(protocol.MaxFrameLen)
	if err != nil {
		t.Fatalf("status payload: %v", err)
	}
	var status statusResponse
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if status.Version.Protocol != 767 {
		t.Errorf("protocol echo = %d, want 767", status.Version.Protocol)
	}
	if status.Players.Online != 0 || status.Players.Max != 0 {
		t.Errorf("player counts = %d/%d, want 0/0", status.Players.Online, status.Players.Max)
	}
	if status.Description.Text == "" {
		t.Error("empty description")
	}

	if err := protocol.WriteFrame(client, protocol.IDPing, protocol.AppendInt64(nil, 0x1234)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	id, payload = readFrame(t, br)
	if id != protocol.IDPong {
		t.Fatalf("packet id = 0x%02x, want pong", id)
	}
	token, err := protocol.NewReader(payload).Int64()
	if err != nil {
		t.Fatalf("pong payload: %v", err)
	}
	if token != 0x1234 {
		t.Errorf("pong token = 0x%x, want 0x1234", token)
	}

	if claimer.callCount() != 0 {
		t.Errorf("claim calls = %d, want 0", claimer.callCount())
	}
	expectClosed(t, client)
}

func TestRepeatedStatusRequestsNeverClaim(t *testing.T) {
	claimer := &stubClaimer{}
	client, _ := startSession(t, claimer)
	br := bufio.NewReader(client)

	writeHandshake(t, client, protocol.NextStateStatus)
	for i := 0; i < 3; i++ {
		if err := protocol.WriteFrame(client, protocol.IDStatusRequest, nil); err != nil {
			t.Fatalf("write status request %d: %v", i, err)
		}
		if id, _ := readFrame(t, br); id != protocol.IDStatusResponse {
			t.Fatalf("packet id = 0x%02x, want status response", id)
		}
	}

	if claimer.callCount() != 0 {
		t.Errorf("claim calls = %d, want 0", claimer.callCount())
	}
}

func TestGarbageFirstPacketClosesWithoutClaim(t *testing.T) {
	claimer := &stubClaimer{}
	client, done := startSession(t, claimer)

	// Legacy server-list ping opener; not valid framing. The declared
	// length never arrives, so the session deadline cuts it off.
	client.Write([]byte{0xFE, 0x01, 0xFA})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close on garbage input")
	}
	if claimer.callCount() != 0 {
		t.Errorf("claim calls = %d, want 0", claimer.callCount())
	}
}

func TestOversizedFrameClosesWithoutResponse(t *testing.T) {
	claimer := &stubClaimer{}
	client, _ := startSession(t, claimer)

	client.Write(protocol.AppendVarInt(nil, protocol.MaxFrameLen+1))

	expectClosed(t, client)
	if claimer.callCount() != 0 {
		t.Errorf("claim calls = %d, want 0", claimer.callCount())
	}
}

func TestUnexpectedPacketInLoginStateClosesWithoutClaim(t *testing.T) {
	claimer := &stubClaimer{}
	client, _ := startSession(t, claimer)

	writeHandshake(t, client, protocol.NextStateLogin)
	if err := protocol.WriteFrame(client, 0x05, []byte{0x00}); err != nil {
		t.Fatalf("write bogus packet: %v", err)
	}

	expectClosed(t, client)
	if claimer.callCount() != 0 {
		t.Errorf("claim calls = %d, want 0", claimer.callCount())
	}
}

func TestMalformedLoginIdentityClosesWithoutClaim(t *testing.T) {
	claimer := &stubClaimer{}
	client, _ := startSession(t, claimer)

	writeHandshake(t, client, protocol.NextStateLogin)
	// Identity longer than the 16-char protocol ceiling.
	writeLoginStart(t, client, "THISCODEISWAYTOOLONG")

	expectClosed(t, client)
	if claimer.callCount() != 0 {
		t.Errorf("claim calls = %d, want 0", claimer.callCount())
	}
}

func TestIdleSessionHitsDeadline(t *testing.T) {
	claimer := &stubClaimer{}
	client, srv := net.Pipe()
	defer client.Close()

	sess := New(srv, claimer, Config{
		Deadline:   50 * time.Millisecond,
		ServerName: "crosslink",
		MOTD:       "test",
	}, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle session not closed by deadline")
	}
	if claimer.callCount() != 0 {
		t.Errorf("claim calls = %d, want 0", claimer.callCount())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, srv := net.Pipe()
	sess := New(srv, &stubClaimer{}, Config{Deadline: time.Second}, testLogger())
	sess.Close()
	sess.Close()
}
