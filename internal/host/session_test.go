package host

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucidity-sh/lucidity/internal/frame"
	"github.com/lucidity-sh/lucidity/internal/identity"
	"github.com/lucidity-sh/lucidity/internal/pairing"
	"github.com/lucidity-sh/lucidity/internal/trust"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *trust.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := trust.Open(filepath.Join(dir, "trust.db"))
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type wireConn struct {
	conn net.Conn
	dec  *frame.Decoder
	buf  []byte
}

func newWireConn(c net.Conn) *wireConn {
	return &wireConn{conn: c, dec: frame.NewDecoder(), buf: make([]byte, 64*1024)}
}

func (w *wireConn) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	enc, err := frame.Encode(frame.TypeJSON, payload)
	if err != nil {
		return err
	}
	_, err = w.conn.Write(enc)
	return err
}

func (w *wireConn) readResponse() (*response, error) {
	for {
		f, ok, err := w.dec.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			var r response
			if err := json.Unmarshal(f.Payload, &r); err != nil {
				return nil, err
			}
			return &r, nil
		}
		n, err := w.conn.Read(w.buf)
		if err != nil {
			return nil, err
		}
		w.dec.Push(w.buf[:n])
	}
}

func TestIsLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		done <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server := <-done
	defer server.Close()

	if !isLoopback(server.RemoteAddr()) {
		t.Fatalf("expected loopback address to be detected")
	}
}

// driveSession wires a Session to one end of an in-memory pipe and returns
// the other end wrapped for JSON request/response exchange. Because
// net.Pipe addresses aren't *net.TCPAddr, isLoopback is false here, so the
// full challenge/response auth path runs, not the loopback shortcut.
func driveSession(t *testing.T, srv *Server) *wireConn {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	sess := newSession(serverConn, srv, discardLogger())

	go sess.Serve(context.Background())
	t.Cleanup(func() { clientConn.Close() })

	return newWireConn(clientConn)
}

func TestSessionPairingAndAuthFlow(t *testing.T) {
	hostKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	mobileKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	store := openTestStore(t)
	bridge := newFakeBridge(PaneInfo{PaneID: 1, Title: "main"})

	srv := &Server{
		Bridge:      bridge,
		Trust:       store,
		HostKeypair: hostKP,
		Approver:    &fakeApprover{approve: true},
		Log:         discardLogger(),
	}

	wc := driveSession(t, srv)

	// The server should greet us with an auth_challenge before we're
	// authenticated, since this isn't a loopback connection.
	challenge, err := wc.readResponse()
	if err != nil {
		t.Fatalf("readResponse (challenge): %v", err)
	}
	if challenge.Op != "auth_challenge" || challenge.Message == "" {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	// list_panes before auth must be rejected.
	if err := wc.writeJSON(map[string]string{"op": "list_panes"}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	rejected, err := wc.readResponse()
	if err != nil {
		t.Fatalf("readResponse (rejected): %v", err)
	}
	if rejected.Op != "error" {
		t.Fatalf("expected pre-auth list_panes to be rejected, got %+v", rejected)
	}

	// Pair the mobile device.
	req := pairing.NewPairingRequest(mobileKP, hostKP.Public, "user@example.com", "test-phone", time.Now())
	if err := wc.writeJSON(map[string]any{"op": "pairing_submit", "request": req}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	pairResp, err := wc.readResponse()
	if err != nil {
		t.Fatalf("readResponse (pairing): %v", err)
	}
	if pairResp.Response == nil || !pairResp.Response.Approved {
		t.Fatalf("expected pairing to be approved, got %+v", pairResp)
	}

	trusted, err := store.IsTrusted(mobileKP.Public)
	if err != nil {
		t.Fatalf("IsTrusted: %v", err)
	}
	if !trusted {
		t.Fatalf("mobile key should be trusted after approved pairing")
	}

	// Respond to the auth challenge by signing the nonce.
	sig := ed25519.Sign(mobileKP.Private, []byte(challenge.Message))
	if err := wc.writeJSON(map[string]string{
		"op":     "auth_response",
		"pubkey": identity.EncodePublicKey(mobileKP.Public),
		"sig":    base64.StdEncoding.EncodeToString(sig),
	}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	authResp, err := wc.readResponse()
	if err != nil {
		t.Fatalf("readResponse (auth): %v", err)
	}
	if authResp.Op != "auth_success" {
		t.Fatalf("expected auth_success, got %+v", authResp)
	}

	// Now authenticated: list_panes, attach, and pane input should work.
	if err := wc.writeJSON(map[string]string{"op": "list_panes"}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	panesResp, err := wc.readResponse()
	if err != nil {
		t.Fatalf("readResponse (panes): %v", err)
	}
	if len(panesResp.Panes) != 1 || panesResp.Panes[0].PaneID != 1 {
		t.Fatalf("unexpected panes: %+v", panesResp.Panes)
	}

	if err := wc.writeJSON(map[string]any{"op": "attach", "pane_id": 1}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}
	attachResp, err := wc.readResponse()
	if err != nil {
		t.Fatalf("readResponse (attach): %v", err)
	}
	if attachResp.Op != "attach_ok" {
		t.Fatalf("expected attach_ok, got %+v", attachResp)
	}
}

func TestSessionAuthResponseRejectsUntrustedKey(t *testing.T) {
	hostKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	strangerKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	store := openTestStore(t)
	srv := &Server{
		Bridge:      newFakeBridge(),
		Trust:       store,
		HostKeypair: hostKP,
		Log:         discardLogger(),
	}

	wc := driveSession(t, srv)
	if _, err := wc.readResponse(); err != nil {
		t.Fatalf("readResponse (challenge): %v", err)
	}

	if err := wc.writeJSON(map[string]string{
		"op":     "auth_response",
		"pubkey": identity.EncodePublicKey(strangerKP.Public),
		"sig":    base64.StdEncoding.EncodeToString([]byte("not-a-real-signature")),
	}); err != nil {
		t.Fatalf("writeJSON: %v", err)
	}

	resp, err := wc.readResponse()
	if err != nil {
		t.Fatalf("readResponse: %v", err)
	}
	if resp.Op != "error" {
		t.Fatalf("expected untrusted key to be rejected, got %+v", resp)
	}
}
