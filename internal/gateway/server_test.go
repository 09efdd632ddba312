package gateway

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/session"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trans, err := session.NewTranscripts(t.TempDir())
	if err != nil {
		t.Fatalf("NewTranscripts: %v", err)
	}

	srv := NewServer(Deps{
		Cfg:         func() *config.Config { return cfg },
		Store:       store,
		Transcripts: trans,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func hello(min, max int, auth *AuthParams, lastSeq *int64) HelloFrame {
	return HelloFrame{
		Type:        frameHello,
		ClientName:  "test-client",
		Mode:        "cli",
		InstanceID:  "test-1",
		MinProtocol: min,
		MaxProtocol: max,
		Auth:        auth,
		LastSeq:     lastSeq,
	}
}

func TestHandshakeNegotiatesProtocol(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)

	if err := ws.WriteJSON(hello(1, ProtocolVersion, nil, nil)); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	var ok HelloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("read helloOk: %v", err)
	}
	if ok.Type != frameHelloOk || ok.Protocol != ProtocolVersion {
		t.Errorf("helloOk = %+v, want protocol %d", ok, ProtocolVersion)
	}
	if len(ok.Snapshot.Presence) == 0 {
		t.Error("snapshot missing presence")
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)

	// Client only speaks a future protocol.
	if err := ws.WriteJSON(hello(ProtocolVersion+5, ProtocolVersion+9, nil, nil)); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	var frame map[string]any
	err := ws.ReadJSON(&frame)
	if err == nil {
		t.Fatalf("expected close, got frame %v", frame)
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation", err)
	}
}

func TestTokenAuth(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Mode = "token"
		cfg.Auth.Token = "sesame"
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		ws := dialWS(t, ts)
		ws.WriteJSON(hello(1, ProtocolVersion, &AuthParams{Token: "wrong"}, nil))
		var frame map[string]any
		if err := ws.ReadJSON(&frame); err == nil {
			t.Fatalf("expected close, got %v", frame)
		}
	})

	t.Run("correct token accepted", func(t *testing.T) {
		ws := dialWS(t, ts)
		ws.WriteJSON(hello(1, ProtocolVersion, &AuthParams{Token: "sesame"}, nil))
		var ok HelloOkFrame
		if err := ws.ReadJSON(&ok); err != nil {
			t.Fatalf("read helloOk: %v", err)
		}
	})
}

func TestTokenModeRefusesNakedNonLoopbackBind(t *testing.T) {
	auth := newAuthenticator(config.AuthConfig{Mode: "token"})

	if err := auth.validateBind("0.0.0.0:4377"); err == nil {
		t.Error("non-loopback bind without token was accepted")
	}
	if err := auth.validateBind("127.0.0.1:4377"); err != nil {
		t.Errorf("loopback bind rejected: %v", err)
	}
	if err := auth.validateBind("localhost:4377"); err != nil {
		t.Errorf("localhost bind rejected: %v", err)
	}
}

func TestEventSeqStrictlyIncreasing(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)

	ws.WriteJSON(hello(1, ProtocolVersion, nil, nil))
	var ok HelloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// Presence broadcast from our own join may arrive first; then ours.
	for i := 0; i < 5; i++ {
		srv.Broadcast(EventHealth, map[string]int{"n": i})
	}

	var last int64
	seen := 0
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for seen < 5 {
		var frame EventFrame
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if frame.Seq <= last {
			t.Fatalf("seq not increasing: %d after %d", frame.Seq, last)
		}
		last = frame.Seq
		if frame.Event == EventHealth {
			seen++
		}
	}
}

func TestResumeWithGap(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	// Fill the history buffer past the client's resume point.
	for i := 0; i < 30; i++ {
		srv.Broadcast(EventHealth, map[string]int{"n": i})
	}

	// Trim history down so seq 1..20 are discarded.
	srv.mu.Lock()
	srv.history = srv.history[20:]
	oldest := srv.history[0].Seq
	srv.mu.Unlock()

	lastSeq := int64(5)
	ws := dialWS(t, ts)
	ws.WriteJSON(hello(1, ProtocolVersion, nil, &lastSeq))
	var ok HelloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame EventFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if frame.Event != EventGap {
		t.Fatalf("first resumed frame = %s, want gap", frame.Event)
	}

	payload, _ := frame.Payload.(map[string]any)
	if int64(payload["expected"].(float64)) != lastSeq+1 {
		t.Errorf("gap.expected = %v, want %d", payload["expected"], lastSeq+1)
	}
	if int64(payload["received"].(float64)) != oldest {
		t.Errorf("gap.received = %v, want %d", payload["received"], oldest)
	}

	// Replay resumes at the oldest buffered frame.
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read replayed frame: %v", err)
	}
	if frame.Seq != oldest {
		t.Errorf("replay starts at seq %d, want %d", frame.Seq, oldest)
	}
}

func TestResumeWithoutGapReplaysMissedFrames(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	for i := 0; i < 10; i++ {
		srv.Broadcast(EventHealth, map[string]int{"n": i})
	}

	lastSeq := int64(4)
	ws := dialWS(t, ts)
	ws.WriteJSON(hello(1, ProtocolVersion, nil, &lastSeq))
	var ok HelloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame EventFrame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read replayed frame: %v", err)
	}
	if frame.Event == EventGap {
		t.Fatal("unexpected gap: history still holds the resume point")
	}
	if frame.Seq != lastSeq+1 {
		t.Errorf("replay starts at %d, want %d", frame.Seq, lastSeq+1)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)

	ws.WriteJSON(hello(1, ProtocolVersion, nil, nil))
	var ok HelloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	ws.WriteJSON(RequestFrame{Type: frameRequest, ID: "1", Method: "nope.nothing"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var raw map[string]any
		if err := ws.ReadJSON(&raw); err != nil {
			t.Fatalf("read: %v", err)
		}
		if raw["type"] != frameResponse {
			continue // skip presence events
		}
		errObj, _ := raw["error"].(map[string]any)
		if errObj == nil || errObj["kind"] != string(ErrInvalidInput) {
			t.Errorf("error = %v, want invalid-input", raw["error"])
		}
		return
	}
}

func TestSessionsRPCs(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	srv.deps.Store.GetOrCreate("main", "webchat")

	ws := dialWS(t, ts)
	ws.WriteJSON(hello(1, ProtocolVersion, nil, nil))
	var ok HelloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	ws.WriteJSON(RequestFrame{Type: frameRequest, ID: "list", Method: "sessions.list"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var raw map[string]any
		if err := ws.ReadJSON(&raw); err != nil {
			t.Fatalf("read: %v", err)
		}
		if raw["type"] != frameResponse {
			continue
		}
		result, _ := raw["result"].([]any)
		if len(result) != 1 {
			t.Errorf("sessions.list = %v, want one entry", raw["result"])
		}
		return
	}
}
