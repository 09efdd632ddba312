package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/heartbeat"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/nodes"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/policy"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/session"
	"github.com/clawdis/clawdis/internal/skills"
)

// historySize bounds the replay buffer used for reconnect resume.
const historySize = 1024

// Deps are the core services the protocol server exposes. Optional
// members may be nil; methods that need a missing member answer with an
// error, except skills.list, nodes.list and pairing.list, which answer
// with an empty result.
type Deps struct {
	Cfg         func() *config.Config
	Watcher     *config.Watcher
	Store       *session.Store
	Transcripts *session.Transcripts
	Sched       *scheduler.Scheduler
	Registry    *channels.Registry
	Deliverer   *outbound.Deliverer
	Cron        *cron.Service
	Heartbeat   *heartbeat.Scheduler
	Pairing     *policy.PairingStore
	Skills      *skills.Manager
	Nodes       *nodes.Store
}

// Server is the WebSocket protocol server.
type Server struct {
	deps      Deps
	auth      *authenticator
	startTime time.Time

	httpServer *http.Server
	upgrader   websocket.Upgrader

	seq int64 // global event sequence

	mu      sync.Mutex
	conns   map[*conn]struct{}
	history []EventFrame

	// terminal-state waiters for expectFinal RPCs
	waitMu  sync.Mutex
	waiters map[string][]chan scheduler.ChatEvent // session key -> waiters

	methods map[string]methodSpec
}

// NewServer creates the protocol server.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		auth:      newAuthenticator(deps.Cfg().Auth),
		startTime: time.Now(),
		conns:     make(map[*conn]struct{}),
		waiters:   make(map[string][]chan scheduler.ChatEvent),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerMethods()
	return s
}

// Start binds the listener and serves until the context ends.
func (s *Server) Start(ctx context.Context) error {
	listen := s.deps.Cfg().Gateway.Listen
	if listen == "" {
		listen = "127.0.0.1:4377"
	}
	if err := s.auth.validateBind(listen); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.health())
	})

	s.httpServer = &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	L_info("gateway: listening", "addr", listen, "protocol", ProtocolVersion)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleWS upgrades a connection and runs its handshake + read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_debug("gateway: upgrade failed", "ip", clientIP(r), "error", err)
		return
	}

	var hello HelloFrame
	ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != frameHello {
		L_debug("gateway: bad hello", "ip", clientIP(r))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol-error"), time.Now().Add(time.Second))
		ws.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})

	// Version negotiation: the ranges must overlap.
	if hello.MinProtocol > ProtocolVersion || (hello.MaxProtocol != 0 && hello.MaxProtocol < ProtocolVersion) {
		L_warn("gateway: protocol mismatch",
			"clientMin", hello.MinProtocol, "clientMax", hello.MaxProtocol, "server", ProtocolVersion)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "protocol-error"), time.Now().Add(time.Second))
		ws.Close()
		return
	}

	if err := s.auth.check(r, &hello); err != nil {
		L_warn("gateway: auth failed", "ip", clientIP(r), "client", hello.ClientName)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), time.Now().Add(time.Second))
		ws.Close()
		return
	}

	c := newConn(ws, hello, s.deps.Cfg().Gateway.EventBufferSize)

	// the snapshot lists the connecting client, which is registered below
	snap := s.snapshot()
	snap.Presence = append(snap.Presence, PresenceEntry{
		InstanceID:  hello.InstanceID,
		ClientName:  hello.ClientName,
		Mode:        hello.Mode,
		ConnectedAt: c.joinedAt.UnixMilli(),
	})
	if err := c.writeFrame(HelloOkFrame{
		Type:     frameHelloOk,
		Protocol: ProtocolVersion,
		Snapshot: snap,
	}); err != nil {
		ws.Close()
		return
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	replay := s.resumeFramesLocked(hello.LastSeq)
	s.mu.Unlock()

	go c.writeLoop()
	for _, frame := range replay {
		c.push(frame)
	}

	L_info("gateway: client connected",
		"client", hello.ClientName, "mode", hello.Mode, "instance", hello.InstanceID)
	s.Broadcast(EventPresence, s.presence())

	s.readLoop(c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()

	L_info("gateway: client disconnected", "client", hello.ClientName, "instance", hello.InstanceID)
	s.Broadcast(EventPresence, s.presence())
}

// resumeFramesLocked returns the frames a resuming client missed. When
// the oldest buffered frame is newer than lastSeq+1, a gap frame leads
// the replay. Callers hold s.mu.
func (s *Server) resumeFramesLocked(lastSeq *int64) []EventFrame {
	if lastSeq == nil || len(s.history) == 0 {
		return nil
	}

	expected := *lastSeq + 1
	oldest := s.history[0].Seq

	var out []EventFrame
	if oldest > expected {
		out = append(out, newEventFrame(oldest-1, EventGap, GapPayload{
			Expected: expected,
			Received: oldest,
		}))
	}
	for _, frame := range s.history {
		if frame.Seq >= expected {
			out = append(out, frame)
		}
	}
	return out
}

// readLoop processes RPC requests until the client disconnects.
func (s *Server) readLoop(c *conn) {
	for {
		var req RequestFrame
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != frameRequest || req.Method == "" {
			c.writeResponse(ResponseFrame{
				Type:  frameResponse,
				ID:    req.ID,
				Error: rpcErr(ErrProtocol, "malformed frame"),
			})
			continue
		}
		go s.dispatch(c, req)
	}
}

// dispatch runs one RPC with its server-enforced timeout. Client
// disconnect cancels in-flight expectFinal waits.
func (s *Server) dispatch(c *conn, req RequestFrame) {
	spec, ok := s.methods[req.Method]
	if !ok {
		c.writeResponse(ResponseFrame{
			Type:  frameResponse,
			ID:    req.ID,
			Error: rpcErr(ErrInvalidInput, "unknown method: "+req.Method),
		})
		return
	}

	timeout := spec.timeout
	if timeout == 0 {
		timeout = time.Duration(s.deps.Cfg().Gateway.RPCTimeoutSecs) * time.Second
		if timeout == 0 {
			timeout = 10 * time.Second
		}
	}
	if req.ExpectFinal && spec.finalTimeout > 0 {
		timeout = spec.finalTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// A disconnect aborts only the client-waiting RPC, never a detached run.
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := spec.handler(ctx, c, req)

	var rpcError *RPCError
	if err != nil {
		if re, ok := err.(*RPCError); ok {
			rpcError = re
		} else if ctx.Err() == context.DeadlineExceeded {
			rpcError = rpcErr(ErrTransient, "rpc timed out")
		} else {
			rpcError = rpcErr(ErrInvalidInput, err.Error())
		}
		L_debug("gateway: rpc failed", "method", req.Method, "error", err)
	}

	c.writeResponse(ResponseFrame{
		Type:   frameResponse,
		ID:     req.ID,
		Result: result,
		Error:  rpcError,
	})
}

// Broadcast pushes an event to every connection and records it for
// resume. Pushes happen under the server lock so per-connection seq
// ordering matches allocation order; push never blocks (drop-oldest).
func (s *Server) Broadcast(event string, payload any) {
	s.mu.Lock()
	s.seq++
	frame := newEventFrame(s.seq, event, payload)
	s.history = append(s.history, frame)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	for c := range s.conns {
		c.push(frame)
	}
	s.mu.Unlock()
}

// ChatEvent implements scheduler.Sink: per-run state fan-out plus
// terminal-state waiter wakeup.
func (s *Server) ChatEvent(ev scheduler.ChatEvent) {
	s.Broadcast(EventChat, ev)

	if !ev.State.Terminal() {
		return
	}

	s.waitMu.Lock()
	waiters := s.waiters[ev.SessionKey]
	delete(s.waiters, ev.SessionKey)
	s.waitMu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AgentEvent implements scheduler.Sink: assistant/tool stream fan-out.
func (s *Server) AgentEvent(ev agent.Event) {
	s.Broadcast(EventAgent, ev)
}

// awaitTerminal registers a waiter for the next terminal chat event on a
// session key.
func (s *Server) awaitTerminal(ctx context.Context, sessionKey string) (scheduler.ChatEvent, error) {
	ch := make(chan scheduler.ChatEvent, 1)
	s.waitMu.Lock()
	s.waiters[sessionKey] = append(s.waiters[sessionKey], ch)
	s.waitMu.Unlock()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return scheduler.ChatEvent{}, ctx.Err()
	}
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{
		Presence: s.presence(),
		Health:   s.health(),
	}
}

func (s *Server) presence() []PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]PresenceEntry, 0, len(s.conns))
	for c := range s.conns {
		entries = append(entries, PresenceEntry{
			InstanceID:  c.hello.InstanceID,
			ClientName:  c.hello.ClientName,
			Mode:        c.hello.Mode,
			ConnectedAt: c.joinedAt.UnixMilli(),
		})
	}
	return entries
}

func (s *Server) health() HealthStatus {
	channelsUp := make(map[string]bool)
	if s.deps.Registry != nil {
		for id, st := range s.deps.Registry.Status() {
			channelsUp[id] = st.Running
		}
	}
	sessions := 0
	if s.deps.Store != nil {
		sessions = s.deps.Store.Count()
	}
	return HealthStatus{
		Status:       "healthy",
		SessionCount: sessions,
		UptimeSecs:   int64(time.Since(s.startTime).Seconds()),
		Channels:     channelsUp,
	}
}
