// Package signal provides the Signal channel adapter. It speaks JSON-RPC
// to a signal-cli daemon over TCP; there is no maintained native Go
// client library for the Signal protocol, so the daemon owns the
// transport and this adapter owns normalization and sends.
package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

const (
	defaultRPCAddr  = "127.0.0.1:7583"
	maxMessageChars = 4000
	rpcTimeout      = 15 * time.Second
)

// rpcRequest is a JSON-RPC 2.0 request to signal-cli.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage is any inbound JSON-RPC frame: a response or a notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// receiveParams is the shape of signal-cli "receive" notifications.
type receiveParams struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message  string `json:"message"`
			Mentions []struct {
				Name string `json:"name"`
			} `json:"mentions,omitempty"`
			GroupInfo *struct {
				GroupID   string `json:"groupId"`
				GroupName string `json:"groupName,omitempty"`
			} `json:"groupInfo,omitempty"`
			Quote *struct {
				ID     int64  `json:"id"`
				Author string `json:"author"`
				Text   string `json:"text"`
			} `json:"quote,omitempty"`
		} `json:"dataMessage,omitempty"`
	} `json:"envelope"`
	Account string `json:"account"`
}

// Adapter is the Signal channel.
type Adapter struct {
	cfg func() *config.ChannelConfig

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	rt     types.RuntimeContext
	cancel context.CancelFunc

	nextID  int64
	pending map[int64]chan rpcMessage
}

// New creates the adapter. The daemon connection opens in StartAccount.
func New(cfg func() *config.ChannelConfig) *Adapter {
	return &Adapter{cfg: cfg, pending: make(map[int64]chan rpcMessage)}
}

// Meta implements types.Adapter.
func (a *Adapter) Meta() types.Meta {
	return types.Meta{ID: "signal", Label: "Signal", Order: 40}
}

// Capabilities implements types.Adapter.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		ChatTypes: []envelope.ChatType{envelope.ChatDirect, envelope.ChatGroup},
		Media:     true,
	}
}

// IsConfigured implements types.Adapter.
func (a *Adapter) IsConfigured() bool {
	cc := a.cfg()
	return cc != nil && cc.IsEnabled(false) && cc.Account != ""
}

// DeliveryMode implements types.Adapter.
func (a *Adapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }

// ConfigPrefixes implements types.Reloadable.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.signal"} }

// StartAccount connects to the signal-cli daemon.
func (a *Adapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	cc := a.cfg()
	addr := defaultRPCAddr
	if cc != nil && cc.RPCAddr != "" {
		addr = cc.RPCAddr
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("signal: cannot reach signal-cli daemon at %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.conn = conn
	a.writer = bufio.NewWriter(conn)
	a.rt = rt
	a.cancel = cancel
	a.mu.Unlock()

	go a.readLoop(runCtx, conn)

	rt.SetStatus(types.Status{
		Running:   true,
		Connected: true,
		StartedAt: time.Now(),
		Info:      cc.Account,
	})

	L_info("signal: connected to daemon", "addr", addr, "account", cc.Account)
	return nil
}

// StopAccount closes the daemon connection.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	cancel := a.cancel
	a.conn = nil
	a.writer = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop drains daemon frames: responses resolve pending calls,
// "receive" notifications become envelopes.
func (a *Adapter) readLoop(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			L_debug("signal: skipping malformed frame", "error", err)
			continue
		}

		if msg.ID != nil {
			a.mu.Lock()
			ch := a.pending[*msg.ID]
			delete(a.pending, *msg.ID)
			a.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
			continue
		}

		if msg.Method == "receive" {
			a.handleReceive(msg.Params)
		}
	}

	if ctx.Err() == nil {
		L_warn("signal: daemon connection closed")
		a.mu.Lock()
		rt := a.rt
		a.mu.Unlock()
		if rt != nil {
			st := rt.GetStatus()
			st.Connected = false
			rt.SetStatus(st)
		}
	}
}

// handleReceive normalizes one receive notification into an envelope.
func (a *Adapter) handleReceive(raw json.RawMessage) {
	a.mu.Lock()
	rt := a.rt
	a.mu.Unlock()
	if rt == nil {
		return
	}

	var p receiveParams
	if err := json.Unmarshal(raw, &p); err != nil {
		L_debug("signal: malformed receive params", "error", err)
		return
	}
	dm := p.Envelope.DataMessage
	if dm == nil || dm.Message == "" {
		return
	}

	env := &envelope.Envelope{
		Surface:    "signal",
		From:       p.Envelope.Source,
		ChatType:   envelope.ChatDirect,
		Body:       dm.Message,
		MessageID:  fmt.Sprintf("%d", p.Envelope.Timestamp),
		Timestamp:  time.UnixMilli(p.Envelope.Timestamp),
		SenderName: p.Envelope.SourceName,
		AccountID:  p.Account,
	}
	if dm.GroupInfo != nil {
		env.ChatType = envelope.ChatGroup
		env.From = dm.GroupInfo.GroupID
		env.GroupSubject = dm.GroupInfo.GroupName
		env.SenderIdentity = p.Envelope.Source
	}
	if dm.Quote != nil {
		env.ReplyToID = fmt.Sprintf("%d", dm.Quote.ID)
		env.ReplyToBody = dm.Quote.Text
		env.ReplyToSender = dm.Quote.Author
	}

	rt.Ingest(env)
}

// call performs one JSON-RPC request against the daemon.
func (a *Adapter) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	a.mu.Lock()
	writer := a.writer
	if writer == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("signal: not connected")
	}
	id := atomic.AddInt64(&a.nextID, 1)
	ch := make(chan rpcMessage, 1)
	a.pending[id] = ch

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err == nil {
		_, err = writer.Write(append(data, '\n'))
		if err == nil {
			err = writer.Flush()
		}
	}
	a.mu.Unlock()

	if err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, fmt.Errorf("signal: write failed: %w", err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("signal: %s (code %d)", msg.Error.Message, msg.Error.Code)
		}
		return msg.Result, nil
	case <-time.After(rpcTimeout):
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, fmt.Errorf("signal: rpc timeout for %s", method)
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ChunkText implements types.Adapter.
func (a *Adapter) ChunkText(text string) []string {
	limit := maxMessageChars
	if cc := a.cfg(); cc != nil && cc.TextChunkLimit > 0 && cc.TextChunkLimit < maxMessageChars {
		limit = cc.TextChunkLimit
	}
	return channels.ChunkText(text, limit)
}

// ResolveTarget implements types.Adapter. Group ids are prefixed so the
// send path can tell them apart from numbers.
func (a *Adapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	if mode == types.TargetExplicit {
		if explicit == "" {
			return "", fmt.Errorf("signal: no recipient")
		}
		return explicit, nil
	}
	if env == nil {
		return "", fmt.Errorf("signal: no envelope to reply to")
	}
	if env.ChatType == envelope.ChatGroup {
		return "group:" + env.From, nil
	}
	return env.From, nil
}

func sendParams(account, target, message string, attachments []string) map[string]any {
	params := map[string]any{"account": account, "message": message}
	if len(attachments) > 0 {
		params["attachments"] = attachments
	}
	if gid, ok := strings.CutPrefix(target, "group:"); ok {
		params["groupId"] = gid
	} else {
		params["recipient"] = []string{target}
	}
	return params
}

// SendText implements types.Adapter.
func (a *Adapter) SendText(ctx context.Context, target, text string) (string, error) {
	cc := a.cfg()
	if cc == nil {
		return "", fmt.Errorf("signal: not configured")
	}
	result, err := a.call(ctx, "send", sendParams(cc.Account, target, text, nil))
	if err != nil {
		return "", err
	}
	var res struct {
		Timestamp int64 `json:"timestamp"`
	}
	_ = json.Unmarshal(result, &res)
	return fmt.Sprintf("%d", res.Timestamp), nil
}

// SendMedia implements types.Adapter.
func (a *Adapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	cc := a.cfg()
	if cc == nil {
		return "", fmt.Errorf("signal: not configured")
	}
	result, err := a.call(ctx, "send", sendParams(cc.Account, target, caption, []string{path}))
	if err != nil {
		return "", err
	}
	var res struct {
		Timestamp int64 `json:"timestamp"`
	}
	_ = json.Unmarshal(result, &res)
	return fmt.Sprintf("%d", res.Timestamp), nil
}

// DMPolicy implements types.SecurityAuditor.
func (a *Adapter) DMPolicy() string {
	cc := a.cfg()
	if cc == nil || cc.DMPolicy == "" {
		return "allowlist"
	}
	return cc.DMPolicy
}

// CollectWarnings implements types.SecurityAuditor.
func (a *Adapter) CollectWarnings() []string {
	cc := a.cfg()
	if cc == nil {
		return nil
	}
	if cc.DMPolicy == "open" {
		return []string{"signal: dmPolicy=open accepts messages from anyone"}
	}
	return nil
}
