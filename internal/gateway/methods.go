package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/paths"
	"github.com/clawdis/clawdis/internal/policy"
	"github.com/clawdis/clawdis/internal/session"
)

// methodSpec binds an RPC method to its handler and timeouts.
type methodSpec struct {
	handler      func(ctx context.Context, c *conn, req RequestFrame) (any, error)
	timeout      time.Duration // 0 = server default
	finalTimeout time.Duration // used when the request sets expectFinal
}

func (s *Server) registerMethods() {
	s.methods = map[string]methodSpec{
		"health":           {handler: s.rpcHealth},
		"chat.history":     {handler: s.rpcChatHistory},
		"chat.send":        {handler: s.rpcChatSend, finalTimeout: 10 * time.Minute},
		"chat.abort":       {handler: s.rpcChatAbort, finalTimeout: 30 * time.Second},
		"chat.inject":      {handler: s.rpcChatInject},
		"sessions.list":    {handler: s.rpcSessionsList},
		"sessions.patch":   {handler: s.rpcSessionsPatch},
		"sessions.reset":   {handler: s.rpcSessionsReset},
		"nodes.list":       {handler: s.rpcNodesList},
		"providers.status": {handler: s.rpcProvidersStatus},
		"channels.status":  {handler: s.rpcChannelsStatus},
		"channels.logout":  {handler: s.rpcChannelsLogout, timeout: 30 * time.Second},
		"channels.restart": {handler: s.rpcChannelsRestart, timeout: 30 * time.Second},
		"config.get":       {handler: s.rpcConfigGet},
		"config.put":       {handler: s.rpcConfigPut},
		"cron.list":        {handler: s.rpcCronList},
		"cron.status":      {handler: s.rpcCronStatus},
		"cron.run":         {handler: s.rpcCronRun, timeout: 10 * time.Minute},
		"cron.add":         {handler: s.rpcCronAdd},
		"cron.remove":      {handler: s.rpcCronRemove},
		"skills.list":      {handler: s.rpcSkillsList},
		"web.login.start":  {handler: s.rpcWebLoginStart},
		"web.login.wait":   {handler: s.rpcWebLoginWait, timeout: 5 * time.Minute},
		"pairing.list":     {handler: s.rpcPairingList},
		"pairing.approve":  {handler: s.rpcPairingApprove},
		"heartbeat.wake":   {handler: s.rpcHeartbeatWake, timeout: 2 * time.Minute},
	}
}

func unmarshalParams(req RequestFrame, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return rpcErr(ErrInvalidInput, "malformed params: "+err.Error())
	}
	return nil
}

func (s *Server) rpcHealth(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	return s.health(), nil
}

// --- chat ---

type chatSendParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
}

func (s *Server) rpcChatSend(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p chatSendParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, &RPCError{Kind: ErrInvalidInput, Message: "message is required", Field: "message"}
	}

	surface := p.Channel
	if surface == "" {
		surface = "webchat"
	}
	from := p.To
	if from == "" {
		from = c.hello.InstanceID
	}
	if from == "" {
		from = uuid.New().String()
	}

	env := &envelope.Envelope{
		Surface:   surface,
		From:      from,
		ChatType:  envelope.ChatDirect,
		Body:      p.Message,
		MessageID: uuid.New().String(),
		Timestamp: time.Now(),
	}

	cfg := s.deps.Cfg()
	key := p.SessionKey
	if key == "" {
		key = session.ResolveKey(env, session.Scope(cfg.Session.Scope), cfg.Session.MainKey)
	}

	s.deps.Sched.Dispatch(env)

	if !req.ExpectFinal {
		return map[string]any{"queued": true, "sessionKey": key}, nil
	}

	ev, err := s.awaitTerminal(ctx, key)
	if err != nil {
		return nil, rpcErr(ErrAborted, "client stopped waiting")
	}
	return ev, nil
}

type chatAbortParams struct {
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

func (s *Server) rpcChatAbort(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p chatAbortParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}

	aborted := false
	switch {
	case p.RunID != "":
		aborted = s.deps.Sched.Abort(p.RunID)
	case p.SessionKey != "":
		aborted = s.deps.Sched.AbortSession(p.SessionKey)
	default:
		return nil, &RPCError{Kind: ErrInvalidInput, Message: "runId or sessionKey required", Field: "runId"}
	}

	// Abort is idempotent: an unknown or already-terminal run is ok/no-op.
	return map[string]any{"ok": true, "aborted": aborted}, nil
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

func (s *Server) rpcChatHistory(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p chatHistoryParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	entry := s.deps.Store.Get(p.SessionKey)
	if entry == nil {
		return nil, rpcErr(ErrChatNotFound, "no session for key "+p.SessionKey)
	}
	limit := p.Limit
	if limit == 0 {
		limit = 200
	}
	records, err := s.deps.Transcripts.History(entry.SessionID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": entry.SessionID, "records": records}, nil
}

type chatInjectParams struct {
	SessionKey string `json:"sessionKey"`
	Body       string `json:"body"`
	Role       string `json:"role,omitempty"`
}

func (s *Server) rpcChatInject(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p chatInjectParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	entry := s.deps.Store.Get(p.SessionKey)
	if entry == nil {
		return nil, rpcErr(ErrChatNotFound, "no session for key "+p.SessionKey)
	}
	role := p.Role
	if role == "" {
		role = "system"
	}
	err := s.deps.Transcripts.Append(entry.SessionID, session.Record{
		Kind: "context", Role: role, Body: p.Body,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// --- sessions ---

func (s *Server) rpcSessionsList(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	return s.deps.Store.List(), nil
}

type sessionsPatchParams struct {
	Key             string  `json:"key"`
	ThinkingLevel   *string `json:"thinkingLevel,omitempty"`
	VerboseLevel    *string `json:"verboseLevel,omitempty"`
	GroupActivation *string `json:"groupActivation,omitempty"`
	Model           *string `json:"model,omitempty"`
}

func (s *Server) rpcSessionsPatch(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p sessionsPatchParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, &RPCError{Kind: ErrInvalidInput, Message: "key is required", Field: "key"}
	}
	entry, err := s.deps.Store.Patch(p.Key, session.Patch{
		ThinkingLevel:   p.ThinkingLevel,
		VerboseLevel:    p.VerboseLevel,
		GroupActivation: p.GroupActivation,
		Model:           p.Model,
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type sessionsResetParams struct {
	Key string `json:"key"`
}

func (s *Server) rpcSessionsReset(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p sessionsResetParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	return map[string]any{"ok": s.deps.Store.Reset(p.Key)}, nil
}

// --- nodes / providers / channels ---

func (s *Server) rpcNodesList(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	if s.deps.Nodes == nil {
		return map[string]any{"pending": nil, "paired": nil}, nil
	}
	pending, paired := s.deps.Nodes.List()
	return map[string]any{"pending": pending, "paired": paired}, nil
}

func (s *Server) rpcProvidersStatus(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	cfg := s.deps.Cfg()
	return map[string]any{
		"provider":   cfg.Agent.Provider,
		"model":      cfg.Agent.Model,
		"configured": cfg.Agent.APIKey != "",
	}, nil
}

func (s *Server) rpcChannelsStatus(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	statuses := s.deps.Registry.Status()
	out := make(map[string]any, len(statuses))
	for id, st := range statuses {
		errStr := ""
		if st.Error != nil {
			errStr = st.Error.Error()
		}
		out[id] = map[string]any{
			"running":   st.Running,
			"connected": st.Connected,
			"info":      st.Info,
			"error":     errStr,
		}
	}
	return out, nil
}

type channelParams struct {
	Channel string `json:"channel"`
}

func (s *Server) rpcChannelsLogout(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p channelParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	a := s.deps.Registry.Get(p.Channel)
	if a == nil {
		return nil, rpcErr(ErrInvalidInput, "unknown channel: "+p.Channel)
	}
	linker, ok := a.(interface{ LogoutAccount(context.Context) error })
	if !ok {
		return nil, rpcErr(ErrInvalidInput, p.Channel+" does not support logout")
	}
	if err := linker.LogoutAccount(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) rpcChannelsRestart(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p channelParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if s.deps.Registry.Get(p.Channel) == nil {
		return nil, rpcErr(ErrInvalidInput, "unknown channel: "+p.Channel)
	}
	s.deps.Registry.Restart(p.Channel)
	return map[string]any{"ok": true}, nil
}

// --- config ---

func (s *Server) rpcConfigGet(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	return config.Document(s.deps.Cfg())
}

type configPutParams struct {
	Config map[string]any `json:"config"`
}

func (s *Server) rpcConfigPut(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p configPutParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if p.Config == nil {
		return nil, &RPCError{Kind: ErrInvalidInput, Message: "config is required", Field: "config"}
	}
	cfg, err := config.FromDocument(p.Config)
	if err != nil {
		return nil, &RPCError{Kind: ErrInvalidInput, Message: err.Error(), Field: "config"}
	}

	path, err := pathsConfig()
	if err != nil {
		return nil, err
	}
	if err := config.Save(path, cfg); err != nil {
		return nil, err
	}
	if s.deps.Watcher != nil {
		s.deps.Watcher.Apply(cfg)
	}
	return map[string]any{"ok": true}, nil
}

// --- cron ---

func (s *Server) rpcCronList(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	if s.deps.Cron == nil {
		return nil, rpcErr(ErrInvalidInput, "cron service not running")
	}
	return s.deps.Cron.List(), nil
}

func (s *Server) rpcCronStatus(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	if s.deps.Cron == nil {
		return nil, rpcErr(ErrInvalidInput, "cron service not running")
	}
	return s.deps.Cron.Status(), nil
}

type cronJobParams struct {
	ID string `json:"id"`
}

func (s *Server) rpcCronRun(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p cronJobParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if s.deps.Cron == nil {
		return nil, rpcErr(ErrInvalidInput, "cron service not running")
	}
	return s.deps.Cron.RunNow(ctx, p.ID)
}

type cronAddParams struct {
	Job json.RawMessage `json:"job"`
}

func (s *Server) rpcCronAdd(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p cronAddParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if s.deps.Cron == nil {
		return nil, rpcErr(ErrInvalidInput, "cron service not running")
	}
	job, err := s.deps.Cron.AddFromJSON(p.Job)
	if err != nil {
		return nil, &RPCError{Kind: ErrInvalidInput, Message: err.Error(), Field: "job"}
	}
	return job, nil
}

func (s *Server) rpcCronRemove(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p cronJobParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if s.deps.Cron == nil {
		return nil, rpcErr(ErrInvalidInput, "cron service not running")
	}
	if err := s.deps.Cron.Remove(p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// --- skills ---

func (s *Server) rpcSkillsList(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	if s.deps.Skills == nil {
		return []any{}, nil
	}
	return s.deps.Skills.List(), nil
}

// --- web login ---

func (s *Server) rpcWebLoginStart(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	if s.deps.Pairing == nil {
		return nil, rpcErr(ErrInvalidInput, "pairing not available")
	}
	peer := c.hello.InstanceID
	if peer == "" {
		peer = uuid.New().String()
	}
	code, err := s.deps.Pairing.Request("web", peer)
	if err != nil {
		return nil, rpcErr(ErrRateLimit, err.Error())
	}
	return map[string]any{"code": code, "peer": peer}, nil
}

type webLoginWaitParams struct {
	Code string `json:"code"`
}

func (s *Server) rpcWebLoginWait(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p webLoginWaitParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if s.deps.Pairing == nil {
		return nil, rpcErr(ErrInvalidInput, "pairing not available")
	}

	started := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending := false
		for _, r := range s.deps.Pairing.List("web") {
			if r.Code == p.Code {
				pending = true
				break
			}
		}
		if !pending {
			if time.Since(started) > policy.PairingTTL {
				return nil, rpcErr(ErrAuth, "login code expired")
			}
			return map[string]any{"approved": true}, nil
		}

		select {
		case <-ctx.Done():
			return nil, rpcErr(ErrAborted, "client stopped waiting")
		case <-ticker.C:
		}
	}
}

// --- pairing ---

type pairingListParams struct {
	Channel string `json:"channel,omitempty"`
}

func (s *Server) rpcPairingList(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p pairingListParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if s.deps.Pairing == nil {
		return []any{}, nil
	}
	return s.deps.Pairing.List(p.Channel), nil
}

type pairingApproveParams struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

func (s *Server) rpcPairingApprove(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	var p pairingApproveParams
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}
	if s.deps.Pairing == nil {
		return nil, rpcErr(ErrInvalidInput, "pairing not available")
	}
	approved, err := s.deps.Pairing.Approve(p.Channel, p.Code)
	if err != nil {
		return nil, rpcErr(ErrInvalidInput, err.Error())
	}
	return approved, nil
}

// --- heartbeat ---

func (s *Server) rpcHeartbeatWake(ctx context.Context, c *conn, req RequestFrame) (any, error) {
	if s.deps.Heartbeat == nil {
		return nil, rpcErr(ErrInvalidInput, "heartbeat not running")
	}
	result := s.deps.Heartbeat.RunOnce(ctx)
	return result, nil
}

// pathsConfig resolves the active config path, defaulting to the state dir.
func pathsConfig() (string, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return "", err
	}
	if path == "" {
		return paths.DefaultConfigPath()
	}
	return path, nil
}
