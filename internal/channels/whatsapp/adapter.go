// Package whatsapp provides the WhatsApp channel adapter, backed by
// whatsmeow with a sqlite device store.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/paths"
)

const maxMessageChars = 65536

// Adapter is the WhatsApp channel.
type Adapter struct {
	cfg func() *config.ChannelConfig

	mu        sync.RWMutex
	client    *whatsmeow.Client
	store     *sqlstore.Container
	rt        types.RuntimeContext
	mediaRoot string

	ctx    context.Context
	cancel context.CancelFunc
}

// clawdisLogger bridges whatsmeow's waLog.Logger to our L_* functions.
type clawdisLogger struct {
	module string
}

func (l *clawdisLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *clawdisLogger) Infof(msg string, args ...interface{}) {
	L_info(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *clawdisLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *clawdisLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *clawdisLogger) Sub(module string) waLog.Logger {
	return &clawdisLogger{module: l.module + "/" + module}
}

// New creates the adapter. The transport connects in StartAccount.
func New(cfg func() *config.ChannelConfig, mediaRoot string) *Adapter {
	return &Adapter{cfg: cfg, mediaRoot: mediaRoot}
}

// Meta implements types.Adapter.
func (a *Adapter) Meta() types.Meta {
	return types.Meta{
		ID:                  "whatsapp",
		Label:               "WhatsApp",
		Order:               10,
		ForceAccountBinding: true,
		QuickstartAllowFrom: true,
	}
}

// Capabilities implements types.Adapter.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		ChatTypes:      []envelope.ChatType{envelope.ChatDirect, envelope.ChatGroup},
		Media:          true,
		Voice:          true,
		BlockStreaming: true,
	}
}

// IsConfigured implements types.Adapter.
func (a *Adapter) IsConfigured() bool {
	cc := a.cfg()
	return cc != nil && cc.IsEnabled(false)
}

// DeliveryMode implements types.Adapter.
func (a *Adapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }

// ConfigPrefixes implements types.Reloadable.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.whatsapp"} }

// StartAccount connects to WhatsApp. The heavy sqlstore/transport wiring
// lives here, never at construction.
func (a *Adapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	dbPath, err := paths.DataPath("whatsapp.db")
	if err != nil {
		return fmt.Errorf("failed to resolve whatsapp db path: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open whatsapp db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", &clawdisLogger{module: "store"})
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get whatsapp device: %w", err)
	}
	if device == nil || device.ID == nil {
		return fmt.Errorf("no whatsapp device paired — run 'clawdis link whatsapp' first")
	}

	client := whatsmeow.NewClient(device, &clawdisLogger{module: "client"})
	client.AddEventHandler(a.handleEvent)

	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: failed to connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.client = client
	a.store = container
	a.rt = rt
	a.ctx = runCtx
	a.cancel = cancel
	a.mu.Unlock()

	rt.SetStatus(types.Status{
		Running:   true,
		Connected: client.IsConnected(),
		StartedAt: time.Now(),
		Info:      client.Store.ID.User,
	})

	L_info("whatsapp: connected", "jid", client.Store.ID)
	return nil
}

// StopAccount disconnects the transport.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	cancel := a.cancel
	a.client = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		L_info("whatsapp: disconnecting")
		client.Disconnect()
	}
	return nil
}

func (a *Adapter) activeClient() *whatsmeow.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// handleEvent is the whatsmeow event handler.
func (a *Adapter) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		a.handleMessage(v)
	case *events.Connected:
		L_info("whatsapp: connected to server")
		a.setConnected(true, nil)
	case *events.Disconnected:
		L_warn("whatsapp: disconnected from server")
		a.setConnected(false, nil)
	case *events.LoggedOut:
		L_error("whatsapp: logged out — re-pair with 'clawdis link whatsapp'", "reason", v.Reason)
		a.setConnected(false, fmt.Errorf("logged out: %v", v.Reason))
	}
}

func (a *Adapter) setConnected(connected bool, err error) {
	a.mu.RLock()
	rt := a.rt
	a.mu.RUnlock()
	if rt == nil {
		return
	}
	st := rt.GetStatus()
	st.Connected = connected
	if err != nil {
		st.Error = err
	}
	rt.SetStatus(st)
}

// handleMessage normalizes an inbound message into an envelope.
func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}

	a.mu.RLock()
	rt := a.rt
	a.mu.RUnlock()
	if rt == nil {
		return
	}

	msg := evt.Message
	text := ""
	var attach *envelope.Media

	switch {
	case msg.GetConversation() != "":
		text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		text = msg.GetExtendedTextMessage().GetText()
	case msg.GetAudioMessage() != nil && msg.GetAudioMessage().GetPTT():
		audio := msg.GetAudioMessage()
		path, err := a.downloadMedia(audio, "voice", ".ogg")
		if err != nil {
			L_error("whatsapp: failed to download voice", "error", err)
			return
		}
		attach = &envelope.Media{Path: path, Mime: audio.GetMimetype()}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		path, err := a.downloadMedia(img, "inbound", mimeToExt(img.GetMimetype()))
		if err != nil {
			L_error("whatsapp: failed to download image", "error", err)
			return
		}
		attach = &envelope.Media{Path: path, Mime: img.GetMimetype()}
		text = img.GetCaption()
	default:
		L_debug("whatsapp: unsupported message type, ignoring")
		return
	}

	env := &envelope.Envelope{
		Surface:    "whatsapp",
		From:       evt.Info.Sender.User,
		ChatType:   envelope.ChatDirect,
		Body:       text,
		MessageID:  string(evt.Info.ID),
		Timestamp:  evt.Info.Timestamp,
		SenderName: evt.Info.PushName,
		Media:      attach,
	}

	if evt.Info.IsGroup {
		env.ChatType = envelope.ChatGroup
		env.From = evt.Info.Chat.String()
		env.SenderIdentity = evt.Info.Sender.User
		if ext := msg.GetExtendedTextMessage(); ext != nil {
			ctxInfo := ext.GetContextInfo()
			for _, jid := range ctxInfo.GetMentionedJID() {
				if a.isSelf(jid) {
					env.WasMentioned = true
				}
			}
			if q := ctxInfo.GetQuotedMessage(); q != nil {
				env.ReplyToBody = q.GetConversation()
				env.ReplyToID = ctxInfo.GetStanzaID()
			}
		}
	}

	rt.Ingest(env)
}

func (a *Adapter) isSelf(jid string) bool {
	client := a.activeClient()
	if client == nil || client.Store.ID == nil {
		return false
	}
	return strings.HasPrefix(jid, client.Store.ID.User)
}

// downloadMedia fetches an inbound attachment into the media cache.
func (a *Adapter) downloadMedia(msg whatsmeow.DownloadableMessage, category, ext string) (string, error) {
	client := a.activeClient()
	if client == nil {
		return "", fmt.Errorf("not connected")
	}
	data, err := client.Download(a.ctx, msg)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}

	dir := a.mediaRoot
	if dir == "" {
		dir = os.TempDir()
	}
	path := fmt.Sprintf("%s/%s/%d%s", dir, category, time.Now().UnixNano(), ext)
	if err := paths.EnsureParentDir(path); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("save failed: %w", err)
	}
	return path, nil
}

// ChunkText implements types.Adapter.
func (a *Adapter) ChunkText(text string) []string {
	limit := maxMessageChars
	if cc := a.cfg(); cc != nil && cc.TextChunkLimit > 0 {
		limit = cc.TextChunkLimit
	}
	return channels.ChunkText(FormatMessage(text), limit)
}

// ResolveTarget implements types.Adapter. Allowlists stay authoritative
// for explicit targets.
func (a *Adapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	switch mode {
	case types.TargetExplicit:
		if explicit == "" {
			return "", fmt.Errorf("whatsapp: no recipient")
		}
		cc := a.cfg()
		if cc != nil && len(cc.AllowFrom) > 0 && !channels.AllowFromMatches(cc.AllowFrom, explicit) {
			return "", fmt.Errorf("whatsapp: recipient %s not in allowlist", explicit)
		}
		return explicit, nil
	default:
		if env == nil {
			return "", fmt.Errorf("whatsapp: no envelope to reply to")
		}
		return env.From, nil
	}
}

// SendText implements types.Adapter.
func (a *Adapter) SendText(ctx context.Context, target, text string) (string, error) {
	client := a.activeClient()
	if client == nil {
		return "", fmt.Errorf("whatsapp: not connected")
	}
	jid := targetToJID(target)
	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

// SendMedia implements types.Adapter.
func (a *Adapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	return a.sendMediaFile(ctx, target, path, caption, false)
}

// SendVoice implements types.VoiceSender: audio goes out as a PTT note.
func (a *Adapter) SendVoice(ctx context.Context, target, path string) error {
	_, err := a.sendMediaFile(ctx, target, path, "", true)
	return err
}

func (a *Adapter) sendMediaFile(ctx context.Context, target, path, caption string, voice bool) (string, error) {
	client := a.activeClient()
	if client == nil {
		return "", fmt.Errorf("whatsapp: not connected")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	mimeType := media.Sniff(data, path)

	resp, err := client.Upload(ctx, data, mimeToMediaType(mimeType))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	msg := buildMediaMessage(mimeType, &resp, caption, uint64(len(data)), voice)
	sendResp, err := client.SendMessage(ctx, targetToJID(target), msg)
	if err != nil {
		return "", err
	}
	return string(sendResp.ID), nil
}

// HeartbeatReady implements types.HeartbeatGate.
func (a *Adapter) HeartbeatReady() string {
	cc := a.cfg()
	if cc == nil || !cc.IsEnabled(false) {
		return "whatsapp-disabled"
	}

	client := a.activeClient()
	if client == nil {
		return "whatsapp-not-running"
	}
	if client.Store.ID == nil {
		return "whatsapp-not-linked"
	}
	if !client.IsConnected() {
		return "whatsapp-not-running"
	}
	return ""
}

// ResolveHeartbeatTarget implements types.HeartbeatGate: a recipient
// outside a non-wildcard allowlist is replaced by the first allowlisted
// number.
func (a *Adapter) ResolveHeartbeatTarget(to string) (string, string) {
	cc := a.cfg()
	if cc == nil || len(cc.AllowFrom) == 0 {
		return to, ""
	}
	if channels.AllowFromIsWildcard(cc.AllowFrom) || channels.AllowFromMatches(cc.AllowFrom, to) {
		return to, ""
	}
	return cc.AllowFrom[0], "allowFrom-fallback"
}

// NormalizePeer implements types.PairingNormalizer.
func (a *Adapter) NormalizePeer(peer string) string {
	peer = strings.TrimPrefix(peer, "+")
	if i := strings.Index(peer, "@"); i >= 0 {
		peer = peer[:i]
	}
	return peer
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
	var warnings []string
	if cc.DMPolicy == "open" {
		warnings = append(warnings, "whatsapp: dmPolicy=open accepts messages from anyone")
	}
	if channels.AllowFromIsWildcard(cc.AllowFrom) {
		warnings = append(warnings, "whatsapp: allowFrom=[\"*\"] admits any sender")
	}
	return warnings
}

// targetToJID converts a phone number or JID string to a whatsmeow JID.
func targetToJID(target string) watypes.JID {
	if strings.Contains(target, "@") {
		if jid, err := watypes.ParseJID(target); err == nil {
			return jid
		}
	}
	return watypes.NewJID(strings.TrimPrefix(target, "+"), watypes.DefaultUserServer)
}

// buildMediaMessage creates the proto message for a media upload.
func buildMediaMessage(mimeType string, resp *whatsmeow.UploadResponse, caption string, fileLength uint64, voice bool) *waE2E.Message {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	case strings.HasPrefix(mimeType, "video/"):
		return &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	case strings.HasPrefix(mimeType, "audio/"):
		return &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				PTT:           proto.Bool(voice),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	default:
		return &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           &resp.URL,
				DirectPath:    &resp.DirectPath,
				MediaKey:      resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256,
				FileSHA256:    resp.FileSHA256,
				FileLength:    &fileLength,
			},
		}
	}
}

// mimeToMediaType maps a MIME type to whatsmeow's MediaType for upload.
func mimeToMediaType(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// mimeToExt returns a file extension for common MIME types.
func mimeToExt(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	default:
		return ".bin"
	}
}
