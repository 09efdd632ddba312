// Package imessage provides the iMessage channel adapter for macOS.
// Inbound messages are polled from the Messages chat.db (sqlite);
// outbound sends go through osascript driving Messages.app.
package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	. "github.com/clawdis/clawdis/internal/logging"
)

const (
	maxMessageChars = 8000
	pollInterval    = 2 * time.Second

	// Apple epoch offset: chat.db dates are nanoseconds since 2001-01-01.
	appleEpochOffset = 978307200
)

// Adapter is the iMessage channel.
type Adapter struct {
	cfg func() *config.ChannelConfig

	mu      sync.Mutex
	db      *sql.DB
	rt      types.RuntimeContext
	cancel  context.CancelFunc
	lastRow int64
}

// New creates the adapter. The chat.db opens in StartAccount.
func New(cfg func() *config.ChannelConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// Meta implements types.Adapter.
func (a *Adapter) Meta() types.Meta {
	return types.Meta{ID: "imessage", Label: "iMessage", Order: 50}
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
	return cc != nil && cc.IsEnabled(false)
}

// DeliveryMode implements types.Adapter.
func (a *Adapter) DeliveryMode() types.DeliveryMode { return types.DeliverMedia }

// ConfigPrefixes implements types.Reloadable.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.imessage"} }

func (a *Adapter) dbPath() string {
	if cc := a.cfg(); cc != nil && cc.DBPath != "" {
		return cc.DBPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// StartAccount opens chat.db read-only and starts the poll loop.
func (a *Adapter) StartAccount(ctx context.Context, rt types.RuntimeContext) error {
	path := a.dbPath()
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("imessage: cannot open chat.db: %w", err)
	}

	// High-water mark: only messages after startup are ingested.
	var lastRow int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ROWID), 0) FROM message`).Scan(&lastRow); err != nil {
		db.Close()
		return fmt.Errorf("imessage: cannot read chat.db (grant Full Disk Access): %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.db = db
	a.rt = rt
	a.cancel = cancel
	a.lastRow = lastRow
	a.mu.Unlock()

	go a.pollLoop(runCtx)

	rt.SetStatus(types.Status{
		Running:   true,
		Connected: true,
		StartedAt: time.Now(),
		Info:      path,
	})

	L_info("imessage: watching chat.db", "path", path, "fromRow", lastRow)
	return nil
}

// StopAccount stops polling and closes the database.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	cancel := a.cancel
	a.db = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if db != nil {
		return db.Close()
	}
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				L_warn("imessage: poll failed", "error", err)
			}
		}
	}
}

// poll reads messages newer than the high-water mark.
func (a *Adapter) poll(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	lastRow := a.lastRow
	rt := a.rt
	a.mu.Unlock()
	if db == nil || rt == nil {
		return nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.ROWID, m.guid, COALESCE(m.text, ''), m.date, m.is_from_me,
		       COALESCE(h.id, ''), COALESCE(c.chat_identifier, ''), COALESCE(c.display_name, ''),
		       COALESCE(c.style, 0)
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		LEFT JOIN chat c ON c.ROWID = cmj.chat_id
		WHERE m.ROWID > ?
		ORDER BY m.ROWID ASC`, lastRow)
	if err != nil {
		return err
	}
	defer rows.Close()

	maxRow := lastRow
	for rows.Next() {
		var rowID, date int64
		var guid, text, handle, chatID, displayName string
		var isFromMe, style int
		if err := rows.Scan(&rowID, &guid, &text, &date, &isFromMe, &handle, &chatID, &displayName, &style); err != nil {
			continue
		}
		if rowID > maxRow {
			maxRow = rowID
		}
		if isFromMe == 1 || strings.TrimSpace(text) == "" {
			continue
		}

		env := &envelope.Envelope{
			Surface:    "imessage",
			From:       handle,
			ChatType:   envelope.ChatDirect,
			Body:       text,
			MessageID:  guid,
			Timestamp:  time.Unix(date/1e9+appleEpochOffset, date%1e9),
			SenderName: handle,
		}
		// style 43 marks a group chat in chat.db.
		if style == 43 {
			env.ChatType = envelope.ChatGroup
			env.From = chatID
			env.GroupSubject = displayName
			env.SenderIdentity = handle
		}

		rt.Ingest(env)
	}

	a.mu.Lock()
	if maxRow > a.lastRow {
		a.lastRow = maxRow
	}
	a.mu.Unlock()
	return rows.Err()
}

// ChunkText implements types.Adapter.
func (a *Adapter) ChunkText(text string) []string {
	limit := maxMessageChars
	if cc := a.cfg(); cc != nil && cc.TextChunkLimit > 0 && cc.TextChunkLimit < maxMessageChars {
		limit = cc.TextChunkLimit
	}
	return channels.ChunkText(text, limit)
}

// ResolveTarget implements types.Adapter.
func (a *Adapter) ResolveTarget(env *envelope.Envelope, mode types.TargetMode, explicit string) (string, error) {
	if mode == types.TargetExplicit {
		if explicit == "" {
			return "", fmt.Errorf("imessage: no recipient")
		}
		return explicit, nil
	}
	if env == nil {
		return "", fmt.Errorf("imessage: no envelope to reply to")
	}
	return env.From, nil
}

// SendText implements types.Adapter, via osascript.
func (a *Adapter) SendText(ctx context.Context, target, text string) (string, error) {
	script := fmt.Sprintf(
		`tell application "Messages" to send %s to buddy %s of (service 1 whose service type is iMessage)`,
		appleScriptString(text), appleScriptString(target))
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("imessage: osascript send failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return "", nil
}

// SendMedia implements types.Adapter: Messages.app attaches files sent as
// POSIX file references.
func (a *Adapter) SendMedia(ctx context.Context, target, path, caption string) (string, error) {
	script := fmt.Sprintf(
		`tell application "Messages" to send POSIX file %s to buddy %s of (service 1 whose service type is iMessage)`,
		appleScriptString(path), appleScriptString(target))
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("imessage: osascript media send failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if caption != "" {
		return a.SendText(ctx, target, caption)
	}
	return "", nil
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
	if _, err := os.Stat(a.dbPath()); err != nil {
		return []string{"imessage: chat.db not readable (grant Full Disk Access to clawdis)"}
	}
	return nil
}

// appleScriptString quotes a Go string as an AppleScript literal.
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
