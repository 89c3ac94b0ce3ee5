package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wagate/wagate/internal/domain"
)

// AutoReplyCache holds active keyword rules, refreshed periodically from
// the store so inbound handling never queries the database per message.
type AutoReplyCache struct {
	mu    sync.RWMutex
	rules map[int64][]*domain.AutoReply
}

// NewAutoReplyCache creates an empty cache.
func NewAutoReplyCache() *AutoReplyCache {
	return &AutoReplyCache{rules: make(map[int64][]*domain.AutoReply)}
}

// Replace swaps the full rule set, grouped by device ID.
func (c *AutoReplyCache) Replace(rules []*domain.AutoReply) {
	grouped := make(map[int64][]*domain.AutoReply)
	for _, r := range rules {
		grouped[r.DeviceID] = append(grouped[r.DeviceID], r)
	}

	c.mu.Lock()
	c.rules = grouped
	c.mu.Unlock()
}

// Match returns the first rule on the device that fires for text.
func (c *AutoReplyCache) Match(deviceID int64, text string) (*domain.AutoReply, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules[deviceID] {
		if r.Matches(text) {
			return r, true
		}
	}
	return nil, false
}

// StartAutoReplyLoop refreshes the autoreply cache on an interval until the
// manager shuts down. It loads once immediately.
func (m *Manager) StartAutoReplyLoop(interval time.Duration) {
	if err := m.refreshAutoReplies(m.baseCtx); err != nil {
		slog.Warn("autoreply cache load failed", "error", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.baseCtx.Done():
				return
			case <-ticker.C:
				if err := m.refreshAutoReplies(m.baseCtx); err != nil {
					slog.Warn("autoreply cache refresh failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) refreshAutoReplies(ctx context.Context) error {
	rules, err := m.repo.ListActiveAutoReplies(ctx)
	if err != nil {
		return fmt.Errorf("list active autoreplies: %w", err)
	}
	m.replies.Replace(rules)
	return nil
}

// handleInbound processes an inbound chat message: group chats accept the
// /register and /unregister alias commands, direct chats go through the
// autoreply rules.
func (m *Manager) handleInbound(ctx context.Context, rec *record, ev Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	if ev.IsGroup {
		m.handleGroupCommand(ctx, rec, ev, text)
		return
	}

	rule, ok := m.replies.Match(rec.deviceID, text)
	if !ok {
		return
	}
	if err := rec.transport.Reply(ctx, ev.ChatJID, rule.Response); err != nil {
		slog.Warn("autoreply send failed", "device_key", rec.key, "error", err)
		return
	}
	if err := m.repo.IncrementAutoReplyUsed(ctx, rule.ID); err != nil {
		slog.Warn("autoreply counter update failed", "rule_id", rule.ID, "error", err)
	}
}

func (m *Manager) handleGroupCommand(ctx context.Context, rec *record, ev Event, text string) {
	switch {
	case strings.EqualFold(text, "/register"):
		alias := strings.Split(uuid.NewString(), "-")[0]
		err := m.repo.UpsertGroupAlias(ctx, &domain.GroupAlias{
			Alias:     alias,
			GroupJID:  ev.ChatJID,
			Name:      ev.GroupName,
			DeviceKey: rec.key,
		})
		if err != nil {
			slog.Warn("group registration failed", "device_key", rec.key, "group", ev.ChatJID, "error", err)
			return
		}
		reply := fmt.Sprintf("Group registered. Key: %s", alias)
		if err := rec.transport.Reply(ctx, ev.ChatJID, reply); err != nil {
			slog.Warn("group registration reply failed", "device_key", rec.key, "error", err)
		}
		slog.Info("group registered", "device_key", rec.key, "group", ev.ChatJID, "alias", alias)

	case strings.EqualFold(text, "/unregister"):
		if err := m.repo.DeleteGroupAlias(ctx, rec.key, ev.ChatJID); err != nil {
			slog.Warn("group unregistration failed", "device_key", rec.key, "group", ev.ChatJID, "error", err)
			return
		}
		if err := rec.transport.Reply(ctx, ev.ChatJID, "Group unregistered."); err != nil {
			slog.Warn("group unregistration reply failed", "device_key", rec.key, "error", err)
		}
		slog.Info("group unregistered", "device_key", rec.key, "group", ev.ChatJID)
	}
}
