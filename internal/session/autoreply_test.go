package session

import (
	"context"
	"strings"
	"testing"

	"github.com/wagate/wagate/internal/domain"
)

func TestAutoReplyCacheMatchScopedByDevice(t *testing.T) {
	cache := NewAutoReplyCache()
	cache.Replace([]*domain.AutoReply{
		{ID: 1, DeviceID: 1, Keyword: "price", Response: "Catalog A", Active: true},
		{ID: 2, DeviceID: 1, Keyword: "hours", Response: "9-17", Active: true},
		{ID: 3, DeviceID: 2, Keyword: "price", Response: "Catalog B", Active: true},
	})

	rule, ok := cache.Match(1, " PRICE ")
	if !ok || rule.Response != "Catalog A" {
		t.Errorf("Match(1, price) = %+v, %v", rule, ok)
	}
	rule, ok = cache.Match(2, "price")
	if !ok || rule.Response != "Catalog B" {
		t.Errorf("Match(2, price) = %+v, %v", rule, ok)
	}
	if _, ok := cache.Match(3, "price"); ok {
		t.Error("device without rules should never match")
	}
	if _, ok := cache.Match(1, "something else"); ok {
		t.Error("unmatched text should not fire")
	}
}

func TestAutoReplyCacheReplaceDropsOldRules(t *testing.T) {
	cache := NewAutoReplyCache()
	cache.Replace([]*domain.AutoReply{
		{ID: 1, DeviceID: 1, Keyword: "old", Response: "x", Active: true},
	})
	cache.Replace([]*domain.AutoReply{
		{ID: 2, DeviceID: 1, Keyword: "new", Response: "y", Active: true},
	})

	if _, ok := cache.Match(1, "old"); ok {
		t.Error("replaced rule should be gone")
	}
	if _, ok := cache.Match(1, "new"); !ok {
		t.Error("fresh rule should match")
	}
}

func TestInboundDirectMessageFiresAutoReply(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1")

	ctx := context.Background()
	device, err := f.repo.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	rule := &domain.AutoReply{OwnerID: "owner-1", DeviceID: device.ID, Keyword: "price", Response: "See catalog", Active: true}
	if err := f.repo.CreateAutoReply(ctx, rule); err != nil {
		t.Fatalf("CreateAutoReply failed: %v", err)
	}

	if err := f.manager.CreateSession(ctx, "dev-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := f.manager.refreshAutoReplies(ctx); err != nil {
		t.Fatalf("refreshAutoReplies failed: %v", err)
	}

	tr := f.factory.transport(0)
	tr.push(Event{Kind: EventMessage, ChatJID: "628999@s.whatsapp.net", Text: " price ", IsGroup: false})
	waitFor(t, "autoreply", func() bool { return tr.replyCount() == 1 })

	tr.mu.Lock()
	reply := tr.replies[0]
	tr.mu.Unlock()
	if !strings.Contains(reply, "See catalog") {
		t.Errorf("reply = %q, want the rule response", reply)
	}

	// Unmatched and empty texts stay silent.
	tr.push(Event{Kind: EventMessage, ChatJID: "628999@s.whatsapp.net", Text: "hello"})
	tr.push(Event{Kind: EventMessage, ChatJID: "628999@s.whatsapp.net", Text: "  "})
	tr.push(Event{Kind: EventMessage, ChatJID: "628999@s.whatsapp.net", Text: "price"})
	waitFor(t, "second autoreply", func() bool { return tr.replyCount() == 2 })

	rules, err := f.repo.ListActiveAutoReplies(ctx)
	if err != nil {
		t.Fatalf("ListActiveAutoReplies failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Used != 2 {
		t.Errorf("rules = %+v, want one rule used twice", rules)
	}
}

func TestGroupRegisterCommandCreatesAlias(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1")

	ctx := context.Background()
	if err := f.manager.CreateSession(ctx, "dev-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	tr := f.factory.transport(0)

	groupJID := "120363025246125486@g.us"
	tr.push(Event{Kind: EventMessage, ChatJID: groupJID, Text: "/register", IsGroup: true, GroupName: "Team"})
	waitFor(t, "register reply", func() bool { return tr.replyCount() == 1 })

	tr.mu.Lock()
	reply := tr.replies[0]
	tr.mu.Unlock()
	if !strings.Contains(reply, "Group registered. Key: ") {
		t.Fatalf("reply = %q, want the alias announcement", reply)
	}
	alias := reply[strings.LastIndex(reply, " ")+1:]

	resolved, err := f.repo.ResolveGroupAlias(ctx, "dev-1", alias)
	if err != nil {
		t.Fatalf("ResolveGroupAlias failed: %v", err)
	}
	if resolved == nil || resolved.GroupJID != groupJID {
		t.Errorf("resolved alias = %+v, want group %s", resolved, groupJID)
	}

	tr.push(Event{Kind: EventMessage, ChatJID: groupJID, Text: "/unregister", IsGroup: true})
	waitFor(t, "unregister reply", func() bool { return tr.replyCount() == 2 })

	gone, err := f.repo.ResolveGroupAlias(ctx, "dev-1", alias)
	if err != nil {
		t.Fatalf("ResolveGroupAlias failed: %v", err)
	}
	if gone != nil {
		t.Error("alias should be gone after /unregister")
	}
}

func TestGroupChatIgnoresAutoReplyRules(t *testing.T) {
	f := newFixture(t)
	f.addDevice(t, "dev-1")

	ctx := context.Background()
	device, _ := f.repo.GetDevice(ctx, "dev-1")
	rule := &domain.AutoReply{OwnerID: "owner-1", DeviceID: device.ID, Keyword: "price", Response: "See catalog", Active: true}
	if err := f.repo.CreateAutoReply(ctx, rule); err != nil {
		t.Fatalf("CreateAutoReply failed: %v", err)
	}

	if err := f.manager.CreateSession(ctx, "dev-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := f.manager.refreshAutoReplies(ctx); err != nil {
		t.Fatalf("refreshAutoReplies failed: %v", err)
	}

	tr := f.factory.transport(0)
	tr.push(Event{Kind: EventMessage, ChatJID: "120363025246125486@g.us", Text: "price", IsGroup: true})
	// Give the event loop a moment; keyword rules must not fire in groups.
	tr.push(Event{Kind: EventMessage, ChatJID: "120363025246125486@g.us", Text: "/unregister", IsGroup: true})
	waitFor(t, "unregister reply", func() bool { return tr.replyCount() >= 1 })

	tr.mu.Lock()
	first := tr.replies[0]
	tr.mu.Unlock()
	if strings.Contains(first, "See catalog") {
		t.Error("keyword rule fired inside a group chat")
	}
}
