package domain

import (
	"strings"
	"time"
)

// GroupAlias maps a short registered key to the underlying group JID.
// Aliases are created by the /register chat command and resolved by the
// scheduler when a group message targets the alias instead of the raw JID.
type GroupAlias struct {
	ID           int64     `json:"id"`
	Alias        string    `json:"alias"`
	GroupJID     string    `json:"group_jid"`
	Name         string    `json:"name"`
	DeviceKey    string    `json:"device_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AutoReply is a device-scoped keyword responder rule.
type AutoReply struct {
	ID       int64  `json:"id"`
	OwnerID  string `json:"owner_id"`
	DeviceID int64  `json:"device_id"`
	Keyword  string `json:"keyword"`
	Response string `json:"response"`
	Active   bool   `json:"active"`
	Used     int    `json:"used"`
}

// Matches reports whether the rule fires for the given inbound text.
// Matching is exact, case-insensitive, on the trimmed message.
func (a *AutoReply) Matches(text string) bool {
	return a.Active && strings.EqualFold(strings.TrimSpace(text), a.Keyword)
}
