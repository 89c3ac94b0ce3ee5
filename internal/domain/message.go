package domain

import (
	"regexp"
	"strings"
	"time"
)

// Message classes. Each class is drained independently by the scheduler.
const (
	ClassPersonal = "personal"
	ClassGroup    = "group"
	ClassBulk     = "bulk"
)

// Classes lists all message classes in scheduling order.
var Classes = []string{ClassPersonal, ClassGroup, ClassBulk}

// Message status values. Transitions are monotonic:
// pending -> processing -> sent|failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// Message is a queued outbound message.
type Message struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	DeviceID  int64     `json:"device_id"`
	Class     string    `json:"class"`
	Recipient string    `json:"recipient"` // comma-separated for bulk
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	Response  string    `json:"response,omitempty"`
	Tags      string    `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recipients splits the recipient column into individual trimmed targets.
func (m *Message) Recipients() []string {
	parts := strings.Split(m.Recipient, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ClassifyRecipient infers the message class from the target shape:
// group flag wins, multiple recipients make it bulk, else personal.
func ClassifyRecipient(recipient string, group bool) string {
	if group {
		return ClassGroup
	}
	if len(strings.Split(recipient, ",")) > 1 {
		return ClassBulk
	}
	return ClassPersonal
}

// SendResult records the delivery outcome for one recipient of a message.
// A message counts as sent only when every recipient succeeded.
type SendResult struct {
	Recipient string `json:"recipient"`
	OK        bool   `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"message,omitempty"`
}

// AllOK reports whether every recipient in the set succeeded.
func AllOK(results []SendResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

var (
	phonePattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	groupPattern = regexp.MustCompile(`^[0-9][0-9-]{10,}(@g\.us)?$`)
)

// ValidPhoneNumber reports whether s looks like an international phone number.
func ValidPhoneNumber(s string) bool {
	s = strings.TrimSuffix(s, "@s.whatsapp.net")
	return phonePattern.MatchString(s)
}

// ValidGroupID reports whether s looks like a raw group JID (with or without
// the @g.us server suffix). Short alias keys do not match.
func ValidGroupID(s string) bool {
	return groupPattern.MatchString(s)
}
