// Package session manages the lifecycle of per-device messaging sessions.
package session

import "context"

// EventKind identifies a transport lifecycle or inbound event.
type EventKind int

const (
	// EventQRCode carries a fresh pairing challenge for an unregistered device.
	EventQRCode EventKind = iota
	// EventConnected fires once the transport is authenticated and online.
	EventConnected
	// EventDisconnected fires on a recoverable connection loss.
	EventDisconnected
	// EventLoggedOut fires when the account unlinked this device. Terminal.
	EventLoggedOut
	// EventConnectFailed fires when a connection attempt was rejected.
	EventConnectFailed
	// EventMessage carries an inbound text message.
	EventMessage
)

// Event is a transport notification consumed by the session manager.
type Event struct {
	Kind EventKind

	// EventQRCode
	QRCode string

	// EventConnected
	JID      string
	Phone    string
	PushName string

	// EventDisconnected / EventConnectFailed / EventLoggedOut
	Reason string

	// EventMessage
	ChatJID   string
	SenderJID string
	Text      string
	IsGroup   bool
	GroupName string
}

// Transport is one live connection to the messaging network for a single
// device. Implementations must close the event channel when the transport
// is released.
type Transport interface {
	// Connect establishes the connection. For unregistered devices the
	// transport emits QR events until pairing completes or times out.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection without touching credentials.
	Disconnect()

	// Logout unlinks the device from the account and removes credentials.
	Logout(ctx context.Context) error

	// DeleteCredentials removes stored pairing credentials.
	DeleteCredentials(ctx context.Context) error

	// Connected reports whether the transport is currently online.
	Connected() bool

	// SendText delivers a text message and returns the assigned message ID.
	SendText(ctx context.Context, recipient string, group bool, body string) (string, error)

	// Reply answers an inbound chat with human-like pacing (read receipt,
	// typing indicator, a short randomized pause).
	Reply(ctx context.Context, chatJID, text string) error

	// Events returns the transport's event stream.
	Events() <-chan Event
}

// TransportFactory builds transports bound to a device's stored credentials.
type TransportFactory interface {
	NewTransport(ctx context.Context, deviceKey, jid string) (Transport, error)

	// DeleteCredentials removes stored credentials for a device that has
	// no live transport.
	DeleteCredentials(ctx context.Context, jid string) error
}

// Notifier publishes session state changes to interested clients.
type Notifier interface {
	QRUpdate(deviceKey, qrRef string)
	ConnectionStatus(deviceKey string, connected bool)
}

// QRRenderer turns a raw pairing challenge into a retrievable artifact
// and returns its reference.
type QRRenderer interface {
	Render(deviceKey, code string) (string, error)

	// Remove discards the device's challenge artifact once it is stale.
	Remove(deviceKey string) error
}
