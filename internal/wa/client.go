// Package wa adapts whatsmeow to the session transport contract.
package wa

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/wagate/wagate/internal/session"
	_ "modernc.org/sqlite"
)

const eventQueueSize = 32

// Factory builds whatsmeow transports backed by one shared credential
// container database.
type Factory struct {
	container *sqlstore.Container
}

// NewFactory opens (or creates) the credential container.
func NewFactory(ctx context.Context, dbPath string) (*Factory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("wa-db", "WARN", false))
	if err != nil {
		return nil, fmt.Errorf("open credential container: %w", err)
	}

	return &Factory{container: container}, nil
}

// NewTransport binds a transport to the device's stored credentials. An
// empty or unknown JID yields a fresh unpaired device that must scan a QR.
func (f *Factory) NewTransport(ctx context.Context, deviceKey, jid string) (session.Transport, error) {
	device, err := f.lookupDevice(ctx, jid)
	if err != nil {
		return nil, err
	}
	if device == nil {
		device = f.container.NewDevice()
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("wa-"+deviceKey, "WARN", false))
	// The session manager owns reconnection policy.
	client.EnableAutoReconnect = false

	t := &Transport{
		key:    deviceKey,
		client: client,
		events: make(chan session.Event, eventQueueSize),
	}
	t.handlerID = client.AddEventHandler(t.handleEvent)
	return t, nil
}

// DeleteCredentials removes stored credentials for a device without a live
// transport.
func (f *Factory) DeleteCredentials(ctx context.Context, jid string) error {
	device, err := f.lookupDevice(ctx, jid)
	if err != nil {
		return err
	}
	if device == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("delete credentials for %s: %w", jid, err)
	}
	return nil
}

func (f *Factory) lookupDevice(ctx context.Context, jid string) (*wstore.Device, error) {
	if jid == "" {
		return nil, nil
	}
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return nil, fmt.Errorf("parse jid %q: %w", jid, err)
	}
	device, err := f.container.GetDevice(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", jid, err)
	}
	return device, nil
}

// Close closes the credential container.
func (f *Factory) Close() error {
	return f.container.Close()
}

// Transport is one whatsmeow client wired to the session event model.
type Transport struct {
	key       string
	client    *whatsmeow.Client
	handlerID uint32

	events    chan session.Event
	closeOnce sync.Once
}

// Connect establishes the connection. Unpaired devices stream QR codes
// through the event channel until pairing completes or times out.
func (t *Transport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		// GetQRChannel must be called before Connect.
		qrChan, err := t.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go t.pumpQR(qrChan)
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (t *Transport) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			t.emit(session.Event{Kind: session.EventQRCode, QRCode: item.Code})
		case "success":
			// events.Connected follows, nothing to do here.
		case "timeout":
			t.emit(session.Event{Kind: session.EventConnectFailed, Reason: "pairing timed out"})
		default:
			t.emit(session.Event{Kind: session.EventConnectFailed, Reason: "pairing failed: " + item.Event})
		}
	}
}

// Disconnect tears down the connection and closes the event stream.
func (t *Transport) Disconnect() {
	t.client.RemoveEventHandler(t.handlerID)
	t.client.Disconnect()
	t.closeOnce.Do(func() { close(t.events) })
}

// Logout unlinks the device from the account and removes credentials.
func (t *Transport) Logout(ctx context.Context) error {
	if err := t.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// DeleteCredentials removes the device's stored pairing credentials.
func (t *Transport) DeleteCredentials(ctx context.Context) error {
	if err := t.client.Store.Delete(ctx); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// Connected reports whether the client is online and authenticated.
func (t *Transport) Connected() bool {
	return t.client.IsConnected() && t.client.IsLoggedIn()
}

// SendText delivers a text message and returns the assigned message ID.
func (t *Transport) SendText(ctx context.Context, recipient string, group bool, body string) (string, error) {
	jid, err := toJID(recipient, group)
	if err != nil {
		return "", err
	}

	resp, err := t.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	}, whatsmeow.SendRequestExtra{ID: t.client.GenerateMessageID()})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", recipient, err)
	}
	return string(resp.ID), nil
}

// Reply answers an inbound chat with a typing indicator and a short
// randomized pause so responses do not look scripted.
func (t *Transport) Reply(ctx context.Context, chatJID, text string) error {
	jid, err := types.ParseJID(chatJID)
	if err != nil {
		return fmt.Errorf("parse chat jid %q: %w", chatJID, err)
	}

	if err := t.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		slog.Debug("chat presence failed", "device_key", t.key, "error", err)
	}
	if err := session.Sleep(ctx, 2*time.Second+time.Duration(rand.Int63n(int64(3*time.Second)))); err != nil {
		return err
	}
	if err := t.client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText); err != nil {
		slog.Debug("chat presence failed", "device_key", t.key, "error", err)
	}

	_, err = t.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("reply to %s: %w", chatJID, err)
	}
	return nil
}

// Events returns the transport's event stream.
func (t *Transport) Events() <-chan session.Event {
	return t.events
}

func (t *Transport) emit(ev session.Event) {
	select {
	case t.events <- ev:
	default:
		slog.Warn("transport event queue full, dropping event", "device_key", t.key, "kind", ev.Kind)
	}
}

func (t *Transport) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Connected:
		var jid, phone string
		if id := t.client.Store.ID; id != nil {
			jid = id.String()
			phone = id.User
		}
		t.emit(session.Event{
			Kind:     session.EventConnected,
			JID:      jid,
			Phone:    phone,
			PushName: t.client.Store.PushName,
		})

	case *events.Disconnected:
		t.emit(session.Event{Kind: session.EventDisconnected})

	case *events.StreamReplaced:
		t.emit(session.Event{Kind: session.EventDisconnected, Reason: "stream replaced by another client"})

	case *events.LoggedOut:
		t.emit(session.Event{Kind: session.EventLoggedOut, Reason: fmt.Sprintf("logged out: %s", e.Reason)})

	case *events.ConnectFailure:
		t.emit(session.Event{Kind: session.EventConnectFailed, Reason: fmt.Sprintf("connect failure: %s", e.Reason)})

	case *events.TemporaryBan:
		t.emit(session.Event{Kind: session.EventConnectFailed, Reason: fmt.Sprintf("temporary ban: %s", e.String())})

	case *events.Message:
		t.handleInboundMessage(e)
	}
}

func (t *Transport) handleInboundMessage(e *events.Message) {
	if e.Info.IsFromMe {
		return
	}

	text := e.Message.GetConversation()
	if text == "" {
		text = e.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	groupName := ""
	if e.Info.IsGroup && strings.HasPrefix(strings.TrimSpace(text), "/register") {
		if info, err := t.client.GetGroupInfo(context.Background(), e.Info.Chat); err == nil {
			groupName = info.Name
		}
	}

	t.emit(session.Event{
		Kind:      session.EventMessage,
		ChatJID:   e.Info.Chat.String(),
		SenderJID: e.Info.Sender.String(),
		Text:      text,
		IsGroup:   e.Info.IsGroup,
		GroupName: groupName,
	})
}

// toJID turns a validated recipient into a messaging JID. Personal targets
// are phone numbers, group targets are raw group IDs with an optional
// @g.us suffix.
func toJID(recipient string, group bool) (types.JID, error) {
	if group {
		user := strings.TrimSuffix(recipient, "@"+types.GroupServer)
		return types.NewJID(user, types.GroupServer), nil
	}

	user := strings.TrimSuffix(recipient, "@"+types.DefaultUserServer)
	user = strings.TrimPrefix(user, "+")
	if user == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	return types.NewJID(user, types.DefaultUserServer), nil
}
