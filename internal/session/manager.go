package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/store"
)

// State is the lifecycle state of a managed session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateQRPending    State = "qr_pending"
	StateConnected    State = "connected"
	StateLoggedOut    State = "logged_out"
	StateError        State = "error"
)

var (
	// ErrCreateInProgress is returned when a session for the same device
	// key is already being created.
	ErrCreateInProgress = errors.New("session creation already in progress")
	// ErrDeviceNotFound is returned when no device exists for the key.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceInactive is returned for removed or deleted devices.
	ErrDeviceInactive = errors.New("device is no longer active")
	// ErrSessionNotFound is returned when no session exists for the key.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotConnected is returned when the session is not online.
	ErrNotConnected = errors.New("session is not connected")
	// ErrManagerClosed is returned after CloseAll.
	ErrManagerClosed = errors.New("session manager is closed")
)

// Session is a read-only snapshot of one managed session.
type Session struct {
	DeviceKey         string    `json:"device_key"`
	State             State     `json:"state"`
	Phone             string    `json:"phone,omitempty"`
	PushName          string    `json:"push_name,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastError         string    `json:"last_error,omitempty"`
	QRRef             string    `json:"qr,omitempty"`
	LastQRIssuedAt    time.Time `json:"last_qr_issued_at,omitzero"`
}

// record is the manager-owned state for one device key. All mutable fields
// are guarded by the manager mutex; the transport handle itself is replaced
// wholesale on recreation.
type record struct {
	key       string
	deviceID  int64
	transport Transport
	cancel    context.CancelFunc
	gen       uint64

	state             State
	phone             string
	pushName          string
	reconnectAttempts int
	reconnecting      bool
	lastError         string
	qrRef             string
	lastQRIssuedAt    time.Time
}

// Config tunes the session manager.
type Config struct {
	QRDebounce      time.Duration
	InitConcurrency int
	Backoff         Backoff
}

// Manager owns the registry of live sessions, one per device key.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*record
	creating map[string]bool
	closed   bool
	nextGen  uint64

	repo     store.Repository
	factory  TransportFactory
	notifier Notifier
	qr       QRRenderer
	replies  *AutoReplyCache
	cfg      Config

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, factory TransportFactory, notifier Notifier, qr QRRenderer, cfg Config) *Manager {
	if cfg.QRDebounce <= 0 {
		cfg.QRDebounce = 30 * time.Second
	}
	if cfg.InitConcurrency <= 0 {
		cfg.InitConcurrency = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:   make(map[string]*record),
		creating:   make(map[string]bool),
		repo:       repo,
		factory:    factory,
		notifier:   notifier,
		qr:         qr,
		replies:    NewAutoReplyCache(),
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// InitSessions restores sessions for every device with stored credentials,
// with bounded concurrency. Individual failures are logged and skipped.
func (m *Manager) InitSessions(ctx context.Context) error {
	devices, err := m.repo.ListRegisteredDevices(ctx)
	if err != nil {
		return fmt.Errorf("list registered devices: %w", err)
	}

	sem := make(chan struct{}, m.cfg.InitConcurrency)
	var wg sync.WaitGroup
	for _, device := range devices {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.CreateSession(ctx, key); err != nil && !errors.Is(err, ErrCreateInProgress) {
				slog.Warn("session restore failed", "device_key", key, "error", err)
			}
		}(device.DeviceKey)
	}
	wg.Wait()

	slog.Info("session restore finished", "devices", len(devices))
	return ctx.Err()
}

// CreateSession builds a fresh transport for the device and connects it,
// replacing any previous handle for the same key. Concurrent calls for one
// key collapse into a single creation.
func (m *Manager) CreateSession(ctx context.Context, deviceKey string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.creating[deviceKey] {
		m.mu.Unlock()
		return ErrCreateInProgress
	}
	m.creating[deviceKey] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.creating, deviceKey)
		m.mu.Unlock()
	}()

	device, err := m.repo.GetDevice(ctx, deviceKey)
	if err != nil {
		return fmt.Errorf("load device %s: %w", deviceKey, err)
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	if device.Status == domain.DeviceRemoved || device.Status == domain.DeviceDeleted {
		return ErrDeviceInactive
	}

	// Release the previous handle wholesale before building the new one.
	m.mu.Lock()
	old := m.sessions[deviceKey]
	attempts := 0
	if old != nil {
		attempts = old.reconnectAttempts
	}
	m.mu.Unlock()
	if old != nil {
		old.cancel()
		old.transport.Disconnect()
	}

	transport, err := m.factory.NewTransport(ctx, deviceKey, device.JID)
	if err != nil {
		if updErr := m.repo.UpdateDeviceStatus(ctx, deviceKey, domain.DeviceError); updErr != nil {
			slog.Warn("device status update failed", "device_key", deviceKey, "error", updErr)
		}
		return fmt.Errorf("build transport for %s: %w", deviceKey, err)
	}

	loopCtx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		transport.Disconnect()
		return ErrManagerClosed
	}
	m.nextGen++
	rec := &record{
		key:               deviceKey,
		deviceID:          device.ID,
		transport:         transport,
		cancel:            cancel,
		gen:               m.nextGen,
		state:             StateConnecting,
		phone:             device.Phone,
		pushName:          device.PushName,
		reconnectAttempts: attempts,
	}
	m.sessions[deviceKey] = rec
	m.mu.Unlock()

	if err := m.repo.UpdateDeviceStatus(ctx, deviceKey, domain.DeviceConnecting); err != nil {
		slog.Warn("device status update failed", "device_key", deviceKey, "error", err)
	}

	m.wg.Add(1)
	go m.eventLoop(loopCtx, rec)

	if err := transport.Connect(ctx); err != nil {
		m.setError(rec, err.Error())
		if updErr := m.repo.UpdateDeviceStatus(ctx, deviceKey, domain.DeviceError); updErr != nil {
			slog.Warn("device status update failed", "device_key", deviceKey, "error", updErr)
		}
		m.scheduleReconnect(rec)
		return fmt.Errorf("connect %s: %w", deviceKey, err)
	}

	slog.Info("session created", "device_key", deviceKey, "registered", device.Registered())
	return nil
}

// RemoveSession releases the session for the key. With purgeCreds the device
// is also unlinked and its credentials deleted. A non-empty status is
// persisted on the device row.
func (m *Manager) RemoveSession(ctx context.Context, deviceKey string, purgeCreds bool, status string) error {
	m.mu.Lock()
	rec := m.sessions[deviceKey]
	delete(m.sessions, deviceKey)
	m.mu.Unlock()

	if rec != nil {
		rec.cancel()
		if purgeCreds {
			if err := rec.transport.Logout(ctx); err != nil {
				slog.Warn("logout failed, deleting credentials directly", "device_key", deviceKey, "error", err)
				if delErr := rec.transport.DeleteCredentials(ctx); delErr != nil {
					slog.Warn("credential deletion failed", "device_key", deviceKey, "error", delErr)
				}
			}
		}
		rec.transport.Disconnect()
	} else if purgeCreds {
		device, err := m.repo.GetDevice(ctx, deviceKey)
		if err != nil {
			return fmt.Errorf("load device %s: %w", deviceKey, err)
		}
		if device != nil && device.JID != "" {
			if err := m.factory.DeleteCredentials(ctx, device.JID); err != nil {
				slog.Warn("credential deletion failed", "device_key", deviceKey, "error", err)
			}
		}
	}

	if status != "" {
		if err := m.repo.UpdateDeviceStatus(ctx, deviceKey, status); err != nil {
			return fmt.Errorf("update device status: %w", err)
		}
	}

	if err := m.qr.Remove(deviceKey); err != nil {
		slog.Debug("qr artifact removal failed", "device_key", deviceKey, "error", err)
	}
	m.notifier.ConnectionStatus(deviceKey, false)
	slog.Info("session removed", "device_key", deviceKey, "purge_creds", purgeCreds, "status", status)
	return nil
}

// GetSession returns a snapshot of the session for the key.
func (m *Manager) GetSession(deviceKey string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[deviceKey]
	if !ok {
		return nil, false
	}
	return rec.snapshotLocked(), true
}

// GetAllSessions returns snapshots of every session, ordered by device key.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.snapshotLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceKey < out[j].DeviceKey })
	return out
}

// Connected reports whether the session for the key is online. The state
// read happens under the lock; the transport handle itself is immutable for
// the record's lifetime.
func (m *Manager) Connected(deviceKey string) bool {
	m.mu.RLock()
	rec, ok := m.sessions[deviceKey]
	var state State
	if ok {
		state = rec.state
	}
	m.mu.RUnlock()
	return ok && state == StateConnected && rec.transport.Connected()
}

// Send delivers body to each recipient through the device's session and
// returns per-recipient outcomes. One failing recipient does not stop the
// rest.
func (m *Manager) Send(ctx context.Context, deviceKey string, recipients []string, body string, group bool) ([]domain.SendResult, error) {
	m.mu.RLock()
	rec, ok := m.sessions[deviceKey]
	var state State
	if ok {
		state = rec.state
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if state != StateConnected || !rec.transport.Connected() {
		return nil, ErrNotConnected
	}

	results := make([]domain.SendResult, 0, len(recipients))
	for _, recipient := range recipients {
		valid := domain.ValidPhoneNumber(recipient)
		if group {
			valid = domain.ValidGroupID(recipient)
		}
		if !valid {
			results = append(results, domain.SendResult{
				Recipient: recipient,
				Detail:    "invalid recipient",
			})
			continue
		}

		msgID, err := rec.transport.SendText(ctx, recipient, group, body)
		if err != nil {
			results = append(results, domain.SendResult{
				Recipient: recipient,
				Detail:    err.Error(),
			})
			continue
		}
		results = append(results, domain.SendResult{
			Recipient: recipient,
			OK:        true,
			MessageID: msgID,
		})
	}
	return results, nil
}

// CloseAll disconnects every session without touching credentials and marks
// the devices disconnected. The manager accepts no new work afterwards.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	recs := make([]*record, 0, len(m.sessions))
	states := make([]State, 0, len(m.sessions))
	for _, rec := range m.sessions {
		recs = append(recs, rec)
		states = append(states, rec.state)
	}
	m.sessions = make(map[string]*record)
	m.mu.Unlock()

	m.baseCancel()
	for i, rec := range recs {
		rec.cancel()
		rec.transport.Disconnect()
		// Logged out is terminal; overwriting it would make the device
		// eligible for restore on the next startup.
		if states[i] == StateLoggedOut {
			continue
		}
		if err := m.repo.UpdateDeviceStatus(ctx, rec.key, domain.DeviceDisconnected); err != nil {
			slog.Warn("device status update failed", "device_key", rec.key, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all sessions closed", "count", len(recs))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close sessions: %w", ctx.Err())
	}
}

func (rec *record) snapshotLocked() *Session {
	return &Session{
		DeviceKey:         rec.key,
		State:             rec.state,
		Phone:             rec.phone,
		PushName:          rec.pushName,
		ReconnectAttempts: rec.reconnectAttempts,
		LastError:         rec.lastError,
		QRRef:             rec.qrRef,
		LastQRIssuedAt:    rec.lastQRIssuedAt,
	}
}

func (m *Manager) eventLoop(ctx context.Context, rec *record) {
	defer m.wg.Done()

	events := rec.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, rec, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, rec *record, ev Event) {
	switch ev.Kind {
	case EventQRCode:
		m.handleQR(rec, ev)
	case EventConnected:
		m.handleConnected(ctx, rec, ev)
	case EventDisconnected:
		m.handleDisconnected(ctx, rec, ev)
	case EventLoggedOut:
		m.handleLoggedOut(ctx, rec, ev)
	case EventConnectFailed:
		m.handleConnectFailed(ctx, rec, ev)
	case EventMessage:
		m.handleInbound(ctx, rec, ev)
	}
}

func (m *Manager) handleQR(rec *record, ev Event) {
	m.mu.Lock()
	if rec.qrRef != "" && time.Since(rec.lastQRIssuedAt) < m.cfg.QRDebounce {
		m.mu.Unlock()
		return
	}
	rec.state = StateQRPending
	rec.lastQRIssuedAt = time.Now()
	m.mu.Unlock()

	ref, err := m.qr.Render(rec.key, ev.QRCode)
	if err != nil {
		slog.Warn("qr render failed", "device_key", rec.key, "error", err)
		return
	}

	m.mu.Lock()
	rec.qrRef = ref
	m.mu.Unlock()

	m.notifier.QRUpdate(rec.key, ref)
	slog.Info("qr challenge issued", "device_key", rec.key)
}

func (m *Manager) handleConnected(ctx context.Context, rec *record, ev Event) {
	m.mu.Lock()
	rec.state = StateConnected
	rec.reconnectAttempts = 0
	rec.lastError = ""
	rec.qrRef = ""
	rec.phone = ev.Phone
	rec.pushName = ev.PushName
	m.mu.Unlock()

	if err := m.qr.Remove(rec.key); err != nil {
		slog.Debug("qr artifact removal failed", "device_key", rec.key, "error", err)
	}
	if err := m.repo.UpdateDeviceIdentity(ctx, rec.key, ev.JID, ev.Phone, ev.PushName); err != nil {
		slog.Warn("device identity update failed", "device_key", rec.key, "error", err)
	}

	m.notifier.ConnectionStatus(rec.key, true)
	slog.Info("session connected", "device_key", rec.key, "phone", ev.Phone)
}

func (m *Manager) handleDisconnected(ctx context.Context, rec *record, ev Event) {
	m.mu.Lock()
	if rec.state == StateLoggedOut {
		m.mu.Unlock()
		return
	}
	rec.state = StateDisconnected
	if ev.Reason != "" {
		rec.lastError = ev.Reason
	}
	m.mu.Unlock()

	if err := m.repo.UpdateDeviceStatus(ctx, rec.key, domain.DeviceDisconnected); err != nil {
		slog.Warn("device status update failed", "device_key", rec.key, "error", err)
	}

	m.notifier.ConnectionStatus(rec.key, false)
	slog.Info("session disconnected", "device_key", rec.key, "reason", ev.Reason)
	m.scheduleReconnect(rec)
}

// handleLoggedOut marks the session terminally logged out. The record stays
// queryable but is never reconnected.
func (m *Manager) handleLoggedOut(ctx context.Context, rec *record, ev Event) {
	m.mu.Lock()
	rec.state = StateLoggedOut
	rec.lastError = ev.Reason
	m.mu.Unlock()

	if err := m.repo.UpdateDeviceStatus(ctx, rec.key, domain.DeviceLoggedOut); err != nil {
		slog.Warn("device status update failed", "device_key", rec.key, "error", err)
	}

	rec.transport.Disconnect()
	m.notifier.ConnectionStatus(rec.key, false)
	slog.Warn("session logged out", "device_key", rec.key, "reason", ev.Reason)
}

func (m *Manager) handleConnectFailed(ctx context.Context, rec *record, ev Event) {
	m.setError(rec, ev.Reason)
	if err := m.repo.UpdateDeviceStatus(ctx, rec.key, domain.DeviceError); err != nil {
		slog.Warn("device status update failed", "device_key", rec.key, "error", err)
	}
	m.notifier.ConnectionStatus(rec.key, false)
	slog.Warn("session connect failed", "device_key", rec.key, "reason", ev.Reason)
	m.scheduleReconnect(rec)
}

func (m *Manager) setError(rec *record, reason string) {
	m.mu.Lock()
	rec.state = StateError
	rec.lastError = reason
	m.mu.Unlock()
}

// scheduleReconnect retries the session after a backoff delay. The
// reconnecting flag keeps one timer per record; a stale generation aborts.
func (m *Manager) scheduleReconnect(rec *record) {
	m.mu.Lock()
	if m.closed || rec.reconnecting || rec.state == StateLoggedOut {
		m.mu.Unlock()
		return
	}
	rec.reconnecting = true
	rec.reconnectAttempts++
	attempt := rec.reconnectAttempts
	gen := rec.gen
	m.mu.Unlock()

	delay := m.cfg.Backoff.Delay(attempt)
	slog.Info("reconnect scheduled", "device_key", rec.key, "attempt", attempt, "delay", delay)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := Sleep(m.baseCtx, delay); err != nil {
			return
		}

		m.mu.Lock()
		cur, ok := m.sessions[rec.key]
		stale := !ok || cur.gen != gen || m.closed || cur.state == StateLoggedOut
		if ok && cur.gen == gen {
			cur.reconnecting = false
		}
		m.mu.Unlock()
		if stale {
			return
		}

		if err := m.CreateSession(m.baseCtx, rec.key); err != nil && !errors.Is(err, ErrCreateInProgress) {
			slog.Warn("reconnect failed", "device_key", rec.key, "attempt", attempt, "error", err)
		}
	}()
}
