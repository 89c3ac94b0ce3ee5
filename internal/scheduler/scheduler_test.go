package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wagate/wagate/internal/config"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/store"
)

type sendCall struct {
	deviceKey  string
	recipients []string
	group      bool
}

type fakeSender struct {
	mu             sync.Mutex
	offline        map[string]bool
	failRecipients map[string]bool
	failAll        bool
	calls          []sendCall
}

func (f *fakeSender) Connected(deviceKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[deviceKey]
}

func (f *fakeSender) Send(ctx context.Context, deviceKey string, recipients []string, body string, group bool) ([]domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{deviceKey, recipients, group})

	results := make([]domain.SendResult, 0, len(recipients))
	for _, r := range recipients {
		if f.failAll || f.failRecipients[r] {
			results = append(results, domain.SendResult{Recipient: r, Detail: "delivery refused"})
			continue
		}
		results = append(results, domain.SendResult{Recipient: r, OK: true, MessageID: "WID-1"})
	}
	return results, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T) (*Scheduler, store.Repository, *fakeSender) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	sender := &fakeSender{}
	s := New(repo, sender, Config{
		TickInterval:   time.Hour,
		SendHourStart:  0,
		SendHourEnd:    24,
		DailyLimit:     250,
		QuotaPolicy:    config.QuotaPolicyAll,
		SessionBatch:   10,
		ClaimBatch:     15,
		FailureBreaker: 3,
		Location:       time.UTC,
	})
	return s, repo, sender
}

func seedConnectedDevice(t *testing.T, repo store.Repository, key string) *domain.Device {
	t.Helper()
	ctx := context.Background()
	device := &domain.Device{OwnerID: "owner-1", DeviceKey: key, Status: domain.DeviceDisconnected, LifeTime: 30}
	if err := repo.CreateDevice(ctx, device); err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	if err := repo.UpdateDeviceIdentity(ctx, key, "628123.0:1@s.whatsapp.net", "628123", "U"); err != nil {
		t.Fatalf("UpdateDeviceIdentity failed: %v", err)
	}
	device, err := repo.GetDevice(ctx, key)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	return device
}

func seedMessage(t *testing.T, repo store.Repository, deviceID int64, class, recipient, status string) *domain.Message {
	t.Helper()
	msg := &domain.Message{
		OwnerID: "owner-1", DeviceID: deviceID,
		Class: class, Recipient: recipient, Body: "hello", Status: status,
	}
	if err := repo.EnqueueMessage(context.Background(), msg); err != nil {
		t.Fatalf("EnqueueMessage failed: %v", err)
	}
	return msg
}

func messageStatus(t *testing.T, repo store.Repository, id int64) string {
	t.Helper()
	msg, err := repo.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg == nil {
		t.Fatalf("message %d disappeared", id)
	}
	return msg.Status
}

func TestWithinOperationalHours(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.cfg.SendHourStart, s.cfg.SendHourEnd = 6, 24

	at := func(hour, min int) time.Time {
		return time.Date(2026, 9, 1, hour, min, 0, 0, time.UTC)
	}
	if s.withinOperationalHours(at(5, 59)) {
		t.Error("05:59 should be outside operational hours")
	}
	if !s.withinOperationalHours(at(6, 0)) {
		t.Error("06:00 should be inside operational hours")
	}
	if !s.withinOperationalHours(at(23, 59)) {
		t.Error("23:59 should be inside operational hours")
	}

	s.cfg.SendHourStart, s.cfg.SendHourEnd = 9, 17
	if s.withinOperationalHours(at(17, 0)) {
		t.Error("17:00 should be outside a 9-17 window")
	}
}

func TestDrainDeviceClaimCappedByRemainingQuota(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	device := seedConnectedDevice(t, repo, "dev-1")

	// 248 of 250 already dispatched today; only 2 slots remain.
	for i := 0; i < 248; i++ {
		seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusSent)
	}
	var pending []*domain.Message
	for i := 0; i < 5; i++ {
		pending = append(pending, seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusPending))
	}

	attempted, err := s.drainDevice(context.Background(), domain.ClassPersonal, device)
	if err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}
	if attempted != 2 {
		t.Errorf("attempted %d messages, want 2", attempted)
	}
	if sender.callCount() != 2 {
		t.Errorf("sender called %d times, want 2", sender.callCount())
	}

	for i, msg := range pending {
		want := domain.StatusPending
		if i < 2 {
			want = domain.StatusSent
		}
		if got := messageStatus(t, repo, msg.ID); got != want {
			t.Errorf("message %d status = %q, want %q", i, got, want)
		}
	}
}

func TestDrainDeviceSkipsExhaustedQuota(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	device := seedConnectedDevice(t, repo, "dev-1")
	device.DailyLimit = 2

	seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusSent)
	seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusFailed)
	msg := seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusPending)

	attempted, err := s.drainDevice(context.Background(), domain.ClassPersonal, device)
	if err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}
	if attempted != 0 || sender.callCount() != 0 {
		t.Errorf("attempted %d / %d sends over an exhausted quota, want 0", attempted, sender.callCount())
	}
	if got := messageStatus(t, repo, msg.ID); got != domain.StatusPending {
		t.Errorf("message status = %q, want pending", got)
	}
}

func TestDrainDeviceSentOnlyQuotaIgnoresFailures(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	s.cfg.QuotaPolicy = config.QuotaPolicySent
	device := seedConnectedDevice(t, repo, "dev-1")
	device.DailyLimit = 2

	// Failures fill the "all" quota but not the "sent" one.
	seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusFailed)
	seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusFailed)
	msg := seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusPending)

	attempted, err := s.drainDevice(context.Background(), domain.ClassPersonal, device)
	if err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}
	if attempted != 1 || sender.callCount() != 1 {
		t.Errorf("attempted %d / %d sends, want 1", attempted, sender.callCount())
	}
	if got := messageStatus(t, repo, msg.ID); got != domain.StatusSent {
		t.Errorf("message status = %q, want sent", got)
	}
}

func TestDrainDeviceBreakerAbandonsBatch(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	sender.failAll = true
	device := seedConnectedDevice(t, repo, "dev-1")

	var msgs []*domain.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusPending))
	}

	attempted, err := s.drainDevice(context.Background(), domain.ClassPersonal, device)
	if err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}
	if attempted != 3 {
		t.Errorf("attempted %d messages before the breaker, want 3", attempted)
	}

	for i, msg := range msgs {
		want := domain.StatusPending
		if i < 3 {
			want = domain.StatusFailed
		}
		if got := messageStatus(t, repo, msg.ID); got != want {
			t.Errorf("message %d status = %q, want %q", i, got, want)
		}
	}
}

func TestDrainDeviceBreakerResetsOnSuccess(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	// Alternating failures never reach three in a row.
	sender.failRecipients = map[string]bool{"6289999999999": true}
	device := seedConnectedDevice(t, repo, "dev-1")

	recipients := []string{
		"6289999999999", "6289999999999", "6281234567890",
		"6289999999999", "6289999999999", "6281234567890",
	}
	var msgs []*domain.Message
	for _, r := range recipients {
		msgs = append(msgs, seedMessage(t, repo, device.ID, domain.ClassPersonal, r, domain.StatusPending))
	}

	attempted, err := s.drainDevice(context.Background(), domain.ClassPersonal, device)
	if err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}
	if attempted != len(msgs) {
		t.Errorf("attempted %d messages, want all %d", attempted, len(msgs))
	}
	if got := messageStatus(t, repo, msgs[5].ID); got != domain.StatusSent {
		t.Errorf("final message status = %q, want sent", got)
	}
}

func TestDeliverResolvesGroupAlias(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	device := seedConnectedDevice(t, repo, "dev-1")

	ctx := context.Background()
	err := repo.UpsertGroupAlias(ctx, &domain.GroupAlias{
		Alias: "team", GroupJID: "120363025246125486@g.us", Name: "Team", DeviceKey: "dev-1",
	})
	if err != nil {
		t.Fatalf("UpsertGroupAlias failed: %v", err)
	}
	msg := seedMessage(t, repo, device.ID, domain.ClassGroup, "team", domain.StatusPending)

	attempted, err := s.drainDevice(ctx, domain.ClassGroup, device)
	if err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}
	if attempted != 1 {
		t.Fatalf("attempted = %d, want 1", attempted)
	}

	sender.mu.Lock()
	call := sender.calls[0]
	sender.mu.Unlock()
	if !call.group || len(call.recipients) != 1 || call.recipients[0] != "120363025246125486@g.us" {
		t.Errorf("send call = %+v, want the resolved group JID", call)
	}
	if got := messageStatus(t, repo, msg.ID); got != domain.StatusSent {
		t.Errorf("message status = %q, want sent", got)
	}
}

func TestDeliverUnknownAliasFailsWithoutSending(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	device := seedConnectedDevice(t, repo, "dev-1")
	msg := seedMessage(t, repo, device.ID, domain.ClassGroup, "ghost", domain.StatusPending)

	ctx := context.Background()
	if _, err := s.drainDevice(ctx, domain.ClassGroup, device); err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}
	if sender.callCount() != 0 {
		t.Errorf("sender called %d times for an unresolvable alias, want 0", sender.callCount())
	}
	if got := messageStatus(t, repo, msg.ID); got != domain.StatusFailed {
		t.Errorf("message status = %q, want failed", got)
	}

	stored, _ := repo.GetMessage(ctx, msg.ID)
	if !strings.Contains(stored.Response, "unknown group alias") {
		t.Errorf("response = %q, want the alias error recorded", stored.Response)
	}
}

func TestDeliverPartialFailureMarksFailed(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	sender.failRecipients = map[string]bool{"6289999999999": true}
	device := seedConnectedDevice(t, repo, "dev-1")
	msg := seedMessage(t, repo, device.ID, domain.ClassBulk, "6281234567890,6289999999999", domain.StatusPending)

	ctx := context.Background()
	if _, err := s.drainDevice(ctx, domain.ClassBulk, device); err != nil {
		t.Fatalf("drainDevice failed: %v", err)
	}

	if got := messageStatus(t, repo, msg.ID); got != domain.StatusFailed {
		t.Errorf("message status = %q, want failed on partial delivery", got)
	}
	stored, _ := repo.GetMessage(ctx, msg.ID)
	if !strings.Contains(stored.Response, "6281234567890") || !strings.Contains(stored.Response, "delivery refused") {
		t.Errorf("response = %q, want per-recipient outcomes", stored.Response)
	}
}

func TestDrainClassSkipsOfflineSessions(t *testing.T) {
	s, repo, sender := newTestScheduler(t)
	online := seedConnectedDevice(t, repo, "dev-online")
	offline := seedConnectedDevice(t, repo, "dev-offline")
	sender.offline = map[string]bool{"dev-offline": true}

	sent := seedMessage(t, repo, online.ID, domain.ClassPersonal, "6281234567890", domain.StatusPending)
	kept := seedMessage(t, repo, offline.ID, domain.ClassPersonal, "6281234567890", domain.StatusPending)

	if err := s.drainClass(context.Background(), domain.ClassPersonal); err != nil {
		t.Fatalf("drainClass failed: %v", err)
	}

	if got := messageStatus(t, repo, sent.ID); got != domain.StatusSent {
		t.Errorf("online device message status = %q, want sent", got)
	}
	if got := messageStatus(t, repo, kept.ID); got != domain.StatusPending {
		t.Errorf("offline device message status = %q, want pending", got)
	}
}

func TestDrainClassPagesThroughDevices(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	s.cfg.SessionBatch = 2

	var msgs []*domain.Message
	for i := 0; i < 5; i++ {
		device := seedConnectedDevice(t, repo, fmt.Sprintf("dev-%d", i))
		msgs = append(msgs, seedMessage(t, repo, device.ID, domain.ClassPersonal, "6281234567890", domain.StatusPending))
	}

	if err := s.drainClass(context.Background(), domain.ClassPersonal); err != nil {
		t.Fatalf("drainClass failed: %v", err)
	}
	for i, msg := range msgs {
		if got := messageStatus(t, repo, msg.ID); got != domain.StatusSent {
			t.Errorf("device %d message status = %q, want sent", i, got)
		}
	}
}

func TestDrainClassPacesBetweenSessions(t *testing.T) {
	s, repo, _ := newTestScheduler(t)
	s.cfg.SessionDelay = config.DelayRange{Min: 10 * time.Millisecond, Max: 10 * time.Millisecond}

	// Idle devices with nothing queued must still be paced.
	seedConnectedDevice(t, repo, "dev-1")
	seedConnectedDevice(t, repo, "dev-2")

	begin := time.Now()
	if err := s.drainClass(context.Background(), domain.ClassPersonal); err != nil {
		t.Fatalf("drainClass failed: %v", err)
	}
	if elapsed := time.Since(begin); elapsed < 20*time.Millisecond {
		t.Errorf("drainClass over 2 idle sessions took %v, want at least 20ms of pacing", elapsed)
	}
}

func TestDayBounds(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.cfg.Location = time.FixedZone("WIB", 7*3600)

	now := time.Date(2026, 9, 1, 3, 30, 0, 0, time.UTC) // 10:30 WIB
	start, end := s.dayBounds(now)
	if start.Hour() != 0 || start.Minute() != 0 {
		t.Errorf("day start = %v, want local midnight", start)
	}
	if !end.Equal(start.Add(24 * time.Hour)) {
		t.Errorf("day end = %v, want start+24h", end)
	}
	if !now.After(start) || !now.Before(end) {
		t.Errorf("now %v should fall inside [%v, %v)", now, start, end)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.cfg.TickInterval = 10 * time.Millisecond
	s.Start()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
