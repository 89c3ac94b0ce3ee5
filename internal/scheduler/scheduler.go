// Package scheduler drains queued messages through connected sessions with
// anti-automation pacing, and runs the gateway's maintenance jobs.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/wagate/wagate/internal/config"
	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/store"
)

// Sender is the slice of the session manager the dispatcher needs.
type Sender interface {
	Connected(deviceKey string) bool
	Send(ctx context.Context, deviceKey string, recipients []string, body string, group bool) ([]domain.SendResult, error)
}

// Config tunes the dispatch loop.
type Config struct {
	TickInterval    time.Duration
	SendHourStart   int
	SendHourEnd     int
	DailyLimit      int
	QuotaPolicy     string
	MessageDelay    config.DelayRange
	SessionDelay    config.DelayRange
	MicroSleepEvery int
	MicroSleep      config.DelayRange
	SessionBatch    int
	ClaimBatch      int
	FailureBreaker  int
	Location        *time.Location
}

// classState guards one message class against overlapping ticks.
type classState struct {
	mu         sync.Mutex
	running    bool
	lastTickAt time.Time
}

// Scheduler ticks on a fixed interval inside operational hours and drains
// each message class independently.
type Scheduler struct {
	repo     store.Repository
	sessions Sender
	cfg      Config

	classes map[string]*classState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start to begin ticking.
func New(repo store.Repository, sessions Sender, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	classes := make(map[string]*classState, len(domain.Classes))
	for _, class := range domain.Classes {
		classes[class] = &classState{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:     repo,
		sessions: sessions,
		cfg:      cfg,
		classes:  classes,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("dispatch scheduler started",
		"tick", s.cfg.TickInterval,
		"hours", fmt.Sprintf("%02d-%02d", s.cfg.SendHourStart, s.cfg.SendHourEnd),
		"timezone", s.cfg.Location.String())
}

// Stop cancels all dispatch work and waits for in-flight ticks, bounded by
// ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("dispatch scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.withinOperationalHours(time.Now()) {
				continue
			}
			for _, class := range domain.Classes {
				s.dispatchClass(class)
			}
		}
	}
}

func (s *Scheduler) withinOperationalHours(now time.Time) bool {
	hour := now.In(s.cfg.Location).Hour()
	return hour >= s.cfg.SendHourStart && hour < s.cfg.SendHourEnd
}

// dispatchClass starts a drain for the class unless its previous tick is
// still running.
func (s *Scheduler) dispatchClass(class string) {
	st := s.classes[class]
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		slog.Debug("previous tick still running, skipping", "class", class)
		return
	}
	st.running = true
	st.lastTickAt = time.Now()
	st.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("dispatch tick panicked", "class", class, "panic", r)
			}
			st.mu.Lock()
			st.running = false
			st.mu.Unlock()
		}()

		if err := s.drainClass(s.ctx, class); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("dispatch tick failed", "class", class, "error", err)
		}
	}()
}

// drainClass pages through connected devices and drains each one's queue
// for the class. Per-device failures are contained.
func (s *Scheduler) drainClass(ctx context.Context, class string) error {
	offset := 0
	for {
		devices, err := s.repo.ListConnectedDevices(ctx, s.cfg.SessionBatch, offset)
		if err != nil {
			return fmt.Errorf("page connected devices: %w", err)
		}
		if len(devices) == 0 {
			return nil
		}

		for _, device := range devices {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !s.sessions.Connected(device.DeviceKey) {
				continue
			}

			if _, err := s.drainDevice(ctx, class, device); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				slog.Warn("device drain failed", "class", class, "device_key", device.DeviceKey, "error", err)
				continue
			}
			// Pace between sessions even when nothing was sent, so a sweep
			// over many idle devices does not hammer the store.
			if err := s.sleepRange(ctx, s.cfg.SessionDelay); err != nil {
				return err
			}
		}

		if len(devices) < s.cfg.SessionBatch {
			return nil
		}
		offset += s.cfg.SessionBatch
	}
}

// drainDevice claims and delivers one batch for the device, honoring the
// daily quota and the consecutive-failure breaker. Returns how many
// messages were attempted.
func (s *Scheduler) drainDevice(ctx context.Context, class string, device *domain.Device) (int, error) {
	dayStart, dayEnd := s.dayBounds(time.Now())

	limit := s.cfg.DailyLimit
	if device.DailyLimit > 0 {
		limit = device.DailyLimit
	}

	used, err := s.repo.CountMessages(ctx, device.ID, dayStart, dayEnd, s.cfg.QuotaPolicy == config.QuotaPolicySent)
	if err != nil {
		return 0, fmt.Errorf("count device messages: %w", err)
	}
	if used >= limit {
		slog.Debug("daily quota reached", "device_key", device.DeviceKey, "used", used, "limit", limit)
		return 0, nil
	}

	claim := s.cfg.ClaimBatch
	if remaining := limit - used; remaining < claim {
		claim = remaining
	}

	msgs, err := s.repo.ClaimPending(ctx, device.ID, class, dayStart, dayEnd, claim)
	if err != nil {
		return 0, fmt.Errorf("claim pending messages: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	slog.Info("dispatching batch", "class", class, "device_key", device.DeviceKey, "count", len(msgs))

	attempted := 0
	consecutiveFailures := 0
	for i, msg := range msgs {
		if consecutiveFailures >= s.cfg.FailureBreaker {
			s.abandonBatch(ctx, class, device.DeviceKey, msgs[i:])
			break
		}
		if err := ctx.Err(); err != nil {
			// Claimed rows left behind are requeued by maintenance.
			return attempted, err
		}

		attempted++
		if s.deliver(ctx, class, device, msg) {
			consecutiveFailures = 0
		} else {
			consecutiveFailures++
		}

		if i < len(msgs)-1 {
			if err := s.sleepRange(ctx, s.cfg.MessageDelay); err != nil {
				return attempted, err
			}
			if s.cfg.MicroSleepEvery > 0 && (i+1)%s.cfg.MicroSleepEvery == 0 {
				if err := s.sleepRange(ctx, s.cfg.MicroSleep); err != nil {
					return attempted, err
				}
			}
		}
	}
	return attempted, nil
}

func (s *Scheduler) abandonBatch(ctx context.Context, class, deviceKey string, rest []*domain.Message) {
	slog.Warn("failure breaker tripped, abandoning batch",
		"class", class, "device_key", deviceKey, "requeued", len(rest))
	for _, msg := range rest {
		if err := s.repo.RequeueMessage(ctx, msg.ID); err != nil {
			slog.Warn("message requeue failed", "message_id", msg.ID, "error", err)
		}
	}
}

// deliver sends one message to all its recipients and persists the terminal
// status. Panics and errors never escape a single message.
func (s *Scheduler) deliver(ctx context.Context, class string, device *domain.Device, msg *domain.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message delivery panicked", "message_id", msg.ID, "panic", r)
			s.resolve(ctx, msg.ID, domain.StatusFailed, fmt.Sprintf(`{"error":"internal: %v"}`, r))
			ok = false
		}
	}()

	recipients := msg.Recipients()
	group := class == domain.ClassGroup
	if group {
		resolved, err := s.resolveGroups(ctx, device.DeviceKey, recipients)
		if err != nil {
			s.resolve(ctx, msg.ID, domain.StatusFailed, fmt.Sprintf(`{"error":%q}`, err.Error()))
			return false
		}
		recipients = resolved
	}

	results, err := s.sessions.Send(ctx, device.DeviceKey, recipients, msg.Body, group)
	if err != nil {
		s.resolve(ctx, msg.ID, domain.StatusFailed, fmt.Sprintf(`{"error":%q}`, err.Error()))
		return false
	}

	response, err := json.Marshal(results)
	if err != nil {
		response = []byte(`{"error":"response encoding failed"}`)
	}

	status := domain.StatusFailed
	if domain.AllOK(results) {
		status = domain.StatusSent
	}
	s.resolve(ctx, msg.ID, status, string(response))
	return status == domain.StatusSent
}

// resolveGroups maps alias keys to group JIDs. Raw group IDs pass through.
func (s *Scheduler) resolveGroups(ctx context.Context, deviceKey string, recipients []string) ([]string, error) {
	resolved := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if domain.ValidGroupID(r) {
			resolved = append(resolved, r)
			continue
		}
		alias, err := s.repo.ResolveGroupAlias(ctx, deviceKey, r)
		if err != nil {
			return nil, fmt.Errorf("resolve group alias %q: %w", r, err)
		}
		if alias == nil {
			return nil, fmt.Errorf("unknown group alias %q", r)
		}
		resolved = append(resolved, alias.GroupJID)
	}
	return resolved, nil
}

func (s *Scheduler) resolve(ctx context.Context, id int64, status, response string) {
	if err := s.repo.ResolveMessage(ctx, id, status, response); err != nil {
		slog.Warn("message resolution failed", "message_id", id, "status", status, "error", err)
	}
}

// dayBounds returns [midnight, midnight+24h) around now in the configured
// timezone.
func (s *Scheduler) dayBounds(now time.Time) (time.Time, time.Time) {
	local := now.In(s.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	return start, start.Add(24 * time.Hour)
}

func (s *Scheduler) sleepRange(ctx context.Context, r config.DelayRange) error {
	d := r.Min
	if span := r.Max - r.Min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	return session.Sleep(ctx, d)
}
