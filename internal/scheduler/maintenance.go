package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/store"
)

// SessionReleaser is the slice of the session manager maintenance needs to
// tear down sessions for expired and deleted devices.
type SessionReleaser interface {
	RemoveSession(ctx context.Context, deviceKey string, purgeCreds bool, status string) error
}

// MaintenanceConfig tunes the background maintenance jobs.
type MaintenanceConfig struct {
	SentRetention        time.Duration
	StaleRetention       time.Duration
	StaleProcessingAfter time.Duration
	Location             *time.Location
}

// Maintenance runs the gateway's periodic cleanup jobs. Each job is
// best-effort: failures are logged and retried on the next tick.
type Maintenance struct {
	repo     store.Repository
	sessions SessionReleaser
	cfg      MaintenanceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance creates the maintenance runner. Call Start to begin.
func NewMaintenance(repo store.Repository, sessions SessionReleaser, cfg MaintenanceConfig) *Maintenance {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Maintenance{
		repo:     repo,
		sessions: sessions,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches all maintenance loops.
func (m *Maintenance) Start() {
	m.loop("message cleanup", time.Hour, m.cleanupMessages)
	// last_life_decrement guards against double-charging, so an hourly
	// check still decrements at most once per day.
	m.loop("life decrement", time.Hour, m.decrementLifeTimes)
	m.loop("removed device sweep", 5*time.Minute, m.sweepRemovedDevices)
	m.loop("deleted device cascade", 5*time.Minute, m.cascadeDeletedDevices)
	m.loop("stale processing requeue", 5*time.Minute, m.requeueStaleProcessing)
	slog.Info("maintenance jobs started")
}

// Stop cancels all jobs and waits for them, bounded by ctx.
func (m *Maintenance) Stop(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("maintenance jobs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop maintenance: %w", ctx.Err())
	}
}

func (m *Maintenance) loop(name string, interval time.Duration, fn func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := fn(m.ctx); err != nil {
			slog.Warn("maintenance job failed", "job", name, "error", err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := fn(m.ctx); err != nil {
					slog.Warn("maintenance job failed", "job", name, "error", err)
				}
			}
		}
	}()
}

// cleanupMessages deletes delivered messages past the sent retention window
// and everything else past the stale retention window.
func (m *Maintenance) cleanupMessages(ctx context.Context) error {
	now := time.Now()
	deleted, err := m.repo.CleanupMessages(ctx, now.Add(-m.cfg.SentRetention), now.Add(-m.cfg.StaleRetention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("old messages deleted", "count", deleted)
	}
	return nil
}

// decrementLifeTimes charges each active device one day of life, at most
// once per calendar day in the configured timezone.
func (m *Maintenance) decrementLifeTimes(ctx context.Context) error {
	local := time.Now().In(m.cfg.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.cfg.Location)

	decremented, removed, err := m.repo.DecrementLifeTimes(ctx, dayStart)
	if err != nil {
		return err
	}
	if decremented > 0 || removed > 0 {
		slog.Info("device life times decremented", "decremented", decremented, "expired", removed)
	}
	return nil
}

// sweepRemovedDevices releases sessions and purges credentials for devices
// whose life ran out.
func (m *Maintenance) sweepRemovedDevices(ctx context.Context) error {
	devices, err := m.repo.ListDevicesByStatus(ctx, domain.DeviceRemoved)
	if err != nil {
		return err
	}

	for _, device := range devices {
		if device.JID == "" {
			continue
		}
		if err := m.sessions.RemoveSession(ctx, device.DeviceKey, true, domain.DeviceRemoved); err != nil {
			slog.Warn("removed device sweep failed", "device_key", device.DeviceKey, "error", err)
			continue
		}
		if err := m.repo.ClearDeviceIdentity(ctx, device.DeviceKey); err != nil {
			slog.Warn("device identity clear failed", "device_key", device.DeviceKey, "error", err)
		}
		slog.Info("removed device swept", "device_key", device.DeviceKey)
	}
	return nil
}

// cascadeDeletedDevices purges credentials and erases all rows belonging to
// devices marked deleted.
func (m *Maintenance) cascadeDeletedDevices(ctx context.Context) error {
	devices, err := m.repo.ListDevicesByStatus(ctx, domain.DeviceDeleted)
	if err != nil {
		return err
	}

	for _, device := range devices {
		if err := m.sessions.RemoveSession(ctx, device.DeviceKey, true, ""); err != nil {
			slog.Warn("deleted device release failed", "device_key", device.DeviceKey, "error", err)
			continue
		}
		if err := m.repo.DeleteDeviceCascade(ctx, device.DeviceKey); err != nil {
			slog.Warn("deleted device cascade failed", "device_key", device.DeviceKey, "error", err)
			continue
		}
		slog.Info("deleted device erased", "device_key", device.DeviceKey)
	}
	return nil
}

// requeueStaleProcessing returns messages abandoned mid-flight (crash or
// cancelled tick) to the pending queue.
func (m *Maintenance) requeueStaleProcessing(ctx context.Context) error {
	requeued, err := m.repo.RequeueStaleProcessing(ctx, time.Now().Add(-m.cfg.StaleProcessingAfter))
	if err != nil {
		return err
	}
	if requeued > 0 {
		slog.Info("stale processing messages requeued", "count", requeued)
	}
	return nil
}
