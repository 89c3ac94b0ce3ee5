package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wagate/wagate/internal/domain"
	"github.com/wagate/wagate/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		device_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		jid TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		push_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'disconnected',
		daily_limit INTEGER NOT NULL DEFAULT 0,
		life_time INTEGER NOT NULL DEFAULT 30,
		last_life_decrement INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
	CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		class TEXT NOT NULL,
		recipient TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		response TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(device_id, class, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS group_aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alias TEXT NOT NULL,
		group_jid TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		device_key TEXT NOT NULL,
		registered_at INTEGER NOT NULL,
		UNIQUE(device_key, alias)
	);

	CREATE TABLE IF NOT EXISTS autoreply (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		keyword TEXT NOT NULL,
		response TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		used INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_autoreply_device ON autoreply(device_id) WHERE active = 1;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs fn and retries with exponential backoff on SQLite
// concurrency errors: 100ms, 200ms, 400ms.
func withRetry(op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("sqlite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetOwnerIDByAPIKey resolves an API key to its owner ID.
func (s *SQLiteStore) GetOwnerIDByAPIKey(ctx context.Context, apiKey string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM owners WHERE api_key = ?`, apiKey).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup api key: %w", err)
	}
	return ownerID, nil
}

// EnsureOwner creates or updates an owner record.
func (s *SQLiteStore) EnsureOwner(ctx context.Context, ownerID, name, apiKey string) error {
	query := `
	INSERT INTO owners (id, name, api_key, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		api_key = excluded.api_key`

	_, err := s.db.ExecContext(ctx, query, ownerID, name, apiKey, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("ensure owner: %w", err)
	}
	return nil
}

const deviceColumns = `id, owner_id, device_key, name, jid, phone, push_name,
	       status, daily_limit, life_time, last_life_decrement, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (*domain.Device, error) {
	var d domain.Device
	var lastDecrement sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&d.ID, &d.OwnerID, &d.DeviceKey, &d.Name, &d.JID, &d.Phone, &d.PushName,
		&d.Status, &d.DailyLimit, &d.LifeTime, &lastDecrement, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastDecrement.Valid {
		d.LastLifeDecrement = time.Unix(lastDecrement.Int64, 0)
	}
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return &d, nil
}

// GetDevice retrieves a device by its device key.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceKey string) (*domain.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_key = ?`, deviceKey)

	device, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device row: %w", err)
	}
	return device, nil
}

// GetDeviceByID retrieves a device by its row ID.
func (s *SQLiteStore) GetDeviceByID(ctx context.Context, id int64) (*domain.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)

	device, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device row: %w", err)
	}
	return device, nil
}

// CreateDevice inserts a new device record and sets its ID.
func (s *SQLiteStore) CreateDevice(ctx context.Context, device *domain.Device) error {
	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
	INSERT INTO devices (owner_id, device_key, name, jid, phone, push_name,
		status, daily_limit, life_time, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		device.OwnerID, device.DeviceKey, device.Name, device.JID, device.Phone,
		device.PushName, device.Status, device.DailyLimit, device.LifeTime,
		device.CreatedAt.Unix(), device.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}

	device.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("device insert id: %w", err)
	}
	return nil
}

// UpdateDeviceStatus updates only the device status.
func (s *SQLiteStore) UpdateDeviceStatus(ctx context.Context, deviceKey, status string) error {
	return withRetry("update device status", func() error {
		query := `UPDATE devices SET status = ?, updated_at = ? WHERE device_key = ?`
		result, err := s.db.ExecContext(ctx, query, status, time.Now().Unix(), deviceKey)
		if err != nil {
			return fmt.Errorf("update device status: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("UpdateDeviceStatus affected 0 rows", "device_key", deviceKey, "status", status)
		}
		return nil
	})
}

// UpdateDeviceIdentity records the paired identity and marks the device connected.
func (s *SQLiteStore) UpdateDeviceIdentity(ctx context.Context, deviceKey, jid, phone, pushName string) error {
	return withRetry("update device identity", func() error {
		query := `
		UPDATE devices SET jid = ?, phone = ?, push_name = ?, status = ?, updated_at = ?
		WHERE device_key = ?`

		result, err := s.db.ExecContext(ctx, query,
			jid, phone, pushName, domain.DeviceConnected, time.Now().Unix(), deviceKey)
		if err != nil {
			return fmt.Errorf("update device identity: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("device not found: %s", deviceKey)
		}
		return nil
	})
}

// ClearDeviceIdentity wipes the paired identity after credential purge.
func (s *SQLiteStore) ClearDeviceIdentity(ctx context.Context, deviceKey string) error {
	return withRetry("clear device identity", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE devices SET jid = '', phone = '', push_name = '', updated_at = ? WHERE device_key = ?`,
			time.Now().Unix(), deviceKey)
		if err != nil {
			return fmt.Errorf("clear device identity: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) queryDevices(ctx context.Context, query string, args ...any) ([]*domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close device rows", "error", closeErr)
		}
	}()

	var devices []*domain.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// ListRegisteredDevices retrieves devices eligible for session restore.
func (s *SQLiteStore) ListRegisteredDevices(ctx context.Context) ([]*domain.Device, error) {
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE jid != '' AND status NOT IN (?, ?) ORDER BY id`,
		domain.DeviceRemoved, domain.DeviceDeleted)
}

// ListConnectedDevices retrieves a page of connected devices.
func (s *SQLiteStore) ListConnectedDevices(ctx context.Context, limit, offset int) ([]*domain.Device, error) {
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE status = ? ORDER BY id LIMIT ? OFFSET ?`,
		domain.DeviceConnected, limit, offset)
}

// ListDevicesByStatus retrieves all devices in the given status.
func (s *SQLiteStore) ListDevicesByStatus(ctx context.Context, status string) ([]*domain.Device, error) {
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE status = ? ORDER BY id`, status)
}

// ListDevicesByOwner retrieves all of an owner's devices.
func (s *SQLiteStore) ListDevicesByOwner(ctx context.Context, ownerID string) ([]*domain.Device, error) {
	return s.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE owner_id = ? AND status != ? ORDER BY id`,
		ownerID, domain.DeviceDeleted)
}

// DecrementLifeTimes subtracts one day of life from every active device not
// yet decremented today, then flips exhausted devices to removed.
func (s *SQLiteStore) DecrementLifeTimes(ctx context.Context, dayStart time.Time) (int64, int64, error) {
	var decremented, removed int64

	err := withRetry("decrement life times", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		now := time.Now().Unix()
		decRes, err := tx.ExecContext(ctx, `
			UPDATE devices
			SET life_time = life_time - 1, last_life_decrement = ?, updated_at = ?
			WHERE status NOT IN (?, ?)
			  AND life_time > 0
			  AND (last_life_decrement IS NULL OR last_life_decrement < ?)`,
			now, now, domain.DeviceRemoved, domain.DeviceDeleted, dayStart.Unix())
		if err != nil {
			return fmt.Errorf("decrement life_time: %w", err)
		}
		decremented, err = decRes.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}

		remRes, err := tx.ExecContext(ctx, `
			UPDATE devices SET status = ?, updated_at = ?
			WHERE life_time <= 0 AND status NOT IN (?, ?)`,
			domain.DeviceRemoved, now, domain.DeviceRemoved, domain.DeviceDeleted)
		if err != nil {
			return fmt.Errorf("mark exhausted devices: %w", err)
		}
		removed, err = remRes.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}

		return tx.Commit()
	})
	return decremented, removed, err
}

// DeleteDeviceCascade removes a deleted device with all its dependent rows.
func (s *SQLiteStore) DeleteDeviceCascade(ctx context.Context, deviceKey string) error {
	return withRetry("delete device cascade", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		var deviceID int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM devices WHERE device_key = ?`, deviceKey).Scan(&deviceID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup device: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE device_id = ?`, deviceID); err != nil {
			return fmt.Errorf("delete device messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_aliases WHERE device_key = ?`, deviceKey); err != nil {
			return fmt.Errorf("delete device aliases: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM autoreply WHERE device_id = ?`, deviceID); err != nil {
			return fmt.Errorf("delete device autoreplies: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}

		return tx.Commit()
	})
}

const messageColumns = `id, owner_id, device_id, class, recipient, body,
	       status, response, tags, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var m domain.Message
	var createdAt, updatedAt int64

	err := row.Scan(
		&m.ID, &m.OwnerID, &m.DeviceID, &m.Class, &m.Recipient, &m.Body,
		&m.Status, &m.Response, &m.Tags, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}

// EnqueueMessage inserts a pending message and sets its ID.
func (s *SQLiteStore) EnqueueMessage(ctx context.Context, msg *domain.Message) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = domain.StatusPending
	}

	query := `
	INSERT INTO messages (owner_id, device_id, class, recipient, body, status, response, tags, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		msg.OwnerID, msg.DeviceID, msg.Class, msg.Recipient, msg.Body,
		msg.Status, msg.Response, msg.Tags,
		msg.CreatedAt.Unix(), msg.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	msg.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("message insert id: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// ClaimPending atomically moves up to limit pending messages to processing.
// Each row is flipped individually with a status guard, so a row claimed by
// one caller can never appear in another caller's batch.
func (s *SQLiteStore) ClaimPending(ctx context.Context, deviceID int64, class string, dayStart, dayEnd time.Time, limit int) ([]*domain.Message, error) {
	var claimed []*domain.Message

	err := withRetry("claim pending messages", func() error {
		claimed = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE device_id = ? AND class = ? AND status = ?
			   AND created_at >= ? AND created_at < ?
			 ORDER BY created_at, id LIMIT ?`,
			deviceID, class, domain.StatusPending,
			dayStart.Unix(), dayEnd.Unix(), limit)
		if err != nil {
			return fmt.Errorf("query pending messages: %w", err)
		}

		var candidates []*domain.Message
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				rows.Close() //nolint:errcheck
				return fmt.Errorf("scan pending message: %w", err)
			}
			candidates = append(candidates, msg)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close pending rows: %w", err)
		}

		now := time.Now()
		for _, msg := range candidates {
			result, err := tx.ExecContext(ctx,
				`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				domain.StatusProcessing, now.Unix(), msg.ID, domain.StatusPending)
			if err != nil {
				return fmt.Errorf("claim message %d: %w", msg.ID, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("get rows affected: %w", err)
			}
			if affected == 1 {
				msg.Status = domain.StatusProcessing
				msg.UpdatedAt = now
				claimed = append(claimed, msg)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ResolveMessage finalizes a processing message as sent or failed.
func (s *SQLiteStore) ResolveMessage(ctx context.Context, id int64, status, response string) error {
	if status != domain.StatusSent && status != domain.StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	return withRetry("resolve message", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE messages SET status = ?, response = ?, updated_at = ? WHERE id = ?`,
			status, response, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("resolve message: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("ResolveMessage affected 0 rows", "message_id", id, "status", status)
		}
		return nil
	})
}

// RetryMessage moves a failed message back to pending.
func (s *SQLiteStore) RetryMessage(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusPending, time.Now().Unix(), id, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("retry message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message %d is not in failed status", id)
	}
	return nil
}

// RequeueMessage moves a claimed processing message back to pending.
func (s *SQLiteStore) RequeueMessage(ctx context.Context, id int64) error {
	return withRetry("requeue message", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			domain.StatusPending, time.Now().Unix(), id, domain.StatusProcessing)
		if err != nil {
			return fmt.Errorf("requeue message: %w", err)
		}
		return nil
	})
}

// CountMessages counts a device's dispatched messages created within
// [dayStart, dayEnd). Pending rows have not consumed quota yet and are
// excluded; with sentOnly, failed and in-flight ones are excluded too.
func (s *SQLiteStore) CountMessages(ctx context.Context, deviceID int64, dayStart, dayEnd time.Time, sentOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE device_id = ? AND created_at >= ? AND created_at < ?`
	args := []any{deviceID, dayStart.Unix(), dayEnd.Unix()}
	if sentOnly {
		query += ` AND status = ?`
		args = append(args, domain.StatusSent)
	} else {
		query += ` AND status != ?`
		args = append(args, domain.StatusPending)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// ListMessagesByOwner retrieves an owner's messages in a day window, newest first.
func (s *SQLiteStore) ListMessagesByOwner(ctx context.Context, ownerID string, dayStart, dayEnd time.Time) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE owner_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at DESC, id DESC`,
		ownerID, dayStart.Unix(), dayEnd.Unix())
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// CleanupMessages deletes terminal and abandoned messages past retention.
func (s *SQLiteStore) CleanupMessages(ctx context.Context, sentBefore, staleBefore time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM messages
		 WHERE (status = ? AND updated_at < ?)
		    OR (status != ? AND updated_at < ?)`,
		domain.StatusSent, sentBefore.Unix(),
		domain.StatusSent, staleBefore.Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	return result.RowsAffected()
}

// RequeueStaleProcessing moves abandoned processing messages back to pending.
func (s *SQLiteStore) RequeueStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		domain.StatusPending, time.Now().Unix(),
		domain.StatusProcessing, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("requeue stale processing: %w", err)
	}
	return result.RowsAffected()
}

// UpsertGroupAlias registers or refreshes a group alias.
func (s *SQLiteStore) UpsertGroupAlias(ctx context.Context, alias *domain.GroupAlias) error {
	if alias.RegisteredAt.IsZero() {
		alias.RegisteredAt = time.Now()
	}

	query := `
	INSERT INTO group_aliases (alias, group_jid, name, device_key, registered_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(device_key, alias) DO UPDATE SET
		group_jid = excluded.group_jid,
		name = excluded.name`

	_, err := s.db.ExecContext(ctx, query,
		alias.Alias, alias.GroupJID, alias.Name, alias.DeviceKey, alias.RegisteredAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert group alias: %w", err)
	}
	return nil
}

// ResolveGroupAlias looks up an alias registered on the device.
func (s *SQLiteStore) ResolveGroupAlias(ctx context.Context, deviceKey, alias string) (*domain.GroupAlias, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, alias, group_jid, name, device_key, registered_at
		 FROM group_aliases WHERE device_key = ? AND alias = ?`,
		deviceKey, alias)

	var a domain.GroupAlias
	var registeredAt int64
	err := row.Scan(&a.ID, &a.Alias, &a.GroupJID, &a.Name, &a.DeviceKey, &registeredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan group alias: %w", err)
	}

	a.RegisteredAt = time.Unix(registeredAt, 0)
	return &a, nil
}

// DeleteGroupAlias unregisters a group alias from the device.
func (s *SQLiteStore) DeleteGroupAlias(ctx context.Context, deviceKey string, groupJID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_aliases WHERE device_key = ? AND group_jid = ?`,
		deviceKey, groupJID)
	if err != nil {
		return fmt.Errorf("delete group alias: %w", err)
	}
	return nil
}

// CreateAutoReply inserts a new autoreply rule.
func (s *SQLiteStore) CreateAutoReply(ctx context.Context, rule *domain.AutoReply) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO autoreply (owner_id, device_id, keyword, response, active, used)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		rule.OwnerID, rule.DeviceID, rule.Keyword, rule.Response, rule.Active)
	if err != nil {
		return fmt.Errorf("insert autoreply: %w", err)
	}

	rule.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("autoreply insert id: %w", err)
	}
	return nil
}

// ListActiveAutoReplies retrieves all active autoreply rules.
func (s *SQLiteStore) ListActiveAutoReplies(ctx context.Context) ([]*domain.AutoReply, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, device_id, keyword, response, active, used
		 FROM autoreply WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query autoreplies: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close autoreply rows", "error", closeErr)
		}
	}()

	var replies []*domain.AutoReply
	for rows.Next() {
		var r domain.AutoReply
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.DeviceID, &r.Keyword, &r.Response, &r.Active, &r.Used); err != nil {
			return nil, fmt.Errorf("scan autoreply row: %w", err)
		}
		replies = append(replies, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate autoreplies: %w", err)
	}
	return replies, nil
}

// IncrementAutoReplyUsed bumps a rule's usage counter.
func (s *SQLiteStore) IncrementAutoReplyUsed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE autoreply SET used = used + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment autoreply used: %w", err)
	}
	return nil
}
