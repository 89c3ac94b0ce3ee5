// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/wagate/wagate/internal/domain"
)

// Repository defines the interface for persisting gateway data.
type Repository interface {
	// GetOwnerIDByAPIKey resolves an API key to its owner ID.
	// Returns an empty string when the key is unknown.
	GetOwnerIDByAPIKey(ctx context.Context, apiKey string) (string, error)

	// EnsureOwner creates or updates an owner record.
	EnsureOwner(ctx context.Context, ownerID, name, apiKey string) error

	// GetDevice retrieves a device by its device key.
	GetDevice(ctx context.Context, deviceKey string) (*domain.Device, error)

	// GetDeviceByID retrieves a device by its row ID.
	GetDeviceByID(ctx context.Context, id int64) (*domain.Device, error)

	// CreateDevice inserts a new device record and sets its ID.
	CreateDevice(ctx context.Context, device *domain.Device) error

	// UpdateDeviceStatus updates only the device status.
	UpdateDeviceStatus(ctx context.Context, deviceKey, status string) error

	// UpdateDeviceIdentity records the paired identity after a successful
	// connection and marks the device connected.
	UpdateDeviceIdentity(ctx context.Context, deviceKey, jid, phone, pushName string) error

	// ClearDeviceIdentity wipes the paired identity after credentials are
	// purged, so maintenance sweeps converge.
	ClearDeviceIdentity(ctx context.Context, deviceKey string) error

	// ListRegisteredDevices retrieves devices with stored credentials that
	// are eligible for session restore on startup.
	ListRegisteredDevices(ctx context.Context) ([]*domain.Device, error)

	// ListConnectedDevices retrieves a page of connected devices.
	ListConnectedDevices(ctx context.Context, limit, offset int) ([]*domain.Device, error)

	// ListDevicesByStatus retrieves all devices in the given status.
	ListDevicesByStatus(ctx context.Context, status string) ([]*domain.Device, error)

	// ListDevicesByOwner retrieves all of an owner's devices.
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]*domain.Device, error)

	// DecrementLifeTimes subtracts one day of life from every active device
	// that has not been decremented since dayStart. Devices reaching zero
	// are flipped to removed. Returns (decremented, removed) row counts.
	DecrementLifeTimes(ctx context.Context, dayStart time.Time) (int64, int64, error)

	// DeleteDeviceCascade removes a deleted device together with its
	// messages, group aliases and autoreply rules in one transaction.
	DeleteDeviceCascade(ctx context.Context, deviceKey string) error

	// EnqueueMessage inserts a pending message and sets its ID.
	EnqueueMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)

	// ClaimPending atomically moves up to limit pending messages to
	// processing, scoped to one device, one class and the [dayStart, dayEnd)
	// window, in creation order. Rows claimed here are invisible to any
	// concurrent claim.
	ClaimPending(ctx context.Context, deviceID int64, class string, dayStart, dayEnd time.Time, limit int) ([]*domain.Message, error)

	// ResolveMessage finalizes a processing message as sent or failed and
	// stores the delivery response payload.
	ResolveMessage(ctx context.Context, id int64, status, response string) error

	// RetryMessage moves a failed message back to pending.
	RetryMessage(ctx context.Context, id int64) error

	// RequeueMessage moves a claimed processing message back to pending,
	// used when a batch is abandoned before the message was attempted.
	RequeueMessage(ctx context.Context, id int64) error

	// CountMessages counts a device's dispatched (non-pending) messages
	// created within [dayStart, dayEnd). With sentOnly, only delivered
	// ones count.
	CountMessages(ctx context.Context, deviceID int64, dayStart, dayEnd time.Time, sentOnly bool) (int, error)

	// ListMessagesByOwner retrieves an owner's messages created within
	// [dayStart, dayEnd), newest first.
	ListMessagesByOwner(ctx context.Context, ownerID string, dayStart, dayEnd time.Time) ([]*domain.Message, error)

	// CleanupMessages deletes sent messages older than sentBefore and
	// non-sent messages older than staleBefore. Returns rows deleted.
	CleanupMessages(ctx context.Context, sentBefore, staleBefore time.Time) (int64, error)

	// RequeueStaleProcessing moves processing messages last touched before
	// olderThan back to pending. Returns rows requeued.
	RequeueStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error)

	// UpsertGroupAlias registers or refreshes a group alias.
	UpsertGroupAlias(ctx context.Context, alias *domain.GroupAlias) error

	// ResolveGroupAlias looks up an alias registered on the device.
	// Returns nil when the alias is unknown.
	ResolveGroupAlias(ctx context.Context, deviceKey, alias string) (*domain.GroupAlias, error)

	// DeleteGroupAlias unregisters a group alias from the device.
	DeleteGroupAlias(ctx context.Context, deviceKey string, groupJID string) error

	// CreateAutoReply inserts a new autoreply rule and sets its ID.
	CreateAutoReply(ctx context.Context, rule *domain.AutoReply) error

	// ListActiveAutoReplies retrieves all active autoreply rules.
	ListActiveAutoReplies(ctx context.Context) ([]*domain.AutoReply, error)

	// IncrementAutoReplyUsed bumps a rule's usage counter.
	IncrementAutoReplyUsed(ctx context.Context, id int64) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
