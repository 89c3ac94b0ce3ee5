// Package domain contains core domain types for the wagate gateway.
package domain

import (
	"time"
)

// Device status values persisted in the store.
const (
	DeviceDisconnected = "disconnected"
	DeviceConnecting   = "connecting"
	DeviceConnected    = "connected"
	DeviceLoggedOut    = "logged_out"
	DeviceError        = "error"
	DeviceRemoved      = "removed"
	DeviceDeleted      = "deleted"
)

// Device represents one registered WhatsApp session slot.
type Device struct {
	ID                int64     `json:"id"`
	OwnerID           string    `json:"owner_id"`
	DeviceKey         string    `json:"device_key"`
	Name              string    `json:"name,omitempty"`
	JID               string    `json:"jid,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	PushName          string    `json:"push_name,omitempty"`
	Status            string    `json:"status"`
	DailyLimit        int       `json:"daily_limit"`
	LifeTime          int       `json:"life_time"`
	LastLifeDecrement time.Time `json:"last_life_decrement,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Registered reports whether the device has paired credentials.
// A device without a JID has never completed a QR scan.
func (d *Device) Registered() bool {
	return d.JID != ""
}

// Expired reports whether the device's remaining lifetime has run out.
func (d *Device) Expired() bool {
	return d.LifeTime <= 0
}
