package liaison

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	StatusOnline  = "online"
	StatusUnknown = "unknown"

	TimeoutMessage  = "Timeout waiting for status"
	ShutdownMessage = "Liaison shutting down"
)

var (
	ErrEmptyHardwareID = errors.New("hardware id must not be empty")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNotConnected    = errors.New("not connected to broker")
)

// Message is a single inbound publish as delivered by the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// HealthResult is the answer to a health check. Timeouts produce a result
// too, with Status "unknown" and Error set.
type HealthResult struct {
	HardwareID  string     `json:"hardwareId"`
	Status      string     `json:"status"`
	IsOnline    bool       `json:"isOnline"`
	LastChecked *time.Time `json:"lastChecked,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Location is the last reported position of a device.
type Location struct {
	HardwareID  string    `json:"hardwareId"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// DeviceMode is the operating mode of a vending machine as tracked by the store.
type DeviceMode string

const (
	ModeIdle        DeviceMode = "idle"
	ModeRestocking  DeviceMode = "restocking"
	ModeTransacting DeviceMode = "transacting"
)

// ParseDeviceMode accepts the long names used over HTTP and the CLI.
func ParseDeviceMode(s string) (DeviceMode, error) {
	switch DeviceMode(s) {
	case ModeIdle, ModeRestocking, ModeTransacting:
		return DeviceMode(s), nil
	}
	return "", fmt.Errorf("invalid device mode %q (must be idle, restocking or transacting)", s)
}

// ModeStore is the read side of the vending machine store the liaison depends on.
// Implementations return ErrDeviceNotFound for unknown machines.
type ModeStore interface {
	GetDeviceMode(ctx context.Context, hardwareID string) (DeviceMode, error)
}
