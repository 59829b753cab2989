package models

import (
	"strings"
	"time"
)

// Status is the presence state reported for a peer.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
)

// ParseStatus normalizes raw status text. Anything unrecognized is disconnected.
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusConnected:
		return StatusConnected
	case StatusConnecting:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusConnected, StatusConnecting, StatusDisconnected:
		return true
	default:
		return false
	}
}

// Peer represents one device/process record tracked by the presence backend.
type Peer struct {
	ID         string    `json:"id,omitempty"`
	PeerID     string    `json:"peer_id"`
	Name       string    `json:"name,omitempty"`
	DeviceType string    `json:"device_type,omitempty"`
	Status     Status    `json:"status"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
}

// Key returns the stable identity used for list rendering.
func (p Peer) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.PeerID
}
