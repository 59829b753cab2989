// Package presence derives display fields for peers and defines the
// three-state list contract consumed by renderers.
package presence

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"peerpresence/models"
)

const (
	displayIDLength   = 8
	truncatedIDLength = 16
	ellipsis          = "..."
)

// DeviceIcon names the icon drawn next to a peer.
type DeviceIcon string

const (
	IconLaptop DeviceIcon = "laptop"
	IconMobile DeviceIcon = "mobile"
	IconServer DeviceIcon = "server"
)

// BadgeKind is the visual weight of a status badge.
type BadgeKind string

const (
	BadgePrimary   BadgeKind = "primary"
	BadgeSecondary BadgeKind = "secondary"
	BadgeOutline   BadgeKind = "outline"
)

type iconRule struct {
	icon     DeviceIcon
	keywords []string
}

// Checked in order; the first matching rule wins.
var iconRules = []iconRule{
	{icon: IconLaptop, keywords: []string{"laptop", "desktop"}},
	{icon: IconMobile, keywords: []string{"mobile", "phone"}},
}

// DisplayName returns the peer's name, or "Peer <first 8 of peer_id>..." when unnamed.
func DisplayName(peer models.Peer) string {
	if name := strings.TrimSpace(peer.Name); name != "" {
		return peer.Name
	}
	return "Peer " + prefix(peer.PeerID, displayIDLength) + ellipsis
}

// DeviceIconFor classifies device_type by case-insensitive substring.
func DeviceIconFor(peer models.Peer) DeviceIcon {
	deviceType := strings.ToLower(peer.DeviceType)
	if deviceType == "" {
		return IconServer
	}
	for _, rule := range iconRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(deviceType, keyword) {
				return rule.icon
			}
		}
	}
	return IconServer
}

// StatusBadgeKind maps a status to its badge. Unknown values look disconnected.
func StatusBadgeKind(status models.Status) BadgeKind {
	switch models.ParseStatus(string(status)) {
	case models.StatusConnected:
		return BadgePrimary
	case models.StatusConnecting:
		return BadgeSecondary
	default:
		return BadgeOutline
	}
}

// RelativeLastSeen renders lastSeen relative to now, e.g. "5 minutes ago".
func RelativeLastSeen(lastSeen, now time.Time) string {
	if lastSeen.IsZero() {
		return "never"
	}
	return humanize.RelTime(lastSeen, now, "ago", "from now")
}

// TruncatedID returns the first 16 characters of a peer id followed by an
// ellipsis. Shorter ids are returned unchanged.
func TruncatedID(peerID string) string {
	if len([]rune(peerID)) < truncatedIDLength {
		return peerID
	}
	return prefix(peerID, truncatedIDLength) + ellipsis
}

func prefix(value string, n int) string {
	runes := []rune(value)
	if len(runes) <= n {
		return value
	}
	return string(runes[:n])
}

// Card bundles every derived display field for one peer.
type Card struct {
	Key         string
	Name        string
	ShortID     string
	Icon        DeviceIcon
	Status      models.Status
	Badge       BadgeKind
	LastSeen    string
	DeviceType  string
	RawLastSeen time.Time
}

// CardFor derives the display card for peer at instant now.
func CardFor(peer models.Peer, now time.Time) Card {
	status := models.ParseStatus(string(peer.Status))
	return Card{
		Key:         peer.Key(),
		Name:        DisplayName(peer),
		ShortID:     TruncatedID(peer.PeerID),
		Icon:        DeviceIconFor(peer),
		Status:      status,
		Badge:       StatusBadgeKind(status),
		LastSeen:    RelativeLastSeen(peer.LastSeen, now),
		DeviceType:  peer.DeviceType,
		RawLastSeen: peer.LastSeen,
	}
}
