package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role is the caller's role as carried by the session check.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleCourier  Role = "courier"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// Elevated reports whether the role may broadcast to channels and notify
// arbitrary users.
func (r Role) Elevated() bool {
	return r == RoleManager || r == RoleAdmin
}

// Sender identifies the originator of a publish. Ephemeral - attached to
// outbound payloads, never persisted.
type Sender struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// CanBroadcast reports whether the sender may publish to a channel.
func CanBroadcast(sender Sender) bool {
	return sender.Role.Elevated()
}

// CanNotify reports whether the sender may address a notification to target.
// Self-notification is always allowed.
func CanNotify(sender Sender, target uuid.UUID) bool {
	return sender.ID == target || sender.Role.Elevated()
}

const (
	maxTitleLen   = 200
	maxMessageLen = 2000
	maxChannelLen = 100
	maxDataBytes  = 16 * 1024
)

// Payload is the structured body of a publish, validated at the transport
// boundary so nothing untyped reaches the dispatcher.
type Payload struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Validate checks field presence and size limits.
func (p *Payload) Validate() error {
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("payload type cannot be empty")
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("payload title cannot be empty")
	}
	if len(p.Title) > maxTitleLen {
		return fmt.Errorf("payload title exceeds %d characters", maxTitleLen)
	}
	if len(p.Message) > maxMessageLen {
		return fmt.Errorf("payload message exceeds %d characters", maxMessageLen)
	}
	if len(p.Channel) > maxChannelLen {
		return fmt.Errorf("channel exceeds %d characters", maxChannelLen)
	}
	if len(p.Data) > maxDataBytes {
		return fmt.Errorf("payload data exceeds %d bytes", maxDataBytes)
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		return fmt.Errorf("payload data is not valid JSON")
	}
	return nil
}

// ValidChannel reports whether name is an acceptable channel name.
func ValidChannel(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && len(name) <= maxChannelLen
}
