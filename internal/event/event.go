package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	RaidCreated   Type = "raid.created"
	RaidLocked    Type = "raid.locked"
	RaidUnlocked  Type = "raid.unlocked"
	RaidEdited    Type = "raid.edited"
	RaidClosed    Type = "raid.closed"
	RaidCancelled Type = "raid.cancelled"
	RaidPromoted  Type = "raid.promoted"

	SignupJoined Type = "signup.joined"
	SignupLeft   Type = "signup.left"
	SignupMoved  Type = "signup.moved"

	MilestoneFired Type = "milestone.fired"
)

// Event represents a single domain event. The aggregate is always a raid.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// RaidCreatedData is the payload for RaidCreated events.
type RaidCreatedData struct {
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	StartsAt  time.Time `json:"starts_at"`
	CreatedBy string    `json:"created_by"`
	Template  string    `json:"template,omitempty"`
	FollowUp  string    `json:"follow_up_of,omitempty"`
}

// RaidStatusData is the payload for RaidLocked, RaidUnlocked and RaidEdited
// events.
type RaidStatusData struct {
	By       string    `json:"by,omitempty"`
	Title    string    `json:"title,omitempty"`
	StartsAt time.Time `json:"starts_at"`
}

// RaidClosedData is the payload for RaidClosed and RaidCancelled events.
type RaidClosedData struct {
	Reason    string `json:"reason"`
	Confirmed int    `json:"confirmed"`
	NoShows   int    `json:"no_shows"`
}

// SignupChangeData is the payload for signup join/leave/move events.
type SignupChangeData struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	FromRole string `json:"from_role,omitempty"`
	Benched  bool   `json:"benched,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PromotedData is the payload for RaidPromoted events.
type PromotedData struct {
	UserID     string `json:"user_id"`
	ToRole     string `json:"to_role"`
	PromotedBy string `json:"promoted_by"`
}

// MilestoneFiredData is the payload for MilestoneFired events.
type MilestoneFiredData struct {
	Key string    `json:"key"`
	Due time.Time `json:"due"`
}
