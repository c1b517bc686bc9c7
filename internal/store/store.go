package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a raid, signup or template does not exist.
// Callers generally treat it as "already resolved" rather than a failure.
var ErrNotFound = errors.New("not found")

// Status is a raid lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusLocked    Status = "locked"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// ConfirmState is a signup's check-in confirmation state.
type ConfirmState string

const (
	StateUnconfirmed ConfirmState = "unconfirmed"
	StateConfirmed   ConfirmState = "confirmed"
	StateNoShow      ConfirmState = "no_show"
)

// Raid represents a scheduled group activity.
type Raid struct {
	ID          string `db:"id"`
	GuildID     string `db:"guild_id"`
	ChannelID   string `db:"channel_id"`
	MessageID   string `db:"message_id"` // live post reference, empty until posted
	Title       string `db:"title"`
	Description string `db:"description"`
	Game        string `db:"game"`
	Mode        string `db:"mode"` // "raid" or "guildwar", routes announcements

	StartsAt     time.Time  `db:"starts_at"`
	CreatedAt    time.Time  `db:"created_at"`
	CreatedBy    string     `db:"created_by"`
	AllowedRoles StringList `db:"allowed_roles"` // creator-role allowlist snapshot

	Roles           RoleSet    `db:"roles"`
	Status          Status     `db:"status"`
	FiredMilestones StringList `db:"fired_milestones"`

	ParticipantRoleID string     `db:"participant_role_id"`
	LogChannelID      string     `db:"log_channel_id"`
	ClosedAt          *time.Time `db:"closed_at"`
}

// Signup is a user's reservation of exactly one role on one raid.
type Signup struct {
	RaidID        string       `db:"raid_id"`
	UserID        string       `db:"user_id"`
	Role          string       `db:"role"`
	State         ConfirmState `db:"state"`
	PreferredRole string       `db:"preferred_role"` // advisory, bench only
	JoinedAt      time.Time    `db:"joined_at"`
}

// Template is a named role-capacity preset consumed at raid creation.
type Template struct {
	Name      string    `db:"name"`
	GuildID   string    `db:"guild_id"`
	Roles     RoleSet   `db:"roles"`
	IsDefault bool      `db:"is_default"`
	CreatedAt time.Time `db:"created_at"`
}

// RaidRepository defines raid persistence operations.
type RaidRepository interface {
	Create(ctx context.Context, r *Raid) error
	GetByID(ctx context.Context, id string) (*Raid, error)
	GetByMessageID(ctx context.Context, messageID string) (*Raid, error)
	// ListActive returns raids with status open or locked.
	ListActive(ctx context.Context) ([]Raid, error)
	// ListUpcoming returns active raids starting at or after now, soonest first.
	ListUpcoming(ctx context.Context, now time.Time) ([]Raid, error)
	// ListTerminal returns closed/cancelled raids, for grace-period pruning.
	ListTerminal(ctx context.Context) ([]Raid, error)
	UpdateRoles(ctx context.Context, id string, roles RoleSet) error
	// UpdateStatus transitions a non-terminal raid to the given status.
	// It returns ErrNotFound when the raid does not exist or is already terminal.
	UpdateStatus(ctx context.Context, id string, to Status, at time.Time) error
	UpdateMeta(ctx context.Context, id, title, description string, startsAt time.Time) error
	SetMessageID(ctx context.Context, id, messageID string) error
	// MarkMilestoneFired durably appends key to the raid's fired-milestone set.
	MarkMilestoneFired(ctx context.Context, id, key string) error
	Delete(ctx context.Context, id string) error
}

// SignupRepository defines signup persistence operations.
type SignupRepository interface {
	Create(ctx context.Context, s *Signup) error
	Get(ctx context.Context, raidID, userID string) (*Signup, error)
	Delete(ctx context.Context, raidID, userID string) error
	// ListByRaid returns signups ordered by joined_at (FIFO for bench promotion).
	ListByRaid(ctx context.Context, raidID string) ([]Signup, error)
	UpdateRole(ctx context.Context, raidID, userID, role string) error
	UpdateState(ctx context.Context, raidID, userID string, state ConfirmState) error
	// MarkNoShows flips all unconfirmed signups of a raid to no_show and
	// returns the affected user IDs.
	MarkNoShows(ctx context.Context, raidID string) ([]string, error)
	SetPreferredRole(ctx context.Context, raidID, userID, role string) error
	// CountByUser returns the user's participation counts keyed by role.
	CountByUser(ctx context.Context, userID string) (map[string]int, error)
}

// TemplateRepository defines template persistence operations.
type TemplateRepository interface {
	// Upsert inserts or replaces a template by (guild_id, name). Setting
	// IsDefault clears the flag on any other template in the same guild.
	Upsert(ctx context.Context, t *Template) error
	GetByName(ctx context.Context, guildID, name string) (*Template, error)
	GetDefault(ctx context.Context, guildID string) (*Template, error)
	List(ctx context.Context, guildID string) ([]Template, error)
	Delete(ctx context.Context, guildID, name string) error
}
