// Package notify defines the narrow outbound interfaces the core uses to talk
// to the chat platform. The core emits structured roster data and never
// renders presentation itself; the Discord adapter in this package is the
// only place that knows about embeds, reactions and buttons.
package notify

import (
	"context"
	"time"

	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// RosterEntry is one signup in a roster snapshot.
type RosterEntry struct {
	UserID        string
	Role          string
	PreferredRole string
	State         store.ConfirmState
	JoinedAt      time.Time
}

// Snapshot is the structured roster data handed to the renderer.
type Snapshot struct {
	Raid    *store.Raid
	Entries []RosterEntry
	// FillHint is derived purely from counts: "open", "almost_full" or
	// "full". It never reflects the lifecycle status.
	FillHint string
}

// Fill hints for Snapshot.FillHint.
const (
	HintOpen       = "open"
	HintAlmostFull = "almost_full"
	HintFull       = "full"
)

// Roster posts and maintains the live roster rendering for a raid.
type Roster interface {
	// PostRoster publishes the roster and returns the platform message ID.
	PostRoster(ctx context.Context, channelID string, snap Snapshot) (string, error)
	// UpdateRoster re-renders the existing roster message.
	UpdateRoster(ctx context.Context, snap Snapshot) error
	// RemoveRoster deletes the roster message.
	RemoveRoster(ctx context.Context, channelID, messageID string) error
}

// Messenger delivers user and channel notifications.
type Messenger interface {
	DirectMessage(ctx context.Context, userID, content string) error
	// ChannelNotice posts a notice and returns its message ID so it can be
	// retracted later.
	ChannelNotice(ctx context.Context, channelID, content string) (string, error)
	RetractNotice(ctx context.Context, channelID, messageID string) error
	// ChannelPrompt posts a notice carrying a single confirm button. Clicks
	// come back through the interaction handler under customID.
	ChannelPrompt(ctx context.Context, channelID, content, customID, label string) (string, error)
	// DirectPrompt DMs the user a message carrying a select menu over the
	// given option values, routed back under customID.
	DirectPrompt(ctx context.Context, userID, content, customID string, options []string) error
}

// Component custom-ID prefixes. Prompts are posted with these and the bot's
// interaction handler parses them back out of component clicks.
const (
	CheckinPrefix  = "checkin:"
	RolePickPrefix = "rolepick:"
)

// CheckinID is the custom ID of a raid's check-in confirm button.
func CheckinID(raidID string) string { return CheckinPrefix + raidID }

// RolePickID is the custom ID of a raid's role disambiguation select menu.
func RolePickID(raidID string) string { return RolePickPrefix + raidID }

// RoleGranter grants and revokes the participant designation.
type RoleGranter interface {
	Grant(ctx context.Context, guildID, userID, roleID string) error
	Revoke(ctx context.Context, guildID, userID, roleID string) error
}

// Signal is one observed external signup signal (a reaction on the roster
// post). A user may hold signals against several roles at once if the
// signals were captured while the engine was offline.
type Signal struct {
	UserID string
	Role   string
}

// SignalSource exposes the current external signal surface for reconciliation.
type SignalSource interface {
	// FetchSignals returns the signals currently present on the raid's post.
	FetchSignals(ctx context.Context, raid *store.Raid) ([]Signal, error)
	// RemoveSignal undoes a signal at the external boundary, used when a
	// join must be hard-rejected.
	RemoveSignal(ctx context.Context, raid *store.Raid, userID, role string) error
}

// BuildSnapshot assembles a Snapshot from a raid and its signups.
func BuildSnapshot(raid *store.Raid, signups []store.Signup) Snapshot {
	entries := make([]RosterEntry, 0, len(signups))
	for _, s := range signups {
		entries = append(entries, RosterEntry{
			UserID:        s.UserID,
			Role:          s.Role,
			PreferredRole: s.PreferredRole,
			State:         s.State,
			JoinedAt:      s.JoinedAt,
		})
	}
	return Snapshot{Raid: raid, Entries: entries, FillHint: fillHint(raid.Roles)}
}

func fillHint(roles store.RoleSet) string {
	free := roles.FreePrimary()
	switch {
	case free == 0:
		return HintFull
	case free <= 2:
		return HintAlmostFull
	default:
		return HintOpen
	}
}
