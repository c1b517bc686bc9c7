// Package lifecycle implements the raid state machine: creation, lock/unlock,
// edit, close, cancel, promotion and follow-up raids. Status transitions run
// inside the ledger's per-raid critical section so they never race a signup.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/config"
	"github.com/jensholdgaard/discord-raid-bot/internal/event"
	"github.com/jensholdgaard/discord-raid-bot/internal/ledger"
	"github.com/jensholdgaard/discord-raid-bot/internal/notify"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// NoticeRetractor removes transient per-raid notices during cleanup. The
// signup engine implements it.
type NoticeRetractor interface {
	RetractOpenSlotNotice(ctx context.Context, raidID string)
}

// CreateParams describes a new raid. Either TemplateName or Slots must be
// set; when both are empty the guild's default template is used.
type CreateParams struct {
	GuildID      string
	Title        string
	Description  string
	Game         string
	Mode         string // "raid" or "guildwar"
	StartsAt     time.Time
	CreatedBy    string
	TemplateName string
	Slots        []store.RoleSlot
	AllowedRoles []string
	// FollowUpOf records the terminal raid this one was copied from.
	FollowUpOf string
}

// EditParams carries the mutable raid metadata. Zero values leave the
// current value in place.
type EditParams struct {
	Title       string
	Description string
	StartsAt    time.Time
}

// Close reasons, recorded in the closure event and summary.
const (
	CloseReasonAdmin  = "admin"
	CloseReasonAuto   = "auto_at_start"
	CloseReasonSafety = "safety"
)

// Manager drives raid lifecycle transitions.
type Manager struct {
	ledger    *ledger.Ledger
	raids     store.RaidRepository
	signups   store.SignupRepository
	templates store.TemplateRepository
	events    event.Store
	roster    notify.Roster
	msgr      notify.Messenger
	granter   notify.RoleGranter
	notices   NoticeRetractor
	cfg       config.RaidsConfig
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewManager returns a new lifecycle Manager.
func NewManager(
	l *ledger.Ledger,
	repos *store.Repositories,
	roster notify.Roster,
	msgr notify.Messenger,
	granter notify.RoleGranter,
	notices NoticeRetractor,
	cfg config.RaidsConfig,
	clk clock.Clock,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Manager {
	return &Manager{
		ledger:    l,
		raids:     repos.Raids,
		signups:   repos.Signups,
		templates: repos.Templates,
		events:    repos.Events,
		roster:    roster,
		msgr:      msgr,
		granter:   granter,
		notices:   notices,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/discord-raid-bot/internal/lifecycle"),
	}
}

// CreateRaid creates an Open raid and posts its roster.
func (m *Manager) CreateRaid(ctx context.Context, p CreateParams) (*store.Raid, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateRaid",
		trace.WithAttributes(
			attribute.String("guild.id", p.GuildID),
			attribute.String("title", p.Title),
			attribute.String("mode", p.Mode),
		),
	)
	defer span.End()

	roles, err := m.resolveRoles(ctx, p)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	raid := &store.Raid{
		ID:                fmt.Sprintf("raid-%d", now.UnixNano()),
		GuildID:           p.GuildID,
		ChannelID:         m.cfg.AnnounceChannel(p.Mode),
		Title:             p.Title,
		Description:       p.Description,
		Game:              p.Game,
		Mode:              p.Mode,
		StartsAt:          p.StartsAt,
		CreatedAt:         now,
		CreatedBy:         p.CreatedBy,
		AllowedRoles:      p.AllowedRoles,
		Roles:             roles,
		Status:            store.StatusOpen,
		ParticipantRoleID: m.cfg.ParticipantRoleID,
		LogChannelID:      m.cfg.LogChannelID,
	}
	if err := m.raids.Create(ctx, raid); err != nil {
		return nil, fmt.Errorf("creating raid: %w", err)
	}

	msgID, err := m.roster.PostRoster(ctx, raid.ChannelID, notify.BuildSnapshot(raid, nil))
	if err != nil {
		// The raid exists without a live post; reconciliation and commands
		// still work, only reaction signups are unavailable.
		m.logger.ErrorContext(ctx, "failed to post roster",
			slog.String("raid_id", raid.ID),
			slog.Any("error", err),
		)
	} else {
		raid.MessageID = msgID
		if err := m.raids.SetMessageID(ctx, raid.ID, msgID); err != nil {
			m.logger.ErrorContext(ctx, "failed to store roster message id",
				slog.String("raid_id", raid.ID),
				slog.Any("error", err),
			)
		}
	}

	m.appendEvent(ctx, raid.ID, event.RaidCreated, event.RaidCreatedData{
		Title:     raid.Title,
		Mode:      raid.Mode,
		StartsAt:  raid.StartsAt,
		CreatedBy: p.CreatedBy,
		Template:  p.TemplateName,
		FollowUp:  p.FollowUpOf,
	})
	m.logger.InfoContext(ctx, "raid created",
		slog.String("raid_id", raid.ID),
		slog.String("title", raid.Title),
		slog.Time("starts_at", raid.StartsAt),
	)
	return raid, nil
}

func (m *Manager) resolveRoles(ctx context.Context, p CreateParams) (store.RoleSet, error) {
	if len(p.Slots) > 0 {
		roles := make(store.RoleSet, 0, len(p.Slots)+1)
		for _, s := range p.Slots {
			roles = append(roles, store.RoleSlot{Name: s.Name, Capacity: s.Capacity})
		}
		if roles.Get(store.BenchRole) == nil {
			roles = append(roles, store.RoleSlot{Name: store.BenchRole, Capacity: m.cfg.BenchCapacity})
		}
		return roles, nil
	}

	var (
		tpl *store.Template
		err error
	)
	if p.TemplateName != "" {
		tpl, err = m.templates.GetByName(ctx, p.GuildID, p.TemplateName)
	} else {
		tpl, err = m.templates.GetDefault(ctx, p.GuildID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving template: %w", err)
	}
	roles := tpl.Roles.Reset()
	if roles.Get(store.BenchRole) == nil {
		roles = append(roles, store.RoleSlot{Name: store.BenchRole, Capacity: m.cfg.BenchCapacity})
	}
	return roles, nil
}

// Lock moves an Open raid to Locked. Locked raids accept bench signups only.
func (m *Manager) Lock(ctx context.Context, raidID, by string) error {
	return m.transition(ctx, raidID, store.StatusOpen, store.StatusLocked, event.RaidLocked, by)
}

// Unlock moves a Locked raid back to Open.
func (m *Manager) Unlock(ctx context.Context, raidID, by string) error {
	return m.transition(ctx, raidID, store.StatusLocked, store.StatusOpen, event.RaidUnlocked, by)
}

func (m *Manager) transition(ctx context.Context, raidID string, from, to store.Status, typ event.Type, by string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.transition",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("to", string(to)),
		),
	)
	defer span.End()

	err := m.ledger.Sync(raidID, func() error {
		raid, err := m.raids.GetByID(ctx, raidID)
		if err != nil {
			return err
		}
		if raid.Status != from {
			return fmt.Errorf("raid %s is %s, not %s: %w", raidID, raid.Status, from, ledger.ErrInvalidTransition)
		}
		return m.raids.UpdateStatus(ctx, raidID, to, m.clock.Now())
	})
	if err != nil {
		return err
	}

	m.appendEvent(ctx, raidID, typ, event.RaidStatusData{By: by})
	m.refreshRoster(ctx, raidID)
	m.logger.InfoContext(ctx, "raid status changed",
		slog.String("raid_id", raidID),
		slog.String("status", string(to)),
	)
	return nil
}

// Edit updates title, description or start time of a non-terminal raid.
// Moving the start time re-arms time-based milestones that have not fired.
func (m *Manager) Edit(ctx context.Context, raidID string, p EditParams) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Edit",
		trace.WithAttributes(attribute.String("raid.id", raidID)),
	)
	defer span.End()

	err := m.ledger.Sync(raidID, func() error {
		raid, err := m.raids.GetByID(ctx, raidID)
		if err != nil {
			return err
		}
		if raid.Status.Terminal() {
			return fmt.Errorf("raid %s is %s: %w", raidID, raid.Status, ledger.ErrInvalidTransition)
		}
		title := raid.Title
		if p.Title != "" {
			title = p.Title
		}
		description := raid.Description
		if p.Description != "" {
			description = p.Description
		}
		startsAt := raid.StartsAt
		if !p.StartsAt.IsZero() {
			startsAt = p.StartsAt
		}
		return m.raids.UpdateMeta(ctx, raidID, title, description, startsAt)
	})
	if err != nil {
		return err
	}

	m.appendEvent(ctx, raidID, event.RaidEdited, event.RaidStatusData{
		Title:    p.Title,
		StartsAt: p.StartsAt,
	})
	m.refreshRoster(ctx, raidID)
	return nil
}

// Close moves an Open or Locked raid to Closed and runs cleanup: the live
// post and outstanding notices are removed, a summary goes to the log
// channel, and the participant role is revoked from everyone who did not
// confirm.
func (m *Manager) Close(ctx context.Context, raidID, reason string) error {
	return m.finish(ctx, raidID, store.StatusClosed, reason)
}

// Cancel moves an Open or Locked raid to Cancelled. Same cleanup as Close
// with the summary marked cancelled.
func (m *Manager) Cancel(ctx context.Context, raidID, by string) error {
	return m.finish(ctx, raidID, store.StatusCancelled, "cancelled by "+by)
}

func (m *Manager) finish(ctx context.Context, raidID string, to store.Status, reason string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.finish",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("to", string(to)),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	var raid *store.Raid
	err := m.ledger.Sync(raidID, func() error {
		var err error
		raid, err = m.raids.GetByID(ctx, raidID)
		if err != nil {
			return err
		}
		if raid.Status.Terminal() {
			return fmt.Errorf("raid %s is %s: %w", raidID, raid.Status, ledger.ErrInvalidTransition)
		}
		return m.raids.UpdateStatus(ctx, raidID, to, m.clock.Now())
	})
	if err != nil {
		return err
	}

	signups, err := m.signups.ListByRaid(ctx, raidID)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list signups for cleanup",
			slog.String("raid_id", raidID),
			slog.Any("error", err),
		)
	}
	var confirmed, noShows int
	for _, s := range signups {
		switch s.State {
		case store.StateConfirmed:
			confirmed++
		case store.StateNoShow:
			noShows++
		}
		if s.State != store.StateConfirmed && raid.ParticipantRoleID != "" {
			if err := m.granter.Revoke(ctx, raid.GuildID, s.UserID, raid.ParticipantRoleID); err != nil {
				m.logger.WarnContext(ctx, "failed to revoke participant role",
					slog.String("raid_id", raidID),
					slog.String("user_id", s.UserID),
					slog.Any("error", err),
				)
			}
		}
	}

	m.notices.RetractOpenSlotNotice(ctx, raidID)
	if raid.MessageID != "" {
		if err := m.roster.RemoveRoster(ctx, raid.ChannelID, raid.MessageID); err != nil {
			m.logger.WarnContext(ctx, "failed to remove roster post",
				slog.String("raid_id", raidID),
				slog.Any("error", err),
			)
		}
	}

	if raid.LogChannelID != "" {
		summary := fmt.Sprintf("**%s** closed (%s): %d signed up, %d confirmed, %d no-shows.",
			raid.Title, reason, len(signups), confirmed, noShows)
		if to == store.StatusCancelled {
			summary = fmt.Sprintf("**%s** was cancelled (%s). %d users were signed up.",
				raid.Title, reason, len(signups))
		}
		if _, err := m.msgr.ChannelNotice(ctx, raid.LogChannelID, summary); err != nil {
			m.logger.WarnContext(ctx, "failed to post closure summary",
				slog.String("raid_id", raidID),
				slog.Any("error", err),
			)
		}
	}

	typ := event.RaidClosed
	if to == store.StatusCancelled {
		typ = event.RaidCancelled
	}
	m.appendEvent(ctx, raidID, typ, event.RaidClosedData{
		Reason:    reason,
		Confirmed: confirmed,
		NoShows:   noShows,
	})
	m.logger.InfoContext(ctx, "raid finished",
		slog.String("raid_id", raidID),
		slog.String("status", string(to)),
		slog.String("reason", reason),
	)
	return nil
}

// Promote moves a benched user into a primary role. The target must have
// free capacity or the promotion is rejected with the user left on the
// bench. Promotion bypasses the Locked gate.
func (m *Manager) Promote(ctx context.Context, raidID, userID, role, by string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Promote",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
			attribute.String("role", role),
		),
	)
	defer span.End()

	s, err := m.signups.Get(ctx, raidID, userID)
	if err != nil {
		return err
	}
	if s.Role != store.BenchRole {
		return fmt.Errorf("user %s is not benched: %w", userID, ledger.ErrInvalidTransition)
	}
	if role == store.BenchRole {
		return fmt.Errorf("role %q: %w", role, ledger.ErrUnknownRole)
	}

	if err := m.ledger.ChangeRole(ctx, raidID, userID, role, true); err != nil {
		return err
	}

	m.appendEvent(ctx, raidID, event.RaidPromoted, event.PromotedData{
		UserID:     userID,
		ToRole:     role,
		PromotedBy: by,
	})
	m.refreshRoster(ctx, raidID)

	if err := m.msgr.DirectMessage(ctx, userID, fmt.Sprintf("You were promoted from the bench to %s.", role)); err != nil {
		m.logger.WarnContext(ctx, "failed to DM promoted user",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
	return nil
}

// FollowUp creates a new Open raid copying title, mode and role capacities
// from a closed or cancelled one. Only a new start time is required.
func (m *Manager) FollowUp(ctx context.Context, raidID string, startsAt time.Time, by string) (*store.Raid, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.FollowUp",
		trace.WithAttributes(attribute.String("raid.id", raidID)),
	)
	defer span.End()

	src, err := m.raids.GetByID(ctx, raidID)
	if err != nil {
		return nil, err
	}
	if !src.Status.Terminal() {
		return nil, fmt.Errorf("raid %s is still %s: %w", raidID, src.Status, ledger.ErrInvalidTransition)
	}

	slots := src.Roles.Reset()
	return m.CreateRaid(ctx, CreateParams{
		GuildID:      src.GuildID,
		Title:        src.Title,
		Description:  src.Description,
		Game:         src.Game,
		Mode:         src.Mode,
		StartsAt:     startsAt,
		CreatedBy:    by,
		Slots:        slots,
		AllowedRoles: src.AllowedRoles,
		FollowUpOf:   src.ID,
	})
}

// Roster returns the current structured roster snapshot for a raid.
func (m *Manager) Roster(ctx context.Context, raidID string) (notify.Snapshot, error) {
	raid, err := m.raids.GetByID(ctx, raidID)
	if err != nil {
		return notify.Snapshot{}, err
	}
	signups, err := m.signups.ListByRaid(ctx, raidID)
	if err != nil {
		return notify.Snapshot{}, fmt.Errorf("listing signups: %w", err)
	}
	return notify.BuildSnapshot(raid, signups), nil
}

// Upcoming returns active raids starting at or after now, soonest first.
func (m *Manager) Upcoming(ctx context.Context) ([]store.Raid, error) {
	return m.raids.ListUpcoming(ctx, m.clock.Now())
}

// History returns a user's participation counts keyed by role.
func (m *Manager) History(ctx context.Context, userID string) (map[string]int, error) {
	return m.signups.CountByUser(ctx, userID)
}

func (m *Manager) refreshRoster(ctx context.Context, raidID string) {
	raid, err := m.raids.GetByID(ctx, raidID)
	if err != nil {
		return
	}
	if raid.MessageID == "" {
		return
	}
	signups, err := m.signups.ListByRaid(ctx, raidID)
	if err != nil {
		return
	}
	if err := m.roster.UpdateRoster(ctx, notify.BuildSnapshot(raid, signups)); err != nil {
		m.logger.WarnContext(ctx, "failed to update roster",
			slog.String("raid_id", raidID),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) appendEvent(ctx context.Context, raidID string, typ event.Type, payload any) {
	data, _ := json.Marshal(payload)
	evt := event.Event{
		AggregateID: raidID,
		Type:        typ,
		Data:        data,
		Version:     1,
	}
	if err := m.events.Append(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "failed to append event",
			slog.String("raid_id", raidID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}
