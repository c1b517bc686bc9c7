// Package signup turns normalized join/leave signals into ledger operations
// and keeps the external roster rendering in sync. Signals may arrive out of
// order or more than once; every operation is written to be idempotent under
// re-application.
package signup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
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

// openSlotNotice tracks the one outstanding open-slot notice for a raid.
// Only the newest notice is kept; older ones are retracted.
type openSlotNotice struct {
	channelID string
	messageID string
	postedAt  time.Time
}

// Engine applies signup mutations and pushes the resulting roster snapshot
// to the notifier after every accepted change.
type Engine struct {
	ledger  *ledger.Ledger
	raids   store.RaidRepository
	signups store.SignupRepository
	events  event.Store
	roster  notify.Roster
	msgr    notify.Messenger
	granter notify.RoleGranter
	source  notify.SignalSource
	cfg     config.RaidsConfig
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	notices map[string]openSlotNotice
}

// NewEngine returns a new signup Engine.
func NewEngine(
	l *ledger.Ledger,
	raids store.RaidRepository,
	signups store.SignupRepository,
	events event.Store,
	roster notify.Roster,
	msgr notify.Messenger,
	granter notify.RoleGranter,
	source notify.SignalSource,
	cfg config.RaidsConfig,
	clk clock.Clock,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Engine {
	return &Engine{
		ledger:  l,
		raids:   raids,
		signups: signups,
		events:  events,
		roster:  roster,
		msgr:    msgr,
		granter: granter,
		source:  source,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/discord-raid-bot/internal/signup"),
		notices: make(map[string]openSlotNotice),
	}
}

// Join signs a user up for a role. A join from a user who already holds a
// signup is a role change: they keep their old slot if the switch fails. The
// returned reservation reports the slot actually taken, which may be the
// bench when the requested role was full.
func (e *Engine) Join(ctx context.Context, raidID, userID, role string) (*ledger.Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Join",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
			attribute.String("role", role),
		),
	)
	defer span.End()

	existing, err := e.signups.Get(ctx, raidID, userID)
	switch {
	case err == nil:
		if existing.Role == role {
			// Redelivered signal, nothing to do.
			return &ledger.Reservation{Role: role, Benched: role == store.BenchRole}, nil
		}
		if err := e.ledger.ChangeRole(ctx, raidID, userID, role, false); err != nil {
			return nil, err
		}
		e.appendEvent(ctx, raidID, event.SignupMoved, event.SignupChangeData{
			UserID:   userID,
			Role:     role,
			FromRole: existing.Role,
		})
		raid := e.afterMutation(ctx, raidID)
		e.retractSignal(ctx, raid, userID, existing.Role)
		return &ledger.Reservation{Role: role, Benched: role == store.BenchRole}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up signup: %w", err)
	}

	res, err := e.ledger.Reserve(ctx, raidID, userID, role)
	if err != nil {
		return nil, err
	}

	e.grantParticipant(ctx, raidID, userID)
	e.appendEvent(ctx, raidID, event.SignupJoined, event.SignupChangeData{
		UserID:  userID,
		Role:    res.Role,
		Benched: res.Benched,
	})
	e.afterMutation(ctx, raidID)
	return res, nil
}

// Leave removes a user's signup. A leave for a user with no signup is
// treated as already applied rather than an error.
func (e *Engine) Leave(ctx context.Context, raidID, userID, reason string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Leave",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	role, err := e.ledger.Release(ctx, raidID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	e.revokeParticipant(ctx, raidID, userID)
	e.appendEvent(ctx, raidID, event.SignupLeft, event.SignupChangeData{
		UserID: userID,
		Role:   role,
		Reason: reason,
	})

	raid := e.afterMutation(ctx, raidID)
	if raid != nil && role != store.BenchRole && raid.Status == store.StatusOpen {
		e.notifyOpenSlot(ctx, raid, role)
	}
	return nil
}

// SetPreferredRole records a benched user's preferred primary role. This is
// advisory metadata, not a capacity operation.
func (e *Engine) SetPreferredRole(ctx context.Context, raidID, userID, role string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.SetPreferredRole",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
			attribute.String("role", role),
		),
	)
	defer span.End()

	raid, err := e.raids.GetByID(ctx, raidID)
	if err != nil {
		return err
	}
	if role == store.BenchRole || !raid.Roles.Has(role) {
		return fmt.Errorf("role %q: %w", role, ledger.ErrUnknownRole)
	}

	s, err := e.signups.Get(ctx, raidID, userID)
	if err != nil {
		return err
	}
	if s.Role != store.BenchRole {
		return fmt.Errorf("preferred role is only for benched signups: %w", ledger.ErrInvalidTransition)
	}
	if err := e.signups.SetPreferredRole(ctx, raidID, userID, role); err != nil {
		return fmt.Errorf("setting preferred role: %w", err)
	}
	e.afterMutation(ctx, raidID)
	return nil
}

// Confirm records a user's check-in confirmation.
func (e *Engine) Confirm(ctx context.Context, raidID, userID string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Confirm",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if _, err := e.signups.Get(ctx, raidID, userID); err != nil {
		return err
	}
	if err := e.signups.UpdateState(ctx, raidID, userID, store.StateConfirmed); err != nil {
		return fmt.Errorf("confirming signup: %w", err)
	}
	e.afterMutation(ctx, raidID)

	e.logger.InfoContext(ctx, "check-in confirmed",
		slog.String("raid_id", raidID),
		slog.String("user_id", userID),
	)
	return nil
}

// Signup returns a user's current signup on a raid.
func (e *Engine) Signup(ctx context.Context, raidID, userID string) (*store.Signup, error) {
	return e.signups.Get(ctx, raidID, userID)
}

// Refresh re-renders the roster for a raid without mutating anything.
func (e *Engine) Refresh(ctx context.Context, raidID string) error {
	raid, err := e.raids.GetByID(ctx, raidID)
	if err != nil {
		return err
	}
	return e.updateRoster(ctx, raid)
}

// RetractOpenSlotNotice removes any outstanding open-slot notice for a raid.
// Called when primaries fill back up and on close/cancel cleanup.
func (e *Engine) RetractOpenSlotNotice(ctx context.Context, raidID string) {
	e.mu.Lock()
	n, ok := e.notices[raidID]
	if ok {
		delete(e.notices, raidID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := e.msgr.RetractNotice(ctx, n.channelID, n.messageID); err != nil {
		e.logger.WarnContext(ctx, "failed to retract open-slot notice",
			slog.String("raid_id", raidID),
			slog.Any("error", err),
		)
	}
}

// afterMutation re-renders the roster and retracts the open-slot notice when
// the primaries are full again. It returns the freshly loaded raid so callers
// can make further decisions without another read.
func (e *Engine) afterMutation(ctx context.Context, raidID string) *store.Raid {
	raid, err := e.raids.GetByID(ctx, raidID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load raid for roster update",
			slog.String("raid_id", raidID),
			slog.Any("error", err),
		)
		return nil
	}
	if err := e.updateRoster(ctx, raid); err != nil {
		e.logger.WarnContext(ctx, "failed to update roster",
			slog.String("raid_id", raidID),
			slog.Any("error", err),
		)
	}
	if raid.Roles.FreePrimary() == 0 {
		e.RetractOpenSlotNotice(ctx, raidID)
	}
	return raid
}

func (e *Engine) updateRoster(ctx context.Context, raid *store.Raid) error {
	if raid.MessageID == "" {
		return nil
	}
	signups, err := e.signups.ListByRaid(ctx, raid.ID)
	if err != nil {
		return fmt.Errorf("listing signups: %w", err)
	}
	return e.roster.UpdateRoster(ctx, notify.BuildSnapshot(raid, signups))
}

// notifyOpenSlot posts the debounced open-slot notice. At most one notice is
// live per raid; a new one replaces the old, and the cooldown gates how often
// a replacement may be posted.
func (e *Engine) notifyOpenSlot(ctx context.Context, raid *store.Raid, freedRole string) {
	e.mu.Lock()
	prev, hasPrev := e.notices[raid.ID]
	if hasPrev && e.clock.Now().Sub(prev.postedAt) < e.cfg.OpenSlotCooldown {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if hasPrev {
		if err := e.msgr.RetractNotice(ctx, prev.channelID, prev.messageID); err != nil {
			e.logger.WarnContext(ctx, "failed to retract superseded notice",
				slog.String("raid_id", raid.ID),
				slog.Any("error", err),
			)
		}
	}

	content := fmt.Sprintf("A %s slot just opened up for **%s**! React to claim it.", freedRole, raid.Title)
	msgID, err := e.msgr.ChannelNotice(ctx, raid.ChannelID, content)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to post open-slot notice",
			slog.String("raid_id", raid.ID),
			slog.Any("error", err),
		)
		return
	}

	e.mu.Lock()
	e.notices[raid.ID] = openSlotNotice{
		channelID: raid.ChannelID,
		messageID: msgID,
		postedAt:  e.clock.Now(),
	}
	e.mu.Unlock()
}

// retractSignal removes the reaction for a role the user no longer holds,
// so the post never shows two signals for one user. Without it the next
// reconciliation would flag the user as ambiguous.
func (e *Engine) retractSignal(ctx context.Context, raid *store.Raid, userID, role string) {
	if e.source == nil || raid == nil || raid.MessageID == "" {
		return
	}
	if err := e.source.RemoveSignal(ctx, raid, userID, role); err != nil {
		e.logger.WarnContext(ctx, "failed to retract stale signal",
			slog.String("raid_id", raid.ID),
			slog.String("user_id", userID),
			slog.String("role", role),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) grantParticipant(ctx context.Context, raidID, userID string) {
	raid, err := e.raids.GetByID(ctx, raidID)
	if err != nil || raid.ParticipantRoleID == "" {
		return
	}
	if err := e.granter.Grant(ctx, raid.GuildID, userID, raid.ParticipantRoleID); err != nil {
		e.logger.WarnContext(ctx, "failed to grant participant role",
			slog.String("raid_id", raidID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) revokeParticipant(ctx context.Context, raidID, userID string) {
	raid, err := e.raids.GetByID(ctx, raidID)
	if err != nil || raid.ParticipantRoleID == "" {
		return
	}
	if err := e.granter.Revoke(ctx, raid.GuildID, userID, raid.ParticipantRoleID); err != nil {
		e.logger.WarnContext(ctx, "failed to revoke participant role",
			slog.String("raid_id", raidID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) appendEvent(ctx context.Context, raidID string, typ event.Type, payload any) {
	data, _ := json.Marshal(payload)
	evt := event.Event{
		AggregateID: raidID,
		Type:        typ,
		Data:        data,
		Version:     1,
	}
	if err := e.events.Append(ctx, evt); err != nil {
		e.logger.ErrorContext(ctx, "failed to append event",
			slog.String("raid_id", raidID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}
