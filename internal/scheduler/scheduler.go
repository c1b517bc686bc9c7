// Package scheduler fires time-relative raid milestones from a poll loop.
// Nothing is kept in memory between ticks: due work is recomputed from the
// store every poll, so reminders survive process restarts, and the persisted
// fired-milestone set keeps each one at-most-once. A crash between firing
// and marking can produce at most one duplicate delivery, never a loss.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/config"
	"github.com/jensholdgaard/discord-raid-bot/internal/event"
	"github.com/jensholdgaard/discord-raid-bot/internal/lifecycle"
	"github.com/jensholdgaard/discord-raid-bot/internal/notify"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// Closer closes raids on behalf of the scheduler. The lifecycle manager
// implements it.
type Closer interface {
	Close(ctx context.Context, raidID, reason string) error
}

// Fixed milestone key prefixes and names. Reminder and DM keys render their
// offset into the key (remind_24h, dm_15m) so changing the configured
// offsets cannot alias an already-fired milestone.
const (
	keyCheckinOpen   = "checkin_open"
	keyCheckinRemind = "checkin_remind"
	keyNoShow        = "no_show"
	keyAutoClose     = "auto_close"
	keySafetyClose   = "safety_close"
)

// milestone is one due item of work for one raid.
type milestone struct {
	key  string
	due  time.Time
	fire func(ctx context.Context, raid *store.Raid) error
}

// Scheduler polls the store for due milestones and fires them.
type Scheduler struct {
	raids   store.RaidRepository
	signups store.SignupRepository
	events  event.Store
	msgr    notify.Messenger
	closer  Closer
	cfg     config.RaidsConfig
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New returns a new Scheduler.
func New(
	raids store.RaidRepository,
	signups store.SignupRepository,
	events event.Store,
	msgr notify.Messenger,
	closer Closer,
	cfg config.RaidsConfig,
	clk clock.Clock,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Scheduler {
	return &Scheduler{
		raids:   raids,
		signups: signups,
		events:  events,
		msgr:    msgr,
		closer:  closer,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/discord-raid-bot/internal/scheduler"),
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll pass: fire every due unfired milestone of every active
// raid, then prune terminal raids past the grace period. A failed fire is
// not marked and retries on the next tick; a failure on one raid never
// blocks the others.
func (s *Scheduler) Tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.Tick")
	defer span.End()

	raids, err := s.raids.ListActive(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list active raids", slog.Any("error", err))
		return
	}
	for i := range raids {
		s.runRaid(ctx, raids[i].ID)
	}
	s.prune(ctx)
}

func (s *Scheduler) runRaid(ctx context.Context, raidID string) {
	ctx, span := s.tracer.Start(ctx, "Scheduler.runRaid",
		trace.WithAttributes(attribute.String("raid.id", raidID)),
	)
	defer span.End()

	now := s.clock.Now()
	for {
		// Re-load every iteration: a fired milestone may have closed the
		// raid, and status is checked at fire time, not at schedule time.
		raid, err := s.raids.GetByID(ctx, raidID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to load raid",
				slog.String("raid_id", raidID),
				slog.Any("error", err),
			)
			return
		}
		if raid.Status.Terminal() {
			return
		}

		next := s.nextDue(raid, now)
		if next == nil {
			return
		}
		if err := next.fire(ctx, raid); err != nil {
			s.logger.ErrorContext(ctx, "failed to fire milestone",
				slog.String("raid_id", raidID),
				slog.String("milestone", next.key),
				slog.Any("error", err),
			)
			return
		}
		if err := s.raids.MarkMilestoneFired(ctx, raidID, next.key); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark milestone fired",
				slog.String("raid_id", raidID),
				slog.String("milestone", next.key),
				slog.Any("error", err),
			)
			return
		}

		data, _ := json.Marshal(event.MilestoneFiredData{Key: next.key, Due: next.due})
		evt := event.Event{
			AggregateID: raidID,
			Type:        event.MilestoneFired,
			Data:        data,
			Version:     1,
		}
		if err := s.events.Append(ctx, evt); err != nil {
			s.logger.ErrorContext(ctx, "failed to append milestone event",
				slog.String("raid_id", raidID),
				slog.Any("error", err),
			)
		}
		s.logger.InfoContext(ctx, "milestone fired",
			slog.String("raid_id", raidID),
			slog.String("milestone", next.key),
		)
	}
}

// nextDue returns the earliest due milestone not yet fired, or nil.
func (s *Scheduler) nextDue(raid *store.Raid, now time.Time) *milestone {
	due := make([]milestone, 0, 8)
	for _, m := range s.milestones(raid) {
		if !m.due.After(now) && !raid.FiredMilestones.Contains(m.key) {
			due = append(due, m)
		}
	}
	if len(due) == 0 {
		return nil
	}
	// Stable: no_show is listed before auto_close and must win their
	// shared due time, so the closure summary sees the marked no-shows.
	sort.SliceStable(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	return &due[0]
}

func (s *Scheduler) milestones(raid *store.Raid) []milestone {
	start := raid.StartsAt
	ms := make([]milestone, 0, len(s.cfg.ReminderOffsets)+6)

	for _, off := range s.cfg.ReminderOffsets {
		off := off
		ms = append(ms, milestone{
			key: "remind_" + renderOffset(off),
			due: start.Add(-off),
			fire: func(ctx context.Context, r *store.Raid) error {
				return s.channelReminder(ctx, r, off)
			},
		})
	}
	if s.cfg.DMOffset > 0 {
		ms = append(ms, milestone{
			key:  "dm_" + renderOffset(s.cfg.DMOffset),
			due:  start.Add(-s.cfg.DMOffset),
			fire: s.dmReminder,
		})
	}
	if s.cfg.CheckinOpenOffset > 0 {
		ms = append(ms, milestone{
			key:  keyCheckinOpen,
			due:  start.Add(-s.cfg.CheckinOpenOffset),
			fire: s.checkinOpen,
		})
	}
	if s.cfg.CheckinRemindOffset > 0 {
		ms = append(ms, milestone{
			key:  keyCheckinRemind,
			due:  start.Add(-s.cfg.CheckinRemindOffset),
			fire: s.checkinRemind,
		})
	}
	ms = append(ms, milestone{key: keyNoShow, due: start, fire: s.markNoShows})
	if s.cfg.AutoCloseAtStart {
		ms = append(ms, milestone{
			key: keyAutoClose,
			due: start,
			fire: func(ctx context.Context, r *store.Raid) error {
				return s.closer.Close(ctx, r.ID, lifecycle.CloseReasonAuto)
			},
		})
	}
	if s.cfg.MaxAfterStart > 0 {
		ms = append(ms, milestone{
			key: keySafetyClose,
			due: start.Add(s.cfg.MaxAfterStart),
			fire: func(ctx context.Context, r *store.Raid) error {
				return s.closer.Close(ctx, r.ID, lifecycle.CloseReasonSafety)
			},
		})
	}
	return ms
}

func (s *Scheduler) channelReminder(ctx context.Context, raid *store.Raid, off time.Duration) error {
	content := fmt.Sprintf("**%s** starts in %s!", raid.Title, renderOffset(off))
	_, err := s.msgr.ChannelNotice(ctx, raid.ChannelID, content)
	return err
}

func (s *Scheduler) dmReminder(ctx context.Context, raid *store.Raid) error {
	signups, err := s.signups.ListByRaid(ctx, raid.ID)
	if err != nil {
		return fmt.Errorf("listing signups: %w", err)
	}
	content := fmt.Sprintf("**%s** starts at %s. See you there!",
		raid.Title, raid.StartsAt.Format("15:04 MST"))
	for _, su := range signups {
		if err := s.msgr.DirectMessage(ctx, su.UserID, content); err != nil {
			s.logger.WarnContext(ctx, "failed to DM reminder",
				slog.String("user_id", su.UserID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (s *Scheduler) checkinOpen(ctx context.Context, raid *store.Raid) error {
	content := fmt.Sprintf("Check-in for **%s** is open! Confirm your attendance.", raid.Title)
	_, err := s.msgr.ChannelPrompt(ctx, raid.ChannelID, content, notify.CheckinID(raid.ID), "Check in")
	return err
}

func (s *Scheduler) checkinRemind(ctx context.Context, raid *store.Raid) error {
	signups, err := s.signups.ListByRaid(ctx, raid.ID)
	if err != nil {
		return fmt.Errorf("listing signups: %w", err)
	}
	content := fmt.Sprintf("You have not checked in for **%s** yet. Confirm now or you will be marked a no-show.", raid.Title)
	for _, su := range signups {
		if su.State != store.StateUnconfirmed {
			continue
		}
		if err := s.msgr.DirectMessage(ctx, su.UserID, content); err != nil {
			s.logger.WarnContext(ctx, "failed to DM check-in reminder",
				slog.String("user_id", su.UserID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (s *Scheduler) markNoShows(ctx context.Context, raid *store.Raid) error {
	users, err := s.signups.MarkNoShows(ctx, raid.ID)
	if err != nil {
		return fmt.Errorf("marking no-shows: %w", err)
	}
	if len(users) > 0 {
		s.logger.InfoContext(ctx, "no-shows marked",
			slog.String("raid_id", raid.ID),
			slog.Int("count", len(users)),
		)
	}
	return nil
}

// prune deletes terminal raids once the grace period for summaries and
// history queries has passed.
func (s *Scheduler) prune(ctx context.Context) {
	if s.cfg.PruneGrace <= 0 {
		return
	}
	raids, err := s.raids.ListTerminal(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list terminal raids", slog.Any("error", err))
		return
	}
	now := s.clock.Now()
	for _, r := range raids {
		if r.ClosedAt == nil || now.Sub(*r.ClosedAt) < s.cfg.PruneGrace {
			continue
		}
		if err := s.raids.Delete(ctx, r.ID); err != nil {
			s.logger.ErrorContext(ctx, "failed to prune raid",
				slog.String("raid_id", r.ID),
				slog.Any("error", err),
			)
			continue
		}
		s.logger.InfoContext(ctx, "raid pruned", slog.String("raid_id", r.ID))
	}
}

// renderOffset formats a duration as a short stable key fragment: 24h, 90m.
func renderOffset(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return fmt.Sprintf("%dm", int(d/time.Minute))
}
