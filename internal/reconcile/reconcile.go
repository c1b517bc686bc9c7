// Package reconcile resynchronizes the external signal surface (reactions on
// roster posts) with signup rows after a restart. Signals accumulated while
// the process was down are applied through the ledger; rows whose signal
// disappeared are released. The store is the source of truth afterwards.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-raid-bot/internal/ledger"
	"github.com/jensholdgaard/discord-raid-bot/internal/notify"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// noticeTTL is how long the "reconciliation occurred" channel notice stays
// up before it self-expires.
const noticeTTL = time.Minute

// Reconciler diffs external signals against signup rows at startup.
type Reconciler struct {
	raids   store.RaidRepository
	signups store.SignupRepository
	ledger  *ledger.Ledger
	source  notify.SignalSource
	msgr    notify.Messenger
	logger  *slog.Logger
	tracer  trace.Tracer

	noticeTTL time.Duration
}

// New returns a new Reconciler.
func New(
	raids store.RaidRepository,
	signups store.SignupRepository,
	l *ledger.Ledger,
	source notify.SignalSource,
	msgr notify.Messenger,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Reconciler {
	return &Reconciler{
		raids:     raids,
		signups:   signups,
		ledger:    l,
		source:    source,
		msgr:      msgr,
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/discord-raid-bot/internal/reconcile"),
		noticeTTL: noticeTTL,
	}
}

// Run reconciles every non-terminal raid with a live post. An error on one
// raid is logged and does not block the others; the returned error only
// reports a failure to enumerate raids at all.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Run")
	defer span.End()

	raids, err := r.raids.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active raids: %w", err)
	}

	for i := range raids {
		raid := &raids[i]
		if raid.MessageID == "" {
			continue
		}
		if err := r.reconcileRaid(ctx, raid); err != nil {
			r.logger.ErrorContext(ctx, "reconciliation failed for raid",
				slog.String("raid_id", raid.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (r *Reconciler) reconcileRaid(ctx context.Context, raid *store.Raid) error {
	ctx, span := r.tracer.Start(ctx, "Reconciler.reconcileRaid",
		trace.WithAttributes(attribute.String("raid.id", raid.ID)),
	)
	defer span.End()

	signals, err := r.source.FetchSignals(ctx, raid)
	if err != nil {
		return fmt.Errorf("fetching signals: %w", err)
	}
	rows, err := r.signups.ListByRaid(ctx, raid.ID)
	if err != nil {
		return fmt.Errorf("listing signups: %w", err)
	}

	byUser := make(map[string][]string)
	for _, sig := range signals {
		byUser[sig.UserID] = append(byUser[sig.UserID], sig.Role)
	}
	rowByUser := make(map[string]store.Signup, len(rows))
	for _, row := range rows {
		rowByUser[row.UserID] = row
	}

	var changed int
	for userID, roles := range byUser {
		if len(roles) > 1 {
			// Captured independently while offline: never auto-resolve.
			// The prior recorded role stays until the user answers.
			r.promptDisambiguation(ctx, raid, userID, roles)
			continue
		}
		role := roles[0]
		row, hasRow := rowByUser[userID]
		switch {
		case !hasRow:
			if r.apply(ctx, raid, userID, role, func() error {
				_, err := r.ledger.Reserve(ctx, raid.ID, userID, role)
				return err
			}) {
				changed++
			}
		case row.Role != role && row.Role != store.BenchRole:
			// A benched row keeps its slot; the signal only records what
			// the user asked for, and the bench fallback already decided.
			if r.apply(ctx, raid, userID, role, func() error {
				return r.ledger.ChangeRole(ctx, raid.ID, userID, role, false)
			}) {
				changed++
			}
		}
	}

	for _, row := range rows {
		if _, ok := byUser[row.UserID]; ok {
			continue
		}
		if _, err := r.ledger.Release(ctx, raid.ID, row.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			r.logger.WarnContext(ctx, "failed to release stale signup",
				slog.String("raid_id", raid.ID),
				slog.String("user_id", row.UserID),
				slog.Any("error", err),
			)
			continue
		}
		changed++
	}

	if changed > 0 {
		r.postNotice(ctx, raid, changed)
	}
	r.logger.InfoContext(ctx, "raid reconciled",
		slog.String("raid_id", raid.ID),
		slog.Int("changes", changed),
	)
	return nil
}

// apply runs a reservation-side operation; a hard capacity rejection undoes
// the signal at the external boundary so the surface converges too.
func (r *Reconciler) apply(ctx context.Context, raid *store.Raid, userID, role string, op func() error) bool {
	err := op()
	if err == nil {
		return true
	}
	if errors.Is(err, ledger.ErrCapacityExceeded) || errors.Is(err, ledger.ErrRaidLocked) {
		if remErr := r.source.RemoveSignal(ctx, raid, userID, role); remErr != nil {
			r.logger.WarnContext(ctx, "failed to remove rejected signal",
				slog.String("raid_id", raid.ID),
				slog.String("user_id", userID),
				slog.Any("error", remErr),
			)
		}
		return false
	}
	r.logger.WarnContext(ctx, "failed to apply signal",
		slog.String("raid_id", raid.ID),
		slog.String("user_id", userID),
		slog.String("role", role),
		slog.Any("error", err),
	)
	return false
}

func (r *Reconciler) promptDisambiguation(ctx context.Context, raid *store.Raid, userID string, roles []string) {
	content := fmt.Sprintf(
		"While the bot was offline you reacted for several roles on **%s**. Pick the one you want; your previous role is kept until then.",
		raid.Title,
	)
	if err := r.msgr.DirectPrompt(ctx, userID, content, notify.RolePickID(raid.ID), roles); err != nil {
		r.logger.WarnContext(ctx, "failed to send disambiguation prompt",
			slog.String("raid_id", raid.ID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

// postNotice posts a short transient notice that a reconciliation happened.
// It self-expires after noticeTTL.
func (r *Reconciler) postNotice(ctx context.Context, raid *store.Raid, changed int) {
	content := fmt.Sprintf("The bot was offline for a while; %d signup change(s) for **%s** were applied from reactions.", changed, raid.Title)
	msgID, err := r.msgr.ChannelNotice(ctx, raid.ChannelID, content)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to post reconciliation notice",
			slog.String("raid_id", raid.ID),
			slog.Any("error", err),
		)
		return
	}
	channelID := raid.ChannelID
	time.AfterFunc(r.noticeTTL, func() {
		if err := r.msgr.RetractNotice(context.Background(), channelID, msgID); err != nil {
			r.logger.Warn("failed to expire reconciliation notice",
				slog.String("raid_id", raid.ID),
				slog.Any("error", err),
			)
		}
	})
}
