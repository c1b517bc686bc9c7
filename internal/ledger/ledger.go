// Package ledger is the capacity accounting core. Every operation that
// changes a raid's slot counts or needs a consistent view of them runs inside
// that raid's exclusive critical section; operations on different raids
// proceed independently.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// Errors returned by ledger operations.
var (
	// ErrCapacityExceeded means the requested role (and, where applicable,
	// the bench) is full. Recoverable; surfaced to the joining user.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidTransition means the raid is terminal or the operation does
	// not apply in its current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrRaidLocked means only bench signups are accepted right now.
	ErrRaidLocked = errors.New("raid is locked")
	// ErrUnknownRole means the raid does not define the requested role.
	ErrUnknownRole = errors.New("unknown role")
	// ErrAlreadySignedUp means the user already holds a signup; callers
	// wanting a role change use ChangeRole instead.
	ErrAlreadySignedUp = errors.New("already signed up")
)

// Reservation is the outcome of a successful Reserve.
type Reservation struct {
	Role    string
	Benched bool // true when the primary role was full and bench absorbed the join
}

// Ledger owns per-raid slot accounting against the store.
type Ledger struct {
	raids   store.RaidRepository
	signups store.SignupRepository
	locks   *keyMutex
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a Ledger.
func New(raids store.RaidRepository, signups store.SignupRepository, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider) *Ledger {
	return &Ledger{
		raids:   raids,
		signups: signups,
		locks:   newKeyMutex(),
		clock:   clk,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/discord-raid-bot/internal/ledger"),
	}
}

// Sync runs fn while holding the raid's exclusive critical section. Status
// transitions go through here so they serialize with slot operations.
func (l *Ledger) Sync(raidID string, fn func() error) error {
	unlock := l.locks.lock(raidID)
	defer unlock()
	return fn()
}

// Reserve books a slot for user in the requested role. A full primary role
// falls back to the bench; a full bench is a hard rejection. While the raid
// is locked only bench requests are accepted.
func (l *Ledger) Reserve(ctx context.Context, raidID, userID, role string) (*Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Reserve",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
			attribute.String("role", role),
		),
	)
	defer span.End()

	unlock := l.locks.lock(raidID)
	defer unlock()

	raid, err := l.raids.GetByID(ctx, raidID)
	if err != nil {
		return nil, err
	}
	if raid.Status.Terminal() {
		return nil, fmt.Errorf("raid %s is %s: %w", raidID, raid.Status, ErrInvalidTransition)
	}
	if raid.Status == store.StatusLocked && role != store.BenchRole {
		return nil, ErrRaidLocked
	}
	if !raid.Roles.Has(role) {
		return nil, fmt.Errorf("role %q: %w", role, ErrUnknownRole)
	}
	if _, err := l.signups.Get(ctx, raidID, userID); err == nil {
		return nil, ErrAlreadySignedUp
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	assigned := role
	benched := false
	if raid.Roles.Free(role) == 0 {
		// Primary full: overflow to the bench before rejecting.
		if role == store.BenchRole || raid.Roles.Free(store.BenchRole) == 0 {
			return nil, fmt.Errorf("role %q full: %w", role, ErrCapacityExceeded)
		}
		assigned = store.BenchRole
		benched = true
	}

	signup := &store.Signup{
		RaidID:   raidID,
		UserID:   userID,
		Role:     assigned,
		State:    store.StateUnconfirmed,
		JoinedAt: l.clock.Now().UTC(),
	}
	if err := l.signups.Create(ctx, signup); err != nil {
		return nil, fmt.Errorf("persisting signup: %w", err)
	}

	roles := raid.Roles.Clone()
	roles.Get(assigned).Filled++
	if err := l.raids.UpdateRoles(ctx, raidID, roles); err != nil {
		// Roll the reservation back so the store never over-commits.
		if delErr := l.signups.Delete(ctx, raidID, userID); delErr != nil {
			l.logger.ErrorContext(ctx, "reservation rollback failed",
				slog.String("raid_id", raidID),
				slog.String("user_id", userID),
				slog.Any("error", delErr),
			)
		}
		return nil, fmt.Errorf("persisting slot counts: %w", err)
	}

	l.logger.InfoContext(ctx, "slot reserved",
		slog.String("raid_id", raidID),
		slog.String("user_id", userID),
		slog.String("role", assigned),
		slog.Bool("benched", benched),
	)
	return &Reservation{Role: assigned, Benched: benched}, nil
}

// Release frees the slot held by user and returns the role it held.
// Releasing on a terminal raid is rejected; a missing signup returns
// store.ErrNotFound, which callers treat as already resolved.
func (l *Ledger) Release(ctx context.Context, raidID, userID string) (string, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.Release",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	unlock := l.locks.lock(raidID)
	defer unlock()

	raid, err := l.raids.GetByID(ctx, raidID)
	if err != nil {
		return "", err
	}
	if raid.Status.Terminal() {
		return "", fmt.Errorf("raid %s is %s: %w", raidID, raid.Status, ErrInvalidTransition)
	}

	signup, err := l.signups.Get(ctx, raidID, userID)
	if err != nil {
		return "", err
	}

	if err := l.signups.Delete(ctx, raidID, userID); err != nil {
		return "", fmt.Errorf("deleting signup: %w", err)
	}

	roles := raid.Roles.Clone()
	if slot := roles.Get(signup.Role); slot != nil && slot.Filled > 0 {
		slot.Filled--
	}
	if err := l.raids.UpdateRoles(ctx, raidID, roles); err != nil {
		// Restore the row; the release did not happen.
		if createErr := l.signups.Create(ctx, signup); createErr != nil {
			l.logger.ErrorContext(ctx, "release rollback failed",
				slog.String("raid_id", raidID),
				slog.String("user_id", userID),
				slog.Any("error", createErr),
			)
		}
		return "", fmt.Errorf("persisting slot counts: %w", err)
	}

	l.logger.InfoContext(ctx, "slot released",
		slog.String("raid_id", raidID),
		slog.String("user_id", userID),
		slog.String("role", signup.Role),
	)
	return signup.Role, nil
}

// ChangeRole moves an existing signup to another role. There is no bench
// fallback: if the target is full the user keeps their current slot. When
// adminOverride is set the locked gate does not apply (used by promotion).
func (l *Ledger) ChangeRole(ctx context.Context, raidID, userID, newRole string, adminOverride bool) error {
	ctx, span := l.tracer.Start(ctx, "Ledger.ChangeRole",
		trace.WithAttributes(
			attribute.String("raid.id", raidID),
			attribute.String("user.id", userID),
			attribute.String("role", newRole),
		),
	)
	defer span.End()

	unlock := l.locks.lock(raidID)
	defer unlock()

	raid, err := l.raids.GetByID(ctx, raidID)
	if err != nil {
		return err
	}
	if raid.Status.Terminal() {
		return fmt.Errorf("raid %s is %s: %w", raidID, raid.Status, ErrInvalidTransition)
	}
	if raid.Status == store.StatusLocked && newRole != store.BenchRole && !adminOverride {
		return ErrRaidLocked
	}
	if !raid.Roles.Has(newRole) {
		return fmt.Errorf("role %q: %w", newRole, ErrUnknownRole)
	}

	signup, err := l.signups.Get(ctx, raidID, userID)
	if err != nil {
		return err
	}
	if signup.Role == newRole {
		return nil
	}
	if raid.Roles.Free(newRole) == 0 {
		return fmt.Errorf("role %q full: %w", newRole, ErrCapacityExceeded)
	}

	if err := l.signups.UpdateRole(ctx, raidID, userID, newRole); err != nil {
		return fmt.Errorf("updating signup role: %w", err)
	}

	roles := raid.Roles.Clone()
	if slot := roles.Get(signup.Role); slot != nil && slot.Filled > 0 {
		slot.Filled--
	}
	roles.Get(newRole).Filled++
	if err := l.raids.UpdateRoles(ctx, raidID, roles); err != nil {
		// Restore the previous role so the user is never left slotless.
		if revertErr := l.signups.UpdateRole(ctx, raidID, userID, signup.Role); revertErr != nil {
			l.logger.ErrorContext(ctx, "role change rollback failed",
				slog.String("raid_id", raidID),
				slog.String("user_id", userID),
				slog.Any("error", revertErr),
			)
		}
		return fmt.Errorf("persisting slot counts: %w", err)
	}

	l.logger.InfoContext(ctx, "role changed",
		slog.String("raid_id", raidID),
		slog.String("user_id", userID),
		slog.String("from", signup.Role),
		slog.String("to", newRole),
	)
	return nil
}
