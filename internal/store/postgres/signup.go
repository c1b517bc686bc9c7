package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// SignupRepo implements store.SignupRepository with sqlx.
type SignupRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewSignupRepo returns a new SignupRepo.
func NewSignupRepo(db *sqlx.DB, clk clock.Clock) *SignupRepo {
	return &SignupRepo{db: db, clock: clk}
}

func (r *SignupRepo) Create(ctx context.Context, s *store.Signup) error {
	if s.JoinedAt.IsZero() {
		s.JoinedAt = r.clock.Now().UTC()
	}
	if s.State == "" {
		s.State = store.StateUnconfirmed
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO signups (raid_id, user_id, role, state, preferred_role, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.RaidID, s.UserID, s.Role, s.State, s.PreferredRole, s.JoinedAt)
	if err != nil {
		return fmt.Errorf("creating signup: %w", err)
	}
	return nil
}

func (r *SignupRepo) Get(ctx context.Context, raidID, userID string) (*store.Signup, error) {
	var s store.Signup
	err := r.db.GetContext(ctx, &s,
		`SELECT raid_id, user_id, role, state, preferred_role, joined_at
		 FROM signups WHERE raid_id = $1 AND user_id = $2`, raidID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting signup: %w", err)
	}
	return &s, nil
}

func (r *SignupRepo) Delete(ctx context.Context, raidID, userID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM signups WHERE raid_id = $1 AND user_id = $2`, raidID, userID)
	if err != nil {
		return fmt.Errorf("deleting signup: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *SignupRepo) ListByRaid(ctx context.Context, raidID string) ([]store.Signup, error) {
	var signups []store.Signup
	err := r.db.SelectContext(ctx, &signups,
		`SELECT raid_id, user_id, role, state, preferred_role, joined_at
		 FROM signups WHERE raid_id = $1 ORDER BY joined_at ASC`, raidID)
	if err != nil {
		return nil, fmt.Errorf("listing signups: %w", err)
	}
	return signups, nil
}

func (r *SignupRepo) UpdateRole(ctx context.Context, raidID, userID, role string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE signups SET role = $1 WHERE raid_id = $2 AND user_id = $3`,
		role, raidID, userID)
	if err != nil {
		return fmt.Errorf("updating signup role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *SignupRepo) UpdateState(ctx context.Context, raidID, userID string, state store.ConfirmState) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE signups SET state = $1 WHERE raid_id = $2 AND user_id = $3`,
		state, raidID, userID)
	if err != nil {
		return fmt.Errorf("updating signup state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *SignupRepo) MarkNoShows(ctx context.Context, raidID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE signups SET state = 'no_show'
		 WHERE raid_id = $1 AND state = 'unconfirmed'
		 RETURNING user_id`, raidID)
	if err != nil {
		return nil, fmt.Errorf("marking no-shows: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning no-show row: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (r *SignupRepo) SetPreferredRole(ctx context.Context, raidID, userID, role string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE signups SET preferred_role = $1 WHERE raid_id = $2 AND user_id = $3`,
		role, raidID, userID)
	if err != nil {
		return fmt.Errorf("setting preferred role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *SignupRepo) CountByUser(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT role, COUNT(*) FROM signups WHERE user_id = $1 GROUP BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("counting signups by user: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[role] = n
	}
	return counts, rows.Err()
}
