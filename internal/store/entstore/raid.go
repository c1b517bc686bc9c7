package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// RaidRepo implements store.RaidRepository using database/sql.
type RaidRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewRaidRepo returns a new RaidRepo.
func NewRaidRepo(db *sql.DB, clk clock.Clock) *RaidRepo {
	return &RaidRepo{db: db, clock: clk}
}

const raidColumns = `id, guild_id, channel_id, message_id, title, description, game, mode,
	starts_at, created_at, created_by, allowed_roles, roles, status, fired_milestones,
	participant_role_id, log_channel_id, closed_at`

func scanRaid(row interface{ Scan(...any) error }) (*store.Raid, error) {
	r := &store.Raid{}
	err := row.Scan(
		&r.ID, &r.GuildID, &r.ChannelID, &r.MessageID, &r.Title, &r.Description, &r.Game, &r.Mode,
		&r.StartsAt, &r.CreatedAt, &r.CreatedBy, &r.AllowedRoles, &r.Roles, &r.Status, &r.FiredMilestones,
		&r.ParticipantRoleID, &r.LogChannelID, &r.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RaidRepo) Create(ctx context.Context, raid *store.Raid) error {
	raid.CreatedAt = r.clock.Now().UTC()
	if raid.Status == "" {
		raid.Status = store.StatusOpen
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO raids (id, guild_id, channel_id, message_id, title, description, game, mode,
		    starts_at, created_at, created_by, allowed_roles, roles, status, fired_milestones,
		    participant_role_id, log_channel_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		raid.ID, raid.GuildID, raid.ChannelID, raid.MessageID, raid.Title, raid.Description,
		raid.Game, raid.Mode, raid.StartsAt, raid.CreatedAt, raid.CreatedBy, raid.AllowedRoles,
		raid.Roles, raid.Status, raid.FiredMilestones, raid.ParticipantRoleID, raid.LogChannelID)
	if err != nil {
		return fmt.Errorf("creating raid: %w", err)
	}
	return nil
}

func (r *RaidRepo) GetByID(ctx context.Context, id string) (*store.Raid, error) {
	raid, err := scanRaid(r.db.QueryRowContext(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting raid: %w", err)
	}
	return raid, nil
}

func (r *RaidRepo) GetByMessageID(ctx context.Context, messageID string) (*store.Raid, error) {
	raid, err := scanRaid(r.db.QueryRowContext(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE message_id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting raid by message_id: %w", err)
	}
	return raid, nil
}

func (r *RaidRepo) list(ctx context.Context, query string, args ...any) ([]store.Raid, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raids []store.Raid
	for rows.Next() {
		raid, err := scanRaid(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning raid row: %w", err)
		}
		raids = append(raids, *raid)
	}
	return raids, rows.Err()
}

func (r *RaidRepo) ListActive(ctx context.Context) ([]store.Raid, error) {
	raids, err := r.list(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE status IN ('open', 'locked') ORDER BY starts_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing active raids: %w", err)
	}
	return raids, nil
}

func (r *RaidRepo) ListUpcoming(ctx context.Context, now time.Time) ([]store.Raid, error) {
	raids, err := r.list(ctx,
		`SELECT `+raidColumns+` FROM raids
		 WHERE status IN ('open', 'locked') AND starts_at >= $1 ORDER BY starts_at ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing upcoming raids: %w", err)
	}
	return raids, nil
}

func (r *RaidRepo) ListTerminal(ctx context.Context) ([]store.Raid, error) {
	raids, err := r.list(ctx,
		`SELECT `+raidColumns+` FROM raids WHERE status IN ('closed', 'cancelled') ORDER BY closed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing terminal raids: %w", err)
	}
	return raids, nil
}

func (r *RaidRepo) UpdateRoles(ctx context.Context, id string, roles store.RoleSet) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE raids SET roles = $1 WHERE id = $2`, roles, id)
	if err != nil {
		return fmt.Errorf("updating raid roles: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *RaidRepo) UpdateStatus(ctx context.Context, id string, to store.Status, at time.Time) error {
	var closedAt any
	if to.Terminal() {
		closedAt = at.UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE raids SET status = $1, closed_at = $2
		 WHERE id = $3 AND status IN ('open', 'locked')`,
		to, closedAt, id)
	if err != nil {
		return fmt.Errorf("updating raid status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *RaidRepo) UpdateMeta(ctx context.Context, id, title, description string, startsAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE raids SET title = $1, description = $2, starts_at = $3 WHERE id = $4`,
		title, description, startsAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating raid meta: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *RaidRepo) SetMessageID(ctx context.Context, id, messageID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE raids SET message_id = $1 WHERE id = $2`, messageID, id)
	if err != nil {
		return fmt.Errorf("setting raid message_id: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *RaidRepo) MarkMilestoneFired(ctx context.Context, id, key string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE raids SET fired_milestones = fired_milestones || to_jsonb($1::text)
		 WHERE id = $2 AND NOT fired_milestones ? $1`, key, id)
	if err != nil {
		return fmt.Errorf("marking milestone fired: %w", err)
	}
	return nil
}

func (r *RaidRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM raids WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting raid: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
