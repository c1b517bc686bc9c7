package entstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// TemplateRepo implements store.TemplateRepository using database/sql.
type TemplateRepo struct {
	db    *sql.DB
	clock clock.Clock
}

// NewTemplateRepo returns a new TemplateRepo.
func NewTemplateRepo(db *sql.DB, clk clock.Clock) *TemplateRepo {
	return &TemplateRepo{db: db, clock: clk}
}

func (r *TemplateRepo) Upsert(ctx context.Context, t *store.Template) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if t.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE templates SET is_default = FALSE WHERE guild_id = $1 AND name <> $2`,
			t.GuildID, t.Name); err != nil {
			return fmt.Errorf("clearing default templates: %w", err)
		}
	}

	t.CreatedAt = r.clock.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO templates (guild_id, name, roles, is_default, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (guild_id, name)
		 DO UPDATE SET roles = EXCLUDED.roles, is_default = EXCLUDED.is_default`,
		t.GuildID, t.Name, t.Roles, t.IsDefault, t.CreatedAt); err != nil {
		return fmt.Errorf("upserting template: %w", err)
	}

	return tx.Commit()
}

func (r *TemplateRepo) GetByName(ctx context.Context, guildID, name string) (*store.Template, error) {
	t := &store.Template{}
	err := r.db.QueryRowContext(ctx,
		`SELECT guild_id, name, roles, is_default, created_at
		 FROM templates WHERE guild_id = $1 AND name = $2`, guildID, name,
	).Scan(&t.GuildID, &t.Name, &t.Roles, &t.IsDefault, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting template: %w", err)
	}
	return t, nil
}

func (r *TemplateRepo) GetDefault(ctx context.Context, guildID string) (*store.Template, error) {
	t := &store.Template{}
	err := r.db.QueryRowContext(ctx,
		`SELECT guild_id, name, roles, is_default, created_at
		 FROM templates WHERE guild_id = $1 AND is_default = TRUE`, guildID,
	).Scan(&t.GuildID, &t.Name, &t.Roles, &t.IsDefault, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting default template: %w", err)
	}
	return t, nil
}

func (r *TemplateRepo) List(ctx context.Context, guildID string) ([]store.Template, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT guild_id, name, roles, is_default, created_at
		 FROM templates WHERE guild_id = $1 ORDER BY name ASC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	var templates []store.Template
	for rows.Next() {
		var t store.Template
		if err := rows.Scan(&t.GuildID, &t.Name, &t.Roles, &t.IsDefault, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (r *TemplateRepo) Delete(ctx context.Context, guildID, name string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM templates WHERE guild_id = $1 AND name = $2`, guildID, name)
	if err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
