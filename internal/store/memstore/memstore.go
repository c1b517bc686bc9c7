// Package memstore provides an in-memory store.Driver used for local
// development and tests. It implements the same repository contracts as the
// Postgres drivers, including ErrNotFound semantics and terminal-status
// guards, but persists nothing across process restarts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/config"
	"github.com/jensholdgaard/discord-raid-bot/internal/event"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// closerFunc adapts a func() error into an io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func init() {
	store.Register("mem", func(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
		return Open(clk), nil
	})
}

// Open returns in-memory Repositories.
func Open(clk clock.Clock) *store.Repositories {
	db := &db{
		clock:     clk,
		raids:     make(map[string]store.Raid),
		signups:   make(map[string]map[string]store.Signup),
		templates: make(map[string]map[string]store.Template),
	}
	return &store.Repositories{
		Raids:     &RaidRepo{db: db},
		Signups:   &SignupRepo{db: db},
		Templates: &TemplateRepo{db: db},
		Events:    &EventStore{db: db},
		Closer:    closerFunc(func() error { return nil }),
		Ping:      func(context.Context) error { return nil },
	}
}

// db is the shared in-memory state. A single RWMutex is fine here: the
// ledger already serializes per raid, and tests are the main consumer.
type db struct {
	mu        sync.RWMutex
	clock     clock.Clock
	raids     map[string]store.Raid
	signups   map[string]map[string]store.Signup // raid_id -> user_id -> signup
	templates map[string]map[string]store.Template
	events    []event.Event
}

// RaidRepo implements store.RaidRepository in memory.
type RaidRepo struct {
	db *db
	// FailUpdateRoles, when set, makes UpdateRoles return the error; tests
	// use it to exercise reservation rollback.
	FailUpdateRoles error
}

func (r *RaidRepo) Create(_ context.Context, raid *store.Raid) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raid.CreatedAt = r.db.clock.Now().UTC()
	if raid.Status == "" {
		raid.Status = store.StatusOpen
	}
	r.db.raids[raid.ID] = *raid
	return nil
}

func (r *RaidRepo) GetByID(_ context.Context, id string) (*store.Raid, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	raid, ok := r.db.raids[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	raid.Roles = raid.Roles.Clone()
	return &raid, nil
}

func (r *RaidRepo) GetByMessageID(_ context.Context, messageID string) (*store.Raid, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, raid := range r.db.raids {
		if raid.MessageID == messageID && messageID != "" {
			raid.Roles = raid.Roles.Clone()
			return &raid, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *RaidRepo) list(filter func(store.Raid) bool) []store.Raid {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Raid
	for _, raid := range r.db.raids {
		if filter(raid) {
			raid.Roles = raid.Roles.Clone()
			out = append(out, raid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

func (r *RaidRepo) ListActive(_ context.Context) ([]store.Raid, error) {
	return r.list(func(raid store.Raid) bool { return !raid.Status.Terminal() }), nil
}

func (r *RaidRepo) ListUpcoming(_ context.Context, now time.Time) ([]store.Raid, error) {
	return r.list(func(raid store.Raid) bool {
		return !raid.Status.Terminal() && !raid.StartsAt.Before(now)
	}), nil
}

func (r *RaidRepo) ListTerminal(_ context.Context) ([]store.Raid, error) {
	return r.list(func(raid store.Raid) bool { return raid.Status.Terminal() }), nil
}

func (r *RaidRepo) UpdateRoles(_ context.Context, id string, roles store.RoleSet) error {
	if r.FailUpdateRoles != nil {
		return r.FailUpdateRoles
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raid, ok := r.db.raids[id]
	if !ok {
		return store.ErrNotFound
	}
	raid.Roles = roles.Clone()
	r.db.raids[id] = raid
	return nil
}

func (r *RaidRepo) UpdateStatus(_ context.Context, id string, to store.Status, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raid, ok := r.db.raids[id]
	if !ok || raid.Status.Terminal() {
		return store.ErrNotFound
	}
	raid.Status = to
	if to.Terminal() {
		t := at.UTC()
		raid.ClosedAt = &t
	}
	r.db.raids[id] = raid
	return nil
}

func (r *RaidRepo) UpdateMeta(_ context.Context, id, title, description string, startsAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raid, ok := r.db.raids[id]
	if !ok {
		return store.ErrNotFound
	}
	raid.Title = title
	raid.Description = description
	raid.StartsAt = startsAt.UTC()
	r.db.raids[id] = raid
	return nil
}

func (r *RaidRepo) SetMessageID(_ context.Context, id, messageID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raid, ok := r.db.raids[id]
	if !ok {
		return store.ErrNotFound
	}
	raid.MessageID = messageID
	r.db.raids[id] = raid
	return nil
}

func (r *RaidRepo) MarkMilestoneFired(_ context.Context, id, key string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	raid, ok := r.db.raids[id]
	if !ok {
		return nil
	}
	if !raid.FiredMilestones.Contains(key) {
		raid.FiredMilestones = append(raid.FiredMilestones.Clone(), key)
		r.db.raids[id] = raid
	}
	return nil
}

func (r *RaidRepo) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.raids[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.raids, id)
	delete(r.db.signups, id)
	return nil
}
