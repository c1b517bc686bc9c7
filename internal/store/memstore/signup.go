package memstore

import (
	"context"
	"sort"

	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// SignupRepo implements store.SignupRepository in memory.
type SignupRepo struct {
	db *db
}

func (r *SignupRepo) Create(_ context.Context, s *store.Signup) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if s.JoinedAt.IsZero() {
		s.JoinedAt = r.db.clock.Now().UTC()
	}
	if s.State == "" {
		s.State = store.StateUnconfirmed
	}
	byUser, ok := r.db.signups[s.RaidID]
	if !ok {
		byUser = make(map[string]store.Signup)
		r.db.signups[s.RaidID] = byUser
	}
	byUser[s.UserID] = *s
	return nil
}

func (r *SignupRepo) Get(_ context.Context, raidID, userID string) (*store.Signup, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	s, ok := r.db.signups[raidID][userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (r *SignupRepo) Delete(_ context.Context, raidID, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.signups[raidID][userID]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.signups[raidID], userID)
	return nil
}

func (r *SignupRepo) ListByRaid(_ context.Context, raidID string) ([]store.Signup, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Signup
	for _, s := range r.db.signups[raidID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *SignupRepo) update(raidID, userID string, fn func(*store.Signup)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	s, ok := r.db.signups[raidID][userID]
	if !ok {
		return store.ErrNotFound
	}
	fn(&s)
	r.db.signups[raidID][userID] = s
	return nil
}

func (r *SignupRepo) UpdateRole(_ context.Context, raidID, userID, role string) error {
	return r.update(raidID, userID, func(s *store.Signup) { s.Role = role })
}

func (r *SignupRepo) UpdateState(_ context.Context, raidID, userID string, state store.ConfirmState) error {
	return r.update(raidID, userID, func(s *store.Signup) { s.State = state })
}

func (r *SignupRepo) MarkNoShows(_ context.Context, raidID string) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var users []string
	for userID, s := range r.db.signups[raidID] {
		if s.State == store.StateUnconfirmed {
			s.State = store.StateNoShow
			r.db.signups[raidID][userID] = s
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (r *SignupRepo) SetPreferredRole(_ context.Context, raidID, userID, role string) error {
	return r.update(raidID, userID, func(s *store.Signup) { s.PreferredRole = role })
}

func (r *SignupRepo) CountByUser(_ context.Context, userID string) (map[string]int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	counts := make(map[string]int)
	for _, byUser := range r.db.signups {
		if s, ok := byUser[userID]; ok {
			counts[s.Role]++
		}
	}
	return counts, nil
}
