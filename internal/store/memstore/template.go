package memstore

import (
	"context"
	"sort"

	"github.com/jensholdgaard/discord-raid-bot/internal/event"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
)

// TemplateRepo implements store.TemplateRepository in memory.
type TemplateRepo struct {
	db *db
}

func (r *TemplateRepo) Upsert(_ context.Context, t *store.Template) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	byName, ok := r.db.templates[t.GuildID]
	if !ok {
		byName = make(map[string]store.Template)
		r.db.templates[t.GuildID] = byName
	}
	if t.IsDefault {
		for name, other := range byName {
			if name != t.Name && other.IsDefault {
				other.IsDefault = false
				byName[name] = other
			}
		}
	}
	t.CreatedAt = r.db.clock.Now().UTC()
	byName[t.Name] = *t
	return nil
}

func (r *TemplateRepo) GetByName(_ context.Context, guildID, name string) (*store.Template, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	t, ok := r.db.templates[guildID][name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (r *TemplateRepo) GetDefault(_ context.Context, guildID string) (*store.Template, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, t := range r.db.templates[guildID] {
		if t.IsDefault {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *TemplateRepo) List(_ context.Context, guildID string) ([]store.Template, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Template
	for _, t := range r.db.templates[guildID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *TemplateRepo) Delete(_ context.Context, guildID, name string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.templates[guildID][name]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.templates[guildID], name)
	return nil
}

// EventStore implements event.Store in memory.
type EventStore struct {
	db *db
}

func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, e := range events {
		e.CreatedAt = s.db.clock.Now().UTC()
		s.db.events = append(s.db.events, e)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []event.Event
	for _, e := range s.db.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []event.Event
	for _, e := range s.db.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}
