package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jensholdgaard/discord-raid-bot/internal/event"
	"github.com/jensholdgaard/discord-raid-bot/internal/store/postgres"
)

func TestEventStore_AppendAndLoad(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db)
	ctx := context.Background()

	aggID := "raid-001"
	events := []event.Event{
		{AggregateID: aggID, Type: event.RaidCreated, Data: json.RawMessage(`{"title":"Molten Depths"}`), Version: 1},
		{AggregateID: aggID, Type: event.SignupJoined, Data: json.RawMessage(`{"user_id":"u1","role":"tank"}`), Version: 2},
	}

	if err := es.Append(ctx, events...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := es.Load(ctx, aggID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Load returned %d events, want 2", len(loaded))
	}

	// Should be ordered by version.
	if loaded[0].Version != 1 || loaded[1].Version != 2 {
		t.Errorf("versions = [%d, %d], want [1, 2]", loaded[0].Version, loaded[1].Version)
	}
	if loaded[0].Type != event.RaidCreated {
		t.Errorf("event[0].Type = %q, want %q", loaded[0].Type, event.RaidCreated)
	}
	if loaded[0].ID == "" || loaded[0].CreatedAt.IsZero() {
		t.Error("stored event missing generated id or created_at")
	}
}

func TestEventStore_LoadByType(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db)
	ctx := context.Background()

	events := []event.Event{
		{AggregateID: "raid-1", Type: event.SignupJoined, Data: json.RawMessage(`{}`), Version: 1},
		{AggregateID: "raid-1", Type: event.SignupLeft, Data: json.RawMessage(`{}`), Version: 2},
		{AggregateID: "raid-2", Type: event.SignupJoined, Data: json.RawMessage(`{}`), Version: 1},
	}

	if err := es.Append(ctx, events...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	joined, err := es.LoadByType(ctx, event.SignupJoined)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(joined) != 2 {
		t.Fatalf("LoadByType(SignupJoined) returned %d, want 2", len(joined))
	}

	left, err := es.LoadByType(ctx, event.SignupLeft)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(left) != 1 {
		t.Fatalf("LoadByType(SignupLeft) returned %d, want 1", len(left))
	}
}

func TestEventStore_AppendAtomic(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db)
	ctx := context.Background()

	bad := []event.Event{
		{AggregateID: "raid-1", Type: event.RaidCreated, Data: json.RawMessage(`{}`), Version: 1},
		// nil Data becomes SQL NULL, which the column rejects.
		{AggregateID: "raid-1", Type: event.RaidLocked, Data: nil, Version: 2},
	}

	if err := es.Append(ctx, bad...); err == nil {
		t.Fatal("expected error for invalid event in batch")
	}

	loaded, err := es.Load(ctx, "raid-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("partial batch was committed: %d events stored", len(loaded))
	}
}

func TestEventStore_LoadEmpty(t *testing.T) {
	db := newTestDB(t)
	es := postgres.NewEventStore(db)
	ctx := context.Background()

	loaded, err := es.Load(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty slice, got %d events", len(loaded))
	}
}
