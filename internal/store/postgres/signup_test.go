package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
	"github.com/jensholdgaard/discord-raid-bot/internal/store/postgres"
)

func setupRaid(t *testing.T, raids *postgres.RaidRepo, id string) {
	t.Helper()
	if err := raids.Create(context.Background(), testRaid(id, time.Now().UTC().Add(time.Hour))); err != nil {
		t.Fatalf("creating raid %s: %v", id, err)
	}
}

func TestSignupRepo_CreateGetDelete(t *testing.T) {
	db := newTestDB(t)
	raids := postgres.NewRaidRepo(db, clock.Real{})
	repo := postgres.NewSignupRepo(db, clock.Real{})
	ctx := context.Background()
	setupRaid(t, raids, "raid-1")

	s := &store.Signup{RaidID: "raid-1", UserID: "u1", Role: "tank"}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.JoinedAt.IsZero() {
		t.Error("Create did not set JoinedAt")
	}

	got, err := repo.Get(ctx, "raid-1", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Role != "tank" {
		t.Errorf("Role = %q, want tank", got.Role)
	}
	if got.State != store.StateUnconfirmed {
		t.Errorf("State = %q, want %q", got.State, store.StateUnconfirmed)
	}

	// One signup per user per raid.
	if err := repo.Create(ctx, &store.Signup{RaidID: "raid-1", UserID: "u1", Role: "dps"}); err == nil {
		t.Error("expected error for duplicate signup")
	}

	if err := repo.Delete(ctx, "raid-1", "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, "raid-1", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "raid-1", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestSignupRepo_ListByRaidOrder(t *testing.T) {
	db := newTestDB(t)
	raids := postgres.NewRaidRepo(db, clock.Real{})
	repo := postgres.NewSignupRepo(db, clock.Real{})
	ctx := context.Background()
	setupRaid(t, raids, "raid-1")
	setupRaid(t, raids, "raid-2")

	base := time.Now().UTC().Truncate(time.Second)
	rows := []store.Signup{
		{RaidID: "raid-1", UserID: "u3", Role: "dps", JoinedAt: base.Add(2 * time.Second)},
		{RaidID: "raid-1", UserID: "u1", Role: "tank", JoinedAt: base},
		{RaidID: "raid-1", UserID: "u2", Role: "healer", JoinedAt: base.Add(time.Second)},
		{RaidID: "raid-2", UserID: "u1", Role: "dps", JoinedAt: base},
	}
	for i := range rows {
		if err := repo.Create(ctx, &rows[i]); err != nil {
			t.Fatalf("Create(%s): %v", rows[i].UserID, err)
		}
	}

	got, err := repo.ListByRaid(ctx, "raid-1")
	if err != nil {
		t.Fatalf("ListByRaid: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByRaid returned %d rows, want 3", len(got))
	}
	// Join order decides bench priority, so it must survive persistence.
	for i, want := range []string{"u1", "u2", "u3"} {
		if got[i].UserID != want {
			t.Errorf("row %d = %q, want %q", i, got[i].UserID, want)
		}
	}
}

func TestSignupRepo_UpdateRoleAndState(t *testing.T) {
	db := newTestDB(t)
	raids := postgres.NewRaidRepo(db, clock.Real{})
	repo := postgres.NewSignupRepo(db, clock.Real{})
	ctx := context.Background()
	setupRaid(t, raids, "raid-1")

	if err := repo.Create(ctx, &store.Signup{RaidID: "raid-1", UserID: "u1", Role: "dps"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.UpdateRole(ctx, "raid-1", "u1", "healer"); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if err := repo.UpdateState(ctx, "raid-1", "u1", store.StateConfirmed); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	got, err := repo.Get(ctx, "raid-1", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Role != "healer" || got.State != store.StateConfirmed {
		t.Errorf("signup = %q/%q, want healer/confirmed", got.Role, got.State)
	}

	if err := repo.UpdateRole(ctx, "raid-1", "nobody", "tank"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateRole(missing) = %v, want ErrNotFound", err)
	}
}

func TestSignupRepo_MarkNoShows(t *testing.T) {
	db := newTestDB(t)
	raids := postgres.NewRaidRepo(db, clock.Real{})
	repo := postgres.NewSignupRepo(db, clock.Real{})
	ctx := context.Background()
	setupRaid(t, raids, "raid-1")

	for _, s := range []store.Signup{
		{RaidID: "raid-1", UserID: "u1", Role: "tank", State: store.StateConfirmed},
		{RaidID: "raid-1", UserID: "u2", Role: "dps"},
		{RaidID: "raid-1", UserID: "u3", Role: "dps"},
	} {
		s := s
		if err := repo.Create(ctx, &s); err != nil {
			t.Fatalf("Create(%s): %v", s.UserID, err)
		}
	}

	marked, err := repo.MarkNoShows(ctx, "raid-1")
	if err != nil {
		t.Fatalf("MarkNoShows: %v", err)
	}
	if len(marked) != 2 {
		t.Fatalf("MarkNoShows returned %v, want 2 users", marked)
	}

	confirmed, err := repo.Get(ctx, "raid-1", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if confirmed.State != store.StateConfirmed {
		t.Errorf("confirmed signup flipped to %q", confirmed.State)
	}

	// Second pass finds nothing left to mark.
	again, err := repo.MarkNoShows(ctx, "raid-1")
	if err != nil {
		t.Fatalf("MarkNoShows: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second MarkNoShows returned %v, want none", again)
	}
}

func TestSignupRepo_SetPreferredRole(t *testing.T) {
	db := newTestDB(t)
	raids := postgres.NewRaidRepo(db, clock.Real{})
	repo := postgres.NewSignupRepo(db, clock.Real{})
	ctx := context.Background()
	setupRaid(t, raids, "raid-1")

	if err := repo.Create(ctx, &store.Signup{RaidID: "raid-1", UserID: "u1", Role: store.BenchRole}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.SetPreferredRole(ctx, "raid-1", "u1", "healer"); err != nil {
		t.Fatalf("SetPreferredRole: %v", err)
	}

	got, err := repo.Get(ctx, "raid-1", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PreferredRole != "healer" {
		t.Errorf("PreferredRole = %q, want healer", got.PreferredRole)
	}
}

func TestSignupRepo_CountByUser(t *testing.T) {
	db := newTestDB(t)
	raids := postgres.NewRaidRepo(db, clock.Real{})
	repo := postgres.NewSignupRepo(db, clock.Real{})
	ctx := context.Background()
	setupRaid(t, raids, "raid-1")
	setupRaid(t, raids, "raid-2")
	setupRaid(t, raids, "raid-3")

	for _, s := range []store.Signup{
		{RaidID: "raid-1", UserID: "u1", Role: "tank"},
		{RaidID: "raid-2", UserID: "u1", Role: "tank"},
		{RaidID: "raid-3", UserID: "u1", Role: store.BenchRole},
		{RaidID: "raid-1", UserID: "u2", Role: "dps"},
	} {
		s := s
		if err := repo.Create(ctx, &s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	counts, err := repo.CountByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("CountByUser: %v", err)
	}
	if counts["tank"] != 2 || counts[store.BenchRole] != 1 || len(counts) != 2 {
		t.Errorf("counts = %v, want map[tank:2 bench:1]", counts)
	}
}
