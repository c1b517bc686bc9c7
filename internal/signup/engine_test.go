package signup

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/discord-raid-bot/internal/clock"
	"github.com/jensholdgaard/discord-raid-bot/internal/config"
	"github.com/jensholdgaard/discord-raid-bot/internal/ledger"
	"github.com/jensholdgaard/discord-raid-bot/internal/notify"
	"github.com/jensholdgaard/discord-raid-bot/internal/store"
	"github.com/jensholdgaard/discord-raid-bot/internal/store/memstore"
)

// fakeNotifier records outbound calls; it implements Roster, Messenger,
// RoleGranter and SignalSource.
type fakeNotifier struct {
	mu             sync.Mutex
	rosterUpdates  int
	lastSnapshot   notify.Snapshot
	notices        []string // message IDs, in post order
	retracted      []string
	dms            map[string][]string
	granted        []string
	revoked        []string
	removedSignals []notify.Signal
	nextID         int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{dms: make(map[string][]string)}
}

func (f *fakeNotifier) PostRoster(_ context.Context, _ string, snap notify.Snapshot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.lastSnapshot = snap
	return "msg-0", nil
}

func (f *fakeNotifier) UpdateRoster(_ context.Context, snap notify.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosterUpdates++
	f.lastSnapshot = snap
	return nil
}

func (f *fakeNotifier) RemoveRoster(_ context.Context, _, _ string) error { return nil }

func (f *fakeNotifier) DirectMessage(_ context.Context, userID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[userID] = append(f.dms[userID], content)
	return nil
}

func (f *fakeNotifier) ChannelNotice(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "notice-" + strconv.Itoa(f.nextID)
	f.notices = append(f.notices, id)
	return id, nil
}

func (f *fakeNotifier) RetractNotice(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracted = append(f.retracted, messageID)
	return nil
}

func (f *fakeNotifier) ChannelPrompt(_ context.Context, _, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "prompt-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeNotifier) DirectPrompt(_ context.Context, userID, content, _ string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[userID] = append(f.dms[userID], content)
	return nil
}

func (f *fakeNotifier) FetchSignals(_ context.Context, _ *store.Raid) ([]notify.Signal, error) {
	return nil, nil
}

func (f *fakeNotifier) RemoveSignal(_ context.Context, _ *store.Raid, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedSignals = append(f.removedSignals, notify.Signal{UserID: userID, Role: role})
	return nil
}

func (f *fakeNotifier) Grant(_ context.Context, _, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted = append(f.granted, userID)
	return nil
}

func (f *fakeNotifier) Revoke(_ context.Context, _, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, userID)
	return nil
}

func testConfig() config.RaidsConfig {
	return config.RaidsConfig{
		OpenSlotCooldown:  10 * time.Minute,
		ParticipantRoleID: "role-participant",
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Repositories, *fakeNotifier, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	repos := memstore.Open(clk)
	n := newFakeNotifier()
	led := ledger.New(repos.Raids, repos.Signups, clk, slog.Default(), noop.NewTracerProvider())
	e := NewEngine(led, repos.Raids, repos.Signups, repos.Events, n, n, n, n,
		testConfig(), clk, slog.Default(), noop.NewTracerProvider())
	return e, repos, n, clk
}

func seedRaid(t *testing.T, repos *store.Repositories, roles store.RoleSet) *store.Raid {
	t.Helper()
	raid := &store.Raid{
		ID:                "r1",
		GuildID:           "g1",
		ChannelID:         "c1",
		MessageID:         "m1",
		Title:             "Molten Core",
		Mode:              "raid",
		StartsAt:          time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC),
		Status:            store.StatusOpen,
		Roles:             roles,
		ParticipantRoleID: "role-participant",
	}
	if err := repos.Raids.Create(context.Background(), raid); err != nil {
		t.Fatalf("seeding raid: %v", err)
	}
	return raid
}

func TestJoin_NewSignup(t *testing.T) {
	e, repos, n, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "tank", Capacity: 2},
		{Name: store.BenchRole, Capacity: 2},
	})

	res, err := e.Join(ctx, "r1", "u1", "tank")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Role != "tank" || res.Benched {
		t.Errorf("Join = %+v, want tank primary", res)
	}

	if n.rosterUpdates == 0 {
		t.Error("roster was not re-rendered after join")
	}
	if len(n.granted) != 1 || n.granted[0] != "u1" {
		t.Errorf("participant grants = %v, want [u1]", n.granted)
	}

	evts, err := repos.Events.Load(ctx, "r1")
	if err != nil {
		t.Fatalf("loading events: %v", err)
	}
	if len(evts) != 1 || string(evts[0].Type) != "signup.joined" {
		t.Errorf("events = %v, want one signup.joined", evts)
	}
}

func TestJoin_Redelivered(t *testing.T) {
	e, repos, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "tank", Capacity: 1},
		{Name: store.BenchRole, Capacity: 1},
	})

	if _, err := e.Join(ctx, "r1", "u1", "tank"); err != nil {
		t.Fatalf("first Join: %v", err)
	}
	// The same signal again must not consume another slot.
	if _, err := e.Join(ctx, "r1", "u1", "tank"); err != nil {
		t.Fatalf("redelivered Join: %v", err)
	}

	raid, _ := repos.Raids.GetByID(ctx, "r1")
	if got := raid.Roles.Get("tank").Filled; got != 1 {
		t.Errorf("tank filled = %d, want 1", got)
	}
}

func TestJoin_RoleChange(t *testing.T) {
	e, repos, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "tank", Capacity: 1},
		{Name: "healer", Capacity: 1},
		{Name: store.BenchRole, Capacity: 1},
	})

	if _, err := e.Join(ctx, "r1", "u1", "tank"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := e.Join(ctx, "r1", "u2", "healer"); err != nil {
		t.Fatalf("Join u2: %v", err)
	}

	// Switching to a full role fails and the old slot is kept.
	if _, err := e.Join(ctx, "r1", "u1", "healer"); !errors.Is(err, ledger.ErrCapacityExceeded) {
		t.Fatalf("Join to full role error = %v, want ErrCapacityExceeded", err)
	}
	s, err := repos.Signups.Get(ctx, "r1", "u1")
	if err != nil {
		t.Fatalf("signup vanished after failed switch: %v", err)
	}
	if s.Role != "tank" {
		t.Errorf("role after failed switch = %q, want tank", s.Role)
	}

	// Free the healer slot; the switch now succeeds and frees the tank slot.
	if err := e.Leave(ctx, "r1", "u2", ""); err != nil {
		t.Fatalf("Leave u2: %v", err)
	}
	if _, err := e.Join(ctx, "r1", "u1", "healer"); err != nil {
		t.Fatalf("Join switch: %v", err)
	}
	raid, _ := repos.Raids.GetByID(ctx, "r1")
	if raid.Roles.Get("tank").Filled != 0 || raid.Roles.Get("healer").Filled != 1 {
		t.Errorf("counts after switch: tank=%d healer=%d, want 0/1",
			raid.Roles.Get("tank").Filled, raid.Roles.Get("healer").Filled)
	}
}

func TestJoin_RoleChangeRetractsOldSignal(t *testing.T) {
	e, repos, n, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "tank", Capacity: 1},
		{Name: "healer", Capacity: 1},
		{Name: store.BenchRole, Capacity: 1},
	})

	if _, err := e.Join(ctx, "r1", "u1", "tank"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(n.removedSignals) != 0 {
		t.Fatalf("new signup removed signals: %v", n.removedSignals)
	}

	// The switch leaves the tank reaction stale on the post; the engine
	// removes it so the surface shows a single signal per user.
	if _, err := e.Join(ctx, "r1", "u1", "healer"); err != nil {
		t.Fatalf("Join switch: %v", err)
	}
	if len(n.removedSignals) != 1 {
		t.Fatalf("removed signals = %v, want exactly the old role", n.removedSignals)
	}
	if got := n.removedSignals[0]; got.UserID != "u1" || got.Role != "tank" {
		t.Errorf("removed signal = %+v, want u1/tank", got)
	}

	// A redelivered join for the held role removes nothing.
	if _, err := e.Join(ctx, "r1", "u1", "healer"); err != nil {
		t.Fatalf("Join replay: %v", err)
	}
	if len(n.removedSignals) != 1 {
		t.Errorf("replay removed signals: %v", n.removedSignals)
	}
}

func TestLeave_OpenSlotNotice(t *testing.T) {
	e, repos, n, clk := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "dps", Capacity: 2},
		{Name: store.BenchRole, Capacity: 2},
	})

	for _, u := range []string{"u1", "u2"} {
		if _, err := e.Join(ctx, "r1", u, "dps"); err != nil {
			t.Fatalf("Join %s: %v", u, err)
		}
	}

	if err := e.Leave(ctx, "r1", "u1", "busy"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if len(n.notices) != 1 {
		t.Fatalf("notices after first leave = %d, want 1", len(n.notices))
	}

	// A second leave inside the cooldown window is coalesced.
	if err := e.Leave(ctx, "r1", "u2", ""); err != nil {
		t.Fatalf("Leave u2: %v", err)
	}
	if len(n.notices) != 1 {
		t.Errorf("notices inside cooldown = %d, want 1", len(n.notices))
	}

	// Past the cooldown a fresh leave posts a new notice and retracts the
	// old one: only the newest survives.
	clk.Advance(11 * time.Minute)
	if _, err := e.Join(ctx, "r1", "u3", "dps"); err != nil {
		t.Fatalf("Join u3: %v", err)
	}
	if err := e.Leave(ctx, "r1", "u3", ""); err != nil {
		t.Fatalf("Leave u3: %v", err)
	}
	if len(n.notices) != 2 {
		t.Fatalf("notices after cooldown = %d, want 2", len(n.notices))
	}
	if len(n.retracted) != 1 || n.retracted[0] != n.notices[0] {
		t.Errorf("retracted = %v, want the first notice %q", n.retracted, n.notices[0])
	}
}

func TestJoin_RetractsNoticeWhenFull(t *testing.T) {
	e, repos, n, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "dps", Capacity: 1},
		{Name: store.BenchRole, Capacity: 2},
	})

	if _, err := e.Join(ctx, "r1", "u1", "dps"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := e.Leave(ctx, "r1", "u1", ""); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if len(n.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(n.notices))
	}

	// Filling the last primary slot retracts the outstanding notice.
	if _, err := e.Join(ctx, "r1", "u2", "dps"); err != nil {
		t.Fatalf("Join u2: %v", err)
	}
	if len(n.retracted) != 1 || n.retracted[0] != n.notices[0] {
		t.Errorf("retracted = %v, want %q", n.retracted, n.notices[0])
	}
}

func TestLeave_Idempotent(t *testing.T) {
	e, repos, n, _ := newTestEngine(t)
	seedRaid(t, repos, store.RoleSet{
		{Name: "dps", Capacity: 1},
		{Name: store.BenchRole, Capacity: 1},
	})

	if err := e.Leave(context.Background(), "r1", "u1", ""); err != nil {
		t.Fatalf("Leave with no signup: %v", err)
	}
	if len(n.notices) != 0 {
		t.Errorf("notices = %d, want 0", len(n.notices))
	}
}

func TestSetPreferredRole(t *testing.T) {
	e, repos, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "tank", Capacity: 1},
		{Name: store.BenchRole, Capacity: 2},
	})

	if _, err := e.Join(ctx, "r1", "u1", "tank"); err != nil {
		t.Fatalf("Join u1: %v", err)
	}
	if _, err := e.Join(ctx, "r1", "u2", store.BenchRole); err != nil {
		t.Fatalf("Join u2: %v", err)
	}

	// Only benched users may record a preference.
	if err := e.SetPreferredRole(ctx, "r1", "u1", "tank"); err == nil {
		t.Error("expected SetPreferredRole to fail for a primary signup")
	}
	if err := e.SetPreferredRole(ctx, "r1", "u2", store.BenchRole); !errors.Is(err, ledger.ErrUnknownRole) {
		t.Errorf("bench preference error = %v, want ErrUnknownRole", err)
	}

	if err := e.SetPreferredRole(ctx, "r1", "u2", "tank"); err != nil {
		t.Fatalf("SetPreferredRole: %v", err)
	}
	s, _ := repos.Signups.Get(ctx, "r1", "u2")
	if s.PreferredRole != "tank" {
		t.Errorf("preferred role = %q, want tank", s.PreferredRole)
	}
}

func TestConfirm(t *testing.T) {
	e, repos, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "dps", Capacity: 1},
		{Name: store.BenchRole, Capacity: 1},
	})

	if _, err := e.Join(ctx, "r1", "u1", "dps"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := e.Confirm(ctx, "r1", "u1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	s, _ := repos.Signups.Get(ctx, "r1", "u1")
	if s.State != store.StateConfirmed {
		t.Errorf("state = %q, want confirmed", s.State)
	}

	if err := e.Confirm(ctx, "r1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Confirm for unknown user error = %v, want store.ErrNotFound", err)
	}
}

func TestJoin_LockedBenchOnly(t *testing.T) {
	e, repos, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedRaid(t, repos, store.RoleSet{
		{Name: "dps", Capacity: 2},
		{Name: store.BenchRole, Capacity: 2},
	})
	if err := repos.Raids.UpdateStatus(ctx, "r1", store.StatusLocked, time.Now()); err != nil {
		t.Fatalf("locking: %v", err)
	}

	if _, err := e.Join(ctx, "r1", "u1", "dps"); !errors.Is(err, ledger.ErrRaidLocked) {
		t.Fatalf("primary join while locked error = %v, want ErrRaidLocked", err)
	}
	res, err := e.Join(ctx, "r1", "u1", store.BenchRole)
	if err != nil {
		t.Fatalf("bench join while locked: %v", err)
	}
	if !res.Benched {
		t.Errorf("expected a bench reservation, got %+v", res)
	}
}
