package screentime

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/models"
)

func openScreenTimeTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.ScreenTimeState{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestGovernor(t *testing.T) (*Governor, *time.Time) {
	t.Helper()
	g, err := New(openScreenTimeTestDB(t), events.NewBus(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	now := time.Date(2026, 3, 14, 19, 30, 0, 0, time.Local)
	g.nowFunc = func() time.Time { return now }
	return g, &now
}

func TestTickTripsLimit(t *testing.T) {
	g, _ := newTestGovernor(t)
	if err := g.SetDailyLimit(60, true); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	// 58 minutes already used, 2 more minutes watched.
	if err := g.Tick(58 * 60); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if g.IsLimitReached() {
		t.Fatal("limit reached too early")
	}
	if err := g.Tick(120); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !g.IsLimitReached() {
		t.Fatal("expected limit reached after 60 minutes")
	}
	if g.RemainingMinutes() != 0 {
		t.Fatalf("unexpected remaining: %d", g.RemainingMinutes())
	}
}

func TestDisabledLimitNeverTrips(t *testing.T) {
	g, _ := newTestGovernor(t)
	if err := g.SetDailyLimit(1, false); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := g.Tick(3600); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if g.IsLimitReached() {
		t.Fatal("disabled limit must never trip")
	}
	// Unrestricted reads as the -1 sentinel, never as zero minutes left.
	if g.RemainingMinutes() != -1 {
		t.Fatalf("unexpected remaining while disabled: %d", g.RemainingMinutes())
	}
}

func TestExtensionRaisesBudgetForTodayOnly(t *testing.T) {
	g, now := newTestGovernor(t)
	if err := g.SetDailyLimit(30, true); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := g.Tick(30 * 60); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !g.IsLimitReached() {
		t.Fatal("expected limit reached")
	}
	if err := g.GrantExtension(15); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.IsLimitReached() {
		t.Fatal("extension should lift the limit")
	}

	// Extension does not survive the day rollover.
	*now = now.Add(24 * time.Hour)
	if err := g.Tick(31 * 60); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !g.IsLimitReached() {
		t.Fatal("expected yesterday's extension to be cleared")
	}
}

func TestMidnightRolloverOnQuery(t *testing.T) {
	g, now := newTestGovernor(t)
	if err := g.SetDailyLimit(60, true); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := g.Tick(60 * 60); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !g.IsLimitReached() {
		t.Fatal("expected limit reached before midnight")
	}

	// Session spans midnight: the next query applies the reset without a
	// process restart.
	*now = now.Add(5 * time.Hour)
	if g.IsLimitReached() {
		t.Fatal("expected fresh budget after midnight")
	}
	if g.RemainingMinutes() != 60 {
		t.Fatalf("unexpected remaining: %d", g.RemainingMinutes())
	}

	// Reset is idempotent.
	if err := g.ResetIfNewDay(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := g.ResetIfNewDay(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if g.Snapshot().UsedSeconds != 0 {
		t.Fatalf("reset not idempotent: %+v", g.Snapshot())
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	db := openScreenTimeTestDB(t)
	bus := events.NewBus()

	g, err := New(db, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}
	if err := g.SetDailyLimit(45, true); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if err := g.Tick(10 * 60); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// A new governor over the same database sees the accrued minutes.
	reloaded, err := New(db, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("reload governor: %v", err)
	}
	if got := reloaded.Snapshot().UsedSeconds; got != 600 {
		t.Fatalf("used seconds lost across restart: %d", got)
	}
	if reloaded.RemainingMinutes() != 35 {
		t.Fatalf("unexpected remaining: %d", reloaded.RemainingMinutes())
	}
}
