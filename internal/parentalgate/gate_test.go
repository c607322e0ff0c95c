package parentalgate

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/models"
)

func newTestGate(t *testing.T) (*Gate, *time.Time) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	g := New(db, []byte("test-signing-key"), zerolog.Nop())
	now := time.Now()
	g.nowFunc = func() time.Time { return now }
	return g, &now
}

func TestVerifyPINMintsValidToken(t *testing.T) {
	g, _ := newTestGate(t)
	if err := g.SetPIN("2468"); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	token, err := g.VerifyPIN("2468")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := g.Require(token); err != nil {
		t.Fatalf("token rejected: %v", err)
	}
	if err := g.Require("not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}
}

func TestTokenExpires(t *testing.T) {
	g, now := newTestGate(t)
	if err := g.SetPIN("2468"); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	token, err := g.VerifyPIN("2468")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	*now = now.Add(11 * time.Minute)
	if err := g.Require(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	g, now := newTestGate(t)
	if err := g.SetPIN("2468"); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	for i := 0; i < maxAttempts; i++ {
		if _, err := g.VerifyPIN("0000"); !errors.Is(err, ErrWrongPIN) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if !g.IsLocked() {
		t.Fatal("expected lockout after repeated failures")
	}
	if _, err := g.VerifyPIN("2468"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected locked error, got %v", err)
	}

	// Lockout expires after the window.
	*now = now.Add(lockoutWindow + time.Second)
	if _, err := g.VerifyPIN("2468"); err != nil {
		t.Fatalf("expected unlock after window: %v", err)
	}
}

func TestVerifyWithoutPINConfigured(t *testing.T) {
	g, _ := newTestGate(t)
	if _, err := g.VerifyPIN("1234"); !errors.Is(err, ErrNoPIN) {
		t.Fatalf("expected ErrNoPIN, got %v", err)
	}
}
