/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package parentalgate guards parent-only operations behind a PIN.
package parentalgate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/wickerworks/wren_player/internal/models"
)

const (
	maxAttempts   = 5
	lockoutWindow = 5 * time.Minute
	tokenLifetime = 10 * time.Minute
)

var (
	// ErrLocked is returned while the lockout window is active.
	ErrLocked = errors.New("parental gate locked")
	// ErrWrongPIN is returned for a PIN mismatch.
	ErrWrongPIN = errors.New("wrong pin")
	// ErrNoPIN is returned when no PIN has been set up yet.
	ErrNoPIN = errors.New("no pin configured")
)

// Gate verifies the parent PIN and mints short-lived session tokens that
// PIN-gated API mutations require.
type Gate struct {
	db         *gorm.DB
	signingKey []byte
	logger     zerolog.Logger
	nowFunc    func() time.Time

	mu          sync.Mutex
	failures    int
	lockedUntil time.Time
}

// New creates a gate using signingKey for session tokens.
func New(database *gorm.DB, signingKey []byte, logger zerolog.Logger) *Gate {
	return &Gate{
		db:         database,
		signingKey: signingKey,
		logger:     logger.With().Str("component", "parentalgate").Logger(),
		nowFunc:    time.Now,
	}
}

// SetPIN stores the bcrypt hash of a new PIN.
func (g *Gate) SetPIN(pin string) error {
	if len(pin) < 4 {
		return fmt.Errorf("pin must be at least 4 digits")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	return models.SetSetting(g.db, models.SettingPINHash, string(hash))
}

// VerifyPIN checks the candidate against the stored hash. Success returns a
// session token; failure counts toward the lockout window.
func (g *Gate) VerifyPIN(candidate string) (string, error) {
	if g.IsLocked() {
		return "", ErrLocked
	}

	hash, err := models.GetSetting(g.db, models.SettingPINHash)
	if err != nil {
		return "", fmt.Errorf("load pin hash: %w", err)
	}
	if hash == "" {
		return "", ErrNoPIN
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)); err != nil {
		g.RecordFailure()
		return "", ErrWrongPIN
	}

	g.RecordSuccess()
	return g.mintToken()
}

// IsLocked reports whether the gate is inside a lockout window.
func (g *Gate) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nowFunc().Before(g.lockedUntil)
}

// RecordFailure counts one failed attempt; too many arm the lockout window.
func (g *Gate) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= maxAttempts {
		g.lockedUntil = g.nowFunc().Add(lockoutWindow)
		g.failures = 0
		g.logger.Warn().Time("until", g.lockedUntil).Msg("parental gate locked")
	}
}

// RecordSuccess clears the attempt counter.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.lockedUntil = time.Time{}
}

func (g *Gate) mintToken() (string, error) {
	now := g.nowFunc()
	claims := jwt.RegisteredClaims{
		Subject:   "parent",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Require validates a session token produced by VerifyPIN.
func (g *Gate) Require(tokenString string) error {
	if tokenString == "" {
		return fmt.Errorf("missing parent session token")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.signingKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return g.nowFunc() }))
	if err != nil {
		return fmt.Errorf("invalid parent session token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != "parent" {
		return fmt.Errorf("invalid parent session token")
	}
	return nil
}
