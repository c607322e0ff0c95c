/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package netmon observes connectivity and classifies it for the engine.
package netmon

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wickerworks/wren_player/internal/events"
	"github.com/wickerworks/wren_player/internal/telemetry"
)

// State classifies the current connectivity.
type State int

const (
	StateNone State = iota
	StateMetered
	StateUnmetered
)

func (s State) String() string {
	switch s {
	case StateMetered:
		return "metered"
	case StateUnmetered:
		return "unmetered"
	default:
		return "none"
	}
}

// Classifier determines the current network state. The platform shell can
// install its own implementation to report metered links; the default probes
// interfaces and the configured media server.
type Classifier interface {
	Classify(ctx context.Context) (State, error)
}

// Monitor polls the classifier, debounces flapping, and publishes one
// events.EventNetworkChanged per actual state change.
type Monitor struct {
	classifier   Classifier
	bus          *events.Bus
	logger       zerolog.Logger
	pollInterval time.Duration
	debounce     time.Duration
	nowFunc      func() time.Time

	mu           sync.Mutex
	current      State
	pending      State
	pendingSince time.Time
	hasPending   bool
	warnedOnce   bool
}

// New creates a monitor. The initial state is none until the first probe.
func New(classifier Classifier, bus *events.Bus, logger zerolog.Logger) *Monitor {
	return &Monitor{
		classifier:   classifier,
		bus:          bus,
		logger:       logger.With().Str("component", "netmon").Logger(),
		pollInterval: 3 * time.Second,
		debounce:     2 * time.Second,
		nowFunc:      time.Now,
	}
}

// Current returns the last committed state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Run executes the poll loop until context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Msg("network monitor started")
	m.poll(ctx)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("network monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	state, err := m.classifier.Classify(ctx)
	if err != nil {
		// Degrade to none; log once rather than on every poll.
		m.mu.Lock()
		warned := m.warnedOnce
		m.warnedOnce = true
		m.mu.Unlock()
		if !warned {
			m.logger.Warn().Err(err).Msg("connectivity probe unavailable, reporting none")
		}
		state = StateNone
	}
	m.observe(state)
}

// observe feeds one probe result through the debounce window. A state must
// hold for the full window before it is committed and published, so flapping
// within the window produces no events.
func (m *Monitor) observe(state State) {
	now := m.nowFunc()

	m.mu.Lock()
	if state == m.current {
		m.hasPending = false
		m.mu.Unlock()
		return
	}
	if !m.hasPending || m.pending != state {
		m.pending = state
		m.pendingSince = now
		m.hasPending = true
		m.mu.Unlock()
		return
	}
	if now.Sub(m.pendingSince) < m.debounce {
		m.mu.Unlock()
		return
	}
	from := m.current
	m.current = state
	m.hasPending = false
	m.mu.Unlock()

	telemetry.NetworkState.Set(float64(state))
	m.logger.Info().Str("from", from.String()).Str("to", state.String()).Msg("network state changed")
	m.bus.Publish(events.EventNetworkChanged, events.Payload{
		"from": from.String(),
		"to":   state.String(),
	})
}

// ProbeClassifier is the default classifier: a non-loopback interface with an
// address means connectivity, confirmed against the media server when one is
// configured. It cannot tell metered links apart; the shell overrides it
// where the platform exposes that signal.
type ProbeClassifier struct {
	ServerURL  string
	HTTPClient *http.Client
}

// Classify implements Classifier.
func (p *ProbeClassifier) Classify(ctx context.Context) (State, error) {
	up, err := hasActiveInterface()
	if err != nil {
		return StateNone, err
	}
	if !up {
		return StateNone, nil
	}
	if p.ServerURL != "" && p.HTTPClient != nil {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.ServerURL, nil)
		if err != nil {
			return StateNone, err
		}
		resp, err := p.HTTPClient.Do(req)
		if err != nil {
			// Interface is up but the server is unreachable; the engine
			// treats that the same as offline.
			return StateNone, nil
		}
		resp.Body.Close()
	}
	return StateUnmetered, nil
}

func hasActiveInterface() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true, nil
	}
	return false, nil
}
