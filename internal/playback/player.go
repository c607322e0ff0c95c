/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"sync"
	"time"
)

// State enumerates the playback state machine.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StatePlaying   State = "playing"
	StateBuffering State = "buffering"
	StatePaused    State = "paused"
	StateEnded     State = "ended"
)

// EndReason explains why playback left the active states.
type EndReason string

const (
	ReasonNone                EndReason = ""
	ReasonCompleted           EndReason = "completed"
	ReasonStopped             EndReason = "stopped"
	ReasonNotAvailableOffline EndReason = "not_available_offline"
	ReasonLimitReached        EndReason = "limit_reached"
	ReasonStreamFailed        EndReason = "stream_failed"
)

// Source names where the bytes come from.
type Source string

const (
	SourceNone   Source = ""
	SourceLocal  Source = "local"
	SourceStream Source = "stream"
)

// Player is the media surface the manager drives. The presentation layer
// provides the implementation; the engine never touches decode or render.
type Player interface {
	Load(source string) error
	Play() error
	Pause() error
	Seek(position time.Duration) error
	Stop() error
	Position() time.Duration
}

// NullPlayer simulates positions with wall time. It stands in until the
// presentation layer installs a real media surface, which keeps the engine
// runnable headless.
type NullPlayer struct {
	mu      sync.Mutex
	playing bool
	base    time.Duration
	since   time.Time
}

// NewNullPlayer creates a stopped null player.
func NewNullPlayer() *NullPlayer {
	return &NullPlayer{}
}

func (p *NullPlayer) Load(string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = 0
	p.playing = false
	return nil
}

func (p *NullPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		p.since = time.Now()
		p.playing = true
	}
	return nil
}

func (p *NullPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.base += time.Since(p.since)
		p.playing = false
	}
	return nil
}

func (p *NullPlayer) Seek(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = position
	if p.playing {
		p.since = time.Now()
	}
	return nil
}

func (p *NullPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = 0
	p.playing = false
	return nil
}

func (p *NullPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return p.base + time.Since(p.since)
	}
	return p.base
}
