/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package power reports the device charging state and battery level.
package power

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Source reports the device power state. Background work (sync, downloads)
// is admitted only while charging or with a healthy battery.
type Source interface {
	Charging() bool
	BatteryPercent() int
}

// SysfsSource reads /sys/class/power_supply. On hosts without a battery
// (development machines, plugged-in kiosks) it reports mains power.
type SysfsSource struct {
	root   string
	logger zerolog.Logger
}

// NewSysfsSource creates a source reading from the standard sysfs root.
func NewSysfsSource(logger zerolog.Logger) *SysfsSource {
	return &SysfsSource{
		root:   "/sys/class/power_supply",
		logger: logger.With().Str("component", "power").Logger(),
	}
}

// Charging reports whether the device runs on external power. Missing or
// unreadable supplies count as mains power so a desktop never starves the
// download queue.
func (s *SysfsSource) Charging() bool {
	supplies, err := os.ReadDir(s.root)
	if err != nil || len(supplies) == 0 {
		return true
	}
	for _, supply := range supplies {
		kind := s.readAttr(supply.Name(), "type")
		if kind == "Mains" || kind == "USB" {
			if s.readAttr(supply.Name(), "online") == "1" {
				return true
			}
		}
		if kind == "Battery" {
			status := s.readAttr(supply.Name(), "status")
			if status == "Charging" || status == "Full" {
				return true
			}
		}
	}
	return false
}

// BatteryPercent returns the battery charge level, or 100 when no battery
// is present.
func (s *SysfsSource) BatteryPercent() int {
	supplies, err := os.ReadDir(s.root)
	if err != nil {
		return 100
	}
	for _, supply := range supplies {
		if s.readAttr(supply.Name(), "type") != "Battery" {
			continue
		}
		raw := s.readAttr(supply.Name(), "capacity")
		if pct, err := strconv.Atoi(raw); err == nil && pct >= 0 && pct <= 100 {
			return pct
		}
	}
	return 100
}

func (s *SysfsSource) readAttr(supply, attr string) string {
	raw, err := os.ReadFile(filepath.Join(s.root, supply, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// Policy wraps a source with the admission threshold for background work.
type Policy struct {
	source     Source
	minPercent int
}

// NewPolicy creates an admission policy over source.
func NewPolicy(source Source, minPercent int) *Policy {
	return &Policy{source: source, minPercent: minPercent}
}

// OK reports whether background work may run: charging, or battery above
// the configured minimum.
func (p *Policy) OK() bool {
	if p.source.Charging() {
		return true
	}
	return p.source.BatteryPercent() >= p.minPercent
}
