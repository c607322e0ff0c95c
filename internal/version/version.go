/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of the Wren Player engine.
// This is set at build time via ldflags:
//
//	-X github.com/wickerworks/wren_player/internal/version.Version=X.Y.Z
var Version = "0.4.0"
