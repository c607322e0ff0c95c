/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wickerworks/wren_player/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "wrenplayer",
	Short:   "Offline-first media engine for a kid-safe video player",
	Version: version.Version,
}

func main() {
	rootCmd.AddCommand(serveCmd, pinCmd, trustCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
