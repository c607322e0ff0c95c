/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wickerworks/wren_player/internal/config"
	"github.com/wickerworks/wren_player/internal/db"
	"github.com/wickerworks/wren_player/internal/jellyfin"
	"github.com/wickerworks/wren_player/internal/logging"
	"github.com/wickerworks/wren_player/internal/models"
)

var trustSave bool

// trustCmd supports home servers with self-signed certificates: a parent
// inspects the fingerprint once and pins it; afterwards the engine accepts
// exactly that certificate.
var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Show the media server's certificate fingerprint and optionally pin it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.ServerURL == "" {
			return fmt.Errorf("no media server configured (WREN_SERVER_URL)")
		}
		logger := logging.Setup(cfg.Environment)

		client := jellyfin.NewClient(cfg.ServerURL, cfg.RequestTimeout, "", logger)
		fingerprint, err := client.ProbeFingerprint(cmd.Context())
		if err != nil {
			return fmt.Errorf("probe server certificate: %w", err)
		}
		fmt.Printf("server certificate sha256: %s\n", fingerprint)

		if !trustSave {
			fmt.Println("re-run with --save to pin this certificate")
			return nil
		}

		database, err := db.Connect(cfg)
		if err != nil {
			return err
		}
		defer db.Close(database)
		if err := db.Migrate(database); err != nil {
			return err
		}
		if err := models.SetSetting(database, models.SettingPinnedFingerprint, fingerprint); err != nil {
			return err
		}
		fmt.Println("certificate pinned")
		return nil
	},
}

func init() {
	trustCmd.Flags().BoolVar(&trustSave, "save", false, "pin the fingerprint for future connections")
}
