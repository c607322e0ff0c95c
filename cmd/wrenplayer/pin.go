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
	"github.com/wickerworks/wren_player/internal/logging"
	"github.com/wickerworks/wren_player/internal/parentalgate"
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the parental gate PIN",
}

var pinSetCmd = &cobra.Command{
	Use:   "set <pin>",
	Short: "Set the parental gate PIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.Setup(cfg.Environment)

		database, err := db.Connect(cfg)
		if err != nil {
			return err
		}
		defer db.Close(database)
		if err := db.Migrate(database); err != nil {
			return err
		}

		gate := parentalgate.New(database, []byte(cfg.GateSigningKey), logger)
		if err := gate.SetPIN(args[0]); err != nil {
			return err
		}
		fmt.Println("parental gate PIN updated")
		return nil
	},
}

func init() {
	pinCmd.AddCommand(pinSetCmd)
}
