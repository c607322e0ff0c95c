/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wickerworks/wren_player/internal/config"
	"github.com/wickerworks/wren_player/internal/engine"
	"github.com/wickerworks/wren_player/internal/logging"
	"github.com/wickerworks/wren_player/internal/playback"
	"github.com/wickerworks/wren_player/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its local control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.Setup(cfg.Environment)
		logger.Info().Str("version", version.Version).Msg("starting wren player engine")

		eng, err := engine.New(cfg, playback.NewNullPlayer(), logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := eng.Close(); err != nil {
				log.Warn().Err(err).Msg("close failed")
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info().Msg("engine stopped")
		return nil
	},
}
