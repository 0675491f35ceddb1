// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/s0up4200/qgov/internal/api"
	"github.com/s0up4200/qgov/internal/autoremove"
	"github.com/s0up4200/qgov/internal/config"
	"github.com/s0up4200/qgov/internal/governor"
	"github.com/s0up4200/qgov/internal/metrics"
	"github.com/s0up4200/qgov/internal/notify"
	"github.com/s0up4200/qgov/internal/qbtdriver"
	"github.com/s0up4200/qgov/internal/scraper"
	"github.com/s0up4200/qgov/internal/store"
)

// shutdownTimeout bounds how long serve waits for the two control loops
// to persist final state and the stores/servers to close (spec §5).
const shutdownTimeout = 5 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governor and auto-remove control loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	path := configPath
	if path == "" {
		path = "./config.toml"
	}

	cfg, err := config.New(path)
	if err != nil {
		return err
	}

	configureLogging(cfg)

	st, err := store.Open(cfg.GetDatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	encryptor, err := cfg.GetEncryptor()
	if err != nil {
		return err
	}

	driver := qbtdriver.NewClientPool(st, encryptor)
	defer driver.Close()

	// Site-specific tracker scraping is out of scope; the oracle falls
	// straight through to the qBittorrent API and time-based estimate.
	scr := scraper.NewHTTPScraper(nil)

	notifier := notify.New(cfg.NotifyURLs)
	notifier.Start(ctx)

	gov := governor.New(st, driver, scr)
	ar := autoremove.New(st, driver, notifier)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go gov.Start(ctx)
	go ar.Start(ctx)

	var metricsServer *metrics.Server
	if cfg.MetricsEnabled {
		manager := metrics.NewManager(gov, ar)
		metricsServer = metrics.NewMetricsServer(manager, cfg.MetricsHost, cfg.MetricsPort, cfg.MetricsBasicAuthUsers)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				log.Error().Err(err).Msg("governctl: metrics server failed")
			}
		}()
	}

	router := api.NewRouter(&api.Dependencies{Governor: gov, AutoRemove: ar})
	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("governctl: status server failed")
		}
	}()

	log.Info().Str("addr", httpServer.Addr).Msg("governctl: serving")

	waitForSignal(ctx)

	log.Info().Msg("governctl: shutting down")
	cancel()
	ar.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("governctl: status server shutdown")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("governctl: metrics server shutdown")
		}
	}

	select {
	case <-gov.Stopped():
	case <-shutdownCtx.Done():
		log.Warn().Msg("governctl: governor did not stop within shutdown timeout")
	}
	select {
	case <-ar.Stopped():
	case <-shutdownCtx.Done():
		log.Warn().Msg("governctl: auto-remove did not stop within shutdown timeout")
	}

	return nil
}

func waitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}

func configureLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogPath == "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}

	log.Logger = log.Output(&lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
	})
}
