// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/arbor/config"
	"github.com/AleutianAI/arbor/dataset"
	"github.com/AleutianAI/arbor/engine"
	"github.com/AleutianAI/arbor/server"
	"github.com/AleutianAI/arbor/store"
	"github.com/AleutianAI/arbor/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the arbor engine behind the HTTP/WebSocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	srv := server.New(cfg.Server, eng, st, slog.Default())

	eng.OnEnrichmentNeeded(st.BatchGet)
	eng.OnInvalidate(srv.Invalidate)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	if cfg.Server.DatasetPath != "" {
		if err := loadDatasetFile(ctx, eng, st, cfg.Server.DatasetPath); err != nil {
			return err
		}

		watcher, err := dataset.NewWatcher(cfg.Server.DatasetPath, func(path string) {
			if err := loadDatasetFile(ctx, eng, st, path); err != nil {
				slog.Error("dataset reload failed", slog.String("error", err.Error()))
			}
		}, dataset.DefaultWatchDebounce, slog.Default())
		if err != nil {
			return fmt.Errorf("create dataset watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start dataset watcher: %w", err)
		}
		defer watcher.Stop()
	}

	return srv.Run(ctx)
}

// openStore opens the configured enrichment store, in-memory when no
// path is configured.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Server.StorePath == "" {
		slog.Info("enrichment store running in-memory")
		st, err := store.Open(store.InMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil
	}
	storeCfg := store.DefaultConfig(cfg.Server.StorePath)
	storeCfg.Logger = slog.Default()
	st, err := store.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.Server.StorePath, err)
	}
	return st, nil
}

// loadDatasetFile loads a dataset file, seeds its payloads and swaps the
// engine to the new generation.
func loadDatasetFile(ctx context.Context, eng *engine.Engine, st *store.Store, path string) error {
	ds, err := dataset.Load(path)
	if err != nil {
		return fmt.Errorf("load dataset %s: %w", path, err)
	}
	nodes, payloads := ds.Split()
	if len(payloads) > 0 {
		if err := st.Seed(ctx, payloads); err != nil {
			return fmt.Errorf("seed store: %w", err)
		}
	}
	idx, err := eng.LoadDataset(ctx, nodes, nil)
	if err != nil {
		return fmt.Errorf("index dataset: %w", err)
	}
	slog.Info("dataset ready",
		slog.String("path", path),
		slog.Uint64("generation", idx.Generation()),
		slog.Int("nodes", idx.Len()),
		slog.Int("payloads", len(payloads)))
	return nil
}
