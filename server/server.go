// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the engine over HTTP and WebSocket.
//
// The HTTP surface is for dataset management and one-shot plan queries;
// the WebSocket stream is the interactive path, where a client pushes
// viewport snapshots at gesture rate and receives render plans back.
// The server renders nothing; it is the demo host around the engine.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/arbor/config"
	"github.com/AleutianAI/arbor/engine"
	"github.com/AleutianAI/arbor/store"
	"github.com/AleutianAI/arbor/telemetry"
)

// shutdownGrace bounds graceful HTTP shutdown.
const shutdownGrace = 10 * time.Second

// Prometheus metrics for the serving surface.
var (
	plansServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbor_plans_served_total",
		Help: "Render plans served, by transport",
	}, []string{"transport"})
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arbor_ws_connections",
		Help: "Open WebSocket viewport streams",
	})
)

// Server hosts the engine behind gin.
//
// Thread Safety: Safe for concurrent use after New.
type Server struct {
	cfg    config.ServerConfig
	eng    *engine.Engine
	st     *store.Store
	logger *slog.Logger
	router *gin.Engine

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// New creates a server around a started engine.
//
// Inputs:
//   - cfg: Server configuration.
//   - eng: The engine. Must be started by the caller.
//   - st: Enrichment store, used for direct payload lookups. May be nil.
//   - logger: Defaults to slog.Default().
func New(cfg config.ServerConfig, eng *engine.Engine, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		eng:     eng,
		st:      st,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the gin router, primarily for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// buildRouter registers middleware and routes.
//
// Endpoints:
//
//	GET  /v1/arbor/health - Health and dataset generation
//	POST /v1/arbor/dataset - Load a dataset document
//	POST /v1/arbor/plan - One-shot viewport evaluation
//	GET  /v1/arbor/node/:id - Enriched payload for one node
//	GET  /v1/arbor/stream - WebSocket viewport stream
//	GET  /metrics - Prometheus scrape endpoint
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("arbor"))

	v1 := router.Group("/v1/arbor")
	{
		v1.GET("/health", s.handleHealth)
		v1.POST("/dataset", s.handleDataset)
		v1.POST("/plan", s.handlePlan)
		v1.GET("/node/:id", s.handleNode)
		v1.GET("/stream", s.handleStream)
	}

	metricsHandler := telemetry.MetricsHandler()
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))
	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Invalidate nudges every open stream to re-evaluate its last viewport.
// Wire it to engine.OnInvalidate.
//
// Thread Safety: Safe for concurrent use.
func (s *Server) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}
