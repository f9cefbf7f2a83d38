// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/arbor/dataset"
	"github.com/AleutianAI/arbor/engine"
	"github.com/AleutianAI/arbor/store"
)

// handleHealth reports liveness and the current dataset generation.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if idx := s.eng.Index(); idx != nil {
		resp["generation"] = idx.Generation()
		resp["nodes"] = idx.Len()
	}
	c.JSON(http.StatusOK, resp)
}

// handleDataset replaces the active dataset from a posted document.
//
// The payloads are seeded into the enrichment store first, so the first
// viewport evaluation against the new generation can already enrich.
func (s *Server) handleDataset(c *gin.Context) {
	var ds dataset.Dataset
	if err := c.ShouldBindJSON(&ds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dataset document: " + err.Error()})
		return
	}
	if len(ds.Nodes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": dataset.ErrNoNodes.Error()})
		return
	}

	nodes, payloads := ds.Split()
	if s.st != nil && len(payloads) > 0 {
		if err := s.st.Seed(c.Request.Context(), payloads); err != nil {
			s.logger.Error("seed enrichment store", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "seed store: " + err.Error()})
			return
		}
	}

	idx, err := s.eng.LoadDataset(c.Request.Context(), nodes, nil)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"generation": idx.Generation(),
		"nodes":      idx.Len(),
		"edges":      len(idx.Edges()),
		"anchors":    len(idx.Anchors()),
		"orphans":    idx.Orphans(),
		"payloads":   len(payloads),
	})
}

// handlePlan evaluates one viewport synchronously.
func (s *Server) handlePlan(c *gin.Context) {
	var vp engine.Viewport
	if err := c.ShouldBindJSON(&vp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid viewport: " + err.Error()})
		return
	}

	plan, err := s.eng.Evaluate(vp)
	if err != nil {
		c.JSON(planErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	plansServed.WithLabelValues("http").Inc()
	c.JSON(http.StatusOK, plan)
}

// handleNode returns one node's enriched payload, checking the engine's
// in-memory state before falling back to the store.
func (s *Server) handleNode(c *gin.Context) {
	id := c.Param("id")
	idx := s.eng.Index()
	if idx == nil || idx.Node(id) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
		return
	}

	if data, ok := s.eng.Enriched(id); ok {
		c.JSON(http.StatusOK, gin.H{"node_id": id, "data": json.RawMessage(data)})
		return
	}
	if s.st != nil {
		data, err := s.st.Get(c.Request.Context(), id)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"node_id": id, "data": json.RawMessage(data)})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no payload for node"})
}

// planErrorStatus maps engine errors to HTTP statuses.
func planErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidViewport):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoDataset):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
