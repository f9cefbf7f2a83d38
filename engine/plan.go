// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/AleutianAI/arbor/graph"
	"github.com/AleutianAI/arbor/lod"
	"github.com/AleutianAI/arbor/spatial"
)

// Size is a viewport extent in screen pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is one snapshot of the camera transform.
//
// The convention is screen = world*Scale + Translate. Viewports arrive at
// input rate from the host's gesture layer; the engine treats each one as
// a read-only snapshot for a single evaluation.
type Viewport struct {
	Translate graph.Point `json:"translate"`
	Scale     float64     `json:"scale"`
	Size      Size        `json:"size"`
}

// WorldRect returns the world-coordinate rectangle the viewport shows.
func (v Viewport) WorldRect() spatial.Rect {
	return spatial.Rect{
		MinX: (0 - v.Translate.X) / v.Scale,
		MinY: (0 - v.Translate.Y) / v.Scale,
		MaxX: (v.Size.Width - v.Translate.X) / v.Scale,
		MaxY: (v.Size.Height - v.Translate.Y) / v.Scale,
	}
}

// RenderPlan is the engine's answer to one viewport evaluation: exactly
// which node IDs to draw, at which fidelity, and what remains unenriched.
// It is handed to the external renderer; the engine draws nothing itself.
type RenderPlan struct {
	// Generation is the dataset generation the plan was computed from.
	Generation uint64 `json:"generation"`

	// Sequence is the evaluation sequence number, strictly increasing.
	Sequence uint64 `json:"sequence"`

	// Tier is the resolved detail tier.
	Tier lod.Tier `json:"tier"`

	// NodeIDs are the visible nodes, nearest to the viewport center
	// first, truncated at the node cap. Empty in the aggregate tier.
	NodeIDs []string `json:"visible_node_ids"`

	// EdgeIDs are the visible edges (both endpoints visible), truncated
	// at the edge cap. Empty in the aggregate tier.
	EdgeIDs []string `json:"visible_edge_ids"`

	// Buckets maps visible node IDs to their active resource bucket.
	// Populated in the full-detail tier only.
	Buckets map[string]int `json:"buckets,omitempty"`

	// Unenriched lists visible nodes still lacking enriched data, so the
	// renderer can fall back to the minimal representation. Full-detail
	// tier only.
	Unenriched []string `json:"unenriched,omitempty"`

	// Anchors is the aggregate render set. Aggregate tier only.
	Anchors []graph.Anchor `json:"aggregation_anchors,omitempty"`
}
