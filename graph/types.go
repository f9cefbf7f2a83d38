// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

// Default configuration values.
const (
	// DefaultAnchorTopK is the default number of depth-1 subtrees promoted
	// to aggregation anchors per root.
	DefaultAnchorTopK = 2
)

// Point is a position in world coordinates.
//
// World coordinates are assigned by the external layout step and are
// immutable for a given layout generation. Note that the layout generator
// owns the coordinate convention; see config.SpatialConfig for the margin
// coupling.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistSq returns the squared euclidean distance to other.
//
// Squared distance is used everywhere ordering is all that matters, to
// avoid the sqrt on hot paths.
func (p Point) DistSq(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return dx*dx + dy*dy
}

// Node is one entity in the loaded forest.
//
// A Node is the minimal structural record: identity, parentage and layout
// position. Display data beyond this record arrives later through
// enrichment and lives in the engine's mutable node state, not here.
// Depth, SubtreeSize and HasChildren are computed by Build and are zero
// on input.
type Node struct {
	// ID is the opaque unique key for this node.
	ID string `json:"id"`

	// ParentID references the parent node. Empty for roots.
	ParentID string `json:"parent_id,omitempty"`

	// Pos is the world-coordinate position from the layout step.
	Pos Point `json:"pos"`

	// Label is the short display name available before enrichment.
	Label string `json:"label,omitempty"`

	// Depth is the distance from the owning root. 0 for roots.
	// Computed by Build.
	Depth int `json:"depth"`

	// SubtreeSize is the count of descendants plus self.
	// Computed by Build.
	SubtreeSize int `json:"subtree_size"`

	// HasChildren reports whether any node names this one as parent.
	// Computed by Build.
	HasChildren bool `json:"has_children"`
}

// Edge is a rendered connection between two nodes.
//
// Edges are optional input: when the caller passes none, Build derives one
// edge per parent link. Either way an edge is only ever rendered when both
// endpoints are in the visible set.
type Edge struct {
	// ID uniquely identifies the edge. Derived edges use "parent->child".
	ID string `json:"id"`

	// FromID is the source node ID.
	FromID string `json:"from_id"`

	// ToID is the target node ID.
	ToID string `json:"to_id"`
}

// Anchor is a precomputed aggregate representative for a whole subtree.
//
// Anchors are what the engine renders at the farthest zoom tier: the forest
// root(s) plus, per root, the top-K depth-1 subtrees by subtree size. The
// display position is the subtree centroid, not the node's own coordinate,
// so the marker represents the mass of the subtree.
type Anchor struct {
	// NodeID is the node this anchor stands for.
	NodeID string `json:"node_id"`

	// RootID is the owning root. Equal to NodeID for root anchors.
	RootID string `json:"root_id"`

	// Centroid is the mean position of every node in the subtree.
	Centroid Point `json:"centroid"`

	// SubtreeSize is the size of the represented subtree.
	SubtreeSize int `json:"subtree_size"`

	// IsRoot reports whether this anchor represents a forest root.
	IsRoot bool `json:"is_root"`
}

// BuildOptions configures Build.
type BuildOptions struct {
	// AnchorTopK is the number of depth-1 subtrees promoted to anchors per
	// root, ranked by subtree size descending. Default: DefaultAnchorTopK.
	AnchorTopK int

	// Generation tags the index with the dataset generation that produced
	// it. Async results carrying an older generation are discarded by the
	// engine.
	Generation uint64
}
