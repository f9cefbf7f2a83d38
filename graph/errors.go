// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the structural index over a loaded node set.
//
// The graph package builds, once per dataset load, every structural lookup
// the rest of the engine needs: the id-to-node map, the parent-to-children
// multimap, per-node depth and subtree size, and the precomputed aggregation
// anchors used at the farthest zoom tier. All of it is produced by a single
// O(N) build pass.
//
// # Ownership Model
//
// Build copies the caller's node and edge slices into internal storage:
//   - The caller may reuse or mutate its slices after Build returns
//   - Nodes returned by lookup methods MUST NOT be mutated
//
// # Thread Safety
//
// An Index is immutable after Build returns and is safe for concurrent
// reads from any number of goroutines. A new layout generation requires a
// full rebuild; there is no incremental update path.
//
// # Lifecycle
//
// A typical index lifecycle:
//  1. Load or generate a node set
//  2. Build with Build(nodes, edges, opts)
//  3. Query with Node(), Children(), Roots(), Anchors()
//  4. Discard wholesale on the next dataset load
package graph

import "errors"

// Sentinel errors for index construction.
var (
	// ErrEmptyDataset is returned when Build is called with no nodes.
	ErrEmptyDataset = errors.New("dataset contains no nodes")

	// ErrDuplicateNode is returned when two nodes share the same ID.
	ErrDuplicateNode = errors.New("duplicate node ID")

	// ErrInvalidTopK is returned when the anchor top-K option is negative.
	ErrInvalidTopK = errors.New("anchor top-K must be non-negative")
)
