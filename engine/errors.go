// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine wires the structural index, spatial grid, tier resolver,
// bucket selector and enrichment scheduler into the viewport evaluation
// loop a host renders from.
//
// # Concurrency Model
//
// Evaluations are serialized in arrival order and never block on I/O; the
// synchronous path is spatial query + tier/bucket resolution only. All
// asynchronous work (enrichment, resource fetches) runs beside the loop
// and reports back through channels. Node state has a single writer: the
// dataset load path and the completion apply loop. Evaluations only read
// it, apart from the explicit tier/bucket state objects they own.
//
// # Lifecycle
//
//  1. New(cfg)
//  2. Register callbacks (OnEnrichmentNeeded, OnResourceFetchNeeded,
//     OnInvalidate)
//  3. Start(ctx)
//  4. LoadDataset, then Evaluate per viewport change
//  5. Close
package engine

import "errors"

// Sentinel errors for engine operations.
var (
	// ErrNoDataset is returned by Evaluate before any LoadDataset.
	ErrNoDataset = errors.New("no dataset loaded")

	// ErrInvalidViewport is returned for a non-positive scale or size.
	ErrInvalidViewport = errors.New("invalid viewport")

	// ErrNotStarted is returned when Evaluate or LoadDataset is called
	// before Start.
	ErrNotStarted = errors.New("engine not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)
