// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// GenerateOptions tunes synthetic dataset generation.
type GenerateOptions struct {
	// Roots is the number of independent trees.
	Roots int

	// NodesPerRoot is the approximate node count per tree.
	NodesPerRoot int

	// Fanout is the maximum children per node.
	Fanout int

	// Spread is the horizontal world-unit spacing between siblings.
	Spread float64

	// LayerGap is the vertical world-unit spacing between depths.
	LayerGap float64

	// Seed makes generation reproducible. 0 derives a random seed.
	Seed int64
}

// DefaultGenerateOptions returns a 10k-node three-tree benchmark layout.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Roots:        3,
		NodesPerRoot: 3400,
		Fanout:       4,
		Spread:       160,
		LayerGap:     240,
	}
}

// Generate builds a synthetic forest dataset.
//
// Description:
//
//	Grows each tree breadth-first with a random fanout per node, lays
//	depths out as horizontal layers and spaces trees far enough apart
//	that aggregate-tier anchors never overlap. Every node gets a UUID,
//	a human-readable label and a small enrichment payload, so the
//	output exercises the full load-index-enrich path.
//
// Inputs:
//   - opts: Generation tuning. Zero fields fall back to defaults.
//
// Outputs:
//   - *Dataset: The generated dataset.
func Generate(opts GenerateOptions) *Dataset {
	def := DefaultGenerateOptions()
	if opts.Roots <= 0 {
		opts.Roots = def.Roots
	}
	if opts.NodesPerRoot <= 0 {
		opts.NodesPerRoot = def.NodesPerRoot
	}
	if opts.Fanout <= 0 {
		opts.Fanout = def.Fanout
	}
	if opts.Spread <= 0 {
		opts.Spread = def.Spread
	}
	if opts.LayerGap <= 0 {
		opts.LayerGap = def.LayerGap
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Int63()
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	ds := &Dataset{}
	treeWidth := float64(opts.NodesPerRoot) / 8 * opts.Spread
	for r := 0; r < opts.Roots; r++ {
		originX := float64(r) * treeWidth * 1.5
		growTree(ds, rng, opts, r, originX)
	}
	return ds
}

// growTree appends one breadth-first tree to the dataset.
func growTree(ds *Dataset, rng *rand.Rand, opts GenerateOptions, treeIdx int, originX float64) {
	type slot struct {
		id    string
		depth int
	}

	rootID := uuid.NewString()
	ds.Nodes = append(ds.Nodes, record(rootID, "", originX, 0,
		fmt.Sprintf("Tree %d", treeIdx+1), treeIdx, 0))

	frontier := []slot{{id: rootID, depth: 0}}
	count := 1
	perLayer := map[int]int{}

	for count < opts.NodesPerRoot && len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]

		children := 1 + rng.Intn(opts.Fanout)
		for c := 0; c < children && count < opts.NodesPerRoot; c++ {
			depth := parent.depth + 1
			id := uuid.NewString()
			x := originX + float64(perLayer[depth])*opts.Spread
			y := float64(depth) * opts.LayerGap
			perLayer[depth]++

			ds.Nodes = append(ds.Nodes, record(id, parent.id, x, y,
				fmt.Sprintf("T%d D%d #%d", treeIdx+1, depth, perLayer[depth]), treeIdx, depth))
			frontier = append(frontier, slot{id: id, depth: depth})
			count++
		}
	}
}

// record builds one NodeRecord with a small synthetic payload.
func record(id, parentID string, x, y float64, label string, tree, depth int) NodeRecord {
	payload := fmt.Sprintf(`{"title":%q,"tree":%d,"depth":%d,"portrait":"https://img.example/%s"}`,
		label, tree+1, depth, id)
	return NodeRecord{
		ID:       id,
		ParentID: parentID,
		X:        x,
		Y:        y,
		Label:    label,
		Payload:  []byte(payload),
	}
}
