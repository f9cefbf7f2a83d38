// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package spatial provides the uniform-grid index over node positions.
//
// The grid answers "which node IDs intersect this world rectangle" in time
// proportional to the cells touched and the result size, independent of the
// total node count. It is rebuilt only on a new layout generation, never per
// frame.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/arbor/graph"
)

// DefaultCellSize is the reference grid cell edge in world units, sized so
// a typical viewport spans a small bounded number of cells.
const DefaultCellSize = 512.0

// ErrInvalidCellSize is returned for a non-positive cell size. This is a
// configuration error and fails fast at construction.
var ErrInvalidCellSize = errors.New("cell size must be positive")

// Rect is an axis-aligned rectangle in world coordinates.
type Rect struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// Contains reports whether p lies inside the rectangle (inclusive).
func (r Rect) Contains(p graph.Point) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// Center returns the rectangle's center point.
func (r Rect) Center() graph.Point {
	return graph.Point{X: (r.MinX + r.MaxX) / 2, Y: (r.MinY + r.MaxY) / 2}
}

// Margin is a per-axis expansion of a query rectangle, in world units.
//
// The two axes are deliberately independent: the upstream layout generator
// owns the coordinate convention, and a layout that swaps or stretches axes
// changes node density across the preload band. Retune the margin whenever
// the layout changes its convention.
type Margin struct {
	X float64
	Y float64
}

// cellKey identifies one grid bucket.
type cellKey struct {
	cx int
	cy int
}

// Grid is a uniform spatial hash over node positions.
//
// Description:
//
//	Each node ID is bucketed by floor(pos/cellSize) on both axes. A query
//	expands its rectangle by the margin, enumerates covered cells and
//	unions their buckets. Query cost depends only on local density, not on
//	the total node count.
//
// Thread Safety:
//
//	Immutable after Build. Safe for concurrent reads.
type Grid struct {
	cellSize float64
	cells    map[cellKey][]string
	count    int
}

// Build constructs a Grid over every node in the index.
//
// Inputs:
//   - idx: The structural index holding node positions.
//   - cellSize: Cell edge in world units. Must be > 0.
//
// Outputs:
//   - *Grid: The immutable grid.
//   - error: ErrInvalidCellSize.
//
// Performance: O(N) time, O(N) space.
func Build(idx *graph.Index, cellSize float64) (*Grid, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCellSize, cellSize)
	}
	g := &Grid{
		cellSize: cellSize,
		cells:    make(map[cellKey][]string),
	}
	idx.EachNode(func(n *graph.Node) {
		key := g.keyFor(n.Pos)
		g.cells[key] = append(g.cells[key], n.ID)
		g.count++
	})
	return g, nil
}

func (g *Grid) keyFor(p graph.Point) cellKey {
	return cellKey{
		cx: int(math.Floor(p.X / g.cellSize)),
		cy: int(math.Floor(p.Y / g.cellSize)),
	}
}

// CellSize returns the configured cell edge in world units.
func (g *Grid) CellSize() float64 { return g.cellSize }

// Len returns the number of indexed nodes.
func (g *Grid) Len() int { return g.count }

// Query returns the IDs of all nodes inside rect expanded by margin.
//
// Description:
//
//	Expands rect by the per-axis margin, walks the covered cells and
//	collects every bucketed ID whose position actually falls inside the
//	expanded rectangle. Allocation is bounded by the result size plus the
//	cells touched.
//
//	An oversized margin silently defeats culling: the result set balloons
//	past the render cap and the caller pays for truncation instead. Size
//	the margin so the worst-case overflow stays near one enrichment batch
//	(see config.SpatialConfig).
//
// Inputs:
//   - idx: The index used to resolve positions for the exact bounds check.
//   - rect: Query rectangle in world coordinates.
//   - margin: Per-axis preload expansion, already scale-adjusted.
//
// Outputs:
//   - []string: Matching node IDs in unspecified order.
//
// Performance: O(cells touched + results).
func (g *Grid) Query(idx *graph.Index, rect Rect, margin Margin) []string {
	expanded := Rect{
		MinX: rect.MinX - margin.X,
		MinY: rect.MinY - margin.Y,
		MaxX: rect.MaxX + margin.X,
		MaxY: rect.MaxY + margin.Y,
	}

	minCX := int(math.Floor(expanded.MinX / g.cellSize))
	maxCX := int(math.Floor(expanded.MaxX / g.cellSize))
	minCY := int(math.Floor(expanded.MinY / g.cellSize))
	maxCY := int(math.Floor(expanded.MaxY / g.cellSize))

	var out []string
	for cx := minCX; cx <= maxCX; cx++ {
		for cy := minCY; cy <= maxCY; cy++ {
			ids, ok := g.cells[cellKey{cx: cx, cy: cy}]
			if !ok {
				continue
			}
			for _, id := range ids {
				n := idx.Node(id)
				if n != nil && expanded.Contains(n.Pos) {
					out = append(out, id)
				}
			}
		}
	}
	return out
}
