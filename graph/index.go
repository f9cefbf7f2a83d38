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

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Index is the immutable structural index over one dataset generation.
//
// Description:
//
//	Index answers every structural question the LOD engine asks without
//	touching the raw node slice again: O(1) node lookup, O(1) children
//	lookup, root enumeration, edge adjacency, and the precomputed
//	aggregation anchor set.
//
// Thread Safety:
//
//	Immutable after Build. Safe for concurrent reads.
type Index struct {
	generation uint64

	nodes    map[string]*Node
	children map[string][]string
	roots    []string
	orphans  int

	edges       []Edge
	edgesByNode map[string][]int // node ID -> indices into edges

	anchors []Anchor
}

// Build constructs an Index from a loaded node set.
//
// Description:
//
//	Runs the single O(N) structural pass: id map, children multimap, root
//	detection, BFS depth assignment, reverse-BFS subtree size and centroid
//	accumulation, and anchor selection. A node whose ParentID does not
//	resolve is treated as an additional root; this is a recoverable
//	structural anomaly, logged and counted, never fatal. Reference cycles
//	are broken the same way by promoting the smallest-ID cycle member to a
//	root.
//
// Inputs:
//   - ctx: Context for tracing. Not used for cancellation; Build is a
//     synchronous whole-dataset pass.
//   - nodes: The base node set. Depth/SubtreeSize/HasChildren are ignored
//     on input and recomputed.
//   - edges: Optional explicit edges. When nil, one edge per parent link
//     is derived.
//   - opts: Build options.
//
// Outputs:
//   - *Index: The immutable index.
//   - error: ErrEmptyDataset, ErrDuplicateNode or ErrInvalidTopK.
//
// Performance: O(N + E) time, O(N + E) space.
func Build(ctx context.Context, nodes []Node, edges []Edge, opts BuildOptions) (*Index, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "graph.Build")
	defer span.End()

	if len(nodes) == 0 {
		return nil, ErrEmptyDataset
	}
	if opts.AnchorTopK < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTopK, opts.AnchorTopK)
	}
	topK := opts.AnchorTopK
	if topK == 0 {
		topK = DefaultAnchorTopK
	}

	idx := &Index{
		generation: opts.Generation,
		nodes:      make(map[string]*Node, len(nodes)),
		children:   make(map[string][]string),
	}

	for i := range nodes {
		n := nodes[i] // copy
		if _, exists := idx.nodes[n.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
		}
		n.Depth = 0
		n.SubtreeSize = 0
		n.HasChildren = false
		idx.nodes[n.ID] = &n
	}

	idx.linkParents()
	order := idx.assignDepths()
	idx.accumulateSubtrees(order, topK)
	idx.indexEdges(edges)

	if idx.orphans > 0 {
		slog.Warn("unresolved parent references promoted to roots",
			slog.Int("count", idx.orphans),
			slog.Uint64("generation", idx.generation))
	}

	recordBuild(ctx, time.Since(start), len(idx.nodes), len(idx.edges), idx.orphans)
	span.SetAttributes(
		attribute.Int("graph.nodes", len(idx.nodes)),
		attribute.Int("graph.edges", len(idx.edges)),
		attribute.Int("graph.roots", len(idx.roots)),
		attribute.Int("graph.orphans", idx.orphans),
	)
	return idx, nil
}

// linkParents fills the children multimap and the root list.
//
// A non-empty ParentID that resolves to no known node counts as an orphan
// and the node becomes a root.
func (idx *Index) linkParents() {
	for id, n := range idx.nodes {
		if n.ParentID == "" {
			idx.roots = append(idx.roots, id)
			continue
		}
		parent, ok := idx.nodes[n.ParentID]
		if !ok {
			slog.Debug("parent not found, treating node as root",
				slog.String("node", id),
				slog.String("parent", n.ParentID))
			idx.orphans++
			idx.roots = append(idx.roots, id)
			continue
		}
		parent.HasChildren = true
		idx.children[n.ParentID] = append(idx.children[n.ParentID], id)
	}
	sort.Strings(idx.roots)
	for _, kids := range idx.children {
		sort.Strings(kids)
	}
}

// assignDepths runs BFS from every root and returns the visit order.
//
// Nodes unreachable from any root (parent reference cycles) are promoted
// to roots in deterministic ID order until every node is visited, so the
// returned order always covers the full node set.
func (idx *Index) assignDepths() []string {
	order := make([]string, 0, len(idx.nodes))
	visited := make(map[string]bool, len(idx.nodes))

	bfs := func(root string) {
		queue := []string{root}
		visited[root] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			order = append(order, id)
			n := idx.nodes[id]
			for _, child := range idx.children[id] {
				if visited[child] {
					continue
				}
				visited[child] = true
				idx.nodes[child].Depth = n.Depth + 1
				queue = append(queue, child)
			}
		}
	}

	for _, root := range idx.roots {
		idx.nodes[root].Depth = 0
		bfs(root)
	}

	// Cycle recovery: promote the smallest unvisited ID to a root and
	// keep going until everything is reachable.
	for len(order) < len(idx.nodes) {
		var pick string
		for id := range idx.nodes {
			if !visited[id] && (pick == "" || id < pick) {
				pick = id
			}
		}
		slog.Warn("reference cycle broken, node promoted to root",
			slog.String("node", pick))
		idx.orphans++
		idx.roots = append(idx.roots, pick)
		sort.Strings(idx.roots)
		idx.nodes[pick].Depth = 0
		bfs(pick)
	}
	return order
}

// accumulateSubtrees computes subtree sizes and centroids, then selects
// the anchor set.
//
// Walking the BFS order in reverse guarantees every child is folded into
// its parent exactly once, which makes the post-order accumulation a flat
// loop instead of a recursion.
func (idx *Index) accumulateSubtrees(order []string, topK int) {
	sumX := make(map[string]float64, len(order))
	sumY := make(map[string]float64, len(order))

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		n := idx.nodes[id]
		n.SubtreeSize++
		sumX[id] += n.Pos.X
		sumY[id] += n.Pos.Y
		if n.ParentID == "" {
			continue
		}
		if _, ok := idx.nodes[n.ParentID]; !ok || n.Depth == 0 {
			// Promoted root: accumulate nowhere.
			continue
		}
		pid := n.ParentID
		idx.nodes[pid].SubtreeSize += n.SubtreeSize
		sumX[pid] += sumX[id]
		sumY[pid] += sumY[id]
	}

	centroid := func(id string) Point {
		size := float64(idx.nodes[id].SubtreeSize)
		return Point{X: sumX[id] / size, Y: sumY[id] / size}
	}

	for _, root := range idx.roots {
		idx.anchors = append(idx.anchors, Anchor{
			NodeID:      root,
			RootID:      root,
			Centroid:    centroid(root),
			SubtreeSize: idx.nodes[root].SubtreeSize,
			IsRoot:      true,
		})

		kids := append([]string(nil), idx.children[root]...)
		sort.Slice(kids, func(a, b int) bool {
			sa, sb := idx.nodes[kids[a]].SubtreeSize, idx.nodes[kids[b]].SubtreeSize
			if sa != sb {
				return sa > sb
			}
			return kids[a] < kids[b]
		})
		if len(kids) > topK {
			kids = kids[:topK]
		}
		for _, kid := range kids {
			idx.anchors = append(idx.anchors, Anchor{
				NodeID:      kid,
				RootID:      root,
				Centroid:    centroid(kid),
				SubtreeSize: idx.nodes[kid].SubtreeSize,
			})
		}
	}
}

// indexEdges stores explicit edges, or derives one per parent link when
// none were supplied, and builds the per-node adjacency index.
func (idx *Index) indexEdges(edges []Edge) {
	if edges == nil {
		for id, n := range idx.nodes {
			if n.ParentID == "" || n.Depth == 0 {
				continue
			}
			if _, ok := idx.nodes[n.ParentID]; !ok {
				continue
			}
			idx.edges = append(idx.edges, Edge{
				ID:     n.ParentID + "->" + id,
				FromID: n.ParentID,
				ToID:   id,
			})
		}
	} else {
		for _, e := range edges {
			_, fromOK := idx.nodes[e.FromID]
			_, toOK := idx.nodes[e.ToID]
			if !fromOK || !toOK {
				slog.Debug("edge references unknown node, dropped",
					slog.String("edge", e.ID))
				continue
			}
			idx.edges = append(idx.edges, e)
		}
	}
	sort.Slice(idx.edges, func(a, b int) bool { return idx.edges[a].ID < idx.edges[b].ID })

	idx.edgesByNode = make(map[string][]int)
	for i, e := range idx.edges {
		idx.edgesByNode[e.FromID] = append(idx.edgesByNode[e.FromID], i)
		idx.edgesByNode[e.ToID] = append(idx.edgesByNode[e.ToID], i)
	}
}

// Generation returns the dataset generation this index was built from.
func (idx *Index) Generation() uint64 { return idx.generation }

// Node returns the node with the given ID, or nil.
//
// The returned node must not be mutated.
func (idx *Index) Node(id string) *Node { return idx.nodes[id] }

// Len returns the total node count.
func (idx *Index) Len() int { return len(idx.nodes) }

// Roots returns the root IDs in sorted order, including promoted orphans.
func (idx *Index) Roots() []string { return idx.roots }

// Children returns the sorted child IDs of the given node.
func (idx *Index) Children(id string) []string { return idx.children[id] }

// Orphans returns the count of structural anomalies recovered during Build.
func (idx *Index) Orphans() int { return idx.orphans }

// Anchors returns the precomputed aggregation anchor set.
//
// The set is fixed at build time: the forest roots plus, per root, the
// top-K depth-1 subtrees by size. It never varies with the viewport.
func (idx *Index) Anchors() []Anchor { return idx.anchors }

// Edges returns all indexed edges sorted by ID.
func (idx *Index) Edges() []Edge { return idx.edges }

// EdgeIndicesFor returns indices into Edges() touching the given node.
func (idx *Index) EdgeIndicesFor(id string) []int { return idx.edgesByNode[id] }

// EachNode calls fn for every node. Iteration order is unspecified.
func (idx *Index) EachNode(fn func(n *Node)) {
	for _, n := range idx.nodes {
		fn(n)
	}
}
