// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lod

import "github.com/AleutianAI/arbor/graph"

// SelectAnchors returns the fixed render set for TierAggregate.
//
// The anchor set was precomputed during the index build: the forest roots
// plus, per root, the top-K depth-1 subtrees by size, each positioned at
// its subtree centroid. At aggregate zoom, spatial culling is meaningless
// (everything fits the screen), so the same anchors are returned for every
// viewport in O(K), independent of node count and pan position.
func SelectAnchors(idx *graph.Index) []graph.Anchor {
	if idx == nil {
		return nil
	}
	return idx.Anchors()
}
