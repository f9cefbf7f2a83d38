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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/arbor/config"
	"github.com/AleutianAI/arbor/enrich"
	"github.com/AleutianAI/arbor/graph"
	"github.com/AleutianAI/arbor/lod"
)

// balancedForest builds roots*perRoot nodes: each root has fanout
// children, each child has (perRoot-1-fanout)/fanout grandchildren.
// Positions spread roots far apart with children clustered near them.
func balancedForest(roots, fanout, perRoot int) []graph.Node {
	var nodes []graph.Node
	for r := 0; r < roots; r++ {
		rootID := fmt.Sprintf("root%d", r)
		rx := float64(r) * 100000
		nodes = append(nodes, graph.Node{ID: rootID, Pos: graph.Point{X: rx, Y: 0}})
		remaining := perRoot - 1
		grandPer := remaining/fanout - 1
		for c := 0; c < fanout; c++ {
			childID := fmt.Sprintf("%s-c%d", rootID, c)
			cx := rx + float64(c+1)*200
			nodes = append(nodes, graph.Node{ID: childID, ParentID: rootID, Pos: graph.Point{X: cx, Y: 200}})
			for g := 0; g < grandPer; g++ {
				nodes = append(nodes, graph.Node{
					ID:       fmt.Sprintf("%s-g%d", childID, g),
					ParentID: childID,
					Pos:      graph.Point{X: cx + float64(g%50)*40, Y: 400 + float64(g/50)*40},
				})
			}
		}
	}
	return nodes
}

// denseCluster builds n nodes in a tight grid around the origin, chained
// parent-to-child so every consecutive pair has an edge.
func denseCluster(n int) []graph.Node {
	nodes := make([]graph.Node, n)
	for i := 0; i < n; i++ {
		nodes[i] = graph.Node{
			ID:  fmt.Sprintf("n%04d", i),
			Pos: graph.Point{X: float64(i%20) * 10, Y: float64(i/20) * 10},
		}
		if i > 0 {
			nodes[i].ParentID = fmt.Sprintf("n%04d", i-1)
		}
	}
	return nodes
}

func fastConfig() *config.Config {
	cfg := config.Default()
	cfg.Enrich.Debounce = config.Duration(20 * time.Millisecond)
	cfg.Enrich.BatchesPerSecond = 0
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e
}

// fullView returns a viewport at the given scale centered on the origin.
func fullView(scale float64) Viewport {
	return Viewport{
		Translate: graph.Point{X: 400, Y: 400},
		Scale:     scale,
		Size:      Size{Width: 800, Height: 800},
	}
}

func TestEngineLifecycle(t *testing.T) {
	t.Run("evaluate before start fails", func(t *testing.T) {
		e, err := New(nil)
		require.NoError(t, err)
		_, err = e.Evaluate(fullView(1))
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("evaluate before load fails", func(t *testing.T) {
		e := startEngine(t, fastConfig())
		_, err := e.Evaluate(fullView(1))
		assert.ErrorIs(t, err, ErrNoDataset)
	})

	t.Run("invalid viewport fails", func(t *testing.T) {
		e := startEngine(t, fastConfig())
		_, err := e.LoadDataset(context.Background(), denseCluster(10), nil)
		require.NoError(t, err)

		_, err = e.Evaluate(Viewport{Scale: 0, Size: Size{Width: 1, Height: 1}})
		assert.ErrorIs(t, err, ErrInvalidViewport)
		_, err = e.Evaluate(Viewport{Scale: 1, Size: Size{}})
		assert.ErrorIs(t, err, ErrInvalidViewport)
	})

	t.Run("invalid config is rejected at New", func(t *testing.T) {
		cfg := config.Default()
		cfg.Spatial.CellSize = -1
		_, err := New(cfg)
		assert.Error(t, err)
	})
}

func TestEvaluateCaps(t *testing.T) {
	cfg := fastConfig()
	cfg.Caps.MaxVisibleNodes = 12
	cfg.Caps.MaxVisibleEdges = 7
	e := startEngine(t, cfg)

	_, err := e.LoadDataset(context.Background(), denseCluster(200), nil)
	require.NoError(t, err)

	plan, err := e.Evaluate(fullView(1))
	require.NoError(t, err)

	assert.Equal(t, lod.TierFull, plan.Tier)
	assert.LessOrEqual(t, len(plan.NodeIDs), 12)
	assert.LessOrEqual(t, len(plan.EdgeIDs), 7)

	t.Run("truncation is deterministic", func(t *testing.T) {
		again, err := e.Evaluate(fullView(1))
		require.NoError(t, err)
		assert.Equal(t, plan.NodeIDs, again.NodeIDs)
		assert.Equal(t, plan.EdgeIDs, again.EdgeIDs)
	})

	t.Run("nearest nodes survive truncation", func(t *testing.T) {
		// The viewport center maps to world (0,0) shifted by the
		// translate; nodes are ordered by distance to it, so the first
		// entry must be closer than the last.
		idx := e.Index()
		center := fullView(1).WorldRect().Center()
		first := idx.Node(plan.NodeIDs[0]).Pos.DistSq(center)
		last := idx.Node(plan.NodeIDs[len(plan.NodeIDs)-1]).Pos.DistSq(center)
		assert.LessOrEqual(t, first, last)
	})
}

func TestEvaluateTiers(t *testing.T) {
	e := startEngine(t, fastConfig())
	nodes := balancedForest(3, 2, 3334) // ~10k nodes, 3 roots
	_, err := e.LoadDataset(context.Background(), nodes, nil)
	require.NoError(t, err)

	t.Run("full tier at scale 1", func(t *testing.T) {
		plan, err := e.Evaluate(fullView(1.0))
		require.NoError(t, err)
		assert.Equal(t, lod.TierFull, plan.Tier)
		assert.NotEmpty(t, plan.NodeIDs)
		assert.NotNil(t, plan.Buckets)
		assert.Empty(t, plan.Anchors)
	})

	t.Run("label tier drops buckets", func(t *testing.T) {
		plan, err := e.Evaluate(fullView(0.35))
		require.NoError(t, err)
		assert.Equal(t, lod.TierLabel, plan.Tier)
		assert.Nil(t, plan.Buckets)
	})

	t.Run("aggregate tier shows exactly the anchors", func(t *testing.T) {
		plan, err := e.Evaluate(fullView(0.05))
		require.NoError(t, err)
		assert.Equal(t, lod.TierAggregate, plan.Tier)
		assert.Empty(t, plan.NodeIDs)
		assert.Empty(t, plan.EdgeIDs)
		// 3 roots, top-2 children each: 3*(1+2) = 9 anchors.
		assert.Len(t, plan.Anchors, 9)
	})

	t.Run("anchors are viewport independent", func(t *testing.T) {
		a, err := e.Evaluate(fullView(0.05))
		require.NoError(t, err)
		panned := fullView(0.05)
		panned.Translate.X += 5000
		b, err := e.Evaluate(panned)
		require.NoError(t, err)
		assert.Equal(t, a.Anchors, b.Anchors)
	})
}

func TestEvaluateHysteresisNoFlap(t *testing.T) {
	e := startEngine(t, fastConfig())
	_, err := e.LoadDataset(context.Background(), denseCluster(50), nil)
	require.NoError(t, err)

	// Nominal full/label boundary sits at scale 0.5. Oscillate inside
	// the band; the tier must never change.
	plan, err := e.Evaluate(fullView(1.0))
	require.NoError(t, err)
	require.Equal(t, lod.TierFull, plan.Tier)

	for i := 0; i < 30; i++ {
		scale := 0.525
		if i%2 == 1 {
			scale = 0.49
		}
		plan, err := e.Evaluate(fullView(scale))
		require.NoError(t, err)
		assert.Equal(t, lod.TierFull, plan.Tier, "flapped on iteration %d", i)
	}
}

func TestEnrichmentFlow(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	var invalidations atomic.Int64

	cfg := fastConfig()
	e, err := New(cfg)
	require.NoError(t, err)
	e.OnEnrichmentNeeded(func(ctx context.Context, ids []string) ([]enrich.Payload, error) {
		mu.Lock()
		batches = append(batches, append([]string(nil), ids...))
		mu.Unlock()
		out := make([]enrich.Payload, len(ids))
		for i, id := range ids {
			out[i] = enrich.Payload{NodeID: id, Data: []byte(`{"name":"x"}`)}
		}
		return out, nil
	})
	e.OnInvalidate(func() { invalidations.Add(1) })
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)

	_, err = e.LoadDataset(context.Background(), denseCluster(30), nil)
	require.NoError(t, err)

	plan, err := e.Evaluate(fullView(1.0))
	require.NoError(t, err)
	require.Equal(t, lod.TierFull, plan.Tier)
	assert.Equal(t, plan.NodeIDs, plan.Unenriched, "everything starts unenriched")

	// Second evaluation inside the debounce window must coalesce.
	_, err = e.Evaluate(fullView(1.0))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := e.Enriched(plan.NodeIDs[0])
		return ok
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	issued := len(batches)
	mu.Unlock()
	assert.Equal(t, 1, issued, "coalesced evaluations must issue one batch")

	assert.Eventually(t, func() bool { return invalidations.Load() >= 1 },
		time.Second, 5*time.Millisecond)

	t.Run("enriched nodes leave the unenriched list", func(t *testing.T) {
		plan, err := e.Evaluate(fullView(1.0))
		require.NoError(t, err)
		assert.Empty(t, plan.Unenriched)
	})

	t.Run("dataset reload clears enrichment", func(t *testing.T) {
		_, err := e.LoadDataset(context.Background(), denseCluster(30), nil)
		require.NoError(t, err)
		_, ok := e.Enriched("n0000")
		assert.False(t, ok)
	})
}

func TestStaleCompletionAbsorbedSilently(t *testing.T) {
	proceed := make(chan struct{}, 8)
	var invalidations atomic.Int64

	cfg := fastConfig()
	e, err := New(cfg)
	require.NoError(t, err)
	e.OnEnrichmentNeeded(func(ctx context.Context, ids []string) ([]enrich.Payload, error) {
		<-proceed
		out := make([]enrich.Payload, len(ids))
		for i, id := range ids {
			out[i] = enrich.Payload{NodeID: id, Data: []byte(`{}`)}
		}
		return out, nil
	})
	e.OnInvalidate(func() { invalidations.Add(1) })
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)

	// Two clusters far apart: viewport A sees only cluster A, B only B.
	var nodes []graph.Node
	for i := 0; i < 5; i++ {
		nodes = append(nodes,
			graph.Node{ID: fmt.Sprintf("a%d", i), Pos: graph.Point{X: float64(i) * 10}},
			graph.Node{ID: fmt.Sprintf("b%d", i), Pos: graph.Point{X: 1e7 + float64(i)*10}},
		)
	}
	_, err = e.LoadDataset(context.Background(), nodes, nil)
	require.NoError(t, err)

	viewA := fullView(1.0)
	viewB := fullView(1.0)
	viewB.Translate.X = -1e7 + 400

	// Evaluate A; its batch blocks inside the fetch callback.
	_, err = e.Evaluate(viewA)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond) // debounce fires, fetch parks on proceed

	// Move to B: A's completion is now stale, and A's nodes invisible.
	planB, err := e.Evaluate(viewB)
	require.NoError(t, err)
	for _, id := range planB.NodeIDs {
		assert.Equal(t, byte('b'), id[0])
	}

	// Release A's fetch: merged, but no invalidation.
	proceed <- struct{}{}
	assert.Eventually(t, func() bool {
		_, ok := e.Enriched("a0")
		return ok
	}, time.Second, 5*time.Millisecond, "stale payloads still merge")
	assert.Equal(t, int64(0), invalidations.Load(),
		"stale completion for invisible nodes must not invalidate")

	// Release B's fetch: visible nodes changed, invalidation fires.
	proceed <- struct{}{}
	assert.Eventually(t, func() bool { return invalidations.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestRejectedReloadKeepsEnrichmentAlive(t *testing.T) {
	var invalidations atomic.Int64

	cfg := fastConfig()
	e, err := New(cfg)
	require.NoError(t, err)
	e.OnEnrichmentNeeded(func(ctx context.Context, ids []string) ([]enrich.Payload, error) {
		out := make([]enrich.Payload, len(ids))
		for i, id := range ids {
			out[i] = enrich.Payload{NodeID: id, Data: []byte(`{}`)}
		}
		return out, nil
	})
	e.OnInvalidate(func() { invalidations.Add(1) })
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)

	_, err = e.LoadDataset(context.Background(), denseCluster(10), nil)
	require.NoError(t, err)

	// A rejected reload must not disturb the generation still being
	// served, or the apply loop would drop every later completion.
	dup := []graph.Node{{ID: "x"}, {ID: "x"}}
	_, err = e.LoadDataset(context.Background(), dup, nil)
	require.ErrorIs(t, err, graph.ErrDuplicateNode)
	require.Equal(t, uint64(1), e.Index().Generation())

	plan, err := e.Evaluate(fullView(1.0))
	require.NoError(t, err)
	require.Equal(t, uint64(1), plan.Generation)
	require.NotEmpty(t, plan.Unenriched)

	assert.Eventually(t, func() bool {
		_, ok := e.Enriched(plan.NodeIDs[0])
		return ok
	}, time.Second, 5*time.Millisecond, "enrichment must survive a rejected reload")
	assert.Eventually(t, func() bool { return invalidations.Load() >= 1 },
		time.Second, 5*time.Millisecond)
}

func TestEmptyViewportCancelsPendingEnrichment(t *testing.T) {
	var batches atomic.Int64

	cfg := fastConfig()
	e, err := New(cfg)
	require.NoError(t, err)
	e.OnEnrichmentNeeded(func(ctx context.Context, ids []string) ([]enrich.Payload, error) {
		batches.Add(1)
		out := make([]enrich.Payload, len(ids))
		for i, id := range ids {
			out[i] = enrich.Payload{NodeID: id, Data: []byte(`{}`)}
		}
		return out, nil
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)

	_, err = e.LoadDataset(context.Background(), denseCluster(10), nil)
	require.NoError(t, err)

	// Offer candidates, then pan to an empty region before the debounce
	// expires. Latest wins: the empty evaluation supersedes the pending
	// snapshot, so nothing off-screen gets fetched.
	_, err = e.Evaluate(fullView(1.0))
	require.NoError(t, err)
	empty := fullView(1.0)
	empty.Translate.X = -1e9
	plan, err := e.Evaluate(empty)
	require.NoError(t, err)
	require.Equal(t, lod.TierFull, plan.Tier)
	require.Empty(t, plan.NodeIDs)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(0), batches.Load(),
		"superseded candidates must not be fetched after the viewport left them")

	// Returning to the cluster enriches normally.
	plan, err = e.Evaluate(fullView(1.0))
	require.NoError(t, err)
	require.NotEmpty(t, plan.Unenriched)
	assert.Eventually(t, func() bool {
		_, ok := e.Enriched(plan.NodeIDs[0])
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), batches.Load())
}

func TestBucketsScheduleResourceFetches(t *testing.T) {
	var mu sync.Mutex
	fetched := map[string]int{}

	cfg := fastConfig()
	e, err := New(cfg)
	require.NoError(t, err)
	e.OnResourceFetchNeeded(func(ctx context.Context, nodeID string, bucket int) error {
		mu.Lock()
		fetched[nodeID] = bucket
		mu.Unlock()
		return nil
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)

	_, err = e.LoadDataset(context.Background(), denseCluster(5), nil)
	require.NoError(t, err)

	plan, err := e.Evaluate(fullView(1.0))
	require.NoError(t, err)
	require.Equal(t, lod.TierFull, plan.Tier)

	// scale 1 * base 96 * headroom 1.25 = 120 -> bucket 128.
	for _, id := range plan.NodeIDs {
		assert.Equal(t, 128, plan.Buckets[id])
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fetched) == len(plan.NodeIDs)
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 128, fetched[plan.NodeIDs[0]])
	mu.Unlock()
}

func TestViewportWorldRect(t *testing.T) {
	vp := Viewport{
		Translate: graph.Point{X: 100, Y: -50},
		Scale:     2,
		Size:      Size{Width: 800, Height: 600},
	}
	rect := vp.WorldRect()
	assert.Equal(t, -50.0, rect.MinX)
	assert.Equal(t, 25.0, rect.MinY)
	assert.Equal(t, 350.0, rect.MaxX)
	assert.Equal(t, 325.0, rect.MaxY)
}
