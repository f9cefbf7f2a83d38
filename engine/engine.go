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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/arbor/config"
	"github.com/AleutianAI/arbor/enrich"
	"github.com/AleutianAI/arbor/graph"
	"github.com/AleutianAI/arbor/lod"
	"github.com/AleutianAI/arbor/spatial"
)

// nodeState is the per-node mutable state beside the immutable index:
// enrichment status and the resource bucket state machine. Written only
// by the load path and the apply loop; bucket state is owned by the
// serialized evaluation path.
type nodeState struct {
	enriched bool
	data     json.RawMessage
	bucket   lod.BucketState
}

// Engine is the viewport-driven LOD decision core.
//
// Description:
//
//	Engine owns the node store and the decision pipeline: spatial query,
//	deterministic cap truncation, tier resolution with hysteresis,
//	per-node bucket selection, anchor selection, and enrichment
//	scheduling. It renders nothing and fetches nothing itself; hosts
//	register fetch callbacks and consume RenderPlans.
//
// Thread Safety:
//
//	Evaluate and LoadDataset are safe for concurrent use; evaluations
//	are serialized in arrival order. Callback registration must happen
//	before Start.
type Engine struct {
	cfg       *config.Config
	tierCfg   lod.TierConfig
	bucketCfg lod.BucketConfig
	logger    *slog.Logger

	// evalMu serializes evaluations; tierState and bucket state are only
	// touched under it.
	evalMu    sync.Mutex
	tierState lod.TierState

	// loadMu serializes dataset loads so the candidate generation of one
	// load cannot be observed by another before it commits.
	loadMu sync.Mutex

	// mu guards the swap-on-load fields and the mutable node state.
	mu          sync.RWMutex
	idx         *graph.Index
	grid        *spatial.Grid
	states      map[string]*nodeState
	lastVisible map[string]struct{}

	generation atomic.Uint64
	sequence   atomic.Uint64

	enrichFn   enrich.FetchFunc
	resourceFn lod.ResourceFetchFunc
	invalidate func()

	sched       *enrich.Scheduler
	completions chan enrich.Completion
	pool        *lod.FetchPool

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine from a validated configuration.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg: cfg,
		tierCfg: lod.TierConfig{
			FullMinPx:      cfg.Tier.FullMinPx,
			LabelMinPx:     cfg.Tier.LabelMinPx,
			NodeBaseSizePx: cfg.Tier.NodeBaseSizePx,
			QuantStep:      cfg.Tier.QuantStep,
			HysteresisBand: cfg.Tier.HysteresisBand,
		},
		bucketCfg: lod.BucketConfig{
			Ladder:           cfg.Bucket.Ladder,
			DevicePixelRatio: cfg.Bucket.DevicePixelRatio,
			Headroom:         cfg.Bucket.Headroom,
			HysteresisBand:   cfg.Bucket.HysteresisBand,
			UpgradeDebounce:  cfg.Bucket.UpgradeDebounce.Std(),
		},
		logger:      slog.Default(),
		states:      make(map[string]*nodeState),
		lastVisible: make(map[string]struct{}),
		completions: make(chan enrich.Completion, 16),
	}, nil
}

// OnEnrichmentNeeded registers the host's enrichment fetch. The engine
// never knows the transport. Must be called before Start.
func (e *Engine) OnEnrichmentNeeded(fn enrich.FetchFunc) { e.enrichFn = fn }

// OnResourceFetchNeeded registers the host's resource fetch; the host
// owns caching and decoding. Must be called before Start.
func (e *Engine) OnResourceFetchNeeded(fn lod.ResourceFetchFunc) { e.resourceFn = fn }

// OnInvalidate registers the host's re-render trigger, fired when async
// results change something currently visible.
func (e *Engine) OnInvalidate(fn func()) { e.invalidate = fn }

// Start launches the scheduler, the fetch pool and the apply loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	ctx, e.cancel = context.WithCancel(ctx)

	if e.enrichFn == nil {
		e.enrichFn = func(context.Context, []string) ([]enrich.Payload, error) { return nil, nil }
	}
	e.sched = enrich.NewScheduler(enrich.Config{
		Debounce:         e.cfg.Enrich.Debounce.Std(),
		BatchSize:        e.cfg.Enrich.BatchSize,
		MaxAttempts:      e.cfg.Enrich.MaxAttempts,
		RetryBackoff:     e.cfg.Enrich.RetryBackoff.Std(),
		BatchesPerSecond: e.cfg.Enrich.BatchesPerSecond,
		Logger:           e.logger,
	}, e.enrichFn, e.completions)
	e.sched.Start(ctx)

	if e.resourceFn != nil {
		e.pool = lod.NewFetchPool(lod.FetchPoolConfig{
			MaxConcurrent: e.cfg.Bucket.MaxConcurrentFetches,
			QueueDepth:    e.cfg.Bucket.FetchQueueDepth,
			Logger:        e.logger,
		}, e.resourceFn)
	}

	e.wg.Add(1)
	go e.applyLoop(ctx)
	return nil
}

// Close stops background work and waits for it.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.sched != nil {
		e.sched.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.wg.Wait()
}

// LoadDataset performs a full rebuild for a new dataset or layout
// generation.
//
// Description:
//
//	Builds the structural index and the spatial grid, resets all mutable
//	node state (enrichment flags, bucket states) and bumps the
//	generation counter so in-flight async results from the previous
//	generation are discarded on arrival. This is a whole-dataset event,
//	never a per-frame one.
//
// Inputs:
//   - ctx: Context for build tracing.
//   - nodes: Base node set. See graph.Build for anomaly handling.
//   - edges: Optional explicit edges; nil derives parent edges.
//
// Outputs:
//   - *graph.Index: The freshly built index.
//   - error: Build or grid construction failure.
func (e *Engine) LoadDataset(ctx context.Context, nodes []graph.Node, edges []graph.Edge) (*graph.Index, error) {
	if !e.started.Load() {
		return nil, ErrNotStarted
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	// The candidate generation is published only after a successful
	// build. A rejected dataset must leave the active generation intact,
	// or the apply loop would drop every completion for the index still
	// being served.
	gen := e.generation.Load() + 1

	idx, err := graph.Build(ctx, nodes, edges, graph.BuildOptions{
		AnchorTopK: e.cfg.Aggregation.TopK,
		Generation: gen,
	})
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	grid, err := spatial.Build(idx, e.cfg.Spatial.CellSize)
	if err != nil {
		return nil, fmt.Errorf("build grid: %w", err)
	}

	e.sched.Reset(gen)

	e.mu.Lock()
	e.generation.Store(gen)
	e.idx = idx
	e.grid = grid
	e.states = make(map[string]*nodeState, idx.Len())
	e.lastVisible = make(map[string]struct{})
	e.mu.Unlock()

	e.logger.Info("dataset loaded",
		slog.Uint64("generation", gen),
		slog.Int("nodes", idx.Len()),
		slog.Int("edges", len(idx.Edges())),
		slog.Int("anchors", len(idx.Anchors())))
	return idx, nil
}

// Evaluate computes the render plan for one viewport snapshot.
//
// Description:
//
//	The synchronous decision path: spatial query with the scale-adjusted
//	preload margin, deterministic distance-ordered truncation at the
//	node cap, tier resolution with hysteresis, then per-tier selection.
//	The full-detail tier additionally selects resource buckets and hands
//	the unenriched visible set to the enrichment scheduler. Never blocks
//	on I/O; always completes in bounded time for a bounded viewport.
//
// Inputs:
//   - vp: The viewport snapshot. Scale and size must be positive.
//
// Outputs:
//   - *RenderPlan: The selection for this evaluation.
//   - error: ErrNoDataset, ErrInvalidViewport or ErrNotStarted.
func (e *Engine) Evaluate(vp Viewport) (*RenderPlan, error) {
	if !e.started.Load() {
		return nil, ErrNotStarted
	}
	if vp.Scale <= 0 || vp.Size.Width <= 0 || vp.Size.Height <= 0 {
		return nil, fmt.Errorf("%w: scale=%v size=%vx%v",
			ErrInvalidViewport, vp.Scale, vp.Size.Width, vp.Size.Height)
	}

	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	e.mu.RLock()
	idx, grid := e.idx, e.grid
	e.mu.RUnlock()
	if idx == nil {
		return nil, ErrNoDataset
	}

	start := time.Now()
	seq := e.sequence.Add(1)
	tier := e.tierCfg.Resolve(vp.Scale, &e.tierState)
	plan := &RenderPlan{
		Generation: idx.Generation(),
		Sequence:   seq,
		Tier:       tier,
		NodeIDs:    []string{},
		EdgeIDs:    []string{},
	}

	if tier == lod.TierAggregate {
		plan.Anchors = lod.SelectAnchors(idx)
		e.setLastVisible(nil)
		recordEvaluate(context.Background(), time.Since(start), tier, 0, 0, false)
		return plan, nil
	}

	rect := vp.WorldRect()
	center := rect.Center()
	margin := spatial.Margin{
		X: e.cfg.Spatial.MarginPxX / vp.Scale,
		Y: e.cfg.Spatial.MarginPxY / vp.Scale,
	}
	candidates := grid.Query(idx, rect, margin)

	// Deterministic ordering: squared distance to center, ID tiebreak.
	// The same viewport always yields the same truncation.
	sort.Slice(candidates, func(a, b int) bool {
		da := idx.Node(candidates[a]).Pos.DistSq(center)
		db := idx.Node(candidates[b]).Pos.DistSq(center)
		if da != db {
			return da < db
		}
		return candidates[a] < candidates[b]
	})
	truncated := false
	if len(candidates) > e.cfg.Caps.MaxVisibleNodes {
		candidates = candidates[:e.cfg.Caps.MaxVisibleNodes]
		truncated = true
	}
	plan.NodeIDs = candidates
	plan.EdgeIDs = e.selectEdges(idx, candidates)

	if tier == lod.TierFull {
		e.selectBuckets(vp, idx, plan)
	}
	e.setLastVisible(candidates)

	recordEvaluate(context.Background(), time.Since(start), tier,
		len(plan.NodeIDs), len(plan.EdgeIDs), truncated)
	return plan, nil
}

// selectEdges collects edges with both endpoints visible, in visible-node
// order, deduplicated and truncated at the edge cap.
func (e *Engine) selectEdges(idx *graph.Index, visible []string) []string {
	visSet := make(map[string]struct{}, len(visible))
	for _, id := range visible {
		visSet[id] = struct{}{}
	}
	edges := idx.Edges()
	seen := make(map[int]struct{})
	out := []string{}
	for _, id := range visible {
		for _, ei := range idx.EdgeIndicesFor(id) {
			if _, dup := seen[ei]; dup {
				continue
			}
			edge := edges[ei]
			if _, ok := visSet[edge.FromID]; !ok {
				continue
			}
			if _, ok := visSet[edge.ToID]; !ok {
				continue
			}
			seen[ei] = struct{}{}
			out = append(out, edge.ID)
			if len(out) >= e.cfg.Caps.MaxVisibleEdges {
				return out
			}
		}
	}
	return out
}

// selectBuckets runs bucket selection for every visible full-detail node,
// schedules resource fetches for changed buckets, and offers the
// unenriched remainder to the enrichment scheduler.
func (e *Engine) selectBuckets(vp Viewport, idx *graph.Index, plan *RenderPlan) {
	now := time.Now()
	px := vp.Scale * e.tierCfg.NodeBaseSizePx
	center := vp.WorldRect().Center()

	plan.Buckets = make(map[string]int, len(plan.NodeIDs))
	var needy []enrich.Candidate

	e.mu.Lock()
	for _, id := range plan.NodeIDs {
		st, ok := e.states[id]
		if !ok {
			st = &nodeState{}
			e.states[id] = st
		}
		bucket, changed := e.bucketCfg.Select(px, now, &st.bucket)
		plan.Buckets[id] = bucket
		if changed && e.pool != nil {
			if err := e.pool.Enqueue(id, bucket); err != nil {
				e.logger.Debug("resource enqueue rejected",
					slog.String("node", id),
					slog.String("error", err.Error()))
			}
		}
		if !st.enriched {
			plan.Unenriched = append(plan.Unenriched, id)
			needy = append(needy, enrich.Candidate{ID: id, Pos: idx.Node(id).Pos})
		}
	}
	e.mu.Unlock()

	// Offered even when no candidates remain: every full-tier evaluation
	// re-arms the debounce and advances the latest sequence, so a pending
	// snapshot from an earlier gesture never issues mid-gesture and the
	// staleness check in the apply loop tracks the newest evaluation.
	e.sched.Offer(enrich.Snapshot{
		Generation: idx.Generation(),
		Sequence:   plan.Sequence,
		Center:     center,
		Candidates: needy,
	})
}

// setLastVisible records the visible set for the apply loop's dirty check.
func (e *Engine) setLastVisible(ids []string) {
	e.mu.Lock()
	e.lastVisible = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		e.lastVisible[id] = struct{}{}
	}
	e.mu.Unlock()
}

// Enriched reports whether a node has enriched data, and returns it.
func (e *Engine) Enriched(id string) (json.RawMessage, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[id]
	if !ok || !st.enriched {
		return nil, false
	}
	return st.data, true
}

// Index returns the current structural index, or nil before any load.
func (e *Engine) Index() *graph.Index {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.idx
}

// applyLoop is the single writer for async enrichment results.
//
// Completions from a superseded generation are dropped outright: their
// node IDs may no longer exist. Stale-sequence completions from the
// current generation are merged (data is never wasted) but only trigger
// the host's invalidate hook when they touch something still visible.
func (e *Engine) applyLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.completions:
			if c.Generation != e.generation.Load() {
				e.logger.Debug("enrichment completion from stale generation dropped",
					slog.Uint64("got", c.Generation),
					slog.Uint64("current", e.generation.Load()))
				continue
			}
			stale := c.Sequence < e.sched.LatestSequence()
			touched := e.merge(c)
			recordEnrichApplied(ctx, len(c.Payloads), stale)
			if touched && e.invalidate != nil {
				e.invalidate()
			}
			if stale && !touched {
				e.logger.Debug("stale enrichment absorbed silently",
					slog.Uint64("sequence", c.Sequence),
					slog.Int("payloads", len(c.Payloads)))
			}
		}
	}
}

// merge applies one completion and reports whether it touched anything
// currently visible.
func (e *Engine) merge(c enrich.Completion) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idx == nil {
		return false
	}
	touched := false
	for _, p := range c.Payloads {
		if e.idx.Node(p.NodeID) == nil {
			continue
		}
		st, ok := e.states[p.NodeID]
		if !ok {
			st = &nodeState{}
			e.states[p.NodeID] = st
		}
		st.enriched = true
		st.data = p.Data
		if _, vis := e.lastVisible[p.NodeID]; vis {
			touched = true
		}
	}
	return touched
}
