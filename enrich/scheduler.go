// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enrich schedules viewport-scoped progressive data enrichment.
//
// The scheduler sits between the evaluation loop and the host's remote
// store. Evaluations offer it snapshots of the currently visible but
// unenriched nodes; it debounces rapid viewport changes, prioritizes by
// distance to the viewport center, batches, dedupes, paces and retries,
// and delivers completions on a channel the engine drains from its single
// writer loop. Fetches are never hard-cancelled; superseded responses are
// detected by sequence comparison on arrival.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/arbor/graph"
)

// Default scheduler tuning values.
const (
	// DefaultDebounce is how long after the last viewport change the
	// scheduler waits before issuing, letting flings settle first.
	DefaultDebounce = 200 * time.Millisecond

	// DefaultBatchSize bounds one fetch batch.
	DefaultBatchSize = 100

	// DefaultMaxAttempts bounds attempts per batch.
	DefaultMaxAttempts = 2

	// DefaultRetryBackoff is the base backoff between attempts.
	DefaultRetryBackoff = 250 * time.Millisecond

	// DefaultBatchesPerSecond paces sequential batch issue.
	DefaultBatchesPerSecond = 8
)

// Prometheus metrics for enrichment scheduling.
var (
	batchesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_enrichment_batches_total",
		Help: "Total enrichment batches issued",
	})
	batchSizes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arbor_enrichment_batch_size",
		Help:    "Node count per enrichment batch",
		Buckets: []float64{1, 10, 25, 50, 100, 150, 250},
	})
	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbor_enrichment_batch_failures_total",
		Help: "Enrichment batches that exhausted their retries",
	})
)

// Payload is one node's enriched display data, opaque to the engine.
type Payload struct {
	NodeID string          `json:"node_id"`
	Data   json.RawMessage `json:"data"`
}

// FetchFunc is the host-supplied enrichment fetch. The scheduler never
// knows the transport; the host typically backs this with a paged query
// against its persistence layer.
type FetchFunc func(ctx context.Context, nodeIDs []string) ([]Payload, error)

// Candidate is one visible, unenriched node.
type Candidate struct {
	ID  string
	Pos graph.Point
}

// Snapshot is one evaluation's enrichment input.
type Snapshot struct {
	// Generation is the dataset generation the snapshot was taken from.
	Generation uint64

	// Sequence is the evaluation sequence number, monotonically
	// increasing. Staleness is resolved by comparing sequences, never
	// wall-clock time.
	Sequence uint64

	// Center is the viewport center in world coordinates.
	Center graph.Point

	// Candidates are the visible unenriched nodes.
	Candidates []Candidate
}

// Completion is one finished batch, delivered to the engine's apply loop.
type Completion struct {
	Generation uint64
	Sequence   uint64
	Payloads   []Payload
}

// Config holds the scheduler tuning.
type Config struct {
	// Debounce is the settle window after the last offered snapshot.
	Debounce time.Duration

	// BatchSize bounds one batch. Batches are issued sequentially.
	BatchSize int

	// MaxAttempts bounds fetch attempts per batch.
	MaxAttempts int

	// RetryBackoff is the base backoff, doubled per attempt.
	RetryBackoff time.Duration

	// BatchesPerSecond paces batch issue. <=0 means unpaced.
	BatchesPerSecond float64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Scheduler turns visibility snapshots into deduplicated fetch batches.
//
// Description:
//
//	Offer replaces any pending snapshot (latest wins) and re-arms the
//	debounce timer. When the timer fires, the surviving snapshot's
//	candidates are deduplicated against everything already requested,
//	sorted by distance to the viewport center, chunked and fetched
//	sequentially. Completions go out on the completions channel; the
//	single writer on the other end owns all node-state mutation.
//
// Thread Safety:
//
//	Offer, LatestSequence, Reset and Close are safe for concurrent use.
//	The fetch callback runs on the scheduler goroutine only.
type Scheduler struct {
	cfg         Config
	fetch       FetchFunc
	completions chan<- Completion
	snapshots   chan Snapshot
	limiter     *rate.Limiter

	latestSeq atomic.Uint64

	mu         sync.Mutex
	requested  map[string]struct{}
	generation uint64

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
}

// NewScheduler creates a scheduler. Call Start to run it.
func NewScheduler(cfg Config, fetch FetchFunc, completions chan<- Completion) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		fetch:       fetch,
		completions: completions,
		snapshots:   make(chan Snapshot, 1),
		requested:   make(map[string]struct{}),
	}
	if cfg.BatchesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), 1)
	}
	return s
}

// Start launches the scheduler loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Close stops the loop and waits for it.
func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Offer hands the scheduler the latest visibility snapshot.
//
// Non-blocking: an undelivered older snapshot is discarded. Offering
// re-arms the debounce window, so a stream of rapid viewport changes
// collapses into one issue cycle after the stream settles.
func (s *Scheduler) Offer(snap Snapshot) {
	s.latestSeq.Store(snap.Sequence)
	for {
		select {
		case s.snapshots <- snap:
			return
		default:
			select {
			case <-s.snapshots:
			default:
			}
		}
	}
}

// LatestSequence returns the newest offered sequence number.
//
// A completion with an older sequence is stale: its payloads still merge
// into the node store (data is never wasted) but it must not force a
// re-render on its own.
func (s *Scheduler) LatestSequence() uint64 { return s.latestSeq.Load() }

// Reset clears the requested set for a new dataset generation.
func (s *Scheduler) Reset(generation uint64) {
	s.mu.Lock()
	s.requested = make(map[string]struct{})
	s.generation = generation
	s.mu.Unlock()
}

// loop is the scheduler goroutine: debounce, then issue.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	var pending *Snapshot

	for {
		select {
		case <-ctx.Done():
			return

		case snap := <-s.snapshots:
			pending = &snap
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.cfg.Debounce)
			armed = true

		case <-timer.C:
			armed = false
			if pending == nil {
				continue
			}
			snap := *pending
			pending = nil
			s.issue(ctx, snap)
		}
	}
}

// issue fetches one snapshot's candidates in sequential bounded batches.
func (s *Scheduler) issue(ctx context.Context, snap Snapshot) {
	candidates := s.claim(snap)
	if len(candidates) == 0 {
		return
	}

	// Nearest to the viewport center first; the user is most likely
	// looking there. ID tiebreak keeps the order deterministic.
	sort.Slice(candidates, func(a, b int) bool {
		da := candidates[a].Pos.DistSq(snap.Center)
		db := candidates[b].Pos.DistSq(snap.Center)
		if da != db {
			return da < db
		}
		return candidates[a].ID < candidates[b].ID
	})

	for start := 0; start < len(candidates); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(candidates))
		batch := candidates[start:end]

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.release(batch)
				return
			}
		}
		if err := s.fetchBatch(ctx, snap, batch); err != nil {
			s.release(batch)
			if ctx.Err() != nil {
				return
			}
			batchFailures.Inc()
			s.cfg.Logger.Warn("enrichment batch failed, nodes stay unenriched",
				slog.Int("size", len(batch)),
				slog.Uint64("sequence", snap.Sequence),
				slog.String("error", err.Error()))
		}
	}
}

// claim filters out already-requested candidates and marks the rest.
//
// At most one in-flight batch ever covers a given node ID; a node is only
// released for re-request when its batch fails.
func (s *Scheduler) claim(snap Snapshot) []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Generation != s.generation {
		return nil
	}
	out := make([]Candidate, 0, len(snap.Candidates))
	for _, c := range snap.Candidates {
		if _, dup := s.requested[c.ID]; dup {
			continue
		}
		s.requested[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// release returns failed candidates to the requestable pool.
func (s *Scheduler) release(batch []Candidate) {
	s.mu.Lock()
	for _, c := range batch {
		delete(s.requested, c.ID)
	}
	s.mu.Unlock()
}

// fetchBatch runs one batch with bounded retry and delivers the completion.
func (s *Scheduler) fetchBatch(ctx context.Context, snap Snapshot, batch []Candidate) error {
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}

	var payloads []Payload
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		payloads, err = s.fetch(ctx, ids)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < s.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(s.cfg.RetryBackoff << (attempt - 1)):
			}
		}
	}
	if err != nil {
		return fmt.Errorf("enrichment fetch: %w", err)
	}

	batchesIssued.Inc()
	batchSizes.Observe(float64(len(ids)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.completions <- Completion{
		Generation: snap.Generation,
		Sequence:   snap.Sequence,
		Payloads:   payloads,
	}:
	}
	return nil
}
