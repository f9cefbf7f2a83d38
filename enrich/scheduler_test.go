// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/arbor/graph"
)

// recordingFetch captures every batch it is asked for.
type recordingFetch struct {
	mu      sync.Mutex
	batches [][]string
	fail    int // fail this many calls before succeeding
}

func (r *recordingFetch) fetch(ctx context.Context, ids []string) ([]Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return nil, errors.New("store unavailable")
	}
	r.batches = append(r.batches, append([]string(nil), ids...))
	out := make([]Payload, len(ids))
	for i, id := range ids {
		out[i] = Payload{NodeID: id, Data: []byte(`{}`)}
	}
	return out, nil
}

func (r *recordingFetch) calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func startScheduler(t *testing.T, cfg Config, fetch FetchFunc) (*Scheduler, chan Completion) {
	t.Helper()
	completions := make(chan Completion, 16)
	s := NewScheduler(cfg, fetch, completions)
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return s, completions
}

func snap(seq uint64, center graph.Point, ids ...string) Snapshot {
	s := Snapshot{Sequence: seq, Center: center}
	for i, id := range ids {
		s.Candidates = append(s.Candidates, Candidate{
			ID:  id,
			Pos: graph.Point{X: float64(i * 10)},
		})
	}
	return s
}

func TestSchedulerDebounceCoalesces(t *testing.T) {
	rec := &recordingFetch{}
	s, completions := startScheduler(t, Config{Debounce: 30 * time.Millisecond}, rec.fetch)

	// Two offers of the same visible set inside the debounce window
	// must produce exactly one batch.
	s.Offer(snap(1, graph.Point{}, "a", "b"))
	s.Offer(snap(2, graph.Point{}, "a", "b"))

	select {
	case c := <-completions:
		assert.Equal(t, uint64(2), c.Sequence)
		assert.Len(t, c.Payloads, 2)
	case <-time.After(time.Second):
		t.Fatal("no completion arrived")
	}

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, rec.calls(), 1, "coalesced offers must issue one batch")
}

func TestSchedulerDedupAcrossIssues(t *testing.T) {
	rec := &recordingFetch{}
	s, completions := startScheduler(t, Config{Debounce: 10 * time.Millisecond}, rec.fetch)

	s.Offer(snap(1, graph.Point{}, "a", "b"))
	<-completions

	// Same set again after the window: everything is already requested,
	// so nothing new is issued.
	s.Offer(snap(2, graph.Point{}, "a", "b"))
	select {
	case <-completions:
		t.Fatal("duplicate batch issued for already-requested nodes")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Len(t, rec.calls(), 1)
}

func TestSchedulerPrioritizesByDistance(t *testing.T) {
	rec := &recordingFetch{}
	s, completions := startScheduler(t, Config{Debounce: 10 * time.Millisecond, BatchSize: 2}, rec.fetch)

	s.Offer(Snapshot{
		Sequence: 1,
		Center:   graph.Point{X: 0, Y: 0},
		Candidates: []Candidate{
			{ID: "far", Pos: graph.Point{X: 1000}},
			{ID: "near", Pos: graph.Point{X: 10}},
			{ID: "mid", Pos: graph.Point{X: 100}},
		},
	})

	<-completions
	<-completions

	calls := rec.calls()
	require.Len(t, calls, 2, "3 candidates at batch size 2 means 2 sequential batches")
	assert.Equal(t, []string{"near", "mid"}, calls[0])
	assert.Equal(t, []string{"far"}, calls[1])
}

func TestSchedulerRetriesThenReleases(t *testing.T) {
	rec := &recordingFetch{fail: 2} // both attempts of the first issue fail
	s, completions := startScheduler(t, Config{
		Debounce:     10 * time.Millisecond,
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
	}, rec.fetch)

	s.Offer(snap(1, graph.Point{}, "a"))
	select {
	case <-completions:
		t.Fatal("failed batch must not complete")
	case <-time.After(100 * time.Millisecond):
	}

	// The failed node was released and may be requested again.
	s.Offer(snap(2, graph.Point{}, "a"))
	select {
	case c := <-completions:
		assert.Equal(t, []Payload{{NodeID: "a", Data: []byte(`{}`)}}, c.Payloads)
	case <-time.After(time.Second):
		t.Fatal("released node was never re-requested")
	}
}

func TestSchedulerLatestSequence(t *testing.T) {
	rec := &recordingFetch{}
	s, _ := startScheduler(t, Config{Debounce: 10 * time.Millisecond}, rec.fetch)

	s.Offer(snap(7, graph.Point{}))
	assert.Equal(t, uint64(7), s.LatestSequence())
	s.Offer(snap(9, graph.Point{}))
	assert.Equal(t, uint64(9), s.LatestSequence())
}

func TestSchedulerGenerationGate(t *testing.T) {
	rec := &recordingFetch{}
	s, completions := startScheduler(t, Config{Debounce: 10 * time.Millisecond}, rec.fetch)

	s.Reset(3)

	// A snapshot from a superseded generation is dropped entirely.
	old := snap(1, graph.Point{}, "a")
	old.Generation = 2
	s.Offer(old)
	select {
	case <-completions:
		t.Fatal("stale-generation snapshot must not issue")
	case <-time.After(100 * time.Millisecond):
	}

	// The current generation flows through.
	cur := snap(2, graph.Point{}, "a")
	cur.Generation = 3
	s.Offer(cur)
	select {
	case c := <-completions:
		assert.Equal(t, uint64(3), c.Generation)
	case <-time.After(time.Second):
		t.Fatal("current-generation snapshot was dropped")
	}
}

func TestSchedulerLatestWinsUnderBurst(t *testing.T) {
	rec := &recordingFetch{}
	s, completions := startScheduler(t, Config{Debounce: 20 * time.Millisecond}, rec.fetch)

	// A fling: many snapshots faster than the debounce window.
	for i := 1; i <= 50; i++ {
		s.Offer(snap(uint64(i), graph.Point{}, fmt.Sprintf("n%02d", i)))
	}

	select {
	case c := <-completions:
		// Only the last surviving snapshot is issued.
		assert.Equal(t, uint64(50), c.Sequence)
		require.Len(t, c.Payloads, 1)
		assert.Equal(t, "n50", c.Payloads[0].NodeID)
	case <-time.After(time.Second):
		t.Fatal("no completion after burst settled")
	}

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, rec.calls(), 1)
}
