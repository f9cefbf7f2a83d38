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

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned when enqueueing after Close.
var ErrPoolClosed = errors.New("fetch pool is closed")

// ResourceFetchFunc is the host-supplied resource fetch. The engine never
// knows the transport; the host owns caching and decoding.
type ResourceFetchFunc func(ctx context.Context, nodeID string, bucket int) error

// fetchJob is one queued resource fetch.
type fetchJob struct {
	nodeID string
	bucket int
}

// FetchPool runs resource fetches with a hard system-wide concurrency cap.
//
// Description:
//
//	Jobs enter a FIFO queue; a single dispatcher goroutine acquires a
//	semaphore slot per job and launches the fetch. At most MaxConcurrent
//	fetches run at once, everything else waits in arrival order. A
//	node/bucket pair already queued or running is never enqueued twice.
//
//	Failed fetches retry a bounded number of times with backoff, then the
//	node is simply left without the resource; the renderer keeps showing
//	whatever it had.
//
// Thread Safety: All methods are safe for concurrent use.
type FetchPool struct {
	fetch         ResourceFetchFunc
	sem           *semaphore.Weighted
	queue         chan fetchJob
	maxAttempts   int
	retryBackoff  time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[string]int // nodeID -> bucket
	closed   bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// FetchPoolConfig configures a FetchPool.
type FetchPoolConfig struct {
	// MaxConcurrent caps simultaneous fetches. Default: 6.
	MaxConcurrent int

	// QueueDepth bounds the FIFO queue. Jobs beyond it are dropped with a
	// warning; the next evaluation re-enqueues anything still needed.
	// Default: 256.
	QueueDepth int

	// MaxAttempts bounds retries per job. Default: 2.
	MaxAttempts int

	// RetryBackoff is the base backoff between attempts. Default: 200ms.
	RetryBackoff time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewFetchPool creates a pool and starts its dispatcher.
//
// Inputs:
//   - cfg: Pool configuration; zero fields take defaults.
//   - fetch: The host fetch callback. Must not be nil.
//
// Outputs:
//   - *FetchPool: Running pool. Call Close when done.
func NewFetchPool(cfg FetchPoolConfig, fetch ResourceFetchFunc) *FetchPool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentFetches
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &FetchPool{
		fetch:        fetch,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queue:        make(chan fetchJob, cfg.QueueDepth),
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
		inflight:     make(map[string]int),
		cancel:       cancel,
	}
	p.wg.Add(1)
	go p.dispatch(ctx)
	return p
}

// Enqueue schedules a fetch for one node at one bucket.
//
// Duplicate node/bucket pairs and queue overflow are both absorbed
// silently apart from logging; the caller re-enqueues on the next
// evaluation if the need persists.
func (p *FetchPool) Enqueue(nodeID string, bucket int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if b, ok := p.inflight[nodeID]; ok && b == bucket {
		p.mu.Unlock()
		return nil
	}
	p.inflight[nodeID] = bucket
	p.mu.Unlock()

	select {
	case p.queue <- fetchJob{nodeID: nodeID, bucket: bucket}:
		return nil
	default:
		p.clearInflight(nodeID)
		p.logger.Warn("resource fetch queue full, job dropped",
			slog.String("node", nodeID),
			slog.Int("bucket", bucket))
		return nil
	}
}

func (p *FetchPool) clearInflight(nodeID string) {
	p.mu.Lock()
	delete(p.inflight, nodeID)
	p.mu.Unlock()
}

// dispatch pulls jobs FIFO and launches them under the semaphore.
func (p *FetchPool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.queue:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			p.wg.Add(1)
			go func(job fetchJob) {
				defer p.wg.Done()
				defer p.sem.Release(1)
				defer p.clearInflight(job.nodeID)
				p.run(ctx, job)
			}(job)
		}
	}
}

// run executes one job with bounded retry.
func (p *FetchPool) run(ctx context.Context, job fetchJob) {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = p.fetch(ctx, job.nodeID, job.bucket); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < p.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryBackoff * time.Duration(attempt)):
			}
		}
	}
	p.logger.Warn("resource fetch failed, node left unresourced",
		slog.String("node", job.nodeID),
		slog.Int("bucket", job.bucket),
		slog.String("error", err.Error()))
}

// Close stops the dispatcher and waits for running fetches to finish.
func (p *FetchPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
