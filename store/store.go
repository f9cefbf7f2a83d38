// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists enrichment payloads in embedded BadgerDB.
//
// The engine only ever sees the minimal node set; the rich display data
// lives here and is pulled in viewport-scoped batches through the
// enrichment scheduler. BadgerDB gives low-latency local reads without an
// external database, and the in-memory mode keeps tests hermetic.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/arbor/enrich"
)

// payloadPrefix namespaces enrichment keys inside the shared database.
const payloadPrefix = "enrich/"

// batchGetShards bounds parallel read transactions in BatchGet.
const batchGetShards = 4

// Config holds configuration for the enrichment store.
type Config struct {
	// Path is the directory for BadgerDB files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC. Ignored in in-memory mode.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and periodic
// value log GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a hermetic configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed enrichment payload store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
}

// Open opens the store with the given configuration.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, creating the
//	directory if needed, or in memory when InMemory is set. Starts the
//	value log GC loop when GCInterval is positive.
//
// Inputs:
//   - cfg: Store configuration. Path required unless InMemory.
//
// Outputs:
//   - *Store: The opened store. Caller must Close.
//   - error: ErrPathRequired or an open failure.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrPathRequired
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops the GC loop and closes the database. Safe to call twice.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gcStop != nil {
			close(s.gcStop)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

// Put stores one node's enrichment payload, overwriting any previous one.
func (s *Store) Put(ctx context.Context, nodeID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(nodeID), data)
	})
}

// Seed bulk-loads payloads through a write batch, for dataset ingestion.
func (s *Store) Seed(ctx context.Context, payloads []enrich.Payload) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, p := range payloads {
		if err := wb.Set(key(p.NodeID), p.Data); err != nil {
			return fmt.Errorf("seed %s: %w", p.NodeID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush seed batch: %w", err)
	}
	return nil
}

// Get returns one node's payload, or ErrNotFound.
func (s *Store) Get(ctx context.Context, nodeID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(nodeID))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", nodeID, err)
	}
	return out, nil
}

// BatchGet fetches payloads for a batch of node IDs.
//
// Description:
//
//	The store-backed enrich.FetchFunc. Reads are sharded across a small
//	number of parallel read transactions; nodes without stored payloads
//	are silently omitted, so they simply stay unenriched on the engine
//	side rather than failing the whole batch.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - nodeIDs: Batch of node IDs, typically <= the scheduler batch size.
//
// Outputs:
//   - []enrich.Payload: Found payloads, in input order.
//   - error: First read failure, if any.
func (s *Store) BatchGet(ctx context.Context, nodeIDs []string) ([]enrich.Payload, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	results := make([]enrich.Payload, len(nodeIDs))
	found := make([]bool, len(nodeIDs))

	g, ctx := errgroup.WithContext(ctx)
	shard := (len(nodeIDs) + batchGetShards - 1) / batchGetShards
	for start := 0; start < len(nodeIDs); start += shard {
		start := start
		end := min(start+shard, len(nodeIDs))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.db.View(func(txn *badger.Txn) error {
				for i := start; i < end; i++ {
					item, err := txn.Get(key(nodeIDs[i]))
					if err == badger.ErrKeyNotFound {
						continue
					}
					if err != nil {
						return fmt.Errorf("get %s: %w", nodeIDs[i], err)
					}
					data, err := item.ValueCopy(nil)
					if err != nil {
						return fmt.Errorf("read %s: %w", nodeIDs[i], err)
					}
					results[i] = enrich.Payload{NodeID: nodeIDs[i], Data: data}
					found[i] = true
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]enrich.Payload, 0, len(nodeIDs))
	for i, ok := range found {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, nil
}

// gcLoop runs periodic value log garbage collection until Close.
func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing to collect, not a failure.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && err != badger.ErrNoRewrite {
				s.logger.Warn("badger value log GC error",
					slog.String("error", err.Error()))
			}
		}
	}
}

func key(nodeID string) []byte {
	return []byte(payloadPrefix + nodeID)
}
