// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset loads, generates and watches tree graph dataset files.
//
// A dataset file is one JSON document holding every node with its layout
// position plus an optional enrichment payload. The loader splits it into
// the minimal node set the engine indexes and the payload set the
// enrichment store serves on demand; the two never travel together past
// this package.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/AleutianAI/arbor/enrich"
	"github.com/AleutianAI/arbor/graph"
)

// MaxFileSize bounds dataset files (256MB). A 10k node dataset with rich
// payloads sits well under this.
const MaxFileSize = 256 << 20

// Sentinel errors for dataset loading.
var (
	// ErrNoNodes is returned for a dataset without nodes.
	ErrNoNodes = errors.New("dataset has no nodes")

	// ErrFileTooLarge is returned for files above MaxFileSize.
	ErrFileTooLarge = errors.New("dataset file exceeds size limit")
)

// NodeRecord is one node in the dataset file.
type NodeRecord struct {
	ID       string          `json:"id"`
	ParentID string          `json:"parent_id,omitempty"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Label    string          `json:"label,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Dataset is the on-disk document.
type Dataset struct {
	Nodes []NodeRecord `json:"nodes"`
}

// Split separates the dataset into the minimal node set and the
// enrichment payloads. Nodes without a payload contribute only a node.
func (d *Dataset) Split() ([]graph.Node, []enrich.Payload) {
	nodes := make([]graph.Node, len(d.Nodes))
	var payloads []enrich.Payload
	for i, r := range d.Nodes {
		nodes[i] = graph.Node{
			ID:       r.ID,
			ParentID: r.ParentID,
			Pos:      graph.Point{X: r.X, Y: r.Y},
			Label:    r.Label,
		}
		if len(r.Payload) > 0 {
			payloads = append(payloads, enrich.Payload{NodeID: r.ID, Data: r.Payload})
		}
	}
	return nodes, payloads
}

// Load reads and parses a dataset file.
//
// Inputs:
//   - path: Dataset file path.
//
// Outputs:
//   - *Dataset: The parsed dataset.
//   - error: Read, size or parse failure, or ErrNoNodes.
func Load(path string) (*Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat dataset: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	if len(ds.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	return &ds, nil
}

// Write serializes a dataset to a file, replacing any existing one.
func Write(path string, ds *Dataset) error {
	raw, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	return nil
}
