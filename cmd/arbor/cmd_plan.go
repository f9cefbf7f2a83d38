// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/arbor/config"
	"github.com/AleutianAI/arbor/dataset"
	"github.com/AleutianAI/arbor/engine"
	"github.com/AleutianAI/arbor/graph"
)

var (
	planDataset string
	planScale   float64
	planTx      float64
	planTy      float64
	planWidth   float64
	planHeight  float64

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Evaluate one viewport against a dataset file and print the plan",
		Long: `Loads a dataset file, evaluates a single viewport and prints the
resulting render plan as JSON. Useful for tuning tier boundaries and
caps without running the server.`,
		RunE: runPlan,
	}
)

func init() {
	planCmd.Flags().StringVar(&planDataset, "dataset", "forest.json", "dataset file path")
	planCmd.Flags().Float64Var(&planScale, "scale", 1.0, "viewport scale")
	planCmd.Flags().Float64Var(&planTx, "tx", 0, "viewport x translation (screen px)")
	planCmd.Flags().Float64Var(&planTy, "ty", 0, "viewport y translation (screen px)")
	planCmd.Flags().Float64Var(&planWidth, "width", 1920, "viewport width (px)")
	planCmd.Flags().Float64Var(&planHeight, "height", 1080, "viewport height (px)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ds, err := dataset.Load(planDataset)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	nodes, _ := ds.Split()

	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(cmd.Context()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	if _, err := eng.LoadDataset(cmd.Context(), nodes, nil); err != nil {
		return fmt.Errorf("index dataset: %w", err)
	}

	plan, err := eng.Evaluate(engine.Viewport{
		Translate: graph.Point{X: planTx, Y: planTy},
		Scale:     planScale,
		Size:      engine.Size{Width: planWidth, Height: planHeight},
	})
	if err != nil {
		return fmt.Errorf("evaluate viewport: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
