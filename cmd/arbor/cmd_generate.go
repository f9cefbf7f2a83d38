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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/arbor/dataset"
)

var (
	genOut          string
	genRoots        int
	genNodesPerRoot int
	genFanout       int
	genSeed         int64

	generateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic forest dataset file",
		RunE:  runGenerate,
	}
)

func init() {
	def := dataset.DefaultGenerateOptions()
	generateCmd.Flags().StringVar(&genOut, "out", "forest.json", "output dataset path")
	generateCmd.Flags().IntVar(&genRoots, "roots", def.Roots, "number of trees")
	generateCmd.Flags().IntVar(&genNodesPerRoot, "nodes-per-root", def.NodesPerRoot, "nodes per tree")
	generateCmd.Flags().IntVar(&genFanout, "fanout", def.Fanout, "maximum children per node")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 0, "generation seed (0 picks one)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ds := dataset.Generate(dataset.GenerateOptions{
		Roots:        genRoots,
		NodesPerRoot: genNodesPerRoot,
		Fanout:       genFanout,
		Seed:         genSeed,
	})
	if err := dataset.Write(genOut, ds); err != nil {
		return fmt.Errorf("write dataset: %w", err)
	}
	slog.Info("dataset generated",
		slog.String("path", genOut),
		slog.Int("nodes", len(ds.Nodes)))
	return nil
}
