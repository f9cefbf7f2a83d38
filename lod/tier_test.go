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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierResolve(t *testing.T) {
	cfg := DefaultTierConfig()

	// With NodeBaseSizePx=96, nominal boundaries sit at scale 0.5
	// (48px, full/label) and 0.25 (24px, label/aggregate).
	t.Run("first resolution uses nominal boundaries", func(t *testing.T) {
		cases := []struct {
			name  string
			scale float64
			want  Tier
		}{
			{"deep zoom in", 2.0, TierFull},
			{"exactly full boundary", 0.5, TierFull},
			{"label range", 0.35, TierLabel},
			{"far zoom out", 0.05, TierAggregate},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				var st TierState
				assert.Equal(t, tc.want, cfg.Resolve(tc.scale, &st))
				assert.Equal(t, tc.want, st.Current)
			})
		}
	})

	t.Run("oscillation inside the band never flaps", func(t *testing.T) {
		var st TierState
		cfg.Resolve(1.0, &st)
		assert.Equal(t, TierFull, st.Current)

		// Alternate between 105% and 98% of the nominal 0.5 boundary.
		// Both sit inside the +-15% band, so the tier must hold.
		for i := 0; i < 20; i++ {
			assert.Equal(t, TierFull, cfg.Resolve(0.525, &st))
			assert.Equal(t, TierFull, cfg.Resolve(0.49, &st))
		}
	})

	t.Run("crossing the widened boundary transitions", func(t *testing.T) {
		var st TierState
		cfg.Resolve(1.0, &st)

		// 0.5 * (1-0.15) = 0.425; go comfortably below it.
		assert.Equal(t, TierLabel, cfg.Resolve(0.40, &st))

		// Hysteresis now guards the way back: 0.5*(1+0.15) = 0.575.
		assert.Equal(t, TierLabel, cfg.Resolve(0.55, &st))
		assert.Equal(t, TierFull, cfg.Resolve(0.60, &st))
	})

	t.Run("large delta may skip a tier", func(t *testing.T) {
		var st TierState
		cfg.Resolve(2.0, &st)
		assert.Equal(t, TierFull, st.Current)

		// Programmatic zoom-to-fit: one evaluation, full to aggregate.
		assert.Equal(t, TierAggregate, cfg.Resolve(0.05, &st))

		// And back up in one jump.
		assert.Equal(t, TierFull, cfg.Resolve(2.0, &st))
	})

	t.Run("identical quantized scale short-circuits", func(t *testing.T) {
		var st TierState
		cfg.Resolve(1.0, &st)
		q := st.LastQuantized

		// A sub-step wiggle quantizes to the same value.
		cfg.Resolve(1.001, &st)
		assert.Equal(t, q, st.LastQuantized)
		assert.Equal(t, TierFull, st.Current)
	})
}

func TestQuantize(t *testing.T) {
	cfg := DefaultTierConfig()

	t.Run("snaps nearby scales together", func(t *testing.T) {
		assert.Equal(t, cfg.Quantize(1.0), cfg.Quantize(1.01))
	})

	t.Run("separates scales a full step apart", func(t *testing.T) {
		assert.NotEqual(t, cfg.Quantize(1.0), cfg.Quantize(1.06))
	})

	t.Run("relative step holds across the zoom range", func(t *testing.T) {
		assert.Equal(t, cfg.Quantize(0.1), cfg.Quantize(0.101))
		assert.NotEqual(t, cfg.Quantize(0.1), cfg.Quantize(0.11))
	})

	t.Run("non-positive scale quantizes to zero", func(t *testing.T) {
		assert.Equal(t, 0.0, cfg.Quantize(0))
		assert.Equal(t, 0.0, cfg.Quantize(-1))
	})
}
