// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lod implements the level-of-detail decision machinery: tier
// resolution with hysteresis, per-node resource bucket selection with
// debounced upgrades, the capped resource fetch pool, and the aggregation
// selector for the farthest zoom tier.
//
// All decision functions here are pure functions of their inputs and an
// explicit state object. Nothing in this package performs I/O on the
// evaluation path; only the FetchPool touches the network, and it runs off
// to the side.
package lod

import "math"

// Tier is a discrete rendering detail level.
type Tier int

const (
	// TierFull renders complete nodes with resource loading (>=48px).
	TierFull Tier = 1

	// TierLabel renders minimal label-only nodes, no resources (24-48px).
	TierLabel Tier = 2

	// TierAggregate renders only the precomputed anchors (<24px).
	TierAggregate Tier = 3
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierLabel:
		return "label"
	case TierAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// Default tier tuning values.
const (
	// DefaultTierFullMinPx is the minimum on-screen node size for TierFull.
	DefaultTierFullMinPx = 48.0

	// DefaultTierLabelMinPx is the minimum on-screen node size for TierLabel.
	DefaultTierLabelMinPx = 24.0

	// DefaultNodeBaseSizePx is the on-screen node size at scale 1.0.
	DefaultNodeBaseSizePx = 96.0

	// DefaultQuantStep is the relative scale quantization step (5%).
	DefaultQuantStep = 0.05

	// DefaultHysteresisBand is the relative band around a tier boundary
	// that must be fully crossed before a transition is accepted (15%).
	DefaultHysteresisBand = 0.15
)

// TierConfig holds the tier resolution tuning.
type TierConfig struct {
	// FullMinPx is the TierFull boundary in on-screen pixels.
	FullMinPx float64

	// LabelMinPx is the TierLabel boundary in on-screen pixels.
	LabelMinPx float64

	// NodeBaseSizePx converts scale to on-screen node size:
	// px = scale * NodeBaseSizePx.
	NodeBaseSizePx float64

	// QuantStep is the relative quantization step for the raw scale.
	QuantStep float64

	// HysteresisBand widens the active boundary away from the current
	// tier by this relative fraction.
	HysteresisBand float64
}

// DefaultTierConfig returns the reference tuning.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		FullMinPx:      DefaultTierFullMinPx,
		LabelMinPx:     DefaultTierLabelMinPx,
		NodeBaseSizePx: DefaultNodeBaseSizePx,
		QuantStep:      DefaultQuantStep,
		HysteresisBand: DefaultHysteresisBand,
	}
}

// TierState is the per-session mutable tier state.
//
// It is an explicit value passed into Resolve rather than package state,
// so resolution is deterministic and unit-testable without a render loop.
// The zero value means "no tier yet"; the first Resolve picks the nominal
// tier without hysteresis.
type TierState struct {
	// Current is the active tier, or 0 before the first resolution.
	Current Tier

	// LastQuantized is the quantized scale of the last accepted evaluation.
	LastQuantized float64
}

// Quantize snaps a raw scale onto the geometric quantization ladder.
//
// Quantization is multiplicative: successive steps differ by QuantStep
// relative, which suppresses sub-pixel jitter uniformly across the whole
// zoom range instead of only near scale 1.
func (c TierConfig) Quantize(rawScale float64) float64 {
	if rawScale <= 0 {
		return 0
	}
	step := math.Log(1 + c.QuantStep)
	return math.Exp(math.Round(math.Log(rawScale)/step) * step)
}

// Resolve maps a raw zoom scale to a tier, updating state in place.
//
// Description:
//
//	Quantizes the scale, converts it to an on-screen node size, and
//	compares against the tier boundaries widened by the hysteresis band
//	in the direction away from the current tier. The scale must travel
//	the full band past a boundary before a transition is accepted, so an
//	oscillating pinch gesture near a boundary never flaps tiers.
//
//	Transitions normally step through adjacent tiers, but a large scale
//	delta between evaluations (programmatic zoom-to-fit) may skip a tier
//	in a single call.
//
// Inputs:
//   - rawScale: The viewport scale, > 0.
//   - state: Mutable tier state, updated in place. Must not be nil.
//
// Outputs:
//   - Tier: The resolved tier, also stored in state.Current.
//
// Thread Safety: Pure apart from the state argument; callers own state.
func (c TierConfig) Resolve(rawScale float64, state *TierState) Tier {
	q := c.Quantize(rawScale)
	if state.Current != 0 && q == state.LastQuantized {
		return state.Current
	}
	px := q * c.NodeBaseSizePx
	band := c.HysteresisBand

	next := state.Current
	switch state.Current {
	case TierFull:
		if px < c.LabelMinPx*(1-band) {
			next = TierAggregate
		} else if px < c.FullMinPx*(1-band) {
			next = TierLabel
		}
	case TierLabel:
		if px >= c.FullMinPx*(1+band) {
			next = TierFull
		} else if px < c.LabelMinPx*(1-band) {
			next = TierAggregate
		}
	case TierAggregate:
		if px >= c.FullMinPx*(1+band) {
			next = TierFull
		} else if px >= c.LabelMinPx*(1+band) {
			next = TierLabel
		}
	default:
		// First resolution: nominal boundaries, no hysteresis.
		next = c.nominal(px)
	}

	state.Current = next
	state.LastQuantized = q
	return next
}

// nominal returns the tier for an on-screen size with unwidened boundaries.
func (c TierConfig) nominal(px float64) Tier {
	switch {
	case px >= c.FullMinPx:
		return TierFull
	case px >= c.LabelMinPx:
		return TierLabel
	default:
		return TierAggregate
	}
}
