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

import "time"

// Default bucket tuning values.
const (
	// DefaultHeadroom is the multiplier applied to the on-screen size
	// before picking a ladder entry, so a node keeps a sharp image while
	// it grows toward the next bucket.
	DefaultHeadroom = 1.25

	// DefaultUpgradeDebounce is how long a pending bucket upgrade must
	// survive without regression before it is applied.
	DefaultUpgradeDebounce = 150 * time.Millisecond

	// DefaultMaxConcurrentFetches caps system-wide concurrent resource
	// fetches; additional requests queue FIFO.
	DefaultMaxConcurrentFetches = 6
)

// DefaultLadder is the reference resource resolution ladder in
// pixel-equivalents.
func DefaultLadder() []int { return []int{64, 128, 256, 512} }

// BucketConfig holds the resource bucket selection tuning.
type BucketConfig struct {
	// Ladder is the ascending list of available resource resolutions.
	Ladder []int

	// DevicePixelRatio scales on-screen logical pixels to device pixels.
	DevicePixelRatio float64

	// Headroom inflates the required size before ladder lookup.
	Headroom float64

	// HysteresisBand is the relative band the required size must travel
	// past a ladder boundary before a re-selection is accepted.
	HysteresisBand float64

	// UpgradeDebounce is the settle window for upgrades. Downgrades are
	// never debounced.
	UpgradeDebounce time.Duration
}

// DefaultBucketConfig returns the reference tuning.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		Ladder:           DefaultLadder(),
		DevicePixelRatio: 1.0,
		Headroom:         DefaultHeadroom,
		HysteresisBand:   DefaultHysteresisBand,
		UpgradeDebounce:  DefaultUpgradeDebounce,
	}
}

// BucketState is the per-node mutable bucket state.
//
// Downgrades apply immediately; upgrades arm a deadline and only apply
// once the debounce window elapses without the required size regressing.
// The zero value means "no bucket selected yet".
type BucketState struct {
	// Current is the active ladder value, 0 before the first selection.
	Current int

	// pendingTarget is the armed upgrade target, 0 when disarmed.
	pendingTarget int

	// pendingDeadline is when the armed upgrade may apply.
	pendingDeadline time.Time
}

// Pending returns the armed upgrade target, or 0.
func (s *BucketState) Pending() int { return s.pendingTarget }

// ladderFor returns the smallest ladder entry >= need, or the largest
// entry when need exceeds the ladder.
func (c BucketConfig) ladderFor(need float64) int {
	for _, b := range c.Ladder {
		if float64(b) >= need {
			return b
		}
	}
	return c.Ladder[len(c.Ladder)-1]
}

// Select chooses the resource bucket for one TierFull node.
//
// Description:
//
//	Computes the required device-pixel size from the on-screen size, the
//	device pixel ratio and the headroom factor, then picks the smallest
//	ladder entry that covers it. Hysteresis keeps the current bucket
//	unless the requirement has moved a full band past the decision
//	boundary, so continuous pinch jitter never re-selects.
//
//	The upgrade/downgrade asymmetry: a downgrade is visually safe and
//	frees memory, so it applies immediately and cancels any armed
//	upgrade. An upgrade arms a deadline UpgradeDebounce in the future;
//	if the requirement regresses before the deadline the upgrade is
//	cancelled, otherwise a later Select call at or past the deadline
//	applies it.
//
// Inputs:
//   - onScreenPx: The node's current on-screen size in logical pixels.
//   - now: The evaluation timestamp (injected for testability).
//   - state: Mutable per-node state, updated in place. Must not be nil.
//
// Outputs:
//   - bucket: The active bucket after this evaluation.
//   - changed: True when the active bucket changed, i.e. a fetch at the
//     new resolution should be scheduled.
//
// Thread Safety: Pure apart from the state argument; callers own state.
func (c BucketConfig) Select(onScreenPx float64, now time.Time, state *BucketState) (bucket int, changed bool) {
	if len(c.Ladder) == 0 {
		return state.Current, false
	}
	need := onScreenPx * c.DevicePixelRatio * c.Headroom
	ideal := c.ladderFor(need)

	// First selection applies immediately.
	if state.Current == 0 {
		state.Current = ideal
		state.pendingTarget = 0
		return ideal, true
	}

	switch {
	case ideal == state.Current:
		state.pendingTarget = 0

	case ideal < state.Current:
		// Downgrade. Hysteresis: only accept once the inflated need
		// still selects below the current bucket.
		if c.ladderFor(need*(1+c.HysteresisBand)) < state.Current {
			state.Current = ideal
			state.pendingTarget = 0
			return ideal, true
		}
		state.pendingTarget = 0

	default:
		// Upgrade. Hysteresis first, then debounce.
		if c.ladderFor(need*(1-c.HysteresisBand)) <= state.Current {
			state.pendingTarget = 0
			break
		}
		if state.pendingTarget != ideal {
			state.pendingTarget = ideal
			state.pendingDeadline = now.Add(c.UpgradeDebounce)
			break
		}
		if !now.Before(state.pendingDeadline) {
			state.Current = ideal
			state.pendingTarget = 0
			return ideal, true
		}
	}
	return state.Current, false
}
