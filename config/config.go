// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the arbor engine.
//
// Configuration is YAML with defaults for every field; an absent file is
// not an error, an invalid one is. Validation is strict and fails fast at
// startup. A bad cell size or an empty bucket ladder must never reach the
// evaluation loop.
//
// Thread Safety:
//
//	A loaded Config is treated as immutable; share it freely.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings ("150ms")
// as well as integer nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MaxYAMLFileSize is the maximum allowed config file size (1MB).
const MaxYAMLFileSize = 1024 * 1024

// Sentinel errors for configuration loading.
var (
	// ErrFileTooLarge is returned for config files above MaxYAMLFileSize.
	ErrFileTooLarge = errors.New("config file exceeds size limit")

	// ErrLadderNotAscending is returned when the bucket ladder is not
	// strictly ascending.
	ErrLadderNotAscending = errors.New("bucket ladder must be strictly ascending")

	// ErrTierOrder is returned when the label boundary is not below the
	// full-detail boundary.
	ErrTierOrder = errors.New("label tier boundary must be below full tier boundary")
)

// SpatialConfig tunes the uniform grid and the preload margin.
type SpatialConfig struct {
	// CellSize is the grid cell edge in world units.
	CellSize float64 `yaml:"cell_size" validate:"gt=0"`

	// MarginPxX and MarginPxY are the preload margins in screen pixels,
	// divided by the current scale at query time. They are per-axis on
	// purpose: the layout generator owns the coordinate convention, and a
	// layout that swaps axes skews node density across the preload band.
	// Retune these whenever the upstream layout changes convention, and
	// keep the worst-case overflow near one enrichment batch; an
	// oversized margin turns the first enrichment pass into one huge
	// stale batch.
	MarginPxX float64 `yaml:"margin_px_x" validate:"gte=0"`
	MarginPxY float64 `yaml:"margin_px_y" validate:"gte=0"`
}

// TierConfig tunes tier resolution.
type TierConfig struct {
	// FullMinPx is the minimum on-screen node size for full detail.
	FullMinPx float64 `yaml:"full_min_px" validate:"gt=0"`

	// LabelMinPx is the minimum on-screen node size for label-only.
	LabelMinPx float64 `yaml:"label_min_px" validate:"gt=0"`

	// NodeBaseSizePx is the on-screen node size at scale 1.0.
	NodeBaseSizePx float64 `yaml:"node_base_size_px" validate:"gt=0"`

	// QuantStep is the relative scale quantization step.
	QuantStep float64 `yaml:"quant_step" validate:"gt=0,lt=1"`

	// HysteresisBand is the relative band around tier boundaries.
	HysteresisBand float64 `yaml:"hysteresis_band" validate:"gte=0,lt=1"`
}

// BucketConfig tunes resource bucket selection and fetching.
type BucketConfig struct {
	// Ladder is the ascending resource resolution ladder.
	Ladder []int `yaml:"ladder" validate:"min=1,dive,gt=0"`

	// DevicePixelRatio converts logical to device pixels.
	DevicePixelRatio float64 `yaml:"device_pixel_ratio" validate:"gt=0"`

	// Headroom inflates the required size before ladder lookup.
	Headroom float64 `yaml:"headroom" validate:"gte=1"`

	// HysteresisBand is the relative re-selection band.
	HysteresisBand float64 `yaml:"hysteresis_band" validate:"gte=0,lt=1"`

	// UpgradeDebounce is the settle window before an upgrade applies.
	UpgradeDebounce Duration `yaml:"upgrade_debounce" validate:"gt=0"`

	// MaxConcurrentFetches caps simultaneous resource fetches.
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches" validate:"gt=0"`

	// FetchQueueDepth bounds the FIFO fetch queue.
	FetchQueueDepth int `yaml:"fetch_queue_depth" validate:"gt=0"`
}

// EnrichConfig tunes the enrichment scheduler.
type EnrichConfig struct {
	// Debounce is the settle window after the last viewport change.
	Debounce Duration `yaml:"debounce" validate:"gt=0"`

	// BatchSize bounds one enrichment batch.
	BatchSize int `yaml:"batch_size" validate:"gt=0"`

	// MaxAttempts bounds attempts per batch.
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0"`

	// RetryBackoff is the base backoff between attempts.
	RetryBackoff Duration `yaml:"retry_backoff" validate:"gt=0"`

	// BatchesPerSecond paces sequential batch issue. 0 disables pacing.
	BatchesPerSecond float64 `yaml:"batches_per_second" validate:"gte=0"`
}

// CapsConfig holds the hard render caps.
type CapsConfig struct {
	// MaxVisibleNodes caps nodes per rendered frame.
	MaxVisibleNodes int `yaml:"max_visible_nodes" validate:"gt=0"`

	// MaxVisibleEdges caps edges per rendered frame, independently.
	MaxVisibleEdges int `yaml:"max_visible_edges" validate:"gt=0"`
}

// AggregationConfig tunes the anchor precompute.
type AggregationConfig struct {
	// TopK is the number of depth-1 subtrees promoted per root.
	TopK int `yaml:"top_k" validate:"gt=0"`
}

// ServerConfig tunes the demo host server.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" validate:"required"`

	// StorePath is the BadgerDB directory for the enrichment store.
	// Empty selects in-memory mode.
	StorePath string `yaml:"store_path"`

	// DatasetPath is the dataset file served at startup, watched for
	// changes. Optional.
	DatasetPath string `yaml:"dataset_path"`
}

// Config is the full arbor configuration surface.
type Config struct {
	Spatial     SpatialConfig     `yaml:"spatial"`
	Tier        TierConfig        `yaml:"tier"`
	Bucket      BucketConfig      `yaml:"bucket"`
	Enrich      EnrichConfig      `yaml:"enrich"`
	Caps        CapsConfig        `yaml:"caps"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Server      ServerConfig      `yaml:"server"`
}

// Default returns the reference tuning for every component.
func Default() *Config {
	return &Config{
		Spatial: SpatialConfig{
			CellSize:  512,
			MarginPxX: 256,
			MarginPxY: 256,
		},
		Tier: TierConfig{
			FullMinPx:      48,
			LabelMinPx:     24,
			NodeBaseSizePx: 96,
			QuantStep:      0.05,
			HysteresisBand: 0.15,
		},
		Bucket: BucketConfig{
			Ladder:               []int{64, 128, 256, 512},
			DevicePixelRatio:     1.0,
			Headroom:             1.25,
			HysteresisBand:       0.15,
			UpgradeDebounce:      Duration(150 * time.Millisecond),
			MaxConcurrentFetches: 6,
			FetchQueueDepth:      256,
		},
		Enrich: EnrichConfig{
			Debounce:         Duration(200 * time.Millisecond),
			BatchSize:        100,
			MaxAttempts:      2,
			RetryBackoff:     Duration(250 * time.Millisecond),
			BatchesPerSecond: 8,
		},
		Caps: CapsConfig{
			MaxVisibleNodes: 350,
			MaxVisibleEdges: 300,
		},
		Aggregation: AggregationConfig{
			TopK: 2,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads and validates a config file.
//
// Description:
//
//	Starts from Default() and overlays the YAML file, so a partial file
//	only overrides what it names. A missing file returns the defaults
//	unchanged. Every failure mode here is a startup error; nothing is
//	deferred to the evaluation loop.
//
// Inputs:
//   - path: Config file path. May be empty for pure defaults.
//
// Outputs:
//   - *Config: Validated configuration.
//   - error: Parse or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every tunable, failing fast on the first violation.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	for i := 1; i < len(c.Bucket.Ladder); i++ {
		if c.Bucket.Ladder[i] <= c.Bucket.Ladder[i-1] {
			return fmt.Errorf("%w: %v", ErrLadderNotAscending, c.Bucket.Ladder)
		}
	}
	if c.Tier.LabelMinPx >= c.Tier.FullMinPx {
		return fmt.Errorf("%w: label=%v full=%v",
			ErrTierOrder, c.Tier.LabelMinPx, c.Tier.FullMinPx)
	}
	return nil
}
