package qc

import (
	"fmt"
	"time"
)

// StageStats accumulates what one stage did over every tile of a file.
type StageStats struct {
	Stage    string
	Excluded int
	Elapsed  time.Duration
}

// Pipeline runs the intrinsic-flag stage followed by the enabled optional stages
// over one keep mask per tile. Disabled filters are not part of the pipeline at all.
// A Pipeline belongs to a single file and must not be shared between goroutines.
type Pipeline struct {
	stages   []Stage
	stats    []StageStats
	sentinel float64
	scratch  []float32
}

// NewPipeline builds the stages for one raw file from cfg and the file's metadata.
// An enabled uncertainty filter requires the uncertainty valid_range.
func NewPipeline(cfg Config, meta Metadata) (*Pipeline, error) {
	stages := []Stage{NewIntrinsicFlags(meta.FlagValues)}
	if cfg.UncertaintyEnabled() {
		if !meta.HasUncertaintyRange {
			return nil, MissingAttributeError("NDVI_unc", "valid_range")
		}
		stages = append(stages, NewUncertainty(cfg.UncertaintyThreshold(), meta.UncertaintyMax))
	}
	if cfg.NOBSEnabled() {
		stages = append(stages, ObservationCount{Min: cfg.NOBSThreshold()})
	}
	if mask := cfg.RejectMask(); mask != 0 {
		stages = append(stages, Bitmask{RejectMask: mask})
	}
	return newPipeline(stages, meta.Sentinel()), nil
}

func newPipeline(stages []Stage, sentinel float64) *Pipeline {
	stats := make([]StageStats, len(stages))
	for i, s := range stages {
		stats[i].Stage = s.Name()
	}
	return &Pipeline{stages: stages, stats: stats, sentinel: sentinel}
}

// Stages returns the stages in execution order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

func (p *Pipeline) Sentinel() float64 { return p.sentinel }

// Reordered returns a fresh pipeline whose optional stages run in the given order.
// The intrinsic-flag stage stays first; every optional stage must be named exactly once.
func (p *Pipeline) Reordered(names ...string) (*Pipeline, error) {
	optional := make(map[string]Stage, len(p.stages))
	var first Stage
	for _, s := range p.stages {
		if s.Name() == StageIntrinsicFlags {
			first = s
			continue
		}
		optional[s.Name()] = s
	}
	if len(names) != len(optional) {
		return nil, fmt.Errorf("reorder: got %d stages, pipeline has %d optional stages", len(names), len(optional))
	}
	stages := []Stage{first}
	for _, name := range names {
		s, ok := optional[name]
		if !ok {
			return nil, fmt.Errorf("reorder: unknown or repeated stage %q", name)
		}
		delete(optional, name)
		stages = append(stages, s)
	}
	return newPipeline(stages, p.sentinel), nil
}

// Apply computes the keep mask of t.
func (p *Pipeline) Apply(t *Tile) Mask {
	keep := NewMask(t.Len())
	for i, s := range p.stages {
		start := time.Now()
		p.stats[i].Excluded += s.Exclude(t, keep)
		p.stats[i].Elapsed += time.Since(start)
	}
	return keep
}

// Filter returns the masked float32 index of t and its keep mask. The returned slice is
// reused by the next call.
func (p *Pipeline) Filter(t *Tile) ([]float32, Mask) {
	keep := p.Apply(t)
	p.scratch = keep.Apply(t.Index, p.sentinel, p.scratch)
	return p.scratch, keep
}

// Stats returns per-stage totals accumulated so far.
func (p *Pipeline) Stats() []StageStats {
	out := make([]StageStats, len(p.stats))
	copy(out, p.stats)
	return out
}
