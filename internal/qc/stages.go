package qc

import (
	"fmt"
	"math"
	"slices"
)

// Stage narrows a keep mask. Exclude never turns an excluded pixel back into a kept one
// and returns how many pixels it newly excluded.
type Stage interface {
	Name() string
	Exclude(t *Tile, keep Mask) int
}

const (
	StageIntrinsicFlags   = "intrinsic_flags"
	StageUncertainty      = "uncertainty"
	StageObservationCount = "nobs"
	StageBitmask          = "qflag"
)

// IntrinsicFlags excludes pixels whose raw index is a reserved code (Unknown, Snow, Water, Missing)
// or undefined.
type IntrinsicFlags struct {
	codes []float64
}

func NewIntrinsicFlags(codes []float64) IntrinsicFlags {
	return IntrinsicFlags{codes: slices.Clone(codes)}
}

func (IntrinsicFlags) Name() string { return StageIntrinsicFlags }

func (s IntrinsicFlags) Exclude(t *Tile, keep Mask) int {
	n := 0
	for i, v := range t.Index {
		if !keep[i] {
			continue
		}
		if math.IsNaN(v) || slices.Contains(s.codes, v) {
			keep[i] = false
			n++
		}
	}
	return n
}

// Uncertainty excludes pixels whose raw uncertainty reaches the threshold scaled by the
// variable's valid maximum. Undefined uncertainty fails the keep test.
type Uncertainty struct {
	Fraction float64
	Absolute float64
}

// NewUncertainty scales fraction to raw units. A product within rounding error of a whole
// digital number is snapped to it so that a raw value equal to fraction*validMax is excluded.
func NewUncertainty(fraction, validMax float64) Uncertainty {
	return Uncertainty{Fraction: fraction, Absolute: snap(fraction * validMax)}
}

func snap(v float64) float64 {
	r := math.Round(v)
	if math.Abs(v-r) <= 1e-9*math.Max(1, math.Abs(r)) {
		return r
	}
	return v
}

func (Uncertainty) Name() string { return StageUncertainty }

func (s Uncertainty) Exclude(t *Tile, keep Mask) int {
	n := 0
	for i, u := range t.Uncertainty {
		if !keep[i] {
			continue
		}
		if !(u < s.Absolute) {
			keep[i] = false
			n++
		}
	}
	return n
}

func (s Uncertainty) String() string {
	return fmt.Sprintf("exclude uncertainty >= %v (raw %v)", s.Fraction, s.Absolute)
}

// ObservationCount excludes pixels composited from fewer than Min observations.
type ObservationCount struct {
	Min int
}

func (ObservationCount) Name() string { return StageObservationCount }

func (s ObservationCount) Exclude(t *Tile, keep Mask) int {
	n := 0
	threshold := float64(s.Min)
	for i, c := range t.Count {
		if !keep[i] {
			continue
		}
		if !(c >= threshold) {
			keep[i] = false
			n++
		}
	}
	return n
}

func (s ObservationCount) String() string {
	return fmt.Sprintf("exclude NOBS < %d", s.Min)
}

// Bitmask excludes pixels whose quality byte shares a bit with RejectMask.
// Undefined flags count as 0, so missing QFLAG data never excludes on its own.
type Bitmask struct {
	RejectMask uint8
}

func (Bitmask) Name() string { return StageBitmask }

func (s Bitmask) Exclude(t *Tile, keep Mask) int {
	n := 0
	for i, f := range t.Flags {
		if !keep[i] {
			continue
		}
		if flagByte(f)&s.RejectMask != 0 {
			keep[i] = false
			n++
		}
	}
	return n
}

func (s Bitmask) String() string {
	var bits []int
	for b := 0; b < 8; b++ {
		if s.RejectMask&(1<<uint(b)) != 0 {
			bits = append(bits, b)
		}
	}
	return fmt.Sprintf("exclude QFLAG bits %v", bits)
}

func flagByte(f float64) uint8 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	return uint8(uint64(f))
}
