package qc

import "math"

// Tile is a strip of rows of the four co-located raw variables.
// Values are raw digital numbers; NaN means undefined.
type Tile struct {
	Row   int
	Width int
	Rows  int

	Index       []float64
	Uncertainty []float64
	Count       []float64
	Flags       []float64
}

// NewTile allocates a tile of width*rows pixels starting at row.
func NewTile(row, width, rows int) *Tile {
	n := width * rows
	return &Tile{
		Row:         row,
		Width:       width,
		Rows:        rows,
		Index:       make([]float64, n),
		Uncertainty: make([]float64, n),
		Count:       make([]float64, n),
		Flags:       make([]float64, n),
	}
}

func (t *Tile) Len() int { return t.Width * t.Rows }

// Metadata is what the stages need to know about a raw file's variables.
type Metadata struct {
	// FlagValues holds the index's reserved raw codes; nil when flag_values is absent.
	FlagValues []float64

	UncertaintyMin      float64
	UncertaintyMax      float64
	HasUncertaintyRange bool

	FillValue    float64
	HasFillValue bool
}

// Sentinel is the raw value written for excluded pixels.
func (m Metadata) Sentinel() float64 {
	if m.HasFillValue && !math.IsNaN(m.FillValue) {
		return m.FillValue
	}
	return DefaultFillValue
}

// Mask is the per-pixel keep state of a tile. It starts all true and only narrows.
type Mask []bool

func NewMask(n int) Mask {
	m := make(Mask, n)
	for i := range m {
		m[i] = true
	}
	return m
}

// Kept counts the pixels still kept.
func (m Mask) Kept() int {
	n := 0
	for _, k := range m {
		if k {
			n++
		}
	}
	return n
}

// Apply writes index values of kept pixels and sentinel elsewhere into dst, reusing it when large enough.
func (m Mask) Apply(index []float64, sentinel float64, dst []float32) []float32 {
	if cap(dst) < len(m) {
		dst = make([]float32, len(m))
	}
	dst = dst[:len(m)]
	s := float32(sentinel)
	for i, keep := range m {
		if keep {
			dst[i] = float32(index[i])
		} else {
			dst[i] = s
		}
	}
	return dst
}
