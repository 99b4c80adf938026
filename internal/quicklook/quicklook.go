package quicklook

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"go.uber.org/zap"

	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/properties"
	"github.com/labif/clms-ndvi/internal/raster"
)

const DefaultMaxSize = 1024

// Default digital-number range of the index when the file declares none.
const (
	defaultValidMin = 0
	defaultValidMax = 250
)

func normalize(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	norm := (value - min) / (max - min)
	if norm < 0 {
		return 0
	}
	if norm > 1 {
		return 1
	}
	return norm
}

func valueToColor(norm float64) color.RGBA {
	var r, g, b uint8
	if norm <= 0.5 {
		// Transition from blue to green
		ratio := norm / 0.5
		r = 0
		g = uint8(255 * ratio)
		b = uint8(255 * (1 - ratio))
	} else {
		// Transition from green to red
		ratio := (norm - 0.5) / 0.5
		r = uint8(255 * ratio)
		g = uint8(255 * (1 - ratio))
		b = 0
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// excluded reports whether v carries no index value: the no-data sentinel, NaN or a
// reserved code outside the valid range.
func excluded(s *raster.Sample, v, lo, hi float64) bool {
	if math.IsNaN(v) {
		return true
	}
	if s.HasNoData && v == s.NoData {
		return true
	}
	return v < lo || v > hi
}

// Render colours the sample from blue (low index) through green to red (high index).
// Excluded pixels are grey.
func Render(s *raster.Sample) image.Image {
	lo, hi, ok := s.Attrs.ValidRange()
	if !ok {
		lo, hi = defaultValidMin, defaultValidMax
	}
	grey := properties.ColorMap["excluded"]

	dc := gg.NewContext(s.Width, s.Height)
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			v := s.At(x, y)
			if excluded(s, v, lo, hi) {
				dc.SetRGB255(int(grey.R), int(grey.G), int(grey.B))
			} else {
				dc.SetColor(valueToColor(normalize(v, lo, hi)))
			}
			dc.SetPixel(x, y)
		}
	}
	return dc.Image()
}

// Generator writes a PNG preview next to each committed output.
type Generator struct {
	Dir     string
	MaxSize int
	Logger  *zap.Logger
}

// PathFor is where the preview of output goes.
func (g Generator) PathFor(output string) string {
	base := strings.TrimSuffix(filepath.Base(output), filepath.Ext(output))
	return filepath.Join(g.Dir, base+".png")
}

// Generate reads output and writes its preview. It matches the runner's commit hook.
func (g Generator) Generate(ctx context.Context, output string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	maxSize := g.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	s, err := raster.ReadSample(output, raster.IndexVariable, maxSize)
	if err != nil {
		return fmt.Errorf("failed to read %s for quicklook: %w", output, err)
	}
	dest := g.PathFor(output)
	if err := Save(Render(s), dest); err != nil {
		return err
	}
	if g.Logger != nil {
		g.Logger.Debug("Quicklook written", zap.String("path", dest), zap.Int("step", s.Step))
	}
	return nil
}

// Save writes img as PNG at dest; a partial file never carries the final name.
func Save(img image.Image, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create quicklook folder: %w", err)
	}
	tmp := files.PartialName(dest)
	if err := gg.SavePNG(tmp, img); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save quicklook: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save quicklook: %w", err)
	}
	return nil
}
