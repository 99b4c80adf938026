package raster

import (
	"fmt"

	"github.com/airbusgeo/godal"

	"github.com/labif/clms-ndvi/internal/qc"
)

// Sample is a decimated copy of one band: every Step-th pixel of every Step-th row.
type Sample struct {
	Width, Height int
	Step          int
	Values        []float64

	NoData    float64
	HasNoData bool
	Attrs     Attributes
}

// At returns the sampled value at column x, row y.
func (s *Sample) At(x, y int) float64 { return s.Values[y*s.Width+x] }

// ReadSample reads variable of the single-variable file at path so that neither side
// of the sample exceeds maxSize. GeoTIFF outputs are opened directly.
func ReadSample(path, variable string, maxSize int) (*Sample, error) {
	if maxSize < 1 {
		return nil, qc.ConfigError("max_size", "%d is not positive", maxSize)
	}
	ds, err := godal.Open(subdatasetName(path, variable), godal.RasterOnly(), godal.ErrLogger(quietWarnings()))
	if err != nil {
		ds, err = godal.Open(path, godal.RasterOnly(), godal.ErrLogger(quietWarnings()))
		if err != nil {
			return nil, qc.IOError("open", path, err)
		}
	}
	defer ds.Close()

	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, qc.IOError("open", path, fmt.Errorf("no raster band"))
	}
	band := bands[0]
	st := band.Structure()

	step := max((st.SizeX+maxSize-1)/maxSize, (st.SizeY+maxSize-1)/maxSize, 1)
	s := &Sample{
		Width:  (st.SizeX + step - 1) / step,
		Height: (st.SizeY + step - 1) / step,
		Step:   step,
		Attrs:  fromBandMetadata(band.Metadatas(), variable),
	}
	s.NoData, s.HasNoData = band.NoData()
	s.Values = make([]float64, s.Width*s.Height)

	row := make([]float64, st.SizeX)
	for y := 0; y < s.Height; y++ {
		if err := band.Read(0, y*step, row, st.SizeX, 1); err != nil {
			return nil, qc.IOError("read", path, err)
		}
		for x := 0; x < s.Width; x++ {
			s.Values[y*s.Width+x] = row[x*step]
		}
	}
	return s, nil
}
