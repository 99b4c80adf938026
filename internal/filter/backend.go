package filter

import (
	"github.com/labif/clms-ndvi/internal/qc"
	"github.com/labif/clms-ndvi/internal/raster"
)

// Source is one opened raw file.
type Source interface {
	Layout() raster.Layout
	Attributes() raster.Attributes
	Metadata() qc.Metadata
	ReadStrip(row, rows int) (*qc.Tile, error)
	Close() error
}

// Sink receives the filtered index of one file.
type Sink interface {
	WriteStrip(row int, values []float32) error
	Commit() error
	Abort() error
}

// Backend opens raw files and creates outputs.
type Backend interface {
	Open(path string) (Source, error)
	Create(path string, src Source, sentinel float64) (Sink, error)
}

// GDALBackend reads and writes netCDF through GDAL.
type GDALBackend struct {
	WriterOptions []raster.WriterOption
}

func (GDALBackend) Open(path string) (Source, error) {
	ds, err := raster.Open(path)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (b GDALBackend) Create(path string, src Source, sentinel float64) (Sink, error) {
	w, err := raster.Create(path, src.Layout(), src.Attributes(), sentinel, b.WriterOptions...)
	if err != nil {
		return nil, err
	}
	return w, nil
}
