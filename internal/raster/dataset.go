package raster

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/labif/clms-ndvi/internal/qc"
)

// Variables of the CLMS NDVI 300 m v3 product taking part in the filter.
const (
	IndexVariable       = "NDVI"
	UncertaintyVariable = "NDVI_unc"
	CountVariable       = "NOBS"
	FlagVariable        = "QFLAG"
)

var registerOnce sync.Once

// Register loads the GDAL drivers. It is safe to call more than once.
func Register() {
	registerOnce.Do(godal.RegisterAll)
}

// Layout is the grid and storage layout shared by the variables of a raw file.
type Layout struct {
	Width, Height           int
	BlockWidth, BlockHeight int

	GeoTransform    [6]float64
	HasGeoTransform bool
	Projection      string
}

// Variable is one netCDF variable opened as a GDAL subdataset.
type Variable struct {
	Name     string
	Attrs    Attributes
	DataType godal.DataType

	ds   *godal.Dataset
	band godal.Band
	fill float64
	// hasFill marks auxiliary variables whose _FillValue is reported as undefined (NaN).
	hasFill bool
}

// Dataset is a raw file opened without unit decoding: bands hold raw digital numbers,
// so reserved codes such as 252..255 stay visible. Close must be called on every path.
type Dataset struct {
	Path string

	layout Layout
	vars   [4]*Variable
	closed bool
}

func subdatasetName(path, variable string) string {
	return fmt.Sprintf("NETCDF:\"%s\":%s", path, variable)
}

func quietWarnings() godal.ErrorHandler {
	return func(ec godal.ErrorCategory, code int, msg string) error {
		if ec <= godal.CE_Warning {
			return nil
		}
		return errors.New(msg)
	}
}

// Variables lists the filter inputs in Tile order.
var Variables = [4]string{IndexVariable, UncertaintyVariable, CountVariable, FlagVariable}

// Open opens the four variables of the raw file at path.
func Open(path string) (*Dataset, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, qc.IOError("open", path, qc.ErrNotFound)
		}
		return nil, qc.IOError("open", path, err)
	}
	var sources [4]string
	for i, name := range Variables {
		sources[i] = subdatasetName(path, name)
	}
	return open(path, sources)
}

// open opens one GDAL dataset per variable; sources follow the order of Variables.
func open(path string, sources [4]string) (*Dataset, error) {
	d := &Dataset{Path: path}
	for i, name := range Variables {
		v, err := openVariable(path, sources[i], name, i != 0)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.vars[i] = v
	}

	index := d.vars[0]
	st := index.band.Structure()
	d.layout = Layout{
		Width:       st.SizeX,
		Height:      st.SizeY,
		BlockWidth:  st.BlockSizeX,
		BlockHeight: st.BlockSizeY,
		Projection:  index.ds.Projection(),
	}
	if gt, err := index.ds.GeoTransform(); err == nil {
		d.layout.GeoTransform = gt
		d.layout.HasGeoTransform = true
	}

	for _, v := range d.vars[1:] {
		vs := v.band.Structure()
		if vs.SizeX != st.SizeX || vs.SizeY != st.SizeY {
			d.Close()
			return nil, qc.IOError("open", path, fmt.Errorf("variable %s is %dx%d, %s is %dx%d",
				v.Name, vs.SizeX, vs.SizeY, index.Name, st.SizeX, st.SizeY))
		}
	}
	return d, nil
}

func openVariable(path, source, name string, auxiliary bool) (*Variable, error) {
	ds, err := godal.Open(source, godal.RasterOnly(), godal.ErrLogger(quietWarnings()))
	if err != nil {
		return nil, &qc.Error{Kind: qc.KindMissingAttribute, Op: name, Path: path, Msg: "variable not found", Err: err}
	}
	bands := ds.Bands()
	if len(bands) == 0 {
		ds.Close()
		return nil, &qc.Error{Kind: qc.KindMissingAttribute, Op: name, Path: path, Msg: "variable has no raster band"}
	}
	band := bands[0]
	v := &Variable{
		Name:     name,
		Attrs:    fromBandMetadata(band.Metadatas(), name),
		DataType: band.Structure().DataType,
		ds:       ds,
		band:     band,
	}
	if auxiliary {
		v.fill, v.hasFill = v.Attrs.FillValue()
	}
	return v, nil
}

func (d *Dataset) Layout() Layout { return d.layout }

// Attributes returns a copy of the index variable's attributes.
func (d *Dataset) Attributes() Attributes { return d.vars[0].Attrs.Clone() }

// Variable returns the opened variable called name, or nil.
func (d *Dataset) Variable(name string) *Variable {
	for _, v := range d.vars {
		if v != nil && v.Name == name {
			return v
		}
	}
	return nil
}

// Metadata extracts what the filter stages need from the variables' attributes.
func (d *Dataset) Metadata() qc.Metadata {
	var m qc.Metadata
	index, unc := d.vars[0].Attrs, d.vars[1].Attrs
	if codes, ok := index.FlagValues(); ok {
		m.FlagValues = codes
	}
	m.FillValue, m.HasFillValue = index.FillValue()
	m.UncertaintyMin, m.UncertaintyMax, m.HasUncertaintyRange = unc.ValidRange()
	return m
}

// ReadStrip reads rows [row, row+rows) of the four variables as raw values.
func (d *Dataset) ReadStrip(row, rows int) (*qc.Tile, error) {
	if d.closed {
		return nil, qc.IOError("read", d.Path, fs.ErrClosed)
	}
	if row < 0 || rows <= 0 || row+rows > d.layout.Height {
		return nil, qc.IOError("read", d.Path, fmt.Errorf("rows [%d,%d) outside grid of height %d", row, row+rows, d.layout.Height))
	}
	t := qc.NewTile(row, d.layout.Width, rows)
	dst := [4][]float64{t.Index, t.Uncertainty, t.Count, t.Flags}
	for i, v := range d.vars {
		if err := v.band.Read(0, row, dst[i], d.layout.Width, rows); err != nil {
			return nil, qc.IOError("read", d.Path, fmt.Errorf("failed to read %s rows %d-%d: %w", v.Name, row, row+rows, err))
		}
		if v.hasFill {
			for j, x := range dst[i] {
				if x == v.fill {
					dst[i][j] = math.NaN()
				}
			}
		}
	}
	return t, nil
}

// Close releases every GDAL handle. It is idempotent.
func (d *Dataset) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	for i, v := range d.vars {
		if v == nil {
			continue
		}
		if err := v.ds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", v.Name, err))
		}
		d.vars[i] = nil
	}
	return errors.Join(errs...)
}
