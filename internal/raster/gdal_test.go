package raster

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/qc"
)

const (
	fixtureSize  = 32
	fixtureBlock = 16
)

func requireDriver(t *testing.T, name string) {
	t.Helper()
	Register()
	if _, ok := godal.RasterDriver(godal.DriverName(name)); !ok {
		t.Skipf("GDAL %s driver not available", name)
	}
}

// writeVariable stores one variable of a raw file as a tiled GeoTIFF with its attributes
// as band metadata.
func writeVariable(t *testing.T, path string, width, height int, dtype godal.DataType, values []float64, attrs map[string]string) {
	t.Helper()
	ds, err := godal.Create(godal.DriverName(DriverGTiff), path, 1, dtype, width, height,
		godal.CreationOption("TILED=YES", "BLOCKXSIZE=16", fmt.Sprintf("BLOCKYSIZE=%d", fixtureBlock)))
	require.NoError(t, err)
	band := ds.Bands()[0]
	for k, v := range attrs {
		require.NoError(t, band.SetMetadata(k, v))
	}
	require.NoError(t, band.Write(0, 0, values, width, height))
	require.NoError(t, ds.Close())
}

// rawFixture writes the four variables of a 32x32 raw file and returns their paths in
// the order of Variables. Pixel p has index p%256; pixel 5 has undefined uncertainty,
// pixel 6 an undefined count and pixel 7 flag bit 2 set.
func rawFixture(t *testing.T, countHeight int) [4]string {
	t.Helper()
	dir := t.TempDir()
	n := fixtureSize * fixtureSize
	index := make([]float64, n)
	unc := make([]float64, n)
	count := make([]float64, fixtureSize*countHeight)
	flags := make([]float64, n)
	for p := range index {
		index[p] = float64(p % 256)
		unc[p] = float64(p % 1000)
	}
	for p := range count {
		count[p] = 3
	}
	unc[5] = 65535
	count[6] = 255
	flags[7] = 4

	var paths [4]string
	for i, name := range Variables {
		paths[i] = filepath.Join(dir, name+".tif")
	}
	writeVariable(t, paths[0], fixtureSize, fixtureSize, godal.Byte, index, map[string]string{
		AttrValidRange: "{0,250}",
		AttrFlagValues: "{251,252,253,254,255}",
		AttrFillValue:  "255",
	})
	writeVariable(t, paths[1], fixtureSize, fixtureSize, godal.UInt16, unc, map[string]string{
		AttrValidRange: "{0,1000}",
		AttrFillValue:  "65535",
	})
	writeVariable(t, paths[2], fixtureSize, countHeight, godal.Byte, count, map[string]string{
		AttrFillValue: "255",
	})
	writeVariable(t, paths[3], fixtureSize, fixtureSize, godal.Byte, flags, nil)
	return paths
}

func TestOpen_ReadsRawValues(t *testing.T) {
	requireDriver(t, DriverGTiff)
	d, err := open("raw.nc", rawFixture(t, fixtureSize))
	require.NoError(t, err)
	defer d.Close()

	layout := d.Layout()
	assert.Equal(t, fixtureSize, layout.Width)
	assert.Equal(t, fixtureSize, layout.Height)
	assert.Equal(t, fixtureBlock, layout.BlockHeight)

	meta := d.Metadata()
	assert.Equal(t, []float64{251, 252, 253, 254, 255}, meta.FlagValues)
	assert.True(t, meta.HasFillValue)
	assert.Equal(t, 255.0, meta.FillValue)
	assert.True(t, meta.HasUncertaintyRange)
	assert.Equal(t, 1000.0, meta.UncertaintyMax)

	tile, err := d.ReadStrip(0, fixtureBlock)
	require.NoError(t, err)
	assert.Equal(t, fixtureSize*fixtureBlock, tile.Len())
	assert.Equal(t, 255.0, tile.Index[255], "index codes stay raw")
	assert.Equal(t, 251.0, tile.Index[251])
	assert.True(t, math.IsNaN(tile.Uncertainty[5]), "uncertainty fill is undefined")
	assert.Equal(t, 4.0, tile.Uncertainty[4])
	assert.True(t, math.IsNaN(tile.Count[6]), "count fill is undefined")
	assert.Equal(t, 3.0, tile.Count[7])
	assert.Equal(t, 4.0, tile.Flags[7])

	tile, err = d.ReadStrip(fixtureBlock, fixtureBlock)
	require.NoError(t, err)
	assert.Equal(t, float64((fixtureBlock*fixtureSize)%256), tile.Index[0])

	_, err = d.ReadStrip(fixtureBlock, fixtureSize)
	assert.Equal(t, qc.KindIO, qc.KindOf(err))

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, err = d.ReadStrip(0, 1)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestOpen_GridMismatch(t *testing.T) {
	requireDriver(t, DriverGTiff)

	_, err := open("raw.nc", rawFixture(t, fixtureBlock))

	require.Error(t, err)
	assert.Equal(t, qc.KindIO, qc.KindOf(err))
	assert.Contains(t, err.Error(), "NOBS is 32x16")
}

func TestOpen_MissingVariable(t *testing.T) {
	requireDriver(t, DriverGTiff)
	sources := rawFixture(t, fixtureSize)
	sources[3] = filepath.Join(t.TempDir(), "QFLAG.tif")

	_, err := open("raw.nc", sources)

	require.Error(t, err)
	assert.Equal(t, qc.KindMissingAttribute, qc.KindOf(err))
}

func outputLayout(t *testing.T) Layout {
	t.Helper()
	sr, err := godal.NewSpatialRefFromEPSG(4326)
	require.NoError(t, err)
	defer sr.Close()
	wkt, err := sr.WKT()
	require.NoError(t, err)
	return Layout{
		Width:           fixtureSize,
		Height:          fixtureSize,
		BlockWidth:      fixtureSize,
		BlockHeight:     fixtureBlock,
		GeoTransform:    [6]float64{-180, 0.5, 0, 90, 0, -0.5},
		HasGeoTransform: true,
		Projection:      wkt,
	}
}

func outputValues() []float32 {
	values := make([]float32, fixtureSize*fixtureSize)
	for p := range values {
		values[p] = float32(p % 250)
	}
	values[3] = 255
	return values
}

func writeStrips(t *testing.T, w *Writer, values []float32) {
	t.Helper()
	for row := 0; row < fixtureSize; row += fixtureBlock {
		require.NoError(t, w.WriteStrip(row, values[row*fixtureSize:(row+fixtureBlock)*fixtureSize]))
	}
}

func products(t *testing.T, dir string) []string {
	t.Helper()
	names, err := files.List(dir)
	require.NoError(t, err)
	return names
}

func indexAttrs() Attributes {
	return Attributes{
		AttrFlagValues: "{251,252,253,254,255}",
		"long_name":    "Normalized Difference Vegetation Index",
		AttrFillValue:  "255",
		AttrVarName:    "NDVI",
	}
}

func TestWriter_NetCDFRoundTrip(t *testing.T) {
	requireDriver(t, DriverNetCDF)
	dir := t.TempDir()
	out := filepath.Join(dir, "a.nc")
	values := outputValues()

	w, err := Create(out, outputLayout(t), indexAttrs(), 255)
	require.NoError(t, err)
	writeStrips(t, w, values)
	assert.NoFileExists(t, out, "nothing under the final name before commit")

	require.NoError(t, w.Commit())
	assert.Equal(t, []string{"a.nc"}, products(t, dir))
	assert.NoFileExists(t, files.PartialName(out))
	assert.NoFileExists(t, stageName(out))
	assert.Error(t, w.Commit())
	assert.NoError(t, w.Abort(), "abort after commit is a no-op")
	assert.FileExists(t, out)

	ds, err := godal.Open(subdatasetName(out, IndexVariable), godal.RasterOnly())
	require.NoError(t, err, "output variable is named NDVI")
	defer ds.Close()
	band := ds.Bands()[0]
	st := band.Structure()
	assert.Equal(t, godal.Float32, st.DataType)
	assert.Equal(t, fixtureSize, st.SizeX)
	assert.Equal(t, fixtureSize, st.SizeY)
	nodata, ok := band.NoData()
	require.True(t, ok)
	assert.Equal(t, 255.0, nodata)

	got := make([]float32, fixtureSize*fixtureSize)
	require.NoError(t, band.Read(0, 0, got, fixtureSize, fixtureSize))
	assert.Equal(t, values, got)

	attrs := fromBandMetadata(band.Metadatas(), IndexVariable)
	codes, ok := attrs.FlagValues()
	require.True(t, ok)
	assert.Equal(t, []float64{251, 252, 253, 254, 255}, codes)
	assert.Equal(t, "Normalized Difference Vegetation Index", attrs["long_name"])

	s, err := ReadSample(out, IndexVariable, 8)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Step)
	assert.Equal(t, 8, s.Width)
	assert.Equal(t, float64(values[4*fixtureSize+4]), s.At(1, 1))
}

func TestWriter_GTiffKeepsBlockLayout(t *testing.T) {
	requireDriver(t, DriverGTiff)
	dir := t.TempDir()
	out := filepath.Join(dir, "a.tif")
	attrs := indexAttrs()
	attrs[AttrValidRange] = "{0,250}"

	w, err := Create(out, outputLayout(t), attrs, 255, WithDriver(DriverGTiff))
	require.NoError(t, err)
	writeStrips(t, w, outputValues())
	assert.FileExists(t, files.PartialName(out))
	require.NoError(t, w.Commit())

	assert.NoFileExists(t, files.PartialName(out))
	assert.FileExists(t, out)
	ds, err := godal.Open(out, godal.RasterOnly())
	require.NoError(t, err)
	defer ds.Close()
	band := ds.Bands()[0]
	st := band.Structure()
	assert.Equal(t, godal.Float32, st.DataType)
	assert.Equal(t, fixtureSize, st.BlockSizeX)
	assert.Equal(t, fixtureBlock, st.BlockSizeY)
	assert.Equal(t, "{0,250}", band.Metadatas()[AttrValidRange])
}

func TestWriter_AbortRemovesPartialOutput(t *testing.T) {
	requireDriver(t, DriverNetCDF)
	dir := t.TempDir()
	out := filepath.Join(dir, "a.nc")

	w, err := Create(out, outputLayout(t), indexAttrs(), 255)
	require.NoError(t, err)
	require.NoError(t, w.WriteStrip(0, outputValues()[:fixtureBlock*fixtureSize]))
	assert.FileExists(t, stageName(out))
	assert.Empty(t, products(t, dir), "the stage is never listed")

	require.NoError(t, w.Abort())

	assert.NoFileExists(t, stageName(out))
	assert.NoFileExists(t, files.PartialName(out))
	assert.NoFileExists(t, out)
	assert.Empty(t, products(t, dir))
	assert.Error(t, w.WriteStrip(0, outputValues()[:fixtureSize]))
}

func TestWriter_RejectsBadStrips(t *testing.T) {
	requireDriver(t, DriverGTiff)
	out := filepath.Join(t.TempDir(), "a.tif")
	w, err := Create(out, outputLayout(t), indexAttrs(), 255, WithDriver(DriverGTiff))
	require.NoError(t, err)
	defer w.Abort()

	assert.Equal(t, qc.KindIO, qc.KindOf(w.WriteStrip(0, make([]float32, fixtureSize+1))))
	assert.Equal(t, qc.KindIO, qc.KindOf(w.WriteStrip(fixtureSize-1, make([]float32, 2*fixtureSize))))
}
