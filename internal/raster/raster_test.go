package raster

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labif/clms-ndvi/internal/qc"
)

func TestAttributes(t *testing.T) {
	attrs := Attributes{
		"valid_range":   "{0,250}",
		"flag_values":   "{252,253,254,255}",
		"flag_meanings": "Unknown Snow Water Missing",
		"_FillValue":    "255",
		"scale_factor":  "0.004",
		"broken":        "{a,b}",
		"empty":         "{}",
	}

	lo, hi, ok := attrs.ValidRange()
	require.True(t, ok)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 250.0, hi)

	codes, ok := attrs.FlagValues()
	require.True(t, ok)
	assert.Equal(t, []float64{252, 253, 254, 255}, codes)

	fill, ok := attrs.FillValue()
	require.True(t, ok)
	assert.Equal(t, 255.0, fill)

	scale, ok := attrs.Float("scale_factor")
	require.True(t, ok)
	assert.InDelta(t, 0.004, scale, 1e-12)

	_, ok = attrs.Floats("broken")
	assert.False(t, ok)
	_, ok = attrs.Floats("empty")
	assert.False(t, ok)
	_, ok = attrs.Float("valid_range")
	assert.False(t, ok, "an array is not a scalar")
	_, _, ok = Attributes{"valid_range": "0 1000 5"}.ValidRange()
	assert.False(t, ok)
	_, ok = Attributes{}.FlagValues()
	assert.False(t, ok)
}

func TestAttributes_SpaceSeparated(t *testing.T) {
	lo, hi, ok := Attributes{"valid_range": "0 1000"}.ValidRange()
	require.True(t, ok)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 1000.0, hi)
}

func TestFromBandMetadata(t *testing.T) {
	md := map[string]string{
		"NETCDF_VARNAME":       "NDVI",
		"valid_range":          "{0,250}",
		"NDVI#units":           "-",
		"NDVI_unc#valid_range": "{0,1000}",
		"NC_GLOBAL#title":      "NDVI 300m",
	}

	attrs := fromBandMetadata(md, "NDVI")

	assert.Equal(t, Attributes{
		"NETCDF_VARNAME": "NDVI",
		"valid_range":    "{0,250}",
		"units":          "-",
	}, attrs)
}

func TestAttributes_Clone(t *testing.T) {
	a := Attributes{"units": "-"}
	b := a.Clone()
	b["units"] = "x"
	assert.Equal(t, "-", a["units"])
}

func TestTiffOptions(t *testing.T) {
	layout := Layout{Width: 1000, Height: 500, BlockWidth: 1000, BlockHeight: 10}

	tif := tiffOptions(9, layout)

	assert.Contains(t, tif, "TILED=YES")
	assert.Contains(t, tif, "COMPRESS=DEFLATE")
	assert.Contains(t, tif, "ZLEVEL=9")
	assert.Contains(t, tif, "BLOCKXSIZE=1008")
	assert.Contains(t, tif, "BLOCKYSIZE=16")
}

func TestTranslateSwitches(t *testing.T) {
	o := defaultWriterOptions()
	WithCompressionLevel(42)(o)

	assert.Equal(t, []string{
		"-of", "netCDF",
		"-co", "FORMAT=NC4",
		"-co", "COMPRESS=DEFLATE",
		"-co", "ZLEVEL=4",
		"-co", "CHUNKING=YES",
		"-co", "WRITE_BOTTOMUP=NO",
	}, translateSwitches(o))

	WithDriver("HFA")(o)
	assert.Equal(t, []string{"-of", "HFA"}, translateSwitches(o))
}

func TestStageName(t *testing.T) {
	stage := stageName(filepath.Join("out", "a.nc"))

	assert.Equal(t, filepath.Join("out", ".a.nc.stage.tif"), stage)
	assert.NotEqual(t, ".nc", filepath.Ext(stage))
}

func TestSkippedAttr(t *testing.T) {
	assert.True(t, skippedAttr("_FillValue"))
	assert.True(t, skippedAttr("NETCDF_VARNAME"))
	assert.True(t, skippedAttr("NETCDF_DIM_time"))
	assert.False(t, skippedAttr("valid_range"))
	assert.False(t, skippedAttr("flag_values"))
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.nc"))

	require.Error(t, err)
	assert.Equal(t, qc.KindIO, qc.KindOf(err))
	assert.ErrorIs(t, err, qc.ErrNotFound)
}

func TestSubdatasetName(t *testing.T) {
	assert.Equal(t, `NETCDF:"/data/a.nc":NDVI_unc`, subdatasetName("/data/a.nc", UncertaintyVariable))
}
