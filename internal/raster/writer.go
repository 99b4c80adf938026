package raster

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airbusgeo/godal"

	"github.com/labif/clms-ndvi/internal/files"
	"github.com/labif/clms-ndvi/internal/qc"
)

const (
	DriverNetCDF = "netCDF"
	DriverGTiff  = "GTiff"

	DefaultCompressionLevel = 4
)

// WriterOption configures Create.
type WriterOption func(*writerOptions)

type writerOptions struct {
	driver  string
	level   int
	varName string
}

func defaultWriterOptions() *writerOptions {
	return &writerOptions{
		driver:  DriverNetCDF,
		level:   DefaultCompressionLevel,
		varName: IndexVariable,
	}
}

// WithDriver selects the GDAL output driver (netCDF or GTiff).
func WithDriver(name string) WriterOption {
	return func(o *writerOptions) {
		if name != "" {
			o.driver = name
		}
	}
}

// WithCompressionLevel sets the DEFLATE level (1-9).
func WithCompressionLevel(level int) WriterOption {
	return func(o *writerOptions) {
		if level >= 1 && level <= 9 {
			o.level = level
		}
	}
}

// Writer writes one filtered single-variable float32 raster. Nothing appears under the
// final name until Commit succeeds.
//
// GTiff outputs are written in place under the partial name. Other drivers are staged in
// a hidden tiled GeoTIFF and copied block by block to the partial name on Commit; the
// netCDF driver takes the variable name from NETCDF_VARNAME only when copying.
type Writer struct {
	path    string
	partial string
	stage   string
	convert []string
	width   int
	height  int

	ds   *godal.Dataset
	band godal.Band
	done bool
}

const stageSuffix = ".stage.tif"

// stageName is the hidden GeoTIFF strips are written to before conversion.
func stageName(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+stageSuffix)
}

// Create starts the output for path using the source grid layout and index attributes.
// sentinel is declared as the band's no-data value.
func Create(path string, layout Layout, attrs Attributes, sentinel float64, opts ...WriterOption) (*Writer, error) {
	o := defaultWriterOptions()
	for _, opt := range opts {
		opt(o)
	}

	w := &Writer{
		path:    path,
		partial: files.PartialName(path),
		width:   layout.Width,
		height:  layout.Height,
	}
	target, level := w.partial, o.level
	if o.driver != DriverGTiff {
		w.stage = stageName(path)
		w.convert = translateSwitches(o)
		target, level = w.stage, 1
	}
	for _, p := range []string{w.partial, w.stage} {
		if err := removeIfExists(p); err != nil {
			return nil, qc.IOError("create", p, err)
		}
	}

	ds, err := godal.Create(godal.DriverName(DriverGTiff), target, 1, godal.Float32, layout.Width, layout.Height,
		godal.CreationOption(tiffOptions(level, layout)...), godal.ErrLogger(quietWarnings()))
	if err != nil {
		return nil, qc.IOError("create", target, err)
	}
	w.ds = ds
	w.band = ds.Bands()[0]
	if err := w.describe(layout, attrs, sentinel, o); err != nil {
		w.Abort()
		return nil, qc.IOError("create", target, err)
	}
	return w, nil
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func tiffOptions(level int, layout Layout) []string {
	return []string{
		"TILED=YES",
		"COMPRESS=DEFLATE",
		fmt.Sprintf("ZLEVEL=%d", level),
		"BIGTIFF=IF_SAFER",
		fmt.Sprintf("BLOCKXSIZE=%d", roundUp16(layout.BlockWidth)),
		fmt.Sprintf("BLOCKYSIZE=%d", roundUp16(layout.BlockHeight)),
	}
}

// translateSwitches are the gdal_translate arguments converting the stage to the output driver.
func translateSwitches(o *writerOptions) []string {
	sw := []string{"-of", o.driver}
	if o.driver == DriverNetCDF {
		sw = append(sw,
			"-co", "FORMAT=NC4",
			"-co", "COMPRESS=DEFLATE",
			"-co", fmt.Sprintf("ZLEVEL=%d", o.level),
			"-co", "CHUNKING=YES",
			"-co", "WRITE_BOTTOMUP=NO",
		)
	}
	return sw
}

func roundUp16(n int) int {
	if n <= 0 {
		return 256
	}
	return (n + 15) / 16 * 16
}

// skippedAttr reports GDAL bookkeeping items and attributes the writer sets itself.
func skippedAttr(key string) bool {
	return key == AttrFillValue || key == AttrVarName || strings.HasPrefix(key, "NETCDF_DIM_")
}

func (w *Writer) describe(layout Layout, attrs Attributes, sentinel float64, o *writerOptions) error {
	if layout.HasGeoTransform {
		if err := w.ds.SetGeoTransform(layout.GeoTransform); err != nil {
			return fmt.Errorf("failed to set geotransform: %w", err)
		}
	}
	if layout.Projection != "" {
		if err := w.ds.SetProjection(layout.Projection); err != nil {
			return fmt.Errorf("failed to set projection: %w", err)
		}
	}
	if w.stage != "" {
		if err := w.band.SetMetadata(AttrVarName, o.varName); err != nil {
			return fmt.Errorf("failed to name variable: %w", err)
		}
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if !skippedAttr(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.band.SetMetadata(k, attrs[k]); err != nil {
			return fmt.Errorf("failed to copy attribute %s: %w", k, err)
		}
	}
	if err := w.band.SetNoData(sentinel); err != nil {
		return fmt.Errorf("failed to set fill value: %w", err)
	}
	return nil
}

// WriteStrip writes values as rows starting at row. len(values) must be a multiple of the width.
func (w *Writer) WriteStrip(row int, values []float32) error {
	if w.done {
		return qc.IOError("write", w.partial, fs.ErrClosed)
	}
	if w.width == 0 || len(values)%w.width != 0 {
		return qc.IOError("write", w.partial, fmt.Errorf("%d values do not fill rows of width %d", len(values), w.width))
	}
	rows := len(values) / w.width
	if row < 0 || row+rows > w.height {
		return qc.IOError("write", w.partial, fmt.Errorf("rows [%d,%d) outside grid of height %d", row, row+rows, w.height))
	}
	if err := w.band.Write(0, row, values, w.width, rows); err != nil {
		return qc.IOError("write", w.partial, err)
	}
	return nil
}

// Commit flushes the output under the partial name and renames it to its final name.
func (w *Writer) Commit() error {
	if w.done {
		return qc.IOError("commit", w.path, fs.ErrClosed)
	}
	w.done = true
	if err := w.flush(); err != nil {
		w.cleanup()
		return qc.IOError("commit", w.partial, err)
	}
	if err := os.Rename(w.partial, w.path); err != nil {
		w.cleanup()
		return qc.IOError("commit", w.path, err)
	}
	return nil
}

func (w *Writer) flush() error {
	if w.stage == "" {
		return w.ds.Close()
	}
	defer os.Remove(w.stage)
	out, err := w.ds.Translate(w.partial, w.convert, godal.ErrLogger(quietWarnings()))
	if err != nil {
		w.ds.Close()
		return fmt.Errorf("failed to convert to %s: %w", w.convert[1], err)
	}
	if err := out.Close(); err != nil {
		w.ds.Close()
		return err
	}
	return w.ds.Close()
}

func (w *Writer) cleanup() {
	os.Remove(w.partial)
	if w.stage != "" {
		os.Remove(w.stage)
	}
}

// Abort discards the partial output. It is a no-op after Commit.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	closeErr := w.ds.Close()
	for _, p := range []string{w.partial, w.stage} {
		if err := removeIfExists(p); err != nil {
			return qc.IOError("abort", p, err)
		}
	}
	if closeErr != nil {
		return qc.IOError("abort", w.partial, closeErr)
	}
	return nil
}

// Path is the final output path.
func (w *Writer) Path() string { return w.path }
