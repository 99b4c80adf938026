package raster

import (
	"strconv"
	"strings"
)

// Attributes are the netCDF attributes of one variable as GDAL reports them in band
// metadata: scalars as plain text, arrays as "{a,b,...}".
type Attributes map[string]string

const (
	AttrValidRange   = "valid_range"
	AttrFlagValues   = "flag_values"
	AttrFlagMeanings = "flag_meanings"
	AttrFillValue    = "_FillValue"
	AttrVarName      = "NETCDF_VARNAME"
)

// Float parses a scalar attribute.
func (a Attributes) Float(key string) (float64, bool) {
	v, ok := a.Floats(key)
	if !ok || len(v) != 1 {
		return 0, false
	}
	return v[0], true
}

// Floats parses an array attribute. Braces, commas and blanks all separate values.
func (a Attributes) Floats(key string) ([]float64, bool) {
	raw, ok := a[key]
	if !ok {
		return nil, false
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '{' || r == '}' || r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, false
	}
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func (a Attributes) ValidRange() (lo, hi float64, ok bool) {
	v, ok := a.Floats(AttrValidRange)
	if !ok || len(v) != 2 {
		return 0, 0, false
	}
	return v[0], v[1], true
}

func (a Attributes) FlagValues() ([]float64, bool) {
	return a.Floats(AttrFlagValues)
}

func (a Attributes) FillValue() (float64, bool) {
	return a.Float(AttrFillValue)
}

// Clone returns an independent copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// fromBandMetadata keeps the attributes of variable, dropping GDAL's "NC_GLOBAL#" and
// "<var>#" prefixed duplicates.
func fromBandMetadata(md map[string]string, variable string) Attributes {
	out := make(Attributes, len(md))
	for k, v := range md {
		if i := strings.IndexByte(k, '#'); i >= 0 {
			if k[:i] != variable {
				continue
			}
			k = k[i+1:]
		}
		out[k] = v
	}
	return out
}
