package qc

import (
	"math"
	"slices"
)

const (
	DefaultUncertaintyThreshold = 0.15
	DefaultNOBSThreshold        = 2
	MaxNOBSThreshold            = 32
	// DefaultFillValue marks excluded pixels when the index declares no _FillValue.
	DefaultFillValue = -9999.0
)

// Quality-flag bits of the QFLAG byte (product user manual, table 7).
const (
	BitNoObservation      = 0 // no observation in the compositing window for red or NIR
	BitSnow               = 1 // at least one observation flagged as snow
	BitRedWarning         = 2
	BitRedExtremeWarning  = 3
	BitNIRWarning         = 4
	BitNIRExtremeWarning  = 5
	BitReflectanceRange   = 6 // TOC-r outside [0,1] for at least one band
	BitBRDFPriorGapFilled = 7
)

// DefaultRejectBits rejects every documented quality condition.
func DefaultRejectBits() []int {
	return []int{0, 1, 2, 3, 4, 5, 6, 7}
}

// Config is the immutable filter configuration of one run.
type Config struct {
	enableUncertainty    bool
	uncertaintyThreshold float64
	enableNOBS           bool
	nobsThreshold        int
	rejectBits           []int
}

// Option overrides one default of a Config.
type Option func(*Config)

func WithUncertainty(enabled bool, threshold float64) Option {
	return func(c *Config) {
		c.enableUncertainty = enabled
		c.uncertaintyThreshold = threshold
	}
}

func WithNOBS(enabled bool, threshold int) Option {
	return func(c *Config) {
		c.enableNOBS = enabled
		c.nobsThreshold = threshold
	}
}

// WithRejectBits replaces the reject-bit set. An empty set disables the bitmask filter.
func WithRejectBits(bits ...int) Option {
	return func(c *Config) {
		c.rejectBits = slices.Clone(bits)
	}
}

// NewConfig builds a validated Config from the defaults and opts.
func NewConfig(opts ...Option) (Config, error) {
	c := Config{
		enableUncertainty:    true,
		uncertaintyThreshold: DefaultUncertaintyThreshold,
		enableNOBS:           true,
		nobsThreshold:        DefaultNOBSThreshold,
		rejectBits:           DefaultRejectBits(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	slices.Sort(c.rejectBits)
	c.rejectBits = slices.Compact(c.rejectBits)
	return c, nil
}

func (c Config) validate() error {
	t := c.uncertaintyThreshold
	if math.IsNaN(t) || t < 0 || t > 1 {
		return ConfigError("uncertainty_threshold", "%v is outside [0,1]", t)
	}
	if c.nobsThreshold < 0 || c.nobsThreshold > MaxNOBSThreshold {
		return ConfigError("nobs_threshold", "%d is outside [0,%d]", c.nobsThreshold, MaxNOBSThreshold)
	}
	for _, b := range c.rejectBits {
		if b < 0 || b > 7 {
			return ConfigError("reject_bits", "bit %d is outside [0,7]", b)
		}
	}
	return nil
}

func (c Config) UncertaintyEnabled() bool      { return c.enableUncertainty }
func (c Config) UncertaintyThreshold() float64 { return c.uncertaintyThreshold }
func (c Config) NOBSEnabled() bool             { return c.enableNOBS }
func (c Config) NOBSThreshold() int            { return c.nobsThreshold }

// RejectBits returns a copy of the sorted reject-bit set.
func (c Config) RejectBits() []int { return slices.Clone(c.rejectBits) }

// RejectMask ORs together 1<<b for every reject bit.
func (c Config) RejectMask() uint8 {
	var mask uint8
	for _, b := range c.rejectBits {
		mask |= 1 << uint(b)
	}
	return mask
}
