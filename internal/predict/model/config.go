package model

import "math"

const (
	// DefaultHiddenDim is the width of every hidden MLP layer unless configured.
	DefaultHiddenDim = 256
	// DefaultMaxZ sizes the embedding table to the periodic table.
	DefaultMaxZ = 118
	// DefaultCutoff is the upper end of the Gaussian distance basis, in Å.
	DefaultCutoff = 5.0
	// DefaultSwishBeta is the activation shape used when none is configured.
	DefaultSwishBeta float32 = 1.0
)

// Aggregation selects how messages and atoms are pooled.
type Aggregation string

const (
	AggrAdd  Aggregation = "add"
	AggrMean Aggregation = "mean"
)

// Config holds the construction-time configuration of the EGNN.
// Zero-valued optional fields take the documented defaults; Residual has
// no unset state, so start from DefaultConfig.
type Config struct {
	NodeDim    int         `yaml:"node_dim"`
	EdgeDim    int         `yaml:"edge_dim"`
	NConvLayer int         `yaml:"n_conv_layer"`
	OutDim     int         `yaml:"out_dim"`
	HiddenDim  int         `yaml:"hidden_dim"`
	Aggr       Aggregation `yaml:"aggr"`
	Residual   bool        `yaml:"residual"`
	// EdgeAttrDim is the width of optional per-edge attributes; 0 means none.
	EdgeAttrDim int  `yaml:"edge_attr_dim"`
	ShareWeight bool `yaml:"share_weight"`
	// SwishBeta nil means DefaultSwishBeta.
	SwishBeta *float32 `yaml:"swish_beta"`
	// MaxZ 0 means DefaultMaxZ.
	MaxZ   int     `yaml:"max_z"`
	Cutoff float64 `yaml:"cutoff"`
	Seed   int64   `yaml:"seed"`
}

// DefaultConfig returns a small, usable configuration.
func DefaultConfig() Config {
	return Config{
		NodeDim:    64,
		EdgeDim:    32,
		NConvLayer: 3,
		OutDim:     1,
		HiddenDim:  DefaultHiddenDim,
		Aggr:       AggrAdd,
		Residual:   true,
		Cutoff:     DefaultCutoff,
		Seed:       42,
	}
}

// withDefaults resolves every optional field in one place.
func (c Config) withDefaults() Config {
	if c.OutDim == 0 {
		c.OutDim = 1
	}
	if c.HiddenDim == 0 {
		c.HiddenDim = DefaultHiddenDim
	}
	if c.Aggr == "" {
		c.Aggr = AggrAdd
	}
	if c.SwishBeta == nil {
		beta := DefaultSwishBeta
		c.SwishBeta = &beta
	}
	if c.MaxZ == 0 {
		c.MaxZ = DefaultMaxZ
	}
	if c.Cutoff == 0 {
		c.Cutoff = DefaultCutoff
	}
	return c
}

// Validate checks c after defaults are applied. Every failure wraps ErrConfig.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.NConvLayer <= 0:
		return configErr("n_conv_layer must be positive, got %d", c.NConvLayer)
	case c.Aggr != AggrAdd && c.Aggr != AggrMean:
		return configErr("aggr must be %q or %q, got %q", AggrAdd, AggrMean, c.Aggr)
	case c.NodeDim <= 0:
		return configErr("node_dim must be positive, got %d", c.NodeDim)
	case c.EdgeDim <= 0:
		return configErr("edge_dim must be positive, got %d", c.EdgeDim)
	case c.OutDim < 0:
		return configErr("out_dim must be positive, got %d", c.OutDim)
	case c.HiddenDim < 0:
		return configErr("hidden_dim must be positive, got %d", c.HiddenDim)
	case c.EdgeAttrDim < 0:
		return configErr("edge_attr_dim must not be negative, got %d", c.EdgeAttrDim)
	case c.MaxZ < 1:
		return configErr("max_z must be at least 1, got %d", c.MaxZ)
	case c.Cutoff < 0 || math.IsNaN(c.Cutoff) || math.IsInf(c.Cutoff, 0):
		return configErr("cutoff must be a positive finite distance, got %g", c.Cutoff)
	}
	beta := float64(*c.SwishBeta)
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return configErr("swish_beta must be finite, got %g", beta)
	}
	return nil
}

// Beta returns the resolved activation shape.
func (c Config) Beta() float32 {
	return *c.withDefaults().SwishBeta
}
