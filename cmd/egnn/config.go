package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-egnn/internal/predict/model"
)

// Overrides captures model settings given on the command line. Zero values
// leave the file (or default) value alone.
type Overrides struct {
	NodeDim     int
	EdgeDim     int
	NConvLayer  int
	OutDim      int
	HiddenDim   int
	Aggr        string
	EdgeAttrDim int
	Cutoff      float64
	Seed        int64
	ShareWeight bool
}

// loadModelConfig starts from model.DefaultConfig and overlays the YAML file
// at path when one is given.
func loadModelConfig(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := parseYAML(f, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func parseYAML(r io.Reader, cfg *model.Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// applyOverrides updates cfg using any non-zero override.
func applyOverrides(cfg *model.Config, o Overrides) {
	if o.NodeDim > 0 {
		cfg.NodeDim = o.NodeDim
	}
	if o.EdgeDim > 0 {
		cfg.EdgeDim = o.EdgeDim
	}
	if o.NConvLayer > 0 {
		cfg.NConvLayer = o.NConvLayer
	}
	if o.OutDim > 0 {
		cfg.OutDim = o.OutDim
	}
	if o.HiddenDim > 0 {
		cfg.HiddenDim = o.HiddenDim
	}
	if o.Aggr != "" {
		cfg.Aggr = model.Aggregation(o.Aggr)
	}
	if o.EdgeAttrDim > 0 {
		cfg.EdgeAttrDim = o.EdgeAttrDim
	}
	if o.Cutoff > 0 {
		cfg.Cutoff = o.Cutoff
	}
	if o.Seed != 0 {
		cfg.Seed = o.Seed
	}
	if o.ShareWeight {
		cfg.ShareWeight = true
	}
}

// parseBytes reads sizes such as "64MB" or "512KiB"; "" and "0" mean no
// limit.
func parseBytes(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}
