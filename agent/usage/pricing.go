package usage

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultPricing []byte

// Price is the USD rate per 1,000,000 tokens.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type PriceTable struct {
	Default Price            `yaml:"default"`
	Models  map[string]Price `yaml:"models"`
}

// ParsePriceTable decodes a YAML price table.
func ParsePriceTable(raw []byte) (PriceTable, error) {
	var table PriceTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return PriceTable{}, fmt.Errorf("parse price table: %w", err)
	}
	if table.Models == nil {
		table.Models = map[string]Price{}
	}
	return table, nil
}

// DefaultPriceTable returns the embedded price table.
func DefaultPriceTable() PriceTable {
	table, err := ParsePriceTable(defaultPricing)
	if err != nil {
		panic(err)
	}
	return table
}

// Lookup returns the price for model, falling back to the default rate.
func (p PriceTable) Lookup(model string) Price {
	if price, ok := p.Models[strings.TrimSpace(model)]; ok {
		return price
	}
	return p.Default
}
