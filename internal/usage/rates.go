package usage

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type rateFile struct {
	Rates []rateEntry `yaml:"rates"`
}

// rateEntry keeps rates as strings so no precision is lost to float parsing.
type rateEntry struct {
	Class  string `yaml:"class"`
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

// LoadRateTable reads a YAML rate table. Environment variables in the form
// ${VAR} are expanded before parsing.
//
//	rates:
//	  - class: gpt-4o
//	    input: "0.0025"
//	    output: "0.01"
func LoadRateTable(path string) (RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("usage: read rate table: %w", err)
	}
	return ParseRateTable(data)
}

// ParseRateTable decodes the YAML form accepted by LoadRateTable.
func ParseRateTable(data []byte) (RateTable, error) {
	expanded := os.ExpandEnv(string(data))

	var f rateFile
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("usage: parse rate table: %w", err)
	}

	table := make(RateTable, len(f.Rates))
	for i, e := range f.Rates {
		if e.Class == "" {
			return nil, fmt.Errorf("usage: rate table: rates[%d]: class is required", i)
		}
		if _, dup := table[e.Class]; dup {
			return nil, fmt.Errorf("usage: rate table: duplicate class %q", e.Class)
		}
		in, err := parseRate(e.Input)
		if err != nil {
			return nil, fmt.Errorf("usage: rate table: rates[%d] (%s): input: %w", i, e.Class, err)
		}
		out, err := parseRate(e.Output)
		if err != nil {
			return nil, fmt.Errorf("usage: rate table: rates[%d] (%s): output: %w", i, e.Class, err)
		}
		table[e.Class] = Rate{Input: in, Output: out}
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// DefaultRateTable is used when no rate file is configured. One credit is
// one tenth of a US cent.
func DefaultRateTable() RateTable {
	return RateTable{
		"gpt-4o":            {Input: decimal.RequireFromString("0.0025"), Output: decimal.RequireFromString("0.01")},
		"gpt-4o-mini":       {Input: decimal.RequireFromString("0.00015"), Output: decimal.RequireFromString("0.0006")},
		"claude-3-5-sonnet": {Input: decimal.RequireFromString("0.003"), Output: decimal.RequireFromString("0.015")},
		"claude-3-5-haiku":  {Input: decimal.RequireFromString("0.0008"), Output: decimal.RequireFromString("0.004")},
		"text-embedding-3-small": {
			Input:  decimal.RequireFromString("0.00002"),
			Output: decimal.Zero,
		},
	}
}
