package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// GridFile is the YAML layout of GRID_CONFIG_PATH. Fields left out keep the
// values coming from the environment.
type GridFile struct {
	Pair string `yaml:"pair"`
	Grid struct {
		Bottom  *decimal.Decimal `yaml:"bottom"`
		Top     *decimal.Decimal `yaml:"top"`
		Levels  int              `yaml:"levels"`
		Spacing string           `yaml:"spacing"`
		Center  *decimal.Decimal `yaml:"center"`
	} `yaml:"grid"`
	Capital struct {
		InitialFiat   *decimal.Decimal `yaml:"initial_fiat"`
		InitialCrypto *decimal.Decimal `yaml:"initial_crypto"`
		OrderAmount   *decimal.Decimal `yaml:"order_amount"`
	} `yaml:"capital"`
	Risk struct {
		TakeProfit *Threshold `yaml:"take_profit"`
		StopLoss   *Threshold `yaml:"stop_loss"`
	} `yaml:"risk"`
}

// LoadGridFile reads a grid definition from a YAML file.
func LoadGridFile(path string) (*GridFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f GridFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse grid file %s: %w", path, err)
	}
	return &f, nil
}

// ApplyGridFile overlays the YAML grid file at path onto c.
func (c *Config) ApplyGridFile(path string) error {
	f, err := LoadGridFile(path)
	if err != nil {
		return err
	}
	if f.Pair != "" {
		c.Pair = strings.ToUpper(f.Pair)
		c.Base, c.Quote = splitPair(c.Pair)
	}
	if f.Grid.Bottom != nil {
		c.GridBottom = *f.Grid.Bottom
	}
	if f.Grid.Top != nil {
		c.GridTop = *f.Grid.Top
	}
	if f.Grid.Levels > 0 {
		c.GridLevels = f.Grid.Levels
	}
	if f.Grid.Spacing != "" {
		c.GridSpacing = strings.ToLower(f.Grid.Spacing)
	}
	if f.Grid.Center != nil {
		c.GridCenter = *f.Grid.Center
	}
	if f.Capital.InitialFiat != nil {
		c.InitialFiat = *f.Capital.InitialFiat
	}
	if f.Capital.InitialCrypto != nil {
		c.InitialCrypto = *f.Capital.InitialCrypto
	}
	if f.Capital.OrderAmount != nil {
		c.OrderAmount = *f.Capital.OrderAmount
	}
	if f.Risk.TakeProfit != nil {
		c.TakeProfit = *f.Risk.TakeProfit
	}
	if f.Risk.StopLoss != nil {
		c.StopLoss = *f.Risk.StopLoss
	}
	return nil
}
