// Package config loads the YAML configuration that wires an archive
// directory, pool parameters, and replay window into a runnable backtest,
// following the nested-struct-per-concern shape of a real sync service's
// config file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document, read from a single YAML file
// (default config.yaml).
type Config struct {
	Pool struct {
		ID                  string `yaml:"ID"`
		ChainID             int    `yaml:"ChainID"`
		Token0              string `yaml:"Token0"`
		Token1              string `yaml:"Token1"`
		Symbol0             string `yaml:"Symbol0"`
		Symbol1             string `yaml:"Symbol1"`
		Decimals0           uint   `yaml:"Decimals0"`
		Decimals1           uint   `yaml:"Decimals1"`
		FeePpm              uint32 `yaml:"FeePpm"`
		TickSpacing         int    `yaml:"TickSpacing"`
		InitialSqrtPriceX96 string `yaml:"InitialSqrtPriceX96"`
	} `yaml:"Pool"`

	Archive struct {
		Dir string `yaml:"Dir"`
	} `yaml:"Archive"`

	Replay struct {
		StartMs               int64 `yaml:"StartMs"`
		EndMs                 int64 `yaml:"EndMs"`
		StepMs                int64 `yaml:"StepMs"`
		SnapshotIntervalMs    int64 `yaml:"SnapshotIntervalMs"`
		CheckpointIntervalMs  int64 `yaml:"CheckpointIntervalMs"`
		SeedFromArchive       bool  `yaml:"SeedFromArchive"`
	} `yaml:"Replay"`

	Manager struct {
		InitialCash0 string `yaml:"InitialCash0"`
		InitialCash1 string `yaml:"InitialCash1"`
	} `yaml:"Manager"`

	Output struct {
		FundCSVPath     string `yaml:"FundCSVPath"`
		PositionCSVPath string `yaml:"PositionCSVPath"`
		ReportPath      string `yaml:"ReportPath"`
	} `yaml:"Output"`

	Checkpoint struct {
		DBPath string `yaml:"DBPath"`
		RunID  string `yaml:"RunID"`
	} `yaml:"Checkpoint"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
