// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	_ "embed"
	"fmt"
	"os"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig []byte

type Config struct {
	Listen   string             `yaml:"listen"`
	Relay    bool               `yaml:"relay"`
	Storage  string             `yaml:"storage"`
	Database dbutil.Config      `yaml:"database"`
	Logging  zeroconfig.Config  `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	switch cfg.Storage {
	case "memory", "database":
	default:
		return nil, fmt.Errorf("invalid storage type %q", cfg.Storage)
	}
	if cfg.Listen == "" {
		return nil, fmt.Errorf("listen address not configured")
	}
	return &cfg, nil
}
