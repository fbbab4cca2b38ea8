// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

//go:embed example-config.yaml
var ExampleConfig []byte

type StoreConfig struct {
	Type     string        `yaml:"type"`
	Path     string        `yaml:"path"`
	Database dbutil.Config `yaml:"database"`
}

type Config struct {
	ServerURL        string    `yaml:"server_url"`
	AccessToken      string    `yaml:"access_token"`
	UserID           id.UserID `yaml:"user_id"`
	OneTimeKeyCount  int       `yaml:"one_time_key_count"`
	BackupPassphrase string    `yaml:"backup_passphrase"`

	Store        StoreConfig         `yaml:"store"`
	Placeholders crypto.Placeholders `yaml:"placeholders"`
	Logging      zeroconfig.Config   `yaml:"logging"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Config{
		OneTimeKeyCount: crypto.DefaultOneTimeKeyCount,
		Placeholders:    crypto.DefaultPlaceholders,
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	} else if cfg.ServerURL == "" {
		return nil, errors.New("server_url not configured")
	}
	return &cfg, nil
}

// openStore opens the configured local key store. The returned function closes it.
func openStore(ctx context.Context, cfg *Config, log *zerolog.Logger) (crypto.KVStore, func() error, error) {
	switch cfg.Store.Type {
	case "leveldb":
		store, err := crypto.NewLevelStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open leveldb store: %w", err)
		}
		return store, store.Close, nil
	case "database":
		db, err := dbutil.NewFromConfig("lme2ee", cfg.Store.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		store := crypto.NewSQLStore(db, dbutil.ZeroLogger(log.With().Str("db_section", "e2ee").Logger()), cfg.UserID.String())
		if err = store.DB.Upgrade(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to upgrade database: %w", err)
		}
		return store, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid store type %q", cfg.Store.Type)
	}
}
