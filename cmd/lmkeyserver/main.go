// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// lmkeyserver is a development key-exchange server. It stores prekey bundles and key backups,
// and optionally relays encrypted envelopes between connected users.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
	"github.com/quuynXp/LinguaMonkey-sub004/transport"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func initStore(ctx context.Context, cfg *Config, log *zerolog.Logger) keyserver.Store {
	if cfg.Storage == "memory" {
		log.Warn().Msg("Using in-memory storage, all bundles and backups will be lost on restart")
		return keyserver.NewMemoryStore()
	}
	log.Debug().Msg("Initializing database connection")
	db, err := dbutil.NewFromConfig("lmkeyserver", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to initialize database connection")
		os.Exit(14)
	}
	store := keyserver.NewSQLStore(db, dbutil.ZeroLogger(log.With().Str("db_section", "keyserver").Logger()))
	if err = store.Upgrade(ctx); err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade database")
		os.Exit(15)
	}
	return store
}

func main() {
	flag.SetHelpTitles("lmkeyserver - development key exchange server", "lmkeyserver [-he] [-c <path>]")
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *writeExampleConfig {
		exerrors.PanicIfNotNil(os.WriteFile(*configPath, ExampleConfig, 0600))
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)
	ctx := log.WithContext(context.Background())

	ks := &keyserver.Server{
		Store: initStore(ctx, cfg, log),
		Log:   log.With().Str("component", "key server").Logger(),
	}
	if cfg.Relay {
		ks.Relay = transport.NewHub(log.With().Str("component", "relay").Logger())
	}
	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: ks.Handler(),
	}
	go func() {
		log.Info().Str("address", cfg.Listen).Bool("relay", cfg.Relay).Msg("Starting key server")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to listen")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("Shutting down key server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down cleanly")
	}
}
