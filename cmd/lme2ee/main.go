// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// lme2ee is a command-line end-to-end encryption client for the key-exchange server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/zeroconfig"
	flag "maunium.net/go/mauflag"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var userOverride = flag.MakeFull("u", "user", "Use this user ID instead of the one in the config.", "").String()
var qrPath = flag.MakeFull("q", "qr", "With the fingerprint command, also save the fingerprint as a QR code PNG to this path.", "").String()
var wantHelp, _ = flag.MakeHelpFlag()

var writerTypeReadline zeroconfig.WriterType = "lme2ee_readline"

type App struct {
	Config   *Config
	Log      *zerolog.Logger
	Store    crypto.KVStore
	Client   *keyserver.Client
	Machine  *crypto.Machine
	RoomKeys *crypto.RoomKeyStore

	// Only set for interactive commands.
	Readline *readline.Instance
}

func usage() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf strings.Builder
	buf.WriteString("lme2ee [-he] [-c <path>] [-u <user ID>] <command> [args...]\n\nCommands:")
	for _, name := range names {
		_, _ = fmt.Fprintf(&buf, "\n  %s %s", name, commands[name].Usage)
	}
	return buf.String()
}

func main() {
	flag.SetHelpTitles("lme2ee - end-to-end encryption client", usage())
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
	args := flag.Args()
	if len(args) == 0 {
		flag.PrintHelp()
		os.Exit(1)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		_, _ = fmt.Fprintf(os.Stderr, "Unknown command %q\n", args[0])
		flag.PrintHelp()
		os.Exit(1)
	} else if len(args)-1 < cmd.MinArgs {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: lme2ee %s %s\n", args[0], cmd.Usage)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	if *userOverride != "" {
		cfg.UserID = id.UserID(*userOverride)
	}
	app := &App{Config: cfg}
	if cmd.Interactive {
		app.Readline = exerrors.Must(readline.New("> "))
		defer func() {
			_ = app.Readline.Close()
		}()
		zeroconfig.RegisterWriter(writerTypeReadline, func(config *zeroconfig.WriterConfig) (io.Writer, error) {
			return app.Readline.Stdout(), nil
		})
		cfg.Logging.Writers = []zeroconfig.WriterConfig{{
			Type:   writerTypeReadline,
			Format: zeroconfig.LogFormatPrettyColored,
		}}
	}
	app.Log, err = cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(app.Log)
	ctx := app.Log.WithContext(context.Background())

	var closeStore func() error
	app.Store, closeStore, err = openStore(ctx, cfg, app.Log)
	if err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to open key store")
		os.Exit(14)
	}
	defer func() {
		if err := closeStore(); err != nil {
			app.Log.Warn().Err(err).Msg("Failed to close key store")
		}
	}()
	app.Client, err = keyserver.NewClient(cfg.ServerURL, cfg.AccessToken)
	if err != nil {
		app.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Invalid server URL")
		os.Exit(11)
	}
	app.Client.Log = app.Log.With().Str("component", "key server client").Logger()
	machineLog := app.Log.With().Str("component", "e2ee").Logger()
	app.Machine = crypto.NewMachine(app.Client, app.Store, &machineLog)
	app.Machine.OneTimeKeyCount = cfg.OneTimeKeyCount
	app.Machine.BackupPassphrase = cfg.BackupPassphrase
	roomLog := app.Log.With().Str("component", "room keys").Logger()
	app.RoomKeys = crypto.NewRoomKeyStore(app.Store, &roomLog)

	if err = cmd.Fn(ctx, app, args[1:]); err != nil {
		app.Log.Error().Err(err).Str("command", args[0]).Msg("Command failed")
		// deferred closes don't run after os.Exit
		_ = closeStore()
		os.Exit(2)
	}
}
