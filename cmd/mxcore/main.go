// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mxcore/pkg/mxcore"
	"go.mau.fi/mxcore/pkg/mxcore/history"
	"go.mau.fi/mxcore/pkg/mxcore/store"
	"go.mau.fi/mxcore/pkg/mxcore/vault"
	"go.mau.fi/mxcore/pkg/mxcore/version"
)

var wantHelp, _ = flag.MakeHelpFlag()
var username = flag.MakeFull("u", "user", "Matrix user ID or bare localpart.", "").String()
var password = flag.MakeFull("p", "password", "Password for the first login.", "").String()
var homeserver = flag.MakeFull("s", "homeserver", "Explicit homeserver URL, skips discovery.", "").String()
var dataDir = flag.MakeFull("d", "data-dir", "Directory for the databases and credential vault.", "").String()
var verbose = flag.MakeFull("v", "verbose", "Enable debug logging.", "false").Bool()
var wantVersion = flag.MakeFull("V", "version", "Print the version and exit.", "false").Bool()

func main() {
	flag.SetHelpTitles(
		"mxcore - A headless Matrix sync and encryption engine.",
		"mxcore -u <user> [-p <password>] [-s <url>] [-d <dir>] [-v]",
	)
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *wantVersion {
		fmt.Println(version.Description)
		os.Exit(0)
	} else if *username == "" {
		_, _ = fmt.Fprintln(os.Stderr, "A user ID is required")
		flag.PrintHelp()
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}).With().Timestamp().Logger()
	if !*verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	dir := *dataDir
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".local", "share", "mxcore")
	}
	if err = os.MkdirAll(dir, 0o700); err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("Failed to create data directory")
	}

	ctx := log.WithContext(context.Background())
	db, err := store.Open(ctx, filepath.Join(dir, "mxcore.db"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()
	hist, err := history.Open(filepath.Join(dir, "history.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer func() {
		_ = hist.Close()
	}()
	credVault, err := vault.NewFileVault(filepath.Join(dir, "credentials.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open credential vault")
	}

	cli := mxcore.New(mxcore.Config{
		UserID:     *username,
		Password:   *password,
		Homeserver: *homeserver,
	}, log, db, hist, credVault)
	cli.StatusFn = func(status mxcore.Status) {
		evt := log.Info()
		if status.Err != nil {
			evt = log.Error().Err(status.Err)
		}
		evt.Stringer("state", status.State).Str("action", status.Action).Msg("Status update")
	}
	cli.RoomChanged = func(roomID id.RoomID) {
		log.Debug().Stringer("room_id", roomID).Msg("Room changed")
	}

	cli.Start(ctx)
	go commandLoop(ctx, cli, log)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Shutting down")
	cli.Stop()
}

// commandLoop reads send commands from stdin:
//
//	/send !room:server some message text
func commandLoop(ctx context.Context, cli *mxcore.Client, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 || parts[0] != "/send" {
			log.Warn().Str("input", line).Msg("Unrecognized command, expected /send <room_id> <text>")
			continue
		}
		msg := cli.SendText(id.RoomID(parts[1]), parts[2])
		log.Info().Str("txn_id", msg.TxnID).Msg("Message queued")
	}
	if ctx.Err() == nil && scanner.Err() != nil {
		log.Warn().Err(scanner.Err()).Msg("Stdin closed")
	}
}
