// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/quuynXp/LinguaMonkey-sub004/event"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/transport"
)

func cmdChat(ctx context.Context, app *App, args []string) error {
	peer := id.UserID(args[0])
	if err := app.Machine.Initialize(ctx, app.Config.UserID); err != nil {
		return err
	}
	userID := app.Machine.UserID()
	conn, err := transport.Dial(ctx, app.Config.ServerURL, userID, app.Log.With().Str("component", "relay").Logger())
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	out := app.Readline.Stdout()
	_, _ = fmt.Fprintf(out, "Chatting with %s as %s (fingerprint %s)\n", peer, userID, app.Machine.Fingerprint())

	go func() {
		for msg := range conn.Messages() {
			var dm event.DirectMessage
			if err := json.Unmarshal(msg.Payload, &dm); err != nil {
				app.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to parse relayed message")
				continue
			}
			// the relay sets the sender, don't trust the one inside the payload
			dm.SenderID = msg.From
			res := app.Machine.DecryptMessage(ctx, &dm)
			_, _ = fmt.Fprintf(out, "%s: %s\n", msg.From, res.Text(&app.Config.Placeholders))
		}
		_, _ = fmt.Fprintln(out, "Relay connection closed")
	}()

	for {
		line, err := app.Readline.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		msg, err := app.Machine.Encrypt(ctx, peer, userID, line)
		if err != nil {
			_, _ = fmt.Fprintln(out, "Failed to encrypt message:", err)
			continue
		}
		dm := &event.DirectMessage{SenderID: userID, ReceiverID: peer, EncryptedMessage: *msg}
		if _, err = conn.Send(ctx, peer, dm); err != nil {
			return err
		}
		// show our own copy the same way the history would
		_, _ = fmt.Fprintf(out, "%s: %s\n", userID, app.Machine.DecryptMessage(ctx, dm).Text(&app.Config.Placeholders))
	}
}
