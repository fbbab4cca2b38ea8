// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/random"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto"
	"github.com/quuynXp/LinguaMonkey-sub004/crypto/aesgcm"
	"github.com/quuynXp/LinguaMonkey-sub004/event"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

type Command struct {
	Usage       string
	MinArgs     int
	Interactive bool
	Fn          func(ctx context.Context, app *App, args []string) error
}

var commands = map[string]Command{
	"init":         {Usage: "- make sure keys exist locally and on the server", Fn: cmdInit},
	"fingerprint":  {Usage: "- show the identity key fingerprint", Fn: cmdFingerprint},
	"encrypt":      {Usage: "<receiver> <text...> - encrypt a direct message", MinArgs: 2, Fn: cmdEncrypt},
	"decrypt":      {Usage: "- decrypt a direct message JSON from stdin", Fn: cmdDecrypt},
	"notify":       {Usage: "- decrypt a raw push notification payload from stdin", Fn: cmdNotify},
	"room-key":     {Usage: "<room ID> [base64 key] - set a room key, generating one if not given", MinArgs: 1, Fn: cmdRoomKey},
	"room-encrypt": {Usage: "<room ID> <text...> - encrypt a room message", MinArgs: 2, Fn: cmdRoomEncrypt},
	"room-decrypt": {Usage: "<room ID> <content> - decrypt a room message", MinArgs: 2, Fn: cmdRoomDecrypt},
	"backup":       {Usage: "- upload a backup of the private keys", Fn: cmdBackup},
	"restore":      {Usage: "- restore private keys from the server backup", Fn: cmdRestore},
	"chat":         {Usage: "<peer> - chat with another user over the relay", MinArgs: 1, Interactive: true, Fn: cmdChat},
}

func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func cmdInit(ctx context.Context, app *App, _ []string) error {
	if err := app.Machine.Initialize(ctx, app.Config.UserID); err != nil {
		return err
	}
	fmt.Printf("Keys ready for %s\nFingerprint: %s\n", app.Machine.UserID(), app.Machine.Fingerprint())
	return nil
}

func cmdFingerprint(ctx context.Context, app *App, _ []string) error {
	if err := app.Machine.Load(ctx); err != nil {
		return err
	}
	fp := app.Machine.Fingerprint()
	fmt.Println(fp)
	if *qrPath != "" {
		if err := qrcode.WriteFile(fp, qrcode.Medium, 256, *qrPath); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
		fmt.Println("QR code saved to", *qrPath)
	}
	return nil
}

func cmdEncrypt(ctx context.Context, app *App, args []string) error {
	if err := app.Machine.Load(ctx); err != nil {
		return err
	}
	receiver := id.UserID(args[0])
	msg, err := app.Machine.Encrypt(ctx, receiver, "", strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	return printJSON(&event.DirectMessage{
		SenderID:         app.Machine.UserID(),
		ReceiverID:       receiver,
		EncryptedMessage: *msg,
	})
}

func cmdDecrypt(ctx context.Context, app *App, _ []string) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	} else if err = app.Machine.Load(ctx); err != nil {
		return err
	}
	inbound, err := event.ParseDirectMessage(app.Machine.UserID(), data)
	if err != nil {
		fmt.Println(app.Config.Placeholders.Corrupted)
		return err
	}
	fmt.Println(app.Machine.Decrypt(ctx, inbound).Text(&app.Config.Placeholders))
	return nil
}

func cmdNotify(ctx context.Context, app *App, _ []string) error {
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	nd := &crypto.NotificationDecrypter{Machine: app.Machine, RoomKeys: app.RoomKeys}
	fmt.Println(nd.Decrypt(ctx, payload).Text(&app.Config.Placeholders))
	return nil
}

func cmdRoomKey(ctx context.Context, app *App, args []string) error {
	roomID := id.RoomID(args[0])
	if len(args) > 1 {
		return app.RoomKeys.SetKeyBase64(ctx, roomID, args[1])
	}
	key := random.Bytes(aesgcm.KeySize)
	if err := app.RoomKeys.SetKey(ctx, roomID, key); err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(key))
	return nil
}

func cmdRoomEncrypt(ctx context.Context, app *App, args []string) error {
	roomID := id.RoomID(args[0])
	content, err := app.RoomKeys.EncryptMessage(ctx, roomID, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	return printJSON(&event.RoomMessage{RoomID: roomID, SenderID: app.Config.UserID, Content: content})
}

func cmdRoomDecrypt(ctx context.Context, app *App, args []string) error {
	res := app.RoomKeys.DecryptMessage(ctx, id.RoomID(args[0]), args[1])
	fmt.Println(res.Text(&app.Config.Placeholders))
	return nil
}

func cmdBackup(ctx context.Context, app *App, _ []string) error {
	if err := app.Machine.Load(ctx); err != nil {
		return err
	} else if err = app.Machine.UploadBackup(ctx, app.Machine.UserID()); err != nil {
		return err
	}
	fmt.Println("Key backup uploaded")
	return nil
}

func cmdRestore(ctx context.Context, app *App, _ []string) error {
	restored, err := app.Machine.Restore(ctx, app.Config.UserID)
	if err != nil {
		return err
	} else if !restored {
		fmt.Println("No key backup found on the server")
		return nil
	}
	fmt.Printf("Keys restored\nFingerprint: %s\n", app.Machine.Fingerprint())
	return nil
}
