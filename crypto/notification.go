// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"context"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/quuynXp/LinguaMonkey-sub004/event"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

var ErrInvalidPayload = errors.New("notification payload is not valid JSON")

// NotificationDecrypter decrypts messages straight from raw push payloads, before a full message
// object is available. It may run in a cold process, so it loads keys from local storage on demand.
type NotificationDecrypter struct {
	Machine  *Machine
	RoomKeys *RoomKeyStore
}

// messageFields returns the object holding the message fields. Push providers deliver them either
// at the top level or under "data", which may itself be a JSON-encoded string.
func messageFields(payload []byte) gjson.Result {
	root := gjson.ParseBytes(payload)
	data := root.Get("data")
	if data.Type == gjson.String && gjson.Valid(data.Str) {
		data = gjson.Parse(data.Str)
	}
	if data.IsObject() {
		return data
	}
	return root
}

// Decrypt decrypts a push payload. Payloads with a roomId use the room key store, everything else
// is treated as a one-to-one message. Like all decrypt functions, it never fails outright.
func (nd *NotificationDecrypter) Decrypt(ctx context.Context, payload []byte) DecryptResult {
	if !gjson.ValidBytes(payload) {
		return decryptError(DecryptCorrupted, ErrInvalidPayload)
	}
	fields := messageFields(payload)
	if roomID := fields.Get("roomId").Str; roomID != "" {
		if nd.RoomKeys == nil {
			return decryptError(DecryptFailed, ErrNoRoomKey)
		}
		return nd.RoomKeys.DecryptMessage(ctx, id.RoomID(roomID), fields.Get("content").Str)
	}
	if nd.Machine == nil {
		return decryptError(DecryptFailed, ErrNoKeyMaterial)
	} else if !nd.Machine.Account().Complete() {
		if err := nd.Machine.Load(ctx); err != nil {
			return decryptError(DecryptFailed, err)
		}
	}
	msg := &event.DirectMessage{
		SenderID:   id.UserID(fields.Get("senderId").Str),
		ReceiverID: id.UserID(fields.Get("receiverId").Str),
		EncryptedMessage: event.EncryptedMessage{
			Content:                  fields.Get("content").Str,
			SenderEphemeralKey:       fields.Get("senderEphemeralKey").Str,
			InitializationVector:     fields.Get("initializationVector").Str,
			UsedPreKeyID:             id.PreKeyID(fields.Get("usedPreKeyId").Str),
			SelfContent:              fields.Get("selfContent").Str,
			SelfEphemeralKey:         fields.Get("selfEphemeralKey").Str,
			SelfInitializationVector: fields.Get("selfInitializationVector").Str,
		},
	}
	return nd.Machine.DecryptMessage(ctx, msg)
}
