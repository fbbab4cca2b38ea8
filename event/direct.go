// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"fmt"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

// DirectMessage is an encrypted one-to-one message as delivered by the transport.
type DirectMessage struct {
	SenderID   id.UserID `json:"senderId"`
	ReceiverID id.UserID `json:"receiverId"`
	EncryptedMessage
}

// InboundEnvelope is the envelope a local user should decrypt from an inbound message.
// It's either an [OwnCopyEnvelope] or a [ReceivedEnvelope].
type InboundEnvelope interface {
	GetEnvelope() *Envelope
	isInboundEnvelope()
}

// OwnCopyEnvelope is selected when the local user sent the message.
type OwnCopyEnvelope struct {
	Envelope
	// Legacy is set when the message had no self fields and the receiver envelope was used instead.
	// Those can only be decrypted if the message was sent to ourselves.
	Legacy bool
}

// ReceivedEnvelope is selected when someone else sent the message.
type ReceivedEnvelope struct {
	Envelope
	SenderID id.UserID
}

func (env *OwnCopyEnvelope) GetEnvelope() *Envelope  { return &env.Envelope }
func (env *ReceivedEnvelope) GetEnvelope() *Envelope { return &env.Envelope }

func (*OwnCopyEnvelope) isInboundEnvelope()  {}
func (*ReceivedEnvelope) isInboundEnvelope() {}

// Select picks the envelope the given local user can decrypt.
func (msg *DirectMessage) Select(localUser id.UserID) InboundEnvelope {
	if localUser != "" && localUser == msg.SenderID {
		if self, ok := msg.SelfEnvelope(); ok {
			return &OwnCopyEnvelope{Envelope: self}
		}
		return &OwnCopyEnvelope{Envelope: msg.ReceiverEnvelope(), Legacy: true}
	}
	return &ReceivedEnvelope{Envelope: msg.ReceiverEnvelope(), SenderID: msg.SenderID}
}

// ParseDirectMessage parses a raw one-to-one message and selects the envelope for the local user.
func ParseDirectMessage(localUser id.UserID, data []byte) (InboundEnvelope, error) {
	var msg DirectMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse direct message: %w", err)
	}
	return msg.Select(localUser), nil
}

// RoomMessage is an encrypted room message. Content is base64(IV‖ciphertext‖tag) encrypted
// with the room's shared key.
type RoomMessage struct {
	RoomID   id.RoomID `json:"roomId"`
	SenderID id.UserID `json:"senderId,omitempty"`
	Content  string    `json:"content"`
}
