// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"github.com/tidwall/sjson"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

// Envelope is a single one-to-one ciphertext plus the metadata needed to decrypt it.
type Envelope struct {
	// Base64 AES-GCM ciphertext including the tag.
	Ciphertext string
	// Base64 12-byte GCM IV.
	InitializationVector string
	// Base64 SPKI of the sender's ephemeral ECDH key.
	EphemeralPublicKey string
	// ID of the recipient's signed prekey the envelope was encrypted to.
	PreKeyID id.PreKeyID
}

// IsComplete returns true if all fields required for decryption are set.
func (env *Envelope) IsComplete() bool {
	return env != nil && env.Ciphertext != "" && env.InitializationVector != "" && env.EphemeralPublicKey != ""
}

// EncryptedMessage is the wire form of a dual-encrypted one-to-one message: the receiver-facing
// envelope plus the sender's own copy.
type EncryptedMessage struct {
	Content              string      `json:"content"`
	SenderEphemeralKey   string      `json:"senderEphemeralKey"`
	InitializationVector string      `json:"initializationVector"`
	UsedPreKeyID         id.PreKeyID `json:"usedPreKeyId,omitempty"`

	SelfContent              string `json:"selfContent,omitempty"`
	SelfEphemeralKey         string `json:"selfEphemeralKey,omitempty"`
	SelfInitializationVector string `json:"selfInitializationVector,omitempty"`
}

// NewEncryptedMessage combines the receiver envelope and the self-envelope into wire fields.
func NewEncryptedMessage(receiver, self *Envelope) *EncryptedMessage {
	msg := &EncryptedMessage{
		Content:              receiver.Ciphertext,
		SenderEphemeralKey:   receiver.EphemeralPublicKey,
		InitializationVector: receiver.InitializationVector,
		UsedPreKeyID:         receiver.PreKeyID,
	}
	if self != nil {
		msg.SelfContent = self.Ciphertext
		msg.SelfEphemeralKey = self.EphemeralPublicKey
		msg.SelfInitializationVector = self.InitializationVector
	}
	return msg
}

// ReceiverEnvelope returns the receiver-facing envelope.
func (msg *EncryptedMessage) ReceiverEnvelope() Envelope {
	return Envelope{
		Ciphertext:           msg.Content,
		InitializationVector: msg.InitializationVector,
		EphemeralPublicKey:   msg.SenderEphemeralKey,
		PreKeyID:             msg.UsedPreKeyID,
	}
}

// SelfEnvelope returns the sender's own copy, or false if the message doesn't have one.
func (msg *EncryptedMessage) SelfEnvelope() (Envelope, bool) {
	if msg.SelfContent == "" {
		return Envelope{}, false
	}
	return Envelope{
		Ciphertext:           msg.SelfContent,
		InitializationVector: msg.SelfInitializationVector,
		EphemeralPublicKey:   msg.SelfEphemeralKey,
	}, true
}

var wireFieldPaths = [...]string{
	"content", "senderEphemeralKey", "initializationVector", "usedPreKeyId",
	"selfContent", "selfEphemeralKey", "selfInitializationVector",
}

// ApplyTo writes the encrypted wire fields into an existing JSON message body, leaving other fields
// (like senderId or a client-side message ID) untouched. Empty self fields are removed.
func (msg *EncryptedMessage) ApplyTo(body []byte) ([]byte, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	values := [...]string{
		msg.Content, msg.SenderEphemeralKey, msg.InitializationVector, string(msg.UsedPreKeyID),
		msg.SelfContent, msg.SelfEphemeralKey, msg.SelfInitializationVector,
	}
	var err error
	for i, path := range wireFieldPaths {
		if values[i] == "" && i >= 3 {
			body, err = sjson.DeleteBytes(body, path)
		} else {
			body, err = sjson.SetBytes(body, path, values[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}
