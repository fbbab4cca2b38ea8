// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/quuynXp/LinguaMonkey-sub004/event"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

const dualMessage = `{
	"senderId": "alice",
	"receiverId": "bob",
	"content": "cmVjZWl2ZXI=",
	"senderEphemeralKey": "ZXBoMQ==",
	"initializationVector": "aXYx",
	"usedPreKeyId": "spk-bob",
	"selfContent": "c2VsZg==",
	"selfEphemeralKey": "ZXBoMg==",
	"selfInitializationVector": "aXYy"
}`

func TestParseDirectMessage(t *testing.T) {
	t.Run("Receiver", func(t *testing.T) {
		inbound, err := event.ParseDirectMessage("bob", []byte(dualMessage))
		require.NoError(t, err)
		received, ok := inbound.(*event.ReceivedEnvelope)
		require.True(t, ok)
		assert.Equal(t, id.UserID("alice"), received.SenderID)
		assert.Equal(t, "cmVjZWl2ZXI=", received.Ciphertext)
		assert.Equal(t, id.PreKeyID("spk-bob"), received.PreKeyID)
		assert.True(t, inbound.GetEnvelope().IsComplete())
	})
	t.Run("Sender", func(t *testing.T) {
		inbound, err := event.ParseDirectMessage("alice", []byte(dualMessage))
		require.NoError(t, err)
		own, ok := inbound.(*event.OwnCopyEnvelope)
		require.True(t, ok)
		assert.False(t, own.Legacy)
		assert.Equal(t, "c2VsZg==", own.Ciphertext)
		assert.Equal(t, "ZXBoMg==", own.EphemeralPublicKey)
		assert.Equal(t, "aXYy", own.InitializationVector)
	})
	t.Run("LegacySender", func(t *testing.T) {
		legacy := `{"senderId":"alice","receiverId":"bob","content":"YQ==","senderEphemeralKey":"Yg==","initializationVector":"Yw=="}`
		inbound, err := event.ParseDirectMessage("alice", []byte(legacy))
		require.NoError(t, err)
		own, ok := inbound.(*event.OwnCopyEnvelope)
		require.True(t, ok)
		assert.True(t, own.Legacy)
		assert.Equal(t, "YQ==", own.Ciphertext)
	})
	t.Run("MissingFields", func(t *testing.T) {
		inbound, err := event.ParseDirectMessage("bob", []byte(`{"senderId":"alice","content":"YQ=="}`))
		require.NoError(t, err)
		assert.False(t, inbound.GetEnvelope().IsComplete())
	})
	t.Run("InvalidJSON", func(t *testing.T) {
		_, err := event.ParseDirectMessage("bob", []byte(`{"senderId":`))
		assert.Error(t, err)
	})
}

func TestEncryptedMessage_ApplyTo(t *testing.T) {
	receiver := &event.Envelope{Ciphertext: "Y3Q=", InitializationVector: "aXY=", EphemeralPublicKey: "ZXBo", PreKeyID: "spk1"}
	self := &event.Envelope{Ciphertext: "c2N0", InitializationVector: "c2l2", EphemeralPublicKey: "c2VwaA=="}
	msg := event.NewEncryptedMessage(receiver, self)

	body, err := msg.ApplyTo([]byte(`{"senderId":"alice","clientMessageId":"abc","content":"plaintext"}`))
	require.NoError(t, err)
	parsed := gjson.ParseBytes(body)
	assert.Equal(t, "abc", parsed.Get("clientMessageId").Str)
	assert.Equal(t, "Y3Q=", parsed.Get("content").Str)
	assert.Equal(t, "spk1", parsed.Get("usedPreKeyId").Str)
	assert.Equal(t, "c2N0", parsed.Get("selfContent").Str)

	// applying a message without a self copy removes stale self fields
	body, err = event.NewEncryptedMessage(receiver, nil).ApplyTo(body)
	require.NoError(t, err)
	parsed = gjson.ParseBytes(body)
	assert.False(t, parsed.Get("selfContent").Exists())
	assert.False(t, parsed.Get("selfEphemeralKey").Exists())
	assert.Equal(t, "alice", parsed.Get("senderId").Str)

	body, err = msg.ApplyTo(nil)
	require.NoError(t, err)
	assert.Equal(t, "ZXBo", gjson.GetBytes(body, "senderEphemeralKey").Str)
}

func TestEncryptedMessage_SelfEnvelope(t *testing.T) {
	env := &event.Envelope{Ciphertext: "a", InitializationVector: "b", EphemeralPublicKey: "c", PreKeyID: "d"}
	msg := event.NewEncryptedMessage(env, env)
	self, ok := msg.SelfEnvelope()
	require.True(t, ok)
	assert.Equal(t, msg.ReceiverEnvelope().Ciphertext, self.Ciphertext)
	assert.Empty(t, self.PreKeyID)

	_, ok = event.NewEncryptedMessage(env, nil).SelfEnvelope()
	assert.False(t, ok)
}
