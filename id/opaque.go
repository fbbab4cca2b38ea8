// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

// A UserID identifies a chat user on the key-exchange server.
type UserID string

// A RoomID identifies a group room. Every room has exactly one shared symmetric key.
type RoomID string

// A PreKeyID references a published signed prekey. It's sent along with every envelope
// so the recipient knows which of its prekeys the sender used.
type PreKeyID string

// A OneTimeKeyID references a single key in the published one-time prekey pool.
type OneTimeKeyID string

func (userID UserID) String() string {
	return string(userID)
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (preKeyID PreKeyID) String() string {
	return string(preKeyID)
}

func (keyID OneTimeKeyID) String() string {
	return string(keyID)
}
