// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

// Placeholders are the texts shown instead of a message that couldn't be decrypted.
// Replace them to localize.
type Placeholders struct {
	Corrupted      string `yaml:"corrupted"`
	Undecryptable  string `yaml:"undecryptable"`
	Failed         string `yaml:"failed"`
	RoomKeyLoading string `yaml:"room_key_loading"`
}

var DefaultPlaceholders = Placeholders{
	Corrupted:      "🔒 Message is corrupted",
	Undecryptable:  "🔒 Unable to decrypt: message is from an old or rotated key",
	Failed:         "🔒 Decryption failed",
	RoomKeyLoading: "🔒 Room key is still loading…",
}
