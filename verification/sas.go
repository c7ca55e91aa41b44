// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"crypto/sha256"
	"strings"

	"golang.org/x/crypto/hkdf"

	"maunium.net/go/mautrix/id"
)

// deriveShortCode computes the decimal and emoji representations of the short
// authentication string from the ECDH shared secret, following the SAS HKDF
// calculation in [Section 11.12.2.2.4] of the Spec. The key agreement itself
// happens in the crypto layer; only the human-comparable projection lives
// here.
//
// [Section 11.12.2.2.4]: https://spec.matrix.org/v1.9/client-server-api/#sas-hkdf-calculation
func deriveShortCode(sharedSecret []byte, ourUser id.UserID, ourDevice id.DeviceID, theirUser id.UserID, theirDevice id.DeviceID, txnID id.VerificationTransactionID, startedByUs bool) (decimals []int, emojis []rune, err error) {
	myInfo := strings.Join([]string{ourUser.String(), ourDevice.String()}, "|")
	theirInfo := strings.Join([]string{theirUser.String(), theirDevice.String()}, "|")

	var infoBuf bytes.Buffer
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_SAS|")
	if startedByUs {
		infoBuf.WriteString(myInfo + "|" + theirInfo)
	} else {
		infoBuf.WriteString(theirInfo + "|" + myInfo)
	}
	infoBuf.WriteRune('|')
	infoBuf.WriteString(txnID.String())

	reader := hkdf.New(sha256.New, sharedSecret, nil, infoBuf.Bytes())
	sasBytes := make([]byte, 6)
	if _, err = reader.Read(sasBytes); err != nil {
		return nil, nil, err
	}

	decimals = []int{
		(int(sasBytes[0])<<5 | int(sasBytes[1])>>3) + 1000,
		((int(sasBytes[1])&0x07)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6) + 1000,
		((int(sasBytes[3])&0x3f)<<7 | int(sasBytes[4])>>1) + 1000,
	}

	sasNum := uint64(sasBytes[0])<<40 | uint64(sasBytes[1])<<32 | uint64(sasBytes[2])<<24 |
		uint64(sasBytes[3])<<16 | uint64(sasBytes[4])<<8 | uint64(sasBytes[5])
	for i := 0; i < 7; i++ {
		// Right shift the number and then mask the lowest 6 bits.
		emojiIdx := (sasNum >> uint(48-(i+1)*6)) & 0b111111
		emojis = append(emojis, allEmojis[emojiIdx])
	}
	return decimals, emojis, nil
}

var allEmojis = []rune{
	'🐶', '🐱', '🦁', '🐎', '🦄', '🐷', '🐘', '🐰',
	'🐼', '🐓', '🐧', '🐢', '🐟', '🐙', '🦋', '🌷',
	'🌳', '🌵', '🍄', '🌏', '🌙', '☁', '🔥', '🍌',
	'🍎', '🍓', '🌽', '🍕', '🎂', '❤', '😀', '🤖',
	'🎩', '👓', '🔧', '🎅', '👍', '☂', '⌛', '⏰',
	'🎁', '💡', '📕', '✏', '📎', '✂', '🔒', '🔑',
	'🔨', '☎', '🏁', '🚂', '🚲', '✈', '🚀', '🏆',
	'⚽', '🎸', '🎺', '🔔', '⚓', '🎧', '📁', '📌',
}
