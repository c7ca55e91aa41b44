// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"

	"golang.org/x/exp/slices"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// TransactionState is the current step of a verification transaction.
type TransactionState int

const (
	TransactionStateUnknown TransactionState = iota
	TransactionStateStarted

	TransactionStateShortCodeReady    // An SAS short code has been derived and is waiting for user confirmation
	TransactionStateShortCodeAccepted // The user has confirmed that the short codes match

	TransactionStateQRScannedByOther // The other device has scanned the QR code we showed
	TransactionStateWaitingOtherScan // We scanned their QR code and are waiting for the other side

	TransactionStateVerified
	TransactionStateCancelled
)

func (state TransactionState) String() string {
	switch state {
	case TransactionStateUnknown:
		return "unknown"
	case TransactionStateStarted:
		return "started"
	case TransactionStateShortCodeReady:
		return "short_code_ready"
	case TransactionStateShortCodeAccepted:
		return "short_code_accepted"
	case TransactionStateQRScannedByOther:
		return "qr_scanned_by_other"
	case TransactionStateWaitingOtherScan:
		return "waiting_other_scan"
	case TransactionStateVerified:
		return "verified"
	case TransactionStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TransactionState(%d)", state)
	}
}

// Terminal reports whether the state is final. Once a transaction reaches a
// terminal state, all further mutations are no-ops.
func (state TransactionState) Terminal() bool {
	return state == TransactionStateVerified || state == TransactionStateCancelled
}

// SASData is the payload of a short-authentication-string transaction.
type SASData struct {
	// StartedByUs is whether the m.key.verification.start event was sent by
	// this device. It determines the ordering of the HKDF info values.
	StartedByUs bool
	// Decimals and Emojis are both empty until the transaction reaches
	// [TransactionStateShortCodeReady].
	Decimals []int
	Emojis   []rune
}

// QRData is the payload of a QR-code transaction. Verification completes only
// once both directions of trust have been established.
type QRData struct {
	// Code is the QR code we are showing, or nil if this device cannot show
	// QR codes for this transaction.
	Code *QRCode
	// PNG is the rendered image of Code.
	PNG []byte

	// WeScannedTheirs is whether this device scanned and validated the other
	// device's QR code.
	WeScannedTheirs bool
	// TheyScannedOurs is whether the other device scanned our QR code and
	// reciprocated our shared secret.
	TheyScannedOurs bool
}

// Transaction is a snapshot of an active verification transaction. It is a
// tagged variant: exactly one of SAS or QR is non-nil and discriminates the
// verification method in use. Snapshots handed to listeners are copies and
// never mutated by the service.
type Transaction struct {
	TransactionID id.VerificationTransactionID
	OtherUserID   id.UserID
	OtherDeviceID id.DeviceID
	// RoomID is set if the verification is happening in a room and empty for
	// to-device verifications.
	RoomID     id.RoomID
	IsIncoming bool

	State        TransactionState
	CancelCode   event.VerificationCancelCode
	CancelReason string

	SAS *SASData
	QR  *QRData
}

// Method returns the verification method of the transaction variant.
func (txn Transaction) Method() event.VerificationMethod {
	if txn.SAS != nil {
		return event.VerificationMethodSAS
	}
	return event.VerificationMethodReciprocate
}

// transaction is the mutable registry entry behind the [Transaction]
// snapshots. All of its fields are guarded by the service lock.
type transaction struct {
	Transaction

	theirMethods      []event.VerificationMethod
	weAccepted        bool
	sentOurDone       bool
	receivedTheirDone bool
}

func (txn *transaction) snapshot() Transaction {
	snap := txn.Transaction
	if txn.SAS != nil {
		sas := *txn.SAS
		sas.Decimals = slices.Clone(txn.SAS.Decimals)
		sas.Emojis = slices.Clone(txn.SAS.Emojis)
		snap.SAS = &sas
	}
	if txn.QR != nil {
		qr := *txn.QR
		qr.PNG = slices.Clone(txn.QR.PNG)
		snap.QR = &qr
	}
	return snap
}
