// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package orchestrator

import (
	"io"

	"maunium.net/go/mautrix/id"
)

// Action is a command issued by the UI against the orchestrator. The set of
// actions is closed: handing the orchestrator anything else is a programming
// error and panics.
type Action interface {
	isVerificationAction()
}

// RequestVerificationByDM sends a verification request to the other user in
// the given room.
type RequestVerificationByDM struct {
	RoomID id.RoomID
}

// StartSASVerification begins an SAS transaction against the active request.
type StartSASVerification struct{}

// ScannedOtherQR carries the raw data scanned from the other device's QR
// code.
type ScannedOtherQR struct {
	Data []byte
}

// OtherUserScannedMyQR confirms that the other device reported a successful
// scan of our QR code.
type OtherUserScannedMyQR struct{}

// OtherUserDidNotScanMyQR reports that the other device could not scan our QR
// code.
type OtherUserDidNotScanMyQR struct{}

// SASMatch confirms the short codes match.
type SASMatch struct{}

// SASDoesNotMatch reports that the short codes differ.
type SASDoesNotMatch struct{}

// GotItConclusion acknowledges the conclusion screen.
type GotItConclusion struct {
	Verified bool
}

// SkipVerification asks to abandon the verification; the user still has to
// confirm with [ConfirmCancel].
type SkipVerification struct{}

// ConfirmCancel confirms a pending cancellation.
type ConfirmCancel struct{}

// VerifyFromRecoveryKey starts the secret-storage recovery side flow.
type VerifyFromRecoveryKey struct{}

// GotRecoveryResult carries the encrypted secret storage payload obtained
// from the user.
type GotRecoveryResult struct {
	Payload  io.Reader
	KeyAlias string
}

// SecureStorageReset reports that secret storage was reset while the recovery
// flow was in progress.
type SecureStorageReset struct{}

// CancelledFromRecovery reports that the user backed out of the recovery
// flow.
type CancelledFromRecovery struct{}

func (RequestVerificationByDM) isVerificationAction() {}
func (StartSASVerification) isVerificationAction()    {}
func (ScannedOtherQR) isVerificationAction()          {}
func (OtherUserScannedMyQR) isVerificationAction()    {}
func (OtherUserDidNotScanMyQR) isVerificationAction() {}
func (SASMatch) isVerificationAction()                {}
func (SASDoesNotMatch) isVerificationAction()         {}
func (GotItConclusion) isVerificationAction()         {}
func (SkipVerification) isVerificationAction()        {}
func (ConfirmCancel) isVerificationAction()           {}
func (VerifyFromRecoveryKey) isVerificationAction()   {}
func (GotRecoveryResult) isVerificationAction()       {}
func (SecureStorageReset) isVerificationAction()      {}
func (CancelledFromRecovery) isVerificationAction()   {}
