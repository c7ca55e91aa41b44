// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package orchestrator

import (
	"maunium.net/go/mautrix/id"

	"go.mau.fi/keyverify/verification"
)

// RequestPhase describes the resolution of the active pending request.
type RequestPhase int

const (
	// RequestLoading means the orchestrator has not yet determined whether a
	// request exists.
	RequestLoading RequestPhase = iota
	RequestAbsent
	RequestPresent
)

func (phase RequestPhase) String() string {
	switch phase {
	case RequestLoading:
		return "loading"
	case RequestAbsent:
		return "absent"
	case RequestPresent:
		return "present"
	default:
		return "RequestPhase(?)"
	}
}

// ViewState is the externally observable snapshot of the verification flow.
// It is a pure projection recomputed on every underlying event and holds no
// independent source of truth; the snapshot pointers must not be mutated by
// observers.
type ViewState struct {
	OtherUserID id.UserID

	RequestPhase   RequestPhase
	PendingRequest *verification.PendingRequest

	SASTransaction *verification.Transaction
	QRTransaction  *verification.Transaction

	// UserWantsToCancel is set while a user-initiated cancellation awaits
	// confirmation. It is never set once the flow is already terminal.
	UserWantsToCancel bool
	// WasNotMe is set when the remote party cancelled claiming the request
	// did not come from them.
	WasNotMe bool

	// VerifyingFromSecretStorage is set while the 4S recovery side flow is in
	// progress.
	VerifyingFromSecretStorage bool
	// VerifiedFromPrivateKeys is set once recovered cross-signing private
	// keys validated successfully.
	VerifiedFromPrivateKeys bool

	// CanCrossSign is whether this device is permitted to cross-sign.
	CanCrossSign bool
	// HasOtherSessions is whether the local user has any other active
	// session. Both flags are computed asynchronously and merged in without
	// blocking request resolution.
	HasOtherSessions bool
}

// Event is a one-shot notification to the UI, delivered on the orchestrator's
// event channel.
type Event interface {
	isOrchestratorEvent()
}

// DismissEvent tells the UI to close the verification surface.
type DismissEvent struct{}

// GoToSettingsEvent tells the UI to navigate to the security settings.
type GoToSettingsEvent struct{}

// ModalErrorEvent tells the UI to show a human-readable error.
type ModalErrorEvent struct {
	Message string
}

// RequestSecretStoreAccessEvent tells the UI to prompt for secret storage
// access (passphrase or recovery key).
type RequestSecretStoreAccessEvent struct{}

func (DismissEvent) isOrchestratorEvent()                  {}
func (GoToSettingsEvent) isOrchestratorEvent()             {}
func (ModalErrorEvent) isOrchestratorEvent()               {}
func (RequestSecretStoreAccessEvent) isOrchestratorEvent() {}
