// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// PendingRequest is the negotiation phase preceding an actual verification
// transaction: the "intent to verify" handshake between two parties.
type PendingRequest struct {
	// TransactionID is empty for locally created requests until the server
	// confirms the request, and immutable once assigned.
	TransactionID id.VerificationTransactionID
	// LocalID is a client-generated correlation ID used to match the server
	// echo of a locally created request back to its placeholder.
	LocalID string

	OtherUserID id.UserID
	// FromDevice is the other party's device that sent or accepted the
	// request.
	FromDevice id.DeviceID
	// RoomID is set for in-DM verification requests.
	RoomID id.RoomID

	IsIncoming bool
	IsReady    bool
	// OtherMethods is the list of verification methods the other device
	// supports, known once the request has been received or readied.
	OtherMethods []event.VerificationMethod

	// CancelCode and CancelReason form the cancel conclusion. The request is
	// finished once they are set.
	CancelCode   event.VerificationCancelCode
	CancelReason string
	// Done is set when a transaction spawned from this request completed.
	Done bool

	CreatedAt jsontime.UnixMilli
	UpdatedAt jsontime.UnixMilli
}

// Cancelled reports whether the request has a cancel conclusion.
func (req PendingRequest) Cancelled() bool {
	return req.CancelCode != ""
}

// Finished reports whether the request reached a terminal state, either via
// cancellation or via completion of its transaction.
func (req PendingRequest) Finished() bool {
	return req.Done || req.Cancelled()
}

func (req *PendingRequest) snapshot() PendingRequest {
	snap := *req
	snap.OtherMethods = slices.Clone(req.OtherMethods)
	return snap
}

// matches reports whether an inbound request event belongs to this pending
// request. A locally created placeholder is matched first by its local ID,
// otherwise by transaction ID. The other user ID must always match so that an
// unrelated flow reusing a transaction ID cannot false-positive-match.
func (req *PendingRequest) matches(otherUserID id.UserID, txnID id.VerificationTransactionID, localID string) bool {
	if req.OtherUserID != otherUserID {
		return false
	}
	if localID != "" && req.LocalID == localID {
		return true
	}
	return txnID != "" && req.TransactionID == txnID
}
