// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Transport sends outbound verification events over the wire. The messaging
// layer behind it owns encryption, retries and the to-device vs in-room
// distinction beyond the room ID: an empty roomID means a to-device event.
//
// Command submission and event notification are independent channels: a
// Transport call returning does not imply that the corresponding state update
// has been observed via the [Service] handlers.
type Transport interface {
	// SendRequest sends an m.key.verification.request and returns the
	// transaction ID assigned by the server (for in-room requests, the event
	// ID of the request message).
	SendRequest(ctx context.Context, roomID id.RoomID, to id.UserID, methods []event.VerificationMethod) (id.VerificationTransactionID, error)
	SendReady(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID, methods []event.VerificationMethod) error
	// SendStart sends an m.key.verification.start. sharedSecret is only set
	// for m.reciprocate.v1 starts after scanning a QR code.
	SendStart(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID, method event.VerificationMethod, sharedSecret []byte) error
	SendAccept(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID) error
	SendMAC(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID) error
	SendDone(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID) error
	SendCancel(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) error
}

// Listener receives fan-out notifications from the [Service]. Callbacks are
// delivered at least once and possibly redundantly; consumers must treat them
// as idempotent signals to re-derive state from the snapshot, not as deltas.
// Callbacks for a given transaction or request ID are delivered in the order
// the underlying events were processed; there is no cross-ID ordering.
//
// Callbacks are invoked while the service holds its registry lock, so they
// must not call back into the service synchronously.
type Listener interface {
	VerificationRequestCreated(ctx context.Context, req PendingRequest)
	VerificationRequestUpdated(ctx context.Context, req PendingRequest)
	TransactionCreated(ctx context.Context, txn Transaction)
	TransactionUpdated(ctx context.Context, txn Transaction)
}
