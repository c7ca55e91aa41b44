// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verification implements the device and cross-signing verification
// engine: pending verification requests, SAS and QR code transactions, and
// the per-session registry that routes inbound protocol events and fans out
// state changes to listeners.
//
// The cryptographic key agreement, wire-format parsing and event transport
// are external collaborators; this package owns the state machines and their
// reconciliation.
package verification
