// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/keyverify/verification"
)

type sentMessage struct {
	Type         string
	RoomID       id.RoomID
	UserID       id.UserID
	DeviceID     id.DeviceID
	TxnID        id.VerificationTransactionID
	Method       event.VerificationMethod
	Methods      []event.VerificationMethod
	SharedSecret []byte
	CancelCode   event.VerificationCancelCode
	CancelReason string
}

// mockTransport records every outbound message. Individual message types can
// be made to fail by adding them to failOn.
type mockTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	failOn    map[string]error
	nextTxnID id.VerificationTransactionID
}

var _ verification.Transport = (*mockTransport)(nil)

func newMockTransport() *mockTransport {
	return &mockTransport{
		failOn:    map[string]error{},
		nextTxnID: "$txn-from-server",
	}
}

func (mt *mockTransport) record(msg sentMessage) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if err := mt.failOn[msg.Type]; err != nil {
		return err
	}
	mt.sent = append(mt.sent, msg)
	return nil
}

func (mt *mockTransport) messages(msgType string) []sentMessage {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	var out []sentMessage
	for _, msg := range mt.sent {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (mt *mockTransport) SendRequest(ctx context.Context, roomID id.RoomID, to id.UserID, methods []event.VerificationMethod) (id.VerificationTransactionID, error) {
	err := mt.record(sentMessage{Type: "request", RoomID: roomID, UserID: to, Methods: methods})
	return mt.nextTxnID, err
}

func (mt *mockTransport) SendReady(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID, methods []event.VerificationMethod) error {
	return mt.record(sentMessage{Type: "ready", RoomID: roomID, UserID: to, DeviceID: toDevice, TxnID: txnID, Methods: methods})
}

func (mt *mockTransport) SendStart(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID, method event.VerificationMethod, sharedSecret []byte) error {
	return mt.record(sentMessage{Type: "start", RoomID: roomID, UserID: to, DeviceID: toDevice, TxnID: txnID, Method: method, SharedSecret: sharedSecret})
}

func (mt *mockTransport) SendAccept(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID) error {
	return mt.record(sentMessage{Type: "accept", RoomID: roomID, UserID: to, DeviceID: toDevice, TxnID: txnID})
}

func (mt *mockTransport) SendMAC(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID) error {
	return mt.record(sentMessage{Type: "mac", RoomID: roomID, UserID: to, DeviceID: toDevice, TxnID: txnID})
}

func (mt *mockTransport) SendDone(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID) error {
	return mt.record(sentMessage{Type: "done", RoomID: roomID, UserID: to, DeviceID: toDevice, TxnID: txnID})
}

func (mt *mockTransport) SendCancel(ctx context.Context, roomID id.RoomID, to id.UserID, toDevice id.DeviceID, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) error {
	return mt.record(sentMessage{Type: "cancel", RoomID: roomID, UserID: to, DeviceID: toDevice, TxnID: txnID, CancelCode: code, CancelReason: reason})
}

// gatedTransport holds every SendRequest until the gate is closed, simulating
// the round-trip latency before the server assigns a transaction ID.
type gatedTransport struct {
	*mockTransport
	gate chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{mockTransport: newMockTransport(), gate: make(chan struct{})}
}

func (gt *gatedTransport) SendRequest(ctx context.Context, roomID id.RoomID, to id.UserID, methods []event.VerificationMethod) (id.VerificationTransactionID, error) {
	<-gt.gate
	return gt.mockTransport.SendRequest(ctx, roomID, to, methods)
}

// mockQRKeySource hands out fixed keys and accepts any scanned keys unless
// checkErr is set.
type mockQRKeySource struct {
	mode     verification.QRCodeMode
	key1     [32]byte
	key2     [32]byte
	checkErr error
}

var _ verification.QRKeySource = (*mockQRKeySource)(nil)

func newMockQRKeySource() *mockQRKeySource {
	src := &mockQRKeySource{mode: verification.QRCodeModeCrossSigning}
	for i := range src.key1 {
		src.key1[i] = byte(i)
		src.key2[i] = byte(255 - i)
	}
	return src
}

func (mq *mockQRKeySource) QRCodeKeys(ctx context.Context, otherUserID id.UserID, otherDeviceID id.DeviceID) (verification.QRCodeMode, [32]byte, [32]byte, error) {
	return mq.mode, mq.key1, mq.key2, nil
}

func (mq *mockQRKeySource) CheckScannedKeys(ctx context.Context, mode verification.QRCodeMode, key1, key2 [32]byte) error {
	return mq.checkErr
}

// recordingListener keeps every snapshot it was handed, in order.
type recordingListener struct {
	mu           sync.Mutex
	requests     []verification.PendingRequest
	transactions []verification.Transaction
}

var _ verification.Listener = (*recordingListener)(nil)

func (rl *recordingListener) VerificationRequestCreated(ctx context.Context, req verification.PendingRequest) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.requests = append(rl.requests, req)
}

func (rl *recordingListener) VerificationRequestUpdated(ctx context.Context, req verification.PendingRequest) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.requests = append(rl.requests, req)
}

func (rl *recordingListener) TransactionCreated(ctx context.Context, txn verification.Transaction) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.transactions = append(rl.transactions, txn)
}

func (rl *recordingListener) TransactionUpdated(ctx context.Context, txn verification.Transaction) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.transactions = append(rl.transactions, txn)
}

func (rl *recordingListener) lastTransaction() (verification.Transaction, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.transactions) == 0 {
		return verification.Transaction{}, false
	}
	return rl.transactions[len(rl.transactions)-1], true
}

func (rl *recordingListener) lastRequest() (verification.PendingRequest, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.requests) == 0 {
		return verification.PendingRequest{}, false
	}
	return rl.requests[len(rl.requests)-1], true
}

var errSendFailed = fmt.Errorf("mock transport send failure")
