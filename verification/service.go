// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	ErrNoReadyRequest      = errors.New("no ready verification request for transaction")
	ErrUnsupportedMethod   = errors.New("verification method is not supported by both sides")
	ErrTransactionExists   = errors.New("a transaction already exists for this request")
	ErrQRCodesNotSupported = errors.New("this service was constructed without a QR key source")
	errTransactionNotFound = errors.New("transaction not found")
)

type transactionKey struct {
	userID id.UserID
	txnID  id.VerificationTransactionID
}

// Service is the single source of truth for active verification requests and
// transactions within a session. It routes inbound protocol events to the
// correct request or transaction and fans out change notifications to
// registered listeners.
//
// All registry mutation is serialized through a single write lock, so
// concurrent commands against the same transaction resolve deterministically:
// once a transaction is terminal, every further mutation is a no-op.
type Service struct {
	log       zerolog.Logger
	userID    id.UserID
	deviceID  id.DeviceID
	transport Transport
	// qrKeys may be nil, in which case QR transactions cannot be created.
	qrKeys QRKeySource

	// supportedMethods are the methods that *we* support.
	supportedMethods []event.VerificationMethod

	lock           sync.RWMutex
	requests       map[id.UserID][]*PendingRequest
	transactions   map[transactionKey]*transaction
	listeners      map[uint64]Listener
	nextListenerID uint64
}

func NewService(log zerolog.Logger, userID id.UserID, deviceID id.DeviceID, transport Transport, qrKeys QRKeySource, supportedMethods []event.VerificationMethod) *Service {
	if transport == nil {
		panic("verification: transport is nil")
	}
	supportedMethods = slices.Clone(supportedMethods)
	slices.Sort(supportedMethods)
	supportedMethods = slices.Compact(supportedMethods)
	return &Service{
		log: log.With().
			Str("component", "verification").
			Logger(),
		userID:           userID,
		deviceID:         deviceID,
		transport:        transport,
		qrKeys:           qrKeys,
		supportedMethods: supportedMethods,
		requests:         map[id.UserID][]*PendingRequest{},
		transactions:     map[transactionKey]*transaction{},
		listeners:        map[uint64]Listener{},
	}
}

// SupportedMethods returns the verification methods this device supports.
func (s *Service) SupportedMethods() []event.VerificationMethod {
	return slices.Clone(s.supportedMethods)
}

// AddListener registers a listener and returns a handle that removes the
// registration. The service tolerates having no listeners at all.
func (s *Service) AddListener(listener Listener) func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	listenerID := s.nextListenerID
	s.nextListenerID++
	s.listeners[listenerID] = listener
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.listeners, listenerID)
	}
}

// Lookups. Reads may proceed concurrently with each other; only mutation is
// serialized.

// GetExistingVerificationRequest returns the request with the given
// transaction ID for the given user, if any.
func (s *Service) GetExistingVerificationRequest(otherUserID id.UserID, txnID id.VerificationTransactionID) (PendingRequest, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if req := s.findRequest(otherUserID, txnID, ""); req != nil {
		return req.snapshot(), true
	}
	return PendingRequest{}, false
}

// GetExistingVerificationRequests returns all requests for the given user in
// arrival order, most recent last.
func (s *Service) GetExistingVerificationRequests(otherUserID id.UserID) []PendingRequest {
	s.lock.RLock()
	defer s.lock.RUnlock()
	reqs := make([]PendingRequest, len(s.requests[otherUserID]))
	for i, req := range s.requests[otherUserID] {
		reqs[i] = req.snapshot()
	}
	return reqs
}

// GetExistingTransaction returns the active transaction with the given ID, if
// any. Callers discriminate SAS from QR by matching on the snapshot's variant
// payloads.
func (s *Service) GetExistingTransaction(otherUserID id.UserID, txnID id.VerificationTransactionID) (Transaction, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if txn, ok := s.transactions[transactionKey{otherUserID, txnID}]; ok {
		return txn.snapshot(), true
	}
	return Transaction{}, false
}

// RequestVerificationInDMs creates a verification request for the given user
// in the given room. The returned request carries a local correlation ID; the
// transaction ID is merged in once the server echo arrives.
func (s *Service) RequestVerificationInDMs(ctx context.Context, methods []event.VerificationMethod, otherUserID id.UserID, roomID id.RoomID) (PendingRequest, error) {
	localID := xid.New().String()
	log := s.log.With().
		Str("verification_action", "request verification in DMs").
		Stringer("room_id", roomID).
		Stringer("other_user_id", otherUserID).
		Str("local_id", localID).
		Logger()
	log.Info().Msg("Sending verification request")

	req := &PendingRequest{
		LocalID:      localID,
		OtherUserID:  otherUserID,
		RoomID:       roomID,
		OtherMethods: slices.Clone(methods),
		CreatedAt:    jsontime.UnixMilliNow(),
		UpdatedAt:    jsontime.UnixMilliNow(),
	}
	s.lock.Lock()
	s.requests[otherUserID] = append(s.requests[otherUserID], req)
	s.notifyRequestCreated(ctx, req.snapshot())
	s.lock.Unlock()

	txnID, err := s.transport.SendRequest(ctx, roomID, otherUserID, methods)

	s.lock.Lock()
	if err != nil {
		if !req.Finished() {
			req.CancelCode = event.VerificationCancelCodeInternalError
			req.CancelReason = "Failed to send the verification request."
			req.UpdatedAt = jsontime.UnixMilliNow()
			s.notifyRequestUpdated(ctx, req.snapshot())
		}
		snap := req.snapshot()
		s.lock.Unlock()
		return snap, fmt.Errorf("failed to send verification request: %w", err)
	}
	if req.Cancelled() {
		// Cancelled while the send was in flight. The remote side already saw
		// the request, so revoke it with the ID the server just assigned.
		code, reason := req.CancelCode, req.CancelReason
		snap := req.snapshot()
		s.lock.Unlock()
		if cancelErr := s.transport.SendCancel(ctx, roomID, otherUserID, "", txnID, code, reason); cancelErr != nil {
			log.Err(cancelErr).Msg("Failed to revoke request cancelled during send")
		}
		return snap, nil
	}
	if req.TransactionID == "" {
		req.TransactionID = txnID
		req.UpdatedAt = jsontime.UnixMilliNow()
		s.notifyRequestUpdated(ctx, req.snapshot())
	}
	snap := req.snapshot()
	s.lock.Unlock()
	return snap, nil
}

// ReadyPendingVerification accepts an incoming verification request,
// advertising the intersection of our methods with theirs. It is a silent
// no-op unless the request is incoming and not yet ready: the UI is expected
// to already reflect the disabling condition.
func (s *Service) ReadyPendingVerification(ctx context.Context, methods []event.VerificationMethod, otherUserID id.UserID, txnID id.VerificationTransactionID) error {
	log := s.log.With().
		Str("verification_action", "ready pending verification").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	req := s.findRequest(otherUserID, txnID, "")
	if req == nil || !req.IsIncoming || req.IsReady || req.Finished() {
		s.lock.Unlock()
		log.Debug().Msg("Ignoring ready for a request that is not incoming and pending")
		return nil
	}
	common := intersectMethods(methods, req.OtherMethods)
	req.IsReady = true
	req.UpdatedAt = jsontime.UnixMilliNow()
	snap := req.snapshot()
	roomID, fromDevice := req.RoomID, req.FromDevice
	s.notifyRequestUpdated(ctx, snap)
	s.lock.Unlock()

	log.Info().Any("methods", common).Msg("Sending ready event")
	if err := s.transport.SendReady(ctx, roomID, otherUserID, fromDevice, txnID, common); err != nil {
		log.Err(err).Msg("Failed to send ready event")
		s.cancelRequest(ctx, otherUserID, txnID, "", event.VerificationCancelCodeInternalError, "Failed to send the ready event.", false)
		return fmt.Errorf("failed to send ready event: %w", err)
	}
	return nil
}

// BeginKeyVerification creates and registers a transaction against an
// already-ready to-device request.
func (s *Service) BeginKeyVerification(ctx context.Context, method event.VerificationMethod, otherUserID id.UserID, otherDeviceID id.DeviceID, txnID id.VerificationTransactionID) error {
	return s.beginKeyVerification(ctx, method, otherUserID, otherDeviceID, txnID, "")
}

// BeginKeyVerificationInDMs is [Service.BeginKeyVerification] for in-room
// requests.
func (s *Service) BeginKeyVerificationInDMs(ctx context.Context, method event.VerificationMethod, otherUserID id.UserID, otherDeviceID id.DeviceID, txnID id.VerificationTransactionID, roomID id.RoomID) error {
	return s.beginKeyVerification(ctx, method, otherUserID, otherDeviceID, txnID, roomID)
}

func (s *Service) beginKeyVerification(ctx context.Context, method event.VerificationMethod, otherUserID id.UserID, otherDeviceID id.DeviceID, txnID id.VerificationTransactionID, roomID id.RoomID) error {
	log := s.log.With().
		Str("verification_action", "begin key verification").
		Str("method", string(method)).
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	var qr *QRData
	if method != event.VerificationMethodSAS {
		if s.qrKeys == nil {
			return ErrQRCodesNotSupported
		}
		qr = &QRData{}
		// Only the show method has anything to display; for scanning, the
		// code (and its shared secret) belongs to the other device.
		if method == event.VerificationMethodQRCodeShow {
			mode, key1, key2, err := s.qrKeys.QRCodeKeys(ctx, otherUserID, otherDeviceID)
			if err != nil {
				return fmt.Errorf("failed to get QR code keys: %w", err)
			}
			qr.Code = NewQRCode(mode, txnID, key1, key2)
			png, err := qr.Code.Image()
			if err != nil {
				return fmt.Errorf("failed to render QR code: %w", err)
			}
			qr.PNG = png
		}
	}

	s.lock.Lock()
	req := s.findRequest(otherUserID, txnID, "")
	if req == nil || !req.IsReady || req.Finished() {
		s.lock.Unlock()
		return ErrNoReadyRequest
	}
	if !slices.Contains(req.OtherMethods, method) {
		s.lock.Unlock()
		return ErrUnsupportedMethod
	}
	key := transactionKey{otherUserID, txnID}
	if _, ok := s.transactions[key]; ok {
		s.lock.Unlock()
		return ErrTransactionExists
	}
	txn := &transaction{
		Transaction: Transaction{
			TransactionID: txnID,
			OtherUserID:   otherUserID,
			OtherDeviceID: otherDeviceID,
			RoomID:        roomID,
			State:         TransactionStateStarted,
			QR:            qr,
		},
		theirMethods: slices.Clone(req.OtherMethods),
	}
	if method == event.VerificationMethodSAS {
		txn.SAS = &SASData{StartedByUs: true}
	}
	s.transactions[key] = txn
	s.notifyTransactionCreated(ctx, txn.snapshot())
	s.lock.Unlock()

	if method == event.VerificationMethodSAS {
		log.Info().Msg("Sending SAS start event")
		if err := s.transport.SendStart(ctx, roomID, otherUserID, otherDeviceID, txnID, event.VerificationMethodSAS, nil); err != nil {
			log.Err(err).Msg("Failed to send start event")
			s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeInternalError, "Failed to send the start event.")
			return fmt.Errorf("failed to send start event: %w", err)
		}
	}
	return nil
}

// AcceptTransaction accepts an incoming SAS transaction. It is a silent no-op
// unless the transaction is an incoming SAS transaction in the started state.
func (s *Service) AcceptTransaction(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) error {
	log := s.log.With().
		Str("verification_action", "accept transaction").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.SAS == nil || txn.State != TransactionStateStarted || !txn.IsIncoming || txn.weAccepted {
		s.lock.Unlock()
		log.Debug().Msg("Ignoring accept for a transaction that is not an incoming started SAS transaction")
		return nil
	}
	txn.weAccepted = true
	roomID, otherDeviceID := txn.RoomID, txn.OtherDeviceID
	s.lock.Unlock()

	log.Info().Msg("Sending accept event")
	if err := s.transport.SendAccept(ctx, roomID, otherUserID, otherDeviceID, txnID); err != nil {
		log.Err(err).Msg("Failed to send accept event")
		s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeInternalError, "Failed to send the accept event.")
		return fmt.Errorf("failed to send accept event: %w", err)
	}
	return nil
}

// ConfirmShortCode indicates that the user confirmed that the short code
// matches the one shown on the other device. Valid only while the short code
// is displayed.
func (s *Service) ConfirmShortCode(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) error {
	log := s.log.With().
		Str("verification_action", "confirm short code").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.SAS == nil || txn.State != TransactionStateShortCodeReady {
		s.lock.Unlock()
		log.Debug().Msg("Ignoring short code confirmation outside of the short code ready state")
		return nil
	}
	txn.State = TransactionStateShortCodeAccepted
	roomID, otherDeviceID := txn.RoomID, txn.OtherDeviceID
	s.notifyTransactionUpdated(ctx, txn.snapshot())
	s.lock.Unlock()

	log.Info().Msg("Sending MAC event")
	if err := s.transport.SendMAC(ctx, roomID, otherUserID, otherDeviceID, txnID); err != nil {
		log.Err(err).Msg("Failed to send MAC event")
		s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeInternalError, "Failed to send the MAC event.")
		return fmt.Errorf("failed to send MAC event: %w", err)
	}
	if err := s.transport.SendDone(ctx, roomID, otherUserID, otherDeviceID, txnID); err != nil {
		log.Err(err).Msg("Failed to send done event")
		s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeInternalError, "Failed to send the done event.")
		return fmt.Errorf("failed to send done event: %w", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	txn, ok = s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.State.Terminal() {
		return nil
	}
	txn.sentOurDone = true
	if txn.receivedTheirDone {
		s.completeTransaction(ctx, txn)
	}
	return nil
}

// ShortCodeMismatch indicates that the short codes do not match. This forces
// a cancelled terminal state and propagates the cancellation to the remote
// party.
func (s *Service) ShortCodeMismatch(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) error {
	s.lock.Lock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.SAS == nil || txn.State != TransactionStateShortCodeReady {
		s.lock.Unlock()
		s.log.Debug().
			Stringer("transaction_id", txnID).
			Msg("Ignoring short code mismatch outside of the short code ready state")
		return nil
	}
	s.lock.Unlock()
	return s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeSASMismatch, "The short authentication string does not match.")
}

// CancelTransaction cancels a transaction from any non-terminal state and
// propagates the cancellation to the remote party. It is idempotent once the
// transaction is terminal.
func (s *Service) CancelTransaction(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) error {
	log := s.log.With().
		Str("verification_action", "cancel transaction").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Str("cancel_code", string(code)).
		Logger()

	s.lock.Lock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.State.Terminal() {
		s.lock.Unlock()
		log.Debug().Msg("Ignoring cancel for an unknown or terminal transaction")
		return nil
	}
	roomID, otherDeviceID := txn.RoomID, txn.OtherDeviceID
	s.cancelTransactionLocked(ctx, txn, code, reason)
	s.lock.Unlock()

	log.Info().Msg("Sending cancellation event")
	if err := s.transport.SendCancel(ctx, roomID, otherUserID, otherDeviceID, txnID, code, reason); err != nil {
		log.Err(err).Msg("Failed to send cancellation event")
		return fmt.Errorf("failed to send cancellation event: %w", err)
	}
	return nil
}

// CancelVerificationRequest cancels a pending request and any transaction
// sharing its transaction ID. Partial cancellation is never observable: both
// are concluded under the same lock acquisition. A locally created placeholder
// whose server echo has not arrived yet is matched by its local ID; the wire
// cancellation for it is sent once the send in flight learns the assigned
// transaction ID.
func (s *Service) CancelVerificationRequest(ctx context.Context, req PendingRequest) error {
	return s.cancelRequest(ctx, req.OtherUserID, req.TransactionID, req.LocalID, event.VerificationCancelCodeUser, "The user cancelled the verification.", true)
}

func (s *Service) cancelRequest(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID, localID string, code event.VerificationCancelCode, reason string, propagate bool) error {
	log := s.log.With().
		Str("verification_action", "cancel request").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	req := s.findRequest(otherUserID, txnID, localID)
	if req == nil || req.Finished() {
		s.lock.Unlock()
		log.Debug().Msg("Ignoring cancel for an unknown or finished request")
		return nil
	}
	req.CancelCode = code
	req.CancelReason = reason
	req.UpdatedAt = jsontime.UnixMilliNow()
	// The caller's snapshot may predate the server echo, so the live
	// transaction ID is the one to conclude and propagate with.
	roomID, fromDevice, liveTxnID := req.RoomID, req.FromDevice, req.TransactionID
	s.notifyRequestUpdated(ctx, req.snapshot())
	if txn, ok := s.transactions[transactionKey{otherUserID, liveTxnID}]; ok && !txn.State.Terminal() {
		s.cancelTransactionLocked(ctx, txn, code, reason)
	}
	s.lock.Unlock()

	if propagate && liveTxnID != "" {
		if err := s.transport.SendCancel(ctx, roomID, otherUserID, fromDevice, liveTxnID, code, reason); err != nil {
			log.Err(err).Msg("Failed to send cancellation event")
			return fmt.Errorf("failed to send cancellation event: %w", err)
		}
	}
	return nil
}

// ScanOtherQRCode handles the data from scanning the other device's QR code.
// The transaction ID comes from the scanned payload; the transaction is
// created on the fly from the matching ready request if it does not exist yet.
func (s *Service) ScanOtherQRCode(ctx context.Context, otherUserID id.UserID, data []byte) error {
	if s.qrKeys == nil {
		return ErrQRCodesNotSupported
	}
	code, err := NewQRCodeFromBytes(data)
	if err != nil {
		return err
	}
	txnID := code.TransactionID
	log := s.log.With().
		Str("verification_action", "scan QR code").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Int("mode", int(code.Mode)).
		Logger()
	log.Info().Msg("Verifying keys from scanned QR code")

	if err = s.qrKeys.CheckScannedKeys(ctx, code.Mode, code.Key1, code.Key2); err != nil {
		log.Warn().Err(err).Msg("Scanned QR code keys did not validate")
		cancelErr := s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeKeyMismatch, "The scanned QR code contained unexpected keys.")
		if cancelErr != nil {
			log.Err(cancelErr).Msg("Failed to cancel transaction after key mismatch")
		}
		return fmt.Errorf("scanned QR code keys did not validate: %w", err)
	}

	s.lock.Lock()
	key := transactionKey{otherUserID, txnID}
	txn, ok := s.transactions[key]
	if !ok {
		req := s.findRequest(otherUserID, txnID, "")
		if req == nil || !req.IsReady || req.Finished() {
			s.lock.Unlock()
			return ErrNoReadyRequest
		}
		txn = &transaction{
			Transaction: Transaction{
				TransactionID: txnID,
				OtherUserID:   otherUserID,
				OtherDeviceID: req.FromDevice,
				RoomID:        req.RoomID,
				State:         TransactionStateStarted,
				QR:            &QRData{},
			},
			theirMethods: slices.Clone(req.OtherMethods),
		}
		s.transactions[key] = txn
		s.notifyTransactionCreated(ctx, txn.snapshot())
	}
	if txn.QR == nil || txn.State.Terminal() {
		s.lock.Unlock()
		return errTransactionNotFound
	}
	txn.QR.WeScannedTheirs = true
	if txn.State == TransactionStateStarted {
		txn.State = TransactionStateWaitingOtherScan
	}
	roomID, otherDeviceID := txn.RoomID, txn.OtherDeviceID
	s.notifyTransactionUpdated(ctx, txn.snapshot())
	s.lock.Unlock()

	// Reciprocate the shared secret and immediately send our done event: our
	// direction of trust is established by having scanned the code.
	if err = s.transport.SendStart(ctx, roomID, otherUserID, otherDeviceID, txnID, event.VerificationMethodReciprocate, code.SharedSecret); err != nil {
		log.Err(err).Msg("Failed to send reciprocate start event")
		s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeInternalError, "Failed to send the reciprocate start event.")
		return fmt.Errorf("failed to send reciprocate start event: %w", err)
	}
	if err = s.transport.SendDone(ctx, roomID, otherUserID, otherDeviceID, txnID); err != nil {
		log.Err(err).Msg("Failed to send done event")
		s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeInternalError, "Failed to send the done event.")
		return fmt.Errorf("failed to send done event: %w", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if txn, ok = s.transactions[key]; ok && !txn.State.Terminal() {
		txn.sentOurDone = true
		if txn.receivedTheirDone {
			s.completeTransaction(ctx, txn)
		}
	}
	return nil
}

// ConfirmOtherScannedMyQR confirms that the other device scanned our QR code
// successfully, completing our direction of trust.
func (s *Service) ConfirmOtherScannedMyQR(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) error {
	log := s.log.With().
		Str("verification_action", "confirm QR code scanned").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.QR == nil || txn.State != TransactionStateQRScannedByOther {
		s.lock.Unlock()
		log.Debug().Msg("Ignoring scan confirmation for a transaction not in the QR scanned state")
		return nil
	}
	roomID, otherDeviceID := txn.RoomID, txn.OtherDeviceID
	txn.sentOurDone = true
	s.completeTransaction(ctx, txn)
	s.lock.Unlock()

	log.Info().Msg("Confirming QR code scanned")
	if err := s.transport.SendDone(ctx, roomID, otherUserID, otherDeviceID, txnID); err != nil {
		log.Err(err).Msg("Failed to send done event")
		return fmt.Errorf("failed to send done event: %w", err)
	}
	return nil
}

// OtherUserDidNotScanMyQR indicates that the other device reported something
// different than a successful scan. The transaction is cancelled.
func (s *Service) OtherUserDidNotScanMyQR(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) error {
	return s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeKeyMismatch, "The other user failed to scan the QR code.")
}

// Inbound protocol event handlers. These are called by the SDK sync layer
// with already-decoded payloads.

// HandleRequest processes an inbound m.key.verification.request. A request
// matching a locally created placeholder (by local ID, or by transaction ID
// for the same user) is merged into it, so the server echo of our own request
// never produces a duplicate pending entry.
func (s *Service) HandleRequest(ctx context.Context, otherUserID id.UserID, fromDevice id.DeviceID, roomID id.RoomID, txnID id.VerificationTransactionID, localID string, methods []event.VerificationMethod) {
	log := s.log.With().
		Str("verification_action", "inbound request").
		Stringer("other_user_id", otherUserID).
		Stringer("from_device", fromDevice).
		Stringer("transaction_id", txnID).
		Logger()

	if otherUserID == s.userID && fromDevice == s.deviceID {
		log.Warn().Msg("Ignoring verification request from our own device")
		return
	}
	if txnID == "" {
		log.Warn().Msg("Ignoring verification request without a transaction ID")
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if req := s.findRequest(otherUserID, txnID, localID); req != nil {
		if req.Finished() {
			log.Debug().Msg("Ignoring request event for a finished request")
			return
		}
		if req.TransactionID == "" {
			req.TransactionID = txnID
		}
		if req.FromDevice == "" {
			req.FromDevice = fromDevice
		}
		req.UpdatedAt = jsontime.UnixMilliNow()
		s.notifyRequestUpdated(ctx, req.snapshot())
		return
	}

	log.Info().Any("requested_methods", methods).Msg("Received verification request")
	req := &PendingRequest{
		TransactionID: txnID,
		OtherUserID:   otherUserID,
		FromDevice:    fromDevice,
		RoomID:        roomID,
		IsIncoming:    true,
		OtherMethods:  slices.Clone(methods),
		CreatedAt:     jsontime.UnixMilliNow(),
		UpdatedAt:     jsontime.UnixMilliNow(),
	}
	s.requests[otherUserID] = append(s.requests[otherUserID], req)
	s.notifyRequestCreated(ctx, req.snapshot())
}

// HandleReady processes an inbound m.key.verification.ready: the other side
// accepted a request we sent.
func (s *Service) HandleReady(ctx context.Context, otherUserID id.UserID, fromDevice id.DeviceID, txnID id.VerificationTransactionID, methods []event.VerificationMethod) {
	log := s.log.With().
		Str("verification_action", "inbound ready").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	defer s.lock.Unlock()
	req := s.findRequest(otherUserID, txnID, "")
	if req == nil || req.IsReady || req.Finished() {
		log.Warn().Msg("Ignoring ready event for a request that is not in the requested state")
		return
	}
	req.IsReady = true
	req.FromDevice = fromDevice
	req.OtherMethods = slices.Clone(methods)
	req.UpdatedAt = jsontime.UnixMilliNow()
	s.notifyRequestUpdated(ctx, req.snapshot())
}

// HandleStart processes an inbound m.key.verification.start. For SAS it
// creates the transaction; for reciprocate it checks the echoed shared secret
// from our QR code.
func (s *Service) HandleStart(ctx context.Context, otherUserID id.UserID, fromDevice id.DeviceID, txnID id.VerificationTransactionID, method event.VerificationMethod, sharedSecret []byte) {
	log := s.log.With().
		Str("verification_action", "inbound start").
		Str("method", string(method)).
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	switch method {
	case event.VerificationMethodSAS:
		s.lock.Lock()
		key := transactionKey{otherUserID, txnID}
		if _, ok := s.transactions[key]; ok {
			s.lock.Unlock()
			log.Warn().Msg("Ignoring SAS start event for an already started transaction")
			return
		}
		req := s.findRequest(otherUserID, txnID, "")
		if req == nil || !req.IsReady || req.Finished() {
			s.lock.Unlock()
			log.Warn().Msg("Rejecting SAS start event without a matching ready request")
			s.rejectUnknown(ctx, otherUserID, fromDevice, txnID)
			return
		}
		txn := &transaction{
			Transaction: Transaction{
				TransactionID: txnID,
				OtherUserID:   otherUserID,
				OtherDeviceID: fromDevice,
				RoomID:        req.RoomID,
				IsIncoming:    true,
				State:         TransactionStateStarted,
				SAS:           &SASData{},
			},
			theirMethods: slices.Clone(req.OtherMethods),
		}
		s.transactions[key] = txn
		log.Info().Msg("Received SAS verification start event")
		s.notifyTransactionCreated(ctx, txn.snapshot())
		s.lock.Unlock()
	case event.VerificationMethodReciprocate:
		s.lock.Lock()
		txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
		if !ok || txn.QR == nil || txn.QR.Code == nil || txn.State.Terminal() {
			s.lock.Unlock()
			log.Warn().Msg("Rejecting reciprocate start event without a QR code on display")
			s.rejectUnknown(ctx, otherUserID, fromDevice, txnID)
			return
		}
		if !bytes.Equal(txn.QR.Code.SharedSecret, sharedSecret) {
			s.lock.Unlock()
			log.Warn().Msg("Reciprocated shared secret does not match")
			_ = s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeKeyMismatch, "The reciprocated shared secret does not match.")
			return
		}
		log.Info().Msg("Received reciprocate start event")
		txn.QR.TheyScannedOurs = true
		txn.State = TransactionStateQRScannedByOther
		s.notifyTransactionUpdated(ctx, txn.snapshot())
		s.lock.Unlock()
	default:
		log.Warn().Msg("Unsupported verification method in start event")
		_ = s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeUnknownMethod, fmt.Sprintf("Unknown method %s", method))
	}
}

// HandleAccept processes an inbound m.key.verification.accept for an SAS
// transaction we started. The key exchange continues in the crypto layer
// until HandleKeysExchanged is called.
func (s *Service) HandleAccept(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) {
	s.lock.RLock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	s.lock.RUnlock()
	if !ok || txn.SAS == nil || txn.State != TransactionStateStarted {
		s.log.Warn().
			Stringer("transaction_id", txnID).
			Msg("Ignoring accept event for a transaction that is not a started SAS transaction")
		return
	}
	s.log.Info().
		Str("verification_action", "inbound accept").
		Stringer("transaction_id", txnID).
		Msg("The other device accepted our SAS start")
}

// HandleKeysExchanged is called by the crypto layer once the ephemeral key
// exchange for an SAS transaction has completed. The engine derives the
// human-comparable short code from the shared secret and moves the
// transaction to the short code ready state.
func (s *Service) HandleKeysExchanged(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID, sharedSecret []byte) {
	log := s.log.With().
		Str("verification_action", "inbound keys exchanged").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.SAS == nil || txn.State != TransactionStateStarted {
		s.lock.Unlock()
		log.Warn().Msg("Ignoring keys exchanged event for a transaction that is not a started SAS transaction")
		return
	}
	decimals, emojis, err := deriveShortCode(sharedSecret, s.userID, s.deviceID, otherUserID, txn.OtherDeviceID, txnID, txn.SAS.StartedByUs)
	if err != nil {
		s.lock.Unlock()
		log.Err(err).Msg("Failed to compute HKDF for short code")
		_ = s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeInternalError, "Failed to derive the short authentication string.")
		return
	}
	txn.SAS.Decimals = decimals
	txn.SAS.Emojis = emojis
	txn.State = TransactionStateShortCodeReady
	s.notifyTransactionUpdated(ctx, txn.snapshot())
	s.lock.Unlock()
}

// HandleDone processes an inbound m.key.verification.done.
func (s *Service) HandleDone(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) {
	log := s.log.With().
		Str("verification_action", "inbound done").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Logger()

	s.lock.Lock()
	defer s.lock.Unlock()
	txn, ok := s.transactions[transactionKey{otherUserID, txnID}]
	if !ok || txn.State.Terminal() {
		log.Warn().Msg("Ignoring done event for an unknown or terminal transaction")
		return
	}
	txn.receivedTheirDone = true
	if txn.sentOurDone {
		log.Info().Msg("Verification done")
		s.completeTransaction(ctx, txn)
	}
}

// HandleCancel processes an inbound m.key.verification.cancel. Both the
// transaction and the request sharing its ID are concluded.
func (s *Service) HandleCancel(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	s.log.Info().
		Str("verification_action", "inbound cancel").
		Stringer("other_user_id", otherUserID).
		Stringer("transaction_id", txnID).
		Str("cancel_code", string(code)).
		Str("reason", reason).
		Msg("Verification was cancelled by the remote party")

	s.lock.Lock()
	defer s.lock.Unlock()
	if txn, ok := s.transactions[transactionKey{otherUserID, txnID}]; ok && !txn.State.Terminal() {
		s.cancelTransactionLocked(ctx, txn, code, reason)
	}
	if req := s.findRequest(otherUserID, txnID, ""); req != nil && !req.Finished() {
		req.CancelCode = code
		req.CancelReason = reason
		req.UpdatedAt = jsontime.UnixMilliNow()
		s.notifyRequestUpdated(ctx, req.snapshot())
	}
}

// Internal helpers. All of these require the write lock to be held.

func (s *Service) findRequest(otherUserID id.UserID, txnID id.VerificationTransactionID, localID string) *PendingRequest {
	for _, req := range s.requests[otherUserID] {
		if req.matches(otherUserID, txnID, localID) {
			return req
		}
	}
	return nil
}

// completeTransaction marks the transaction as verified, concludes the paired
// request and removes the transaction from the registry.
func (s *Service) completeTransaction(ctx context.Context, txn *transaction) {
	txn.State = TransactionStateVerified
	s.notifyTransactionUpdated(ctx, txn.snapshot())
	if req := s.findRequest(txn.OtherUserID, txn.TransactionID, ""); req != nil && !req.Finished() {
		req.Done = true
		req.UpdatedAt = jsontime.UnixMilliNow()
		s.notifyRequestUpdated(ctx, req.snapshot())
	}
	delete(s.transactions, transactionKey{txn.OtherUserID, txn.TransactionID})
}

// cancelTransactionLocked moves the transaction to the cancelled terminal
// state and removes it from the registry. It never sends anything.
func (s *Service) cancelTransactionLocked(ctx context.Context, txn *transaction, code event.VerificationCancelCode, reason string) {
	txn.State = TransactionStateCancelled
	txn.CancelCode = code
	txn.CancelReason = reason
	s.notifyTransactionUpdated(ctx, txn.snapshot())
	delete(s.transactions, transactionKey{txn.OtherUserID, txn.TransactionID})
}

// rejectUnknown sends a cancellation for an event that does not belong to any
// active transaction, mirroring what a compliant client does for unknown
// transaction IDs.
func (s *Service) rejectUnknown(ctx context.Context, otherUserID id.UserID, fromDevice id.DeviceID, txnID id.VerificationTransactionID) {
	err := s.transport.SendCancel(ctx, "", otherUserID, fromDevice, txnID, event.VerificationCancelCodeUnknownTransaction, "The transaction ID was not recognized.")
	if err != nil {
		s.log.Err(err).
			Stringer("transaction_id", txnID).
			Msg("Failed to send cancellation for unknown transaction")
	}
}

func (s *Service) notifyRequestCreated(ctx context.Context, req PendingRequest) {
	for _, listener := range s.listeners {
		listener.VerificationRequestCreated(ctx, req)
	}
}

func (s *Service) notifyRequestUpdated(ctx context.Context, req PendingRequest) {
	for _, listener := range s.listeners {
		listener.VerificationRequestUpdated(ctx, req)
	}
}

func (s *Service) notifyTransactionCreated(ctx context.Context, txn Transaction) {
	for _, listener := range s.listeners {
		listener.TransactionCreated(ctx, txn)
	}
}

func (s *Service) notifyTransactionUpdated(ctx context.Context, txn Transaction) {
	for _, listener := range s.listeners {
		listener.TransactionUpdated(ctx, txn)
	}
}

func intersectMethods(ours, theirs []event.VerificationMethod) []event.VerificationMethod {
	var common []event.VerificationMethod
	for _, method := range ours {
		if slices.Contains(theirs, method) {
			common = append(common, method)
		}
	}
	return common
}
