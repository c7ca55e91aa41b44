// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package orchestrator derives the externally observable state of a
// verification flow from service events and applies the auto-accept,
// self-verification and cancellation policies.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/keyverify/recovery"
	"go.mau.fi/keyverify/verification"
)

// SessionInfo answers questions about the local user's session that gate UI
// warnings.
type SessionInfo interface {
	// HasOtherDevices reports whether the user has any session other than the
	// current one.
	HasOtherDevices(ctx context.Context, userID id.UserID) (bool, error)
	// CanCrossSign reports whether the current device is allowed to
	// cross-sign.
	CanCrossSign(ctx context.Context) (bool, error)
}

const eventBufferSize = 8

// Orchestrator consumes verification service events, projects them into a
// [ViewState] and turns UI actions into service commands.
//
// Commands are issued fire-and-forget: state is reconciled exclusively from
// the subsequent listener callbacks, never from a command's own return value,
// so there is a single state-update path.
type Orchestrator struct {
	log     zerolog.Logger
	svc     *verification.Service
	session SessionInfo
	bridge  *recovery.Bridge

	otherUserID      id.UserID
	roomID           id.RoomID
	selfVerification bool

	removeListener func()
	events         chan Event

	mu             sync.Mutex
	pinnedTxnID    id.VerificationTransactionID
	pinnedLocalID  string
	weCancelled    bool
	closed         bool
	state          ViewState
	subscribers    map[uint64]func(ViewState)
	nextSubscriber uint64
}

var _ verification.Listener = (*Orchestrator)(nil)

// New builds an orchestrator for verifying otherUserID. verificationID pins a
// specific request; in self-verification mode it is usually empty and the
// most recent unfinished request for the user is adopted instead.
func New(ctx context.Context, log zerolog.Logger, svc *verification.Service, session SessionInfo, bridge *recovery.Bridge, otherUserID id.UserID, verificationID id.VerificationTransactionID, roomID id.RoomID, selfVerification bool) *Orchestrator {
	o := &Orchestrator{
		log: log.With().
			Str("component", "verification_orchestrator").
			Stringer("other_user_id", otherUserID).
			Bool("self_verification", selfVerification).
			Logger(),
		svc:              svc,
		session:          session,
		bridge:           bridge,
		otherUserID:      otherUserID,
		roomID:           roomID,
		selfVerification: selfVerification,
		events:           make(chan Event, eventBufferSize),
		subscribers:      map[uint64]func(ViewState){},
		state: ViewState{
			OtherUserID:  otherUserID,
			RequestPhase: RequestLoading,
		},
	}
	o.removeListener = svc.AddListener(o)
	o.resolveInitial(ctx, verificationID)

	// Session facts are merged in asynchronously so they never block request
	// resolution.
	go o.computeSessionFacts(ctx)
	return o
}

// Close releases the service listener registration.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.removeListener()
}

// State returns the current view state snapshot.
func (o *Orchestrator) State() ViewState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Events returns the one-shot notification channel. Events are dropped if the
// buffer is full and nobody is draining it.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Subscribe registers an observer and immediately delivers the current state
// to it. The returned handle removes the registration.
func (o *Orchestrator) Subscribe(fn func(ViewState)) func() {
	o.mu.Lock()
	subID := o.nextSubscriber
	o.nextSubscriber++
	o.subscribers[subID] = fn
	state := o.state
	o.mu.Unlock()
	fn(state)
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subscribers, subID)
	}
}

func (o *Orchestrator) resolveInitial(ctx context.Context, verificationID id.VerificationTransactionID) {
	var req *verification.PendingRequest
	if o.selfVerification {
		// Adopt the most recent unfinished request for the user.
		for _, candidate := range o.svc.GetExistingVerificationRequests(o.otherUserID) {
			if !candidate.Finished() {
				c := candidate
				req = &c
			}
		}
	} else if verificationID != "" {
		if found, ok := o.svc.GetExistingVerificationRequest(o.otherUserID, verificationID); ok {
			req = &found
		}
	}

	o.mu.Lock()
	autoReady := false
	if !o.selfVerification {
		// Remember the pin even if the request has not arrived yet, so a later
		// inbound request with this ID is still adopted.
		o.pinnedTxnID = verificationID
	}
	if req != nil {
		o.pinnedTxnID = req.TransactionID
		o.pinnedLocalID = req.LocalID
		o.state.PendingRequest = req
		o.state.RequestPhase = RequestPresent
		if o.selfVerification && req.IsIncoming && !req.IsReady {
			// TODO decide whether in-room self-verification requests should
			// only be auto-readied when viewed from their own room.
			autoReady = true
		}
	} else {
		o.state.RequestPhase = RequestAbsent
	}
	pinned := o.pinnedTxnID
	o.mu.Unlock()

	if pinned != "" {
		if txn, ok := o.svc.GetExistingTransaction(o.otherUserID, pinned); ok {
			o.mu.Lock()
			o.storeTransactionLocked(txn)
			o.mu.Unlock()
		}
	}
	o.publish()

	if autoReady {
		go func() {
			err := o.svc.ReadyPendingVerification(ctx, o.svc.SupportedMethods(), o.otherUserID, pinned)
			if err != nil {
				o.log.Err(err).Msg("Failed to auto-ready incoming self-verification request")
			}
		}()
	}
}

func (o *Orchestrator) computeSessionFacts(ctx context.Context) {
	hasOther, err := o.session.HasOtherDevices(ctx, o.otherUserID)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to check for other sessions")
	}
	canCrossSign, err := o.session.CanCrossSign(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to check cross-signing eligibility")
	}
	o.mu.Lock()
	o.state.HasOtherSessions = hasOther
	o.state.CanCrossSign = canCrossSign
	o.mu.Unlock()
	o.publish()
}

// HandleAction executes a UI action. The action set is closed; anything else
// panics.
func (o *Orchestrator) HandleAction(ctx context.Context, action Action) {
	switch action := action.(type) {
	case RequestVerificationByDM:
		go o.requestByDM(ctx, action.RoomID)
	case StartSASVerification:
		go o.startSAS(ctx)
	case ScannedOtherQR:
		go o.command(ctx, "scan QR code", func() error {
			return o.svc.ScanOtherQRCode(ctx, o.otherUserID, action.Data)
		})
	case OtherUserScannedMyQR:
		go o.command(ctx, "confirm QR scanned", func() error {
			return o.svc.ConfirmOtherScannedMyQR(ctx, o.otherUserID, o.pinned())
		})
	case OtherUserDidNotScanMyQR:
		go o.command(ctx, "deny QR scanned", func() error {
			return o.svc.OtherUserDidNotScanMyQR(ctx, o.otherUserID, o.pinned())
		})
	case SASMatch:
		go o.command(ctx, "confirm short code", func() error {
			return o.svc.ConfirmShortCode(ctx, o.otherUserID, o.pinned())
		})
	case SASDoesNotMatch:
		go o.command(ctx, "report short code mismatch", func() error {
			return o.svc.ShortCodeMismatch(ctx, o.otherUserID, o.pinned())
		})
	case GotItConclusion:
		o.conclude(action.Verified)
	case SkipVerification:
		o.markWantsToCancel()
	case ConfirmCancel:
		go o.cancelEverything(ctx)
	case VerifyFromRecoveryKey:
		o.beginRecovery()
	case GotRecoveryResult:
		o.handleRecoveryPayload(action)
	case SecureStorageReset:
		o.resetRecoveryFlag()
	case CancelledFromRecovery:
		o.resetRecoveryFlag()
	default:
		panic(fmt.Sprintf("orchestrator: unhandled action type %T", action))
	}
}

func (o *Orchestrator) pinned() id.VerificationTransactionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pinnedTxnID
}

// command runs a fire-and-forget service command, handling its own failure.
func (o *Orchestrator) command(ctx context.Context, name string, fn func() error) {
	if err := fn(); err != nil {
		o.log.Err(err).Str("verification_action", name).Msg("Verification command failed")
		o.emit(ModalErrorEvent{Message: err.Error()})
	}
}

func (o *Orchestrator) requestByDM(ctx context.Context, roomID id.RoomID) {
	if roomID == "" {
		roomID = o.roomID
	}
	// The created request is pinned via the listener callback, not from the
	// return value.
	o.command(ctx, "request verification by DM", func() error {
		_, err := o.svc.RequestVerificationInDMs(ctx, o.svc.SupportedMethods(), o.otherUserID, roomID)
		return err
	})
}

func (o *Orchestrator) startSAS(ctx context.Context) {
	o.mu.Lock()
	req := o.state.PendingRequest
	o.mu.Unlock()
	if req == nil || !req.IsReady || req.Finished() {
		o.log.Debug().Msg("Ignoring SAS start without a ready request")
		return
	}
	o.command(ctx, "start SAS", func() error {
		if req.RoomID != "" {
			return o.svc.BeginKeyVerificationInDMs(ctx, event.VerificationMethodSAS, o.otherUserID, req.FromDevice, req.TransactionID, req.RoomID)
		}
		return o.svc.BeginKeyVerification(ctx, event.VerificationMethodSAS, o.otherUserID, req.FromDevice, req.TransactionID)
	})
}

func (o *Orchestrator) conclude(verified bool) {
	o.emit(DismissEvent{})
	o.mu.Lock()
	canCrossSign := o.state.CanCrossSign
	o.mu.Unlock()
	if !verified && !canCrossSign {
		o.emit(GoToSettingsEvent{})
	}
}

func (o *Orchestrator) markWantsToCancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminalLocked() {
		// Cancelling after the flow already concluded is a no-op.
		return
	}
	o.state.UserWantsToCancel = true
	o.publishLocked()
}

func (o *Orchestrator) terminalLocked() bool {
	if o.state.PendingRequest != nil && o.state.PendingRequest.Finished() {
		return true
	}
	if o.state.SASTransaction != nil && o.state.SASTransaction.State.Terminal() {
		return true
	}
	if o.state.QRTransaction != nil && o.state.QRTransaction.State.Terminal() {
		return true
	}
	return false
}

// cancelEverything cancels the pending request and any transaction sharing
// its ID. The service performs both conclusions under one lock acquisition,
// so a partially cancelled flow is never observable.
func (o *Orchestrator) cancelEverything(ctx context.Context) {
	o.mu.Lock()
	req := o.state.PendingRequest
	o.weCancelled = true
	o.mu.Unlock()
	if req == nil {
		o.emit(DismissEvent{})
		return
	}
	o.command(ctx, "cancel verification", func() error {
		return o.svc.CancelVerificationRequest(ctx, *req)
	})
	o.emit(DismissEvent{})
}

func (o *Orchestrator) beginRecovery() {
	o.mu.Lock()
	o.state.VerifyingFromSecretStorage = true
	o.publishLocked()
	o.mu.Unlock()
	o.emit(RequestSecretStoreAccessEvent{})
}

func (o *Orchestrator) handleRecoveryPayload(action GotRecoveryResult) {
	// The bridge itself runs on the session scope and always finishes; only
	// the result observation belongs to this orchestrator.
	results := o.bridge.Recover(action.Payload, action.KeyAlias)
	go func() {
		res := <-results
		o.mu.Lock()
		o.state.VerifyingFromSecretStorage = false
		if res.Err == nil {
			o.state.VerifiedFromPrivateKeys = true
		}
		o.publishLocked()
		o.mu.Unlock()
		if res.Err != nil {
			o.log.Warn().Err(res.Err).Msg("Secret storage recovery failed")
			o.emit(ModalErrorEvent{Message: res.Err.Error()})
		}
	}()
}

func (o *Orchestrator) resetRecoveryFlag() {
	o.mu.Lock()
	o.state.VerifyingFromSecretStorage = false
	o.publishLocked()
	o.mu.Unlock()
}

// Listener callbacks. These run while the service holds its registry lock, so
// they only mutate local state; any resulting service command is spawned on
// its own goroutine.

func (o *Orchestrator) VerificationRequestCreated(ctx context.Context, req verification.PendingRequest) {
	o.reconcileRequest(ctx, req)
}

func (o *Orchestrator) VerificationRequestUpdated(ctx context.Context, req verification.PendingRequest) {
	o.reconcileRequest(ctx, req)
}

func (o *Orchestrator) TransactionCreated(ctx context.Context, txn verification.Transaction) {
	o.reconcileTransaction(ctx, txn)
}

func (o *Orchestrator) TransactionUpdated(ctx context.Context, txn verification.Transaction) {
	o.reconcileTransaction(ctx, txn)
}

func (o *Orchestrator) reconcileRequest(ctx context.Context, req verification.PendingRequest) {
	if req.OtherUserID != o.otherUserID {
		return
	}
	o.mu.Lock()
	adopted := o.requestMatchesLocked(req)
	if !adopted && o.pinnedTxnID == "" && o.pinnedLocalID == "" {
		// Nothing pinned yet: in self-verification mode any request from the
		// target user is adopted as the active one; otherwise only our own
		// outgoing request is.
		if o.selfVerification || !req.IsIncoming {
			adopted = true
		}
	}
	if !adopted {
		o.mu.Unlock()
		return
	}
	o.pinnedTxnID = req.TransactionID
	if req.LocalID != "" {
		o.pinnedLocalID = req.LocalID
	}
	reqCopy := req
	o.state.PendingRequest = &reqCopy
	o.state.RequestPhase = RequestPresent
	if req.Cancelled() && req.CancelCode == event.VerificationCancelCodeUser && !o.weCancelled {
		o.state.WasNotMe = true
	}
	autoReady := o.selfVerification && req.IsIncoming && !req.IsReady && !req.Finished()
	pinned := o.pinnedTxnID
	o.publishLocked()
	o.mu.Unlock()

	if autoReady {
		go func() {
			err := o.svc.ReadyPendingVerification(ctx, o.svc.SupportedMethods(), o.otherUserID, pinned)
			if err != nil {
				o.log.Err(err).Msg("Failed to auto-ready incoming self-verification request")
			}
		}()
	}
}

func (o *Orchestrator) reconcileTransaction(ctx context.Context, txn verification.Transaction) {
	if txn.OtherUserID != o.otherUserID {
		return
	}
	o.mu.Lock()
	matches := o.pinnedTxnID != "" && txn.TransactionID == o.pinnedTxnID
	if !matches && o.pinnedTxnID == "" && o.selfVerification {
		// Self-verification with nothing pinned: adopt the transaction.
		o.pinnedTxnID = txn.TransactionID
		matches = true
	}
	if !matches {
		o.mu.Unlock()
		return
	}
	o.storeTransactionLocked(txn)

	// Verifying one's own second device should be frictionless: an incoming
	// SAS transaction is accepted without user interaction. This relaxation
	// of consent never applies to cross-user verification.
	autoAccept := o.selfVerification && txn.SAS != nil && txn.IsIncoming &&
		txn.State == verification.TransactionStateStarted
	o.publishLocked()
	o.mu.Unlock()

	if autoAccept {
		go func() {
			if err := o.svc.AcceptTransaction(ctx, o.otherUserID, txn.TransactionID); err != nil {
				o.log.Err(err).Msg("Failed to auto-accept self-verification SAS transaction")
			}
		}()
	}
}

func (o *Orchestrator) requestMatchesLocked(req verification.PendingRequest) bool {
	if o.pinnedLocalID != "" && req.LocalID == o.pinnedLocalID {
		return true
	}
	return o.pinnedTxnID != "" && req.TransactionID == o.pinnedTxnID
}

func (o *Orchestrator) storeTransactionLocked(txn verification.Transaction) {
	txnCopy := txn
	if txn.SAS != nil {
		o.state.SASTransaction = &txnCopy
	} else {
		o.state.QRTransaction = &txnCopy
	}
}

// publishLocked snapshots the state and subscriber list while holding the
// lock and delivers asynchronously, so subscribers may call back into the
// orchestrator.
func (o *Orchestrator) publishLocked() {
	state := o.state
	subscribers := make([]func(ViewState), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subscribers = append(subscribers, fn)
	}
	go func() {
		for _, fn := range subscribers {
			fn(state)
		}
	}()
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publishLocked()
}

// emit delivers a one-shot event, dropping it if the buffer is full.
func (o *Orchestrator) emit(evt Event) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}
	select {
	case o.events <- evt:
	default:
		o.log.Warn().Type("event_type", evt).Msg("Dropping orchestrator event, buffer is full")
	}
}
