// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package recovery restores cross-signing trust and key backups from
// encrypted secret storage (4S) payloads.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Names of the secrets stored in secret storage, as defined by the account
// data types they are kept under.
const (
	SecretMasterKey       = "m.cross_signing.master"
	SecretSelfSigningKey  = "m.cross_signing.self_signing"
	SecretUserSigningKey  = "m.cross_signing.user_signing"
	SecretMegolmBackupKey = "m.megolm_backup.v1"
)

var (
	ErrNoSecretsRecovered = errors.New("no secrets could be decrypted from the payload")
	ErrSecretsIncomplete  = errors.New("the decrypted payload is missing cross-signing secrets")
	ErrKeysNotTrusted     = errors.New("the recovered private keys do not produce a trusted cross-signing state")
)

// SecretStore decrypts opaque secret storage payloads.
type SecretStore interface {
	// LoadSecureSecret decrypts the given payload using the key identified by
	// alias and returns the mapping of secret names to their values.
	LoadSecureSecret(ctx context.Context, cipher io.Reader, alias string) (map[string]string, error)
}

// CrossSigningStore validates recovered private keys and records device
// trust.
type CrossSigningStore interface {
	// CheckPrivateKeysTrust reports whether the three signing secrets jointly
	// reproduce the published cross-signing identity.
	CheckPrivateKeysTrust(ctx context.Context, master, selfSigning, userSigning string) (bool, error)
	// MarkDeviceVerified marks the current device as cross-signing trusted.
	MarkDeviceVerified(ctx context.Context) error
}

// BackupVersion identifies a server-side key backup.
type BackupVersion struct {
	Version   string
	Algorithm string
}

// BackupClient talks to the server-side key backup.
type BackupClient interface {
	// GetCurrentVersion returns the latest backup version, or nil if no
	// backup exists.
	GetCurrentVersion(ctx context.Context) (*BackupVersion, error)
	RestoreKeysWithRecoveryKey(ctx context.Context, version *BackupVersion, recoveryKey string) error
	TrustKeysBackupVersion(ctx context.Context, version *BackupVersion, trusted bool) error
}

// Result is the outcome of a recovery run. Err is non-nil only for the fatal
// stages (decryption, missing secrets, trust validation); trust-marking and
// backup restoration failures are tolerated and logged.
type Result struct {
	Err error
}

// Bridge decrypts secret storage payloads, validates the recovered
// cross-signing secrets and opportunistically restores the key backup.
//
// The bridge is constructed with a session-scoped context: a recovery run
// continues to completion even if the UI interaction that triggered it has
// been torn down, because a successful backup restoration is valuable
// regardless.
type Bridge struct {
	log        zerolog.Logger
	sessionCtx context.Context

	secrets      SecretStore
	crossSigning CrossSigningStore
	backup       BackupClient
}

func NewBridge(sessionCtx context.Context, log zerolog.Logger, secrets SecretStore, crossSigning CrossSigningStore, backup BackupClient) *Bridge {
	return &Bridge{
		log: log.With().
			Str("component", "secret_recovery").
			Logger(),
		sessionCtx:   sessionCtx,
		secrets:      secrets,
		crossSigning: crossSigning,
		backup:       backup,
	}
}

// Recover decrypts the payload and processes the recovered secrets in the
// background. The returned channel receives exactly one Result and is
// buffered, so the run finishes even if nobody is listening anymore.
func (b *Bridge) Recover(cipher io.Reader, alias string) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		results <- Result{Err: b.recover(b.sessionCtx, cipher, alias)}
	}()
	return results
}

func (b *Bridge) recover(ctx context.Context, cipher io.Reader, alias string) error {
	log := b.log.With().
		Str("recovery_action", "recover from secret storage").
		Str("key_alias", alias).
		Logger()

	secrets, err := b.secrets.LoadSecureSecret(ctx, cipher, alias)
	if err != nil {
		return fmt.Errorf("failed to decrypt secret storage payload: %w", err)
	} else if len(secrets) == 0 {
		return ErrNoSecretsRecovered
	}

	master, ok1 := secrets[SecretMasterKey]
	selfSigning, ok2 := secrets[SecretSelfSigningKey]
	userSigning, ok3 := secrets[SecretUserSigningKey]
	if !ok1 || !ok2 || !ok3 {
		return ErrSecretsIncomplete
	}

	trusted, err := b.crossSigning.CheckPrivateKeysTrust(ctx, master, selfSigning, userSigning)
	if err != nil {
		return fmt.Errorf("failed to validate recovered private keys: %w", err)
	} else if !trusted {
		return ErrKeysNotTrusted
	}
	log.Info().Msg("Recovered cross-signing private keys validated")

	// Trust-marking failures do not abort the run: the keys themselves are
	// known good and the backup below is still worth restoring.
	if err = b.crossSigning.MarkDeviceVerified(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to mark the current device as verified")
	}

	b.restoreBackup(ctx, secrets[SecretMegolmBackupKey])
	return nil
}

// restoreBackup restores the server-side key backup with the recovered backup
// key on a best-effort basis. Every failure here is logged and swallowed.
func (b *Bridge) restoreBackup(ctx context.Context, backupKey string) {
	log := b.log.With().
		Str("recovery_action", "restore key backup").
		Logger()
	if backupKey == "" {
		log.Debug().Msg("No key backup secret in the recovered payload")
		return
	}

	version, err := b.backup.GetCurrentVersion(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get the current key backup version")
		return
	} else if version == nil {
		log.Info().Msg("No key backup exists on the server")
		return
	}

	log = log.With().Str("backup_version", version.Version).Logger()
	if err = b.backup.RestoreKeysWithRecoveryKey(ctx, version, backupKey); err != nil {
		log.Warn().Err(err).Msg("Failed to restore keys from backup")
		return
	}
	if err = b.backup.TrustKeysBackupVersion(ctx, version, true); err != nil {
		log.Warn().Err(err).Msg("Failed to trust the key backup version")
		return
	}
	log.Info().Msg("Restored key backup with recovered key")
}
