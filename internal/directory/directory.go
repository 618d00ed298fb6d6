// ABOUTME: Account directory facade over the credential store
// ABOUTME: Username resolution, legacy password checks, and device bookkeeping

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/hello-gateway/internal/keycred"
	"github.com/2389/hello-gateway/internal/store"
)

// Directory is the account-facing view of the credential store. It owns the
// policy decisions the store does not: password hashing and verification,
// and the mapping from attestation outcomes to the persisted status.
type Directory struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Directory over the given store.
func New(s store.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default().With("component", "directory")
	}
	return &Directory{store: s, logger: logger}
}

// UserID resolves a username. Returns store.ErrNotFound for unknown users.
func (d *Directory) UserID(ctx context.Context, username string) (string, error) {
	return d.store.FindUserID(ctx, username)
}

// Account retrieves an account by user ID.
func (d *Directory) Account(ctx context.Context, userID string) (*store.Account, error) {
	return d.store.GetAccount(ctx, userID)
}

// AccountsForDevice returns every account enrolled on the given device.
func (d *Directory) AccountsForDevice(ctx context.Context, deviceID string) ([]*store.Account, error) {
	return d.store.ListAccountsForDevice(ctx, deviceID)
}

// Register creates a new account. A non-empty password is bcrypt-hashed and
// stored as the legacy credential; an empty password registers a
// passwordless-only account.
func (d *Directory) Register(ctx context.Context, username, password string) (*store.Account, error) {
	if username == "" {
		return nil, errors.New("username must not be empty")
	}

	hash := ""
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		hash = string(hashed)
	}

	return d.store.CreateAccount(ctx, username, hash)
}

// ValidateCredentials checks a legacy username/password pair. It reports
// false for empty inputs, unknown users, passwordless-only accounts, and
// wrong passwords; an error only means the store itself failed.
func (d *Directory) ValidateCredentials(ctx context.Context, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}

	userID, err := d.store.FindUserID(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	account, err := d.store.GetAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	if account.PasswordHash == "" {
		return false, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		d.logger.Warn("legacy password mismatch", "username", username)
		return false, nil
	}
	return true, nil
}

// RemoveUser deletes an account and all of its enrolled devices. Returns
// false if no such account exists.
func (d *Directory) RemoveUser(ctx context.Context, userID string) (bool, error) {
	return d.store.RemoveAccount(ctx, userID)
}

// RemoveDevice forgets a device enrollment. Returns false only when the
// account itself does not exist.
func (d *Directory) RemoveDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	return d.store.RemoveDevice(ctx, userID, deviceID)
}

// UpdateDeviceDetails records a freshly created device key against the
// account, folding the attestation outcome into the persisted status.
func (d *Directory) UpdateDeviceDetails(ctx context.Context, userID, deviceID string, publicKey []byte, attestation keycred.AttestationOutcome) error {
	status := attestationStatus(attestation.State)
	if err := d.store.UpsertDevice(ctx, userID, deviceID, publicKey, status); err != nil {
		return fmt.Errorf("recording device key: %w", err)
	}
	return nil
}

// PublicKey returns the verification key enrolled for a (user, device) pair.
func (d *Directory) PublicKey(ctx context.Context, userID, deviceID string) ([]byte, error) {
	return d.store.GetPublicKey(ctx, userID, deviceID)
}

// attestationStatus maps a key facility attestation outcome to the persisted
// device status.
func attestationStatus(state keycred.AttestationState) store.AttestationStatus {
	switch state {
	case keycred.AttestationSuccess:
		return store.AttestationIncluded
	case keycred.AttestationTemporaryFailure:
		return store.AttestationRetrievableLater
	case keycred.AttestationNotSupported:
		return store.AttestationUnsupported
	default:
		return store.AttestationNone
	}
}
