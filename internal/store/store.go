// ABOUTME: Store interface and data types for hello-gateway credential persistence
// ABOUTME: Defines Account, Device structs and the Store interface for account operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUsername is returned when trying to create an account whose username is taken
var ErrDuplicateUsername = errors.New("username already exists")

// AttestationStatus records what kind of key attestation was captured when a
// device was enrolled.
type AttestationStatus string

// Attestation status values for enrolled devices
const (
	AttestationIncluded         AttestationStatus = "included"          // Attestation captured at enrollment
	AttestationRetrievableLater AttestationStatus = "retrievable_later" // Temporary failure, can be fetched later
	AttestationUnsupported      AttestationStatus = "unsupported"       // Key facility cannot attest
	AttestationNone             AttestationStatus = "none"              // No attestation recorded
)

// Device binds one physical device to one public key for one account.
type Device struct {
	DeviceID    string
	PublicKey   []byte // raw verification key, PKIX DER
	Attestation AttestationStatus
	EnrolledAt  time.Time
}

// Account represents a registered user identity. PasswordHash is a bcrypt
// hash and is only present on accounts created before device-key enrollment
// (the legacy migration path); passwordless-only accounts leave it empty.
// Devices are kept in enrollment order.
type Account struct {
	UserID       string
	Username     string
	PasswordHash string
	Devices      []Device
	CreatedAt    time.Time
}

// HasDevice reports whether the account has an enrolled device with the given id.
func (a *Account) HasDevice(deviceID string) bool {
	for _, d := range a.Devices {
		if d.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// Store defines the interface for account and device credential persistence.
// Every mutating operation durably flushes the whole account collection
// before returning; a flush failure fails the operation and leaves the store
// unchanged.
type Store interface {
	// FindUserID resolves a username to its user ID.
	FindUserID(ctx context.Context, username string) (string, error)

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// ListAccountsForDevice returns every account that has an enrolled
	// device with the given id, in account creation order. A device id may
	// be enrolled under several accounts (a shared machine).
	ListAccountsForDevice(ctx context.Context, deviceID string) ([]*Account, error)

	// CreateAccount creates a new account. passwordHash may be empty for
	// passwordless-only accounts. Returns ErrDuplicateUsername if the
	// username is taken.
	CreateAccount(ctx context.Context, username, passwordHash string) (*Account, error)

	// RemoveAccount deletes an account and all of its devices. Returns
	// false if the account does not exist.
	RemoveAccount(ctx context.Context, userID string) (bool, error)

	// RemoveDevice deletes a device from an account. Returns false only if
	// the account does not exist; a missing device is not an error.
	RemoveDevice(ctx context.Context, userID, deviceID string) (bool, error)

	// UpsertDevice adds a device to an account. Insert-only: if the device
	// id already exists for that account the stored public key is left
	// untouched. Key rotation is remove followed by re-add.
	UpsertDevice(ctx context.Context, userID, deviceID string, publicKey []byte, attestation AttestationStatus) error

	// GetPublicKey returns the stored verification key for a (user, device)
	// pair.
	GetPublicKey(ctx context.Context, userID, deviceID string) ([]byte, error)

	// Close releases any resources held by the store
	Close() error
}
