// ABOUTME: Key provider abstraction over a device's local secure key facility
// ABOUTME: Closed result variants for create/open/sign and the Provider interface

package keycred

import "context"

// Status is the outcome of an interactive key operation. The key facility
// reports these instead of errors: most of them are expected states of the
// user's device, not faults.
type Status int

// Key operation outcomes
const (
	StatusSuccess       Status = iota // Operation completed
	StatusUserCanceled                // User abandoned the PIN/biometric prompt
	StatusNotConfigured               // No unlock factor set up on this device
	StatusAlreadyExists               // A key for this identity already exists
	StatusNotFound                    // No key for this identity
	StatusDeviceLocked                // Key facility locked out after repeated failures
	StatusUnknownError                // Opaque platform failure
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUserCanceled:
		return "user canceled"
	case StatusNotConfigured:
		return "not configured"
	case StatusAlreadyExists:
		return "already exists"
	case StatusNotFound:
		return "not found"
	case StatusDeviceLocked:
		return "device locked"
	case StatusUnknownError:
		return "unknown error"
	default:
		return "invalid status"
	}
}

// Key is a handle to a device-bound credential. The private half never
// leaves the provider; signing goes through Provider.Sign.
type Key interface {
	// Name returns the identity the key was created for.
	Name() string
	// PublicKey returns the raw verification key (PKIX DER).
	PublicKey() []byte
}

// CreateKeyResult is the outcome of CreateKey. Key is set only on
// StatusSuccess.
type CreateKeyResult struct {
	Status Status
	Key    Key
}

// OpenKeyResult is the outcome of OpenKey. Key is set only on StatusSuccess.
type OpenKeyResult struct {
	Status Status
	Key    Key
}

// SignResult is the outcome of Sign. Signature is set only on StatusSuccess.
type SignResult struct {
	Status    Status
	Signature []byte
}

// AttestationState classifies the attestation fetched for a freshly created
// key.
type AttestationState int

// Attestation outcomes
const (
	AttestationSuccess          AttestationState = iota // Attestation and certificate chain captured
	AttestationTemporaryFailure                         // Not available now, retrievable later
	AttestationNotSupported                             // Key facility cannot attest
)

// AttestationOutcome carries the attestation material for a created key.
// Attestation and CertificateChain are set only on AttestationSuccess.
type AttestationOutcome struct {
	State            AttestationState
	Attestation      []byte
	CertificateChain []byte
}

// Provider abstracts the local secure key facility. Interactive operations
// (CreateKey, Sign) may suspend for an unbounded, user-controlled duration
// on a PIN or biometric prompt; callers must not hold locks across them.
// Cancellation is user-initiated only and surfaces as StatusUserCanceled.
type Provider interface {
	// IsAvailable reports whether the key facility is present and the user
	// has an unlock factor configured. Flows must not proceed when false.
	IsAvailable(ctx context.Context) bool

	// CreateKey creates a key pair for the identity, replacing any existing
	// key for the same identity. Repeated calls never accumulate stale keys.
	CreateKey(ctx context.Context, name string) CreateKeyResult

	// OpenKey opens an existing key without prompting the user.
	OpenKey(ctx context.Context, name string) OpenKeyResult

	// Sign signs message with the key's private half after the user passes
	// the unlock prompt.
	Sign(ctx context.Context, key Key, message []byte) SignResult

	// DeleteKey removes the identity's key. Best-effort: a missing key is
	// not an error.
	DeleteKey(ctx context.Context, name string) error

	// Attestation fetches attestation material for a created key.
	Attestation(ctx context.Context, key Key) AttestationOutcome
}
