// ABOUTME: Authentication orchestrator driving enrollment and sign-in flows
// ABOUTME: Sequences directory, key provider, and challenge service calls

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/hello-gateway/internal/challenge"
	"github.com/2389/hello-gateway/internal/device"
	"github.com/2389/hello-gateway/internal/directory"
	"github.com/2389/hello-gateway/internal/keycred"
	"github.com/2389/hello-gateway/internal/store"
)

// EnrollResult is the terminal outcome of an enrollment flow. Account is set
// on StateEnrolled; Status carries the provider status that terminated a
// failed flow.
type EnrollResult struct {
	State   State
	Account *store.Account
	Status  keycred.Status
	Reason  string
}

// SignInResult is the terminal outcome of a sign-in flow. Account and Token
// are set on StateAuthenticated (Token only when a session issuer is
// configured).
type SignInResult struct {
	State   State
	Account *store.Account
	Token   string
	Status  keycred.Status
	Reason  string
}

// Orchestrator drives the enrollment and sign-in flows. Expected outcomes
// (canceled prompts, locked devices, rejected signatures) surface as flow
// states in the result; an error return means infrastructure failed
// (persistence, device identity).
//
// No lock is held across provider calls: CreateKey and Sign may suspend on
// a user prompt for an unbounded time.
type Orchestrator struct {
	dir        *directory.Directory
	keys       keycred.Provider
	challenges *challenge.Service
	device     device.Source
	tokens     *TokenIssuer // optional; nil disables session tokens
	logger     *slog.Logger
}

// Config wires an Orchestrator.
type Config struct {
	Directory  *directory.Directory
	Keys       keycred.Provider
	Challenges *challenge.Service
	Device     device.Source
	Tokens     *TokenIssuer
	Logger     *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Directory == nil || cfg.Keys == nil || cfg.Challenges == nil || cfg.Device == nil {
		return nil, errors.New("directory, keys, challenges, and device are all required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "flow")
	}
	return &Orchestrator{
		dir:        cfg.Directory,
		keys:       cfg.Keys,
		challenges: cfg.Challenges,
		device:     cfg.Device,
		tokens:     cfg.Tokens,
		logger:     cfg.Logger,
	}, nil
}

// Enroll runs the enrollment flow for a user on this device. With a
// non-empty password the legacy credentials must validate first (the
// migration path); with an empty password an existing account is used or a
// new passwordless account is registered. On key-creation failure a freshly
// registered account is removed again so no orphan remains.
func (o *Orchestrator) Enroll(ctx context.Context, username, password string) (*EnrollResult, error) {
	if !o.keys.IsAvailable(ctx) {
		o.logger.Warn("key facility unavailable", "username", username)
		return &EnrollResult{State: StateUnavailable, Reason: "key facility unavailable or not set up"}, nil
	}

	deviceID, err := o.device.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving device id: %w", err)
	}

	return o.enroll(ctx, username, password, deviceID)
}

// enroll is the availability-gated core shared with the sign-in fallback.
func (o *Orchestrator) enroll(ctx context.Context, username, password, deviceID string) (*EnrollResult, error) {
	account, createdNew, result, err := o.resolveAccount(ctx, username, password)
	if err != nil || result != nil {
		return result, err
	}

	created := o.keys.CreateKey(ctx, username)
	if created.Status != keycred.StatusSuccess {
		o.logger.Warn("key creation failed", "username", username, "status", created.Status)
		if createdNew {
			if _, rmErr := o.dir.RemoveUser(ctx, account.UserID); rmErr != nil {
				o.logger.Error("removing orphan account", "user_id", account.UserID, "error", rmErr)
			}
		}
		return &EnrollResult{
			State:  StateEnrollmentFailed,
			Status: created.Status,
			Reason: fmt.Sprintf("key creation failed: %s", created.Status),
		}, nil
	}

	attestation := o.keys.Attestation(ctx, created.Key)

	// CreateKey replaced the provider's key pair; drop any stale enrollment
	// so the fresh public key is the one recorded.
	if _, err := o.dir.RemoveDevice(ctx, account.UserID, deviceID); err != nil {
		return nil, fmt.Errorf("clearing previous enrollment: %w", err)
	}
	if err := o.dir.UpdateDeviceDetails(ctx, account.UserID, deviceID, created.Key.PublicKey(), attestation); err != nil {
		if createdNew {
			if _, rmErr := o.dir.RemoveUser(ctx, account.UserID); rmErr != nil {
				o.logger.Error("removing orphan account", "user_id", account.UserID, "error", rmErr)
			}
		}
		return nil, err
	}

	o.logger.Info("enrolled", "username", username, "device_id", deviceID, "new_account", createdNew)

	account, err = o.dir.Account(ctx, account.UserID)
	if err != nil {
		return nil, fmt.Errorf("reloading enrolled account: %w", err)
	}
	return &EnrollResult{State: StateEnrolled, Account: account}, nil
}

// resolveAccount finds or creates the account an enrollment targets. A
// non-nil EnrollResult means the flow already terminated.
func (o *Orchestrator) resolveAccount(ctx context.Context, username, password string) (*store.Account, bool, *EnrollResult, error) {
	if password != "" {
		ok, err := o.dir.ValidateCredentials(ctx, username, password)
		if err != nil {
			return nil, false, nil, err
		}
		if !ok {
			o.logger.Warn("legacy credential validation failed", "username", username)
			return nil, false, &EnrollResult{
				State:  StateEnrollmentFailed,
				Reason: "invalid username or password",
			}, nil
		}
	}

	userID, err := o.dir.UserID(ctx, username)
	if err == nil {
		account, err := o.dir.Account(ctx, userID)
		if err != nil {
			return nil, false, nil, err
		}
		return account, false, nil, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, nil, err
	}
	if password != "" {
		// Credentials validated against an account that is now gone
		return nil, false, nil, fmt.Errorf("looking up account %q: %w", username, err)
	}

	account, err := o.dir.Register(ctx, username, "")
	if err != nil {
		return nil, false, nil, err
	}
	return account, true, nil, nil
}

// SignIn runs the challenge/response sign-in flow for a user on this
// device. A missing device key triggers exactly one re-enrollment attempt
// before giving up.
func (o *Orchestrator) SignIn(ctx context.Context, username string) (*SignInResult, error) {
	if !o.keys.IsAvailable(ctx) {
		o.logger.Warn("key facility unavailable", "username", username)
		return &SignInResult{State: StateUnavailable, Reason: "key facility unavailable or not set up"}, nil
	}

	deviceID, err := o.device.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving device id: %w", err)
	}

	userID, err := o.dir.UserID(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("sign-in for unknown user", "username", username)
		return &SignInResult{State: StateRejected, Reason: "unknown user"}, nil
	}
	if err != nil {
		return nil, err
	}

	opened := o.keys.OpenKey(ctx, username)
	if opened.Status == keycred.StatusNotFound {
		// The device key is gone (reset key facility, deleted keystore).
		// Re-enroll once, then retry the open; no deeper recursion.
		o.logger.Info("device key missing, re-enrolling", "username", username)
		enrolled, err := o.enroll(ctx, username, "", deviceID)
		if err != nil {
			return nil, err
		}
		if enrolled.State != StateEnrolled {
			return &SignInResult{State: enrolled.State, Status: enrolled.Status, Reason: enrolled.Reason}, nil
		}
		opened = o.keys.OpenKey(ctx, username)
		if opened.Status == keycred.StatusNotFound {
			return &SignInResult{
				State:  StateEnrollmentFailed,
				Status: keycred.StatusNotFound,
				Reason: "device key missing after re-enrollment",
			}, nil
		}
	}
	if opened.Status != keycred.StatusSuccess {
		return o.providerFailure(username, "opening device key", opened.Status), nil
	}

	nonce, err := o.challenges.Issue(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	signed := o.keys.Sign(ctx, opened.Key, nonce)
	if signed.Status != keycred.StatusSuccess {
		return o.providerFailure(username, "signing challenge", signed.Status), nil
	}

	ok, err := o.challenges.Validate(ctx, userID, deviceID, signed.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.logger.Warn("sign-in rejected", "username", username, "device_id", deviceID)
		return &SignInResult{State: StateRejected, Reason: "challenge signature rejected"}, nil
	}

	account, err := o.dir.Account(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &SignInResult{State: StateAuthenticated, Account: account}
	if o.tokens != nil {
		token, err := o.tokens.Issue(userID)
		if err != nil {
			return nil, err
		}
		result.Token = token
	}

	o.logger.Info("authenticated", "username", username, "device_id", deviceID)
	return result, nil
}

// providerFailure maps a non-success provider status to a terminal sign-in
// result.
func (o *Orchestrator) providerFailure(username, op string, status keycred.Status) *SignInResult {
	o.logger.Warn(op+" failed", "username", username, "status", status)

	state := StateFailed
	if status == keycred.StatusNotConfigured {
		state = StateUnavailable
	}
	return &SignInResult{
		State:  state,
		Status: status,
		Reason: fmt.Sprintf("%s: %s", op, status),
	}
}
