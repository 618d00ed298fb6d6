// ABOUTME: In-memory account collection backed by a whole-collection Medium
// ABOUTME: Every mutation re-serializes and flushes the full collection before returning

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SeedOptions controls the seed account that is materialized when the
// persisted data is absent or does not contain the seed username. The seed
// account demonstrates the legacy username/password migration path.
type SeedOptions struct {
	Username string
	Password string
}

// AccountStore implements Store over a Medium. The account collection lives
// in memory; mutations run under one write lock as clone, mutate, flush,
// swap, so a failed flush leaves memory matching durable state. Reads take
// the shared lock and return deep copies.
type AccountStore struct {
	mu       sync.RWMutex
	medium   Medium
	accounts []*Account
	logger   *slog.Logger
}

// Open loads the account collection from the medium. If nothing is persisted
// the store starts empty. When seed is non-nil and the seed username is
// missing from the loaded data, a seed account is created and flushed.
func Open(ctx context.Context, medium Medium, seed *SeedOptions, logger *slog.Logger) (*AccountStore, error) {
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}

	s := &AccountStore{
		medium: medium,
		logger: logger,
	}

	data, err := medium.ReadAll(ctx)
	switch {
	case errors.Is(err, ErrAbsent):
		s.accounts = nil
	case err != nil:
		return nil, fmt.Errorf("loading account collection: %w", err)
	default:
		s.accounts, err = decodeAccounts(data)
		if err != nil {
			return nil, fmt.Errorf("loading account collection: %w", err)
		}
	}

	if seed != nil {
		if err := s.ensureSeedAccount(ctx, seed); err != nil {
			return nil, err
		}
	}

	logger.Info("account store loaded", "accounts", len(s.accounts))
	return s, nil
}

// ensureSeedAccount creates the seed account if the seed username is absent.
func (s *AccountStore) ensureSeedAccount(ctx context.Context, seed *SeedOptions) error {
	for _, a := range s.accounts {
		if a.Username == seed.Username {
			return nil
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing seed password: %w", err)
	}

	err = s.mutate(ctx, func(accounts []*Account) ([]*Account, error) {
		return append(accounts, &Account{
			UserID:       uuid.New().String(),
			Username:     seed.Username,
			PasswordHash: string(hash),
			CreatedAt:    time.Now().UTC(),
		}), nil
	})
	if err != nil {
		return fmt.Errorf("seeding account: %w", err)
	}

	s.logger.Info("seeded sample account", "username", seed.Username)
	return nil
}

// mutate applies fn to a deep copy of the collection, flushes the result
// through the medium, and only then swaps it in. Holding the write lock for
// the whole read-modify-write-flush cycle keeps mutations serialized.
func (s *AccountStore) mutate(ctx context.Context, fn func(accounts []*Account) ([]*Account, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(cloneAccounts(s.accounts))
	if err != nil {
		return err
	}

	data, err := encodeAccounts(next)
	if err != nil {
		return err
	}
	if err := s.medium.WriteAll(ctx, data); err != nil {
		return fmt.Errorf("flushing account collection: %w", err)
	}

	s.accounts = next
	return nil
}

// FindUserID resolves a username to its user ID.
func (s *AccountStore) FindUserID(ctx context.Context, username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.Username == username {
			return a.UserID, nil
		}
	}
	return "", ErrNotFound
}

// GetAccount retrieves an account by user ID.
func (s *AccountStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.UserID == userID {
			return cloneAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

// ListAccountsForDevice returns every account with an enrolled device
// matching deviceID, in account creation order.
func (s *AccountStore) ListAccountsForDevice(ctx context.Context, deviceID string) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Account
	for _, a := range s.accounts {
		if a.HasDevice(deviceID) {
			result = append(result, cloneAccount(a))
		}
	}
	return result, nil
}

// CreateAccount creates a new account with a generated user ID.
func (s *AccountStore) CreateAccount(ctx context.Context, username, passwordHash string) (*Account, error) {
	account := &Account{
		UserID:       uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.mutate(ctx, func(accounts []*Account) ([]*Account, error) {
		for _, a := range accounts {
			if a.Username == username {
				return nil, ErrDuplicateUsername
			}
		}
		return append(accounts, cloneAccount(account)), nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("created account", "user_id", account.UserID, "username", username)
	return account, nil
}

// RemoveAccount deletes an account and all of its devices.
func (s *AccountStore) RemoveAccount(ctx context.Context, userID string) (bool, error) {
	removed := false
	err := s.mutate(ctx, func(accounts []*Account) ([]*Account, error) {
		for i, a := range accounts {
			if a.UserID == userID {
				removed = true
				return append(accounts[:i], accounts[i+1:]...), nil
			}
		}
		return accounts, nil
	})
	if err != nil {
		return false, err
	}

	if removed {
		s.logger.Info("removed account", "user_id", userID)
	}
	return removed, nil
}

// RemoveDevice deletes a device from an account. A missing device is not an
// error: once the account lookup succeeds the removal reports true.
func (s *AccountStore) RemoveDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	found := false
	err := s.mutate(ctx, func(accounts []*Account) ([]*Account, error) {
		for _, a := range accounts {
			if a.UserID != userID {
				continue
			}
			found = true
			for i, d := range a.Devices {
				if d.DeviceID == deviceID {
					a.Devices = append(a.Devices[:i], a.Devices[i+1:]...)
					break
				}
			}
			break
		}
		return accounts, nil
	})
	if err != nil {
		return false, err
	}

	if found {
		s.logger.Info("removed device", "user_id", userID, "device_id", deviceID)
	}
	return found, nil
}

// UpsertDevice adds a device to an account. Insert-only: an existing device
// id for that account is left untouched, public key included.
func (s *AccountStore) UpsertDevice(ctx context.Context, userID, deviceID string, publicKey []byte, attestation AttestationStatus) error {
	inserted := false
	err := s.mutate(ctx, func(accounts []*Account) ([]*Account, error) {
		for _, a := range accounts {
			if a.UserID != userID {
				continue
			}
			if a.HasDevice(deviceID) {
				return accounts, nil
			}
			key := make([]byte, len(publicKey))
			copy(key, publicKey)
			a.Devices = append(a.Devices, Device{
				DeviceID:    deviceID,
				PublicKey:   key,
				Attestation: attestation,
				EnrolledAt:  time.Now().UTC(),
			})
			inserted = true
			return accounts, nil
		}
		return nil, ErrNotFound
	})
	if err != nil {
		return err
	}

	if inserted {
		s.logger.Info("enrolled device", "user_id", userID, "device_id", deviceID, "attestation", attestation)
	}
	return nil
}

// GetPublicKey returns the stored verification key for a (user, device) pair.
func (s *AccountStore) GetPublicKey(ctx context.Context, userID, deviceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.UserID != userID {
			continue
		}
		for _, d := range a.Devices {
			if d.DeviceID == deviceID {
				key := make([]byte, len(d.PublicKey))
				copy(key, d.PublicKey)
				return key, nil
			}
		}
		return nil, ErrNotFound
	}
	return nil, ErrNotFound
}

// Close is a no-op; the medium owns any underlying resources.
func (s *AccountStore) Close() error {
	return nil
}

// cloneAccount returns a deep copy of an account.
func cloneAccount(a *Account) *Account {
	c := *a
	c.Devices = make([]Device, len(a.Devices))
	for i, d := range a.Devices {
		key := make([]byte, len(d.PublicKey))
		copy(key, d.PublicKey)
		d.PublicKey = key
		c.Devices[i] = d
	}
	return &c
}

// cloneAccounts returns a deep copy of the collection.
func cloneAccounts(accounts []*Account) []*Account {
	result := make([]*Account, len(accounts))
	for i, a := range accounts {
		result[i] = cloneAccount(a)
	}
	return result
}

// Verify AccountStore implements Store at compile time.
var _ Store = (*AccountStore)(nil)
