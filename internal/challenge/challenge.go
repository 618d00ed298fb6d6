// ABOUTME: Challenge/response service for device-key sign-in
// ABOUTME: Issues single-use TTL-bound nonces and verifies ECDSA signatures

package challenge

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/2389/hello-gateway/internal/store"
)

// DefaultTTL is how long an issued challenge stays valid.
const DefaultTTL = 2 * time.Minute

// KeySource resolves the verification key enrolled for a (user, device)
// pair. Returns store.ErrNotFound when no key is enrolled.
type KeySource interface {
	PublicKey(ctx context.Context, userID, deviceID string) ([]byte, error)
}

// pendingChallenge is an issued, not-yet-validated nonce.
type pendingChallenge struct {
	nonce     []byte
	expiresAt time.Time
}

// Service issues sign-in challenges and validates the signatures that come
// back. Challenges are bound to one (user, device) attempt, single-use, and
// expire after the TTL; issuing a new challenge for the same pair replaces
// the outstanding one.
type Service struct {
	keys   KeySource
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingChallenge // keyed by userID|deviceID
	cancel  context.CancelFunc
}

// NewService creates a challenge service. ttl <= 0 means DefaultTTL.
func NewService(keys KeySource, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default().With("component", "challenge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		keys:    keys,
		ttl:     ttl,
		logger:  logger,
		pending: make(map[string]*pendingChallenge),
		cancel:  cancel,
	}
	go s.cleanupLoop(ctx)
	return s
}

// Close stops the expiry sweep goroutine.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Issue creates a fresh challenge for one sign-in attempt by the given user
// on the given device. Any previously outstanding challenge for the same
// pair is discarded.
func (s *Service) Issue(ctx context.Context, userID, deviceID string) ([]byte, error) {
	c, err := protocol.CreateChallenge()
	if err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	nonce := []byte(c)

	s.mu.Lock()
	s.pending[attemptKey(userID, deviceID)] = &pendingChallenge{
		nonce:     nonce,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	s.logger.Debug("issued challenge", "user_id", userID, "device_id", deviceID)

	out := make([]byte, len(nonce))
	copy(out, nonce)
	return out, nil
}

// Validate checks signature against the outstanding challenge for the
// (user, device) pair and that pair's enrolled public key. The challenge is
// consumed either way: a failed validation requires a fresh Issue. Returns
// false for a missing or expired challenge, an unenrolled device, or a
// signature that does not verify; an error only means the key source failed.
func (s *Service) Validate(ctx context.Context, userID, deviceID string, signature []byte) (bool, error) {
	s.mu.Lock()
	key := attemptKey(userID, deviceID)
	pending, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("no outstanding challenge", "user_id", userID, "device_id", deviceID)
		return false, nil
	}
	if time.Now().After(pending.expiresAt) {
		s.logger.Warn("challenge expired", "user_id", userID, "device_id", deviceID)
		return false, nil
	}

	publicDER, err := s.keys.PublicKey(ctx, userID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("no enrolled key for challenge", "user_id", userID, "device_id", deviceID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolving verification key: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(publicDER)
	if err != nil {
		s.logger.Error("stored verification key is unparseable", "user_id", userID, "device_id", deviceID, "error", err)
		return false, nil
	}
	public, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		s.logger.Error("stored verification key is not ECDSA", "user_id", userID, "device_id", deviceID)
		return false, nil
	}

	digest := sha256.Sum256(pending.nonce)
	if !ecdsa.VerifyASN1(public, digest[:], signature) {
		s.logger.Warn("challenge signature rejected", "user_id", userID, "device_id", deviceID)
		return false, nil
	}

	s.logger.Debug("challenge signature verified", "user_id", userID, "device_id", deviceID)
	return true, nil
}

func (s *Service) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for k, v := range s.pending {
				if now.After(v.expiresAt) {
					delete(s.pending, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func attemptKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}
