package challenge

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hello-gateway/internal/store"
)

// mapKeySource serves public keys from a map keyed by userID|deviceID.
type mapKeySource struct {
	keys map[string][]byte
	err  error
}

func (m *mapKeySource) PublicKey(ctx context.Context, userID, deviceID string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	key, ok := m.keys[userID+"|"+deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return key, nil
}

// newSigner generates a key pair and enrolls the public half in the source.
func newSigner(t *testing.T, source *mapKeySource, userID, deviceID string) *ecdsa.PrivateKey {
	t.Helper()

	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	require.NoError(t, err)
	source.keys[userID+"|"+deviceID] = der

	return private
}

func sign(t *testing.T, private *ecdsa.PrivateKey, nonce []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(nonce)
	signature, err := ecdsa.SignASN1(rand.Reader, private, digest[:])
	require.NoError(t, err)
	return signature
}

func setupService(t *testing.T, source *mapKeySource, ttl time.Duration) *Service {
	t.Helper()
	s := NewService(source, ttl, nil)
	t.Cleanup(s.Close)
	return s
}

func TestService_IssueAndValidate(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: make(map[string][]byte)}
	private := newSigner(t, source, "u1", "d1")
	s := setupService(t, source, 0)

	nonce, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	ok, err := s.Validate(ctx, "u1", "d1", sign(t, private, nonce))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_ChallengesAreUnique(t *testing.T) {
	ctx := context.Background()
	s := setupService(t, &mapKeySource{keys: make(map[string][]byte)}, 0)

	first, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)
	second, err := s.Issue(ctx, "u1", "d2")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestService_ChallengeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: make(map[string][]byte)}
	private := newSigner(t, source, "u1", "d1")
	s := setupService(t, source, 0)

	nonce, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)
	signature := sign(t, private, nonce)

	ok, err := s.Validate(ctx, "u1", "d1", signature)
	require.NoError(t, err)
	require.True(t, ok)

	// Replaying the same signature must fail
	ok, err = s.Validate(ctx, "u1", "d1", signature)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_FailedValidationConsumesChallenge(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: make(map[string][]byte)}
	private := newSigner(t, source, "u1", "d1")
	s := setupService(t, source, 0)

	nonce, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)

	ok, err := s.Validate(ctx, "u1", "d1", []byte("garbage"))
	require.NoError(t, err)
	require.False(t, ok)

	// Even a now-correct signature fails: the attempt was consumed
	ok, err = s.Validate(ctx, "u1", "d1", sign(t, private, nonce))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_ChallengeBoundToAttempt(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: make(map[string][]byte)}
	private := newSigner(t, source, "u1", "d1")
	newSigner(t, source, "u1", "d2")
	s := setupService(t, source, 0)

	nonce, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)

	// A valid signature presented for a different device must fail
	ok, err := s.Validate(ctx, "u1", "d2", sign(t, private, nonce))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_ReissueReplacesOutstanding(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: make(map[string][]byte)}
	private := newSigner(t, source, "u1", "d1")
	s := setupService(t, source, 0)

	stale, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)
	_, err = s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)

	ok, err := s.Validate(ctx, "u1", "d1", sign(t, private, stale))
	require.NoError(t, err)
	assert.False(t, ok, "signature over a replaced challenge must fail")
}

func TestService_ExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: make(map[string][]byte)}
	private := newSigner(t, source, "u1", "d1")
	s := setupService(t, source, time.Millisecond)

	nonce, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	ok, err := s.Validate(ctx, "u1", "d1", sign(t, private, nonce))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_NoOutstandingChallenge(t *testing.T) {
	ctx := context.Background()
	s := setupService(t, &mapKeySource{keys: make(map[string][]byte)}, 0)

	ok, err := s.Validate(ctx, "u1", "d1", []byte("sig"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_UnenrolledDevice(t *testing.T) {
	ctx := context.Background()
	s := setupService(t, &mapKeySource{keys: make(map[string][]byte)}, 0)

	_, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)

	ok, err := s.Validate(ctx, "u1", "d1", []byte("sig"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_KeySourceFailure(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: make(map[string][]byte), err: errors.New("store down")}
	s := setupService(t, source, 0)

	_, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)

	_, err = s.Validate(ctx, "u1", "d1", []byte("sig"))
	assert.Error(t, err)
}

func TestService_MalformedStoredKey(t *testing.T) {
	ctx := context.Background()
	source := &mapKeySource{keys: map[string][]byte{"u1|d1": []byte("not-der")}}
	s := setupService(t, source, 0)

	_, err := s.Issue(ctx, "u1", "d1")
	require.NoError(t, err)

	// A corrupt stored key rejects the sign-in instead of erroring
	ok, err := s.Validate(ctx, "u1", "d1", []byte("sig"))
	require.NoError(t, err)
	assert.False(t, ok)
}
