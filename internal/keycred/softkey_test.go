package keycred

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticPrompt returns the same PIN on every prompt.
func staticPrompt(pin string) PromptFunc {
	return func(ctx context.Context, identity string) (string, error) {
		return pin, nil
	}
}

// setupSoftwareProvider creates a provider over a temp keystore with the PIN
// already configured.
func setupSoftwareProvider(t *testing.T, prompt PromptFunc) *SoftwareProvider {
	t.Helper()

	p, err := NewSoftwareProvider(SoftwareConfig{
		Dir:    t.TempDir(),
		Prompt: prompt,
	})
	require.NoError(t, err)
	require.NoError(t, p.SetupPIN("1234"))

	return p
}

func TestSoftwareProvider_AvailabilityRequiresPIN(t *testing.T) {
	ctx := context.Background()

	p, err := NewSoftwareProvider(SoftwareConfig{
		Dir:    t.TempDir(),
		Prompt: staticPrompt("1234"),
	})
	require.NoError(t, err)

	assert.False(t, p.IsAvailable(ctx), "available before PIN setup")

	result := p.CreateKey(ctx, "alice")
	assert.Equal(t, StatusNotConfigured, result.Status)

	require.NoError(t, p.SetupPIN("1234"))
	assert.True(t, p.IsAvailable(ctx))
}

func TestSoftwareProvider_CreateOpenSign(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	created := p.CreateKey(ctx, "alice")
	require.Equal(t, StatusSuccess, created.Status)
	require.NotNil(t, created.Key)
	assert.Equal(t, "alice", created.Key.Name())
	require.NotEmpty(t, created.Key.PublicKey())

	// OpenKey never prompts and returns the same public key
	opened := p.OpenKey(ctx, "alice")
	require.Equal(t, StatusSuccess, opened.Status)
	assert.Equal(t, created.Key.PublicKey(), opened.Key.PublicKey())

	message := []byte("challenge-nonce")
	signed := p.Sign(ctx, opened.Key, message)
	require.Equal(t, StatusSuccess, signed.Status)

	// The signature must verify against the advertised public key
	parsed, err := x509.ParsePKIXPublicKey(opened.Key.PublicKey())
	require.NoError(t, err)
	public, ok := parsed.(*ecdsa.PublicKey)
	require.True(t, ok)

	digest := sha256.Sum256(message)
	assert.True(t, ecdsa.VerifyASN1(public, digest[:], signed.Signature))
}

func TestSoftwareProvider_CreateKeyReplacesExisting(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	first := p.CreateKey(ctx, "alice")
	require.Equal(t, StatusSuccess, first.Status)

	second := p.CreateKey(ctx, "alice")
	require.Equal(t, StatusSuccess, second.Status)
	assert.NotEqual(t, first.Key.PublicKey(), second.Key.PublicKey())

	// The old key is gone; OpenKey sees only the replacement
	opened := p.OpenKey(ctx, "alice")
	require.Equal(t, StatusSuccess, opened.Status)
	assert.Equal(t, second.Key.PublicKey(), opened.Key.PublicKey())
}

func TestSoftwareProvider_OpenKeyMissing(t *testing.T) {
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	result := p.OpenKey(context.Background(), "nobody")
	assert.Equal(t, StatusNotFound, result.Status)
	assert.Nil(t, result.Key)
}

func TestSoftwareProvider_CanceledPrompt(t *testing.T) {
	ctx := context.Background()
	canceled := func(ctx context.Context, identity string) (string, error) {
		return "", ErrPromptCanceled
	}
	p := setupSoftwareProvider(t, canceled)

	result := p.CreateKey(ctx, "alice")
	assert.Equal(t, StatusUserCanceled, result.Status)
}

func TestSoftwareProvider_WrongPINLocksOut(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("wrong"))

	// Attempts 1 and 2 report an error, attempt 3 exhausts the budget
	assert.Equal(t, StatusUnknownError, p.CreateKey(ctx, "alice").Status)
	assert.Equal(t, StatusUnknownError, p.CreateKey(ctx, "alice").Status)
	assert.Equal(t, StatusDeviceLocked, p.CreateKey(ctx, "alice").Status)

	// Once locked, even the right PIN is refused
	p.prompt = staticPrompt("1234")
	assert.Equal(t, StatusDeviceLocked, p.CreateKey(ctx, "alice").Status)
}

func TestSoftwareProvider_CorrectPINResetsFailures(t *testing.T) {
	ctx := context.Background()
	pins := []string{"wrong", "1234", "wrong", "wrong"}
	p := setupSoftwareProvider(t, func(ctx context.Context, identity string) (string, error) {
		pin := pins[0]
		pins = pins[1:]
		return pin, nil
	})

	assert.Equal(t, StatusUnknownError, p.CreateKey(ctx, "alice").Status)
	assert.Equal(t, StatusSuccess, p.CreateKey(ctx, "alice").Status)

	// The earlier failure no longer counts toward the budget
	assert.Equal(t, StatusUnknownError, p.CreateKey(ctx, "alice").Status)
	assert.Equal(t, StatusUnknownError, p.CreateKey(ctx, "alice").Status)
}

func TestSoftwareProvider_SignWithWrongPIN(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	created := p.CreateKey(ctx, "alice")
	require.Equal(t, StatusSuccess, created.Status)

	p.prompt = staticPrompt("9999")
	signed := p.Sign(ctx, created.Key, []byte("msg"))
	assert.Equal(t, StatusUnknownError, signed.Status)
	assert.Nil(t, signed.Signature)
}

func TestSoftwareProvider_DeleteKey(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	created := p.CreateKey(ctx, "alice")
	require.Equal(t, StatusSuccess, created.Status)

	require.NoError(t, p.DeleteKey(ctx, "alice"))
	assert.Equal(t, StatusNotFound, p.OpenKey(ctx, "alice").Status)

	// Deleting a key that never existed is fine
	assert.NoError(t, p.DeleteKey(ctx, "alice"))
	assert.NoError(t, p.DeleteKey(ctx, "never-existed"))
}

func TestSoftwareProvider_AttestationNotSupported(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	created := p.CreateKey(ctx, "alice")
	require.Equal(t, StatusSuccess, created.Status)

	outcome := p.Attestation(ctx, created.Key)
	assert.Equal(t, AttestationNotSupported, outcome.State)
	assert.Nil(t, outcome.Attestation)
}

func TestSoftwareProvider_KeysIsolatedPerIdentity(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	alice := p.CreateKey(ctx, "alice")
	require.Equal(t, StatusSuccess, alice.Status)
	bob := p.CreateKey(ctx, "bob")
	require.Equal(t, StatusSuccess, bob.Status)

	assert.NotEqual(t, alice.Key.PublicKey(), bob.Key.PublicKey())

	require.NoError(t, p.DeleteKey(ctx, "alice"))
	assert.Equal(t, StatusNotFound, p.OpenKey(ctx, "alice").Status)
	assert.Equal(t, StatusSuccess, p.OpenKey(ctx, "bob").Status)
}

func TestSoftwareProvider_ConfigValidation(t *testing.T) {
	_, err := NewSoftwareProvider(SoftwareConfig{Prompt: staticPrompt("1234")})
	require.Error(t, err)

	_, err = NewSoftwareProvider(SoftwareConfig{Dir: t.TempDir()})
	require.Error(t, err)

	_, err = NewSoftwareProvider(SoftwareConfig{Dir: t.TempDir(), Prompt: staticPrompt("1234")})
	assert.NoError(t, err)
}

func TestSoftwareProvider_SetupPINRejectsEmpty(t *testing.T) {
	p, err := NewSoftwareProvider(SoftwareConfig{
		Dir:    t.TempDir(),
		Prompt: staticPrompt("1234"),
	})
	require.NoError(t, err)

	assert.Error(t, p.SetupPIN(""))
}

func TestSoftwareProvider_SignRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	p := setupSoftwareProvider(t, staticPrompt("1234"))

	foreign := &MockKey{KeyName: "alice", Public: []byte("not-a-real-key")}
	signed := p.Sign(ctx, foreign, []byte("msg"))
	assert.Equal(t, StatusUnknownError, signed.Status)
}

func TestMockProvider_QueuesAndHooks(t *testing.T) {
	ctx := context.Background()
	m := NewMockProvider()

	m.OpenKeyResults = []OpenKeyResult{{Status: StatusNotFound}}

	// First call drains the queue, second falls through to the default
	assert.Equal(t, StatusNotFound, m.OpenKey(ctx, "alice").Status)
	assert.Equal(t, StatusSuccess, m.OpenKey(ctx, "alice").Status)
	assert.Equal(t, []string{"alice", "alice"}, m.OpenKeyCalls)

	m.SignFunc = func(key Key, message []byte) SignResult {
		return SignResult{Status: StatusDeviceLocked}
	}
	signed := m.Sign(ctx, &MockKey{KeyName: "alice"}, []byte("msg"))
	assert.Equal(t, StatusDeviceLocked, signed.Status)

	m.DeleteKeyErr = errors.New("boom")
	assert.Error(t, m.DeleteKey(ctx, "alice"))
	assert.Equal(t, []string{"alice"}, m.DeleteKeyCalls)
}
