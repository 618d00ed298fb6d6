package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/hello-gateway/internal/keycred"
	"github.com/2389/hello-gateway/internal/store"
)

func setupDirectory(t *testing.T) *Directory {
	t.Helper()
	medium := store.NewFileMedium(filepath.Join(t.TempDir(), "accounts.json"))

	s, err := store.Open(context.Background(), medium, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return New(s, nil)
}

func TestDirectory_RegisterWithPassword(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	account, err := d.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, account.UserID)

	// Passwords are stored hashed, never in the clear
	got, err := d.Account(ctx, account.UserID)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", got.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(got.PasswordHash), []byte("hunter2")))
}

func TestDirectory_RegisterPasswordless(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	account, err := d.Register(ctx, "bob", "")
	require.NoError(t, err)

	got, err := d.Account(ctx, account.UserID)
	require.NoError(t, err)
	assert.Empty(t, got.PasswordHash)
}

func TestDirectory_RegisterValidation(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, "", "pw")
	require.Error(t, err)

	_, err = d.Register(ctx, "alice", "")
	require.NoError(t, err)
	_, err = d.Register(ctx, "alice", "pw")
	assert.ErrorIs(t, err, store.ErrDuplicateUsername)
}

func TestDirectory_ValidateCredentials(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, "alice", "hunter2")
	require.NoError(t, err)
	_, err = d.Register(ctx, "bob", "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"correct credentials", "alice", "hunter2", true},
		{"wrong password", "alice", "wrong", false},
		{"unknown user", "nobody", "hunter2", false},
		{"empty username", "", "hunter2", false},
		{"empty password", "alice", "", false},
		{"passwordless account", "bob", "anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := d.ValidateCredentials(ctx, tt.username, tt.password)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestDirectory_UpdateDeviceDetails_AttestationMapping(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		state   keycred.AttestationState
		want    store.AttestationStatus
		account string
	}{
		{"attested key", keycred.AttestationSuccess, store.AttestationIncluded, "alice"},
		{"temporary failure", keycred.AttestationTemporaryFailure, store.AttestationRetrievableLater, "bob"},
		{"unsupported facility", keycred.AttestationNotSupported, store.AttestationUnsupported, "carol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, err := d.Register(ctx, tt.account, "")
			require.NoError(t, err)

			outcome := keycred.AttestationOutcome{State: tt.state}
			require.NoError(t, d.UpdateDeviceDetails(ctx, account.UserID, "d1", []byte("key"), outcome))

			got, err := d.Account(ctx, account.UserID)
			require.NoError(t, err)
			require.Len(t, got.Devices, 1)
			assert.Equal(t, tt.want, got.Devices[0].Attestation)
		})
	}
}

func TestDirectory_DeviceRoundTrip(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	account, err := d.Register(ctx, "alice", "")
	require.NoError(t, err)

	outcome := keycred.AttestationOutcome{State: keycred.AttestationNotSupported}
	require.NoError(t, d.UpdateDeviceDetails(ctx, account.UserID, "d1", []byte("pubkey"), outcome))

	key, err := d.PublicKey(ctx, account.UserID, "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pubkey"), key)

	accounts, err := d.AccountsForDevice(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "alice", accounts[0].Username)

	removed, err := d.RemoveDevice(ctx, account.UserID, "d1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = d.PublicKey(ctx, account.UserID, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDirectory_RemoveUser(t *testing.T) {
	d := setupDirectory(t)
	ctx := context.Background()

	account, err := d.Register(ctx, "alice", "")
	require.NoError(t, err)

	removed, err := d.RemoveUser(ctx, account.UserID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = d.RemoveUser(ctx, account.UserID)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = d.UserID(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
