// ABOUTME: Software key provider backed by a PIN-gated keystore directory
// ABOUTME: P-256 key pairs sealed with AES-GCM under an scrypt-derived key

package keycred

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

// ErrPromptCanceled is returned by a PromptFunc when the user abandons the
// PIN prompt.
var ErrPromptCanceled = errors.New("prompt canceled")

// PromptFunc asks the user for the keystore PIN. It may block for as long as
// the user takes; it is never called with provider locks held.
type PromptFunc func(ctx context.Context, identity string) (string, error)

// scrypt parameters for PIN-derived keys
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// defaultMaxPINAttempts is the consecutive-failure budget before the
// provider locks out.
const defaultMaxPINAttempts = 3

const pinFileName = "pin.json"

// SoftwareConfig configures a SoftwareProvider.
type SoftwareConfig struct {
	// Dir is the keystore directory, one sealed key file per identity.
	Dir string
	// Prompt supplies the PIN for interactive operations.
	Prompt PromptFunc
	// MaxPINAttempts is the consecutive wrong-PIN budget before lockout.
	// Zero means the default of 3.
	MaxPINAttempts int
	Logger         *slog.Logger
}

// SoftwareProvider implements Provider with keys held in sealed files under
// a keystore directory, gated by a single keystore PIN. It is the portable
// equivalent of a platform credential manager: keys are bound to this
// machine's keystore and unusable without the local unlock factor.
type SoftwareProvider struct {
	dir         string
	prompt      PromptFunc
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	failures int
	locked   bool
}

// NewSoftwareProvider creates a provider over the given keystore directory.
func NewSoftwareProvider(cfg SoftwareConfig) (*SoftwareProvider, error) {
	if cfg.Dir == "" {
		return nil, errors.New("keystore directory is required")
	}
	if cfg.Prompt == nil {
		return nil, errors.New("prompt function is required")
	}
	if cfg.MaxPINAttempts == 0 {
		cfg.MaxPINAttempts = defaultMaxPINAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "keycred")
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}

	return &SoftwareProvider{
		dir:         cfg.Dir,
		prompt:      cfg.Prompt,
		maxAttempts: cfg.MaxPINAttempts,
		logger:      cfg.Logger,
	}, nil
}

// pinFile is the persisted PIN verifier: check = SHA-256(scrypt(pin, salt)).
type pinFile struct {
	Salt  []byte `json:"salt"`
	Check []byte `json:"check"`
}

// keyFile is a sealed key pair on disk. The public key is plaintext; the
// private half is AES-GCM sealed under scrypt(pin, salt).
type keyFile struct {
	PublicKey []byte    `json:"public_key"`
	Salt      []byte    `json:"salt"`
	Nonce     []byte    `json:"nonce"`
	SealedKey []byte    `json:"sealed_key"`
	CreatedAt time.Time `json:"created_at"`
}

// softwareKey is the Key handle returned by CreateKey and OpenKey.
type softwareKey struct {
	name      string
	publicKey []byte
}

func (k *softwareKey) Name() string      { return k.name }
func (k *softwareKey) PublicKey() []byte { return k.publicKey }

// SetupPIN configures the keystore unlock PIN. Until this has been done the
// provider reports unavailable and every operation returns
// StatusNotConfigured.
func (p *SoftwareProvider) SetupPIN(pin string) error {
	if pin == "" {
		return errors.New("pin must not be empty")
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("deriving pin key: %w", err)
	}
	check := sha256.Sum256(derived)

	data, err := json.Marshal(pinFile{Salt: salt, Check: check[:]})
	if err != nil {
		return fmt.Errorf("encoding pin verifier: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(p.dir, pinFileName), data); err != nil {
		return fmt.Errorf("writing pin verifier: %w", err)
	}

	p.logger.Info("keystore pin configured", "dir", p.dir)
	return nil
}

// PINConfigured reports whether an unlock PIN has been set up.
func (p *SoftwareProvider) PINConfigured() bool {
	_, err := os.Stat(filepath.Join(p.dir, pinFileName))
	return err == nil
}

// IsAvailable reports true when the keystore directory is usable and a PIN
// has been configured.
func (p *SoftwareProvider) IsAvailable(ctx context.Context) bool {
	info, err := os.Stat(p.dir)
	if err != nil || !info.IsDir() {
		return false
	}
	return p.PINConfigured()
}

// CreateKey generates a P-256 key pair for the identity and seals it under
// the keystore PIN, replacing any existing key for the same identity. A
// wrong PIN is reported as StatusUnknownError; repeated wrong entries lock
// the provider and report StatusDeviceLocked.
func (p *SoftwareProvider) CreateKey(ctx context.Context, name string) CreateKeyResult {
	pin, status := p.unlock(ctx, name)
	if status != StatusSuccess {
		return CreateKeyResult{Status: status}
	}

	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		p.logger.Error("generating key pair", "identity", name, "error", err)
		return CreateKeyResult{Status: StatusUnknownError}
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		p.logger.Error("encoding public key", "identity", name, "error", err)
		return CreateKeyResult{Status: StatusUnknownError}
	}
	privateDER, err := x509.MarshalECPrivateKey(private)
	if err != nil {
		p.logger.Error("encoding private key", "identity", name, "error", err)
		return CreateKeyResult{Status: StatusUnknownError}
	}

	sealed, salt, nonce, err := seal(pin, privateDER)
	if err != nil {
		p.logger.Error("sealing private key", "identity", name, "error", err)
		return CreateKeyResult{Status: StatusUnknownError}
	}

	data, err := json.Marshal(keyFile{
		PublicKey: publicDER,
		Salt:      salt,
		Nonce:     nonce,
		SealedKey: sealed,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return CreateKeyResult{Status: StatusUnknownError}
	}
	if err := writeFileAtomic(p.keyPath(name), data); err != nil {
		p.logger.Error("writing key file", "identity", name, "error", err)
		return CreateKeyResult{Status: StatusUnknownError}
	}

	p.logger.Info("created device key", "identity", name)
	return CreateKeyResult{
		Status: StatusSuccess,
		Key:    &softwareKey{name: name, publicKey: publicDER},
	}
}

// OpenKey opens an existing key without prompting the user. The private
// half stays sealed until Sign.
func (p *SoftwareProvider) OpenKey(ctx context.Context, name string) OpenKeyResult {
	kf, err := p.readKeyFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return OpenKeyResult{Status: StatusNotFound}
	}
	if err != nil {
		p.logger.Error("reading key file", "identity", name, "error", err)
		return OpenKeyResult{Status: StatusUnknownError}
	}

	return OpenKeyResult{
		Status: StatusSuccess,
		Key:    &softwareKey{name: name, publicKey: kf.PublicKey},
	}
}

// Sign prompts for the PIN, unseals the identity's private key, and signs
// the SHA-256 digest of message (ASN.1 encoded ECDSA signature).
func (p *SoftwareProvider) Sign(ctx context.Context, key Key, message []byte) SignResult {
	sk, ok := key.(*softwareKey)
	if !ok {
		return SignResult{Status: StatusUnknownError}
	}

	kf, err := p.readKeyFile(sk.name)
	if errors.Is(err, os.ErrNotExist) {
		return SignResult{Status: StatusNotFound}
	}
	if err != nil {
		p.logger.Error("reading key file", "identity", sk.name, "error", err)
		return SignResult{Status: StatusUnknownError}
	}

	pin, status := p.unlock(ctx, sk.name)
	if status != StatusSuccess {
		return SignResult{Status: status}
	}

	privateDER, err := unseal(pin, kf.Salt, kf.Nonce, kf.SealedKey)
	if err != nil {
		p.logger.Error("unsealing private key", "identity", sk.name, "error", err)
		return SignResult{Status: StatusUnknownError}
	}
	private, err := x509.ParseECPrivateKey(privateDER)
	if err != nil {
		return SignResult{Status: StatusUnknownError}
	}

	digest := sha256.Sum256(message)
	signature, err := ecdsa.SignASN1(rand.Reader, private, digest[:])
	if err != nil {
		p.logger.Error("signing challenge", "identity", sk.name, "error", err)
		return SignResult{Status: StatusUnknownError}
	}

	return SignResult{Status: StatusSuccess, Signature: signature}
}

// DeleteKey removes the identity's key file. Absence is not an error.
func (p *SoftwareProvider) DeleteKey(ctx context.Context, name string) error {
	err := os.Remove(p.keyPath(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting key file: %w", err)
	}
	return nil
}

// Attestation reports not-supported: software keys carry no hardware
// endorsement.
func (p *SoftwareProvider) Attestation(ctx context.Context, key Key) AttestationOutcome {
	return AttestationOutcome{State: AttestationNotSupported}
}

// unlock runs the PIN prompt and verification, tracking the consecutive
// failure budget. Returns the PIN on StatusSuccess.
func (p *SoftwareProvider) unlock(ctx context.Context, identity string) (string, Status) {
	p.mu.Lock()
	locked := p.locked
	p.mu.Unlock()
	if locked {
		return "", StatusDeviceLocked
	}

	verifier, err := p.readPINFile()
	if errors.Is(err, os.ErrNotExist) {
		return "", StatusNotConfigured
	}
	if err != nil {
		p.logger.Error("reading pin verifier", "error", err)
		return "", StatusUnknownError
	}

	// The prompt suspends for as long as the user takes; no locks held.
	pin, err := p.prompt(ctx, identity)
	if errors.Is(err, ErrPromptCanceled) {
		return "", StatusUserCanceled
	}
	if err != nil {
		p.logger.Error("pin prompt failed", "error", err)
		return "", StatusUnknownError
	}

	derived, err := scrypt.Key([]byte(pin), verifier.Salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", StatusUnknownError
	}
	check := sha256.Sum256(derived)
	if subtle.ConstantTimeCompare(check[:], verifier.Check) != 1 {
		return "", p.registerFailure(identity)
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
	return pin, StatusSuccess
}

// registerFailure counts a wrong PIN and locks the provider once the budget
// is exhausted.
func (p *SoftwareProvider) registerFailure(identity string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	if p.failures >= p.maxAttempts {
		p.locked = true
		p.logger.Warn("keystore locked after repeated pin failures", "identity", identity, "failures", p.failures)
		return StatusDeviceLocked
	}

	p.logger.Warn("wrong keystore pin", "identity", identity, "failures", p.failures)
	return StatusUnknownError
}

func (p *SoftwareProvider) readPINFile() (*pinFile, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, pinFileName))
	if err != nil {
		return nil, err
	}
	var pf pinFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("decoding pin verifier: %w", err)
	}
	return &pf, nil
}

func (p *SoftwareProvider) readKeyFile(name string) (*keyFile, error) {
	data, err := os.ReadFile(p.keyPath(name))
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decoding key file: %w", err)
	}
	return &kf, nil
}

// keyPath maps an identity name to its key file. Names are hashed so
// arbitrary usernames cannot escape the keystore directory.
func (p *SoftwareProvider) keyPath(name string) string {
	digest := sha256.Sum256([]byte(name))
	return filepath.Join(p.dir, hex.EncodeToString(digest[:])+".key")
}

// seal encrypts plaintext with AES-GCM under scrypt(pin, fresh salt).
func seal(pin string, plaintext []byte) (sealed, salt, nonce []byte, err error) {
	salt = make([]byte, 16)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, err
	}

	aead, err := pinAEAD(pin, salt)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}

	return aead.Seal(nil, nonce, plaintext, nil), salt, nonce, nil
}

// unseal reverses seal.
func unseal(pin string, salt, nonce, sealed []byte) ([]byte, error) {
	aead, err := pinAEAD(pin, salt)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, sealed, nil)
}

// pinAEAD builds the AES-GCM cipher for a PIN and salt.
func pinAEAD(pin string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(pin), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// writeFileAtomic writes data through a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Verify SoftwareProvider implements Provider at compile time.
var _ Provider = (*SoftwareProvider)(nil)
