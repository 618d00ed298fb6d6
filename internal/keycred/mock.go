// ABOUTME: Scriptable in-memory key provider for tests
// ABOUTME: Records calls and returns queued results or hook-computed ones

package keycred

import (
	"context"
	"sync"
)

// MockKey is the Key handle returned by MockProvider.
type MockKey struct {
	KeyName string
	Public  []byte
}

func (k *MockKey) Name() string      { return k.KeyName }
func (k *MockKey) PublicKey() []byte { return k.Public }

// MockProvider is a test double for Provider. Queue results on the *Results
// slices to script successive calls; when a queue is empty the corresponding
// *Func hook runs instead, and when neither is set the zero result
// (StatusSuccess with no key material) is returned. All calls are recorded.
type MockProvider struct {
	mu sync.Mutex

	Available bool

	CreateKeyResults []CreateKeyResult
	OpenKeyResults   []OpenKeyResult
	SignResults      []SignResult

	CreateKeyFunc   func(name string) CreateKeyResult
	OpenKeyFunc     func(name string) OpenKeyResult
	SignFunc        func(key Key, message []byte) SignResult
	AttestationFunc func(key Key) AttestationOutcome

	CreateKeyCalls   []string
	OpenKeyCalls     []string
	SignCalls        [][]byte
	DeleteKeyCalls   []string
	AttestationCalls []string

	DeleteKeyErr error
}

// NewMockProvider returns an available mock with empty queues.
func NewMockProvider() *MockProvider {
	return &MockProvider{Available: true}
}

func (m *MockProvider) IsAvailable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Available
}

func (m *MockProvider) CreateKey(ctx context.Context, name string) CreateKeyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateKeyCalls = append(m.CreateKeyCalls, name)
	if len(m.CreateKeyResults) > 0 {
		result := m.CreateKeyResults[0]
		m.CreateKeyResults = m.CreateKeyResults[1:]
		return result
	}
	if m.CreateKeyFunc != nil {
		return m.CreateKeyFunc(name)
	}
	return CreateKeyResult{Status: StatusSuccess, Key: &MockKey{KeyName: name}}
}

func (m *MockProvider) OpenKey(ctx context.Context, name string) OpenKeyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenKeyCalls = append(m.OpenKeyCalls, name)
	if len(m.OpenKeyResults) > 0 {
		result := m.OpenKeyResults[0]
		m.OpenKeyResults = m.OpenKeyResults[1:]
		return result
	}
	if m.OpenKeyFunc != nil {
		return m.OpenKeyFunc(name)
	}
	return OpenKeyResult{Status: StatusSuccess, Key: &MockKey{KeyName: name}}
}

func (m *MockProvider) Sign(ctx context.Context, key Key, message []byte) SignResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SignCalls = append(m.SignCalls, message)
	if len(m.SignResults) > 0 {
		result := m.SignResults[0]
		m.SignResults = m.SignResults[1:]
		return result
	}
	if m.SignFunc != nil {
		return m.SignFunc(key, message)
	}
	return SignResult{Status: StatusSuccess, Signature: []byte("mock-signature")}
}

func (m *MockProvider) DeleteKey(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteKeyCalls = append(m.DeleteKeyCalls, name)
	return m.DeleteKeyErr
}

func (m *MockProvider) Attestation(ctx context.Context, key Key) AttestationOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AttestationCalls = append(m.AttestationCalls, key.Name())
	if m.AttestationFunc != nil {
		return m.AttestationFunc(key)
	}
	return AttestationOutcome{State: AttestationNotSupported}
}

// Verify MockProvider implements Provider at compile time.
var _ Provider = (*MockProvider)(nil)
