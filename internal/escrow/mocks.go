package escrow

import (
	"context"
	"sync"
)

// MockClient is an in-memory escrow used by tests and by local development
// without a chain endpoint.
type MockClient struct {
	mu sync.Mutex

	// Funded maps escrow refs to their provider DID; anything absent is
	// reported unfunded with DenyReason.
	Funded     map[string]string
	DenyReason string

	// ConfirmErr, when set, makes every ConfirmDelivery attempt fail.
	ConfirmErr error

	ValidateCalls []string
	ConfirmCalls  []string
}

// NewMockClient returns an empty mock; every ref is unfunded until Fund.
func NewMockClient() *MockClient {
	return &MockClient{
		Funded:     make(map[string]string),
		DenyReason: "AWAITING_DEPOSIT",
	}
}

// Fund marks ref as funded for providerDID.
func (m *MockClient) Fund(ref, providerDID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Funded[ref] = providerDID
}

func (m *MockClient) Validate(_ context.Context, ref, providerDID string) (*ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ValidateCalls = append(m.ValidateCalls, ref)

	provider, ok := m.Funded[ref]
	if !ok {
		return &ValidationResult{Valid: false, Reason: m.DenyReason}, nil
	}
	if provider != providerDID {
		return &ValidationResult{Valid: false, Reason: "PROVIDER_MISMATCH"}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

func (m *MockClient) ConfirmDelivery(_ context.Context, ref string, _ [32]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConfirmCalls = append(m.ConfirmCalls, ref)
	if m.ConfirmErr != nil {
		return "", m.ConfirmErr
	}
	return "0xmock-" + ref, nil
}

// ConfirmCount reads the confirm-call count under the lock, safe to poll
// while the dispatcher is still retrying.
func (m *MockClient) ConfirmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ConfirmCalls)
}
