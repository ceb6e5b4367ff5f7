package datev

import "sync"

// Sent records one notification for test assertions.
type Sent struct {
	Kind string
	Note CallNotification
}

// MockNotifier records all notifications and can be told to fail.
type MockNotifier struct {
	mu   sync.Mutex
	sent []Sent
	err  error // if set, every call returns this error
}

// NewMockNotifier creates a new MockNotifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) NewCall(n CallNotification) error {
	return m.record("new_call", n)
}

func (m *MockNotifier) CallStateChanged(n CallNotification) error {
	return m.record("call_state_changed", n)
}

func (m *MockNotifier) CallAdressatChanged(n CallNotification) error {
	return m.record("call_adressat_changed", n)
}

func (m *MockNotifier) NewJournal(n CallNotification) error {
	return m.record("new_journal", n)
}

func (m *MockNotifier) record(kind string, n CallNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, Sent{Kind: kind, Note: n})
	return nil
}

// Sent returns a copy of all recorded notifications.
func (m *MockNotifier) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// OfKind returns the recorded notifications of one kind.
func (m *MockNotifier) OfKind(kind string) []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sent
	for _, s := range m.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Reset clears all recorded notifications.
func (m *MockNotifier) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// SetError causes all subsequent calls to return err. Pass nil to clear.
func (m *MockNotifier) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
