package messaging

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one call to MockService.Send.
type SentMessage struct {
	PageID      string
	RecipientID string
	Text        string
}

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// MockService is an in-memory Service for tests and local runs without a provider.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	stopped bool
	// Err, when set, is returned by every Send.
	Err error
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{}
}

// Send records the message.
func (m *MockService) Send(ctx context.Context, pageID, recipientID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", ErrServiceStopped
	}
	if m.Err != nil {
		return "", m.Err
	}
	m.sent = append(m.sent, SentMessage{PageID: pageID, RecipientID: recipientID, Text: text})
	return fmt.Sprintf("mock-%d", len(m.sent)), nil
}

// Sent returns a copy of everything sent so far.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Stop marks the mock stopped.
func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}
