package telegram

import (
	"context"
	"sync"

	"github.com/nsokolov/pricebot/internal/models"
)

// MockClient implements the same fetch/send/probe surface as Client but
// touches no network (for tests and dry-run wiring).
type MockClient struct {
	mu        sync.Mutex
	Events    []models.MessageEvent
	Sent      []models.UserRecord
	SentTexts []string
	Conn      bool
}

// NewMockClient returns a MockClient that reports itself connected.
func NewMockClient() *MockClient {
	return &MockClient{Conn: true}
}

func (m *MockClient) FetchRecent(ctx context.Context, limit int) ([]models.MessageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Events) > limit {
		return m.Events[len(m.Events)-limit:], nil
	}
	return m.Events, nil
}

func (m *MockClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Conn
}

func (m *MockClient) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Conn = true
	return nil
}

func (m *MockClient) Probe(ctx context.Context) error { return nil }

func (m *MockClient) SendToUser(ctx context.Context, user models.UserRecord, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, user)
	m.SentTexts = append(m.SentTexts, text)
	return nil
}
