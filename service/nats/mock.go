package nats

import (
	"context"
	"sync"
)

// PublishedMessage is a message recorded by MockPublisher.
type PublishedMessage struct {
	Topic string
	Data  []byte
}

// MockPublisher is a client.MessageProducer that records messages in memory.
type MockPublisher struct {
	mu           sync.RWMutex
	published    []PublishedMessage
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		published: make([]PublishedMessage, 0),
	}
}

// Send records the message and returns any configured error.
func (m *MockPublisher) Send(ctx context.Context, topic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.published = append(m.published, PublishedMessage{
		Topic: topic,
		Data:  append([]byte(nil), data...),
	})
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublished returns all published messages.
func (m *MockPublisher) GetPublished() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// GetPublishedForTopic returns the messages published to topic.
func (m *MockPublisher) GetPublishedForTopic(topic string) []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PublishedMessage, 0)
	for _, msg := range m.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// SetPublishError configures the mock to fail every Send with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published messages and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = make([]PublishedMessage, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
