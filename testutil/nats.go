package testutil

import (
	"context"
	"fmt"
	"sync"
)

// MockPublisher is an in-memory publisher matching natsclient.Client.Publish.
// Thread-safe for concurrent use.
type MockPublisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	failWith error
	closed   bool
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		messages: make(map[string][][]byte),
	}
}

// Publish stores data under subject.
func (c *MockPublisher) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.failWith != nil {
		return c.failWith
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	c.messages[subject] = append(c.messages[subject], msg)
	return nil
}

// FailWith makes every later Publish return err. Nil restores success.
func (c *MockPublisher) FailWith(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

// GetMessages returns a copy of the messages published to subject.
func (c *MockPublisher) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// Subjects returns every subject that received at least one message.
func (c *MockPublisher) Subjects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subjects := make([]string, 0, len(c.messages))
	for s := range c.messages {
		subjects = append(subjects, s)
	}
	return subjects
}

// Close makes later Publish calls fail.
func (c *MockPublisher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
