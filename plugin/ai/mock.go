package ai

import (
	"context"
	"sync"
)

// MockLLMService is a scripted LLMService for testing.
type MockLLMService struct {
	mu sync.Mutex

	// Reply is returned by every call unless ReplyFunc is set.
	Reply     string
	ReplyFunc func(messages []Message) (string, error)
	Err       error
	ModelName string

	requests [][]Message
}

var _ LLMService = (*MockLLMService)(nil)

func (m *MockLLMService) Chat(ctx context.Context, messages []Message) (string, error) {
	content, _, err := m.ChatWithUsage(ctx, messages)
	return content, err
}

func (m *MockLLMService) ChatWithUsage(ctx context.Context, messages []Message) (string, Usage, error) {
	m.mu.Lock()
	m.requests = append(m.requests, append([]Message(nil), messages...))
	reply, replyFunc, err := m.Reply, m.ReplyFunc, m.Err
	m.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", Usage{}, ctxErr
	}
	if err != nil {
		return "", Usage{}, err
	}
	if replyFunc != nil {
		reply, err = replyFunc(messages)
		if err != nil {
			return "", Usage{}, err
		}
	}
	return reply, Usage{}, nil
}

func (m *MockLLMService) Model() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

// Requests returns a copy of every message list received.
func (m *MockLLMService) Requests() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.requests...)
}
