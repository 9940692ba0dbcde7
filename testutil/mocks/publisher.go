package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/convoflow/types"
)

// MockPublisher 记录所有发布的草稿，支持错误注入。
type MockPublisher struct {
	mu        sync.Mutex
	published []types.Event
	err       error
	failKinds map[types.Kind]error
	notify    chan types.Event
}

// NewMockPublisher 创建新的 MockPublisher
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{failKinds: make(map[types.Kind]error)}
}

// WithError 让所有发布返回 err（草稿仍会被记录）
func (m *MockPublisher) WithError(err error) *MockPublisher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithKindError 仅让指定 kind 的发布返回 err
func (m *MockPublisher) WithKindError(kind types.Kind, err error) *MockPublisher {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKinds[kind] = err
	return m
}

// Notify 返回每次发布都会收到副本的通道（缓冲 64）
func (m *MockPublisher) Notify() <-chan types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notify == nil {
		m.notify = make(chan types.Event, 64)
	}
	return m.notify
}

// Publish 实现 nostr.Publisher
func (m *MockPublisher) Publish(ctx context.Context, draft *types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *draft
	ev.Tags = append(types.Tags(nil), draft.Tags...)
	m.published = append(m.published, ev)
	if m.notify != nil {
		select {
		case m.notify <- ev:
		default:
		}
	}
	if err, ok := m.failKinds[draft.Kind]; ok {
		return err
	}
	return m.err
}

// Published 返回全部已发布草稿的副本
func (m *MockPublisher) Published() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.published...)
}

// PublishedKind 返回指定 kind 的已发布草稿
func (m *MockPublisher) PublishedKind(kind types.Kind) []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Event
	for _, ev := range m.published {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Replies 返回已发布的回复（kind 1111）
func (m *MockPublisher) Replies() []types.Event {
	return m.PublishedKind(types.KindGenericReply)
}

// Reset 清空记录
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}
