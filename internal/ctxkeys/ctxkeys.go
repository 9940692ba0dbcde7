package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	eventIDKey        contextKey = "event_id"
	conversationIDKey contextKey = "conversation_id"
)

// WithEventID 设置触发本次处理的事件 ID
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey, eventID)
}

// EventID 获取触发事件 ID
func EventID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(eventIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithConversationID 设置会话 ID
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationID 获取会话 ID
func ConversationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(conversationIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
