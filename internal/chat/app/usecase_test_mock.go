package app

import (
	"context"

	"github.com/stretchr/testify/mock"

	"marketplace_chat_service/internal/chat/domain"
)

// MockMessageRepository Mock MessageRepository
type MockMessageRepository struct {
	mock.Mock
}

// EnsureSchema mock ensure schema
func (m *MockMessageRepository) EnsureSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Persist mock persist message
func (m *MockMessageRepository) Persist(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Message), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

// History mock query history
func (m *MockMessageRepository) History(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, userA, userB, limit)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// MarkRead mock mark read
func (m *MockMessageRepository) MarkRead(ctx context.Context, viewerID, peerID string) (int64, error) {
	args := m.Called(ctx, viewerID, peerID)
	return args.Get(0).(int64), args.Error(1)
}

// Conversations mock conversations list
func (m *MockMessageRepository) Conversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockConversationCache Mock ConversationCache
type MockConversationCache struct {
	mock.Mock
}

// Get mock cache get
func (m *MockConversationCache) Get(ctx context.Context, userID string) ([]domain.Conversation, bool) {
	args := m.Called(ctx, userID)
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Conversation), args.Bool(1)
	}
	return nil, args.Bool(1)
}

// Generation mock cache generation
func (m *MockConversationCache) Generation(ctx context.Context, userID string) int64 {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64)
}

// Set mock cache set
func (m *MockConversationCache) Set(ctx context.Context, userID string, conversations []domain.Conversation, gen int64) {
	m.Called(ctx, userID, conversations, gen)
}

// Invalidate mock cache invalidate
func (m *MockConversationCache) Invalidate(ctx context.Context, userIDs ...string) {
	m.Called(ctx, userIDs)
}
