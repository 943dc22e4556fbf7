package app

import (
	"context"

	"go.uber.org/zap"

	"marketplace_chat_service/internal/chat/domain"
	"marketplace_chat_service/internal/chat/repository"
	"marketplace_chat_service/pkg/logger"
)

// ConversationUseCase 對話列表與歷史查詢，歷史查詢順帶把未讀標為已讀
type ConversationUseCase struct {
	msgRepo repository.MessageRepository
	cache   repository.ConversationCache
}

// NewConversationUseCase init create conversation use case
func NewConversationUseCase(msgRepo repository.MessageRepository, cache repository.ConversationCache) *ConversationUseCase {
	return &ConversationUseCase{
		msgRepo: msgRepo,
		cache:   cache,
	}
}

// Conversations viewer 的對話列表，快取命中就直接回，miss 從資料庫重算
func (uc *ConversationUseCase) Conversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	gen := int64(0)
	if uc.cache != nil {
		if conversations, ok := uc.cache.Get(ctx, userID); ok {
			return conversations, nil
		}
		// generation 要在資料庫讀取之前取樣：重算期間若有 invalidate 進來，
		// 寫回會落空，不會把失效前的列表塞回快取
		gen = uc.cache.Generation(ctx, userID)
	}

	conversations, err := uc.msgRepo.Conversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	if uc.cache != nil {
		uc.cache.Set(ctx, userID, conversations, gen)
	}
	return conversations, nil
}

// History 撈兩人歷史並把 peer 傳來的未讀標為已讀。
// mark-read 失敗不影響回傳，下一次 fetch 會再標一次
func (uc *ConversationUseCase) History(ctx context.Context, viewerID, peerID string, limit int) ([]domain.Message, error) {
	messages, err := uc.msgRepo.History(ctx, viewerID, peerID, limit)
	if err != nil {
		return nil, err
	}

	// 對方訊息上的 idempotency token 是發送端的私有資料，不外流
	for i := range messages {
		if messages[i].SenderID != viewerID {
			messages[i].IdemToken = ""
		}
	}

	marked, err := uc.msgRepo.MarkRead(ctx, viewerID, peerID)
	if err != nil {
		logger.Log.Warn("mark read failed, unread state unchanged",
			zap.String("viewer_id", viewerID),
			zap.String("peer_id", peerID),
			zap.Error(err))
		return messages, nil
	}

	if marked > 0 && uc.cache != nil {
		uc.cache.Invalidate(ctx, viewerID)
	}
	return messages, nil
}
