package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"marketplace_chat_service/internal/chat/domain"
	"marketplace_chat_service/internal/chat/repository"
	errprocess "marketplace_chat_service/pkg/err"
	"marketplace_chat_service/pkg/logger"
)

// SendMessageUseCase 訊息路由：驗證 → 落地 → fan-out。
// realtime send 與 REST POST /messages 都走這裡。
type SendMessageUseCase struct {
	msgRepo  repository.MessageRepository
	registry *Registry
	cache    repository.ConversationCache
	validate *validator.Validate
}

// NewSendMessageUseCase init create message use case
func NewSendMessageUseCase(
	msgRepo repository.MessageRepository,
	registry *Registry,
	cache repository.ConversationCache,
) *SendMessageUseCase {
	return &SendMessageUseCase{
		msgRepo:  msgRepo,
		registry: registry,
		cache:    cache,
		validate: validator.New(),
	}
}

// Send 處理一次發送。originConnID 是發起這次 send 的連線（REST 路徑傳空字串），
// self-echo 不會回到它身上。
func (uc *SendMessageUseCase) Send(ctx context.Context, senderID string, req domain.SendRequest, originConnID string) (*domain.Message, error) {
	clean, err := uc.validateSend(senderID, &req)
	if err != nil {
		return nil, err
	}

	msg, created, err := uc.msgRepo.Persist(ctx, &domain.Message{
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		Text:        clean,
		IdemToken:   req.IdemToken,
	})
	if err != nil {
		// 不在這裡重試，caller 帶同一 token 再打一次即可
		return nil, err
	}

	// 同一 token 的重送：回原本那列，不做第二次 fan-out
	if !created {
		logger.Log.Info("duplicate send suppressed",
			zap.String("sender_id", senderID),
			zap.String("idempotency_token", req.IdemToken))
		return msg, nil
	}

	// 快取同步失效，兩邊的對話列表都變了
	if uc.cache != nil {
		uc.cache.Invalidate(ctx, senderID, req.RecipientID)
	}

	// 收件人不需要發送端的 idempotency token，去敏後再 fan-out
	recipientMsg := *msg
	recipientMsg.IdemToken = ""
	uc.registry.Fanout(req.RecipientID, domain.Event{
		Event:   domain.EventIncoming,
		Success: true,
		Message: &recipientMsg,
	}, "")

	uc.registry.Fanout(senderID, domain.Event{
		Event:     domain.EventSelfEcho,
		Success:   true,
		Message:   msg,
		IdemToken: req.IdemToken,
	}, originConnID)

	return msg, nil
}

// validateSend 回傳 trim 後的內容，所有違規都是 terminal error
func (uc *SendMessageUseCase) validateSend(senderID string, req *domain.SendRequest) (string, error) {
	if err := uc.validate.Struct(req); err != nil {
		return "", errprocess.Wrap(errprocess.ErrInvalidInput, "send request: "+err.Error())
	}

	if senderID == req.RecipientID {
		return "", errprocess.Wrap(errprocess.ErrCannotMessageSelf, "sender "+senderID+" addressed itself")
	}

	clean := strings.TrimSpace(req.Text)
	if clean == "" {
		return "", errprocess.Wrap(errprocess.ErrInvalidInput, "empty text after trim")
	}
	if utf8.RuneCountInString(clean) > domain.MaxTextLength {
		return "", errprocess.Wrap(errprocess.ErrInvalidInput, "text exceeds length bound")
	}

	return clean, nil
}
