package app

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"marketplace_chat_service/internal/chat/domain"
	errprocess "marketplace_chat_service/pkg/err"
	"marketplace_chat_service/pkg/logger"
	"marketplace_chat_service/pkg/middlewares"
)

// ChatRestHandler REST fallback 與查詢介面，send 與 realtime 共用同一條 usecase
type ChatRestHandler struct {
	sendUC *SendMessageUseCase
	convUC *ConversationUseCase
}

// NewChatRestHandler create ChatRestHandler
func NewChatRestHandler(sendUC *SendMessageUseCase, convUC *ConversationUseCase) *ChatRestHandler {
	return &ChatRestHandler{
		sendUC: sendUC,
		convUC: convUC,
	}
}

// GetConversations GET /conversations
func (h *ChatRestHandler) GetConversations(c *fiber.Ctx) error {
	userID := c.Locals(middlewares.TokenUserID).(string)

	conversations, err := h.convUC.Conversations(c.Context(), userID)
	if err != nil {
		logger.Log.Error("get conversations failed", zap.String("user_id", userID), zap.Error(err))
		return h.errorResponse(c, err)
	}
	return c.JSON(conversations)
}

// GetHistory GET /history/:peer_id?limit=N，讀取同時把未讀標為已讀
func (h *ChatRestHandler) GetHistory(c *fiber.Ctx) error {
	userID := c.Locals(middlewares.TokenUserID).(string)
	peerID := c.Params("peer_id")
	if peerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "INVALID_INPUT"})
	}
	limit := c.QueryInt("limit")

	messages, err := h.convUC.History(c.Context(), userID, peerID, limit)
	if err != nil {
		logger.Log.Error("get history failed",
			zap.String("user_id", userID), zap.String("peer_id", peerID), zap.Error(err))
		return h.errorResponse(c, err)
	}
	return c.JSON(messages)
}

// PostMessage POST /messages，realtime 不通時的 fallback 通道
func (h *ChatRestHandler) PostMessage(c *fiber.Ctx) error {
	userID := c.Locals(middlewares.TokenUserID).(string)

	var req domain.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "INVALID_INPUT"})
	}

	msg, err := h.sendUC.Send(c.Context(), userID, req, "")
	if err != nil {
		logger.Log.Error("rest send failed",
			zap.String("sender_id", userID), zap.String("recipient_id", req.RecipientID), zap.Error(err))
		// 超長內容沿用 413，和其他輸入錯誤分開
		if errors.Is(err, errprocess.ErrInvalidInput) &&
			utf8.RuneCountInString(strings.TrimSpace(req.Text)) > domain.MaxTextLength {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "MESSAGE_TOO_LONG"})
		}
		return h.errorResponse(c, err)
	}
	return c.JSON(msg)
}

func (h *ChatRestHandler) errorResponse(c *fiber.Ctx, err error) error {
	code := ErrorCode(err)
	status := fiber.StatusInternalServerError
	switch code {
	case "UNAUTHENTICATED":
		status = fiber.StatusUnauthorized
	case "INVALID_INPUT", "CANNOT_MESSAGE_SELF":
		status = fiber.StatusBadRequest
	case "STORE_UNAVAILABLE":
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}
