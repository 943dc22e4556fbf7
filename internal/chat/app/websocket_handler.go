package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace_chat_service/internal/chat/domain"
	errprocess "marketplace_chat_service/pkg/err"
	"marketplace_chat_service/pkg/logger"
	"marketplace_chat_service/pkg/middlewares"
)

// ChatWebsocketHandler 處理 realtime 連線：handshake、事件分派、送出
type ChatWebsocketHandler struct {
	registry *Registry
	sendUC   *SendMessageUseCase
}

// NewChatWebsocketHandler create ChatWebsocketHandler
func NewChatWebsocketHandler(registry *Registry, sendUC *SendMessageUseCase) *ChatWebsocketHandler {
	return &ChatWebsocketHandler{
		registry: registry,
		sendUC:   sendUC,
	}
}

// HandleConnection 是 WebSocket 連線的進入點。
// token 已在升級前由 middleware 驗過，失敗的連線到不了這裡。
func (h *ChatWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	userID, ok := conn.Locals(middlewares.TokenUserID).(string)
	if !ok || userID == "" {
		logger.Log.Warn("websocket upgrade without verified user, refusing")
		conn.Close()
		return
	}

	handle := h.registry.NewConnection(uuid.New().String(), userID)
	if err := handle.Authenticate(); err != nil {
		logger.Log.Error("connection authenticate transition failed", zap.Error(err))
		conn.Close()
		return
	}
	sess := handle.Session
	logger.Log.Info("websocket connected",
		zap.String("user_id", userID), zap.String("connection_id", sess.ConnectionID))

	ticker := time.NewTicker(10 * time.Minute)
	ctxClose, cancel := context.WithCancel(context.Background())

	defer func() {
		ticker.Stop()
		cancel()
		handle.Close()
		conn.Close()
		logger.Log.Info("websocket closed",
			zap.String("user_id", userID), zap.String("connection_id", sess.ConnectionID))
	}()

	//client發出close
	//fiber會自動處理(在read msg 回傳err),故需要SetCloseHandler另外接出
	conn.SetCloseHandler(func(code int, text string) error {
		logger.Log.Infof("WebSocket closed:", conn.RemoteAddr())
		return nil
	})

	conn.SetPongHandler(func(appData string) error {
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(appData),
			time.Now().Add(time.Second),
		)
	})

	// 唯一的 writer goroutine，按 queue 順序寫出，保證單一連線內不重排
	go func() {
		for ev := range sess.Events() {
			b, err := json.Marshal(ev)
			if err != nil {
				logger.Log.Errorf("marshal event error:", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Log.Errorf("write message error:", err)
				return
			}
		}
	}()

	// 定期發送 Ping，WriteControl 可以和 writer goroutine 並發
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
					logger.Log.Errorf("ping error:", err)
					return
				}
			case <-ctxClose.Done():
				return
			}
		}
	}()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Log.Infof("connection closed:", err)
			} else {
				logger.Log.Errorf("websocket read error:", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			sess.Enqueue(domain.Event{Event: domain.EventError, Error: "unsupported message type"})
			continue
		}
		h.dispatch(ctx, sess, message)
	}
}

// dispatch 解析 frame 並分派事件，事件集合是封閉的
func (h *ChatWebsocketHandler) dispatch(ctx context.Context, sess *domain.Session, raw []byte) {
	var req domain.WSRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		sess.Enqueue(domain.Event{Event: domain.EventError, Error: "malformed frame"})
		return
	}

	switch req.Event {
	case domain.EventSend:
		msg, err := h.sendUC.Send(ctx, sess.UserID, domain.SendRequest{
			RecipientID: req.RecipientID,
			Text:        req.Text,
			IdemToken:   req.IdemToken,
		}, sess.ConnectionID)

		ack := domain.Event{Event: domain.EventAck, IdemToken: req.IdemToken}
		if err != nil {
			ack.Error = ErrorCode(err)
			logger.Log.Error("websocket send failed",
				zap.String("user_id", sess.UserID), zap.String("error", ack.Error))
		} else {
			ack.Success = true
			ack.Message = msg
		}
		// ack 只回發起的這條連線
		sess.Enqueue(ack)

	default:
		sess.Enqueue(domain.Event{Event: domain.EventError, Error: "unknown event"})
	}
}

// ErrorCode 把錯誤分類映射成 wire 上的代碼
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, errprocess.ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, errprocess.ErrCannotMessageSelf):
		return "CANNOT_MESSAGE_SELF"
	case errors.Is(err, errprocess.ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, errprocess.ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
