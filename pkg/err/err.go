package errprocess

import (
	"errors"

	"marketplace_chat_service/pkg/logger"
)

// 訊息服務的錯誤分類，caller 用 errors.Is 判斷
var (
	// ErrUnauthenticated token 無效/過期/缺失，不重試
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidInput 內容為空/過長或缺少收件人，不重試
	ErrInvalidInput = errors.New("invalid input")
	// ErrCannotMessageSelf 不能傳訊息給自己
	ErrCannotMessageSelf = errors.New("cannot message self")
	// ErrStoreUnavailable 資料庫暫時不可用，可帶同一 idempotency token 重試
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAckTimeout realtime ack 超時，caller 改走 REST fallback
	ErrAckTimeout = errors.New("ack timeout")
)

// Set set err info
func Set(errMsg string) error {
	logger.Log.Error(errMsg)
	return errors.New(errMsg)
}

// Wrap 在分類錯誤上附加細節，保留 errors.Is 判斷
func Wrap(kind error, detail string) error {
	logger.Log.Error(detail)
	return errors.Join(kind, errors.New(detail))
}
