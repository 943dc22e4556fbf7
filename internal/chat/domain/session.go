package domain

import (
	"sync"
	"time"
)

// ConnState websocket 連線生命週期狀態
type ConnState string

const (
	// ConnConnecting 傳輸已建立，handshake 還沒驗證
	ConnConnecting ConnState = "connecting"
	// ConnAuthenticated token 驗證通過，已加入 room
	ConnAuthenticated ConnState = "authenticated"
	// ConnClosed 連線已關閉，已移出 room
	ConnClosed ConnState = "closed"
)

// ConnTrigger 狀態機觸發事件
type ConnTrigger string

const (
	// TriggerAuthenticate handshake 驗證通過
	TriggerAuthenticate ConnTrigger = "authenticate"
	// TriggerClose 傳輸斷線或主動關閉
	TriggerClose ConnTrigger = "close"
)

// sessionBuffer 每條連線的送出緩衝大小
const sessionBuffer = 256

// Session 一條存活的 realtime 連線，只存在 Registry 內，不落地
type Session struct {
	ConnectionID string
	UserID       string
	ConnectedAt  time.Time

	mu     sync.RWMutex
	out    chan Event
	closed bool
}

// NewSession create a Session
func NewSession(connectionID, userID string) *Session {
	return &Session{
		ConnectionID: connectionID,
		UserID:       userID,
		ConnectedAt:  time.Now(),
		out:          make(chan Event, sessionBuffer),
	}
}

// Events 供單一 writer goroutine 消費，保證每條連線的事件順序
func (s *Session) Events() <-chan Event {
	return s.out
}

// Enqueue 把事件排入送出緩衝，不阻塞；已關閉或緩衝滿時丟棄並回傳 false
// （慢速 client 之後靠 history refetch 收斂）
func (s *Session) Enqueue(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	default:
		return false
	}
}

// CloseOutbound 關閉送出緩衝，重複呼叫沒有額外效果
func (s *Session) CloseOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}
