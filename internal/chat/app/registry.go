package app

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"

	"marketplace_chat_service/internal/chat/domain"
	"marketplace_chat_service/pkg/logger"
)

// Registry 以 user 為 key 的 room 表，每個 room 是該 user 現存的連線集合。
// 純 in-memory，process 重啟即重建；用注入實例而不是 package 單例，測試好隔離。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*domain.Session
}

// NewRegistry create a Registry
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*domain.Session),
	}
}

// ConnHandle 一條連線與它的生命週期狀態機
// connecting → authenticated → closed，只有 authenticated 會進 room
type ConnHandle struct {
	Session *domain.Session
	fsm     *stateless.StateMachine
}

// NewConnection 建立 handle，handshake 成功後 caller 呼叫 Authenticate
func (r *Registry) NewConnection(connectionID, userID string) *ConnHandle {
	sess := domain.NewSession(connectionID, userID)
	h := &ConnHandle{Session: sess}

	fsm := stateless.NewStateMachine(domain.ConnConnecting)

	fsm.Configure(domain.ConnConnecting).
		Permit(domain.TriggerAuthenticate, domain.ConnAuthenticated).
		Permit(domain.TriggerClose, domain.ConnClosed)

	fsm.Configure(domain.ConnAuthenticated).
		OnEntry(func(ctx context.Context, args ...any) error {
			r.add(sess)
			return nil
		}).
		Permit(domain.TriggerClose, domain.ConnClosed)

	// close 要是冪等的，已關閉的連線再 close 沒有額外效果
	fsm.Configure(domain.ConnClosed).
		OnEntry(func(ctx context.Context, args ...any) error {
			r.remove(sess)
			sess.CloseOutbound()
			return nil
		}).
		Ignore(domain.TriggerClose).
		Ignore(domain.TriggerAuthenticate)

	h.fsm = fsm
	return h
}

// Authenticate handshake 驗證通過，把連線加入 room
func (h *ConnHandle) Authenticate() error {
	return h.fsm.Fire(domain.TriggerAuthenticate)
}

// Close 連線結束，移出 room；重複呼叫無效果
func (h *ConnHandle) Close() {
	if err := h.fsm.Fire(domain.TriggerClose); err != nil {
		logger.Log.Warn("connection close transition failed",
			zap.String("connection_id", h.Session.ConnectionID), zap.Error(err))
	}
}

// State 目前連線狀態
func (h *ConnHandle) State() domain.ConnState {
	return h.fsm.MustState().(domain.ConnState)
}

func (r *Registry) add(sess *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[sess.UserID]
	if !ok {
		room = make(map[string]*domain.Session)
		r.rooms[sess.UserID] = room
	}
	room[sess.ConnectionID] = sess
}

func (r *Registry) remove(sess *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[sess.UserID]
	if !ok {
		return
	}
	delete(room, sess.ConnectionID)
	if len(room) == 0 {
		delete(r.rooms, sess.UserID)
	}
}

// Snapshot 回傳 room 成員的複本，fan-out 在複本上迭代，
// 不持鎖，也不會擋住並發的 disconnect
func (r *Registry) Snapshot(userID string) []*domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[userID]
	sessions := make([]*domain.Session, 0, len(room))
	for _, sess := range room {
		sessions = append(sessions, sess)
	}
	return sessions
}

// CountSessions 目前 user 的連線數
func (r *Registry) CountSessions(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[userID])
}

// Fanout 把事件排給 user 的每條連線，excludeConnID 用來跳過發送端自己。
// 回傳實際排入的連線數，緩衝滿的連線會丟棄並記 log。
func (r *Registry) Fanout(userID string, ev domain.Event, excludeConnID string) int {
	delivered := 0
	for _, sess := range r.Snapshot(userID) {
		if sess.ConnectionID == excludeConnID {
			continue
		}
		if sess.Enqueue(ev) {
			delivered++
		} else {
			logger.Log.Warn("fanout buffer full, event dropped",
				zap.String("user_id", userID),
				zap.String("connection_id", sess.ConnectionID),
				zap.String("event", string(ev.Event)))
		}
	}
	return delivered
}
