package domain

import "time"

// MaxTextLength 單則訊息上限（trim 之後）
const MaxTextLength = 2000

// Message 表示一則私訊，persist 之後除了 ReadAt 都不可變
type Message struct {
	ID          int64      `json:"id"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id"`
	Text        string     `json:"text"`
	SentAt      time.Time  `json:"sent_at"`
	ReadAt      *time.Time `json:"read_at"`

	// IdemToken client 提供的去重 token，可為空
	IdemToken string `json:"idempotency_token,omitempty"`
}

// IsRead 是否已讀
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// Conversation 對某個 viewer 的單一對話摘要，讀取時計算，不落地
type Conversation struct {
	PeerID      string    `json:"peer_id"`
	LastText    string    `json:"last_text"`
	LastAt      time.Time `json:"last_at"`
	UnreadCount int       `json:"unread_count"`
}

// SendRequest 發送訊息的輸入，realtime 與 REST 兩條路徑共用
type SendRequest struct {
	RecipientID string `json:"recipient_id" validate:"required"`
	Text        string `json:"text" validate:"required"`
	IdemToken   string `json:"idempotency_token,omitempty" validate:"omitempty,max=128"`
}
