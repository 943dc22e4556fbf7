package domain

// EventType websocket 事件，封閉集合，handler 用單一 switch 分派
type EventType string

const (
	// EventSend client→server 發送訊息
	EventSend EventType = "send"
	// EventAck server→client 回應 send 結果，用 idempotency token 對應
	EventAck EventType = "ack"
	// EventIncoming server→client 投遞給收件人
	EventIncoming EventType = "incoming"
	// EventSelfEcho server→client 同步給發送者的其他連線
	EventSelfEcho EventType = "self_echo"
	// EventError server→client 無法解析或未知事件
	EventError EventType = "error"
)

// WSRequest client→server frame
type WSRequest struct {
	Event       EventType `json:"event"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Text        string    `json:"text,omitempty"`
	IdemToken   string    `json:"idempotency_token,omitempty"`
}

// Event server→client frame
type Event struct {
	Event     EventType `json:"event"`
	Success   bool      `json:"success"`
	Message   *Message  `json:"message,omitempty"`
	IdemToken string    `json:"idempotency_token,omitempty"`
	Error     string    `json:"error,omitempty"`
}
