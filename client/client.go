package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace_chat_service/internal/chat/domain"
	errprocess "marketplace_chat_service/pkg/err"
	"marketplace_chat_service/pkg/logger"
)

// DefaultAckTimeout realtime ack 的等待上限，超過就改走 REST fallback
const DefaultAckTimeout = 4 * time.Second

// Listener 訂閱本地視圖變化，取代散落各處的全域 event bus
type Listener interface {
	// OnMessage 本地視圖多了一則或一則被確認
	OnMessage(peerID string, entry Entry)
	// OnSendFailed 兩條通道都失敗，UI 要把 optimistic entry 標成失敗
	OnSendFailed(peerID string, entry Entry)
	// OnConversations 權威的對話列表（來自 conversations fetch）
	OnConversations(conversations []domain.Conversation)
}

// Chat 訊息服務的 client 端，管理 realtime 連線、optimistic 發送與視圖合併
type Chat struct {
	apiBase    string
	wsURL      string
	token      string
	userID     string
	httpClient *http.Client
	ackTimeout time.Duration

	store *localStore

	mu        sync.Mutex
	conn      *gws.Conn
	writeMu   sync.Mutex
	pending   map[string]chan domain.Event
	listeners []Listener
}

// New create a Chat client. userID 是 token 的主體，用來分辨 echo 的方向
func New(apiBase, wsURL, token, userID string) *Chat {
	if logger.Log == nil {
		logger.SetNewNop()
	}
	return &Chat{
		apiBase:    apiBase,
		wsURL:      wsURL,
		token:      token,
		userID:     userID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ackTimeout: DefaultAckTimeout,
		store:      newLocalStore(userID),
		pending:    make(map[string]chan domain.Event),
	}
}

// Subscribe 註冊 listener
func (c *Chat) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Chat) eachListener(fn func(Listener)) {
	c.mu.Lock()
	ls := make([]Listener, len(c.listeners))
	copy(ls, c.listeners)
	c.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

// Connect 建立 realtime 連線並開始收事件。連不上不算錯誤狀態，
// send 會自動走 REST fallback
func (c *Chat) Connect(ctx context.Context) error {
	conn, _, err := gws.DefaultDialer.DialContext(ctx, fmt.Sprintf("%s?auth=%s", c.wsURL, c.token), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	// 重連時把舊連線關掉，舊的 read loop 才會結束
	if old != nil {
		old.Close()
	}

	go c.readLoop(conn)
	return nil
}

// Close 關閉 realtime 連線
func (c *Chat) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Chat) readLoop(conn *gws.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Log.Infof("client read loop ended:", err)
			return
		}
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Log.Errorf("client unmarshal event:", err)
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Chat) handleEvent(ev domain.Event) {
	switch ev.Event {
	case domain.EventAck:
		c.mu.Lock()
		ch, ok := c.pending[ev.IdemToken]
		if ok {
			delete(c.pending, ev.IdemToken)
		}
		c.mu.Unlock()
		if ok {
			// future 已經有人在等就交付，沒人等表示早就 timeout 走了 fallback，
			// 晚到的結果靠 idempotency token 收斂，這裡直接丟掉
			select {
			case ch <- ev:
			default:
			}
		}

	case domain.EventIncoming, domain.EventSelfEcho:
		if ev.Message == nil {
			return
		}
		entry, _ := c.store.mergeMessage(ev.Message)
		c.eachListener(func(l Listener) { l.OnMessage(entry.PeerID, entry) })

	case domain.EventError:
		logger.Log.Warn("server event error", zap.String("error", ev.Error))
	}
}

// Send 發送一則訊息：先放 optimistic entry，優先走 realtime 等 ack，
// timeout 或沒有連線就帶同一個 idempotency token 走 REST fallback。
// 兩條通道都失敗才回傳錯誤，entry 會標成 failed。
func (c *Chat) Send(ctx context.Context, peerID, text string) (Entry, error) {
	idemToken := uuid.New().String()

	optimistic := Entry{
		IdemToken: idemToken,
		SenderID:  c.userID,
		PeerID:    peerID,
		Text:      text,
		SentAt:    time.Now(),
		State:     SendPending,
	}
	c.store.addOptimistic(peerID, optimistic)

	msg, err := c.sendRealtime(ctx, peerID, text, idemToken)
	if err != nil {
		if isTerminal(err) {
			entry, ok := c.store.markFailed(peerID, idemToken)
			if ok {
				c.eachListener(func(l Listener) { l.OnSendFailed(peerID, entry) })
			}
			return entry, err
		}
		// realtime 不可用或 ack 超時，fallback；token 相同所以 server 不會寫第二列
		logger.Log.Infof("realtime send unavailable, falling back to REST:", err)
		msg, err = c.sendREST(ctx, peerID, text, idemToken)
		if err != nil {
			entry, ok := c.store.markFailed(peerID, idemToken)
			if ok {
				c.eachListener(func(l Listener) { l.OnSendFailed(peerID, entry) })
			}
			return entry, err
		}
	}

	entry, _ := c.store.mergeMessage(msg)
	c.eachListener(func(l Listener) { l.OnMessage(peerID, entry) })
	return entry, nil
}

// sendRealtime 走 websocket 並等 ack，ack 是一個帶 timeout 的 future
func (c *Chat) sendRealtime(ctx context.Context, peerID, text, idemToken string) (*domain.Message, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errprocess.ErrAckTimeout
	}
	ackCh := make(chan domain.Event, 1)
	c.pending[idemToken] = ackCh
	c.mu.Unlock()

	req := domain.WSRequest{
		Event:       domain.EventSend,
		RecipientID: peerID,
		Text:        text,
		IdemToken:   idemToken,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(gws.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(idemToken)
		return nil, errprocess.ErrAckTimeout
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if !ack.Success {
			return nil, ackError(ack.Error)
		}
		return ack.Message, nil
	case <-timer.C:
		c.dropPending(idemToken)
		return nil, errprocess.ErrAckTimeout
	case <-ctx.Done():
		c.dropPending(idemToken)
		return nil, ctx.Err()
	}
}

func (c *Chat) dropPending(idemToken string) {
	c.mu.Lock()
	delete(c.pending, idemToken)
	c.mu.Unlock()
}

// sendREST fallback 通道，和 realtime 用同一個 token
func (c *Chat) sendREST(ctx context.Context, peerID, text, idemToken string) (*domain.Message, error) {
	body, err := json.Marshal(domain.SendRequest{
		RecipientID: peerID,
		Text:        text,
		IdemToken:   idemToken,
	})
	if err != nil {
		return nil, err
	}

	var msg domain.Message
	if err := c.doJSON(ctx, http.MethodPost, "/messages", bytes.NewReader(body), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History 重新抓歷史並併進本地視圖，已知 id 的訊息不會出現第二次
func (c *Chat) History(ctx context.Context, peerID string, limit int) ([]Entry, error) {
	path := fmt.Sprintf("/history/%s", peerID)
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	var messages []domain.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}

	for i := range messages {
		c.store.mergeMessage(&messages[i])
	}
	return c.store.Messages(peerID), nil
}

// Conversations 權威的對話列表與未讀數，session 開始與 mark-read 後都要打一次
func (c *Chat) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	c.eachListener(func(l Listener) { l.OnConversations(conversations) })
	return conversations, nil
}

// MarkRead 打開對話時呼叫，server 端由 history 讀取順帶標已讀
func (c *Chat) MarkRead(ctx context.Context, peerID string) error {
	_, err := c.History(ctx, peerID, 1)
	return err
}

// Messages 某個 peer 目前的本地視圖
func (c *Chat) Messages(peerID string) []Entry {
	return c.store.Messages(peerID)
}

func (c *Chat) doJSON(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errprocess.Wrap(errprocess.ErrStoreUnavailable, "http request: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return ackError(e.Error)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// isTerminal 驗證類錯誤換通道也不會成功，不值得 fallback
func isTerminal(err error) bool {
	return errors.Is(err, errprocess.ErrInvalidInput) ||
		errors.Is(err, errprocess.ErrCannotMessageSelf) ||
		errors.Is(err, errprocess.ErrUnauthenticated)
}

// ackError wire 上的錯誤代碼還原成錯誤分類
func ackError(code string) error {
	switch code {
	case "UNAUTHENTICATED":
		return errprocess.ErrUnauthenticated
	case "INVALID_INPUT", "MESSAGE_TOO_LONG":
		return errprocess.ErrInvalidInput
	case "CANNOT_MESSAGE_SELF":
		return errprocess.ErrCannotMessageSelf
	case "STORE_UNAVAILABLE":
		return errprocess.ErrStoreUnavailable
	default:
		return errors.New("send failed: " + code)
	}
}
