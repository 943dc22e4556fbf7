package bdd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"marketplace_chat_service/internal/chat/app"
	"marketplace_chat_service/internal/chat/domain"
	"marketplace_chat_service/internal/chat/repository"
	"marketplace_chat_service/pkg/logger"
)

func TestFeatures(t *testing.T) {
	logger.SetNewNop()
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Paths:  []string{"./featureFiles"}, // 指向 feature 檔相對路徑
			Format: "pretty",
			Output: os.Stdout,
		},
	}

	if suite.Run() != 0 {
		t.Fail()
	}
}

// memoryMessageRepo 記憶體版訊息儲存，行為對齊 Postgres repository
type memoryMessageRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   []domain.Message
}

func newMemoryMessageRepo() *memoryMessageRepo {
	return &memoryMessageRepo{}
}

func (r *memoryMessageRepo) EnsureSchema(ctx context.Context) error { return nil }

func (r *memoryMessageRepo) Persist(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.IdemToken != "" {
		for i := range r.rows {
			if r.rows[i].SenderID == msg.SenderID && r.rows[i].IdemToken == msg.IdemToken {
				existing := r.rows[i]
				return &existing, false, nil
			}
		}
	}

	r.nextID++
	stored := *msg
	stored.ID = r.nextID
	stored.SentAt = time.Now()
	r.rows = append(r.rows, stored)
	out := stored
	return &out, true, nil
}

func (r *memoryMessageRepo) History(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = repository.HistoryLimitDefault
	}
	if limit > repository.HistoryLimitMax {
		limit = repository.HistoryLimitMax
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var messages []domain.Message
	for _, m := range r.rows {
		if (m.SenderID == userA && m.RecipientID == userB) ||
			(m.SenderID == userB && m.RecipientID == userA) {
			messages = append(messages, m)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].SentAt.Equal(messages[j].SentAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].SentAt.Before(messages[j].SentAt)
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (r *memoryMessageRepo) MarkRead(ctx context.Context, viewerID, peerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var marked int64
	for i := range r.rows {
		if r.rows[i].SenderID == peerID && r.rows[i].RecipientID == viewerID && r.rows[i].ReadAt == nil {
			t := now
			r.rows[i].ReadAt = &t
			marked++
		}
	}
	return marked, nil
}

func (r *memoryMessageRepo) Conversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byPeer := make(map[string]*domain.Conversation)
	for _, m := range r.rows {
		var peerID string
		switch userID {
		case m.SenderID:
			peerID = m.RecipientID
		case m.RecipientID:
			peerID = m.SenderID
		default:
			continue
		}

		c, ok := byPeer[peerID]
		if !ok {
			c = &domain.Conversation{PeerID: peerID}
			byPeer[peerID] = c
		}
		if m.SentAt.After(c.LastAt) || c.LastText == "" {
			c.LastText = m.Text
			c.LastAt = m.SentAt
		}
		if m.RecipientID == userID && m.ReadAt == nil {
			c.UnreadCount++
		}
	}

	conversations := make([]domain.Conversation, 0, len(byPeer))
	for _, c := range byPeer {
		conversations = append(conversations, *c)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastAt.After(conversations[j].LastAt)
	})
	return conversations, nil
}

// dmWorld 一個 scenario 的狀態
type dmWorld struct {
	repo     *memoryMessageRepo
	registry *app.Registry
	sendUC   *app.SendMessageUseCase
	convUC   *app.ConversationUseCase

	handles map[string]*app.ConnHandle // key: user/device
	lastErr error
}

func newDMWorld() *dmWorld {
	repo := newMemoryMessageRepo()
	registry := app.NewRegistry()
	return &dmWorld{
		repo:     repo,
		registry: registry,
		sendUC:   app.NewSendMessageUseCase(repo, registry, nil),
		convUC:   app.NewConversationUseCase(repo, nil),
		handles:  make(map[string]*app.ConnHandle),
	}
}

func connKey(user, device string) string {
	return user + "/" + device
}

func (w *dmWorld) userConnected(user, device string) error {
	h := w.registry.NewConnection(connKey(user, device), user)
	if err := h.Authenticate(); err != nil {
		return err
	}
	w.handles[connKey(user, device)] = h
	return nil
}

func (w *dmWorld) deviceSends(user, device, text, recipient string) error {
	_, w.lastErr = w.sendUC.Send(context.Background(), user,
		domain.SendRequest{RecipientID: recipient, Text: text}, connKey(user, device))
	return nil
}

func (w *dmWorld) sendsWithToken(user, token, text, recipient string) error {
	_, w.lastErr = w.sendUC.Send(context.Background(), user,
		domain.SendRequest{RecipientID: recipient, Text: text, IdemToken: token}, "")
	return nil
}

// nextEvent fan-out 是同步入列，所以這裡只做非阻塞讀取
func (w *dmWorld) nextEvent(user, device string) (domain.Event, bool) {
	h, ok := w.handles[connKey(user, device)]
	if !ok {
		return domain.Event{}, false
	}
	select {
	case ev := <-h.Session.Events():
		return ev, true
	default:
		return domain.Event{}, false
	}
}

func (w *dmWorld) deviceReceivedMessage(user, device, text string) error {
	ev, ok := w.nextEvent(user, device)
	if !ok {
		return fmt.Errorf("%s/%s 沒有收到事件", user, device)
	}
	if ev.Event != domain.EventIncoming {
		return fmt.Errorf("expected incoming, got %s", ev.Event)
	}
	if ev.Message == nil || ev.Message.Text != text {
		return fmt.Errorf("expected text %q, got %+v", text, ev.Message)
	}
	return nil
}

func (w *dmWorld) deviceReceivedEcho(user, device, text string) error {
	ev, ok := w.nextEvent(user, device)
	if !ok {
		return fmt.Errorf("%s/%s 沒有收到事件", user, device)
	}
	if ev.Event != domain.EventSelfEcho {
		return fmt.Errorf("expected self_echo, got %s", ev.Event)
	}
	if ev.Message == nil || ev.Message.Text != text {
		return fmt.Errorf("expected text %q, got %+v", text, ev.Message)
	}
	return nil
}

func (w *dmWorld) deviceReceivedNothing(user, device string) error {
	if ev, ok := w.nextEvent(user, device); ok {
		return fmt.Errorf("%s/%s 不該收到事件，卻收到 %s", user, device, ev.Event)
	}
	return nil
}

func (w *dmWorld) deviceEventCount(user, device string, expected int) error {
	count := 0
	for {
		if _, ok := w.nextEvent(user, device); !ok {
			break
		}
		count++
	}
	if count != expected {
		return fmt.Errorf("expected %d events, got %d", expected, count)
	}
	return nil
}

func (w *dmWorld) pairMessageCount(userA, userB string, expected int) error {
	messages, err := w.repo.History(context.Background(), userA, userB, 0)
	if err != nil {
		return err
	}
	if len(messages) != expected {
		return fmt.Errorf("expected %d messages, got %d", expected, len(messages))
	}
	return nil
}

func (w *dmWorld) sendFailedWith(code string) error {
	if w.lastErr == nil {
		return fmt.Errorf("expected send to fail with %s, but it succeeded", code)
	}
	if got := app.ErrorCode(w.lastErr); got != code {
		return fmt.Errorf("expected error code %s, got %s (%v)", code, got, w.lastErr)
	}
	return nil
}

func (w *dmWorld) unreadCount(viewer, peer string, expected int) error {
	conversations, err := w.convUC.Conversations(context.Background(), viewer)
	if err != nil {
		return err
	}
	for _, c := range conversations {
		if c.PeerID == peer {
			if c.UnreadCount != expected {
				return fmt.Errorf("expected unread %d, got %d", expected, c.UnreadCount)
			}
			return nil
		}
	}
	if expected == 0 {
		return nil
	}
	return fmt.Errorf("no conversation with %s", peer)
}

func (w *dmWorld) readsHistory(viewer, peer string) error {
	_, err := w.convUC.History(context.Background(), viewer, peer, 0)
	return err
}

// InitializeScenario 註冊 Gherkin 與 Step Definition 的對應
func InitializeScenario(s *godog.ScenarioContext) {
	w := newDMWorld()
	s.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		*w = *newDMWorld()
		return ctx, nil
	})

	s.Step(`^"([^"]*)" 已連線 with device "([^"]*)"$`, w.userConnected)
	s.Step(`^"([^"]*)" 的 device "([^"]*)" 發送訊息 "([^"]*)" 給 "([^"]*)"$`, w.deviceSends)
	s.Step(`^"([^"]*)" 帶 token "([^"]*)" 發送訊息 "([^"]*)" 給 "([^"]*)"$`, w.sendsWithToken)
	s.Step(`^"([^"]*)" 的 device "([^"]*)" 應該收到訊息 "([^"]*)"$`, w.deviceReceivedMessage)
	s.Step(`^"([^"]*)" 的 device "([^"]*)" 應該收到 echo "([^"]*)"$`, w.deviceReceivedEcho)
	s.Step(`^"([^"]*)" 的 device "([^"]*)" 不應該收到任何事件$`, w.deviceReceivedNothing)
	s.Step(`^"([^"]*)" 的 device "([^"]*)" 應該總共收到 (\d+) 個事件$`, w.deviceEventCount)
	s.Step(`^"([^"]*)" 和 "([^"]*)" 之間應該只有 (\d+) 則訊息$`, w.pairMessageCount)
	s.Step(`^發送應該失敗 with "([^"]*)"$`, w.sendFailedWith)
	s.Step(`^"([^"]*)" 對 "([^"]*)" 的未讀數應該是 (\d+)$`, w.unreadCount)
	s.Step(`^"([^"]*)" 讀取與 "([^"]*)" 的歷史$`, w.readsHistory)
}
