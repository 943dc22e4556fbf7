package client

import (
	"sort"
	"sync"
	"time"

	"marketplace_chat_service/internal/chat/domain"
)

// SendState optimistic entry 的送達狀態
type SendState string

const (
	// SendPending 已在本地顯示，server 還沒確認
	SendPending SendState = "pending"
	// SendDelivered server 已落地，有正式 id
	SendDelivered SendState = "delivered"
	// SendFailed 兩條通道都失敗，UI 要標示出來
	SendFailed SendState = "failed"
)

// Entry 本地視圖中的一則訊息。
// 有 server id 之後用 id 當 key，之前用 idempotency token 當 key，
// optimistic entry 和它的 self-echo / history row 才會合併成同一則。
type Entry struct {
	ID        int64
	IdemToken string
	SenderID  string
	PeerID    string
	Text      string
	SentAt    time.Time
	State     SendState
	Incoming  bool
}

// localStore 每個 peer 一條訊息序列，merge 去重後按時間排序
type localStore struct {
	mu      sync.Mutex
	byPeer  map[string][]Entry
	selfID  string
}

func newLocalStore(selfID string) *localStore {
	return &localStore{
		byPeer: make(map[string][]Entry),
		selfID: selfID,
	}
}

// addOptimistic 送出前先放進本地視圖
func (s *localStore) addOptimistic(peerID string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPeer[peerID] = append(s.byPeer[peerID], e)
}

// mergeMessage 把 server 端的訊息併進本地視圖，回傳合併後的 entry
// 與它是否是新出現的一則
func (s *localStore) mergeMessage(msg *domain.Message) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peerID := msg.SenderID
	incoming := true
	if msg.SenderID == s.selfID {
		peerID = msg.RecipientID
		incoming = false
	}

	entries := s.byPeer[peerID]
	for i := range entries {
		// 先比 server id，再比 token（optimistic entry 還沒有 id）
		if (entries[i].ID != 0 && entries[i].ID == msg.ID) ||
			(entries[i].ID == 0 && msg.IdemToken != "" && entries[i].IdemToken == msg.IdemToken) {
			entries[i].ID = msg.ID
			entries[i].Text = msg.Text
			entries[i].SentAt = msg.SentAt
			entries[i].State = SendDelivered
			return entries[i], false
		}
	}

	e := Entry{
		ID:        msg.ID,
		IdemToken: msg.IdemToken,
		SenderID:  msg.SenderID,
		PeerID:    peerID,
		Text:      msg.Text,
		SentAt:    msg.SentAt,
		State:     SendDelivered,
		Incoming:  incoming,
	}
	s.byPeer[peerID] = append(entries, e)
	return e, true
}

// markFailed 標記某個 token 的 optimistic entry 送達失敗
func (s *localStore) markFailed(peerID, idemToken string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.byPeer[peerID]
	for i := range entries {
		if entries[i].ID == 0 && entries[i].IdemToken == idemToken {
			entries[i].State = SendFailed
			return entries[i], true
		}
	}
	return Entry{}, false
}

// Messages 某個 peer 的本地視圖，server 時間優先排序，同時間比 id
func (s *localStore) Messages(peerID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, len(s.byPeer[peerID]))
	copy(entries, s.byPeer[peerID])
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SentAt.Equal(entries[j].SentAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].SentAt.Before(entries[j].SentAt)
	})
	return entries
}
