package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"marketplace_chat_service/internal/chat/domain"
	errprocess "marketplace_chat_service/pkg/err"
)

// HistoryLimitMax history 單次最多回傳筆數
const HistoryLimitMax = 200

// HistoryLimitDefault history 未帶 limit 時的預設筆數
const HistoryLimitDefault = 100

// MessageRepository definition message store
type MessageRepository interface {
	// EnsureSchema 建表與索引，可重複執行
	EnsureSchema(ctx context.Context) error
	// Persist 寫入訊息並指派 id/sent_at；同一 sender 的同一 idempotency token
	// 不會寫第二列，此時回傳既有列且 created=false
	Persist(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error)
	// History 兩人之間雙向訊息，sent_at 升冪，同時間用 id 升冪
	History(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error)
	// MarkRead 把 peer 傳給 viewer 的未讀訊息全部標為已讀，回傳更新筆數
	MarkRead(ctx context.Context, viewerID, peerID string) (int64, error)
	// Conversations viewer 的對話列表，按最後訊息時間降冪
	Conversations(ctx context.Context, userID string) ([]domain.Conversation, error)
}

type messageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository create a MessageRepository
func NewMessageRepository(db *pgxpool.Pool) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages_logs (
			id                BIGSERIAL PRIMARY KEY,
			sender_id         TEXT NOT NULL,
			recipient_id      TEXT NOT NULL,
			text              TEXT NOT NULL,
			idempotency_token TEXT NOT NULL DEFAULT '',
			sent_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
			read_at           TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS messages_logs_idem_uniq
			ON messages_logs (sender_id, idempotency_token)
			WHERE idempotency_token <> '';
		CREATE INDEX IF NOT EXISTS messages_logs_unread_idx
			ON messages_logs (recipient_id, sender_id)
			WHERE read_at IS NULL;
		CREATE INDEX IF NOT EXISTS messages_logs_pair_idx
			ON messages_logs (sender_id, recipient_id, sent_at);
	`)
	if err != nil {
		return errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("ensure schema: %v", err))
	}
	return nil
}

func (r *messageRepository) Persist(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO messages_logs (sender_id, recipient_id, text, idempotency_token)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sender_id, idempotency_token) WHERE idempotency_token <> ''
		DO NOTHING
		RETURNING id, sent_at
	`, msg.SenderID, msg.RecipientID, msg.Text, msg.IdemToken)

	out := *msg
	err := row.Scan(&out.ID, &out.SentAt)
	if err == nil {
		return &out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("persist message: %v", err))
	}

	// conflict 表示同一 token 已經寫過，回頭撈原本那列
	existing, ferr := r.findByIdemToken(ctx, msg.SenderID, msg.IdemToken)
	if ferr != nil {
		return nil, false, ferr
	}
	return existing, false, nil
}

func (r *messageRepository) findByIdemToken(ctx context.Context, senderID, idemToken string) (*domain.Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, sender_id, recipient_id, text, idempotency_token, sent_at, read_at
		FROM messages_logs
		WHERE sender_id = $1 AND idempotency_token = $2
	`, senderID, idemToken)

	var m domain.Message
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.IdemToken, &m.SentAt, &m.ReadAt); err != nil {
		return nil, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("find by idempotency token: %v", err))
	}
	return &m, nil
}

func (r *messageRepository) History(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = HistoryLimitDefault
	}
	if limit > HistoryLimitMax {
		limit = HistoryLimitMax
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, sender_id, recipient_id, text, idempotency_token, sent_at, read_at
		FROM messages_logs
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY sent_at ASC, id ASC
		LIMIT $3
	`, userA, userB, limit)
	if err != nil {
		return nil, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("query history: %v", err))
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Text, &m.IdemToken, &m.SentAt, &m.ReadAt); err != nil {
			return nil, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("scan history row: %v", err))
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("history rows: %v", err))
	}

	return messages, nil
}

func (r *messageRepository) MarkRead(ctx context.Context, viewerID, peerID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages_logs
		SET read_at = now()
		WHERE recipient_id = $1 AND sender_id = $2 AND read_at IS NULL
	`, viewerID, peerID)
	if err != nil {
		return 0, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("mark read: %v", err))
	}
	return tag.RowsAffected(), nil
}

func (r *messageRepository) Conversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := r.db.Query(ctx, `
		WITH pairs AS (
			SELECT id, text, sent_at,
				CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END AS peer_id
			FROM messages_logs
			WHERE sender_id = $1 OR recipient_id = $1
		), lasts AS (
			SELECT DISTINCT ON (peer_id) peer_id, text, sent_at
			FROM pairs
			ORDER BY peer_id, sent_at DESC, id DESC
		), unreads AS (
			SELECT sender_id AS peer_id, COUNT(*) AS unread
			FROM messages_logs
			WHERE recipient_id = $1 AND read_at IS NULL
			GROUP BY sender_id
		)
		SELECT l.peer_id, l.text, l.sent_at, COALESCE(u.unread, 0)
		FROM lasts l
		LEFT JOIN unreads u USING (peer_id)
		ORDER BY l.sent_at DESC
	`, userID)
	if err != nil {
		return nil, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("query conversations: %v", err))
	}
	defer rows.Close()

	conversations := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.PeerID, &c.LastText, &c.LastAt, &c.UnreadCount); err != nil {
			return nil, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("scan conversation row: %v", err))
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errprocess.Wrap(errprocess.ErrStoreUnavailable, fmt.Sprintf("conversations rows: %v", err))
	}

	return conversations, nil
}
