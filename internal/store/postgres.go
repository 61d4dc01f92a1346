package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations, messages and attachments in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
			message_number INTEGER NOT NULL,
			body TEXT NOT NULL,
			speaker_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (conversation_id, message_number)
		);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			file_data TEXT NOT NULL,
			file_type TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations (created_by, updated_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const conversationColumns = `id, title, archived, message_count, created_by, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Title, &c.Archived, &c.MessageCount, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, conversationNotFound("get conversation", id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.CreatedBy != "" {
		add("created_by = $%d", filter.CreatedBy)
	}
	if filter.Archived != nil {
		add("archived = $%d", *filter.Archived)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		add("title ILIKE $%d", "%"+q+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM conversations`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations` + clause + ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	c.MessageCount = 0

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, archived, message_count, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5, $6)`,
		c.ID, c.Title, c.Archived, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE conversations
		 SET title = COALESCE($2, title), archived = COALESCE($3, archived), updated_at = now()
		 WHERE id=$1 RETURNING `+conversationColumns,
		id, update.Title, update.Archived,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, conversationNotFound("update conversation", id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversationNotFound("delete conversation", id)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, message_number, body, speaker_id, content_type, created_at
		 FROM messages WHERE conversation_id=$1 ORDER BY message_number ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Number, &m.Body, &m.SpeakerID, &m.ContentType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// InsertMessage bumps message_count and inserts in one transaction; the row
// lock taken by the UPDATE serializes concurrent appends to a conversation.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ContentType == "" {
		m.ContentType = ContentTypeText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = $2
		 WHERE id=$1 RETURNING message_count`,
		m.ConversationID, m.CreatedAt,
	).Scan(&m.Number)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, conversationNotFound("insert message", m.ConversationID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("number message: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, message_number, body, speaker_id, content_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.Number, m.Body, m.SpeakerID, m.ContentType, m.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit insert message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetAttachments(ctx context.Context, ids []string) ([]Attachment, error) {
	if len(ids) == 0 {
		return []Attachment{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, file_data, file_type, file_name, message_id, created_at
		 FROM attachments WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Attachment, len(ids))
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.FileData, &a.FileType, &a.FileName, &a.MessageID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachment rows: %w", err)
	}
	return orderAttachments(ids, byID), nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) (Attachment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attachments (id, file_data, file_type, file_name, message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.FileData, a.FileType, a.FileName, a.MessageID, a.CreatedAt,
	)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM attachments WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func orderAttachments(ids []string, byID map[string]Attachment) []Attachment {
	out := make([]Attachment, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
			delete(byID, id)
		}
	}
	return out
}
