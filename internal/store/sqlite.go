package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists conversations in a single SQLite file. One connection
// is kept open so writes are serialized and ":memory:" databases survive.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_foreign_keys=on&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
			message_number INTEGER NOT NULL,
			body TEXT NOT NULL,
			speaker_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (conversation_id, message_number)
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			file_data TEXT NOT NULL,
			file_type TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations (created_by, updated_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Title, &c.Archived, &c.MessageCount, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanSQLiteConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, conversationNotFound("get conversation", id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.Archived != nil {
		where = append(where, "archived = ?")
		args = append(args, *filter.Archived)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, "title LIKE ?")
		args = append(args, "%"+q+"%")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM conversations`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations` + clause + ` ORDER BY updated_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanSQLiteConversation(rows)
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

func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	c.MessageCount = 0

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, archived, message_count, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		c.ID, c.Title, c.Archived, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (Conversation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = COALESCE(?, title), archived = COALESCE(?, archived), updated_at = ?
		 WHERE id = ?`,
		nullString(update.Title), nullBool(update.Archived), time.Now().UTC(), id,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Conversation{}, conversationNotFound("update conversation", id)
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversationNotFound("delete conversation", id)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, message_number, body, speaker_id, content_type, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY message_number ASC`,
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

func (s *SQLiteStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ContentType == "" {
		m.ContentType = ContentTypeText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		m.CreatedAt, m.ConversationID,
	)
	if err != nil {
		return Message{}, fmt.Errorf("number message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, conversationNotFound("insert message", m.ConversationID)
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT message_count FROM conversations WHERE id = ?`, m.ConversationID,
	).Scan(&m.Number); err != nil {
		return Message{}, fmt.Errorf("read message number: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, message_number, body, speaker_id, content_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Number, m.Body, m.SpeakerID, m.ContentType, m.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit insert message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) GetAttachments(ctx context.Context, ids []string) ([]Attachment, error) {
	if len(ids) == 0 {
		return []Attachment{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_data, file_type, file_name, message_id, created_at
		 FROM attachments WHERE id IN (`+placeholders+`)`,
		args...,
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

func (s *SQLiteStore) InsertAttachment(ctx context.Context, a Attachment) (Attachment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, file_data, file_type, file_name, message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.FileData, a.FileType, a.FileName, a.MessageID, a.CreatedAt,
	)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) DeleteAttachment(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
