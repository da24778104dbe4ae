// Package store persists conversation history and always-approved tool keys.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"toolrelay/internal/domain"
)

// timeLayout is RFC3339 with a fixed nine-digit fraction in UTC, so stored
// timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements domain.ConversationStore and domain.ApprovalStore
// using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ domain.ConversationStore = (*SQLiteStore)(nil)
	_ domain.ApprovalStore     = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			parts           TEXT NOT NULL DEFAULT '[]',
			attachments     TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS messages_conversation
			ON messages (conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS messages_created_at
			ON messages (created_at);

		CREATE TABLE IF NOT EXISTS approvals (
			conversation_id TEXT NOT NULL,
			approval_key    TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			PRIMARY KEY (conversation_id, approval_key)
		);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, conversation_id, role, parts, attachments, created_at FROM messages WHERE id = ?", id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteStore.GetMessageByID", domain.ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessage replaces the parts, attachments and timestamp of an existing
// message. It never inserts.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg domain.Message) error {
	parts, attachments, err := encodeBody(msg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET role = ?, parts = ?, attachments = ?, created_at = ? WHERE id = ?",
		msg.Role, parts, attachments, formatTime(s.stamp(msg.CreatedAt)), msg.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("SQLiteStore.UpdateMessage", domain.ErrMessageNotFound, msg.ID)
	}
	return nil
}

// SaveMessages upserts msgs in a single transaction. Messages without a
// timestamp are stamped with the current time.
func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, parts, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			role            = excluded.role,
			parts           = excluded.parts,
			attachments     = excluded.attachments,
			created_at      = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID == "" {
			return domain.NewDomainError("SQLiteStore.SaveMessages", domain.ErrInvalidInput, "message without id")
		}
		parts, attachments, err := encodeBody(m)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.ConversationID, m.Role, parts, attachments, formatTime(s.stamp(m.CreatedAt)),
		); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMessagesByConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, parts, attachments, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// DeleteMessagesBefore removes messages created strictly before cutoff and
// returns how many were deleted.
func (s *SQLiteStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) LoadApprovals(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT approval_key FROM approvals WHERE conversation_id = ? ORDER BY approval_key", conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) AddApproval(ctx context.Context, conversationID, key string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO approvals (conversation_id, approval_key, created_at) VALUES (?, ?, ?)",
		conversationID, key, formatTime(s.now()),
	)
	return err
}

func (s *SQLiteStore) RemoveApproval(ctx context.Context, conversationID, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM approvals WHERE conversation_id = ? AND approval_key = ?", conversationID, key,
	)
	return err
}

func (s *SQLiteStore) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

func encodeBody(m domain.Message) (string, string, error) {
	parts := m.Parts
	if parts == nil {
		parts = []domain.Part{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return "", "", fmt.Errorf("marshal parts of %s: %w", m.ID, err)
	}
	attachments := m.Attachments
	if attachments == nil {
		attachments = []domain.AttachmentRef{}
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return "", "", fmt.Errorf("marshal attachments of %s: %w", m.ID, err)
	}
	return string(partsJSON), string(attJSON), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*domain.Message, error) {
	var m domain.Message
	var partsStr, attStr, createdStr string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &partsStr, &attStr, &createdStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(partsStr), &m.Parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(attStr), &m.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments of %s: %w", m.ID, err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &m, nil
}
