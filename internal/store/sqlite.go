package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the API read while the bridge writes.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL UNIQUE,
		from_number TEXT NOT NULL,
		from_name TEXT NOT NULL DEFAULT '',
		message_text TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL DEFAULT 'text',
		timestamp INTEGER NOT NULL,
		is_from_me INTEGER NOT NULL DEFAULT 0,
		ai_response TEXT,
		ai_response_timestamp INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_from_ts ON messages(from_number, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		qr_code TEXT,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnConflict(ctx, op, writeRetries, writeBaseDelay, func() error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SaveInboundMessage stores a received message, ignoring duplicate ids.
func (s *SQLiteStore) SaveInboundMessage(ctx context.Context, msg domain.InboundMessage) error {
	query := `
	INSERT INTO messages (message_id, from_number, from_name, message_text, message_type, timestamp, is_from_me, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO NOTHING`

	msgType := msg.Type
	if msgType == "" {
		msgType = domain.MessageText
	}

	_, err := s.exec(ctx, "save inbound message", query,
		msg.ID, msg.From, msg.DisplayName, msg.Text, string(msgType),
		msg.ReceivedAt.UnixMilli(), msg.SelfSent, time.Now().UnixMilli(),
	)
	return err
}

// SaveOutboundMessage stores a sent message, ignoring duplicate ids.
func (s *SQLiteStore) SaveOutboundMessage(ctx context.Context, msg domain.OutboundMessage) error {
	query := `
	INSERT INTO messages (message_id, from_number, message_text, message_type, timestamp, is_from_me, created_at)
	VALUES (?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT(message_id) DO NOTHING`

	_, err := s.exec(ctx, "save outbound message", query,
		msg.ID, msg.To, msg.Text, string(domain.MessageText),
		msg.SentAt.UnixMilli(), time.Now().UnixMilli(),
	)
	return err
}

// AttachGeneratedReply records the reply delivered for an inbound message.
func (s *SQLiteStore) AttachGeneratedReply(ctx context.Context, inboundID, text string, at time.Time) error {
	query := `UPDATE messages SET ai_response = ?, ai_response_timestamp = ? WHERE message_id = ?`
	result, err := s.exec(ctx, "attach generated reply", query, text, at.UnixMilli(), inboundID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("AttachGeneratedReply affected 0 rows", "message_id", inboundID)
	}
	return nil
}

const messageColumns = `id, message_id, from_number, from_name, message_text, message_type,
	timestamp, is_from_me, ai_response, ai_response_timestamp, created_at`

// GetRecentMessages returns up to n of the newest messages with identifier, oldest first.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, identifier string, n int) ([]domain.StoredMessage, error) {
	if n <= 0 {
		return nil, nil
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE from_number = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`

	msgs, err := s.queryMessages(ctx, query, identifier, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListMessages returns messages newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit, offset int) ([]domain.StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`

	msgs, err := s.queryMessages(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]domain.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []domain.StoredMessage
	for rows.Next() {
		var (
			m             domain.StoredMessage
			msgType       string
			ts, createdAt int64
			aiResponse    sql.NullString
			aiResponseAt  sql.NullInt64
		)
		if err := rows.Scan(
			&m.ID, &m.MessageID, &m.From, &m.FromName, &m.Text, &msgType,
			&ts, &m.FromMe, &aiResponse, &aiResponseAt, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		m.Type = domain.MessageType(msgType)
		m.Timestamp = time.UnixMilli(ts)
		m.CreatedAt = time.UnixMilli(createdAt)
		m.AIResponse = aiResponse.String
		if aiResponseAt.Valid {
			at := time.UnixMilli(aiResponseAt.Int64)
			m.AIResponseAt = &at
		}
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

// GetSetting returns the value for key and whether it exists.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting creates or updates a setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	_, err := s.exec(ctx, "set setting "+key, query, key, value, time.Now().UnixMilli())
	return err
}

// ListSettings returns all settings.
func (s *SQLiteStore) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close settings rows", "error", closeErr)
		}
	}()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		settings[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return settings, nil
}

// SaveSession creates or updates a session status row.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec domain.SessionRecord) error {
	query := `
	INSERT INTO sessions (session_id, qr_code, status, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		qr_code = excluded.qr_code,
		status = excluded.status,
		updated_at = excluded.updated_at`

	var qr any
	if rec.QRPayload != "" {
		qr = rec.QRPayload
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.exec(ctx, "save session", query, rec.SessionID, qr, string(rec.Status), updatedAt.UnixMilli())
	return err
}

// GetSession retrieves a session status row, or nil if none exists.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, qr_code, status, updated_at FROM sessions WHERE session_id = ?`, sessionID)

	var (
		rec       domain.SessionRecord
		qr        sql.NullString
		status    string
		updatedAt int64
	)
	err := row.Scan(&rec.SessionID, &qr, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rec.QRPayload = qr.String
	rec.Status = domain.SessionStatus(status)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}
