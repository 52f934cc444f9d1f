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

	"github.com/ashureev/wa-gateway/internal/domain"
	"github.com/ashureev/wa-gateway/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by deletes that matched nothing.
var ErrNotFound = errors.New("record not found")

const (
	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
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

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		session_name TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL DEFAULT 'disconnected',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS messages (
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT,
		body TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		has_media INTEGER NOT NULL DEFAULT 0,
		media_type TEXT,
		is_group INTEGER NOT NULL DEFAULT 0,
		group_name TEXT,
		from_me INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(user_id, chat_id, timestamp);

	CREATE TABLE IF NOT EXISTS chats (
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		name TEXT,
		is_group INTEGER NOT NULL DEFAULT 0,
		participant_count INTEGER,
		description TEXT,
		last_activity_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, chat_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chats_activity ON chats(user_id, last_activity_at);

	CREATE TABLE IF NOT EXISTS auth_artifacts (
		user_id TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS keywords (
		user_id TEXT NOT NULL,
		keyword TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, keyword)
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

const userColumns = `user_id, session_name, state, last_seen_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var user domain.User
	var state string
	var lastSeen, createdAt, updatedAt int64
	if err := row.Scan(&user.UserID, &user.SessionName, &state, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	user.State = domain.State(state)
	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// FindUserBySessionName resolves an engine session name back to its user.
func (s *SQLiteStore) FindUserBySessionName(ctx context.Context, sessionName string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE session_name = ?`, sessionName)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, session_name, state, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		session_name = excluded.session_name,
		state = excluded.state,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	state := user.State
	if state == "" {
		state = domain.StateDisconnected
	}
	_, err := s.exec(ctx, "upsert user", query,
		user.UserID, user.SessionName, string(state),
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	return err
}

// UpdateSessionState records the last known state and bumps last_seen_at.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, userID, sessionName string, state domain.State) error {
	now := time.Now().Unix()
	query := `
	INSERT INTO users (user_id, session_name, state, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		state = excluded.state,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`
	_, err := s.exec(ctx, "update session state", query, userID, sessionName, string(state), now, now, now)
	return err
}

// ListIdleUsers returns users not seen since now-ttl.
func (s *SQLiteStore) ListIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle users rows", "error", closeErr)
		}
	}()

	var users []*domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle users: %w", err)
	}
	return users, nil
}

// UpsertMessage stores a message once. A repeated (user, message id) is a no-op.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg domain.InboundMessage) error {
	query := `
	INSERT INTO messages (
		user_id, message_id, chat_id, sender_id, sender_name, body, timestamp,
		has_media, media_type, is_group, group_name, from_me, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, message_id) DO NOTHING`

	_, err := s.exec(ctx, "upsert message", query,
		msg.UserID, msg.ID, msg.ChatID, msg.SenderID, nullString(msg.SenderName), msg.Body,
		msg.Timestamp.Unix(), msg.HasMedia, nullString(msg.MediaType), msg.IsGroup,
		nullString(msg.GroupName), msg.FromMe, time.Now().Unix(),
	)
	return err
}

// ListMessages returns up to limit of the newest messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, chatID string, limit int) ([]domain.InboundMessage, error) {
	query := `
		SELECT user_id, message_id, chat_id, sender_id, sender_name, body, timestamp,
		       has_media, media_type, is_group, group_name, from_me
		FROM messages WHERE user_id = ?`
	args := []any{userID}
	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY timestamp DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close messages rows", "error", closeErr)
		}
	}()

	var out []domain.InboundMessage
	for rows.Next() {
		var m domain.InboundMessage
		var senderName, mediaType, groupName sql.NullString
		var ts int64
		if err := rows.Scan(
			&m.UserID, &m.ID, &m.ChatID, &m.SenderID, &senderName, &m.Body, &ts,
			&m.HasMedia, &mediaType, &m.IsGroup, &groupName, &m.FromMe,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.SenderName = senderName.String
		m.MediaType = mediaType.String
		m.GroupName = groupName.String
		m.Timestamp = time.Unix(ts, 0)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpsertChatSummary inserts a chat or refreshes it. Empty names, zero counts and
// empty descriptions keep the stored values; last activity only moves forward.
func (s *SQLiteStore) UpsertChatSummary(ctx context.Context, userID string, chat domain.ChatSummary) error {
	query := `
	INSERT INTO chats (user_id, chat_id, name, is_group, participant_count, description, last_activity_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, chat_id) DO UPDATE SET
		name = COALESCE(excluded.name, chats.name),
		is_group = excluded.is_group,
		participant_count = COALESCE(excluded.participant_count, chats.participant_count),
		description = COALESCE(excluded.description, chats.description),
		last_activity_at = MAX(excluded.last_activity_at, chats.last_activity_at),
		updated_at = excluded.updated_at`

	var participants any
	if chat.ParticipantCount > 0 {
		participants = chat.ParticipantCount
	}
	_, err := s.exec(ctx, "upsert chat", query,
		userID, chat.ID, nullString(chat.Name), chat.IsGroup, participants,
		nullString(chat.Description), chat.LastActivityAt.Unix(), time.Now().Unix(),
	)
	return err
}

// ListChats returns a page of chats and the total count.
func (s *SQLiteStore) ListChats(ctx context.Context, userID string, groupsOnly bool, page domain.Page) ([]domain.ChatSummary, int, error) {
	where := `WHERE user_id = ?`
	if groupsOnly {
		where += ` AND is_group = 1`
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats `+where, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count chats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, name, is_group, participant_count, description, last_activity_at
		FROM chats `+where+` ORDER BY last_activity_at DESC, chat_id LIMIT ? OFFSET ?`,
		userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query chats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chats rows", "error", closeErr)
		}
	}()

	var out []domain.ChatSummary
	for rows.Next() {
		var c domain.ChatSummary
		var name, description sql.NullString
		var participants sql.NullInt64
		var lastActivity int64
		if err := rows.Scan(&c.ID, &name, &c.IsGroup, &participants, &description, &lastActivity); err != nil {
			return nil, 0, fmt.Errorf("scan chat row: %w", err)
		}
		c.Name = name.String
		c.Description = description.String
		c.ParticipantCount = int(participants.Int64)
		c.LastActivityAt = time.Unix(lastActivity, 0)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate chats: %w", err)
	}
	return out, total, nil
}

// SaveSessionAuthArtifacts stores the opaque credential blob for a user.
func (s *SQLiteStore) SaveSessionAuthArtifacts(ctx context.Context, userID string, blob []byte) error {
	query := `
	INSERT INTO auth_artifacts (user_id, blob, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`
	_, err := s.exec(ctx, "save auth artifacts", query, userID, blob, time.Now().Unix())
	return err
}

// LoadSessionAuthArtifacts returns the stored blob or nil.
func (s *SQLiteStore) LoadSessionAuthArtifacts(ctx context.Context, userID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM auth_artifacts WHERE user_id = ?`, userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load auth artifacts: %w", err)
	}
	return blob, nil
}

// DeleteSessionAuthArtifacts removes the credential blob. Deleting nothing is not an error.
func (s *SQLiteStore) DeleteSessionAuthArtifacts(ctx context.Context, userID string) error {
	_, err := s.exec(ctx, "delete auth artifacts", `DELETE FROM auth_artifacts WHERE user_id = ?`, userID)
	return err
}

// AddKeyword adds a monitored keyword. Adding an existing keyword is a no-op.
func (s *SQLiteStore) AddKeyword(ctx context.Context, userID, keyword string) error {
	query := `INSERT INTO keywords (user_id, keyword, created_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id, keyword) DO NOTHING`
	_, err := s.exec(ctx, "add keyword", query, userID, keyword, time.Now().UnixNano())
	return err
}

// RemoveKeyword removes a monitored keyword.
func (s *SQLiteStore) RemoveKeyword(ctx context.Context, userID, keyword string) error {
	result, err := s.exec(ctx, "remove keyword", `DELETE FROM keywords WHERE user_id = ? AND keyword = ?`, userID, keyword)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListKeywords returns the user's keywords in insertion order.
func (s *SQLiteStore) ListKeywords(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword FROM keywords WHERE user_id = ? ORDER BY created_at, keyword`, userID)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close keywords rows", "error", closeErr)
		}
	}()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan keyword row: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
