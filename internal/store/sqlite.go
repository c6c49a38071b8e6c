package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	if !HasForeignKeys(dsn) {
		slog.Warn("SQLite DSN does not enable foreign keys; turn rows will not be checked against sessions", "dsn", dsn)
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(sess models.Session) error {
	enc, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO dialog_sessions (id, state_data, used_phrases, recent_stimuli, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, string(enc.state), string(enc.usedPhrases), string(enc.recentStimuli), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrSessionExists
		}
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", sess.ID)
	return nil
}

// GetSession loads a session by ID.
func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	var sess models.Session
	var state, used, stimuli string
	err := s.db.QueryRow(
		`SELECT id, state_data, used_phrases, recent_stimuli, created_at, updated_at FROM dialog_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &state, &used, &stimuli, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	decodeSession(&sess, encodedSession{state: []byte(state), usedPhrases: []byte(used), recentStimuli: []byte(stimuli)})
	return &sess, nil
}

// SaveSession updates state and pools of an existing session.
func (s *SQLiteStore) SaveSession(sess models.Session) error {
	return s.saveSession(s.db, sess)
}

func (s *SQLiteStore) saveSession(q dbExecutor, sess models.Session) error {
	enc, err := encodeSession(sess)
	if err != nil {
		return err
	}
	res, err := q.Exec(
		`UPDATE dialog_sessions SET state_data = ?, used_phrases = ?, recent_stimuli = ?, updated_at = ? WHERE id = ?`,
		string(enc.state), string(enc.usedPhrases), string(enc.recentStimuli), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "sessionID", sess.ID)
	return nil
}

// CommitTurn saves the session, appends the turns and enqueues the event in one transaction.
func (s *SQLiteStore) CommitTurn(c TurnCommit) error {
	err := inTx(s.db, func(tx *sql.Tx) error {
		if err := s.saveSession(tx, c.Session); err != nil {
			return err
		}
		for _, rec := range c.Turns {
			if err := s.appendTurn(tx, rec); err != nil {
				return err
			}
		}
		if c.Event != nil {
			if _, err := s.enqueueOutboxMessage(tx, c.Session.ID, c.Event.Subject, c.Event.PayloadJSON, c.Event.DedupeKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("SQLiteStore.CommitTurn: commit failed", "error", err, "sessionID", c.Session.ID)
		return err
	}
	return nil
}

// AppendTurn adds a transcript entry.
func (s *SQLiteStore) AppendTurn(rec models.TurnRecord) error {
	return s.appendTurn(s.db, rec)
}

func (s *SQLiteStore) appendTurn(q dbExecutor, rec models.TurnRecord) error {
	_, err := q.Exec(
		`INSERT INTO dialog_turns (session_id, turn_index, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TurnIndex, rec.Role, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AppendTurn failed", "error", err, "sessionID", rec.SessionID)
		return fmt.Errorf("failed to append turn for %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListTurns returns the latest turns of a session in chronological order.
func (s *SQLiteStore) ListTurns(sessionID string, limit int) ([]models.TurnRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT session_id, turn_index, role, content, created_at FROM dialog_turns WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListTurns query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []models.TurnRecord
	for rows.Next() {
		var t models.TurnRecord
		if err := rows.Scan(&t.SessionID, &t.TurnIndex, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *SQLiteStore) EnqueueOutboxMessage(sessionID, subject, payloadJSON, dedupeKey string) (string, error) {
	return s.enqueueOutboxMessage(s.db, sessionID, subject, payloadJSON, dedupeKey)
}

func (s *SQLiteStore) enqueueOutboxMessage(q dbExecutor, sessionID, subject, payloadJSON, dedupeKey string) (string, error) {
	id := util.GenerateEventID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := q.QueryRow(
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := q.Exec(
		`INSERT INTO outbox_messages (id, session_id, subject, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, sessionID, subject, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutboxMessage", "id", id, "sessionID", sessionID, "subject", subject)
	return id, nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, subject, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
		 FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	rows.Close()

	for i := range msgs {
		_, err := s.db.Exec(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &now
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, giveUp bool) error {
	status := OutboxStatusQueued
	if giveUp {
		status = OutboxStatusFailed
	}
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(status), errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) RecordInbound(requestID, sessionID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO turn_requests (request_id, session_id, received_at) VALUES (?, ?, ?)`,
		requestID, sessionID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) MarkProcessed(requestID, responseJSON string) error {
	res, err := s.db.Exec(
		`UPDATE turn_requests SET processed_at = ?, response_json = ? WHERE request_id = ?`,
		time.Now(), responseJSON, requestID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDedupRecordNotFound
	}
	return nil
}

func (s *SQLiteStore) GetInbound(requestID string) (*DedupRecord, error) {
	return scanDedupRecord(s.db.QueryRow(
		`SELECT request_id, session_id, received_at, processed_at, response_json FROM turn_requests WHERE request_id = ?`,
		requestID,
	))
}

func (s *SQLiteStore) ForgetInbound(requestID string) error {
	if _, err := s.db.Exec(`DELETE FROM turn_requests WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInbound(processedBefore, pendingBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM turn_requests
		 WHERE (processed_at IS NOT NULL AND processed_at < ?)
		    OR (processed_at IS NULL AND received_at < ?)`,
		processedBefore, pendingBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.PurgeInbound", "removed", n)
	}
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
