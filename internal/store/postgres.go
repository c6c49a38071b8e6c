package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// CreateSession inserts a new session row.
func (s *PostgresStore) CreateSession(sess models.Session) error {
	enc, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO dialog_sessions (id, state_data, used_phrases, recent_stimuli, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, string(enc.state), string(enc.usedPhrases), string(enc.recentStimuli), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrSessionExists
		}
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", sess.ID)
	return nil
}

// GetSession loads a session by ID.
func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	var sess models.Session
	var enc encodedSession
	err := s.db.QueryRow(
		`SELECT id, state_data, used_phrases, recent_stimuli, created_at, updated_at FROM dialog_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &enc.state, &enc.usedPhrases, &enc.recentStimuli, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	decodeSession(&sess, enc)
	return &sess, nil
}

// SaveSession updates state and pools of an existing session.
func (s *PostgresStore) SaveSession(sess models.Session) error {
	return s.saveSession(s.db, sess)
}

func (s *PostgresStore) saveSession(q dbExecutor, sess models.Session) error {
	enc, err := encodeSession(sess)
	if err != nil {
		return err
	}
	res, err := q.Exec(
		`UPDATE dialog_sessions SET state_data = $1, used_phrases = $2, recent_stimuli = $3, updated_at = $4 WHERE id = $5`,
		string(enc.state), string(enc.usedPhrases), string(enc.recentStimuli), sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	slog.Debug("PostgresStore SaveSession succeeded", "sessionID", sess.ID)
	return nil
}

// CommitTurn saves the session, appends the turns and enqueues the event in one transaction.
func (s *PostgresStore) CommitTurn(c TurnCommit) error {
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
		slog.Error("PostgresStore.CommitTurn: commit failed", "error", err, "sessionID", c.Session.ID)
		return err
	}
	return nil
}

// AppendTurn adds a transcript entry.
func (s *PostgresStore) AppendTurn(rec models.TurnRecord) error {
	return s.appendTurn(s.db, rec)
}

func (s *PostgresStore) appendTurn(q dbExecutor, rec models.TurnRecord) error {
	_, err := q.Exec(
		`INSERT INTO dialog_turns (session_id, turn_index, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.SessionID, rec.TurnIndex, rec.Role, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return ErrSessionNotFound
		}
		slog.Error("PostgresStore AppendTurn failed", "error", err, "sessionID", rec.SessionID)
		return fmt.Errorf("failed to append turn for %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListTurns returns the latest turns of a session in chronological order.
func (s *PostgresStore) ListTurns(sessionID string, limit int) ([]models.TurnRecord, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(
		`SELECT session_id, turn_index, role, content, created_at FROM dialog_turns WHERE session_id = $1 ORDER BY id DESC LIMIT $2`,
		sessionID, limitArg,
	)
	if err != nil {
		slog.Error("PostgresStore ListTurns query failed", "error", err, "sessionID", sessionID)
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

func (s *PostgresStore) EnqueueOutboxMessage(sessionID, subject, payloadJSON, dedupeKey string) (string, error) {
	return s.enqueueOutboxMessage(s.db, sessionID, subject, payloadJSON, dedupeKey)
}

func (s *PostgresStore) enqueueOutboxMessage(q dbExecutor, sessionID, subject, payloadJSON, dedupeKey string) (string, error) {
	id := util.GenerateEventID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := q.QueryRow(
			`SELECT id FROM outbox_messages WHERE dedupe_key = $1 AND status NOT IN ('sent', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := q.Exec(
		`INSERT INTO outbox_messages (id, session_id, subject, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7)`,
		id, sessionID, subject, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "sessionID", sessionID, "subject", subject)
	return id, nil
}

// ClaimDueOutboxMessages claims rows with FOR UPDATE SKIP LOCKED so several
// relays can share one database.
func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY created_at ASC LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, session_id, subject, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`,
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
	return msgs, nil
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, giveUp bool) error {
	status := OutboxStatusQueued
	if giveUp {
		status = OutboxStatusFailed
	}
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
		string(status), errMsg, nextAttemptAt, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) RecordInbound(requestID, sessionID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO turn_requests (request_id, session_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (request_id) DO NOTHING`,
		requestID, sessionID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) MarkProcessed(requestID, responseJSON string) error {
	res, err := s.db.Exec(
		`UPDATE turn_requests SET processed_at = $1, response_json = $2 WHERE request_id = $3`,
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

func (s *PostgresStore) GetInbound(requestID string) (*DedupRecord, error) {
	return scanDedupRecord(s.db.QueryRow(
		`SELECT request_id, session_id, received_at, processed_at, response_json FROM turn_requests WHERE request_id = $1`,
		requestID,
	))
}

func (s *PostgresStore) ForgetInbound(requestID string) error {
	if _, err := s.db.Exec(`DELETE FROM turn_requests WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeInbound(processedBefore, pendingBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM turn_requests
		 WHERE (processed_at IS NOT NULL AND processed_at < $1)
		    OR (processed_at IS NULL AND received_at < $2)`,
		processedBefore, pendingBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PurgeInbound", "removed", n)
	}
	return int(n), nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
