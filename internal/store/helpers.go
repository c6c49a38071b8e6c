package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
)

// dbExecutor is satisfied by *sql.DB and *sql.Tx.
type dbExecutor interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction, committing on success and rolling back otherwise.
func inTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("store.inTx: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodedSession holds the JSON columns of a session row.
type encodedSession struct {
	state         []byte
	usedPhrases   []byte
	recentStimuli []byte
}

func encodeSession(sess models.Session) (encodedSession, error) {
	var enc encodedSession
	var err error
	state := sess.State
	if state == nil {
		state = models.NewDialogState()
	}
	if enc.state, err = json.Marshal(state.ToRecord()); err != nil {
		return enc, fmt.Errorf("encode state for %s: %w", sess.ID, err)
	}
	if enc.usedPhrases, err = json.Marshal(nonNil(sess.UsedPhrases)); err != nil {
		return enc, fmt.Errorf("encode used phrases for %s: %w", sess.ID, err)
	}
	if enc.recentStimuli, err = json.Marshal(nonNil(sess.RecentStimuli)); err != nil {
		return enc, fmt.Errorf("encode recent stimuli for %s: %w", sess.ID, err)
	}
	return enc, nil
}

// decodeSession fills the JSON columns into sess. Corrupt columns degrade to
// defaults rather than failing the load.
func decodeSession(sess *models.Session, enc encodedSession) {
	record := make(map[string]string)
	if len(enc.state) > 0 {
		if err := json.Unmarshal(enc.state, &record); err != nil {
			slog.Error("store.decodeSession: state unmarshal failed", "error", err, "sessionID", sess.ID)
			record = make(map[string]string)
		}
	}
	sess.State = models.StateFromRecord(record)
	sess.UsedPhrases = decodeStrings(sess.ID, "used_phrases", enc.usedPhrases)
	sess.RecentStimuli = decodeStrings(sess.ID, "recent_stimuli", enc.recentStimuli)
}

func decodeStrings(sessionID, column string, raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Error("store.decodeStrings: unmarshal failed", "error", err, "sessionID", sessionID, "column", column)
		return nil
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// reverseTurns flips newest-first query results into chronological order.
func reverseTurns(turns []models.TurnRecord) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.SessionID, &m.Subject, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanDedupRecord scans a DedupRecord from a single sql.Row.
func scanDedupRecord(row *sql.Row) (*DedupRecord, error) {
	var r DedupRecord
	var processedAt sql.NullTime
	var response sql.NullString
	if err := row.Scan(&r.RequestID, &r.SessionID, &r.ReceivedAt, &processedAt, &response); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDedupRecordNotFound
		}
		return nil, fmt.Errorf("scan dedup record failed: %w", err)
	}
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}
	r.ResponseJSON = response.String
	return &r, nil
}
