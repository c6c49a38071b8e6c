// Package store provides storage backends for dialog sessions.
//
// A session row holds the flat DialogState record plus the used-phrase and
// recent-stimulus pools; the turn log, the event outbox and the turn request
// dedup table live next to it. InMemoryStore, SQLiteStore and PostgresStore
// implement the same Store interface.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/models"
	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/util"
)

var (
	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose ID is taken.
	ErrSessionExists = errors.New("session already exists")
)

// SessionRepo persists dialog sessions and their turn log.
type SessionRepo interface {
	CreateSession(sess models.Session) error
	// GetSession returns ErrSessionNotFound for unknown IDs.
	GetSession(id string) (*models.Session, error)
	// SaveSession overwrites the state and pools of an existing session.
	SaveSession(sess models.Session) error
	AppendTurn(rec models.TurnRecord) error
	// CommitTurn saves the session, appends the turns and enqueues the event
	// atomically. On error nothing is written.
	CommitTurn(c TurnCommit) error
	// ListTurns returns the latest limit turns in chronological order; limit <= 0 returns all.
	ListTurns(sessionID string, limit int) ([]models.TurnRecord, error)
}

// TurnCommit is everything one completed turn writes.
type TurnCommit struct {
	Session models.Session
	Turns   []models.TurnRecord
	// Event is optional.
	Event *OutboxEvent
}

// OutboxEvent is an event to enqueue as part of a TurnCommit.
type OutboxEvent struct {
	Subject     string
	PayloadJSON string
	DedupeKey   string
}

// TerminalOutboxRetention bounds how many sent or failed messages
// InMemoryStore keeps for inspection.
const TerminalOutboxRetention = 256

// Store is the full persistence surface used by the service.
type Store interface {
	SessionRepo
	OutboxRepo
	DedupRepo
	Close() error
}

// Compile-time checks.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// InMemoryStore is a process-local Store, used in tests and when no database is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	turns    map[string][]models.TurnRecord
	outbox   []OutboxMessage
	dedup    map[string]DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		turns:    make(map[string][]models.TurnRecord),
		dedup:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) CreateSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	c := cloneSession(sess)
	return &c, nil
}

func (s *InMemoryStore) SaveSession(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSessionLocked(sess)
}

func (s *InMemoryStore) saveSessionLocked(sess models.Session) error {
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.CreatedAt = existing.CreatedAt
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) AppendTurn(rec models.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.SessionID]; !ok {
		return ErrSessionNotFound
	}
	s.turns[rec.SessionID] = append(s.turns[rec.SessionID], rec)
	return nil
}

// CommitTurn applies the whole commit or nothing: an unknown session leaves
// the turn log and outbox untouched.
func (s *InMemoryStore) CommitTurn(c TurnCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[c.Session.ID]; !ok {
		return ErrSessionNotFound
	}
	for _, rec := range c.Turns {
		if rec.SessionID != c.Session.ID {
			return fmt.Errorf("turn for session %s in commit for %s", rec.SessionID, c.Session.ID)
		}
	}
	if err := s.saveSessionLocked(c.Session); err != nil {
		return err
	}
	s.turns[c.Session.ID] = append(s.turns[c.Session.ID], c.Turns...)
	if c.Event != nil {
		s.enqueueOutboxLocked(c.Session.ID, c.Event.Subject, c.Event.PayloadJSON, c.Event.DedupeKey)
	}
	return nil
}

func (s *InMemoryStore) ListTurns(sessionID string, limit int) ([]models.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]models.TurnRecord(nil), turns...), nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(sessionID, subject, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueOutboxLocked(sessionID, subject, payloadJSON, dedupeKey), nil
}

func (s *InMemoryStore) enqueueOutboxLocked(sessionID, subject, payloadJSON, dedupeKey string) string {
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && !m.Status.Terminal() {
				return m.ID
			}
		}
	}
	now := time.Now()
	m := OutboxMessage{
		ID:          util.GenerateEventID(),
		SessionID:   sessionID,
		Subject:     subject,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []OutboxMessage
	for i := range s.outbox {
		if limit > 0 && len(claimed) == limit {
			break
		}
		m := &s.outbox[i]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, giveUp bool) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		if giveUp {
			m.Status = OutboxStatusFailed
			return
		}
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.NextAttemptAt = &next
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of the outbox ordered by creation time.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]OutboxMessage(nil), s.outbox...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			s.outbox[i].UpdatedAt = time.Now()
			if s.outbox[i].Status.Terminal() {
				s.pruneTerminalLocked()
			}
			return nil
		}
	}
	return ErrOutboxMessageNotFound
}

// pruneTerminalLocked drops the oldest sent or failed messages once more than
// TerminalOutboxRetention of them are held.
func (s *InMemoryStore) pruneTerminalLocked() {
	terminal := 0
	for _, m := range s.outbox {
		if m.Status.Terminal() {
			terminal++
		}
	}
	drop := terminal - TerminalOutboxRetention
	if drop <= 0 {
		return
	}
	kept := s.outbox[:0]
	for _, m := range s.outbox {
		if drop > 0 && m.Status.Terminal() {
			drop--
			continue
		}
		kept = append(kept, m)
	}
	s.outbox = kept
}

func (s *InMemoryStore) RecordInbound(requestID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[requestID]; ok {
		return false, nil
	}
	s.dedup[requestID] = DedupRecord{RequestID: requestID, SessionID: sessionID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(requestID, responseJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[requestID]
	if !ok {
		return ErrDedupRecordNotFound
	}
	now := time.Now()
	rec.ProcessedAt = &now
	rec.ResponseJSON = responseJSON
	s.dedup[requestID] = rec
	return nil
}

func (s *InMemoryStore) GetInbound(requestID string) (*DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.dedup[requestID]
	if !ok {
		return nil, ErrDedupRecordNotFound
	}
	return &rec, nil
}

func (s *InMemoryStore) ForgetInbound(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, requestID)
	return nil
}

func (s *InMemoryStore) PurgeInbound(processedBefore, pendingBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.dedup {
		stale := rec.ProcessedAt == nil && rec.ReceivedAt.Before(pendingBefore)
		expired := rec.ProcessedAt != nil && rec.ProcessedAt.Before(processedBefore)
		if stale || expired {
			delete(s.dedup, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func cloneSession(sess models.Session) models.Session {
	sess.State = sess.State.Clone()
	sess.UsedPhrases = append([]string(nil), sess.UsedPhrases...)
	sess.RecentStimuli = append([]string(nil), sess.RecentStimuli...)
	return sess
}
