package store

import (
	"context"
	"log/slog"
	"time"
)

// Outbox relay defaults.
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxMaxAttempts    = 8
	maxOutboxBackoff            = 10 * time.Minute
)

// OutboxSendFunc is the callback that performs the actual publish.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state for longer
// than the stale threshold. It runs as a periodic maintenance job.
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush claims and sends every due message once. It returns the number sent.
func (s *OutboxSender) Flush(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Flush: claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		slog.Debug("OutboxSender.Flush: sending message", "id", msg.ID, "sessionID", msg.SessionID, "subject", msg.Subject)
		if err := s.sendFunc(ctx, msg); err != nil {
			giveUp := msg.Attempts+1 >= s.maxAttempts
			slog.Error("OutboxSender.Flush: send failed", "id", msg.ID, "error", err, "attempts", msg.Attempts+1, "giveUp", giveUp)
			if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), now.Add(outboxBackoff(msg.Attempts)), giveUp); err != nil {
				slog.Error("OutboxSender.Flush: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.Flush: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("OutboxSender.Flush: message sent", "id", msg.ID, "sessionID", msg.SessionID)
	}
	return sent
}

// outboxBackoff grows 10s, 20s, 40s, ... up to maxOutboxBackoff.
func outboxBackoff(attempts int) time.Duration {
	if attempts > 10 {
		return maxOutboxBackoff
	}
	backoff := time.Duration(10*(1<<attempts)) * time.Second
	if backoff > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return backoff
}
