// Package events publishes dialog lifecycle events to NATS.
//
// Turn events are first written to the store outbox by the flow and relayed
// here by store.OutboxSender, so a NATS outage never fails a turn.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
)

// SubjectTurnCompleted is the NATS subject for finished dialog turns.
const SubjectTurnCompleted = "dialog.turn.completed"

// TurnEvent is emitted once per processed turn.
type TurnEvent struct {
	EventID           string    `json:"event_id"`
	SessionID         string    `json:"session_id"`
	TurnIndex         int       `json:"turn_index"`
	ConversationPhase string    `json:"conversation_phase"`
	DialogStage       string    `json:"dialog_stage"`
	StrategyMode      string    `json:"strategy_mode"`
	UsedFallback      bool      `json:"used_fallback"`
	Retried           bool      `json:"retried"`
	At                time.Time `json:"at"`
}

// DedupeKey identifies the event for outbox deduplication.
func (e TurnEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%d", e.SessionID, e.TurnIndex)
}

// Encode marshals the event for the outbox payload column.
func (e TurnEvent) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal turn event: %w", err)
	}
	return string(b), nil
}

// Publisher delivers raw event payloads to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close()
}

// NoopPublisher drops every event. It is used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	slog.Debug("NoopPublisher.Publish: dropping event", "subject", subject, "bytes", len(data))
	return nil
}

func (NoopPublisher) Close() {}

// NATSPublisher publishes events over a core NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher connects to url, retrying in the background if the server is not up yet.
func NewNATSPublisher(url, token string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("simbwatta"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATSPublisher: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATSPublisher: reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: nc, logger: logger}, nil
}

// Publish sends data and flushes so the outbox only marks delivered events as sent.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats not connected (status %s)", p.conn.Status())
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("NATSPublisher.Close: drain failed", "error", err)
		p.conn.Close()
	}
}

// OutboxSendFunc adapts a Publisher into the outbox relay callback.
func OutboxSendFunc(p Publisher) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		return p.Publish(ctx, msg.Subject, []byte(msg.PayloadJSON))
	}
}
