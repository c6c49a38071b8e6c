package recovery

import (
	"context"
	"log/slog"
	"time"
)

// ProcessedRequestRetention is how long answered turn requests stay
// replayable.
const ProcessedRequestRetention = 24 * time.Hour

// OutboxRecovery requeues outbox events a previous run claimed but never
// finished sending.
func OutboxRecovery() Recoverable {
	return RecoverFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		n, err := registry.GetStore().RequeueStaleSendingMessages(registry.StartedAt())
		if err != nil {
			return err
		}
		slog.Debug("recovery.OutboxRecovery: requeued sending messages", "count", n)
		return nil
	})
}

// InboundRecovery releases turn requests that were still being processed
// when the previous run stopped, so a client retry is served instead of
// rejected as in flight. Expired answered requests are dropped too.
func InboundRecovery() Recoverable {
	return RecoverFunc(func(ctx context.Context, registry *RecoveryRegistry) error {
		startedAt := registry.StartedAt()
		n, err := registry.GetStore().PurgeInbound(startedAt.Add(-ProcessedRequestRetention), startedAt)
		if err != nil {
			return err
		}
		slog.Debug("recovery.InboundRecovery: released turn requests", "count", n)
		return nil
	})
}
