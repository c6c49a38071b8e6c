// Package recovery restores persisted work after a restart: outbox events
// left mid-send and turn requests that were in flight when the process
// stopped. Components register themselves with a RecoveryManager and are run
// once at startup, before the API starts accepting turns.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DaYoun0630/Oracle-Simbwatta-sub000/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoverFunc adapts a plain function to Recoverable.
type RecoverFunc func(ctx context.Context, registry *RecoveryRegistry) error

func (f RecoverFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store     store.Store
	startedAt time.Time
}

// NewRecoveryRegistry creates a registry for a process that started at startedAt.
func NewRecoveryRegistry(st store.Store, startedAt time.Time) *RecoveryRegistry {
	return &RecoveryRegistry{store: st, startedAt: startedAt}
}

// GetStore returns the store being recovered.
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// StartedAt returns the process start time. Anything still pending from
// before it belongs to a previous run.
func (r *RecoveryRegistry) StartedAt() time.Time {
	return r.startedAt
}

type namedRecoverable struct {
	name string
	r    Recoverable
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []namedRecoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store, startedAt time.Time) *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry(st, startedAt)}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.recoverables = append(rm.recoverables, namedRecoverable{name: name, r: r})
}

// RecoverAll performs recovery of all registered components. A failing
// component does not stop the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, nr := range rm.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := nr.r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component failed", "component", nr.name, "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}
	return nil
}

// GetRegistry provides access to the recovery registry
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
