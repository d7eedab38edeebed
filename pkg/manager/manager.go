// Package manager implements the batch lifecycle transitions shared by the
// scheduler, the client proxies and the broker-facing surface. Every write
// that moves a batch out of a non-terminal state goes through the store's
// conditional update, so lost races degrade to no-ops instead of double
// transitions.
package manager

import (
	"errors"
	"fmt"
	"time"

	"github.com/curious-containers/agency/pkg/log"
	"github.com/curious-containers/agency/pkg/storage"
	"github.com/curious-containers/agency/pkg/types"
)

// Manager applies batch state transitions against the store.
type Manager struct {
	store storage.Store
}

// New creates a manager backed by store.
func New(store storage.Store) *Manager {
	return &Manager{store: store}
}

// FailBatch is the single entry point for every producer of a batch failure.
//
// The outcome depends on the batch's retry budget: with attempts already at
// the limit, or with disableRetry set, the batch terminally fails. Under the
// experiment's retryIfFailed setting and a remaining budget, it goes back to
// registered with its node assignment cleared. A batch another writer
// already moved out of currentState is left untouched, and cancelled batches
// ignore failure reports entirely.
func (m *Manager) FailBatch(batchID, debugInfo string, ccagent any, currentState types.BatchState, disableRetry bool) error {
	if currentState.Terminal() {
		return nil
	}

	batch, err := m.store.GetBatch(batchID)
	if err != nil {
		return fmt.Errorf("fail batch %s: %w", batchID, err)
	}

	retry := false
	if !disableRetry && batch.Attempts < types.MaxAttempts {
		experiment, err := m.store.GetExperiment(batch.ExperimentID)
		if err != nil {
			return fmt.Errorf("fail batch %s: %w", batchID, err)
		}
		retry = experiment.RetryIfFailed()
	}

	err = m.store.UpdateBatch(batchID, currentState, func(b *types.Batch) {
		if retry {
			b.State = types.BatchRegistered
			b.Node = ""
			b.UsedGPUs = nil
		} else {
			b.State = types.BatchFailed
		}
		b.History = append(b.History, types.HistoryEntry{
			State:     b.State,
			Time:      time.Now().UTC(),
			DebugInfo: debugInfo,
			Node:      b.Node,
			CCAgent:   ccagent,
		})
	})
	logger := log.WithBatch(batchID)
	if errors.Is(err, storage.ErrStaleState) {
		logger.Debug().
			Str("expected", string(currentState)).
			Msg("failure report lost the race, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail batch %s: %w", batchID, err)
	}

	logger.Info().
		Bool("retry", retry).
		Str("debug_info", debugInfo).
		Msg("batch failure recorded")
	return nil
}

// StartProcessing moves a scheduled batch to processing right before its
// container starts.
func (m *Manager) StartProcessing(batchID, node string) error {
	err := m.store.UpdateBatch(batchID, types.BatchScheduled, func(b *types.Batch) {
		b.State = types.BatchProcessing
		b.History = append(b.History, types.HistoryEntry{
			State: types.BatchProcessing,
			Time:  time.Now().UTC(),
			Node:  node,
		})
	})
	if err != nil {
		return fmt.Errorf("start processing batch %s: %w", batchID, err)
	}
	return nil
}

// Succeed records the agent's success result for a processing batch.
func (m *Manager) Succeed(batchID, node string, ccagent any) error {
	err := m.store.UpdateBatch(batchID, types.BatchProcessing, func(b *types.Batch) {
		b.State = types.BatchSucceeded
		b.History = append(b.History, types.HistoryEntry{
			State:   types.BatchSucceeded,
			Time:    time.Now().UTC(),
			Node:    node,
			CCAgent: ccagent,
		})
	})
	if errors.Is(err, storage.ErrStaleState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("succeed batch %s: %w", batchID, err)
	}
	logger := log.WithBatch(batchID)
	logger.Info().Str("node", node).Msg("batch succeeded")
	return nil
}

// Cancel moves a registered or scheduled or processing batch to cancelled.
// The next clean_up pass of the owning node consumes the state and removes
// any container. Cancelling a terminal batch reports ErrStaleState.
func (m *Manager) Cancel(batchID string) error {
	batch, err := m.store.GetBatch(batchID)
	if err != nil {
		return fmt.Errorf("cancel batch %s: %w", batchID, err)
	}
	if batch.State.Terminal() {
		return fmt.Errorf("cancel batch %s: %w", batchID, storage.ErrStaleState)
	}

	err = m.store.UpdateBatch(batchID, batch.State, func(b *types.Batch) {
		b.State = types.BatchCancelled
		b.History = append(b.History, types.HistoryEntry{
			State: types.BatchCancelled,
			Time:  time.Now().UTC(),
			Node:  b.Node,
		})
	})
	if err != nil {
		return fmt.Errorf("cancel batch %s: %w", batchID, err)
	}
	logger := log.WithBatch(batchID)
	logger.Info().Msg("batch cancelled")
	return nil
}
