package storage

import (
	"errors"

	"github.com/curious-containers/agency/pkg/types"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrStaleState is returned by conditional updates when another writer
// already transitioned the document. Callers treat it as a benign race.
var ErrStaleState = errors.New("stale state: document was transitioned concurrently")

// Store is the persistence contract the controller relies on. Writes that
// move a batch out of a non-terminal state are conditional on the expected
// current state.
type Store interface {
	// Experiments.
	CreateExperiment(experiment *types.Experiment) error
	GetExperiment(id string) (*types.Experiment, error)
	ListExperimentsKeysNotVoided() ([]*types.Experiment, error)
	SetExperimentKeysVoided(id string) error

	// Batches.
	CreateBatch(batch *types.Batch) error
	GetBatch(id string) (*types.Batch, error)
	ListRegisteredBatchesFIFO() ([]*types.Batch, error)
	ListBatchesByState(state types.BatchState) ([]*types.Batch, error)
	ListBatchesByStateAndNode(state types.BatchState, node string) ([]*types.Batch, error)
	ListActiveBatchesByNode(node string) ([]*types.Batch, error)
	ListBatchesByExperiment(experimentID string) ([]*types.Batch, error)
	CountActiveBatchesByExperiment(experimentID string) (int, error)
	ListTerminalBatchesKeysNotVoided() ([]*types.Batch, error)
	ListTerminalBatchesNotificationPending() ([]*types.Batch, error)
	HasUnfinishedWork() (bool, error)

	// UpdateBatch applies mutate to the batch iff its current state equals
	// expected; otherwise it returns ErrStaleState. The check and the write
	// are atomic.
	UpdateBatch(id string, expected types.BatchState, mutate func(*types.Batch)) error

	// Nodes. The mirror collection is dropped and reinitialized at every
	// controller start; afterwards each mirror is written only by its own
	// client proxy.
	ResetNodes() error
	PutNode(node *types.Node) error
	GetNode(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)

	// Callback tokens, keyed by batch id.
	PutCallbackToken(token *types.CallbackToken) error
	GetCallbackToken(batchID string) (*types.CallbackToken, error)
	DeleteCallbackToken(batchID string) error

	Close() error
}
