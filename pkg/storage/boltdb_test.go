package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/agency/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "agency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testBatch(id string, state types.BatchState, registered time.Time) *types.Batch {
	return &types.Batch{
		ID:               id,
		ExperimentID:     "exp-1",
		Username:         "alice",
		RegistrationTime: registered,
		State:            state,
	}
}

func TestExperimentRoundTrip(t *testing.T) {
	store := newTestStore(t)

	experiment := &types.Experiment{
		ID:       "exp-1",
		Username: "alice",
		Container: types.ContainerSpec{
			Engine: types.EngineDocker,
			Settings: types.ContainerSettings{
				Image: types.ImageSpec{URL: "docker.io/example/app:latest"},
				RAM:   2048,
			},
		},
	}
	require.NoError(t, store.CreateExperiment(experiment))

	loaded, err := store.GetExperiment("exp-1")
	require.NoError(t, err)
	assert.Equal(t, experiment.Container.Settings.RAM, loaded.Container.Settings.RAM)

	_, err = store.GetExperiment("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetExperimentKeysVoided(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateExperiment(&types.Experiment{ID: "exp-1"}))

	pending, err := store.ListExperimentsKeysNotVoided()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.SetExperimentKeysVoided("exp-1"))

	pending, err = store.ListExperimentsKeysNotVoided()
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, store.SetExperimentKeysVoided("missing"), ErrNotFound)
}

func TestListRegisteredBatchesFIFO(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateBatch(testBatch("b-late", types.BatchRegistered, base.Add(time.Hour))))
	require.NoError(t, store.CreateBatch(testBatch("b-early", types.BatchRegistered, base)))
	require.NoError(t, store.CreateBatch(testBatch("b-running", types.BatchProcessing, base.Add(-time.Hour))))
	// Same timestamp resolves by id.
	require.NoError(t, store.CreateBatch(testBatch("b-tie-2", types.BatchRegistered, base)))

	batches, err := store.ListRegisteredBatchesFIFO()
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, "b-early", batches[0].ID)
	assert.Equal(t, "b-tie-2", batches[1].ID)
	assert.Equal(t, "b-late", batches[2].ID)
}

func TestBatchQueries(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	scheduled := testBatch("b-1", types.BatchScheduled, now)
	scheduled.Node = "node-1"
	processing := testBatch("b-2", types.BatchProcessing, now)
	processing.Node = "node-1"
	done := testBatch("b-3", types.BatchSucceeded, now)
	done.Node = "node-2"
	other := testBatch("b-4", types.BatchScheduled, now)
	other.Node = "node-2"
	other.ExperimentID = "exp-2"

	for _, b := range []*types.Batch{scheduled, processing, done, other} {
		require.NoError(t, store.CreateBatch(b))
	}

	active, err := store.ListActiveBatchesByNode("node-1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	byState, err := store.ListBatchesByStateAndNode(types.BatchScheduled, "node-1")
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "b-1", byState[0].ID)

	count, err := store.CountActiveBatchesByExperiment("exp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	byExperiment, err := store.ListBatchesByExperiment("exp-2")
	require.NoError(t, err)
	assert.Len(t, byExperiment, 1)
}

func TestUpdateBatchOptimisticPredicate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateBatch(testBatch("b-1", types.BatchRegistered, time.Now().UTC())))

	err := store.UpdateBatch("b-1", types.BatchRegistered, func(b *types.Batch) {
		b.State = types.BatchScheduled
		b.Node = "node-1"
		b.Attempts++
	})
	require.NoError(t, err)

	// The same transition again must lose the predicate check.
	err = store.UpdateBatch("b-1", types.BatchRegistered, func(b *types.Batch) {
		b.State = types.BatchScheduled
	})
	assert.ErrorIs(t, err, ErrStaleState)

	loaded, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, loaded.State)
	assert.Equal(t, "node-1", loaded.Node)
	assert.Equal(t, 1, loaded.Attempts)

	err = store.UpdateBatch("missing", types.BatchRegistered, func(b *types.Batch) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasUnfinishedWork(t *testing.T) {
	store := newTestStore(t)

	unfinished, err := store.HasUnfinishedWork()
	require.NoError(t, err)
	assert.False(t, unfinished)

	settled := testBatch("b-1", types.BatchSucceeded, time.Now().UTC())
	settled.ProtectedKeysVoided = true
	settled.NotificationsSent = true
	require.NoError(t, store.CreateBatch(settled))

	unfinished, err = store.HasUnfinishedWork()
	require.NoError(t, err)
	assert.False(t, unfinished)

	pending := testBatch("b-2", types.BatchFailed, time.Now().UTC())
	pending.ProtectedKeysVoided = true
	require.NoError(t, store.CreateBatch(pending))

	unfinished, err = store.HasUnfinishedWork()
	require.NoError(t, err)
	assert.True(t, unfinished)
}

func TestResetNodes(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutNode(&types.Node{Name: "node-1", State: types.NodeStateOnline}))
	require.NoError(t, store.ResetNodes())

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	_, err = store.GetNode("node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallbackTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)

	token := &types.CallbackToken{
		BatchID:   "b-1",
		Salt:      "73616c74",
		Digest:    "646967657374",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, store.PutCallbackToken(token))

	loaded, err := store.GetCallbackToken("b-1")
	require.NoError(t, err)
	assert.Equal(t, token.Digest, loaded.Digest)

	require.NoError(t, store.DeleteCallbackToken("b-1"))
	_, err = store.GetCallbackToken("b-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
