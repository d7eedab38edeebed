package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/curious-containers/agency/pkg/types"
)

var (
	// Bucket names
	bucketExperiments    = []byte("experiments")
	bucketBatches        = []byte("batches")
	bucketNodes          = []byte("nodes")
	bucketCallbackTokens = []byte("callback_tokens")
)

// BoltStore implements Store on an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketExperiments,
			bucketBatches,
			bucketNodes,
			bucketCallbackTokens,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Experiment operations

func (s *BoltStore) CreateExperiment(experiment *types.Experiment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		data, err := json.Marshal(experiment)
		if err != nil {
			return err
		}
		return b.Put([]byte(experiment.ID), data)
	})
}

func (s *BoltStore) GetExperiment(id string) (*types.Experiment, error) {
	var experiment types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExperiments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &experiment)
	})
	if err != nil {
		return nil, err
	}
	return &experiment, nil
}

func (s *BoltStore) ListExperimentsKeysNotVoided() ([]*types.Experiment, error) {
	var experiments []*types.Experiment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExperiments).ForEach(func(k, v []byte) error {
			var experiment types.Experiment
			if err := json.Unmarshal(v, &experiment); err != nil {
				return err
			}
			if !experiment.ProtectedKeysVoided {
				experiments = append(experiments, &experiment)
			}
			return nil
		})
	})
	return experiments, err
}

func (s *BoltStore) SetExperimentKeysVoided(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExperiments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
		}
		var experiment types.Experiment
		if err := json.Unmarshal(data, &experiment); err != nil {
			return err
		}
		experiment.ProtectedKeysVoided = true
		updated, err := json.Marshal(&experiment)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// Batch operations

func (s *BoltStore) CreateBatch(batch *types.Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		data, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		return b.Put([]byte(batch.ID), data)
	})
}

func (s *BoltStore) GetBatch(id string) (*types.Batch, error) {
	var batch types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBatches).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// listBatches collects all batches matching keep.
func (s *BoltStore) listBatches(keep func(*types.Batch) bool) ([]*types.Batch, error) {
	var batches []*types.Batch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(k, v []byte) error {
			var batch types.Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if keep(&batch) {
				batches = append(batches, &batch)
			}
			return nil
		})
	})
	return batches, err
}

func (s *BoltStore) ListRegisteredBatchesFIFO() ([]*types.Batch, error) {
	batches, err := s.listBatches(func(b *types.Batch) bool {
		return b.State == types.BatchRegistered
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].RegistrationTime.Equal(batches[j].RegistrationTime) {
			return batches[i].RegistrationTime.Before(batches[j].RegistrationTime)
		}
		return batches[i].ID < batches[j].ID
	})
	return batches, nil
}

func (s *BoltStore) ListBatchesByState(state types.BatchState) ([]*types.Batch, error) {
	return s.listBatches(func(b *types.Batch) bool {
		return b.State == state
	})
}

func (s *BoltStore) ListBatchesByStateAndNode(state types.BatchState, node string) ([]*types.Batch, error) {
	return s.listBatches(func(b *types.Batch) bool {
		return b.State == state && b.Node == node
	})
}

func (s *BoltStore) ListActiveBatchesByNode(node string) ([]*types.Batch, error) {
	return s.listBatches(func(b *types.Batch) bool {
		return b.State.Active() && b.Node == node
	})
}

func (s *BoltStore) ListBatchesByExperiment(experimentID string) ([]*types.Batch, error) {
	return s.listBatches(func(b *types.Batch) bool {
		return b.ExperimentID == experimentID
	})
}

func (s *BoltStore) CountActiveBatchesByExperiment(experimentID string) (int, error) {
	batches, err := s.listBatches(func(b *types.Batch) bool {
		return b.ExperimentID == experimentID && b.State.Active()
	})
	if err != nil {
		return 0, err
	}
	return len(batches), nil
}

func (s *BoltStore) ListTerminalBatchesKeysNotVoided() ([]*types.Batch, error) {
	return s.listBatches(func(b *types.Batch) bool {
		return b.State.Terminal() && !b.ProtectedKeysVoided
	})
}

func (s *BoltStore) ListTerminalBatchesNotificationPending() ([]*types.Batch, error) {
	return s.listBatches(func(b *types.Batch) bool {
		return b.State.Terminal() && !b.NotificationsSent
	})
}

func (s *BoltStore) HasUnfinishedWork() (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBatches).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var batch types.Batch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if !batch.State.Terminal() || !batch.ProtectedKeysVoided || !batch.NotificationsSent {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

// UpdateBatch applies mutate under an optimistic state predicate. BoltDB
// serializes update transactions, so the predicate check and the write are
// atomic with respect to all other writers.
func (s *BoltStore) UpdateBatch(id string, expected types.BatchState, mutate func(*types.Batch)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		var batch types.Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			return err
		}
		if batch.State != expected {
			return fmt.Errorf("batch %s is %s, expected %s: %w", id, batch.State, expected, ErrStaleState)
		}
		mutate(&batch)
		updated, err := json.Marshal(&batch)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// Node operations

func (s *BoltStore) ResetNodes() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketNodes); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketNodes)
		return err
	})
}

func (s *BoltStore) PutNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.Name), data)
	})
}

func (s *BoltStore) GetNode(name string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("node %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// Callback token operations

func (s *BoltStore) PutCallbackToken(token *types.CallbackToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCallbackTokens).Put([]byte(token.BatchID), data)
	})
}

func (s *BoltStore) GetCallbackToken(batchID string) (*types.CallbackToken, error) {
	var token types.CallbackToken
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCallbackTokens).Get([]byte(batchID))
		if data == nil {
			return fmt.Errorf("callback token for batch %s: %w", batchID, ErrNotFound)
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) DeleteCallbackToken(batchID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCallbackTokens).Delete([]byte(batchID))
	})
}
