package metrics

import (
	"context"
	"time"

	"github.com/curious-containers/agency/pkg/storage"
	"github.com/curious-containers/agency/pkg/types"
)

const collectInterval = 15 * time.Second

// Collector periodically refreshes the gauge metrics from the store.
type Collector struct {
	store storage.Store
}

// NewCollector creates a collector reading from store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{store: store}
}

// Run collects immediately and then on every tick until the context is
// cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.collectBatchMetrics()
	c.collectNodeMetrics()
}

func (c *Collector) collectBatchMetrics() {
	states := []types.BatchState{
		types.BatchRegistered,
		types.BatchScheduled,
		types.BatchProcessing,
		types.BatchSucceeded,
		types.BatchFailed,
		types.BatchCancelled,
	}

	counts := make(map[types.BatchState]int, len(states))
	for _, state := range states {
		batches, err := c.store.ListBatchesByState(state)
		if err != nil {
			return
		}
		counts[state] = len(batches)
	}

	for state, count := range counts {
		BatchesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.store.ListNodes()
	if err != nil {
		return
	}

	online := 0
	for _, node := range nodes {
		if node.State == types.NodeStateOnline {
			online++
		}
	}
	NodesOnline.Set(float64(online))
}
