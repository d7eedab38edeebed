package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curious-containers/agency/pkg/config"
	"github.com/curious-containers/agency/pkg/manager"
	"github.com/curious-containers/agency/pkg/proxy"
	"github.com/curious-containers/agency/pkg/storage"
	"github.com/curious-containers/agency/pkg/tokens"
	"github.com/curious-containers/agency/pkg/trustee"
	"github.com/curious-containers/agency/pkg/types"
)

// newTestScheduler wires a scheduler over a fresh store with no proxies. The
// trustee client is never contacted as long as test batches carry no secret
// handles.
func newTestScheduler(t *testing.T) (*Scheduler, storage.Store) {
	t.Helper()
	return newTestSchedulerWith(t, &config.Config{}, filepath.Join(t.TempDir(), "unused.sock"))
}

func newTestSchedulerWith(t *testing.T, cfg *config.Config, trusteeSocket string) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "agency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := manager.New(store)
	tc := trustee.NewClient(trusteeSocket)
	t.Cleanup(func() { tc.Close() })

	return New(cfg, store, mgr, tc, map[string]*proxy.Proxy{}), store
}

// startTrustee runs a real trustee server for the voiding tests and returns
// its socket path plus a client for test-side assertions.
func startTrustee(t *testing.T) (string, *trustee.Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "trustee.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := trustee.NewServer(socketPath)
	go server.Run(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	client := trustee.NewClient(socketPath)
	t.Cleanup(func() { client.Close() })
	return socketPath, client
}

// fakeEngineHost serves the minimal engine API surface a proxy needs to come
// online: ping, info, container listing and the connectivity one-shot.
type fakeEngineHost struct {
	mu     sync.Mutex
	hits   map[string]int
	server *httptest.Server
}

func newFakeEngineHost(t *testing.T) *fakeEngineHost {
	t.Helper()
	f := &fakeEngineHost{hits: map[string]int{}}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeEngineHost) host() string {
	return "tcp://" + strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeEngineHost) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[op]
}

func (f *fakeEngineHost) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if strings.HasPrefix(path, "/v") {
		if i := strings.Index(path[1:], "/"); i >= 0 {
			path = path[1+i:]
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case path == "/_ping":
		w.Header().Set("API-Version", "1.44")
	case path == "/info":
		f.hits["info"]++
		fmt.Fprint(w, `{"MemTotal":8589934592,"NCPU":4}`)
	case path == "/containers/json":
		f.hits["list"]++
		fmt.Fprint(w, `[]`)
	case path == "/containers/create":
		fmt.Fprint(w, `{"Id":"oneshot"}`)
	case strings.HasSuffix(path, "/start"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(path, "/wait"):
		fmt.Fprint(w, `{"StatusCode":0}`)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func putOnlineNode(t *testing.T, store storage.Store, name string, ram int64, gpus []types.GPU) {
	t.Helper()
	require.NoError(t, store.PutNode(&types.Node{
		Name:  name,
		State: types.NodeStateOnline,
		RAM:   ram,
		CPUs:  8,
		GPUs:  gpus,
	}))
}

func putExperiment(t *testing.T, store storage.Store, id string, ram int64, gpus []types.GPURequirement, limit *int) {
	t.Helper()
	experiment := &types.Experiment{
		ID:       id,
		Username: "alice",
		Container: types.ContainerSpec{
			Engine: types.EngineDocker,
			Settings: types.ContainerSettings{
				Image: types.ImageSpec{URL: "docker.io/example/app"},
				RAM:   ram,
				GPUs:  gpus,
			},
		},
	}
	if limit != nil {
		experiment.Execution = &types.ExecutionSpec{
			Engine:   "ccagency",
			Settings: types.ExecutionSettings{BatchConcurrencyLimit: limit},
		}
	}
	require.NoError(t, store.CreateExperiment(experiment))
}

func putRegisteredBatch(t *testing.T, store storage.Store, id, experimentID string, registered time.Time) {
	t.Helper()
	require.NoError(t, store.CreateBatch(&types.Batch{
		ID:               id,
		ExperimentID:     experimentID,
		Username:         "alice",
		RegistrationTime: registered,
		State:            types.BatchRegistered,
		Inputs:           map[string]any{},
		Outputs:          map[string]any{},
	}))
}

func TestScheduleBatchesPrefersNodeWithoutGPUs(t *testing.T) {
	sched, store := newTestScheduler(t)

	putOnlineNode(t, store, "cpu-node", 16384, nil)
	putOnlineNode(t, store, "gpu-node", 16384, []types.GPU{{ID: 0, VRAM: 16000}})
	putExperiment(t, store, "exp-1", 2048, nil, nil)
	putRegisteredBatch(t, store, "b-1", "exp-1", time.Now().UTC())

	sched.scheduleBatches(context.Background())

	batch, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, batch.State)
	assert.Equal(t, "cpu-node", batch.Node)
	assert.Equal(t, 1, batch.Attempts)
	require.NotEmpty(t, batch.History)
	assert.Equal(t, types.BatchScheduled, batch.History[len(batch.History)-1].State)
}

func TestScheduleBatchesFIFOAndRAMAccounting(t *testing.T) {
	sched, store := newTestScheduler(t)

	// Room for exactly two batches of 4096 MiB.
	putOnlineNode(t, store, "node-1", 8192, nil)
	putExperiment(t, store, "exp-1", 4096, nil, nil)

	base := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	putRegisteredBatch(t, store, "b-3", "exp-1", base.Add(2*time.Hour))
	putRegisteredBatch(t, store, "b-1", "exp-1", base)
	putRegisteredBatch(t, store, "b-2", "exp-1", base.Add(time.Hour))

	sched.scheduleBatches(context.Background())

	for id, want := range map[string]types.BatchState{
		"b-1": types.BatchScheduled,
		"b-2": types.BatchScheduled,
		"b-3": types.BatchRegistered, // no RAM left, waits for the next pass
	} {
		batch, err := store.GetBatch(id)
		require.NoError(t, err)
		assert.Equal(t, want, batch.State, id)
	}
}

func TestScheduleBatchesHonorsConcurrencyLimit(t *testing.T) {
	sched, store := newTestScheduler(t)

	putOnlineNode(t, store, "node-1", 65536, nil)
	limit := 1
	putExperiment(t, store, "exp-1", 1024, nil, &limit)

	base := time.Now().UTC()
	putRegisteredBatch(t, store, "b-1", "exp-1", base)
	putRegisteredBatch(t, store, "b-2", "exp-1", base.Add(time.Minute))

	sched.scheduleBatches(context.Background())

	first, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, first.State)

	second, err := store.GetBatch("b-2")
	require.NoError(t, err)
	assert.Equal(t, types.BatchRegistered, second.State)
}

func TestScheduleBatchesAssignsGPUs(t *testing.T) {
	sched, store := newTestScheduler(t)

	putOnlineNode(t, store, "gpu-node", 16384, []types.GPU{
		{ID: 0, VRAM: 8000},
		{ID: 1, VRAM: 24000},
	})
	putExperiment(t, store, "exp-1", 2048, []types.GPURequirement{{VRAM: 16000}}, nil)
	putRegisteredBatch(t, store, "b-1", "exp-1", time.Now().UTC())

	sched.scheduleBatches(context.Background())

	batch, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchScheduled, batch.State)
	assert.Equal(t, []int{1}, batch.UsedGPUs)
}

func TestScheduleBatchesFailsStructurallyUnschedulable(t *testing.T) {
	sched, store := newTestScheduler(t)

	putOnlineNode(t, store, "node-1", 4096, nil)
	// Demands more RAM than any node has.
	putExperiment(t, store, "exp-1", 8192, nil, nil)
	putRegisteredBatch(t, store, "b-1", "exp-1", time.Now().UTC())

	sched.scheduleBatches(context.Background())

	batch, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, batch.State)
}

func TestInspectOfflineNodesLeavesRevivedSessionRunning(t *testing.T) {
	engine := newFakeEngineHost(t)

	cfg := &config.Config{}
	cfg.Broker.ExternalURL = "https://broker.example.com"
	cfg.Controller.Docker.CoreImage = config.CoreImageConfig{
		URL:         "docker.io/example/core",
		DisablePull: true,
	}

	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "agency.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := manager.New(store)
	tc := trustee.NewClient(filepath.Join(t.TempDir(), "unused.sock"))
	t.Cleanup(func() { tc.Close() })

	p := proxy.New("node-1", config.NodeConfig{BaseURL: engine.host()}, cfg, store, mgr, tc, tokens.NewIssuer(store))
	sched := New(cfg, store, mgr, tc, map[string]*proxy.Proxy{"node-1": p})

	require.NoError(t, store.PutNode(&types.Node{Name: "node-1", State: types.NodeStateOffline}))

	sched.inspectOfflineNodes(context.Background())

	node, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateOnline, node.State)

	// The revived session must outlive the pass: its action loop still
	// drains the queue after the fan-out returned.
	before := engine.count("list")
	require.True(t, p.PutAction(proxy.ActionCleanUp))
	require.Eventually(t, func() bool {
		return engine.count("list") > before
	}, 5*time.Second, 20*time.Millisecond)
}

func TestVoidingPassDeletesSecretsExactlyOnce(t *testing.T) {
	socketPath, client := startTrustee(t)
	sched, store := newTestSchedulerWith(t, &config.Config{}, socketPath)

	require.True(t, client.Store(map[string]any{
		"batch-handle": map[string]any{"host": "example.com", "password": "pw"},
		"auth-handle":  map[string]any{"username": "alice", "password": "pw"},
	}).Success())

	require.NoError(t, store.CreateExperiment(&types.Experiment{
		ID:       "exp-1",
		Username: "alice",
		Container: types.ContainerSpec{
			Engine: types.EngineDocker,
			Settings: types.ContainerSettings{
				Image: types.ImageSpec{URL: "docker.io/example/app", Auth: "auth-handle"},
			},
		},
	}))
	require.NoError(t, store.CreateBatch(&types.Batch{
		ID:           "b-1",
		ExperimentID: "exp-1",
		State:        types.BatchFailed,
		Inputs: map[string]any{
			"reads": map[string]any{
				"class": "File",
				"connector": map[string]any{
					"command": "red-connector-ssh",
					"access":  "batch-handle",
				},
			},
		},
		Outputs: map[string]any{},
	}))

	sched.voidBatchSecrets()
	sched.voidExperimentSecrets()

	batch, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.True(t, batch.ProtectedKeysVoided)

	pending, err := store.ListExperimentsKeysNotVoided()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The handles are gone for good.
	for _, key := range []string{"batch-handle", "auth-handle"} {
		resp := client.Collect([]string{key})
		assert.False(t, resp.Success(), key)
		assert.True(t, resp.DisableRetry, key)
	}

	// A second pass finds nothing left to void.
	sched.voidBatchSecrets()
	sched.voidExperimentSecrets()

	remaining, err := store.ListTerminalBatchesKeysNotVoided()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestExperimentSecretsOutliveActiveBatches(t *testing.T) {
	socketPath, client := startTrustee(t)
	sched, store := newTestSchedulerWith(t, &config.Config{}, socketPath)

	require.True(t, client.Store(map[string]any{"auth-handle": map[string]any{"username": "alice", "password": "pw"}}).Success())

	require.NoError(t, store.CreateExperiment(&types.Experiment{
		ID: "exp-1",
		Container: types.ContainerSpec{
			Engine: types.EngineDocker,
			Settings: types.ContainerSettings{
				Image: types.ImageSpec{URL: "docker.io/example/app", Auth: "auth-handle"},
			},
		},
	}))
	require.NoError(t, store.CreateBatch(&types.Batch{
		ID:           "b-1",
		ExperimentID: "exp-1",
		State:        types.BatchProcessing,
		Node:         "node-1",
		Inputs:       map[string]any{},
		Outputs:      map[string]any{},
	}))

	sched.voidExperimentSecrets()

	pending, err := store.ListExperimentsKeysNotVoided()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, client.Collect([]string{"auth-handle"}).Success())
}

func TestNotificationPassPostsAtMostOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var got struct {
		Batches []struct {
			BatchID string `json:"batchId"`
			State   string `json:"state"`
		} `json:"batches"`
	}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer hook.Close()

	cfg := &config.Config{}
	cfg.Controller.NotificationHooks = []config.NotificationHook{{URL: hook.URL}}
	sched, store := newTestSchedulerWith(t, cfg, filepath.Join(t.TempDir(), "unused.sock"))

	require.NoError(t, store.CreateBatch(&types.Batch{
		ID:                  "b-1",
		ExperimentID:        "exp-1",
		State:               types.BatchSucceeded,
		ProtectedKeysVoided: true,
	}))

	sched.notifyTerminalBatches(context.Background())

	batch, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.True(t, batch.NotificationsSent)

	mu.Lock()
	assert.Equal(t, 1, calls)
	require.Len(t, got.Batches, 1)
	assert.Equal(t, "b-1", got.Batches[0].BatchID)
	assert.Equal(t, string(types.BatchSucceeded), got.Batches[0].State)
	mu.Unlock()

	// The flag keeps the batch out of every later pass.
	sched.notifyTerminalBatches(context.Background())
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestNotificationFlagFlipsBeforeDelivery(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hook.Close()

	cfg := &config.Config{}
	cfg.Controller.NotificationHooks = []config.NotificationHook{{URL: hook.URL}}
	sched, store := newTestSchedulerWith(t, cfg, filepath.Join(t.TempDir(), "unused.sock"))

	require.NoError(t, store.CreateBatch(&types.Batch{
		ID:           "b-1",
		ExperimentID: "exp-1",
		State:        types.BatchFailed,
	}))

	sched.notifyTerminalBatches(context.Background())

	// A failed delivery is not retried; the flag was already flipped.
	batch, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.True(t, batch.NotificationsSent)

	sched.notifyTerminalBatches(context.Background())
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestScheduleBatchesSkipsWhenTemporarilyFull(t *testing.T) {
	sched, store := newTestScheduler(t)

	putOnlineNode(t, store, "node-1", 8192, nil)
	putExperiment(t, store, "exp-busy", 8192, nil, nil)
	putExperiment(t, store, "exp-new", 8192, nil, nil)

	// An active batch occupies the whole node.
	require.NoError(t, store.CreateBatch(&types.Batch{
		ID:               "b-running",
		ExperimentID:     "exp-busy",
		RegistrationTime: time.Now().UTC(),
		State:            types.BatchProcessing,
		Node:             "node-1",
	}))
	putRegisteredBatch(t, store, "b-waiting", "exp-new", time.Now().UTC())

	sched.scheduleBatches(context.Background())

	batch, err := store.GetBatch("b-waiting")
	require.NoError(t, err)
	// The node could hold it once the running batch finishes.
	assert.Equal(t, types.BatchRegistered, batch.State)
}

func TestScheduleBatchesFailsMountWithoutCapabilities(t *testing.T) {
	sched, store := newTestScheduler(t)

	putOnlineNode(t, store, "node-1", 16384, nil)
	putExperiment(t, store, "exp-1", 1024, nil, nil)

	require.NoError(t, store.CreateBatch(&types.Batch{
		ID:               "b-1",
		ExperimentID:     "exp-1",
		RegistrationTime: time.Now().UTC(),
		State:            types.BatchRegistered,
		Inputs: map[string]any{
			"data": map[string]any{
				"class": "Directory",
				"connector": map[string]any{
					"command": "red-connector-ssh",
					"access":  map[string]any{"host": "example.com"},
					"mount":   true,
				},
			},
		},
		Outputs: map[string]any{},
	}))

	sched.scheduleBatches(context.Background())

	batch, err := store.GetBatch("b-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchFailed, batch.State)
}
