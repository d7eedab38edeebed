// Package proxy implements the per-node client proxy: the single writer of
// the node's mirror document and the only component talking to the node's
// container engine. All state-changing engine work is serialized through one
// action loop; a background monitor watches containers the proxy started.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/curious-containers/agency/pkg/blue"
	"github.com/curious-containers/agency/pkg/config"
	"github.com/curious-containers/agency/pkg/log"
	"github.com/curious-containers/agency/pkg/manager"
	"github.com/curious-containers/agency/pkg/runtime"
	"github.com/curious-containers/agency/pkg/secrets"
	"github.com/curious-containers/agency/pkg/storage"
	"github.com/curious-containers/agency/pkg/tokens"
	"github.com/curious-containers/agency/pkg/trustee"
	"github.com/curious-containers/agency/pkg/types"
)

// Action is one unit of work for the node's action loop.
type Action string

const (
	ActionInspect         Action = "inspect"
	ActionCheckForBatches Action = "check_for_batches"
	ActionCleanUp         Action = "clean_up"
)

const (
	// actionQueueSize bounds the FIFO action queue. Actions are coalescing
	// in effect (every pass reads current persistence), so a small bound
	// suffices.
	actionQueueSize = 64

	// poolSize bounds the concurrent image pulls and container starts.
	poolSize = 4

	// monitorInterval is how often started containers are re-inspected.
	monitorInterval = time.Second
)

type monitorEntry struct {
	containerID string
	batchID     string
}

// Proxy drives one configured node.
type Proxy struct {
	name     string
	nodeConf config.NodeConfig
	cfg      *config.Config
	store    storage.Store
	mgr      *manager.Manager
	trustee  *trustee.Client
	issuer   *tokens.Issuer
	logger   zerolog.Logger

	mu      sync.Mutex
	online  bool
	engine  *runtime.DockerEngine
	actions chan Action
	monitor chan monitorEntry
	cancel  context.CancelFunc
}

// New creates a proxy for the named node. Start must be called before the
// proxy accepts actions.
func New(name string, nodeConf config.NodeConfig, cfg *config.Config, store storage.Store, mgr *manager.Manager, tc *trustee.Client, issuer *tokens.Issuer) *Proxy {
	return &Proxy{
		name:     name,
		nodeConf: nodeConf,
		cfg:      cfg,
		store:    store,
		mgr:      mgr,
		trustee:  tc,
		issuer:   issuer,
		logger:   log.WithNode(name),
	}
}

// Name returns the node name.
func (p *Proxy) Name() string {
	return p.name
}

// Start runs the startup protocol: insert the mirror, open the engine,
// repair orphaned batches and bring the node online. A failing node is
// left offline; InspectOfflineNode may revive it later.
func (p *Proxy) Start(ctx context.Context) error {
	mirror := &types.Node{
		Name:  p.name,
		State: types.NodeStateNull,
	}
	if p.nodeConf.Hardware != nil {
		mirror.GPUs = p.nodeConf.Hardware.GPUs
	}
	if err := p.store.PutNode(mirror); err != nil {
		return fmt.Errorf("insert mirror for node %s: %w", p.name, err)
	}

	if err := p.bringOnline(ctx); err != nil {
		p.logger.Error().Err(err).Msg("node startup failed")
		p.writeState(types.NodeStateOffline, err.Error())
		return nil
	}
	return nil
}

// bringOnline opens the engine, verifies it, repairs orphans and spins up
// the action and monitor loops.
func (p *Proxy) bringOnline(ctx context.Context) error {
	engine, err := runtime.NewDockerEngine(p.nodeConf.BaseURL, p.nodeConf.TLS)
	if err != nil {
		return err
	}

	if err := engine.Ping(ctx); err != nil {
		engine.Close()
		return err
	}

	info, err := engine.Info(ctx)
	if err != nil {
		engine.Close()
		return err
	}

	if err := p.failBatchesWithoutAssignedContainer(ctx, engine); err != nil {
		engine.Close()
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.engine = engine
	p.actions = make(chan Action, actionQueueSize)
	p.monitor = make(chan monitorEntry, actionQueueSize)
	p.cancel = cancel
	p.online = true
	actions := p.actions
	monitor := p.monitor
	p.mu.Unlock()

	node, err := p.store.GetNode(p.name)
	if err != nil {
		node = &types.Node{Name: p.name}
	}
	node.State = types.NodeStateOnline
	node.RAM = info.RAM
	node.CPUs = info.CPUs
	if p.nodeConf.Hardware != nil {
		node.GPUs = p.nodeConf.Hardware.GPUs
	}
	node.History = append(node.History, types.NodeHistoryEntry{
		State: types.NodeStateOnline,
		Time:  time.Now().UTC(),
	})
	if err := p.store.PutNode(node); err != nil {
		cancel()
		engine.Close()
		return err
	}

	go p.actionLoop(sessionCtx, engine, actions)
	go p.monitorLoop(sessionCtx, engine, monitor)

	p.PutAction(ActionInspect)
	p.logger.Info().Int64("ram", info.RAM).Int("cpus", info.CPUs).Msg("node online")
	return nil
}

// PutAction enqueues an action for the node. It reports false when the node
// is offline and its queue has been torn down.
func (p *Proxy) PutAction(action Action) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online {
		return false
	}
	select {
	case p.actions <- action:
		return true
	default:
		return false
	}
}

// InspectOfflineNode tries to revive an offline node: it re-opens the
// engine, redoes the startup checks and brings a fresh action loop up.
func (p *Proxy) InspectOfflineNode(ctx context.Context) {
	p.mu.Lock()
	if p.online {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.bringOnline(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("node still unreachable")
		p.writeState(types.NodeStateOffline, err.Error())
	}
}

// setOffline records the offline transition and tears the session down. The
// action loop exits via the cancelled session context.
func (p *Proxy) setOffline(debugInfo string) {
	p.mu.Lock()
	if !p.online {
		p.mu.Unlock()
		return
	}
	p.online = false
	cancel := p.cancel
	engine := p.engine
	p.engine = nil
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	engine.Close()

	p.writeState(types.NodeStateOffline, debugInfo)
	p.logger.Warn().Str("debug_info", debugInfo).Msg("node offline")
}

// writeState updates the mirror document with a history entry.
func (p *Proxy) writeState(state types.NodeState, debugInfo string) {
	node, err := p.store.GetNode(p.name)
	if err != nil {
		node = &types.Node{Name: p.name}
	}
	node.State = state
	node.History = append(node.History, types.NodeHistoryEntry{
		State:     state,
		Time:      time.Now().UTC(),
		DebugInfo: debugInfo,
	})
	if err := p.store.PutNode(node); err != nil {
		p.logger.Error().Err(err).Msg("could not update node mirror")
	}
}

// actionLoop serializes all state-changing engine work. Any action error
// schedules an inspect; a failing inspect takes the node offline and exits
// the loop.
func (p *Proxy) actionLoop(ctx context.Context, engine *runtime.DockerEngine, actions chan Action) {
	for {
		select {
		case <-ctx.Done():
			return
		case action := <-actions:
			var err error
			switch action {
			case ActionInspect:
				if err = p.inspect(ctx, engine); err != nil {
					p.setOffline(err.Error())
					return
				}
				continue
			case ActionCheckForBatches:
				err = p.checkForBatches(ctx, engine)
			case ActionCleanUp:
				err = p.cleanUp(ctx, engine)
			default:
				p.logger.Error().Str("action", string(action)).Msg("unknown action")
				continue
			}
			if err != nil {
				p.logger.Warn().Err(err).Str("action", string(action)).Msg("action failed, scheduling inspect")
				p.PutAction(ActionInspect)
			}
		}
	}
}

// inspect proves the node can run containers and reach the broker: it runs
// the core image as a one-shot with the node's environment and network.
func (p *Proxy) inspect(ctx context.Context, engine *runtime.DockerEngine) error {
	core := p.cfg.Controller.Docker.CoreImage

	if !core.DisablePull {
		if err := engine.Pull(ctx, core.URL, core.Auth); err != nil {
			return fmt.Errorf("inspect node %s: %w", p.name, err)
		}
	}

	command := []string{
		"ccagent", "connected",
		strings.TrimRight(p.cfg.Broker.ExternalURL, "/"),
		"--inspect",
	}
	env := buildEnv(p.nodeConf.Environment, nil)

	if err := engine.RunOneShot(ctx, core.URL, command, env, p.nodeConf.Network); err != nil {
		return fmt.Errorf("inspect node %s: %w", p.name, err)
	}
	return nil
}

// imageGroup keys batches by their image-authentication tuple so every
// distinct image is pulled once per pass.
type imageGroup struct {
	url      string
	username string
	password string
}

// checkForBatches pulls images and starts containers for every batch
// scheduled onto this node.
func (p *Proxy) checkForBatches(ctx context.Context, engine *runtime.DockerEngine) error {
	batches, err := p.store.ListBatchesByStateAndNode(types.BatchScheduled, p.name)
	if err != nil {
		return fmt.Errorf("list scheduled batches for node %s: %w", p.name, err)
	}
	if len(batches) == 0 {
		return nil
	}

	type groupWork struct {
		auth        *types.RegistryAuth
		disablePull bool
		batches     []*types.Batch
		experiments map[string]*types.Experiment
		pullErr     error
	}
	groups := map[imageGroup]*groupWork{}
	experiments := map[string]*types.Experiment{}

	for _, batch := range batches {
		experiment, err := p.resolveExperiment(ctx, batch, experiments)
		if err != nil {
			var transient *types.Failure
			if errors.As(err, &transient) && transient.Inspect {
				return err
			}
			continue
		}

		auth, err := secrets.ImageAuth(experiment.Container.Settings.Image)
		if err != nil {
			p.failBatch(batch.ID, err.Error(), nil, batch.State, true)
			continue
		}

		key := imageGroup{url: experiment.Container.Settings.Image.URL}
		if auth != nil {
			key.username = auth.Username
			key.password = auth.Password
		}
		work, ok := groups[key]
		if !ok {
			work = &groupWork{
				auth:        auth,
				disablePull: experiment.DisablePull(),
				experiments: map[string]*types.Experiment{},
			}
			groups[key] = work
		}
		work.batches = append(work.batches, batch)
		work.experiments[batch.ID] = experiment
	}

	// Pull every distinct image concurrently.
	pullGroup, pullCtx := errgroup.WithContext(ctx)
	pullGroup.SetLimit(poolSize)
	for key, work := range groups {
		key, work := key, work
		if work.disablePull {
			continue
		}
		pullGroup.Go(func() error {
			work.pullErr = engine.Pull(pullCtx, key.url, work.auth)
			return nil
		})
	}
	pullGroup.Wait()

	// Start containers for batches whose image is available.
	startGroup, startCtx := errgroup.WithContext(ctx)
	startGroup.SetLimit(poolSize)
	for _, work := range groups {
		work := work
		if work.pullErr != nil {
			for _, batch := range work.batches {
				p.failBatch(batch.ID, work.pullErr.Error(), nil, batch.State, false)
			}
			continue
		}
		for _, batch := range work.batches {
			batch := batch
			experiment := work.experiments[batch.ID]
			startGroup.Go(func() error {
				if err := p.startContainer(startCtx, engine, batch, experiment); err != nil {
					p.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("container start failed")
				}
				return nil
			})
		}
	}
	startGroup.Wait()
	return nil
}

// resolveExperiment loads the batch's experiment and fills its image auth
// from the trustee. Transient trustee outages surface as inspect failures.
func (p *Proxy) resolveExperiment(ctx context.Context, batch *types.Batch, cache map[string]*types.Experiment) (*types.Experiment, error) {
	if experiment, ok := cache[batch.ExperimentID]; ok {
		return experiment, nil
	}

	experiment, err := p.store.GetExperiment(batch.ExperimentID)
	if err != nil {
		p.failBatch(batch.ID, err.Error(), nil, batch.State, true)
		return nil, err
	}

	if keys := secrets.ExperimentSecretKeys(experiment); len(keys) > 0 {
		resp := p.trustee.Collect(keys)
		if !resp.Success() {
			failure := &types.Failure{
				DebugInfo:    resp.DebugInfo,
				DisableRetry: resp.DisableRetry,
				Inspect:      resp.Inspect,
			}
			if resp.DisableRetry {
				p.failBatch(batch.ID, resp.DebugInfo, nil, batch.State, true)
			}
			return nil, failure
		}
		experiment, err = secrets.FillExperimentSecrets(experiment, resp.Collected)
		if err != nil {
			p.failBatch(batch.ID, err.Error(), nil, batch.State, true)
			return nil, err
		}
	}

	cache[batch.ExperimentID] = experiment
	return experiment, nil
}

// startContainer runs the per-batch start sequence.
func (p *Proxy) startContainer(ctx context.Context, engine *runtime.DockerEngine, batch *types.Batch, experiment *types.Experiment) error {
	containerRuntime, err := engineRuntime(experiment.Container.Engine)
	if err != nil {
		p.failBatch(batch.ID, err.Error(), nil, types.BatchScheduled, true)
		return err
	}

	env := buildEnv(p.nodeConf.Environment, batch.UsedGPUs)

	token, err := p.issuer.Issue(batch.ID)
	if err != nil {
		p.failBatch(batch.ID, err.Error(), nil, types.BatchScheduled, false)
		return err
	}
	env = append(env,
		"CC_BROKER_URL="+strings.TrimRight(p.cfg.Broker.ExternalURL, "/"),
		"CC_BATCH_ID="+batch.ID,
		"CC_CALLBACK_TOKEN="+token,
	)

	spec := runtime.ContainerSpec{
		Name:    batch.ID,
		Image:   experiment.Container.Settings.Image.URL,
		Command: []string{"python3", blue.AgentPath},
		User:    "1000:1000",
		RAM:     experiment.Container.Settings.RAM,
		Runtime: containerRuntime,
		Env:     env,
		Network: p.nodeConf.Network,
	}
	if batch.Mount {
		spec.Devices = []string{"/dev/fuse"}
		spec.CapAdd = []string{"SYS_ADMIN"}
		spec.SecurityOpt = []string{"apparmor:unconfined"}
	}

	archive, err := blue.Prepare(p.trustee, experiment, batch)
	if err != nil {
		var failure *types.Failure
		if errors.As(err, &failure) {
			if failure.Inspect {
				return err
			}
			p.failBatch(batch.ID, failure.DebugInfo, nil, types.BatchScheduled, failure.DisableRetry)
			return err
		}
		p.failBatch(batch.ID, err.Error(), nil, types.BatchScheduled, false)
		return err
	}

	if err := p.mgr.StartProcessing(batch.ID, p.name); err != nil {
		if errors.Is(err, storage.ErrStaleState) {
			// Cancelled or already transitioned; nothing to start.
			return nil
		}
		return err
	}

	// A container from a prior attempt may still carry the batch id.
	if err := p.removeExisting(ctx, engine, batch.ID); err != nil {
		p.failBatch(batch.ID, err.Error(), nil, types.BatchProcessing, false)
		return err
	}

	containerID, err := engine.Create(ctx, spec)
	if err != nil {
		p.failBatch(batch.ID, err.Error(), nil, types.BatchProcessing, false)
		return err
	}
	if err := engine.PutArchive(ctx, containerID, "/", bytes.NewReader(archive)); err != nil {
		p.failBatch(batch.ID, err.Error(), nil, types.BatchProcessing, false)
		return err
	}
	if err := engine.Start(ctx, containerID); err != nil {
		p.failBatch(batch.ID, err.Error(), nil, types.BatchProcessing, false)
		return err
	}

	p.mu.Lock()
	monitor := p.monitor
	p.mu.Unlock()
	select {
	case monitor <- monitorEntry{containerID: containerID, batchID: batch.ID}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.logger.Info().Str("batch_id", batch.ID).Msg("container started")
	return nil
}

// removeExisting force-removes a container named after the batch, if any.
func (p *Proxy) removeExisting(ctx context.Context, engine *runtime.DockerEngine, batchID string) error {
	containers, err := engine.List(ctx, runtime.StatusAny)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Name == batchID {
			return engine.Remove(ctx, c.ID, true)
		}
	}
	return nil
}

// cleanUp removes containers of cancelled batches and reaps exited
// containers, failing their batches when they died without a result.
func (p *Proxy) cleanUp(ctx context.Context, engine *runtime.DockerEngine) error {
	containers, err := engine.List(ctx, runtime.StatusAny)
	if err != nil {
		return fmt.Errorf("clean up node %s: %w", p.name, err)
	}

	for _, c := range containers {
		batch, err := p.store.GetBatch(c.Name)
		if err != nil {
			// Not a batch container; leave it alone.
			continue
		}

		if batch.State == types.BatchCancelled {
			if err := engine.Remove(ctx, c.ID, true); err != nil {
				return fmt.Errorf("remove cancelled container %s: %w", c.Name, err)
			}
			continue
		}

		if c.Status != runtime.StatusExited {
			continue
		}

		stdout, stderr, logErr := engine.Logs(ctx, c.ID)
		if err := engine.Remove(ctx, c.ID, true); err != nil {
			return fmt.Errorf("remove exited container %s: %w", c.Name, err)
		}
		if batch.State == types.BatchProcessing {
			debugInfo := "container exited without result"
			if logErr == nil {
				var parts []string
				if len(stdout) > 0 {
					parts = append(parts, string(stdout))
				}
				if len(stderr) > 0 {
					parts = append(parts, string(stderr))
				}
				if len(parts) > 0 {
					debugInfo = strings.Join(parts, "\n")
				}
			}
			p.failBatch(batch.ID, debugInfo, nil, types.BatchProcessing, false)
		}
	}
	return nil
}

// failBatchesWithoutAssignedContainer repairs persistence after a controller
// restart: every batch the database believes is on this node but that has no
// container on the engine is failed.
func (p *Proxy) failBatchesWithoutAssignedContainer(ctx context.Context, engine *runtime.DockerEngine) error {
	containers, err := engine.List(ctx, runtime.StatusAny)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(containers))
	for _, c := range containers {
		present[c.Name] = true
	}

	batches, err := p.store.ListActiveBatchesByNode(p.name)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if present[batch.ID] {
			continue
		}
		p.failBatch(batch.ID, "batch has no assigned container", nil, batch.State, false)
	}
	return nil
}

// monitorLoop watches containers this proxy started and consumes their
// terminal outcomes.
func (p *Proxy) monitorLoop(ctx context.Context, engine *runtime.DockerEngine, monitor chan monitorEntry) {
	watched := map[string]monitorEntry{}
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-monitor:
			watched[entry.containerID] = entry
		case <-ticker.C:
			for id, entry := range watched {
				running, _, err := engine.Inspect(ctx, id)
				if err != nil {
					delete(watched, id)
					p.failBatch(entry.batchID, fmt.Sprintf("container vanished: %s", err), nil, types.BatchProcessing, false)
					continue
				}
				if running {
					continue
				}
				delete(watched, id)
				p.consumeResult(ctx, engine, entry)
			}
		}
	}
}

// consumeResult reads a finished container's logs, applies the agent result
// to the batch and removes the container.
func (p *Proxy) consumeResult(ctx context.Context, engine *runtime.DockerEngine, entry monitorEntry) {
	stdout, stderr, err := engine.Logs(ctx, entry.containerID)
	if err != nil {
		p.failBatch(entry.batchID, fmt.Sprintf("could not read container logs: %s", err), nil, types.BatchProcessing, true)
		engine.Remove(ctx, entry.containerID, true)
		return
	}

	result, err := blue.ParseAgentResult(stdout)
	if err != nil {
		debugInfo := err.Error()
		if len(stderr) > 0 {
			debugInfo = string(stderr) + "\n" + debugInfo
		}
		p.failBatch(entry.batchID, debugInfo, nil, types.BatchProcessing, false)
		engine.Remove(ctx, entry.containerID, true)
		return
	}

	switch result.State {
	case string(types.BatchFailed):
		debugInfo := result.DebugInfo
		if len(stderr) > 0 {
			debugInfo = string(stderr) + "\n" + debugInfo
		}
		p.failBatch(entry.batchID, debugInfo, result, types.BatchProcessing, false)
	case string(types.BatchSucceeded):
		if err := p.mgr.Succeed(entry.batchID, p.name, result); err != nil {
			p.logger.Error().Err(err).Str("batch_id", entry.batchID).Msg("could not record success")
		}
	}

	if err := engine.Remove(ctx, entry.containerID, true); err != nil {
		p.logger.Warn().Err(err).Str("batch_id", entry.batchID).Msg("could not remove finished container")
	}
}

// failBatch reports a failure through the shared helper, logging helper
// errors instead of propagating them.
func (p *Proxy) failBatch(batchID, debugInfo string, ccagent any, currentState types.BatchState, disableRetry bool) {
	if err := p.mgr.FailBatch(batchID, debugInfo, ccagent, currentState, disableRetry); err != nil {
		p.logger.Error().Err(err).Str("batch_id", batchID).Msg("could not record batch failure")
	}
}

// engineRuntime maps an experiment's engine name to a container runtime.
func engineRuntime(engine string) (string, error) {
	switch engine {
	case types.EngineDocker:
		return types.RuntimeRunc, nil
	case types.EngineNvidiaDocker:
		return types.RuntimeNvidia, nil
	default:
		return "", fmt.Errorf("unknown container engine %q", engine)
	}
}

// buildEnv assembles the container environment from the node's configured
// variables plus the GPU visibility bindings for the assigned devices.
func buildEnv(nodeEnv map[string]string, usedGPUs []int) []string {
	keys := make([]string, 0, len(nodeEnv))
	for key := range nodeEnv {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+2)
	for _, key := range keys {
		env = append(env, key+"="+nodeEnv[key])
	}

	if len(usedGPUs) > 0 {
		ids := make([]string, len(usedGPUs))
		for i, id := range usedGPUs {
			ids[i] = strconv.Itoa(id)
		}
		env = append(env,
			"NVIDIA_VISIBLE_DEVICES="+strings.Join(ids, ","),
			"NVIDIA_DRIVER_CAPABILITIES=compute,utility",
		)
	}
	return env
}
