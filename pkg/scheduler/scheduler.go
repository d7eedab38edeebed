// Package scheduler owns the controller's background loops: batch placement,
// offline-node inspection, secret voiding and terminal notifications. The
// loops wake on coalescing signals and on a periodic tick that catches any
// work a lost signal would otherwise leave stuck.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/curious-containers/agency/pkg/config"
	"github.com/curious-containers/agency/pkg/log"
	"github.com/curious-containers/agency/pkg/manager"
	"github.com/curious-containers/agency/pkg/metrics"
	"github.com/curious-containers/agency/pkg/notify"
	"github.com/curious-containers/agency/pkg/proxy"
	"github.com/curious-containers/agency/pkg/secrets"
	"github.com/curious-containers/agency/pkg/signal"
	"github.com/curious-containers/agency/pkg/storage"
	"github.com/curious-containers/agency/pkg/trustee"
	"github.com/curious-containers/agency/pkg/types"
)

// tickInterval bounds how long stuck work waits for a wake-up.
const tickInterval = time.Minute

// Scheduler coordinates placement and the auxiliary loops.
type Scheduler struct {
	cfg     *config.Config
	store   storage.Store
	mgr     *manager.Manager
	trustee *trustee.Client
	proxies map[string]*proxy.Proxy
	sender  *notify.Sender
	logger  zerolog.Logger

	scheduling   *signal.Signal
	inspection   *signal.Signal
	voiding      *signal.Signal
	notification *signal.Signal
}

// New creates a scheduler over the given proxies.
func New(cfg *config.Config, store storage.Store, mgr *manager.Manager, tc *trustee.Client, proxies map[string]*proxy.Proxy) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		store:        store,
		mgr:          mgr,
		trustee:      tc,
		proxies:      proxies,
		sender:       notify.NewSender(cfg.Controller.NotificationHooks),
		logger:       log.WithComponent("scheduler"),
		scheduling:   signal.New(),
		inspection:   signal.New(),
		voiding:      signal.New(),
		notification: signal.New(),
	}
}

// SchedulingSignal exposes the scheduling wake-up for external producers
// such as the broker socket listener.
func (s *Scheduler) SchedulingSignal() *signal.Signal {
	return s.scheduling
}

// Schedule requests a scheduling pass. Never blocks.
func (s *Scheduler) Schedule() {
	s.scheduling.Notify()
}

// Run starts all loops and the periodic tick and blocks until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	go s.inspectionLoop(ctx)
	go s.voidingLoop(ctx)
	go s.notificationLoop(ctx)

	ticker := cron.New()
	if _, err := ticker.AddFunc("@every 1m", func() { s.tick() }); err != nil {
		return err
	}
	ticker.Start()
	defer ticker.Stop()

	s.Schedule()
	s.schedulingLoop(ctx)
	return nil
}

// tick wakes the scheduler whenever any batch still has outstanding work:
// a non-terminal state, unvoided secrets or an unsent notification.
func (s *Scheduler) tick() {
	unfinished, err := s.store.HasUnfinishedWork()
	if err != nil {
		s.logger.Error().Err(err).Msg("periodic tick failed")
		return
	}
	if unfinished {
		s.Schedule()
	}
}

func (s *Scheduler) schedulingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.scheduling.Wait():
		}

		s.inspection.Notify()
		s.voiding.Notify()
		s.notification.Notify()

		if resp := s.trustee.Inspect(); !resp.Success() {
			s.logger.Warn().Str("debug_info", resp.DebugInfo).Msg("trustee down, delaying scheduling")
			select {
			case <-ctx.Done():
				return
			case <-time.After(tickInterval):
			}
			s.Schedule()
			continue
		}

		s.scheduleBatches(ctx)
	}
}

// inspectionLoop revives offline nodes concurrently.
func (s *Scheduler) inspectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.inspection.Wait():
		}
		s.inspectOfflineNodes(ctx)
	}
}

// inspectOfflineNodes fans out over the offline mirrors and joins. A revived
// session outlives the pass, so each proxy gets the loop's long-lived context
// rather than one scoped to the fan-out.
func (s *Scheduler) inspectOfflineNodes(ctx context.Context) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		s.logger.Error().Err(err).Msg("inspection pass failed")
		return
	}

	var group errgroup.Group
	for _, node := range nodes {
		if node.State != types.NodeStateOffline {
			continue
		}
		p, ok := s.proxies[node.Name]
		if !ok {
			continue
		}
		group.Go(func() error {
			p.InspectOfflineNode(ctx)
			return nil
		})
	}
	group.Wait()
}

// voidingLoop deletes trustee secrets of finished work and marks the
// documents voided.
func (s *Scheduler) voidingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.voiding.Wait():
		}
		s.voidBatchSecrets()
		s.voidExperimentSecrets()
	}
}

func (s *Scheduler) voidBatchSecrets() {
	batches, err := s.store.ListTerminalBatchesKeysNotVoided()
	if err != nil {
		s.logger.Error().Err(err).Msg("voiding pass failed")
		return
	}

	for _, batch := range batches {
		if keys := secrets.BatchSecretKeys(batch); len(keys) > 0 {
			if resp := s.trustee.Delete(keys); !resp.Success() {
				// Trustee unreachable; retried on the next pass.
				return
			}
		}
		err := s.store.UpdateBatch(batch.ID, batch.State, func(b *types.Batch) {
			b.ProtectedKeysVoided = true
		})
		if err != nil {
			s.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("could not mark batch voided")
		}
	}
}

func (s *Scheduler) voidExperimentSecrets() {
	experiments, err := s.store.ListExperimentsKeysNotVoided()
	if err != nil {
		s.logger.Error().Err(err).Msg("voiding pass failed")
		return
	}

	for _, experiment := range experiments {
		batches, err := s.store.ListBatchesByExperiment(experiment.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("experiment_id", experiment.ID).Msg("could not list batches")
			continue
		}
		allTerminal := true
		for _, batch := range batches {
			if !batch.State.Terminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal || len(batches) == 0 {
			continue
		}

		if keys := secrets.ExperimentSecretKeys(experiment); len(keys) > 0 {
			if resp := s.trustee.Delete(keys); !resp.Success() {
				return
			}
		}
		if err := s.store.SetExperimentKeysVoided(experiment.ID); err != nil {
			s.logger.Error().Err(err).Str("experiment_id", experiment.ID).Msg("could not mark experiment voided")
		}
	}
}

// notificationLoop delivers terminal notifications at most once: the flag is
// flipped before the POST, so a crash can only lose a notification.
func (s *Scheduler) notificationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notification.Wait():
		}
		s.notifyTerminalBatches(ctx)
	}
}

func (s *Scheduler) notifyTerminalBatches(ctx context.Context) {
	pending, err := s.store.ListTerminalBatchesNotificationPending()
	if err != nil {
		s.logger.Error().Err(err).Msg("notification pass failed")
		return
	}
	if len(pending) == 0 {
		return
	}

	var flipped []*types.Batch
	for _, batch := range pending {
		err := s.store.UpdateBatch(batch.ID, batch.State, func(b *types.Batch) {
			b.NotificationsSent = true
		})
		if err != nil {
			s.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("could not mark batch notified")
			continue
		}
		flipped = append(flipped, batch)
	}

	s.sender.Send(ctx, flipped)
	metrics.NotificationsSent.Add(float64(len(flipped)))
}

// scheduleBatches runs one placement pass over a snapshot of the cluster.
func (s *Scheduler) scheduleBatches(ctx context.Context) {
	timer := prometheus.NewTimer(metrics.SchedulingLatency)
	defer timer.ObserveDuration()
	metrics.SchedulingPasses.Inc()

	experiments := map[string]*types.Experiment{}
	snapshots, err := s.buildSnapshot(experiments)
	if err != nil {
		s.logger.Error().Err(err).Msg("could not snapshot cluster state")
		return
	}

	batches, err := s.store.ListRegisteredBatchesFIFO()
	if err != nil {
		s.logger.Error().Err(err).Msg("could not list registered batches")
		return
	}

	activeCounts := map[string]int{}
	placed := map[string][]string{} // node -> batch ids

	for _, batch := range batches {
		experiment, err := s.experiment(batch.ExperimentID, experiments)
		if err != nil {
			s.failBatch(batch.ID, err.Error(), types.BatchRegistered, false)
			continue
		}

		// Secrets must still be collectible before the batch reaches a node.
		if keys := secrets.BatchSecretKeys(batch); len(keys) > 0 {
			resp := s.trustee.Collect(keys)
			if !resp.Success() {
				if resp.Inspect && !resp.DisableRetry {
					// Trustee down; abort the pass and retry next tick.
					s.logger.Warn().Str("debug_info", resp.DebugInfo).Msg("trustee down during placement")
					s.Schedule()
					return
				}
				s.failBatch(batch.ID, resp.DebugInfo, types.BatchRegistered, resp.DisableRetry)
				continue
			}
		}

		mount := secrets.BatchNeedsMount(batch)
		if mount && !s.cfg.Controller.Docker.AllowInsecureCapabilities {
			s.failBatch(batch.ID,
				"batch requires a FUSE mount but insecure capabilities are disabled",
				types.BatchRegistered, true)
			continue
		}

		limit := experiment.ConcurrencyLimit()
		count, ok := activeCounts[experiment.ID]
		if !ok {
			count, err = s.store.CountActiveBatchesByExperiment(experiment.ID)
			if err != nil {
				s.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("could not count active batches")
				continue
			}
			activeCounts[experiment.ID] = count
		}
		if count >= limit {
			continue
		}

		ram := experiment.Container.Settings.RAM
		gpus := experiment.Container.Settings.GPUs

		anyPossible := false
		var candidates []*nodeSnapshot
		candidateGPUs := map[string][]int{}
		for _, node := range snapshots {
			if node.possiblySufficient(ram, gpus) {
				anyPossible = true
			}
			if matched, ok := node.sufficient(ram, gpus); ok {
				candidates = append(candidates, node)
				candidateGPUs[node.name] = matched
			}
		}
		if !anyPossible {
			s.failBatch(batch.ID, "no node in the cluster can ever satisfy the batch's resource demands",
				types.BatchRegistered, true)
			continue
		}
		if len(candidates) == 0 {
			continue
		}

		target := bestNode(candidates)
		usedGPUs := candidateGPUs[target.name]

		err = s.store.UpdateBatch(batch.ID, types.BatchRegistered, func(b *types.Batch) {
			b.State = types.BatchScheduled
			b.Node = target.name
			b.UsedGPUs = usedGPUs
			b.Mount = mount
			b.Attempts++
			b.History = append(b.History, types.HistoryEntry{
				State: types.BatchScheduled,
				Time:  time.Now().UTC(),
				Node:  target.name,
			})
		})
		if err != nil {
			if !errors.Is(err, storage.ErrStaleState) {
				s.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("could not place batch")
			}
			continue
		}

		target.commit(ram, usedGPUs)
		activeCounts[experiment.ID]++
		placed[target.name] = append(placed[target.name], batch.ID)
		metrics.BatchesScheduled.Inc()
	}

	for name, p := range s.proxies {
		p.PutAction(proxy.ActionCleanUp)
		ids := placed[name]
		if len(ids) == 0 {
			continue
		}
		if !p.PutAction(proxy.ActionCheckForBatches) {
			for _, id := range ids {
				s.failBatch(id, "node went offline during scheduling", types.BatchScheduled, false)
			}
		}
	}
}

// buildSnapshot computes per-node free resources from the mirrors and the
// active batches assigned to them.
func (s *Scheduler) buildSnapshot(experiments map[string]*types.Experiment) (map[string]*nodeSnapshot, error) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, err
	}

	snapshots := make(map[string]*nodeSnapshot, len(nodes))
	for _, node := range nodes {
		snapshot := &nodeSnapshot{
			name:        node.Name,
			online:      node.State == types.NodeStateOnline,
			totalRAM:    node.RAM,
			presentGPUs: node.GPUs,
		}
		snapshot.ramAvailable = node.RAM
		snapshot.gpusAvailable = append([]types.GPU(nil), node.GPUs...)

		active, err := s.store.ListActiveBatchesByNode(node.Name)
		if err != nil {
			return nil, err
		}
		busy := map[int]bool{}
		for _, batch := range active {
			experiment, err := s.experiment(batch.ExperimentID, experiments)
			if err == nil {
				snapshot.ramAvailable -= experiment.Container.Settings.RAM
			}
			for _, id := range batch.UsedGPUs {
				busy[id] = true
			}
		}
		if len(busy) > 0 {
			remaining := snapshot.gpusAvailable[:0]
			for _, device := range snapshot.gpusAvailable {
				if !busy[device.ID] {
					remaining = append(remaining, device)
				}
			}
			snapshot.gpusAvailable = remaining
		}
		snapshot.numRunning = len(active)

		snapshots[node.Name] = snapshot
	}
	return snapshots, nil
}

func (s *Scheduler) experiment(id string, cache map[string]*types.Experiment) (*types.Experiment, error) {
	if experiment, ok := cache[id]; ok {
		return experiment, nil
	}
	experiment, err := s.store.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	cache[id] = experiment
	return experiment, nil
}

func (s *Scheduler) failBatch(batchID, debugInfo string, currentState types.BatchState, disableRetry bool) {
	metrics.BatchesFailed.Inc()
	if err := s.mgr.FailBatch(batchID, debugInfo, nil, currentState, disableRetry); err != nil {
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("could not record batch failure")
	}
}
