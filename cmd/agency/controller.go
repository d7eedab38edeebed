package main

import (
	"context"
	"fmt"

	"github.com/curious-containers/agency/pkg/config"
	"github.com/curious-containers/agency/pkg/log"
	"github.com/curious-containers/agency/pkg/manager"
	"github.com/curious-containers/agency/pkg/metrics"
	"github.com/curious-containers/agency/pkg/proxy"
	"github.com/curious-containers/agency/pkg/scheduler"
	"github.com/curious-containers/agency/pkg/signal"
	"github.com/curious-containers/agency/pkg/storage"
	"github.com/curious-containers/agency/pkg/tokens"
	"github.com/curious-containers/agency/pkg/trustee"
)

// runController wires the controller process together and blocks until the
// context is cancelled.
func runController(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("controller")

	store, err := storage.NewBoltStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	// Node mirrors never survive a restart; each proxy reinserts its own.
	if err := store.ResetNodes(); err != nil {
		return fmt.Errorf("reset node mirrors: %w", err)
	}

	mgr := manager.New(store)
	trusteeClient := trustee.NewClient(cfg.Trustee.BindSocketPath)
	defer trusteeClient.Close()
	issuer := tokens.NewIssuer(store)

	proxies := make(map[string]*proxy.Proxy, len(cfg.Controller.Docker.Nodes))
	for name, nodeConf := range cfg.Controller.Docker.Nodes {
		p := proxy.New(name, nodeConf, cfg, store, mgr, trusteeClient, issuer)
		if err := p.Start(ctx); err != nil {
			return err
		}
		proxies[name] = p
	}

	sched := scheduler.New(cfg, store, mgr, trusteeClient, proxies)

	listener := signal.NewListener(cfg.Controller.BindSocketPath, sched.SchedulingSignal())
	go func() {
		if err := listener.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("signal listener failed")
		}
	}()

	collector := metrics.NewCollector(store)
	go collector.Run(ctx)
	go func() {
		if err := metrics.Serve(ctx, cfg.Controller.MetricsAddr); err != nil {
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	logger.Info().Int("nodes", len(proxies)).Msg("controller started")
	return sched.Run(ctx)
}
