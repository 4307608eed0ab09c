// Package engine is the single top-level composition root spec §2's data
// flow describes: crypto primitives feed the ring-sig and CoinJoin
// engines, which feed the scheduler, which feeds the mix-request
// lifecycle, which the external API surface drives. The process boundary
// holds exactly one Engine instance whose lifetime spans startup to
// shutdown.
package engine

import (
	"context"

	"github.com/rawblock/mixer-engine/internal/blockchain"
	"github.com/rawblock/mixer-engine/internal/coinjoin"
	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/events"
	"github.com/rawblock/mixer-engine/internal/mixrequest"
	"github.com/rawblock/mixer-engine/internal/obslog"
	"github.com/rawblock/mixer-engine/internal/pool"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/internal/ringsig"
	"github.com/rawblock/mixer-engine/internal/scheduler"
	"github.com/rawblock/mixer-engine/internal/secretstore"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var log = obslog.For("engine")

// Engine composes every subsystem spec §4 names into one object the
// entrypoint starts and stops as a unit.
type Engine struct {
	Config config.Config

	Repository repository.Repository
	Chain      *blockchain.Registry
	Hub        *events.Hub
	KeyImages  ringsig.KeyImageRegistry
	Secrets    secretstore.Store

	MixRequests *mixrequest.Manager
	CoinJoin    *coinjoin.Manager
	Pool        *pool.Manager
	Scheduler   *scheduler.Scheduler

	stopSweep context.CancelFunc
}

// New wires every subsystem from its already-constructed collaborators.
// Callers build the repository, chain registry, and key-image registry
// themselves (the choice of in-memory vs. Postgres/Redis is a deployment
// decision the engine itself is agnostic to), then hand them here. The
// secret store is always the in-memory reference implementation: real
// HSM-backed custody remains out of scope, per secretstore's own Store
// contract.
func New(cfg config.Config, repo repository.Repository, chain *blockchain.Registry, keyImages ringsig.KeyImageRegistry, poolIndex pool.Index) *Engine {
	hub := events.NewHub()
	sched := scheduler.New(repo, hub, cfg.Scheduler)

	e := &Engine{
		Config:      cfg,
		Repository:  repo,
		Chain:       chain,
		Hub:         hub,
		KeyImages:   keyImages,
		Secrets:     secretstore.NewMemoryStore(),
		MixRequests: mixrequest.New(repo, chain, hub, cfg.Scheduler, sched),
		CoinJoin:    coinjoin.NewManager(cfg.CoinJoin, hub, keyImages),
		Pool:        pool.New(repo, poolIndex),
		Scheduler:   sched,
	}

	e.Scheduler.RegisterExecutor(models.OpDistribution, scheduler.ExecutorFunc(e.executeDistribution))
	e.Scheduler.RegisterExecutor(models.OpConsolidation, scheduler.ExecutorFunc(e.executeConsolidation))
	e.Scheduler.RegisterExecutor(models.OpRebalancing, scheduler.ExecutorFunc(e.executeRebalancing))
	e.Scheduler.RegisterExecutor(models.OpCleanup, scheduler.ExecutorFunc(e.executeCleanup))
	e.Scheduler.RegisterExecutor(models.OpCoinJoin, scheduler.ExecutorFunc(e.executeCoinJoin))
	return e
}

// Start launches the lifecycle event hub's fan-out loop, then rehydrates
// the scheduler and arms its periodic tasks, then starts the coinjoin
// timeout sweep. The caller is responsible for stopping all three via Stop
// on shutdown.
func (e *Engine) Start(ctx context.Context) error {
	go e.Hub.Run()
	if err := e.Scheduler.Start(ctx); err != nil {
		return err
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	e.stopSweep = cancel
	go e.runCoinJoinTimeoutSweep(sweepCtx)
	log.Info("engine started")
	return nil
}

// Stop drains the scheduler's cron loop and closes the event hub. It
// blocks until any task invocation in progress finishes its current tick.
func (e *Engine) Stop() {
	if e.stopSweep != nil {
		e.stopSweep()
	}
	<-e.Scheduler.Stop().Done()
	e.Hub.Close()
	log.Info("engine stopped")
}
