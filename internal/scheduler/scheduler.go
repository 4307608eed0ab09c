// Package scheduler drives every deferred operation (distributions,
// consolidations, CoinJoin rounds, rebalances, cleanup) through the single
// cooperative queue spec §4.4 describes: persistence-before-memory state
// transitions, priority+scheduled_at dispatch ordering, per-kind
// concurrency caps, exponential backoff retry, and four cron-driven
// periodic tasks.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/events"
	"github.com/rawblock/mixer-engine/internal/obslog"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var log = obslog.For("scheduler")

// perKindCap is the §4.4 "per-kind cap" table: distribution <= 20 in
// flight, coinjoin <= 15, consolidation <= 10, rebalancing <= 5. Cleanup
// has no stated cap; it is given a generous one since it only cancels
// stale rows rather than driving I/O.
var perKindCap = map[models.OperationKind]int{
	models.OpDistribution:  20,
	models.OpCoinJoin:      15,
	models.OpConsolidation: 10,
	models.OpRebalancing:   5,
	models.OpCleanup:       50,
}

// Executor runs one scheduled operation to completion or failure. The
// scheduler itself has no notion of what a distribution, consolidation,
// coinjoin round, or rebalance actually does — internal/engine wires a
// concrete Executor per kind.
type Executor interface {
	Execute(ctx context.Context, op *models.ScheduledOperation) error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, op *models.ScheduledOperation) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, op *models.ScheduledOperation) error { return f(ctx, op) }

// Scheduler owns the operation queue: create/cancel, the dispatch loop,
// and the four periodic cron tasks of §4.4.
type Scheduler struct {
	repo      repository.Repository
	hub       *events.Hub
	cfg       config.SchedulerConfig
	executors map[models.OperationKind]Executor

	mu          sync.Mutex
	inFlight    map[models.OperationKind]int
	globalCount int
	queue       []*models.ScheduledOperation // in-memory mirror of status=queued rows, dispatch-ordered

	cron *cron.Cron
}

// New returns a Scheduler backed by repo, with no executors registered yet.
// Call RegisterExecutor for each models.OperationKind before Start.
func New(repo repository.Repository, hub *events.Hub, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		repo:      repo,
		hub:       hub,
		cfg:       cfg,
		executors: make(map[models.OperationKind]Executor),
		inFlight:  make(map[models.OperationKind]int),
		cron:      cron.New(),
	}
}

// RegisterExecutor wires the Executor that runs operations of kind.
func (s *Scheduler) RegisterExecutor(kind models.OperationKind, ex Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[kind] = ex
}

// Schedule persists a new operation in the scheduled state and returns it.
// Non-coinjoin kinds receive up to 60s of uniform jitter on ScheduledAt to
// blur timing correlations across the engine's operations; coinjoin rounds
// are never jittered since coordination requires precision (§4.4).
func (s *Scheduler) Schedule(ctx context.Context, kind models.OperationKind, currency models.Currency, mixID *models.MixRequestID, at time.Time, priority int, metadata map[string]string) (*models.ScheduledOperation, error) {
	if kind != models.OpCoinJoin {
		at = at.Add(jitter(60 * time.Second))
	}
	now := time.Now()
	op := &models.ScheduledOperation{
		ID:          uuid.NewString(),
		Kind:        kind,
		MixID:       mixID,
		Currency:    currency,
		ScheduledAt: at,
		Status:      models.OpScheduled,
		Priority:    priority,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateOperation(ctx, op); err != nil {
		return nil, err
	}
	s.publish(op)
	return op, nil
}

func jitter(max time.Duration) time.Duration {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	v := binary.BigEndian.Uint32(buf[:])
	return time.Duration(v%uint32(max.Nanoseconds())) * time.Nanosecond
}

// Cancel transitions op to cancelled. Only allowed while the operation has
// not yet started executing, per §4.4.
func (s *Scheduler) Cancel(ctx context.Context, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.repo.ListActiveOperations(ctx)
	if err != nil {
		return err
	}
	var target *models.ScheduledOperation
	for _, op := range ops {
		if op.ID == opID {
			target = op
			break
		}
	}
	if target == nil {
		return engineerr.New(engineerr.Validation, "unknown_operation", "no such scheduled operation")
	}
	switch target.Status {
	case models.OpScheduled, models.OpQueued, models.OpRetryPending:
	default:
		return engineerr.New(engineerr.BusinessRule, "not_cancellable", "operation is executing or already terminal")
	}
	target.Status = models.OpCancelled
	target.UpdatedAt = time.Now()
	if err := s.repo.UpdateOperation(ctx, target); err != nil {
		return err
	}
	s.removeFromQueue(opID)
	s.publish(target)
	return nil
}

// Start arms the four periodic tasks and begins the scan/pump loop. It
// also rehydrates in-flight-eligible operations from the repository, per
// §4.4's startup contract.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.rehydrate(ctx); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc("@every 30s", func() { s.scan(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 5s", func() { s.pump(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@hourly", func() { s.cleanup(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 5m", func() { s.statsSnapshot(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and returns cron's context, which is done once
// any in-flight task invocation has finished its current tick; Stop itself
// does not wait.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// rehydrate reloads operations whose status is scheduled/queued/retry_pending
// and whose scheduled_at is within operation_ttl, re-arming the in-memory
// queue mirror exactly as §4.4 requires on process restart.
func (s *Scheduler) rehydrate(ctx context.Context) error {
	ops, err := s.repo.ListActiveOperations(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.cfg.OperationTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.ScheduledAt.Before(cutoff) {
			continue
		}
		switch op.Status {
		case models.OpScheduled, models.OpQueued, models.OpRetryPending:
			s.queue = append(s.queue, op)
		case models.OpExecuting:
			// a process crash mid-execution leaves no record of partial
			// work; re-arm as retry_pending so the next pump re-attempts it.
			op.Status = models.OpRetryPending
			if err := s.repo.UpdateOperation(ctx, op); err == nil {
				s.queue = append(s.queue, op)
			}
		}
	}
	log.WithField("rehydrated", len(s.queue)).Info("scheduler rehydrated operations from repository")
	return nil
}

// scan moves ready scheduled operations into the queued state. It runs
// every 30s per §4.4.
func (s *Scheduler) scan(ctx context.Context) {
	due, err := s.repo.ListDueOperations(ctx, time.Now(), 500)
	if err != nil {
		log.WithError(err).Error("scan: failed to list due operations")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range due {
		if op.Status != models.OpScheduled && op.Status != models.OpRetryPending {
			continue
		}
		op.Status = models.OpQueued
		op.UpdatedAt = time.Now()
		if err := s.repo.UpdateOperation(ctx, op); err != nil {
			log.WithError(err).WithField("operation_id", op.ID).Error("scan: failed to persist queued transition")
			continue
		}
		s.queue = append(s.queue, op)
		s.publish(op)
	}
}

// pump fills available execution slots, dispatching the highest-priority
// (then oldest scheduled_at) queued operations that fit within the global
// and per-kind concurrency caps. Runs every 5s per §4.4.
func (s *Scheduler) pump(ctx context.Context) {
	s.mu.Lock()
	sort.Slice(s.queue, func(i, j int) bool {
		if s.queue[i].Priority != s.queue[j].Priority {
			return s.queue[i].Priority < s.queue[j].Priority
		}
		return s.queue[i].ScheduledAt.Before(s.queue[j].ScheduledAt)
	})

	var toRun []*models.ScheduledOperation
	remaining := s.queue[:0]
	for _, op := range s.queue {
		if op.Status != models.OpQueued {
			continue // cancelled or otherwise no longer eligible
		}
		if s.globalCount >= s.cfg.MaxConcurrentOperations {
			remaining = append(remaining, op)
			continue
		}
		cap := perKindCap[op.Kind]
		if cap > 0 && s.inFlight[op.Kind] >= cap {
			remaining = append(remaining, op)
			continue
		}
		s.globalCount++
		s.inFlight[op.Kind]++
		toRun = append(toRun, op)
	}
	s.queue = remaining
	s.mu.Unlock()

	for _, op := range toRun {
		go s.execute(ctx, op)
	}
}

// execute runs one operation's Executor, persisting the executing state
// first (the persistence-before-memory contract), then applies the retry
// or terminal transition on completion.
func (s *Scheduler) execute(ctx context.Context, op *models.ScheduledOperation) {
	defer func() {
		s.mu.Lock()
		s.globalCount--
		s.inFlight[op.Kind]--
		s.mu.Unlock()
	}()

	op.Status = models.OpExecuting
	op.UpdatedAt = time.Now()
	if err := s.repo.UpdateOperation(ctx, op); err != nil {
		log.WithError(err).WithField("operation_id", op.ID).Error("execute: failed to persist executing state")
		return
	}
	s.publish(op)

	s.mu.Lock()
	ex := s.executors[op.Kind]
	s.mu.Unlock()
	if ex == nil {
		log.WithField("kind", op.Kind).Warn("execute: no executor registered for operation kind")
		s.fail(ctx, op, engineerr.New(engineerr.FatalInternal, "no_executor", "no executor registered for this operation kind"))
		return
	}

	err := ex.Execute(ctx, op)
	if err == nil {
		op.Status = models.OpCompleted
		op.UpdatedAt = time.Now()
		_ = s.repo.UpdateOperation(ctx, op)
		s.publish(op)
		return
	}

	var engErr *engineerr.Error
	retryable := errors.As(err, &engErr) && engErr.Kind.Retryable()
	if !retryable || op.RetryCount+1 >= s.cfg.MaxRetryAttempts {
		s.fail(ctx, op, err)
		return
	}

	op.RetryCount++
	delay := time.Duration(float64(s.cfg.MinDelay) * math.Pow(s.cfg.RetryBackoffMultiplier, float64(op.RetryCount-1)))
	op.ScheduledAt = time.Now().Add(delay)
	op.Status = models.OpRetryPending
	op.UpdatedAt = time.Now()
	if uErr := s.repo.UpdateOperation(ctx, op); uErr != nil {
		log.WithError(uErr).WithField("operation_id", op.ID).Error("execute: failed to persist retry_pending state")
		return
	}
	s.publish(op)
}

func (s *Scheduler) fail(ctx context.Context, op *models.ScheduledOperation, cause error) {
	op.Status = models.OpFailed
	op.UpdatedAt = time.Now()
	if op.Metadata == nil {
		op.Metadata = make(map[string]string)
	}
	op.Metadata["failure_reason"] = cause.Error()
	if err := s.repo.UpdateOperation(ctx, op); err != nil {
		log.WithError(err).WithField("operation_id", op.ID).Error("fail: failed to persist failed state")
		return
	}
	s.publish(op)
}

// cleanup cancels operations older than operation_ttl (default 7 days),
// run hourly per §4.4.
func (s *Scheduler) cleanup(ctx context.Context) {
	ops, err := s.repo.ListActiveOperations(ctx)
	if err != nil {
		log.WithError(err).Error("cleanup: failed to list active operations")
		return
	}
	cutoff := time.Now().Add(-s.cfg.OperationTTL)
	for _, op := range ops {
		if op.CreatedAt.After(cutoff) {
			continue
		}
		op.Status = models.OpCancelled
		op.UpdatedAt = time.Now()
		if err := s.repo.UpdateOperation(ctx, op); err != nil {
			log.WithError(err).WithField("operation_id", op.ID).Error("cleanup: failed to cancel stale operation")
			continue
		}
		s.removeFromQueue(op.ID)
		s.publish(op)
	}
}

// Stats exposes the same point-in-time rollup the periodic aggregator
// publishes, for a caller that wants it on demand rather than waiting for
// the next 5-minute tick.
func (s *Scheduler) Stats(ctx context.Context) models.StatsSnapshot {
	return s.statsSnapshot(ctx)
}

// statsSnapshot computes the §4.4 periodic stats-aggregator task's output.
// There is no dedicated stats table; the snapshot is derived on demand from
// ListActiveOperations and republished as a lifecycle event for observers
// (e.g. an operator dashboard subscribed to the hub).
func (s *Scheduler) statsSnapshot(ctx context.Context) models.StatsSnapshot {
	ops, err := s.repo.ListActiveOperations(ctx)
	if err != nil {
		log.WithError(err).Error("statsSnapshot: failed to list active operations")
		return models.StatsSnapshot{TakenAt: time.Now()}
	}
	snap := models.StatsSnapshot{
		TakenAt:       time.Now(),
		CountsByKind:  make(map[models.OperationKind]int),
		CountsByState: make(map[models.OperationStatus]int),
	}
	for _, op := range ops {
		snap.CountsByKind[op.Kind]++
		snap.CountsByState[op.Status]++
		snap.TotalRetries += op.RetryCount
	}
	if s.hub != nil {
		s.hub.Publish(events.LifecycleEvent{
			Type:      events.EventOperationStatusChanged,
			Subject:   "stats_snapshot",
			Detail:    "periodic aggregation",
			Timestamp: snap.TakenAt,
		})
	}
	return snap
}

func (s *Scheduler) removeFromQueue(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue[:0]
	for _, op := range s.queue {
		if op.ID != opID {
			out = append(out, op)
		}
	}
	s.queue = out
}

func (s *Scheduler) publish(op *models.ScheduledOperation) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.LifecycleEvent{
		Type:      events.EventOperationStatusChanged,
		Subject:   op.ID,
		Detail:    string(op.Status),
		Timestamp: op.UpdatedAt,
	})
}
