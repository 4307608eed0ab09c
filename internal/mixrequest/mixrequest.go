// Package mixrequest drives a user's deposit-to-disbursement request
// through its lifecycle (spec §3/§4.1): address allocation, deposit
// detection, mixing-plan generation, and cancellation.
package mixrequest

import (
	"context"
	"crypto/rand"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rawblock/mixer-engine/internal/blockchain"
	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/currency"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/events"
	"github.com/rawblock/mixer-engine/internal/obslog"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/internal/scheduler"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var log = obslog.For("mixrequest")

// percentageTolerance is the ±0.01 slack spec §3 allows a request's
// output-allocation percentages to sum to around 100.
const percentageTolerance = 0.01

// CreateInput is the validated shape create_mix_request accepts.
type CreateInput struct {
	Currency        models.Currency
	InputAmount     int64
	OutputAddresses []models.OutputAllocation
	DelayWindow     time.Duration
	AnonymityLevel  models.AnonymityLevel
	MixingRounds    int
	FeePercentage   float64
}

// Manager owns the MixRequest lifecycle: creation, deposit observation,
// plan generation, and cancellation.
type Manager struct {
	repo  repository.Repository
	chain *blockchain.Registry
	hub   *events.Hub
	cfg   config.SchedulerConfig
	sched *scheduler.Scheduler

	mu              sync.Mutex
	seenTx          map[string]bool             // observed tx_hash values, for on_deposit_observed idempotency
	chunksDelivered map[models.MixRequestID]int // per-request count of chunks whose payout has landed
}

// New returns a Manager. sched is the scheduler a committed mixing plan's
// chunks are handed to; it is nil-safe so unit tests that only exercise
// creation/cancellation need not construct one.
func New(repo repository.Repository, chain *blockchain.Registry, hub *events.Hub, cfg config.SchedulerConfig, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		repo:            repo,
		chain:           chain,
		hub:             hub,
		cfg:             cfg,
		sched:           sched,
		seenTx:          make(map[string]bool),
		chunksDelivered: make(map[models.MixRequestID]int),
	}
}

// CreateMixRequest validates input, allocates a one-time deposit address
// via the currency's blockchain adapter, and persists a new MixRequest in
// pending_deposit, per §4.1.
func (m *Manager) CreateMixRequest(ctx context.Context, in CreateInput) (*models.MixRequest, error) {
	if err := validateCreateInput(in); err != nil {
		return nil, err
	}

	adapter, ok := m.chain.Get(in.Currency)
	if !ok {
		return nil, engineerr.New(engineerr.Validation, "unsupported_currency", "no blockchain adapter wired for this currency")
	}

	address, keyHandle, err := adapter.NewDepositAddress(ctx)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "address_generation_failed", "failed to allocate a deposit address", err)
	}

	id, err := randomID()
	if err != nil {
		return nil, err
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req := &models.MixRequest{
		ID:              id,
		Currency:        in.Currency,
		InputAmount:     in.InputAmount,
		OutputAddresses: in.OutputAddresses,
		DelayWindow:     in.DelayWindow,
		AnonymityLevel:  in.AnonymityLevel,
		MixingRounds:    in.MixingRounds,
		FeePercentage:   in.FeePercentage,
		SessionID:       secret,
		DepositAddress:  address,
		Status:          models.StatusPendingDeposit,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.MaxDelay + 24*time.Hour),
	}
	if err := m.repo.CreateMixRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := m.repo.CreateDepositAddress(ctx, &models.DepositAddressRecord{
		Address:      address,
		KeyHandle:    keyHandle,
		Currency:     in.Currency,
		ExpiresAt:    req.ExpiresAt,
		MixRequestID: id,
	}); err != nil {
		return nil, err
	}

	m.publish(req, "created")
	log.WithField("mix_request_id", req.ID.String()).WithField("currency", req.Currency).Info("created mix request")
	return req, nil
}

func validateCreateInput(in CreateInput) error {
	if in.InputAmount < currency.MinimumMixAmount(in.Currency) {
		return engineerr.New(engineerr.Validation, "amount_too_small", "input amount is below the currency's minimum")
	}
	sum := 0.0
	for _, out := range in.OutputAddresses {
		if err := currency.ValidateAddress(in.Currency, out.Address); err != nil {
			return err
		}
		sum += out.Percentage
	}
	if math.Abs(sum-100.0) > percentageTolerance {
		return engineerr.New(engineerr.Validation, "percentage_mismatch", "output allocation percentages must sum to 100")
	}
	if in.DelayWindow < 0 {
		return engineerr.New(engineerr.Validation, "bad_delay_window", "delay window cannot be negative")
	}
	if in.MixingRounds < 1 || in.MixingRounds > 10 {
		return engineerr.New(engineerr.Validation, "bad_mixing_rounds", "mixing rounds must be within 1..10")
	}
	return nil
}

// OnDepositObserved advances a request's status in response to an
// observed on-chain payment, per §4.1. Idempotent under duplicate
// notification of the same tx_hash.
func (m *Manager) OnDepositObserved(ctx context.Context, address, txHash string, amount int64, confirmations int) error {
	m.mu.Lock()
	if m.seenTx[txHash] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	rec, err := m.repo.GetDepositAddress(ctx, address)
	if err != nil {
		return err
	}

	req, err := m.repo.GetMixRequest(ctx, rec.MixRequestID)
	if err != nil {
		return err
	}
	switch req.Status {
	case models.StatusPendingDeposit, models.StatusDepositReceived:
	default:
		// already past the deposit-observation window; a later or
		// duplicate notification for this request is a no-op.
		return nil
	}

	m.mu.Lock()
	m.seenTx[txHash] = true
	m.mu.Unlock()

	if req.Status == models.StatusPendingDeposit {
		if err := m.repo.UpdateMixRequestStatus(ctx, req.ID, models.StatusDepositReceived); err != nil {
			return err
		}
		req.Status = models.StatusDepositReceived
		if !rec.Used {
			if err := m.repo.MarkDepositAddressUsed(ctx, address); err != nil {
				return err
			}
		}
		m.publish(req, "deposit_received")
	}

	if confirmations >= currency.ConfirmationThreshold(req.Currency) {
		if err := m.repo.UpdateMixRequestStatus(ctx, req.ID, models.StatusProcessing); err != nil {
			return err
		}
		req.Status = models.StatusProcessing
		m.publish(req, "processing")

		plan, err := GeneratePlan(req)
		if err != nil {
			_ = m.repo.UpdateMixRequestStatus(ctx, req.ID, models.StatusFailed)
			return err
		}
		if err := m.repo.UpdateMixRequestPlan(ctx, req.ID, plan); err != nil {
			return err
		}
		if err := m.repo.UpdateMixRequestStatus(ctx, req.ID, models.StatusMixing); err != nil {
			return err
		}
		m.publish(req, "mixing")
		log.WithField("mix_request_id", req.ID.String()).WithField("chunks", len(plan.Chunks)).Info("committed mixing plan")

		if err := m.scheduleChunks(ctx, req, plan); err != nil {
			return err
		}
	}
	return nil
}

// scheduleChunks hands every chunk of a freshly committed plan to the
// scheduler, one operation each, per §4.1.2's "the mixing plan drives the
// scheduler" handoff. A currency with standard denominations routes its
// chunk through a CoinJoin round first (op_coinjoin); one without (no
// fixed-denomination table to round to) pays out directly (op_distribution).
// Either path eventually reaches executeDistribution, which is what
// advances the request to sending/completed as each chunk's payout lands.
func (m *Manager) scheduleChunks(ctx context.Context, req *models.MixRequest, plan *models.MixPlan) error {
	if m.sched == nil {
		return nil
	}
	kind := models.OpDistribution
	if len(currency.StandardDenominations(req.Currency)) > 0 {
		kind = models.OpCoinJoin
	}
	for i, chunk := range plan.Chunks {
		meta := map[string]string{
			"to_address":  chunk.Destination,
			"amount":      strconv.FormatInt(chunk.Amount, 10),
			"chunk_index": strconv.Itoa(i),
		}
		if _, err := m.sched.Schedule(ctx, kind, req.Currency, &req.ID, chunk.ScheduledAt, 0, meta); err != nil {
			return err
		}
	}
	return nil
}

// OnChunkDelivered records that one chunk of id's mixing plan has reached
// its final on-chain payout, transitioning the request to sending on its
// first delivered chunk and to completed once every chunk has landed, per
// §4.1's sending/completed edges. Delivery counts reset on process
// restart, the same in-memory-only tradeoff seenTx already makes for
// deposit-observation idempotency.
func (m *Manager) OnChunkDelivered(ctx context.Context, id models.MixRequestID) error {
	req, err := m.repo.GetMixRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Plan == nil || len(req.Plan.Chunks) == 0 {
		return nil
	}

	m.mu.Lock()
	m.chunksDelivered[id]++
	delivered := m.chunksDelivered[id]
	m.mu.Unlock()

	if req.Status == models.StatusMixing {
		if err := m.repo.UpdateMixRequestStatus(ctx, req.ID, models.StatusSending); err != nil {
			return err
		}
		req.Status = models.StatusSending
		m.publish(req, "sending")
	}

	if delivered >= len(req.Plan.Chunks) {
		if err := m.repo.UpdateMixRequestStatus(ctx, req.ID, models.StatusCompleted); err != nil {
			return err
		}
		req.Status = models.StatusCompleted
		m.publish(req, "completed")
		m.mu.Lock()
		delete(m.chunksDelivered, id)
		m.mu.Unlock()
		log.WithField("mix_request_id", req.ID.String()).Info("mix request completed")
	}
	return nil
}

// Cancel marks req as failed for reason, allowed only before the mixing
// plan has been committed (pending_deposit or deposit_received), per §4.1.
func (m *Manager) Cancel(ctx context.Context, id models.MixRequestID, reason string) error {
	req, err := m.repo.GetMixRequest(ctx, id)
	if err != nil {
		return err
	}
	switch req.Status {
	case models.StatusPendingDeposit, models.StatusDepositReceived:
	default:
		return engineerr.New(engineerr.BusinessRule, "not_cancellable", "mix request has already committed to a mixing plan")
	}
	if err := m.repo.UpdateMixRequestStatus(ctx, id, models.StatusFailed); err != nil {
		return err
	}
	req.Status = models.StatusFailed
	m.publish(req, "cancelled:"+reason)
	return nil
}

// ExpireStale transitions every MixRequest still pending a deposit past
// its ExpiresAt into expired, per §4.1's "→ expired (on expiry timer)"
// edge. It returns the number of requests expired.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	stale, err := m.repo.ListExpiredPending(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, req := range stale {
		if err := m.repo.UpdateMixRequestStatus(ctx, req.ID, models.StatusExpired); err != nil {
			return 0, err
		}
		req.Status = models.StatusExpired
		m.publish(req, "expired")
	}
	if len(stale) > 0 {
		log.WithField("count", len(stale)).Info("expired stale mix requests")
	}
	return len(stale), nil
}

func (m *Manager) publish(req *models.MixRequest, detail string) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.LifecycleEvent{
		Type:      events.EventMixRequestStatusChanged,
		Subject:   req.ID.String(),
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

func randomID() (models.MixRequestID, error) {
	var id models.MixRequestID
	if _, err := rand.Read(id[:]); err != nil {
		return id, engineerr.Wrap(engineerr.FatalInternal, "rng_failed", "failed to generate mix request id", err)
	}
	return id, nil
}

func randomSecret() (models.SessionSecret, error) {
	var s models.SessionSecret
	if _, err := rand.Read(s[:]); err != nil {
		return s, engineerr.Wrap(engineerr.FatalInternal, "rng_failed", "failed to generate session secret", err)
	}
	return s, nil
}
