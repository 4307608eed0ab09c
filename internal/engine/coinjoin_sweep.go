package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rawblock/mixer-engine/pkg/models"
)

// coinJoinSweepInterval is how often active CoinJoin sessions are checked
// against their per-phase timeouts (§4.2). It runs independently of the
// scheduler's own cron tasks since it watches in-memory session state
// internal/coinjoin.Manager holds, not scheduled operations.
const coinJoinSweepInterval = 15 * time.Second

// runCoinJoinTimeoutSweep ticks until ctx is cancelled, sweeping CoinJoin
// session timeouts on each tick.
func (e *Engine) runCoinJoinTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(coinJoinSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepCoinJoinTimeouts(ctx)
		}
	}
}

// sweepCoinJoinTimeouts applies one round of internal/coinjoin's timeout
// enforcement, persists the affected sessions, and re-attempts the
// on-chain broadcast for any session SweepTimeouts granted a retry.
func (e *Engine) sweepCoinJoinTimeouts(ctx context.Context) {
	actions := e.CoinJoin.SweepTimeouts(time.Now())
	for _, a := range actions {
		session, ok := e.CoinJoin.Session(a.SessionID)
		if !ok {
			continue
		}
		if err := e.Repository.SaveCoinJoinSession(ctx, &session); err != nil {
			log.WithField("session_id", a.SessionID).WithField("error", err.Error()).Warn("failed to persist coinjoin session after timeout sweep")
			continue
		}
		if a.Outcome == "broadcast_retry" {
			e.retryCoinJoinBroadcast(ctx, &session)
		}
		log.WithField("session_id", a.SessionID).WithField("phase", string(a.Phase)).WithField("outcome", a.Outcome).Info("coinjoin timeout sweep action")
	}
}

// retryCoinJoinBroadcast re-sends session's already-assembled transaction,
// marking the session completed on success. A failed retry leaves the
// session in broadcasting for the next sweep tick to either retry again or,
// once MaxFailedAttempts is exhausted, fail outright.
func (e *Engine) retryCoinJoinBroadcast(ctx context.Context, session *models.CoinJoinSession) {
	if session.Transaction == nil {
		return
	}
	adapter, ok := e.Chain.Get(session.Currency)
	if !ok {
		return
	}
	rawTx, err := json.Marshal(session.Transaction)
	if err != nil {
		return
	}
	if _, err := adapter.Broadcast(ctx, rawTx); err != nil {
		log.WithField("session_id", session.ID).WithField("error", err.Error()).Warn("coinjoin broadcast retry failed")
		return
	}
	if err := e.CoinJoin.MarkBroadcast(session.ID); err != nil {
		log.WithField("session_id", session.ID).WithField("error", err.Error()).Warn("failed to mark coinjoin session broadcast after retry")
	}
}
