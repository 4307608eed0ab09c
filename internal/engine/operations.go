package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/rawblock/mixer-engine/internal/coinjoin"
	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/pool"
	"github.com/rawblock/mixer-engine/internal/ringsig"
	"github.com/rawblock/mixer-engine/internal/secretstore"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// executeDistribution pays out a single output transaction from pool
// liquidity. The operation's Metadata carries the plain-string encoding
// the scheduler persists alongside the operation: to_address and amount
// (decimal minor units) — the richer MixRequest/Chunk context a real
// distribution descends from is summarized into these two fields by
// whatever scheduled the operation (mixrequest's scheduleChunks when a
// plan commits, or executeCoinJoin after a round).
func (e *Engine) executeDistribution(ctx context.Context, op *models.ScheduledOperation) error {
	toAddress := op.Metadata["to_address"]
	amountStr := op.Metadata["amount"]
	if toAddress == "" || amountStr == "" {
		return engineerr.New(engineerr.Validation, "missing_distribution_metadata", "distribution operation is missing to_address or amount")
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return engineerr.Wrap(engineerr.Validation, "bad_amount", "distribution amount is not a valid integer", err)
	}

	sources, err := e.Pool.SelectDistributionSources(ctx, op.Currency, amount)
	if err != nil {
		return err
	}

	adapter, ok := e.Chain.Get(op.Currency)
	if !ok {
		return engineerr.New(engineerr.FatalInternal, "no_adapter", "no blockchain adapter wired for this currency")
	}

	// Pool liquidity is fungible within a currency; the first claimed
	// source stands in for "the account this payout draws from" since the
	// adapter boundary wants a single from-handle per send.
	fromHandle := sources[0].ID
	txHash, err := adapter.Send(ctx, fromHandle, toAddress, amount)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "send_failed", "failed to broadcast distribution payout", err)
	}

	out := &models.OutputTransaction{
		ID:                    op.ID,
		Amount:                amount,
		ToAddress:             toAddress,
		ScheduledAt:           op.ScheduledAt,
		Status:                models.OutputSent,
		Priority:              op.Priority,
		RequiredConfirmations: 1,
		TxHash:                txHash,
	}
	if op.MixID != nil {
		out.MixRequestID = *op.MixID
	}
	if err := e.Repository.CreateOutputTransaction(ctx, out); err != nil {
		return err
	}
	if op.MixID != nil {
		if err := e.MixRequests.OnChunkDelivered(ctx, *op.MixID); err != nil {
			return err
		}
	}
	log.WithField("operation_id", op.ID).WithField("tx_hash", txHash).Info("executed distribution")
	return nil
}

// consolidationBatchSize is how many of the oldest unused entries a single
// consolidation operation folds into one, keeping the pool from
// accumulating unboundedly many small entries over time.
const consolidationBatchSize = 10

// executeConsolidation merges the oldest unused entries for op.Currency
// into a single entry, reducing the pool's entry count without changing
// its total liquidity.
func (e *Engine) executeConsolidation(ctx context.Context, op *models.ScheduledOperation) error {
	candidates, err := e.Repository.ListAvailablePoolEntries(ctx, op.Currency)
	if err != nil {
		return err
	}
	if len(candidates) < 2 {
		return nil // nothing to consolidate
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].AddedAt.Before(candidates[j].AddedAt) })
	if len(candidates) > consolidationBatchSize {
		candidates = candidates[:consolidationBatchSize]
	}

	var total int64
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		total += c.Amount
		ids[i] = c.ID
	}

	plan := pool.RebalancePlan{
		ID:       op.ID,
		Currency: op.Currency,
		Consume:  ids,
		Produce: []*models.PoolEntry{
			{
				ID:       op.ID + "-consolidated",
				Currency: op.Currency,
				Amount:   total,
				AddedAt:  op.ScheduledAt,
				Priority: candidates[0].Priority,
				PoolType: candidates[0].PoolType,
			},
		},
	}
	if err := e.Pool.ExecuteRebalancing(ctx, plan); err != nil {
		return err
	}
	log.WithField("operation_id", op.ID).WithField("merged", len(ids)).Info("executed consolidation")
	return nil
}

// executeRebalancing carries out a plan an off-critical-path optimizer
// already produced and serialized into the operation's metadata, per
// §4.5 ("execute_rebalancing(plan) carries out a ... plan object produced
// by the optimizer"). The engine itself never invents the plan — only
// consolidation (a fixed, non-optimized merge policy) is computed here.
func (e *Engine) executeRebalancing(ctx context.Context, op *models.ScheduledOperation) error {
	encoded := op.Metadata["plan"]
	if encoded == "" {
		return engineerr.New(engineerr.Validation, "missing_plan", "rebalancing operation has no plan in its metadata")
	}
	var plan pool.RebalancePlan
	if err := json.Unmarshal([]byte(encoded), &plan); err != nil {
		return engineerr.Wrap(engineerr.Validation, "bad_plan", "failed to decode rebalancing plan", err)
	}
	if err := e.Pool.ExecuteRebalancing(ctx, plan); err != nil {
		return err
	}
	log.WithField("operation_id", op.ID).WithField("plan_id", plan.ID).Info("executed rebalancing")
	return nil
}

// executeCleanup sweeps MixRequests that outlived their expires_at while
// still pending a deposit, transitioning them to expired per §4.1's
// "→ expired (on expiry timer)" edge.
func (e *Engine) executeCleanup(ctx context.Context, op *models.ScheduledOperation) error {
	n, err := e.MixRequests.ExpireStale(ctx)
	if err != nil {
		return err
	}
	log.WithField("operation_id", op.ID).WithField("expired", n).Info("executed cleanup sweep")
	return nil
}

// coinjoinParticipant tracks one synthetic round member between
// executeCoinJoin's registration, output, and signing passes.
type coinjoinParticipant struct {
	handle secretstore.Handle
	id     models.ParticipantID
}

// executeCoinJoin drives one full CoinJoin round (registration through
// broadcast) to completion synchronously, standing in for the independent,
// time-separated participants spec §4.2 otherwise assumes. A single-engine
// deployment supplies its own liquidity as the round's co-participants —
// the same way a custodial mixer pads a round rather than waiting for
// unrelated users to coincide — rather than leaving the chunk to wait on a
// coincidence that may never arrive; see DESIGN.md's Open Questions. The
// operation's metadata carries the same to_address/amount pair
// executeDistribution reads, plus chunk_index for tracing.
func (e *Engine) executeCoinJoin(ctx context.Context, op *models.ScheduledOperation) error {
	toAddress := op.Metadata["to_address"]
	amountStr := op.Metadata["amount"]
	if toAddress == "" || amountStr == "" {
		return engineerr.New(engineerr.Validation, "missing_coinjoin_metadata", "coinjoin operation is missing to_address or amount")
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		return engineerr.Wrap(engineerr.Validation, "bad_amount", "coinjoin amount is not a valid integer", err)
	}

	_, coordPub, err := e.Secrets.GenerateKey()
	if err != nil {
		return err
	}
	session, err := e.CoinJoin.CreateSession(op.Currency, amount, coordPub.Bytes())
	if err != nil {
		return err
	}

	participants := make([]coinjoinParticipant, 0, session.MinParticipants)
	required := session.Denomination + session.Fees.Coordinator + session.Fees.Network
	for i := 0; i < session.MinParticipants; i++ {
		handle, pub, err := e.Secrets.GenerateKey()
		if err != nil {
			return err
		}
		challenge := make([]byte, 32)
		if _, err := rand.Read(challenge); err != nil {
			return engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw proof-of-funds challenge", err)
		}
		proofSig, err := ringsig.SignSchnorr(e.Secrets, handle, challenge)
		if err != nil {
			return err
		}
		keyImage, err := e.Secrets.ComputeKeyImage(handle)
		if err != nil {
			return err
		}
		inputs := []models.RingKeyMetadata{{
			Amount:      required,
			TxHash:      op.ID + "-in-" + strconv.Itoa(i),
			OutputIndex: 0,
			KeyImage:    keyImage.Bytes(),
		}}
		pid, err := e.CoinJoin.RegisterParticipant(ctx, session.ID, inputs, pub.Bytes(), challenge, proofSig)
		if err != nil {
			return err
		}
		participants = append(participants, coinjoinParticipant{handle: handle, id: pid})
	}

	for _, p := range participants {
		if err := e.registerCoinJoinOutput(session.ID, session.Denomination, p); err != nil {
			return err
		}
	}

	live, ok := e.CoinJoin.Session(session.ID)
	if !ok {
		return engineerr.New(engineerr.FatalInternal, "session_vanished", "coinjoin session disappeared mid-round")
	}
	message := coinjoin.TransactionMessage(&live)
	for _, p := range participants {
		sig, err := ringsig.SignSchnorr(e.Secrets, p.handle, message)
		if err != nil {
			return err
		}
		if err := e.CoinJoin.SignTransaction(ctx, session.ID, p.id, [][]byte{sig}); err != nil {
			return err
		}
	}

	final, ok := e.CoinJoin.Session(session.ID)
	if !ok || final.Phase != models.PhaseBroadcasting {
		return engineerr.New(engineerr.FatalInternal, "round_not_broadcasting", "coinjoin round failed to reach the broadcasting phase")
	}

	adapter, ok := e.Chain.Get(op.Currency)
	if !ok {
		return engineerr.New(engineerr.FatalInternal, "no_adapter", "no blockchain adapter wired for this currency")
	}
	rawTx, err := json.Marshal(final.Transaction)
	if err != nil {
		return engineerr.Wrap(engineerr.FatalInternal, "encode_failed", "failed to encode coinjoin transaction", err)
	}
	txHash, err := adapter.Broadcast(ctx, rawTx)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "broadcast_failed", "failed to broadcast coinjoin transaction", err)
	}
	if err := e.CoinJoin.MarkBroadcast(session.ID); err != nil {
		return err
	}
	completed, _ := e.CoinJoin.Session(session.ID)
	if err := e.Repository.SaveCoinJoinSession(ctx, &completed); err != nil {
		return err
	}

	entry := &models.PoolEntry{
		ID:       op.ID + "-coinjoin",
		Currency: op.Currency,
		Amount:   session.Denomination,
		AddedAt:  time.Now(),
		Priority: op.Priority,
		PoolType: models.PoolStandard,
	}
	if op.MixID != nil {
		entry.SourceMixRequestID = *op.MixID
	}
	if err := e.Pool.AddEntry(ctx, entry); err != nil {
		return err
	}

	if _, err := e.Scheduler.Schedule(ctx, models.OpDistribution, op.Currency, op.MixID, time.Now(), op.Priority, map[string]string{
		"to_address":  toAddress,
		"amount":      amountStr,
		"chunk_index": op.Metadata["chunk_index"],
	}); err != nil {
		return err
	}

	log.WithField("operation_id", op.ID).WithField("session_id", session.ID).WithField("tx_hash", txHash).Info("executed coinjoin round")
	return nil
}

// registerCoinJoinOutput derives a fresh stealth one-time address and
// confidential commitment for p's share of the round, then registers it.
func (e *Engine) registerCoinJoinOutput(sessionID string, denomination int64, p coinjoinParticipant) error {
	blinding, err := curve.RandomScalar()
	if err != nil {
		return err
	}
	proof, err := ringsig.ProveRange(denomination, blinding)
	if err != nil {
		return err
	}
	spendPub, err := e.Secrets.PublicKey(p.handle)
	if err != nil {
		return err
	}
	_, viewPub, err := e.Secrets.GenerateKey()
	if err != nil {
		return err
	}
	stealth, err := ringsig.DeriveStealthOutput(spendPub, viewPub)
	if err != nil {
		return err
	}
	blindedBytes, err := json.Marshal(stealth)
	if err != nil {
		return engineerr.Wrap(engineerr.FatalInternal, "encode_failed", "failed to encode stealth output", err)
	}
	return e.CoinJoin.RegisterOutputs(sessionID, p.id, []models.BlindedOutput{{
		Commitment: ringsig.Commit(denomination, blinding),
		Proof:      *proof,
		Blinded:    blindedBytes,
	}})
}
