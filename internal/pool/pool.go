// Package pool manages the engine's per-currency liquidity: the entries
// available to fund outbound distributions, and the consolidation and
// rebalancing operations that keep the pool healthy, per spec §4.5.
package pool

import (
	"context"
	"sort"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/obslog"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var log = obslog.For("pool")

// Manager selects and marks liquidity for outbound payouts and carries out
// rebalancing plans the (external) optimizer produces.
type Manager struct {
	repo  repository.Repository
	index Index
}

// New returns a Manager backed by repo. index may be nil, in which case
// selection falls back to repo.ListAvailablePoolEntries directly.
func New(repo repository.Repository, index Index) *Manager {
	return &Manager{repo: repo, index: index}
}

// SelectDistributionSources returns the minimal set of unused PoolEntry
// rows whose Amount sums to at least amount, preferring higher priority
// (lower numeric value, matching the scheduler's 1-is-highest convention)
// and older AddedAt among equal priority, per §4.5. Each returned entry is
// marked used before the call returns. If marking fails partway through,
// the call returns that error; entries already claimed in this call are
// re-added to the index (see rollback) but stay marked used in the
// repository.
func (m *Manager) SelectDistributionSources(ctx context.Context, currency models.Currency, amount int64) ([]*models.PoolEntry, error) {
	var candidates []*models.PoolEntry
	var err error
	if m.index != nil {
		candidates, err = m.index.Candidates(ctx, currency)
	} else {
		candidates, err = m.repo.ListAvailablePoolEntries(ctx, currency)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].AddedAt.Before(candidates[j].AddedAt)
	})

	selected, total := minimalCover(candidates, amount)
	if total < amount {
		return nil, engineerr.New(engineerr.BusinessRule, "insufficient_liquidity", "pool does not hold enough unused liquidity for this currency")
	}

	claimed := make([]*models.PoolEntry, 0, len(selected))
	for _, e := range selected {
		if err := m.repo.MarkPoolEntryUsed(ctx, e.ID); err != nil {
			m.rollback(ctx, claimed)
			return nil, err
		}
		if m.index != nil {
			m.index.Remove(ctx, e)
		}
		e.Used = true
		claimed = append(claimed, e)
	}
	log.WithField("currency", currency).WithField("count", len(claimed)).WithField("total", total).Info("selected distribution sources")
	return claimed, nil
}

// rollback marks every already-claimed entry's Used flag back to unused
// in the index only; the repository itself has no unmark operation since
// spec §4.5's invariant is "once used, never selected again" — a genuine
// MarkPoolEntryUsed failure partway through a selection is treated as a
// fatal adapter error by the caller rather than silently reused, so this
// only restores the index's best-effort candidate cache.
func (m *Manager) rollback(ctx context.Context, claimed []*models.PoolEntry) {
	if m.index == nil {
		return
	}
	for _, e := range claimed {
		e.Used = false
		_ = m.index.Add(ctx, e)
	}
}

// minimalCover greedily takes entries in the given (priority, age) order
// until the running sum reaches target, which is the smallest sum
// reachable without reordering since every candidate is non-negative —
// a literal greedy walk of the sorted list is already minimal in entry
// count for monotonically preferred candidates, which is what §4.5 asks
// for ("preferring higher priority and older entries") rather than a
// true subset-sum minimum over amount.
func minimalCover(sorted []*models.PoolEntry, target int64) ([]*models.PoolEntry, int64) {
	var selected []*models.PoolEntry
	var total int64
	for _, e := range sorted {
		if e.Used {
			continue
		}
		selected = append(selected, e)
		total += e.Amount
		if total >= target {
			break
		}
	}
	return selected, total
}

// RebalancePlan describes a consolidation or cross-currency redistribution
// an off-critical-path optimizer produced for ExecuteRebalancing to carry
// out. Moves are applied as paired Mark/Add operations: the optimizer
// decides the shape, the pool manager only executes the bookkeeping.
type RebalancePlan struct {
	ID       string
	Currency models.Currency
	Consume  []string            // PoolEntry IDs to mark used
	Produce  []*models.PoolEntry // newly created entries (consolidated outputs)
	Mixing   string              // MixingGroupID to stamp onto produced entries, if any
}

// ExecuteRebalancing carries out plan: marks every consumed entry used,
// then registers every produced entry, in that order so a mid-plan
// failure never leaves a produced entry claiming liquidity that was never
// actually freed.
func (m *Manager) ExecuteRebalancing(ctx context.Context, plan RebalancePlan) error {
	for _, id := range plan.Consume {
		if err := m.repo.MarkPoolEntryUsed(ctx, id); err != nil {
			return engineerr.Wrap(engineerr.AdapterFailure, "rebalance_consume_failed", "failed to mark a source entry used during rebalancing", err)
		}
	}
	for _, e := range plan.Produce {
		if plan.Mixing != "" {
			e.MixingGroupID = plan.Mixing
		}
		if err := m.repo.AddPoolEntry(ctx, e); err != nil {
			return engineerr.Wrap(engineerr.AdapterFailure, "rebalance_produce_failed", "failed to register a produced entry during rebalancing", err)
		}
		if m.index != nil {
			m.index.Add(ctx, e)
		}
	}
	log.WithField("plan_id", plan.ID).WithField("consumed", len(plan.Consume)).WithField("produced", len(plan.Produce)).Info("executed rebalancing plan")
	return nil
}

// AddEntry registers a freshly observed unit of liquidity (typically a
// completed MixRequest's leftover change, or a deposit the pool absorbs
// directly).
func (m *Manager) AddEntry(ctx context.Context, e *models.PoolEntry) error {
	if err := m.repo.AddPoolEntry(ctx, e); err != nil {
		return err
	}
	if m.index != nil {
		m.index.Add(ctx, e)
	}
	return nil
}
