package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// MemoryRepository is a process-local Repository backed by mutex-guarded
// maps, generalizing the teacher's map[string]*Investigation protection
// pattern (internal/heuristics/investigation.go) to every entity in §3.
// It is the repository used by unit tests and by single-process demos.
type MemoryRepository struct {
	mu sync.RWMutex

	mixRequests map[models.MixRequestID]*models.MixRequest
	deposits    map[string]*models.DepositAddressRecord
	sessions    map[string]*models.CoinJoinSession
	keyImages   map[string]struct{} // key: currency + ":" + hex(keyImage)
	pool        map[string]*models.PoolEntry
	ops         map[string]*models.ScheduledOperation
	outputs     map[string]*models.OutputTransaction
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		mixRequests: make(map[models.MixRequestID]*models.MixRequest),
		deposits:    make(map[string]*models.DepositAddressRecord),
		sessions:    make(map[string]*models.CoinJoinSession),
		keyImages:   make(map[string]struct{}),
		pool:        make(map[string]*models.PoolEntry),
		ops:         make(map[string]*models.ScheduledOperation),
		outputs:     make(map[string]*models.OutputTransaction),
	}
}

func (m *MemoryRepository) CreateMixRequest(_ context.Context, r *models.MixRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.mixRequests[r.ID]; exists {
		return engineerr.New(engineerr.Validation, "duplicate_mix_request", "mix request id already exists")
	}
	for _, existing := range m.mixRequests {
		if existing.SessionID == r.SessionID {
			return engineerr.New(engineerr.Validation, "duplicate_mix_request", "mix request session id already exists")
		}
	}
	cp := *r
	m.mixRequests[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetMixRequest(_ context.Context, id models.MixRequestID) (*models.MixRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.mixRequests[id]
	if !ok {
		return nil, engineerr.New(engineerr.Validation, "not_found", "mix request not found")
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) UpdateMixRequestStatus(_ context.Context, id models.MixRequestID, status models.MixRequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.mixRequests[id]
	if !ok {
		return engineerr.New(engineerr.Validation, "not_found", "mix request not found")
	}
	r.Status = status
	if status == models.StatusCompleted {
		now := time.Now()
		r.CompletedAt = &now
	}
	return nil
}

func (m *MemoryRepository) UpdateMixRequestPlan(_ context.Context, id models.MixRequestID, plan *models.MixPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.mixRequests[id]
	if !ok {
		return engineerr.New(engineerr.Validation, "not_found", "mix request not found")
	}
	r.Plan = plan
	return nil
}

func (m *MemoryRepository) ListExpiredPending(_ context.Context, now time.Time) ([]*models.MixRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.MixRequest
	for _, r := range m.mixRequests {
		if r.Status == models.StatusPendingDeposit && now.After(r.ExpiresAt) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) CreateDepositAddress(_ context.Context, rec *models.DepositAddressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deposits[rec.Address]; exists {
		return engineerr.New(engineerr.Validation, "duplicate_deposit_address", "deposit address already registered")
	}
	cp := *rec
	m.deposits[rec.Address] = &cp
	return nil
}

func (m *MemoryRepository) GetDepositAddress(_ context.Context, address string) (*models.DepositAddressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deposits[address]
	if !ok {
		return nil, engineerr.New(engineerr.Validation, "not_found", "deposit address not found")
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRepository) MarkDepositAddressUsed(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deposits[address]
	if !ok {
		return engineerr.New(engineerr.Validation, "not_found", "deposit address not found")
	}
	rec.Used = true
	return nil
}

func (m *MemoryRepository) SaveCoinJoinSession(_ context.Context, s *models.CoinJoinSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetCoinJoinSession(_ context.Context, id string) (*models.CoinJoinSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, engineerr.New(engineerr.Validation, "not_found", "coinjoin session not found")
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ListActiveCoinJoinSessions(_ context.Context, currency models.Currency) ([]*models.CoinJoinSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CoinJoinSession
	for _, s := range m.sessions {
		if s.Currency == currency && s.Phase != models.PhaseCompleted && s.Phase != models.PhaseFailed {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// RegisterKeyImage is the linearizable insert spec §5 requires: the lock
// held across the existence-check and insert is what makes this safe
// under concurrent callers, standing in for the persisted unique
// constraint the Postgres implementation relies on: its (currency,
// key_image) primary key rejects the second INSERT, and that unique
// violation is returned as ErrDoubleSpend.
func (m *MemoryRepository) RegisterKeyImage(_ context.Context, currency models.Currency, keyImage []byte) error {
	key := keyImageKey(currency, keyImage)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keyImages[key]; exists {
		return engineerr.ErrDoubleSpend
	}
	m.keyImages[key] = struct{}{}
	return nil
}

func keyImageKey(currency models.Currency, keyImage []byte) string {
	return fmt.Sprintf("%s:%x", currency, keyImage)
}

// KeyImageExists reports registration status without mutating the set.
func (m *MemoryRepository) KeyImageExists(_ context.Context, currency models.Currency, keyImage []byte) (bool, error) {
	key := keyImageKey(currency, keyImage)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.keyImages[key]
	return exists, nil
}

func (m *MemoryRepository) AddPoolEntry(_ context.Context, e *models.PoolEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.pool[e.ID] = &cp
	return nil
}

func (m *MemoryRepository) ListAvailablePoolEntries(_ context.Context, currency models.Currency) ([]*models.PoolEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PoolEntry
	for _, e := range m.pool {
		if e.Currency == currency && !e.Used {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

func (m *MemoryRepository) MarkPoolEntryUsed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[id]
	if !ok {
		return engineerr.New(engineerr.Validation, "not_found", "pool entry not found")
	}
	if e.Used {
		return engineerr.New(engineerr.BusinessRule, "already_used", "pool entry already used")
	}
	e.Used = true
	return nil
}

func (m *MemoryRepository) CreateOperation(_ context.Context, op *models.ScheduledOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateOperation(_ context.Context, op *models.ScheduledOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; !ok {
		return engineerr.New(engineerr.Validation, "not_found", "operation not found")
	}
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryRepository) ListDueOperations(_ context.Context, now time.Time, limit int) ([]*models.ScheduledOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ScheduledOperation
	for _, op := range m.ops {
		if (op.Status == models.OpScheduled || op.Status == models.OpRetryPending) && !now.Before(op.ScheduledAt) {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListActiveOperations(_ context.Context) ([]*models.ScheduledOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ScheduledOperation
	for _, op := range m.ops {
		switch op.Status {
		case models.OpScheduled, models.OpQueued, models.OpExecuting, models.OpRetryPending:
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CreateOutputTransaction(_ context.Context, tx *models.OutputTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.TxHash != "" {
		for _, existing := range m.outputs {
			if existing.TxHash == tx.TxHash {
				return engineerr.New(engineerr.Validation, "duplicate_output_transaction", "output transaction tx_hash already exists")
			}
		}
	}
	cp := *tx
	m.outputs[tx.ID] = &cp
	return nil
}

func (m *MemoryRepository) UpdateOutputTransactionStatus(_ context.Context, id string, status models.OutputTransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.outputs[id]
	if !ok {
		return engineerr.New(engineerr.Validation, "not_found", "output transaction not found")
	}
	tx.Status = status
	return nil
}

func (m *MemoryRepository) ListOutputTransactionsByMixID(_ context.Context, id models.MixRequestID) ([]*models.OutputTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.OutputTransaction
	for _, tx := range m.outputs {
		if tx.MixRequestID == id {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)
