// Package repository is the persistence boundary spec §3/§4 assumes:
// every entity the engine mutates is durable before the in-memory state
// machine advances (the scheduler's persistence-before-memory contract),
// and uniqueness constraints (session_id, deposit_address, tx_hash, and
// the (currency, key_image) pair that prevents double-spend-by-replay)
// are enforced at this layer, not re-derived ad hoc by callers.
package repository

import (
	"context"
	"time"

	"github.com/rawblock/mixer-engine/pkg/models"
)

// Repository is the full persistence contract the engine depends on.
// MemoryRepository and PostgresRepository both satisfy it.
type Repository interface {
	CreateMixRequest(ctx context.Context, r *models.MixRequest) error
	GetMixRequest(ctx context.Context, id models.MixRequestID) (*models.MixRequest, error)
	UpdateMixRequestStatus(ctx context.Context, id models.MixRequestID, status models.MixRequestStatus) error
	UpdateMixRequestPlan(ctx context.Context, id models.MixRequestID, plan *models.MixPlan) error
	ListExpiredPending(ctx context.Context, now time.Time) ([]*models.MixRequest, error)

	CreateDepositAddress(ctx context.Context, rec *models.DepositAddressRecord) error
	GetDepositAddress(ctx context.Context, address string) (*models.DepositAddressRecord, error)
	MarkDepositAddressUsed(ctx context.Context, address string) error

	SaveCoinJoinSession(ctx context.Context, s *models.CoinJoinSession) error
	GetCoinJoinSession(ctx context.Context, id string) (*models.CoinJoinSession, error)
	ListActiveCoinJoinSessions(ctx context.Context, currency models.Currency) ([]*models.CoinJoinSession, error)

	// RegisterKeyImage inserts (currency, keyImage) if and only if it does
	// not already exist. It returns engineerr.ErrDoubleSpend when the pair
	// is already present — this is the linearization point spec
	// §5 requires for concurrent signing attempts over the same output.
	RegisterKeyImage(ctx context.Context, currency models.Currency, keyImage []byte) error
	// KeyImageExists is a non-mutating check, used by
	// ringsig.RepositoryKeyImageRegistry.Contains (the coinjoin signing
	// round's double-spend check), which must not itself claim the key image.
	KeyImageExists(ctx context.Context, currency models.Currency, keyImage []byte) (bool, error)

	AddPoolEntry(ctx context.Context, e *models.PoolEntry) error
	ListAvailablePoolEntries(ctx context.Context, currency models.Currency) ([]*models.PoolEntry, error)
	MarkPoolEntryUsed(ctx context.Context, id string) error

	CreateOperation(ctx context.Context, op *models.ScheduledOperation) error
	UpdateOperation(ctx context.Context, op *models.ScheduledOperation) error
	ListDueOperations(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledOperation, error)
	ListActiveOperations(ctx context.Context) ([]*models.ScheduledOperation, error)

	CreateOutputTransaction(ctx context.Context, tx *models.OutputTransaction) error
	UpdateOutputTransactionStatus(ctx context.Context, id string, status models.OutputTransactionStatus) error
	ListOutputTransactionsByMixID(ctx context.Context, id models.MixRequestID) ([]*models.OutputTransaction, error)
}
