package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/obslog"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var log = obslog.For("repository")

// schemaSQL is the engine's schema, embedded as a Go string constant
// rather than loaded from disk at runtime — the teacher's InitSchema
// reads internal/db/schema.sql off the filesystem, but that file was
// never retrieved alongside this repo, so the schema travels with the
// binary instead.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS mix_requests (
	id               BYTEA PRIMARY KEY,
	currency         TEXT NOT NULL,
	input_amount     BIGINT NOT NULL,
	output_addresses JSONB NOT NULL,
	delay_window_ns  BIGINT NOT NULL,
	anonymity_level  TEXT NOT NULL,
	mixing_rounds    INT NOT NULL,
	fee_percentage   DOUBLE PRECISION NOT NULL,
	session_id       BYTEA NOT NULL UNIQUE,
	deposit_address  TEXT NOT NULL,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	plan             JSONB
);

CREATE TABLE IF NOT EXISTS deposit_addresses (
	address    TEXT PRIMARY KEY,
	key_handle TEXT NOT NULL,
	currency   TEXT NOT NULL,
	used       BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ NOT NULL,
	mix_request_id BYTEA
);

CREATE TABLE IF NOT EXISTS coinjoin_sessions (
	id       TEXT PRIMARY KEY,
	currency TEXT NOT NULL,
	phase    TEXT NOT NULL,
	body     JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	phase_entered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS key_images (
	currency  TEXT NOT NULL,
	key_image BYTEA NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (currency, key_image)
);

CREATE TABLE IF NOT EXISTS pool_entries (
	id                 TEXT PRIMARY KEY,
	currency           TEXT NOT NULL,
	amount             BIGINT NOT NULL,
	source_mix_request BYTEA NOT NULL,
	added_at           TIMESTAMPTZ NOT NULL,
	used               BOOLEAN NOT NULL DEFAULT FALSE,
	priority           INT NOT NULL,
	mixing_group_id    TEXT,
	expires_at         TIMESTAMPTZ,
	pool_type          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_operations (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	mix_id       BYTEA,
	currency     TEXT,
	scheduled_at TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	retry_count  INT NOT NULL,
	priority     INT NOT NULL,
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS output_transactions (
	id                     TEXT PRIMARY KEY,
	mix_request_id         BYTEA NOT NULL,
	amount                 BIGINT NOT NULL,
	from_address           TEXT NOT NULL,
	to_address             TEXT NOT NULL,
	scheduled_at           TIMESTAMPTZ NOT NULL,
	status                 TEXT NOT NULL,
	retry_count            INT NOT NULL,
	priority               INT NOT NULL,
	required_confirmations INT NOT NULL,
	tx_hash                TEXT UNIQUE
);
`

// PostgresRepository is the production Repository, adapted from the
// teacher's internal/db/postgres.go pgxpool wrapper: same Connect/Close
// shape and the same transactional upsert idiom (INSERT ... ON CONFLICT),
// retargeted from forensics tables onto the mixer's own entities.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens and pings a pgxpool.Pool, mirroring the teacher's
// db.Connect.
func ConnectPostgres(ctx context.Context, connStr string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "pg_connect_failed", "unable to connect to database", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "pg_ping_failed", "ping failed", err)
	}
	log.Info("connected to PostgreSQL repository")
	return &PostgresRepository{pool: pool}, nil
}

func (s *PostgresRepository) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes schemaSQL, mirroring the teacher's InitSchema.
func (s *PostgresRepository) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "schema_init_failed", "failed to execute schema", err)
	}
	log.Info("mixer engine schema initialized")
	return nil
}

func (s *PostgresRepository) CreateMixRequest(ctx context.Context, r *models.MixRequest) error {
	const sql = `
		INSERT INTO mix_requests
			(id, currency, input_amount, output_addresses, delay_window_ns, anonymity_level,
			 mixing_rounds, fee_percentage, session_id, deposit_address, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err := s.pool.Exec(ctx, sql,
		r.ID[:], string(r.Currency), r.InputAmount, jsonOf(r.OutputAddresses), int64(r.DelayWindow),
		string(r.AnonymityLevel), r.MixingRounds, r.FeePercentage, r.SessionID[:], r.DepositAddress,
		string(r.Status), r.CreatedAt, r.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return engineerr.New(engineerr.Validation, "duplicate_mix_request", "mix request id or session id already exists")
	}
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "insert_failed", "failed to insert mix_requests row", err)
	}
	return nil
}

func (s *PostgresRepository) GetMixRequest(ctx context.Context, id models.MixRequestID) (*models.MixRequest, error) {
	const sql = `
		SELECT currency, input_amount, output_addresses, delay_window_ns, anonymity_level,
		       mixing_rounds, fee_percentage, session_id, deposit_address, status,
		       created_at, expires_at, completed_at, plan
		FROM mix_requests WHERE id = $1
	`
	r := &models.MixRequest{ID: id}
	var curr, level, status string
	var delayWindowNs int64
	var sessionIDBytes []byte
	var outAddrs, plan []byte
	var completedAt *time.Time
	err := s.pool.QueryRow(ctx, sql, id[:]).Scan(
		&curr, &r.InputAmount, &outAddrs, &delayWindowNs, &level,
		&r.MixingRounds, &r.FeePercentage, &sessionIDBytes, &r.DepositAddress, &status,
		&r.CreatedAt, &r.ExpiresAt, &completedAt, &plan,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engineerr.New(engineerr.Validation, "not_found", "mix request not found")
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query mix_requests", err)
	}
	r.Currency = models.Currency(curr)
	r.AnonymityLevel = models.AnonymityLevel(level)
	r.Status = models.MixRequestStatus(status)
	r.DelayWindow = time.Duration(delayWindowNs)
	r.CompletedAt = completedAt
	copy(r.SessionID[:], sessionIDBytes)
	if len(outAddrs) > 0 {
		if err := json.Unmarshal(outAddrs, &r.OutputAddresses); err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "decode_failed", "failed to decode output_addresses", err)
		}
	}
	if len(plan) > 0 {
		r.Plan = &models.MixPlan{}
		if err := json.Unmarshal(plan, r.Plan); err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "decode_failed", "failed to decode mix request plan", err)
		}
	}
	return r, nil
}

func (s *PostgresRepository) UpdateMixRequestStatus(ctx context.Context, id models.MixRequestID, status models.MixRequestStatus) error {
	const sql = `UPDATE mix_requests SET status = $1, completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END WHERE id = $2`
	tag, err := s.pool.Exec(ctx, sql, string(status), id[:])
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "update_failed", "failed to update mix_requests status", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerr.New(engineerr.Validation, "not_found", "mix request not found")
	}
	return nil
}

func (s *PostgresRepository) UpdateMixRequestPlan(ctx context.Context, id models.MixRequestID, plan *models.MixPlan) error {
	const sql = `UPDATE mix_requests SET plan = $1 WHERE id = $2`
	tag, err := s.pool.Exec(ctx, sql, jsonOf(plan), id[:])
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "update_failed", "failed to update mix_requests plan", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerr.New(engineerr.Validation, "not_found", "mix request not found")
	}
	return nil
}

func (s *PostgresRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]*models.MixRequest, error) {
	const sql = `SELECT id FROM mix_requests WHERE status = 'pending_deposit' AND expires_at < $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, sql, now)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query expired mix requests", err)
	}
	defer rows.Close()
	var out []*models.MixRequest
	for rows.Next() {
		var idBytes []byte
		if err := rows.Scan(&idBytes); err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "scan_failed", "failed to scan mix request id", err)
		}
		var id models.MixRequestID
		copy(id[:], idBytes)
		out = append(out, &models.MixRequest{ID: id, Status: models.StatusPendingDeposit})
	}
	return out, nil
}

func (s *PostgresRepository) CreateDepositAddress(ctx context.Context, rec *models.DepositAddressRecord) error {
	const sql = `INSERT INTO deposit_addresses (address, key_handle, currency, used, expires_at, mix_request_id) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, sql, rec.Address, rec.KeyHandle, string(rec.Currency), rec.Used, rec.ExpiresAt, rec.MixRequestID[:])
	if isUniqueViolation(err) {
		return engineerr.New(engineerr.Validation, "duplicate_deposit_address", "deposit address already registered")
	}
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "insert_failed", "failed to insert deposit_addresses row", err)
	}
	return nil
}

func (s *PostgresRepository) GetDepositAddress(ctx context.Context, address string) (*models.DepositAddressRecord, error) {
	const sql = `SELECT address, key_handle, currency, used, expires_at, mix_request_id FROM deposit_addresses WHERE address = $1`
	rec := &models.DepositAddressRecord{}
	var currency string
	var idBytes []byte
	err := s.pool.QueryRow(ctx, sql, address).Scan(&rec.Address, &rec.KeyHandle, &currency, &rec.Used, &rec.ExpiresAt, &idBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engineerr.New(engineerr.Validation, "not_found", "deposit address not found")
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query deposit_addresses", err)
	}
	rec.Currency = models.Currency(currency)
	copy(rec.MixRequestID[:], idBytes)
	return rec, nil
}

func (s *PostgresRepository) MarkDepositAddressUsed(ctx context.Context, address string) error {
	const sql = `UPDATE deposit_addresses SET used = TRUE WHERE address = $1`
	tag, err := s.pool.Exec(ctx, sql, address)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "update_failed", "failed to mark deposit address used", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerr.New(engineerr.Validation, "not_found", "deposit address not found")
	}
	return nil
}

func (s *PostgresRepository) SaveCoinJoinSession(ctx context.Context, session *models.CoinJoinSession) error {
	const sql = `
		INSERT INTO coinjoin_sessions (id, currency, phase, body, created_at, phase_entered_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET phase = EXCLUDED.phase, body = EXCLUDED.body, phase_entered_at = EXCLUDED.phase_entered_at
	`
	_, err := s.pool.Exec(ctx, sql, session.ID, string(session.Currency), string(session.Phase), jsonOf(session), session.CreatedAt, session.PhaseEnteredAt)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "upsert_failed", "failed to upsert coinjoin_sessions row", err)
	}
	return nil
}

func (s *PostgresRepository) GetCoinJoinSession(ctx context.Context, id string) (*models.CoinJoinSession, error) {
	const sql = `SELECT body FROM coinjoin_sessions WHERE id = $1`
	var body []byte
	err := s.pool.QueryRow(ctx, sql, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engineerr.New(engineerr.Validation, "not_found", "coinjoin session not found")
	}
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query coinjoin_sessions", err)
	}
	return unmarshalSession(body)
}

func (s *PostgresRepository) ListActiveCoinJoinSessions(ctx context.Context, currency models.Currency) ([]*models.CoinJoinSession, error) {
	const sql = `SELECT body FROM coinjoin_sessions WHERE currency = $1 AND phase NOT IN ('completed', 'failed')`
	rows, err := s.pool.Query(ctx, sql, string(currency))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query active coinjoin_sessions", err)
	}
	defer rows.Close()
	var out []*models.CoinJoinSession
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "scan_failed", "failed to scan coinjoin_sessions row", err)
		}
		sess, err := unmarshalSession(body)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// RegisterKeyImage relies on the (currency, key_image) primary key to
// reject a replayed key image: the unique-constraint violation IS the
// linearization point, the same role the teacher's ON CONFLICT clauses
// play for idempotent upserts, inverted here into a conflict the caller
// must see as an error rather than swallow.
func (s *PostgresRepository) RegisterKeyImage(ctx context.Context, currency models.Currency, keyImage []byte) error {
	const sql = `INSERT INTO key_images (currency, key_image) VALUES ($1, $2)`
	_, err := s.pool.Exec(ctx, sql, string(currency), keyImage)
	if isUniqueViolation(err) {
		return engineerr.ErrDoubleSpend
	}
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "insert_failed", "failed to insert key_images row", err)
	}
	return nil
}

// KeyImageExists reports registration status without attempting an insert.
func (s *PostgresRepository) KeyImageExists(ctx context.Context, currency models.Currency, keyImage []byte) (bool, error) {
	const sql = `SELECT EXISTS(SELECT 1 FROM key_images WHERE currency = $1 AND key_image = $2)`
	var exists bool
	if err := s.pool.QueryRow(ctx, sql, string(currency), keyImage).Scan(&exists); err != nil {
		return false, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query key_images", err)
	}
	return exists, nil
}

func (s *PostgresRepository) AddPoolEntry(ctx context.Context, e *models.PoolEntry) error {
	const sql = `
		INSERT INTO pool_entries (id, currency, amount, source_mix_request, added_at, used, priority, mixing_group_id, expires_at, pool_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	_, err := s.pool.Exec(ctx, sql, e.ID, string(e.Currency), e.Amount, e.SourceMixRequestID[:], e.AddedAt, e.Used, e.Priority, e.MixingGroupID, e.ExpiresAt, string(e.PoolType))
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "insert_failed", "failed to insert pool_entries row", err)
	}
	return nil
}

func (s *PostgresRepository) ListAvailablePoolEntries(ctx context.Context, currency models.Currency) ([]*models.PoolEntry, error) {
	const sql = `
		SELECT id, currency, amount, source_mix_request, added_at, used, priority, mixing_group_id, expires_at, pool_type
		FROM pool_entries WHERE currency = $1 AND used = FALSE
		ORDER BY priority ASC, added_at ASC
	`
	rows, err := s.pool.Query(ctx, sql, string(currency))
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query pool_entries", err)
	}
	defer rows.Close()
	var out []*models.PoolEntry
	for rows.Next() {
		e := &models.PoolEntry{}
		var currencyStr, poolType string
		var sourceBytes []byte
		if err := rows.Scan(&e.ID, &currencyStr, &e.Amount, &sourceBytes, &e.AddedAt, &e.Used, &e.Priority, &e.MixingGroupID, &e.ExpiresAt, &poolType); err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "scan_failed", "failed to scan pool_entries row", err)
		}
		e.Currency = models.Currency(currencyStr)
		e.PoolType = models.PoolType(poolType)
		copy(e.SourceMixRequestID[:], sourceBytes)
		out = append(out, e)
	}
	return out, nil
}

func (s *PostgresRepository) MarkPoolEntryUsed(ctx context.Context, id string) error {
	const sql = `UPDATE pool_entries SET used = TRUE WHERE id = $1 AND used = FALSE`
	tag, err := s.pool.Exec(ctx, sql, id)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "update_failed", "failed to mark pool entry used", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerr.New(engineerr.BusinessRule, "already_used_or_missing", "pool entry not found or already used")
	}
	return nil
}

func (s *PostgresRepository) CreateOperation(ctx context.Context, op *models.ScheduledOperation) error {
	const sql = `
		INSERT INTO scheduled_operations (id, kind, mix_id, currency, scheduled_at, status, retry_count, priority, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	var mixID []byte
	if op.MixID != nil {
		mixID = op.MixID[:]
	}
	_, err := s.pool.Exec(ctx, sql, op.ID, string(op.Kind), mixID, string(op.Currency), op.ScheduledAt,
		string(op.Status), op.RetryCount, op.Priority, jsonOf(op.Metadata), op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "insert_failed", "failed to insert scheduled_operations row", err)
	}
	return nil
}

func (s *PostgresRepository) UpdateOperation(ctx context.Context, op *models.ScheduledOperation) error {
	const sql = `
		UPDATE scheduled_operations SET status=$1, retry_count=$2, scheduled_at=$3, updated_at=$4 WHERE id=$5
	`
	tag, err := s.pool.Exec(ctx, sql, string(op.Status), op.RetryCount, op.ScheduledAt, op.UpdatedAt, op.ID)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "update_failed", "failed to update scheduled_operations row", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerr.New(engineerr.Validation, "not_found", "scheduled operation not found")
	}
	return nil
}

func (s *PostgresRepository) ListDueOperations(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledOperation, error) {
	const sql = `
		SELECT id, kind, mix_id, currency, scheduled_at, status, retry_count, priority, created_at, updated_at
		FROM scheduled_operations
		WHERE status IN ('scheduled','retry_pending') AND scheduled_at <= $1
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, sql, now, limit)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query due operations", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func (s *PostgresRepository) ListActiveOperations(ctx context.Context) ([]*models.ScheduledOperation, error) {
	const sql = `
		SELECT id, kind, mix_id, currency, scheduled_at, status, retry_count, priority, created_at, updated_at
		FROM scheduled_operations
		WHERE status IN ('scheduled','queued','executing','retry_pending')
		ORDER BY priority DESC, scheduled_at ASC
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query active operations", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

func scanOperations(rows pgx.Rows) ([]*models.ScheduledOperation, error) {
	var out []*models.ScheduledOperation
	for rows.Next() {
		op := &models.ScheduledOperation{}
		var kind, currency, status string
		var mixID []byte
		if err := rows.Scan(&op.ID, &kind, &mixID, &currency, &op.ScheduledAt, &status, &op.RetryCount, &op.Priority, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "scan_failed", "failed to scan scheduled_operations row", err)
		}
		op.Kind = models.OperationKind(kind)
		op.Currency = models.Currency(currency)
		op.Status = models.OperationStatus(status)
		if len(mixID) == 16 {
			var id models.MixRequestID
			copy(id[:], mixID)
			op.MixID = &id
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *PostgresRepository) CreateOutputTransaction(ctx context.Context, tx *models.OutputTransaction) error {
	const sql = `
		INSERT INTO output_transactions (id, mix_request_id, amount, from_address, to_address, scheduled_at, status, retry_count, priority, required_confirmations, tx_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err := s.pool.Exec(ctx, sql, tx.ID, tx.MixRequestID[:], tx.Amount, tx.FromAddress, tx.ToAddress, tx.ScheduledAt, string(tx.Status), tx.RetryCount, tx.Priority, tx.RequiredConfirmations, tx.TxHash)
	if isUniqueViolation(err) {
		return engineerr.New(engineerr.Validation, "duplicate_output_transaction", "output transaction id or tx_hash already exists")
	}
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "insert_failed", "failed to insert output_transactions row", err)
	}
	return nil
}

func (s *PostgresRepository) UpdateOutputTransactionStatus(ctx context.Context, id string, status models.OutputTransactionStatus) error {
	const sql = `UPDATE output_transactions SET status = $1 WHERE id = $2`
	tag, err := s.pool.Exec(ctx, sql, string(status), id)
	if err != nil {
		return engineerr.Wrap(engineerr.AdapterFailure, "update_failed", "failed to update output_transactions status", err)
	}
	if tag.RowsAffected() == 0 {
		return engineerr.New(engineerr.Validation, "not_found", "output transaction not found")
	}
	return nil
}

func (s *PostgresRepository) ListOutputTransactionsByMixID(ctx context.Context, id models.MixRequestID) ([]*models.OutputTransaction, error) {
	const sql = `
		SELECT id, mix_request_id, amount, from_address, to_address, scheduled_at, status, retry_count, priority, required_confirmations, tx_hash
		FROM output_transactions WHERE mix_request_id = $1 ORDER BY scheduled_at ASC
	`
	rows, err := s.pool.Query(ctx, sql, id[:])
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "query_failed", "failed to query output_transactions", err)
	}
	defer rows.Close()
	var out []*models.OutputTransaction
	for rows.Next() {
		tx := &models.OutputTransaction{}
		var status string
		var mixIDBytes []byte
		if err := rows.Scan(&tx.ID, &mixIDBytes, &tx.Amount, &tx.FromAddress, &tx.ToAddress, &tx.ScheduledAt, &status, &tx.RetryCount, &tx.Priority, &tx.RequiredConfirmations, &tx.TxHash); err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "scan_failed", "failed to scan output_transactions row", err)
		}
		tx.Status = models.OutputTransactionStatus(status)
		copy(tx.MixRequestID[:], mixIDBytes)
		out = append(out, tx)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ Repository = (*PostgresRepository)(nil)

// jsonOf and unmarshalSession are deliberately minimal: the engine stores
// whole structs as JSONB for fields that are read back only as opaque
// blobs (session bodies, metadata, plans), the same "store the document,
// index the columns you query on" tradeoff the teacher makes by keeping
// its heuristic_flags bitmask queryable while leaving the richer evidence
// payload in separate rows.
func jsonOf(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func unmarshalSession(body []byte) (*models.CoinJoinSession, error) {
	var s models.CoinJoinSession
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "decode_failed", "failed to decode coinjoin session body", err)
	}
	return &s, nil
}
