package models

import (
	"encoding/hex"
	"time"
)

// MixRequestID is an opaque 128-bit request identity.
type MixRequestID [16]byte

func (id MixRequestID) String() string { return hex.EncodeToString(id[:]) }

// SessionSecret is the 256-bit secret bound to a MixRequest. It is never
// logged or returned to API callers; it exists only to let the owning
// client authenticate follow-up calls against their own request.
type SessionSecret [32]byte

func (s SessionSecret) String() string { return hex.EncodeToString(s[:]) }

// AnonymityLevel controls ring size / mixing round defaults.
type AnonymityLevel string

const (
	AnonymityLow    AnonymityLevel = "low"
	AnonymityMedium AnonymityLevel = "medium"
	AnonymityHigh   AnonymityLevel = "high"
)

// MixRequestStatus is the lifecycle state of §4.1's state machine.
type MixRequestStatus string

const (
	StatusPendingDeposit  MixRequestStatus = "pending_deposit"
	StatusDepositReceived MixRequestStatus = "deposit_received"
	StatusProcessing      MixRequestStatus = "processing"
	StatusMixing          MixRequestStatus = "mixing"
	StatusSending         MixRequestStatus = "sending"
	StatusCompleted       MixRequestStatus = "completed"
	StatusFailed          MixRequestStatus = "failed"
	StatusExpired         MixRequestStatus = "expired"
)

// OutputAllocation is one ⟨address, percentage⟩ pair of a mix request's
// desired payout split. Percentage is expressed 0..100.
type OutputAllocation struct {
	Address    string
	Percentage float64
}

// MixRequest is the root entity of §3: a user's deposit-to-disbursement
// request, tracked end to end by internal/mixrequest.
type MixRequest struct {
	ID              MixRequestID
	Currency        Currency
	InputAmount     int64 // minor units (e.g. satoshis)
	OutputAddresses []OutputAllocation
	DelayWindow     time.Duration
	AnonymityLevel  AnonymityLevel
	MixingRounds    int
	FeePercentage   float64
	SessionID       SessionSecret
	DepositAddress  string
	Status          MixRequestStatus
	CreatedAt       time.Time
	ExpiresAt       time.Time
	CompletedAt     *time.Time
	Plan            *MixPlan
}

// TotalAmount is input_amount × (1 + fee), the §3 invariant.
func (r *MixRequest) TotalAmount() int64 {
	return r.InputAmount + int64(float64(r.InputAmount)*r.FeePercentage/100.0)
}

// DepositAddressRecord is the 1:1-owned deposit address of a MixRequest.
type DepositAddressRecord struct {
	Address      string
	KeyHandle    string // opaque reference into the secret store
	Currency     Currency
	Used         bool
	ExpiresAt    time.Time
	MixRequestID MixRequestID // the request that owns this address
}

// OutputTransactionStatus is §3's per-output lifecycle.
type OutputTransactionStatus string

const (
	OutputPending      OutputTransactionStatus = "pending"
	OutputScheduled    OutputTransactionStatus = "scheduled"
	OutputBroadcasting OutputTransactionStatus = "broadcasting"
	OutputSent         OutputTransactionStatus = "sent"
	OutputConfirmed    OutputTransactionStatus = "confirmed"
	OutputFailed       OutputTransactionStatus = "failed"
	OutputCancelled    OutputTransactionStatus = "cancelled"
)

// OutputTransaction is one chunked, delayed disbursement owned by a MixRequest.
type OutputTransaction struct {
	ID                    string
	MixRequestID          MixRequestID
	Amount                int64
	FromAddress           string
	ToAddress             string
	ScheduledAt           time.Time
	Status                OutputTransactionStatus
	RetryCount            int
	Priority              int
	RequiredConfirmations int
	TxHash                string
}

// RouteHop is a placeholder intermediary identity a chunk is routed through
// before reaching its final output address.
type RouteHop struct {
	MixerIdentity string
}

// Chunk is one piece of a mixing plan: a sub-amount, its release delay, the
// hop route it travels, and the output address it ultimately pays out to.
type Chunk struct {
	Amount      int64
	Delay       time.Duration
	Route       []RouteHop
	ScheduledAt time.Time
	Destination string
}

// MixPlan is the output of mixing-plan generation (§4.1.2): chunks (with
// jittered amounts), sorted ascending delays, and per-chunk routes. Seed is
// a random value stored with the plan; the chunks are not derived from it.
type MixPlan struct {
	Chunks    []Chunk
	Seed      int64
	CreatedAt time.Time
}
