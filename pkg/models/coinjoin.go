package models

import "time"

// CoinJoinPhase is the forward-only phase of a CoinJoinSession (§4.2).
type CoinJoinPhase string

const (
	PhaseRegistration       CoinJoinPhase = "registration"
	PhaseOutputRegistration CoinJoinPhase = "output_registration"
	PhaseSigning            CoinJoinPhase = "signing"
	PhaseBroadcasting       CoinJoinPhase = "broadcasting"
	PhaseCompleted          CoinJoinPhase = "completed"
	PhaseFailed             CoinJoinPhase = "failed"
)

// ParticipantStatus is a participant's own sub-state within a session.
type ParticipantStatus string

const (
	ParticipantRegistered ParticipantStatus = "registered"
	ParticipantCommitted  ParticipantStatus = "committed"
	ParticipantSigned     ParticipantStatus = "signed"
	ParticipantConfirmed  ParticipantStatus = "confirmed"
	ParticipantFailed     ParticipantStatus = "failed"
)

// ParticipantID is H(pubkey), hex-encoded.
type ParticipantID string

// BlindedOutput is an output commitment a participant registers before the
// coordinator ever learns the underlying address; it carries a range proof
// so the coordinator can verify well-formedness while remaining blind.
type BlindedOutput struct {
	Commitment []byte
	Proof      RangeProof
	Blinded    []byte // the still-blinded output payload; de-blinded only at broadcast
}

// Participant is one registered party of a CoinJoinSession.
type Participant struct {
	ID              ParticipantID
	PubKey          []byte
	Inputs          []RingKeyMetadata
	Outputs         []BlindedOutput
	BlindingFactor  []byte
	Commitments     [][]byte
	Signatures      [][]byte
	Status          ParticipantStatus
	RegisteredAt    time.Time
}

// SessionFees holds the two fee components a CoinJoin transaction pays.
type SessionFees struct {
	Coordinator int64
	Network     int64
}

// SessionTimeouts holds the three per-phase deadlines of §4.2.
type SessionTimeouts struct {
	Registration time.Duration
	Signing      time.Duration
	Broadcast    time.Duration
}

// CoinJoinSession is the multi-party pooling state machine of §4.2.
type CoinJoinSession struct {
	ID               string
	Participants     map[ParticipantID]*Participant
	CoordinatorPubKey []byte
	Phase            CoinJoinPhase
	Denomination     int64
	Currency         Currency
	Fees             SessionFees
	MinParticipants  int
	MaxParticipants  int
	Round            int
	Transaction      *RingTransaction
	Timeouts         SessionTimeouts
	BlameList        []ParticipantID
	CreatedAt        time.Time
	PhaseEnteredAt   time.Time
}
