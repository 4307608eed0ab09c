package coinjoin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/currency"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/events"
	"github.com/rawblock/mixer-engine/internal/ringsig"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// Manager drives one or more CoinJoinSessions through spec §4.2's phase
// state machine. It holds sessions in memory; callers (internal/engine)
// are responsible for persisting snapshots via internal/repository after
// each mutating call, per the scheduler's persistence-before-memory
// contract used elsewhere in this engine.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*models.CoinJoinSession
	bans     *BanList
	cfg      config.CoinJoinConfig
	hub      *events.Hub
	registry ringsig.KeyImageRegistry
}

// NewManager returns a Manager with an empty session table.
func NewManager(cfg config.CoinJoinConfig, hub *events.Hub, registry ringsig.KeyImageRegistry) *Manager {
	return &Manager{
		sessions: make(map[string]*models.CoinJoinSession),
		bans:     NewBanList(cfg.BanDuration),
		cfg:      cfg,
		hub:      hub,
		registry: registry,
	}
}

// CreateSession chooses the largest standard denomination <= amount and
// opens a new session in the registration phase.
func (m *Manager) CreateSession(currencyCode models.Currency, amount int64, coordPubKey []byte) (*models.CoinJoinSession, error) {
	denom, err := chooseDenomination(currencyCode, amount)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &models.CoinJoinSession{
		ID:                uuid.NewString(),
		Participants:      make(map[models.ParticipantID]*models.Participant),
		CoordinatorPubKey: coordPubKey,
		Phase:             models.PhaseRegistration,
		Denomination:      denom,
		Currency:          currencyCode,
		Fees: models.SessionFees{
			Coordinator: denom * int64(m.cfg.CoordinatorFeeBps) / 10_000,
			Network:     denom * int64(m.cfg.NetworkFeeBps) / 10_000,
		},
		MinParticipants: m.cfg.MinParticipants,
		MaxParticipants: m.cfg.MaxParticipants,
		Round:           0,
		Timeouts: models.SessionTimeouts{
			Registration: m.cfg.RegistrationTimeout,
			Signing:      m.cfg.SigningTimeout,
			Broadcast:    m.cfg.BroadcastTimeout,
		},
		CreatedAt:      now,
		PhaseEnteredAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

func chooseDenomination(currencyCode models.Currency, amount int64) (int64, error) {
	denoms := currency.StandardDenominations(currencyCode)
	best := int64(-1)
	for _, d := range denoms {
		if d <= amount && d > best {
			best = d
		}
	}
	if best < 0 {
		return 0, engineerr.New(engineerr.Validation, "no_denomination", "no standard denomination is <= the requested amount")
	}
	return best, nil
}

// RegisterParticipant admits a participant to session if it is in the
// registration phase, has room, the pubkey is not banned, the supplied
// proof-of-funds signature verifies against a fresh coordinator challenge,
// and the participant's declared inputs sum to at least denomination+fees.
func (m *Manager) RegisterParticipant(ctx context.Context, sessionID string, inputs []models.RingKeyMetadata, pubkey []byte, challenge, proofSignature []byte) (models.ParticipantID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", engineerr.New(engineerr.Validation, "unknown_session", "no such coinjoin session")
	}
	if s.Phase != models.PhaseRegistration {
		return "", engineerr.New(engineerr.BusinessRule, "wrong_phase", "session is not accepting registrations")
	}
	if m.bans.IsBanned(pubkey) {
		return "", engineerr.New(engineerr.BusinessRule, "participant_banned", "pubkey is currently banned")
	}
	if len(s.Participants) >= s.MaxParticipants {
		return "", engineerr.New(engineerr.BusinessRule, "session_full", "session has reached max_participants")
	}

	if err := verifyProofOfFunds(pubkey, challenge, proofSignature); err != nil {
		return "", err
	}

	var total int64
	for _, in := range inputs {
		total += in.Amount
	}
	required := s.Denomination + s.Fees.Coordinator + s.Fees.Network
	if total < required {
		return "", engineerr.New(engineerr.Validation, "insufficient_funds", "declared inputs do not cover denomination plus fees")
	}

	id := ParticipantIDFor(pubkey)
	if _, exists := s.Participants[id]; exists {
		return "", engineerr.New(engineerr.BusinessRule, "already_registered", "pubkey already registered for this session")
	}

	blindingFactor := make([]byte, 32)
	if _, err := rand.Read(blindingFactor); err != nil {
		return "", engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw blinding factor", err)
	}

	s.Participants[id] = &models.Participant{
		ID:             id,
		PubKey:         pubkey,
		Inputs:         inputs,
		BlindingFactor: blindingFactor,
		Status:         models.ParticipantRegistered,
		RegisteredAt:   time.Now(),
	}

	m.maybeAdvanceFromRegistration(s)
	return id, nil
}

// maybeAdvanceFromRegistration moves the session to output_registration
// once enough participants have joined. Timeout-driven cancellation (too
// few participants when t_reg elapses) is handled by SweepTimeouts, which
// the engine's periodic coinjoin timeout sweep calls, not here; this method only handles the happy-path count
// threshold spec §4.2's transition table describes as one of two ways out
// of registration.
func (m *Manager) maybeAdvanceFromRegistration(s *models.CoinJoinSession) {
	if len(s.Participants) >= s.MinParticipants && s.Phase == models.PhaseRegistration {
		m.transitionPhase(s, models.PhaseOutputRegistration)
	}
}

// RegisterOutputs accepts a participant's blinded outputs once every
// output's range proof verifies, storing them un-deblinded so the
// coordinator never learns which participant owns which output.
func (m *Manager) RegisterOutputs(sessionID string, participantID models.ParticipantID, outputs []models.BlindedOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return engineerr.New(engineerr.Validation, "unknown_session", "no such coinjoin session")
	}
	if s.Phase != models.PhaseOutputRegistration {
		return engineerr.New(engineerr.BusinessRule, "wrong_phase", "session is not accepting output registration")
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return engineerr.New(engineerr.Validation, "unknown_participant", "participant did not register for this session")
	}

	for _, out := range outputs {
		proof := out.Proof
		ok, err := ringsig.VerifyRange(&proof, out.Commitment)
		if err != nil {
			return err
		}
		if !ok {
			return engineerr.New(engineerr.ProofFailure, "range_proof_failed", "blinded output range proof did not verify")
		}
	}

	p.Outputs = outputs
	p.Status = models.ParticipantCommitted

	if m.allCommitted(s) {
		shuffleOutputsAndAdvance(s)
		m.transitionPhase(s, models.PhaseSigning)
	}
	return nil
}

func (m *Manager) allCommitted(s *models.CoinJoinSession) bool {
	for _, p := range s.Participants {
		if p.Status != models.ParticipantCommitted && p.Status != models.ParticipantSigned && p.Status != models.ParticipantConfirmed {
			return false
		}
	}
	return true
}

// shuffleOutputsAndAdvance performs spec §4.2's Fisher-Yates shuffle over
// the pooled blinded outputs, the sole source of input/output
// unlinkability, immediately before the session moves to signing so no
// participant ever sees the pre-shuffle ordering.
func shuffleOutputsAndAdvance(s *models.CoinJoinSession) {
	pooled := make([]models.BlindedOutput, 0)
	for _, p := range s.Participants {
		pooled = append(pooled, p.Outputs...)
	}
	fisherYatesShuffle(pooled)
	// the shuffled pool is stashed on the session via a synthetic
	// transaction so sign_transaction and broadcast both see the same
	// fixed ordering from here on.
	s.Transaction = &models.RingTransaction{
		Outputs: outputsFromBlinded(pooled),
		Fee:     s.Fees.Coordinator + s.Fees.Network,
	}
}

// outputsFromBlinded recovers each output's stealth destination from its
// Blinded field, the JSON-encoded StealthAddress the depositing participant
// attached at registration time. A participant that sent no Blinded payload
// (e.g. a test fixture) simply gets a zero-value Stealth field back.
func outputsFromBlinded(blinded []models.BlindedOutput) []models.RingTransactionOutput {
	out := make([]models.RingTransactionOutput, len(blinded))
	for i, b := range blinded {
		proof := b.Proof
		var stealth models.StealthAddress
		if len(b.Blinded) > 0 {
			_ = json.Unmarshal(b.Blinded, &stealth)
		}
		out[i] = models.RingTransactionOutput{Stealth: stealth, Commitment: b.Commitment, Proof: &proof}
	}
	return out
}

// fisherYatesShuffle shuffles items in place, drawing each swap index from
// 4 fresh CSPRNG bytes mod (i+1) as spec §4.2 requires.
func fisherYatesShuffle(items []models.BlindedOutput) {
	for i := len(items) - 1; i > 0; i-- {
		j := randIndexMod(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

func randIndexMod(n int) int {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is a fatal environment condition; fall back
		// to index 0 rather than panicking mid-shuffle.
		return 0
	}
	v := binary.BigEndian.Uint32(buf[:])
	return int(v % uint32(n))
}

// SignTransaction accepts a participant's signatures over the session's
// deterministic transaction message. An invalid signature blames and bans
// the participant and cancels the session, per spec §4.2.
func (m *Manager) SignTransaction(ctx context.Context, sessionID string, participantID models.ParticipantID, signatures [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return engineerr.New(engineerr.Validation, "unknown_session", "no such coinjoin session")
	}
	if s.Phase != models.PhaseSigning {
		return engineerr.New(engineerr.BusinessRule, "wrong_phase", "session is not in the signing phase")
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return engineerr.New(engineerr.Validation, "unknown_participant", "participant did not register for this session")
	}

	message := TransactionMessage(s)
	if len(signatures) != len(p.Inputs) {
		m.blame(s, p)
		return engineerr.New(engineerr.ProofFailure, "signature_count_mismatch", "one signature is required per declared input")
	}
	for i, sig := range signatures {
		if !verifySchnorrSignature(p.Inputs[i], pubkeyForInput(p), message, sig) {
			m.blame(s, p)
			return engineerr.New(engineerr.ProofFailure, "invalid_signature", "participant signature did not verify")
		}
	}

	// Claim every input's key image before accepting the signature. Two
	// sessions racing to spend the same ring-signed input will see
	// whichever reaches this point first win the claim; the other gets a
	// double-spend error and fails without ever broadcasting.
	if m.registry != nil {
		if err := m.claimKeyImages(ctx, s, p); err != nil {
			m.transitionPhase(s, models.PhaseFailed)
			return err
		}
	}

	p.Signatures = signatures
	p.Status = models.ParticipantSigned

	if m.allSigned(s) {
		m.transitionPhase(s, models.PhaseBroadcasting)
	}
	return nil
}

func pubkeyForInput(p *models.Participant) []byte { return p.PubKey }

// claimKeyImages registers every key image carried by p's inputs, failing
// with a double-spend error on the first collision. Inputs with no key
// image (the plain-UTXO, non-ring-signed case) are skipped.
func (m *Manager) claimKeyImages(ctx context.Context, s *models.CoinJoinSession, p *models.Participant) error {
	for _, in := range p.Inputs {
		if len(in.KeyImage) == 0 {
			continue
		}
		exists, err := m.registry.Contains(ctx, s.Currency, in.KeyImage)
		if err != nil {
			return err
		}
		if exists {
			return engineerr.New(engineerr.DoubleSpend, "double_spend", "input key image already spent in another session")
		}
		if err := m.registry.Register(ctx, s.Currency, in.KeyImage); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) allSigned(s *models.CoinJoinSession) bool {
	for _, p := range s.Participants {
		if p.Status != models.ParticipantSigned && p.Status != models.ParticipantConfirmed {
			return false
		}
	}
	return true
}

// blame bans p's pubkey and transitions the session to failed, per spec
// §4.2's "invalid signatures -> blame that participant ... and cancel
// session".
func (m *Manager) blame(s *models.CoinJoinSession, p *models.Participant) {
	m.bans.Ban(p.PubKey)
	p.Status = models.ParticipantFailed
	s.BlameList = append(s.BlameList, p.ID)
	m.transitionPhase(s, models.PhaseFailed)
}

// Cancel transitions session to failed explicitly, e.g. on a double-spend
// detected by the ring-signature verify step.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return engineerr.New(engineerr.Validation, "unknown_session", "no such coinjoin session")
	}
	m.transitionPhase(s, models.PhaseFailed)
	return nil
}

// MarkBroadcast transitions a broadcasting session to completed on
// adapter ack.
func (m *Manager) MarkBroadcast(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return engineerr.New(engineerr.Validation, "unknown_session", "no such coinjoin session")
	}
	if s.Phase != models.PhaseBroadcasting {
		return engineerr.New(engineerr.BusinessRule, "wrong_phase", "session is not broadcasting")
	}
	m.transitionPhase(s, models.PhaseCompleted)
	return nil
}

// transitionPhase enforces the forward-only phase ordering spec §3
// requires and publishes a typed lifecycle event. A session that is
// already completed or failed is left unchanged.
func (m *Manager) transitionPhase(s *models.CoinJoinSession, to models.CoinJoinPhase) {
	if s.Phase == models.PhaseCompleted || s.Phase == models.PhaseFailed {
		return
	}
	s.Phase = to
	s.PhaseEnteredAt = time.Now()
	if m.hub != nil {
		m.hub.Publish(events.LifecycleEvent{
			Type:      events.EventCoinJoinPhaseChanged,
			Subject:   s.ID,
			Detail:    string(to),
			Timestamp: s.PhaseEnteredAt,
		})
	}
}

// TimeoutAction records what SweepTimeouts did to one session, so a caller
// that wants to react to a broadcast retry (e.g. re-attempt the on-chain
// send) knows which sessions re-entered broadcasting rather than failing.
type TimeoutAction struct {
	SessionID string
	Phase     models.CoinJoinPhase
	Outcome   string // "cancelled", "broadcast_retry", or "failed"
}

// SweepTimeouts enforces spec §4.2's phase-timeout column against every
// session whose current phase has overstayed its budget: registration
// cancels outright if too few participants ever joined; output_registration
// and signing blame whichever participants never acted, then cancel;
// broadcasting retries up to MaxFailedAttempts times before failing. The
// model carries no separate output_registration timeout field, so that
// phase reuses the signing budget — both are "everyone must act or get
// blamed" phases of the same shape.
func (m *Manager) SweepTimeouts(now time.Time) []TimeoutAction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var actions []TimeoutAction
	for _, s := range m.sessions {
		elapsed := now.Sub(s.PhaseEnteredAt)
		switch s.Phase {
		case models.PhaseRegistration:
			if elapsed < s.Timeouts.Registration || len(s.Participants) >= s.MinParticipants {
				continue
			}
			m.transitionPhase(s, models.PhaseFailed)
			actions = append(actions, TimeoutAction{SessionID: s.ID, Phase: models.PhaseRegistration, Outcome: "cancelled"})

		case models.PhaseOutputRegistration:
			if elapsed < s.Timeouts.Signing {
				continue
			}
			m.blameNonActors(s, models.ParticipantCommitted, models.ParticipantSigned, models.ParticipantConfirmed)
			m.transitionPhase(s, models.PhaseFailed)
			actions = append(actions, TimeoutAction{SessionID: s.ID, Phase: models.PhaseOutputRegistration, Outcome: "cancelled"})

		case models.PhaseSigning:
			if elapsed < s.Timeouts.Signing {
				continue
			}
			m.blameNonActors(s, models.ParticipantSigned, models.ParticipantConfirmed)
			m.transitionPhase(s, models.PhaseFailed)
			actions = append(actions, TimeoutAction{SessionID: s.ID, Phase: models.PhaseSigning, Outcome: "cancelled"})

		case models.PhaseBroadcasting:
			if elapsed < s.Timeouts.Broadcast {
				continue
			}
			if s.Round < m.cfg.MaxFailedAttempts {
				s.Round++
				s.PhaseEnteredAt = now
				actions = append(actions, TimeoutAction{SessionID: s.ID, Phase: models.PhaseBroadcasting, Outcome: "broadcast_retry"})
			} else {
				m.transitionPhase(s, models.PhaseFailed)
				actions = append(actions, TimeoutAction{SessionID: s.ID, Phase: models.PhaseBroadcasting, Outcome: "failed"})
			}
		}
	}
	return actions
}

// blameNonActors marks every participant whose status is none of ok as
// failed and adds it to BlameList, without banning its pubkey: a
// participant that merely timed out (rather than submitting a provably
// invalid proof) is not treated as an attacker.
func (m *Manager) blameNonActors(s *models.CoinJoinSession, ok ...models.ParticipantStatus) {
	for _, p := range s.Participants {
		acted := false
		for _, st := range ok {
			if p.Status == st {
				acted = true
				break
			}
		}
		if acted {
			continue
		}
		p.Status = models.ParticipantFailed
		s.BlameList = append(s.BlameList, p.ID)
	}
}

// Session returns a copy of the session snapshot, or false if unknown.
func (m *Manager) Session(sessionID string) (models.CoinJoinSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.CoinJoinSession{}, false
	}
	return *s, true
}

// TransactionMessage derives the deterministic signing digest spec §4.2
// requires: SHA-256 over every input (tx_id|output_index|amount_le) then
// every output (address|amount_le|script), in order, so every participant
// and the coordinator compute identical bytes. Participants are visited in
// ParticipantID order rather than map order, since Go's map iteration order
// is randomized and every party must hash identical bytes.
func TransactionMessage(s *models.CoinJoinSession) []byte {
	ids := make([]string, 0, len(s.Participants))
	for id := range s.Participants {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		p := s.Participants[models.ParticipantID(id)]
		for _, in := range p.Inputs {
			h.Write([]byte(in.TxHash))
			var idxBuf [4]byte
			binary.LittleEndian.PutUint32(idxBuf[:], in.OutputIndex)
			h.Write(idxBuf[:])
			var amtBuf [8]byte
			binary.LittleEndian.PutUint64(amtBuf[:], uint64(in.Amount))
			h.Write(amtBuf[:])
		}
	}
	if s.Transaction != nil {
		for _, out := range s.Transaction.Outputs {
			h.Write([]byte(out.Stealth.Address))
			var amtBuf [8]byte
			binary.LittleEndian.PutUint64(amtBuf[:], uint64(out.Amount))
			h.Write(amtBuf[:])
			h.Write(out.Commitment)
		}
	}
	return h.Sum(nil)
}

func verifyProofOfFunds(pubkey, challenge, signature []byte) error {
	if len(challenge) != 32 {
		return engineerr.New(engineerr.Validation, "bad_challenge", "proof-of-funds challenge must be 32 bytes")
	}
	ok, err := ringsig.VerifySchnorrSignature(pubkey, challenge, signature)
	if err != nil {
		return engineerr.Wrap(engineerr.ProofFailure, "proof_verify_failed", "failed to verify proof-of-funds signature", err)
	}
	if !ok {
		return engineerr.New(engineerr.ProofFailure, "proof_of_funds_failed", "proof-of-funds signature does not verify against claimed input key")
	}
	return nil
}

func verifySchnorrSignature(_ models.RingKeyMetadata, pubkey, message, signature []byte) bool {
	ok, err := ringsig.VerifySchnorrSignature(pubkey, message, signature)
	return err == nil && ok
}
