package coinjoin

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/events"
	"github.com/rawblock/mixer-engine/internal/ringsig"
	"github.com/rawblock/mixer-engine/internal/secretstore"
	"github.com/rawblock/mixer-engine/pkg/models"
)

func testConfig() config.CoinJoinConfig {
	return config.CoinJoinConfig{
		MinParticipants:     2,
		MaxParticipants:     4,
		RegistrationTimeout: time.Minute,
		SigningTimeout:      time.Minute,
		BroadcastTimeout:    time.Minute,
		CoordinatorFeeBps:   30,
		NetworkFeeBps:       20,
		BanDuration:         time.Hour,
	}
}

func newTestManager() *Manager {
	return NewManager(testConfig(), events.NewHub(), nil)
}

// registerSignedParticipant wires a fresh secretstore key into a session's
// registration step, returning the participant id plus the store/handle so
// the caller can sign later rounds with the same key.
func registerSignedParticipant(t *testing.T, m *Manager, sessionID string, amount int64) (models.ParticipantID, secretstore.Store, secretstore.Handle, []byte) {
	t.Helper()
	store := secretstore.NewMemoryStore()
	handle, pub, err := store.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	challenge := make([]byte, 32)
	for i := range challenge {
		challenge[i] = byte(i)
	}
	sig, err := ringsig.SignSchnorr(store, handle, challenge)
	if err != nil {
		t.Fatalf("SignSchnorr: %v", err)
	}
	inputs := []models.RingKeyMetadata{{Amount: amount, TxHash: "deadbeef", OutputIndex: 0}}
	id, err := m.RegisterParticipant(context.Background(), sessionID, inputs, pub.Bytes(), challenge, sig)
	if err != nil {
		t.Fatalf("RegisterParticipant: %v", err)
	}
	return id, store, handle, pub.Bytes()
}

func TestCreateSessionChoosesLargestDenominationBelowAmount(t *testing.T) {
	m := newTestManager()
	// 0.4 ETH in minor units (wei) falls between the 0.1 and 1.0 ETH rungs.
	s, err := m.CreateSession(models.ETH, 400_000_000_000_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Denomination != 100_000_000_000_000_000 {
		t.Fatalf("expected the 0.1 ETH denomination, got %d", s.Denomination)
	}
}

func TestCreateSessionFailsWhenNoDenominationFits(t *testing.T) {
	m := newTestManager()
	// 0.05 ETH in wei is below even the smallest standard denomination.
	if _, err := m.CreateSession(models.ETH, 50_000_000_000_000_000, []byte("coordinator")); err == nil {
		t.Fatalf("expected CreateSession to fail when amount is below every denomination")
	}
}

func TestRegisterParticipantAdvancesPhaseOnceMinimumReached(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	registerSignedParticipant(t, m, s.ID, 10_100_000)
	snap, _ := m.Session(s.ID)
	if snap.Phase != models.PhaseRegistration {
		t.Fatalf("expected still registration with 1 of 2 participants, got %s", snap.Phase)
	}

	registerSignedParticipant(t, m, s.ID, 10_100_000)
	snap, _ = m.Session(s.ID)
	if snap.Phase != models.PhaseOutputRegistration {
		t.Fatalf("expected output_registration once min_participants reached, got %s", snap.Phase)
	}
}

func TestRegisterParticipantRejectsInsufficientFunds(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	store := secretstore.NewMemoryStore()
	handle, pub, _ := store.GenerateKey()
	challenge := make([]byte, 32)
	sig, _ := ringsig.SignSchnorr(store, handle, challenge)
	inputs := []models.RingKeyMetadata{{Amount: 1_000, TxHash: "tx", OutputIndex: 0}}

	if _, err := m.RegisterParticipant(context.Background(), s.ID, inputs, pub.Bytes(), challenge, sig); err == nil {
		t.Fatalf("expected registration to fail when inputs don't cover denomination+fees")
	}
}

func TestRegisterParticipantRejectsBadProofOfFunds(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	store := secretstore.NewMemoryStore()
	_, pub, _ := store.GenerateKey()
	challenge := make([]byte, 32)
	badSig := make([]byte, 65)
	inputs := []models.RingKeyMetadata{{Amount: 10_100_000, TxHash: "tx", OutputIndex: 0}}

	if _, err := m.RegisterParticipant(context.Background(), s.ID, inputs, pub.Bytes(), challenge, badSig); err == nil {
		t.Fatalf("expected registration to fail with a malformed proof-of-funds signature")
	}
}

func TestRegisterParticipantRejectsBannedPubkey(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	store := secretstore.NewMemoryStore()
	_, pub, _ := store.GenerateKey()
	m.bans.Ban(pub.Bytes())

	challenge := make([]byte, 32)
	inputs := []models.RingKeyMetadata{{Amount: 10_100_000, TxHash: "tx", OutputIndex: 0}}
	if _, err := m.RegisterParticipant(context.Background(), s.ID, inputs, pub.Bytes(), challenge, make([]byte, 65)); err == nil {
		t.Fatalf("expected banned pubkey to be rejected regardless of signature validity")
	}
}

func TestFullSessionLifecycleReachesBroadcasting(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	type party struct {
		id     models.ParticipantID
		store  secretstore.Store
		handle secretstore.Handle
	}
	var parties []party
	for i := 0; i < 2; i++ {
		id, store, handle, _ := registerSignedParticipant(t, m, s.ID, 10_100_000)
		parties = append(parties, party{id, store, handle})
	}

	snap, _ := m.Session(s.ID)
	if snap.Phase != models.PhaseOutputRegistration {
		t.Fatalf("expected output_registration, got %s", snap.Phase)
	}

	blind, err := curve.RandomScalar()
	if err != nil {
		t.Fatalf("blinding scalar: %v", err)
	}
	proof, err := ringsig.ProveRange(snap.Denomination, blind)
	if err != nil {
		t.Fatalf("ProveRange: %v", err)
	}
	output := models.BlindedOutput{Commitment: proof.Commitment, Proof: *proof}

	for _, p := range parties {
		if err := m.RegisterOutputs(s.ID, p.id, []models.BlindedOutput{output}); err != nil {
			t.Fatalf("RegisterOutputs: %v", err)
		}
	}

	snap, _ = m.Session(s.ID)
	if snap.Phase != models.PhaseSigning {
		t.Fatalf("expected signing after all outputs registered, got %s", snap.Phase)
	}
	if snap.Transaction == nil || len(snap.Transaction.Outputs) != len(parties) {
		t.Fatalf("expected one shuffled output per participant, got %+v", snap.Transaction)
	}

	message := TransactionMessage(&snap)
	for _, p := range parties {
		sig, err := ringsig.SignSchnorr(p.store, p.handle, message)
		if err != nil {
			t.Fatalf("SignSchnorr: %v", err)
		}
		if err := m.SignTransaction(context.Background(), s.ID, p.id, [][]byte{sig}); err != nil {
			t.Fatalf("SignTransaction: %v", err)
		}
	}

	snap, _ = m.Session(s.ID)
	if snap.Phase != models.PhaseBroadcasting {
		t.Fatalf("expected broadcasting once every participant signed, got %s", snap.Phase)
	}

	if err := m.MarkBroadcast(s.ID); err != nil {
		t.Fatalf("MarkBroadcast: %v", err)
	}
	snap, _ = m.Session(s.ID)
	if snap.Phase != models.PhaseCompleted {
		t.Fatalf("expected completed after broadcast ack, got %s", snap.Phase)
	}
}

func TestSignTransactionBansAndFailsOnInvalidSignature(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	id1, store1, handle1, pub1 := registerSignedParticipant(t, m, s.ID, 10_100_000)
	id2, _, _, _ := registerSignedParticipant(t, m, s.ID, 10_100_000)

	snap, _ := m.Session(s.ID)
	blind, err := curve.RandomScalar()
	if err != nil {
		t.Fatalf("blinding scalar: %v", err)
	}
	proof, err := ringsig.ProveRange(snap.Denomination, blind)
	if err != nil {
		t.Fatalf("ProveRange: %v", err)
	}
	output := models.BlindedOutput{Commitment: proof.Commitment, Proof: *proof}
	if err := m.RegisterOutputs(s.ID, id1, []models.BlindedOutput{output}); err != nil {
		t.Fatalf("RegisterOutputs(1): %v", err)
	}
	if err := m.RegisterOutputs(s.ID, id2, []models.BlindedOutput{output}); err != nil {
		t.Fatalf("RegisterOutputs(2): %v", err)
	}

	badSig, err := ringsig.SignSchnorr(store1, handle1, []byte("not the transaction message"))
	if err != nil {
		t.Fatalf("SignSchnorr: %v", err)
	}
	if err := m.SignTransaction(context.Background(), s.ID, id1, [][]byte{badSig}); err == nil {
		t.Fatalf("expected a signature over the wrong message to fail")
	}

	snap, _ = m.Session(s.ID)
	if snap.Phase != models.PhaseFailed {
		t.Fatalf("expected session to fail after an invalid signature, got %s", snap.Phase)
	}
	if len(snap.BlameList) != 1 || snap.BlameList[0] != id1 {
		t.Fatalf("expected participant %s to be blamed, got %+v", id1, snap.BlameList)
	}
	if !m.bans.IsBanned(pub1) {
		t.Fatalf("expected participant %s to be banned after an invalid signature", id1)
	}
}

