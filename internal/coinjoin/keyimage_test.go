package coinjoin

import (
	"context"
	"testing"

	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/events"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/internal/ringsig"
	"github.com/rawblock/mixer-engine/internal/secretstore"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// twoSessionsRaceForKeyImage pushes two independently created sessions,
// each registering a single participant whose declared input carries the
// same key image, through to the signing step. Whichever session calls
// SignTransaction first claims the key image; the other must fail with a
// double-spend error and never reach broadcasting, per the collision
// scenario spec §4.3/§8 describe for ring-signed inputs shared across
// concurrent sessions.
func twoSessionsRaceForKeyImage(t *testing.T) (*Manager, *models.CoinJoinSession, *models.CoinJoinSession, models.ParticipantID, models.ParticipantID, secretstore.Store, secretstore.Handle, secretstore.Store, secretstore.Handle) {
	t.Helper()
	registry := ringsig.NewRepositoryKeyImageRegistry(repository.NewMemoryRepository())
	cfg := testConfig()
	cfg.MinParticipants = 1
	m := NewManager(cfg, events.NewHub(), registry)

	sharedKeyImage := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	sA, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession A: %v", err)
	}
	sB, err := m.CreateSession(models.BTC, 10_000_000, []byte("coordinator"))
	if err != nil {
		t.Fatalf("CreateSession B: %v", err)
	}

	storeA := secretstore.NewMemoryStore()
	handleA, pubA, _ := storeA.GenerateKey()
	challengeA := make([]byte, 32)
	sigA, err := ringsig.SignSchnorr(storeA, handleA, challengeA)
	if err != nil {
		t.Fatalf("SignSchnorr A: %v", err)
	}
	inputsA := []models.RingKeyMetadata{{Amount: 10_100_000, TxHash: "txA", OutputIndex: 0, KeyImage: sharedKeyImage}}
	idA, err := m.RegisterParticipant(context.Background(), sA.ID, inputsA, pubA.Bytes(), challengeA, sigA)
	if err != nil {
		t.Fatalf("RegisterParticipant A: %v", err)
	}

	storeB := secretstore.NewMemoryStore()
	handleB, pubB, _ := storeB.GenerateKey()
	challengeB := make([]byte, 32)
	sigB, err := ringsig.SignSchnorr(storeB, handleB, challengeB)
	if err != nil {
		t.Fatalf("SignSchnorr B: %v", err)
	}
	inputsB := []models.RingKeyMetadata{{Amount: 10_100_000, TxHash: "txB", OutputIndex: 0, KeyImage: sharedKeyImage}}
	idB, err := m.RegisterParticipant(context.Background(), sB.ID, inputsB, pubB.Bytes(), challengeB, sigB)
	if err != nil {
		t.Fatalf("RegisterParticipant B: %v", err)
	}

	for _, pair := range []struct {
		sessionID string
		id        models.ParticipantID
	}{{sA.ID, idA}, {sB.ID, idB}} {
		blind, err := curve.RandomScalar()
		if err != nil {
			t.Fatalf("blinding scalar: %v", err)
		}
		snap, _ := m.Session(pair.sessionID)
		proof, err := ringsig.ProveRange(snap.Denomination, blind)
		if err != nil {
			t.Fatalf("ProveRange: %v", err)
		}
		output := models.BlindedOutput{Commitment: proof.Commitment, Proof: *proof}
		if err := m.RegisterOutputs(pair.sessionID, pair.id, []models.BlindedOutput{output}); err != nil {
			t.Fatalf("RegisterOutputs: %v", err)
		}
	}

	return m, sA, sB, idA, idB, storeA, handleA, storeB, handleB
}

func TestSignTransactionDetectsCrossSessionKeyImageCollision(t *testing.T) {
	m, sA, sB, idA, idB, storeA, handleA, storeB, handleB := twoSessionsRaceForKeyImage(t)

	snapA, _ := m.Session(sA.ID)
	msgA := TransactionMessage(&snapA)
	sigA, err := ringsig.SignSchnorr(storeA, handleA, msgA)
	if err != nil {
		t.Fatalf("SignSchnorr: %v", err)
	}
	if err := m.SignTransaction(context.Background(), sA.ID, idA, [][]byte{sigA}); err != nil {
		t.Fatalf("expected session A to win the key image race: %v", err)
	}
	snapA, _ = m.Session(sA.ID)
	if snapA.Phase != models.PhaseBroadcasting {
		t.Fatalf("expected session A to reach broadcasting, got %s", snapA.Phase)
	}

	snapB, _ := m.Session(sB.ID)
	msgB := TransactionMessage(&snapB)
	sigB, err := ringsig.SignSchnorr(storeB, handleB, msgB)
	if err != nil {
		t.Fatalf("SignSchnorr: %v", err)
	}
	if err := m.SignTransaction(context.Background(), sB.ID, idB, [][]byte{sigB}); err == nil {
		t.Fatalf("expected session B to lose the key image race with a double-spend error")
	}
	snapB, _ = m.Session(sB.ID)
	if snapB.Phase != models.PhaseFailed {
		t.Fatalf("expected session B to fail without broadcasting, got %s", snapB.Phase)
	}
}

func TestFisherYatesShuffleIsAPermutation(t *testing.T) {
	items := make([]models.BlindedOutput, 10)
	seen := make(map[string]bool, 10)
	for i := range items {
		tag := []byte{byte(i)}
		items[i] = models.BlindedOutput{Commitment: tag}
		seen[string(tag)] = true
	}

	fisherYatesShuffle(items)

	if len(items) != 10 {
		t.Fatalf("shuffle changed slice length to %d", len(items))
	}
	after := make(map[string]bool, 10)
	for _, it := range items {
		after[string(it.Commitment)] = true
	}
	for tag := range seen {
		if !after[tag] {
			t.Fatalf("shuffle lost element %v", []byte(tag))
		}
	}
}
