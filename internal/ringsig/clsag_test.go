package ringsig

import (
	"testing"

	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/secretstore"
)

const testMinRingSize = 7

func buildTestRing(t *testing.T, store *secretstore.MemoryStore, size, realIndex int) ([]curve.Point, secretstore.Handle) {
	t.Helper()
	ring := make([]curve.Point, size)
	var realHandle secretstore.Handle
	for i := 0; i < size; i++ {
		h, pub, err := store.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		ring[i] = pub
		if i == realIndex {
			realHandle = h
		}
	}
	return ring, realHandle
}

func TestCLSAGSignVerifyRoundtrip(t *testing.T) {
	store := secretstore.NewMemoryStore()
	const ringSize = 11
	const realIndex = 7

	ring, handle := buildTestRing(t, store, ringSize, realIndex)
	keyImage, err := store.ComputeKeyImage(handle)
	if err != nil {
		t.Fatalf("ComputeKeyImage: %v", err)
	}

	message := []byte("transfer 1 unit to stealth address XYZ")
	sig, err := Sign(store, handle, ring, realIndex, keyImage, message, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(sig, ring, message, nil, testMinRingSize, false); err != nil {
		t.Fatalf("Verify of a freshly produced signature failed: %v", err)
	}
}

func TestCLSAGVerifyRejectsTamperedDecoyResponse(t *testing.T) {
	store := secretstore.NewMemoryStore()
	const ringSize = 11
	const realIndex = 7

	ring, handle := buildTestRing(t, store, ringSize, realIndex)
	keyImage, err := store.ComputeKeyImage(handle)
	if err != nil {
		t.Fatalf("ComputeKeyImage: %v", err)
	}

	message := []byte("transfer 1 unit to stealth address XYZ")
	sig, err := Sign(store, handle, ring, realIndex, keyImage, message, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Tamper a decoy response scalar at an index other than realIndex.
	tamperIdx := 3
	if tamperIdx == realIndex {
		tamperIdx = 4
	}
	one, err := curve.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	sig.S[tamperIdx] = sig.S[tamperIdx].Add(one)

	if err := Verify(sig, ring, message, nil, testMinRingSize, false); err == nil {
		t.Fatalf("expected verify to fail after tampering decoy response s[%d]", tamperIdx)
	}
}

func TestCLSAGVerifyRejectsAlreadyRegisteredKeyImage(t *testing.T) {
	store := secretstore.NewMemoryStore()
	const ringSize = 11
	const realIndex = 2

	ring, handle := buildTestRing(t, store, ringSize, realIndex)
	keyImage, err := store.ComputeKeyImage(handle)
	if err != nil {
		t.Fatalf("ComputeKeyImage: %v", err)
	}

	message := []byte("replay attempt")
	sig, err := Sign(store, handle, ring, realIndex, keyImage, message, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(sig, ring, message, nil, testMinRingSize, false); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
	// Simulate the key image now being registered after the first accept.
	if err := Verify(sig, ring, message, nil, testMinRingSize, true); err == nil {
		t.Fatalf("expected replayed verify against a registered key image to fail")
	}
}

func TestCLSAGVerifyRejectsRingBelowMinimumSize(t *testing.T) {
	store := secretstore.NewMemoryStore()
	const ringSize = 5 // below testMinRingSize
	const realIndex = 1

	ring, handle := buildTestRing(t, store, ringSize, realIndex)
	keyImage, err := store.ComputeKeyImage(handle)
	if err != nil {
		t.Fatalf("ComputeKeyImage: %v", err)
	}

	message := []byte("small ring")
	sig, err := Sign(store, handle, ring, realIndex, keyImage, message, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(sig, ring, message, nil, testMinRingSize, false); err == nil {
		t.Fatalf("expected verify to reject a ring smaller than the configured minimum")
	}
}

func TestCLSAGSignWorksAtEveryRealIndexPosition(t *testing.T) {
	store := secretstore.NewMemoryStore()
	const ringSize = 8

	for realIndex := 0; realIndex < ringSize; realIndex++ {
		ring, handle := buildTestRing(t, store, ringSize, realIndex)
		keyImage, err := store.ComputeKeyImage(handle)
		if err != nil {
			t.Fatalf("ComputeKeyImage: %v", err)
		}
		message := []byte("position test")
		sig, err := Sign(store, handle, ring, realIndex, keyImage, message, nil)
		if err != nil {
			t.Fatalf("Sign at realIndex=%d: %v", realIndex, err)
		}
		if err := Verify(sig, ring, message, nil, 1, false); err != nil {
			t.Fatalf("Verify at realIndex=%d failed: %v", realIndex, err)
		}
	}
}

func TestCLSAGVerifyRejectsWrongMessage(t *testing.T) {
	store := secretstore.NewMemoryStore()
	const ringSize = 9
	const realIndex = 3

	ring, handle := buildTestRing(t, store, ringSize, realIndex)
	keyImage, err := store.ComputeKeyImage(handle)
	if err != nil {
		t.Fatalf("ComputeKeyImage: %v", err)
	}

	sig, err := Sign(store, handle, ring, realIndex, keyImage, []byte("original message"), nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(sig, ring, []byte("different message"), nil, 1, false); err == nil {
		t.Fatalf("expected verify to fail against a different message")
	}
}
