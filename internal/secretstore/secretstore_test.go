package secretstore

import (
	"testing"

	"github.com/rawblock/mixer-engine/internal/curve"
)

func TestMemoryStoreGenerateAndPublicKey(t *testing.T) {
	store := NewMemoryStore()
	handle, pub, err := store.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub2, err := store.PublicKey(handle)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !pub.Equal(pub2) {
		t.Fatalf("PublicKey(handle) does not match key returned by GenerateKey")
	}
}

func TestMemoryStoreUnknownHandle(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.PublicKey("nonexistent"); err == nil {
		t.Fatalf("expected error for unknown handle")
	}
	if _, err := store.ComputeKeyImage("nonexistent"); err == nil {
		t.Fatalf("expected error for unknown handle")
	}
}

func TestComputeKeyImageDeterministic(t *testing.T) {
	store := NewMemoryStore()
	handle, _, err := store.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	img1, err := store.ComputeKeyImage(handle)
	if err != nil {
		t.Fatalf("ComputeKeyImage: %v", err)
	}
	img2, err := store.ComputeKeyImage(handle)
	if err != nil {
		t.Fatalf("ComputeKeyImage: %v", err)
	}
	if !img1.Equal(img2) {
		t.Fatalf("ComputeKeyImage not deterministic for same handle")
	}
}

func TestDistinctHandlesProduceDistinctKeyImages(t *testing.T) {
	store := NewMemoryStore()
	h1, _, _ := store.GenerateKey()
	h2, _, _ := store.GenerateKey()
	img1, _ := store.ComputeKeyImage(h1)
	img2, _ := store.ComputeKeyImage(h2)
	if img1.Equal(img2) {
		t.Fatalf("distinct keys produced the same key image")
	}
}

func TestRespondSatisfiesSchnorrIdentity(t *testing.T) {
	store := NewMemoryStore()
	handle, pub, err := store.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	nonce, err := store.NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	challenge, err := curve.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	response, err := store.Respond(handle, nonce, challenge)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	// s*G + c*P must equal nonce*G == alpha*G, the Schnorr verification identity.
	lhs := curve.BasePointMul(response).Add(pub.Mul(challenge))
	rhs := curve.BasePointMul(nonce)
	if !lhs.Equal(rhs) {
		t.Fatalf("Respond did not satisfy s*G + c*P == alpha*G")
	}
}
