// Package secretstore defines the key-custody boundary spec §4.3 assumes:
// ring keys and stealth spend keys never leave this package as raw
// private scalars except to sign or derive a key image. The in-memory
// implementation backs unit tests; a hardware/HSM-backed implementation
// would satisfy the same Store interface in production.
package secretstore

import (
	"sync"

	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/engineerr"
)

// Handle identifies a private scalar held by a Store without exposing it.
type Handle string

// Store is the key-custody contract: generate, sign, and derive key
// images without ever returning a raw private scalar to the caller. The
// CLSAG response step (`s := alpha - c*x`) is the one arithmetic
// operation that touches the private scalar directly, so it is exposed
// as Respond rather than handing callers the scalar itself.
type Store interface {
	GenerateKey() (Handle, curve.Point, error)
	NewNonce() (curve.Scalar, error)
	Respond(handle Handle, nonce, challenge curve.Scalar) (curve.Scalar, error)
	ComputeKeyImage(handle Handle) (curve.Point, error)
	PublicKey(handle Handle) (curve.Point, error)
}

// MemoryStore is a process-local Store, suitable for tests and for the
// reference single-node deployment where HSM custody is out of scope.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[Handle]curve.Scalar
	next int
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[Handle]curve.Scalar)}
}

// GenerateKey creates a new random scalar and returns an opaque handle
// plus its public point.
func (m *MemoryStore) GenerateKey() (Handle, curve.Point, error) {
	sc, err := curve.RandomScalar()
	if err != nil {
		return "", curve.Point{}, engineerr.Wrap(engineerr.AdapterFailure, "keygen_failed", "failed to generate key", err)
	}
	m.mu.Lock()
	m.next++
	h := Handle(handleString(m.next))
	m.keys[h] = sc
	m.mu.Unlock()
	return h, curve.BasePointMul(sc), nil
}

// NewNonce draws a fresh random scalar alpha for a CLSAG signing
// attempt's real-index step. It carries no association with any
// particular handle. The response Respond computes from it is published in
// the signature, so alpha together with that response would reveal the
// private scalar.
func (m *MemoryStore) NewNonce() (curve.Scalar, error) {
	nonce, err := curve.RandomScalar()
	if err != nil {
		return curve.Scalar{}, engineerr.Wrap(engineerr.AdapterFailure, "nonce_failed", "failed to generate nonce", err)
	}
	return nonce, nil
}

// Respond computes s = alpha - challenge*x for the private scalar x
// behind handle, the one step of CLSAG signing that requires the
// long-term private key.
func (m *MemoryStore) Respond(handle Handle, nonce, challenge curve.Scalar) (curve.Scalar, error) {
	m.mu.RLock()
	x, ok := m.keys[handle]
	m.mu.RUnlock()
	if !ok {
		return curve.Scalar{}, engineerr.New(engineerr.Validation, "unknown_handle", "no key for handle")
	}
	return nonce.Sub(challenge.Mul(x)), nil
}

// ComputeKeyImage derives the CLSAG key image I = x * H_p(P) for the
// private scalar x behind handle, with public key P = x*G.
func (m *MemoryStore) ComputeKeyImage(handle Handle) (curve.Point, error) {
	m.mu.RLock()
	sc, ok := m.keys[handle]
	m.mu.RUnlock()
	if !ok {
		return curve.Point{}, engineerr.New(engineerr.Validation, "unknown_handle", "no key for handle")
	}
	pub := curve.BasePointMul(sc)
	hp := curve.HashToPoint("key-image", pub.Bytes())
	return hp.Mul(sc), nil
}

// PublicKey returns the public point for handle without revealing the
// private scalar.
func (m *MemoryStore) PublicKey(handle Handle) (curve.Point, error) {
	m.mu.RLock()
	sc, ok := m.keys[handle]
	m.mu.RUnlock()
	if !ok {
		return curve.Point{}, engineerr.New(engineerr.Validation, "unknown_handle", "no key for handle")
	}
	return curve.BasePointMul(sc), nil
}

// PrivateScalar exposes the raw scalar for test fixtures that need to
// build CLSAG signatures end to end without an HSM in the loop. Never
// called from the engine's production code paths.
func (m *MemoryStore) PrivateScalar(handle Handle) (curve.Scalar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.keys[handle]
	return sc, ok
}

func handleString(n int) string {
	const alphabet = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n%16]
		n /= 16
	}
	return "h" + string(buf[i:])
}
