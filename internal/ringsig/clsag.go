// Package ringsig implements the ring-signature / stealth-address engine
// of spec §4.3: CLSAG signing and verification, the key-image registry,
// decoy selection, stealth-address derivation, and ring-transaction value
// balancing. The curve arithmetic is internal/curve's Scalar/Point types;
// key custody goes through internal/secretstore so a private spend scalar
// never exists outside that package.
package ringsig

import (
	"crypto/rand"
	"fmt"

	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/secretstore"
)

const clsagDomain = "mixer-engine/clsag/v1"

// Signature is the in-memory form of a CLSAG proof: n challenge scalars,
// n response scalars, and the linking key image, matching the |c|=|s|=n
// invariant of spec §4.3.
type Signature struct {
	C        []curve.Scalar
	S        []curve.Scalar
	KeyImage curve.Point
	RingSize int
	Message  [32]byte
}

// Sign produces a CLSAG ring signature linking keyImage to one of the
// public keys in ring, without revealing which. It follows the spec's
// seven-step procedure, implemented as the classical cyclic
// (Abe-Ohkubo-Suzuki-style) challenge chain: the published c[0] is the
// single value a verifier needs to recompute the whole loop and check
// closure, which is what lets verification work without knowing
// realIndex — storing independently random c_i at every index (as a
// literal reading of "draw random c_i, s_i" would require) would leak
// realIndex the moment a verifier found the one index whose c_i matched
// a freshly rederived challenge, so the chain construction is the
// reconciliation recorded in DESIGN.md.
func Sign(store secretstore.Store, handle secretstore.Handle, ring []curve.Point, realIndex int, keyImage curve.Point, message []byte, commitment []byte) (*Signature, error) {
	n := len(ring)
	if realIndex < 0 || realIndex >= n {
		return nil, engineerr.New(engineerr.Validation, "real_index_out_of_range", "real index not present in ring")
	}

	msgHash := curve.HashToScalar(clsagDomain+"/message", message).Bytes()

	alpha, err := store.NewNonce()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "nonce_failed", "failed to draw signing nonce", err)
	}

	c := make([]curve.Scalar, n)
	s := make([]curve.Scalar, n)

	realPub := ring[realIndex]
	lReal := curve.BasePointMul(alpha)
	rReal := curve.HashToPoint("key-image", realPub.Bytes()).Mul(alpha)

	e := chainStep(message, commitment, lReal, rReal)

	idx := (realIndex + 1) % n
	for visited := 0; visited < n-1; visited++ {
		c[idx] = e
		si, err := curve.RandomScalar()
		if err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "decoy_scalar_failed", "failed to draw decoy response scalar", err)
		}
		s[idx] = si

		pi := ring[idx]
		li := curve.BasePointMul(si).Add(pi.Mul(c[idx]))
		ri := curve.HashToPoint("key-image", pi.Bytes()).Mul(si).Add(keyImage.Mul(c[idx]))

		e = chainStep(message, commitment, li, ri)
		idx = (idx + 1) % n
	}

	// the chain has now looped back to realIndex: e is the closing challenge
	c[realIndex] = e
	response, err := store.Respond(handle, alpha, e)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "respond_failed", "failed to compute CLSAG response", err)
	}
	s[realIndex] = response

	return &Signature{C: c, S: s, KeyImage: keyImage, RingSize: n, Message: msgHash}, nil
}

// Verify checks sig against ring and message, per spec §4.3's CLSAG
// verify procedure. alreadyRegistered reports whether sig.KeyImage is
// already in the key-image registry (as KeyImageRegistry.Contains answers
// it); Verify returns ErrDoubleSpend when it is set and never touches the
// registry itself, so registering the key image after an accepted
// signature is left to the caller.
func Verify(sig *Signature, ring []curve.Point, message []byte, commitment []byte, minRingSize int, alreadyRegistered bool) error {
	n := len(ring)
	if len(sig.C) != n || len(sig.S) != n || sig.RingSize != n {
		return engineerr.New(engineerr.ProofFailure, "length_mismatch", "c/s/ring length mismatch")
	}
	if n < minRingSize {
		return engineerr.New(engineerr.Validation, "ring_too_small", fmt.Sprintf("ring size %d below minimum %d", n, minRingSize))
	}
	if alreadyRegistered {
		return engineerr.ErrDoubleSpend
	}

	e := sig.C[0]
	for i := 0; i < n; i++ {
		pi := ring[i]
		li := curve.BasePointMul(sig.S[i]).Add(pi.Mul(e))
		ri := curve.HashToPoint("key-image", pi.Bytes()).Mul(sig.S[i]).Add(sig.KeyImage.Mul(e))
		e = chainStep(message, commitment, li, ri)
	}

	if !e.Equal(sig.C[0]) {
		return engineerr.New(engineerr.ProofFailure, "chain_mismatch", "CLSAG challenge chain did not close")
	}
	return nil
}

// chainStep advances the CLSAG challenge chain by hashing the message,
// optional commitment, and this step's (L, R) pair into the next
// challenge scalar.
func chainStep(message, commitment []byte, l, r curve.Point) curve.Scalar {
	lb := l.Bytes()
	rb := r.Bytes()
	if commitment != nil {
		return curve.HashToScalar(clsagDomain+"/chain", message, commitment, lb, rb)
	}
	return curve.HashToScalar(clsagDomain+"/chain", message, lb, rb)
}

// ComputeKeyImage is a package-level convenience over the secret store,
// for callers that only have a handle and need I = x*H_p(P).
func ComputeKeyImage(store secretstore.Store, handle secretstore.Handle) (curve.Point, error) {
	return store.ComputeKeyImage(handle)
}

// randomRingPosition draws a CSPRNG-uniform index in [0, n), the "u32 mod
// n" placement spec §4.3 specifies for inserting the real key into a ring.
func randomRingPosition(n int) (int, error) {
	if n <= 0 {
		return 0, engineerr.New(engineerr.Validation, "invalid_ring_size", "ring size must be positive")
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw random ring position", err)
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return int(v % uint32(n)), nil
}
