package ringsig

import (
	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/secretstore"
)

const schnorrDomain = "mixer-engine/schnorr/v1"

// SignSchnorr produces a non-interactive Schnorr signature over message
// for the private scalar behind handle, using the same nonce/response
// custody boundary CLSAG signing uses: the raw scalar never leaves
// secretstore, only Respond's output does. The wire encoding is the
// 33-byte compressed nonce point R followed by the 32-byte response s.
func SignSchnorr(store secretstore.Store, handle secretstore.Handle, message []byte) ([]byte, error) {
	pub, err := store.PublicKey(handle)
	if err != nil {
		return nil, err
	}
	nonce, err := store.NewNonce()
	if err != nil {
		return nil, err
	}
	r := curve.BasePointMul(nonce)
	e := curve.HashToScalar(schnorrDomain, r.Bytes(), pub.Bytes(), message)
	s, err := store.Respond(handle, nonce, e)
	if err != nil {
		return nil, err
	}
	sBytes := s.Bytes()
	return append(r.Bytes(), sBytes[:]...), nil
}

// VerifySchnorrSignature checks a signature produced by SignSchnorr
// against pubkeyBytes (compressed SEC1) and message, without requiring
// any key-custody access.
func VerifySchnorrSignature(pubkeyBytes, message, signature []byte) (bool, error) {
	if len(signature) != 33+32 {
		return false, engineerr.New(engineerr.Validation, "bad_signature_length", "schnorr signature must be 65 bytes")
	}
	pub, err := curve.PointFromBytes(pubkeyBytes)
	if err != nil {
		return false, engineerr.Wrap(engineerr.Validation, "bad_pubkey", "failed to decode public key", err)
	}
	r, err := curve.PointFromBytes(signature[:33])
	if err != nil {
		return false, engineerr.Wrap(engineerr.Validation, "bad_nonce_point", "failed to decode signature nonce point", err)
	}
	s := curve.ScalarFromBytes(signature[33:])

	e := curve.HashToScalar(schnorrDomain, r.Bytes(), pub.Bytes(), message)
	// s = nonce - e*x, so s*G == R - e*P must hold.
	lhs := curve.BasePointMul(s)
	rhs := r.Sub(pub.Mul(e))
	return lhs.Equal(rhs), nil
}
