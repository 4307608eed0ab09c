package ringsig

import (
	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

const (
	rangeProofDomain = "mixer-engine/rangeproof/v1"
	rangeProofBits   = 64
)

// Commit produces a Pedersen commitment C = v*G + b*H for amount v and
// blinding scalar b, where H is a nothing-up-my-sleeve point independent
// of G (derived by hashing a fixed domain-separation tag into a point).
func Commit(amount int64, blinding curve.Scalar) []byte {
	return commitPoint(amount, blinding).Bytes()
}

func commitPoint(amount int64, blinding curve.Scalar) curve.Point {
	v := scalarFromInt64(amount)
	return curve.BasePointMul(v).Add(secondaryGenerator().Mul(blinding))
}

// secondaryGenerator returns H, a point with no known discrete log
// relationship to G, derived the same way internal/curve derives
// hash-to-point values elsewhere in this package.
func secondaryGenerator() curve.Point {
	return curve.HashToPoint(rangeProofDomain + "/generator-h")
}

// ProveRange builds a RangeProof asserting that commitment opens to amount
// with the given blinding scalar, without revealing either beyond what the
// commitment already fixes. The scheme here is a bit-decomposition proof:
// each of the 64 bits of amount is committed separately with a disjunctive
// proof that it opens to 0 or 1, and the per-bit commitments are shown to
// sum (with the right powers of two) to the original commitment. This is
// the same shape as the digit-commitment reasoning spec §4.3 describes for
// confidential amounts, kept deliberately simple since no bulletproof-style
// library appears anywhere in the retrieved corpus.
func ProveRange(amount int64, blinding curve.Scalar) (*models.RangeProof, error) {
	if amount < 0 {
		return nil, engineerr.New(engineerr.Validation, "negative_amount", "range proof amount must be non-negative")
	}

	commitment := commitPoint(amount, blinding)

	bitCommits := make([]curve.Point, rangeProofBits)
	bitResponses := make([]bitProof, rangeProofBits)

	sumBlind := curve.Scalar{}
	for i := 0; i < rangeProofBits; i++ {
		bit := (amount >> uint(i)) & 1
		b, err := curve.RandomScalar()
		if err != nil {
			return nil, engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw bit blinding scalar", err)
		}
		bitCommits[i] = commitBit(bit, b)

		weight := scalarFromInt64(int64(1) << uint(i))
		sumBlind = sumBlind.Add(b.Mul(weight))

		proof, err := proveBit(bit, b, bitCommits[i])
		if err != nil {
			return nil, err
		}
		bitResponses[i] = proof
	}

	// residualBlind closes the gap between the sum of weighted bit
	// blindings and the top-level commitment's own blinding scalar, so a
	// verifier can check the commitments recombine exactly.
	residualBlind := blinding.Sub(sumBlind)

	encoded := encodeBitProof(bitCommits, bitResponses, residualBlind)
	return &models.RangeProof{
		Commitment: commitment.Bytes(),
		Proof:      encoded,
	}, nil
}

// VerifyRange checks proof against commitment, recombining the per-bit
// commitments with their power-of-two weights and checking every bit's
// disjunctive proof, without ever learning the amount itself.
func VerifyRange(proof *models.RangeProof, commitment []byte) (bool, error) {
	bitCommits, bitResponses, residualBlind, err := decodeBitProof(proof.Proof)
	if err != nil {
		return false, err
	}
	if len(bitCommits) != rangeProofBits {
		return false, engineerr.New(engineerr.ProofFailure, "bit_count_mismatch", "range proof does not cover 64 bits")
	}

	target, err := curve.PointFromBytes(commitment)
	if err != nil {
		return false, engineerr.Wrap(engineerr.ProofFailure, "bad_commitment", "commitment is not a valid point", err)
	}

	recombined := bitCommits[0].Mul(scalarFromInt64(1))
	for i := 1; i < len(bitCommits); i++ {
		weight := scalarFromInt64(int64(1) << uint(i))
		recombined = recombined.Add(bitCommits[i].Mul(weight))
	}
	recombined = recombined.Add(secondaryGenerator().Mul(residualBlind))

	if !recombined.Equal(target) {
		return false, nil
	}

	for i, bc := range bitCommits {
		if !verifyBit(bc, bitResponses[i]) {
			return false, nil
		}
	}
	return true, nil
}

// bitProof is a 1-of-2 disjunctive Schnorr proof that a bit commitment
// opens to 0 or to 1.
type bitProof struct {
	c0, s0 curve.Scalar
	c1, s1 curve.Scalar
}

func commitBit(bit int64, blind curve.Scalar) curve.Point {
	return commitPoint(bit, blind)
}

// proveBit builds a disjunctive proof following the standard OR-proof
// construction: simulate the false branch, derive the real branch's
// challenge from the Fiat-Shamir hash of both branches' commitments minus
// the simulated challenge.
func proveBit(bit int64, blind curve.Scalar, commitment curve.Point) (bitProof, error) {
	var p bitProof

	fakeC, err := curve.RandomScalar()
	if err != nil {
		return p, engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw simulated challenge", err)
	}
	fakeS, err := curve.RandomScalar()
	if err != nil {
		return p, engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw simulated response", err)
	}
	k, err := curve.RandomScalar()
	if err != nil {
		return p, engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw nonce", err)
	}

	h := secondaryGenerator()

	if bit == 0 {
		// real branch proves commitment = 0*G + blind*H, i.e. knowledge of
		// blind as the discrete log of commitment base H.
		realNonce := h.Mul(k)
		fakeTarget := commitment.Sub(curve.BasePointMul(scalarFromInt64(1)))
		fakeCommit := h.Mul(fakeS).Add(fakeTarget.Mul(fakeC))
		e := curve.HashToScalar(rangeProofDomain+"/bit", commitment.Bytes(), realNonce.Bytes(), fakeCommit.Bytes())
		realC := e.Sub(fakeC)
		realS := k.Sub(realC.Mul(blind))
		p.c0, p.s0 = realC, realS
		p.c1, p.s1 = fakeC, fakeS
	} else {
		realNonce := h.Mul(k)
		fakeCommit := h.Mul(fakeS).Add(commitment.Mul(fakeC))
		e := curve.HashToScalar(rangeProofDomain+"/bit", commitment.Bytes(), fakeCommit.Bytes(), realNonce.Bytes())
		realC := e.Sub(fakeC)
		realS := k.Sub(realC.Mul(blind))
		p.c0, p.s0 = fakeC, fakeS
		p.c1, p.s1 = realC, realS
	}
	return p, nil
}

func verifyBit(commitment curve.Point, p bitProof) bool {
	h := secondaryGenerator()

	// branch 0 (bit=0) statement is "commitment = blind*H": target is the
	// commitment itself. branch 1 (bit=1) statement is
	// "commitment - G = blind*H": target is commitment minus G. This must
	// match proveBit's assignment exactly or the Schnorr identities never
	// close.
	target1 := commitment.Sub(curve.BasePointMul(scalarFromInt64(1)))
	nonce0 := h.Mul(p.s0).Add(commitment.Mul(p.c0))
	nonce1 := h.Mul(p.s1).Add(target1.Mul(p.c1))

	e := curve.HashToScalar(rangeProofDomain+"/bit", commitment.Bytes(), nonce0.Bytes(), nonce1.Bytes())
	sum := p.c0.Add(p.c1)
	return sum.Equal(e)
}

func scalarFromInt64(v int64) curve.Scalar {
	var buf [32]byte
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[31-i] = byte(u >> (8 * uint(i)))
	}
	return curve.ScalarFromBytes(buf[:])
}

func encodeBitProof(commits []curve.Point, proofs []bitProof, residual curve.Scalar) []byte {
	out := make([]byte, 0, len(commits)*(33+4*32)+32)
	for i, c := range commits {
		out = append(out, c.Bytes()...)
		c0, s0 := proofs[i].c0.Bytes(), proofs[i].s0.Bytes()
		c1, s1 := proofs[i].c1.Bytes(), proofs[i].s1.Bytes()
		out = append(out, c0[:]...)
		out = append(out, s0[:]...)
		out = append(out, c1[:]...)
		out = append(out, s1[:]...)
	}
	r := residual.Bytes()
	out = append(out, r[:]...)
	return out
}

func decodeBitProof(data []byte) ([]curve.Point, []bitProof, curve.Scalar, error) {
	const pointLen = 33
	const scalarLen = 32
	const recordLen = pointLen + 4*scalarLen
	total := rangeProofBits*recordLen + scalarLen
	if len(data) != total {
		return nil, nil, curve.Scalar{}, engineerr.New(engineerr.ProofFailure, "malformed_proof", "range proof blob has unexpected length")
	}

	commits := make([]curve.Point, rangeProofBits)
	proofs := make([]bitProof, rangeProofBits)
	off := 0
	for i := 0; i < rangeProofBits; i++ {
		pt, err := curve.PointFromBytes(data[off : off+pointLen])
		if err != nil {
			return nil, nil, curve.Scalar{}, engineerr.Wrap(engineerr.ProofFailure, "malformed_proof", "bad bit commitment point", err)
		}
		off += pointLen
		commits[i] = pt

		c0 := curve.ScalarFromBytes(data[off : off+scalarLen])
		off += scalarLen
		s0 := curve.ScalarFromBytes(data[off : off+scalarLen])
		off += scalarLen
		c1 := curve.ScalarFromBytes(data[off : off+scalarLen])
		off += scalarLen
		s1 := curve.ScalarFromBytes(data[off : off+scalarLen])
		off += scalarLen
		proofs[i] = bitProof{c0: c0, s0: s0, c1: c1, s1: s1}
	}
	residual := curve.ScalarFromBytes(data[off : off+scalarLen])
	return commits, proofs, residual, nil
}

// randomCommitmentBlind is a convenience for callers building confidential
// outputs that need a commitment's blinding scalar before an amount is
// known to ProveRange.
func randomCommitmentBlind() (curve.Scalar, error) {
	return curve.RandomScalar()
}
