package ringsig

import (
	"math"

	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

const valueBalanceTolerance = 1e-6

// CheckValueBalance enforces spec §4.3's value-balance invariant for a
// plaintext (non-confidential) ring transaction: the sum of input amounts
// must equal the sum of output amounts plus the fee, within floating-point
// tolerance.
func CheckValueBalance(inputAmounts []int64, outputAmounts []int64, fee int64) error {
	var inSum, outSum int64
	for _, a := range inputAmounts {
		inSum += a
	}
	for _, a := range outputAmounts {
		outSum += a
	}
	diff := math.Abs(float64(inSum) - float64(outSum+fee))
	if diff > valueBalanceTolerance {
		return engineerr.New(engineerr.BusinessRule, "value_imbalance", "ring transaction inputs do not balance against outputs plus fee")
	}
	return nil
}

// CheckConfidentialBalance enforces the confidential-transaction analogue:
// the sum of input Pedersen commitments must equal the sum of output
// commitments plus fee*G as an elliptic-curve identity, which holds
// automatically when every commitment's blinding factor was chosen so the
// input and output blindings cancel. No amount or blinding factor is
// revealed by this check. Every output's range proof is also verified so a
// balanced-but-negative output amount cannot be smuggled through.
func CheckConfidentialBalance(inputCommitments [][]byte, outputs []models.RingTransactionOutput, fee int64) error {
	if len(inputCommitments) == 0 {
		return engineerr.New(engineerr.Validation, "no_inputs", "confidential transaction has no input commitments")
	}

	inSum, err := sumCommitments(inputCommitments)
	if err != nil {
		return err
	}

	outCommitments := make([][]byte, len(outputs))
	for i, o := range outputs {
		if o.Commitment == nil {
			return engineerr.New(engineerr.Validation, "missing_commitment", "confidential output missing a commitment")
		}
		outCommitments[i] = o.Commitment
	}
	outSum, err := sumCommitments(outCommitments)
	if err != nil {
		return err
	}
	outSum = outSum.Add(curve.BasePointMul(scalarFromInt64(fee)))

	if !inSum.Equal(outSum) {
		return engineerr.New(engineerr.BusinessRule, "value_imbalance", "ring transaction commitments do not balance against outputs plus fee")
	}

	for _, o := range outputs {
		if o.Proof == nil {
			return engineerr.New(engineerr.ProofFailure, "missing_range_proof", "confidential output missing a range proof")
		}
		ok, err := VerifyRange(o.Proof, o.Commitment)
		if err != nil {
			return err
		}
		if !ok {
			return engineerr.New(engineerr.ProofFailure, "range_proof_failed", "confidential output range proof did not verify")
		}
	}
	return nil
}

func sumCommitments(commitments [][]byte) (curve.Point, error) {
	sum, err := curve.PointFromBytes(commitments[0])
	if err != nil {
		return curve.Point{}, engineerr.Wrap(engineerr.ProofFailure, "bad_commitment", "commitment is not a valid point", err)
	}
	for _, c := range commitments[1:] {
		pt, err := curve.PointFromBytes(c)
		if err != nil {
			return curve.Point{}, engineerr.Wrap(engineerr.ProofFailure, "bad_commitment", "commitment is not a valid point", err)
		}
		sum = sum.Add(pt)
	}
	return sum, nil
}

// BuildRingTransaction assembles a RingTransaction from already-produced
// CLSAG signatures and stealth outputs, applying CheckValueBalance or
// CheckConfidentialBalance depending on confidential.
func BuildRingTransaction(inputs []models.RingTransactionInput, outputs []models.RingTransactionOutput, fee int64, confidential bool) (*models.RingTransaction, error) {
	if confidential {
		commitments := make([][]byte, len(inputs))
		for i, in := range inputs {
			if in.Commitment == nil {
				return nil, engineerr.New(engineerr.Validation, "missing_commitment", "confidential input missing a commitment")
			}
			commitments[i] = in.Commitment
		}
		if err := CheckConfidentialBalance(commitments, outputs, fee); err != nil {
			return nil, err
		}
	} else {
		inAmounts := make([]int64, 0, len(inputs))
		for _, in := range inputs {
			for _, rk := range in.Ring {
				if rk.PrivateKey != nil {
					inAmounts = append(inAmounts, rk.Metadata.Amount)
				}
			}
		}
		outAmounts := make([]int64, len(outputs))
		for i, o := range outputs {
			outAmounts[i] = o.Amount
		}
		if err := CheckValueBalance(inAmounts, outAmounts, fee); err != nil {
			return nil, err
		}
	}

	return &models.RingTransaction{
		Inputs:       inputs,
		Outputs:      outputs,
		Fee:          fee,
		Confidential: confidential,
	}, nil
}
