package models

// RingKey is one member of a ring signature's anonymity set. Decoy keys
// never carry a PrivateKey; only the real spender's entry does, and only
// transiently while a signature is being produced.
type RingKey struct {
	PublicKey  []byte // compressed curve point
	PrivateKey []byte // nil for decoys
	Metadata   RingKeyMetadata
}

// RingKeyMetadata is the on-chain provenance of a candidate ring member,
// used by decoy selection to respect the configured age window.
type RingKeyMetadata struct {
	Amount      int64
	BlockHeight int64
	TxHash      string
	OutputIndex uint32
	KeyImage    []byte // nil when the input's underlying scheme has no linkability tag
}

// RingAlgorithm names the signature scheme a RingSignature was produced with.
type RingAlgorithm string

const (
	AlgorithmCLSAG     RingAlgorithm = "CLSAG"
	AlgorithmBorromean RingAlgorithm = "Borromean"
	AlgorithmMLSAG     RingAlgorithm = "MLSAG"
)

// RingSignature is a produced (or verified) ring signature over a ring of
// public keys, per §3/§4.3.
type RingSignature struct {
	C            [][]byte // n scalars
	S            [][]byte // n scalars
	KeyImage     []byte
	RingSize     int
	MessageHash  []byte
	Algorithm    RingAlgorithm
	Version      int
}

// StealthAddress is a one-time receiver address derived from a recipient's
// (spend, view) key pair and sender-chosen ephemeral randomness.
type StealthAddress struct {
	SpendPubKey []byte
	ViewPubKey  []byte
	Address     string
	TxPubKey    []byte // ephemeral R = r*G, published by the sender
}

// RangeProof is an opaque proof that a Pedersen-style commitment opens to a
// value in [0, 2^64). The scheme is abstracted behind Prove/Verify in
// internal/ringsig; this is just the wire shape.
type RangeProof struct {
	Commitment []byte
	Proof      []byte
}

// RingTransactionInput is one spend: a ring of candidate keys, the CLSAG
// signature over it, and (in confidential mode) a value commitment.
type RingTransactionInput struct {
	Ring       []RingKey
	Signature  RingSignature
	Commitment []byte // present only when confidential transactions are enabled
}

// RingTransactionOutput is one payout: a stealth address and, in
// confidential mode, a commitment + range proof.
type RingTransactionOutput struct {
	Stealth    StealthAddress
	Amount     int64 // cleartext amount; zero-value when confidential
	Commitment []byte
	Proof      *RangeProof
}

// RingTransaction combines N ring-signed inputs and M stealth outputs.
type RingTransaction struct {
	Inputs       []RingTransactionInput
	Outputs      []RingTransactionOutput
	Fee          int64
	Confidential bool
}
