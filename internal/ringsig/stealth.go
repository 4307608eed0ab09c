package ringsig

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rawblock/mixer-engine/internal/curve"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

const stealthDomain = "mixer-engine/stealth/v1"

// scanCacheSize bounds ScanCache the same way candidateCacheSize bounds
// CandidateCache: a fixed capacity plus a TTL, per spec §5.
const scanCacheSize = 4096

// ScanCache memoizes ScanOwnership results for ttl, so a wallet rescanning
// the same block range repeatedly (e.g. after a reorg, or on every poll
// interval before the next block lands) doesn't redo the same elliptic
// curve multiplications for outputs it already classified.
type ScanCache struct {
	cache *lru.LRU[string, bool]
}

// NewScanCache returns a ScanCache whose entries expire after ttl.
func NewScanCache(ttl time.Duration) *ScanCache {
	return &ScanCache{cache: lru.NewLRU[string, bool](scanCacheSize, nil, ttl)}
}

// ScanOwnershipCached behaves like ScanOwnership, consulting cache first
// and recording the result under a key derived from the receiver's spend
// public key and the candidate output's public points; the view key is
// not part of the cache key.
func ScanOwnershipCached(cache *ScanCache, viewPriv curve.Scalar, spendPub curve.Point, txPub, onetimePub curve.Point) bool {
	key := scanCacheKey(spendPub, txPub, onetimePub)
	if owned, ok := cache.cache.Get(key); ok {
		return owned
	}
	owned := ScanOwnership(viewPriv, spendPub, txPub, onetimePub)
	cache.cache.Add(key, owned)
	return owned
}

func scanCacheKey(spendPub, txPub, onetimePub curve.Point) string {
	h := sha256.New()
	h.Write(spendPub.Bytes())
	h.Write(txPub.Bytes())
	h.Write(onetimePub.Bytes())
	return string(h.Sum(nil))
}

// DeriveStealthOutput implements spec §4.3's stealth-address scheme for
// the sending side: given receiver spend/view public keys (S, V), draw a
// random ephemeral r, publish R = r*G, and derive the one-time output
// public key P' = H(r*V)*G + S.
func DeriveStealthOutput(spendPub, viewPub curve.Point) (models.StealthAddress, error) {
	r, err := curve.RandomScalar()
	if err != nil {
		return models.StealthAddress{}, engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw ephemeral scalar", err)
	}
	txPub := curve.BasePointMul(r)
	shared := viewPub.Mul(r)
	s := curve.HashToScalar(stealthDomain+"/shared-secret", shared.Bytes())
	onetime := curve.BasePointMul(s).Add(spendPub)

	return models.StealthAddress{
		SpendPubKey: spendPub.Bytes(),
		ViewPubKey:  viewPub.Bytes(),
		Address:     hex.EncodeToString(onetime.Bytes()),
		TxPubKey:    txPub.Bytes(),
	}, nil
}

// ScanOwnership reports whether a stealth output addressed to onetimePub
// with ephemeral key txPub belongs to the receiver holding (viewPriv,
// spendPub): s' = H(v*R); owned iff s'*G + S == P'.
func ScanOwnership(viewPriv curve.Scalar, spendPub curve.Point, txPub, onetimePub curve.Point) bool {
	shared := txPub.Mul(viewPriv)
	s := curve.HashToScalar(stealthDomain+"/shared-secret", shared.Bytes())
	candidate := curve.BasePointMul(s).Add(spendPub)
	return candidate.Equal(onetimePub)
}

// DeriveSpendScalar computes x' = s + d, the one-time spend scalar for an
// owned stealth output, where d is the receiver's long-term spend private
// scalar and s = H(v*R) as in ScanOwnership.
func DeriveSpendScalar(viewPriv curve.Scalar, spendPriv curve.Scalar, txPub curve.Point) curve.Scalar {
	shared := txPub.Mul(viewPriv)
	s := curve.HashToScalar(stealthDomain+"/shared-secret", shared.Bytes())
	return s.Add(spendPriv)
}
