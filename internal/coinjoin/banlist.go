// Package coinjoin implements the multi-party CoinJoin session engine of
// spec §4.2: the registration→output_registration→signing→broadcasting
// state machine, blinded output registration with range-proof checks, the
// Fisher-Yates output shuffle, transaction-message derivation, and the
// blame/ban list.
package coinjoin

import (
	"crypto/sha256"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rawblock/mixer-engine/pkg/models"
)

// BanList tracks participants blamed for signing-round misbehavior, keyed
// by H(pubkey) per spec §4.2 ("ban list is keyed by H(pubkey)"), with
// entries expiring after the configured ban duration.
type BanList struct {
	mu    sync.RWMutex
	cache *lru.LRU[string, time.Time]
}

// NewBanList returns a BanList whose entries expire after banDuration.
func NewBanList(banDuration time.Duration) *BanList {
	return &BanList{cache: lru.NewLRU[string, time.Time](4096, nil, banDuration)}
}

// Ban records pubkey as banned.
func (b *BanList) Ban(pubkey []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache.Add(hashPubkey(pubkey), time.Now())
}

// IsBanned reports whether pubkey is currently banned.
func (b *BanList) IsBanned(pubkey []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.cache.Get(hashPubkey(pubkey))
	return ok
}

func hashPubkey(pubkey []byte) string {
	sum := sha256.Sum256(pubkey)
	return string(sum[:])
}

// ParticipantIDFor derives the spec's ParticipantID = H(pubkey), hex-encoded.
func ParticipantIDFor(pubkey []byte) models.ParticipantID {
	sum := sha256.Sum256(pubkey)
	const hextable = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return models.ParticipantID(out)
}
