package ringsig

import (
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// candidateCacheSize bounds the decoy-candidate cache the same way
// coinjoin.BanList bounds its ban entries: a fixed capacity plus a TTL,
// per spec §5's "bounded memory... LRU eviction of non-critical caches".
const candidateCacheSize = 4096

// CandidateCache memoizes a currency's decoy-eligible candidate set for
// ttl, so repeated decoy draws within a short window (e.g. several ring
// signatures assembled back to back for one mix request) don't re-query
// the chain indexer for the same eligible pool each time.
type CandidateCache struct {
	cache *lru.LRU[string, []Candidate]
}

// NewCandidateCache returns a CandidateCache whose entries expire after ttl.
func NewCandidateCache(ttl time.Duration) *CandidateCache {
	return &CandidateCache{cache: lru.NewLRU[string, []Candidate](candidateCacheSize, nil, ttl)}
}

// Get returns the cached candidate set for key, if present and unexpired.
func (c *CandidateCache) Get(key string) ([]Candidate, bool) {
	return c.cache.Get(key)
}

// Put stores candidates under key for later Get calls.
func (c *CandidateCache) Put(key string, candidates []Candidate) {
	c.cache.Add(key, candidates)
}

// Candidate is one prior on-chain output eligible for decoy selection.
type Candidate struct {
	Key models.RingKeyMetadata
	Pub []byte // compressed point bytes
	Age int64  // blocks since creation
}

// SelectDecoysCached behaves like SelectDecoys, but sources the candidate
// pool from cache under cacheKey (typically the currency) when present and
// unexpired, falling back to fetch (a chain-indexer query) on a cache miss
// and populating cache with the result for subsequent calls.
func SelectDecoysCached(cache *CandidateCache, cacheKey string, fetch func() ([]Candidate, error), real Candidate, ringSize int, algo config.DecoySelectionAlgorithm, minAge, maxAge int64) ([]Candidate, int, error) {
	candidates, ok := cache.Get(cacheKey)
	if !ok {
		fetched, err := fetch()
		if err != nil {
			return nil, 0, err
		}
		candidates = fetched
		cache.Put(cacheKey, candidates)
	}
	return SelectDecoys(real, candidates, ringSize, algo, minAge, maxAge)
}

// SelectDecoys picks n-1 decoys from candidates (filtered to
// [minAge,maxAge]) per the configured distribution, inserts the real key
// at a CSPRNG-drawn position, and returns the full ring plus the index
// the real key landed at.
func SelectDecoys(real Candidate, candidates []Candidate, ringSize int, algo config.DecoySelectionAlgorithm, minAge, maxAge int64) ([]Candidate, int, error) {
	if ringSize < 1 {
		return nil, 0, engineerr.New(engineerr.Validation, "invalid_ring_size", "ring size must be >= 1")
	}
	needed := ringSize - 1

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Age >= minAge && c.Age <= maxAge {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) < needed {
		return nil, 0, engineerr.New(engineerr.BusinessRule, "insufficient_decoys", "not enough eligible decoy candidates for requested ring size")
	}

	decoys, err := pickByAge(eligible, needed, algo, minAge, maxAge)
	if err != nil {
		return nil, 0, err
	}

	realIndex, err := randomRingPosition(ringSize)
	if err != nil {
		return nil, 0, err
	}

	ring := make([]Candidate, ringSize)
	di := 0
	for i := 0; i < ringSize; i++ {
		if i == realIndex {
			ring[i] = real
			continue
		}
		ring[i] = decoys[di]
		di++
	}
	return ring, realIndex, nil
}

// pickByAge selects `count` distinct candidates from eligible, with a
// target age sampled from the configured distribution and snapped to the
// nearest available candidate age, without replacement.
func pickByAge(eligible []Candidate, count int, algo config.DecoySelectionAlgorithm, minAge, maxAge int64) ([]Candidate, error) {
	pool := make([]Candidate, len(eligible))
	copy(pool, eligible)
	sort.Slice(pool, func(i, j int) bool { return pool[i].Age < pool[j].Age })

	used := make(map[int]bool, count)
	out := make([]Candidate, 0, count)
	for len(out) < count {
		target, err := sampleAge(algo, minAge, maxAge)
		if err != nil {
			return nil, err
		}
		idx := nearestUnused(pool, used, target)
		if idx < 0 {
			return nil, engineerr.New(engineerr.BusinessRule, "insufficient_decoys", "exhausted candidate pool before reaching requested ring size")
		}
		used[idx] = true
		out = append(out, pool[idx])
	}
	return out, nil
}

func nearestUnused(pool []Candidate, used map[int]bool, target int64) int {
	best := -1
	var bestDelta int64 = math.MaxInt64
	for i, c := range pool {
		if used[i] {
			continue
		}
		delta := c.Age - target
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			bestDelta = delta
			best = i
		}
	}
	return best
}

// sampleAge draws a candidate age per spec §4.3's three distributions.
func sampleAge(algo config.DecoySelectionAlgorithm, minAge, maxAge int64) (int64, error) {
	span := float64(maxAge - minAge)
	switch algo {
	case config.DecoyUniform:
		u, err := uniform01()
		if err != nil {
			return 0, err
		}
		return minAge + int64(u*span), nil
	case config.DecoyTriangular:
		u1, err := uniform01()
		if err != nil {
			return 0, err
		}
		u2, err := uniform01()
		if err != nil {
			return 0, err
		}
		m := u1
		if u2 < m {
			m = u2
		}
		return minAge + int64(m*span), nil
	case config.DecoyGamma:
		g, err := gamma2()
		if err != nil {
			return 0, err
		}
		return minAge + int64(g*100), nil
	default:
		return 0, engineerr.New(engineerr.Validation, "unknown_algorithm", "unknown decoy selection algorithm")
	}
}

// uniform01 draws a uniform float64 in [0, 1) from a CSPRNG.
func uniform01() (float64, error) {
	const precision = 1 << 53
	n, err := rand.Int(rand.Reader, big.NewInt(precision))
	if err != nil {
		return 0, engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to draw random float", err)
	}
	return float64(n.Int64()) / float64(precision), nil
}

// gamma2 draws from Gamma(2,1) via the sum of two independent unit
// exponential draws (Gamma(2,1) is the convolution of two Exp(1)
// variables), avoiding a dependency on a statistics library the pack
// never imports.
func gamma2() (float64, error) {
	e1, err := exponential1()
	if err != nil {
		return 0, err
	}
	e2, err := exponential1()
	if err != nil {
		return 0, err
	}
	return e1 + e2, nil
}

func exponential1() (float64, error) {
	u, err := uniform01()
	if err != nil {
		return 0, err
	}
	if u <= 0 {
		u = 1e-12
	}
	return -math.Log(u), nil
}
