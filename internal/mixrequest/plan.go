package mixrequest

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/rawblock/mixer-engine/internal/currency"
	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// minChunkDelay is the lower clamp bound spec §4.1.2 gives for per-chunk
// delay sampling: [0.5h, max_delay].
const minChunkDelay = 30 * time.Minute

// placeholderMixerIdentities stands in for the real mixer-node directory
// the routing layer (out of scope here) would supply; route generation
// only needs distinct, stable-looking hop identities.
var placeholderMixerIdentities = []string{
	"mixer-node-alpha", "mixer-node-beta", "mixer-node-gamma",
	"mixer-node-delta", "mixer-node-epsilon", "mixer-node-zeta",
}

// GeneratePlan produces req's mixing plan per §4.1.2: chunking into
// standard denominations with jitter, exponential-distributed delays
// sorted ascending, and a placeholder hop route per chunk. Every random
// draw comes straight from crypto/rand; the Seed recorded on the plan is a
// separate random value that no chunk, delay or route is derived from, so
// the plan cannot be regenerated from it.
func GeneratePlan(req *models.MixRequest) (*models.MixPlan, error) {
	denoms := currency.StandardDenominations(req.Currency)
	dust := currency.DustLimit(req.Currency)

	amounts, err := chunkAmount(req.InputAmount, denoms, dust)
	if err != nil {
		return nil, err
	}

	maxDelay := req.DelayWindow
	if maxDelay <= 0 {
		maxDelay = 24 * time.Hour
	}

	chunks := make([]models.Chunk, len(amounts))
	now := time.Now()
	for i, amount := range amounts {
		delay, err := sampleDelay(maxDelay)
		if err != nil {
			return nil, err
		}
		route, err := generateRoute()
		if err != nil {
			return nil, err
		}
		dest, err := pickDestination(req.OutputAddresses)
		if err != nil {
			return nil, err
		}
		chunks[i] = models.Chunk{
			Amount:      amount,
			Delay:       delay,
			Route:       route,
			Destination: dest,
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Delay < chunks[j].Delay })
	for i := range chunks {
		chunks[i].ScheduledAt = now.Add(chunks[i].Delay)
	}

	seed, err := randomSeed()
	if err != nil {
		return nil, err
	}
	return &models.MixPlan{Chunks: chunks, Seed: seed, CreatedAt: now}, nil
}

// chunkAmount splits total into a sequence of standard denominations, per
// §4.1.2's algorithm: greedily pick from denominations <= remaining,
// choosing uniformly among the candidates that do not exceed remaining,
// then apply ±5% jitter to each chunk while respecting the dust floor. If
// the currency has no standard-denomination table, the whole amount is a
// single chunk.
func chunkAmount(total int64, denoms []int64, dust int64) ([]int64, error) {
	if len(denoms) == 0 {
		if total < dust {
			return nil, engineerr.New(engineerr.Validation, "amount_below_dust", "amount is below the dust floor")
		}
		return []int64{total}, nil
	}

	sorted := append([]int64(nil), denoms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var chunks []int64
	remaining := total
	for remaining > 0 {
		var candidates []int64
		for _, d := range sorted {
			if d <= remaining {
				candidates = append(candidates, d)
			}
		}
		var pick int64
		if len(candidates) == 0 {
			// remaining is smaller than every standard denomination; fold
			// it into the final chunk rather than leaving unmixed dust.
			if len(chunks) == 0 {
				pick = remaining
			} else {
				chunks[len(chunks)-1] += remaining
				remaining = 0
				break
			}
		} else {
			idx, err := randIndexMod(len(candidates))
			if err != nil {
				return nil, err
			}
			pick = candidates[idx]
		}
		chunks = append(chunks, pick)
		remaining -= pick
	}

	jittered := make([]int64, len(chunks))
	for i, c := range chunks {
		jittered[i] = applyJitter(c, dust)
	}
	return jittered, nil
}

// applyJitter nudges amount by up to ±5%, never dropping below dust.
func applyJitter(amount, dust int64) int64 {
	pct, err := randSignedFraction(0.05)
	if err != nil {
		return amount
	}
	jittered := amount + int64(float64(amount)*pct)
	if jittered < dust {
		return amount
	}
	return jittered
}

// sampleDelay draws an exponential-distributed delay per §4.1.2:
// -ln(1-u) * (max_delay/3), clamped to [0.5h, max_delay].
func sampleDelay(maxDelay time.Duration) (time.Duration, error) {
	u, err := randUnitFloat()
	if err != nil {
		return 0, err
	}
	lambdaScale := float64(maxDelay) / 3.0
	raw := -math.Log(1-u) * lambdaScale
	d := time.Duration(raw)
	if d < minChunkDelay {
		d = minChunkDelay
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d, nil
}

// generateRoute picks a uniform 2..4 hop count and assigns a placeholder
// mixer identity to each hop, per §4.1.2.
func generateRoute() ([]models.RouteHop, error) {
	n, err := randIndexMod(3) // 0..2
	if err != nil {
		return nil, err
	}
	hopCount := n + 2 // 2..4
	route := make([]models.RouteHop, hopCount)
	for i := range route {
		idx, err := randIndexMod(len(placeholderMixerIdentities))
		if err != nil {
			return nil, err
		}
		route[i] = models.RouteHop{MixerIdentity: placeholderMixerIdentities[idx]}
	}
	return route, nil
}

// pickDestination draws one of req's output addresses weighted by its
// declared percentage, so a request's chunks collectively pay out to its
// outputs in roughly the proportions it asked for even though each
// individual chunk settles to exactly one address.
func pickDestination(outputs []models.OutputAllocation) (string, error) {
	if len(outputs) == 0 {
		return "", engineerr.New(engineerr.Validation, "no_output_addresses", "mix request has no output addresses")
	}
	u, err := randUnitFloat()
	if err != nil {
		return "", err
	}
	target := u * 100.0
	var cumulative float64
	for _, out := range outputs {
		cumulative += out.Percentage
		if target <= cumulative {
			return out.Address, nil
		}
	}
	return outputs[len(outputs)-1].Address, nil
}

func randIndexMod(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, engineerr.Wrap(engineerr.FatalInternal, "rng_failed", "failed to draw random index", err)
	}
	v := binary.BigEndian.Uint32(buf[:])
	return int(v % uint32(n)), nil
}

// randUnitFloat draws a uniform value in [0, 1).
func randUnitFloat() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, engineerr.Wrap(engineerr.FatalInternal, "rng_failed", "failed to draw random float", err)
	}
	v := binary.BigEndian.Uint64(buf[:])
	// 53 significant bits, matching float64's mantissa, avoids rounding u to
	// exactly 1.0 and sending sampleDelay's log to -Inf.
	return float64(v>>11) / float64(1<<53), nil
}

// randSignedFraction draws a uniform value in [-max, max].
func randSignedFraction(max float64) (float64, error) {
	u, err := randUnitFloat()
	if err != nil {
		return 0, err
	}
	return (u*2 - 1) * max, nil
}

func randomSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, engineerr.Wrap(engineerr.FatalInternal, "rng_failed", "failed to draw plan seed", err)
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}
