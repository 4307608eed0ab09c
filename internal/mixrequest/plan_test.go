package mixrequest

import (
	"testing"
	"time"

	"github.com/rawblock/mixer-engine/pkg/models"
)

func TestGeneratePlanChunksCoverTheFullAmount(t *testing.T) {
	req := &models.MixRequest{
		Currency:    models.BTC,
		InputAmount: 5_000_000,
		DelayWindow: 3 * time.Hour,
	}
	plan, err := GeneratePlan(req)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(plan.Chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	var total int64
	for _, c := range plan.Chunks {
		total += c.Amount
	}
	// jitter can move the total up to roughly ±5% per chunk; it must never
	// collapse to zero or wildly exceed the requested amount.
	if total <= 0 {
		t.Fatalf("expected a positive total across chunks, got %d", total)
	}
	lower := int64(float64(req.InputAmount) * 0.8)
	upper := int64(float64(req.InputAmount) * 1.2)
	if total < lower || total > upper {
		t.Fatalf("expected chunk total near %d, got %d", req.InputAmount, total)
	}
}

func TestGeneratePlanDelaysAreSortedAscendingAndClamped(t *testing.T) {
	req := &models.MixRequest{
		Currency:    models.ETH,
		InputAmount: 2_000_000_000_000_000_000,
		DelayWindow: 4 * time.Hour,
	}
	plan, err := GeneratePlan(req)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	prev := time.Duration(0)
	for _, c := range plan.Chunks {
		if c.Delay < prev {
			t.Fatalf("expected ascending delays, got %v after %v", c.Delay, prev)
		}
		if c.Delay < minChunkDelay || c.Delay > req.DelayWindow {
			t.Fatalf("expected delay clamped to [%v, %v], got %v", minChunkDelay, req.DelayWindow, c.Delay)
		}
		prev = c.Delay
	}
}

func TestGeneratePlanRoutesHaveTwoToFourHops(t *testing.T) {
	req := &models.MixRequest{
		Currency:    models.BTC,
		InputAmount: 3_000_000,
		DelayWindow: time.Hour,
	}
	plan, err := GeneratePlan(req)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	for _, c := range plan.Chunks {
		if len(c.Route) < 2 || len(c.Route) > 4 {
			t.Fatalf("expected 2..4 hops, got %d", len(c.Route))
		}
	}
}

func TestGeneratePlanWithoutStandardDenominationsUsesSingleChunk(t *testing.T) {
	req := &models.MixRequest{
		Currency:    models.LTC, // LTC has no standard denomination table
		InputAmount: 5_000_000,
		DelayWindow: time.Hour,
	}
	plan, err := GeneratePlan(req)
	if err != nil {
		t.Fatalf("GeneratePlan: %v", err)
	}
	if len(plan.Chunks) != 1 {
		t.Fatalf("expected a single chunk when no standard denomination table exists, got %d", len(plan.Chunks))
	}
}
