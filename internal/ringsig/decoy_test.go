package ringsig

import (
	"testing"

	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/pkg/models"
)

func makeCandidates(ages ...int64) []Candidate {
	out := make([]Candidate, len(ages))
	for i, age := range ages {
		out[i] = Candidate{
			Key: models.RingKeyMetadata{Amount: 100, BlockHeight: age},
			Pub: []byte{byte(i)},
			Age: age,
		}
	}
	return out
}

func TestSelectDecoysPlacesRealKeyAndFillsRing(t *testing.T) {
	real := Candidate{Key: models.RingKeyMetadata{Amount: 100}, Pub: []byte("real"), Age: 500}
	candidates := makeCandidates(10, 50, 100, 200, 300, 400, 600, 700, 800, 900, 1000)

	ring, realIndex, err := SelectDecoys(real, candidates, 7, config.DecoyTriangular, 1, 2000)
	if err != nil {
		t.Fatalf("SelectDecoys: %v", err)
	}
	if len(ring) != 7 {
		t.Fatalf("expected ring of size 7, got %d", len(ring))
	}
	if realIndex < 0 || realIndex >= 7 {
		t.Fatalf("realIndex %d out of bounds", realIndex)
	}
	if string(ring[realIndex].Pub) != "real" {
		t.Fatalf("real candidate not placed at reported realIndex")
	}

	seen := make(map[string]bool)
	for i, c := range ring {
		key := string(c.Pub)
		if i != realIndex && seen[key] {
			t.Fatalf("decoy %q appears more than once in ring", key)
		}
		seen[key] = true
	}
}

func TestSelectDecoysErrorsWhenPoolTooSmall(t *testing.T) {
	real := Candidate{Key: models.RingKeyMetadata{Amount: 100}, Pub: []byte("real"), Age: 50}
	candidates := makeCandidates(10, 20, 30)

	if _, _, err := SelectDecoys(real, candidates, 11, config.DecoyUniform, 1, 1000); err == nil {
		t.Fatalf("expected error when eligible pool is smaller than ring size - 1")
	}
}

func TestSelectDecoysRespectsAgeWindow(t *testing.T) {
	real := Candidate{Key: models.RingKeyMetadata{Amount: 100}, Pub: []byte("real"), Age: 50}
	// only 3 candidates fall inside [10,20]; the rest are out of range.
	candidates := makeCandidates(1, 5, 11, 15, 19, 900, 1000, 2000)

	ring, _, err := SelectDecoys(real, candidates, 4, config.DecoyUniform, 10, 20)
	if err != nil {
		t.Fatalf("SelectDecoys: %v", err)
	}
	for _, c := range ring {
		if string(c.Pub) == "real" {
			continue
		}
		if c.Age < 10 || c.Age > 20 {
			t.Fatalf("decoy with age %d falls outside configured window [10,20]", c.Age)
		}
	}
}

func TestSelectDecoysUnknownAlgorithmErrors(t *testing.T) {
	real := Candidate{Key: models.RingKeyMetadata{Amount: 100}, Pub: []byte("real"), Age: 50}
	candidates := makeCandidates(10, 20, 30, 40, 50, 60)

	if _, _, err := SelectDecoys(real, candidates, 4, config.DecoySelectionAlgorithm("bogus"), 1, 1000); err == nil {
		t.Fatalf("expected error for unknown decoy selection algorithm")
	}
}

func TestSampleAgeDistributionsNeverFallBelowMinAge(t *testing.T) {
	algos := []config.DecoySelectionAlgorithm{config.DecoyUniform, config.DecoyTriangular, config.DecoyGamma}
	for _, algo := range algos {
		for i := 0; i < 200; i++ {
			age, err := sampleAge(algo, 10, 1000)
			if err != nil {
				t.Fatalf("sampleAge(%s): %v", algo, err)
			}
			if age < 10 {
				t.Fatalf("sampleAge(%s) produced age %d below minAge", algo, age)
			}
		}
	}
}
