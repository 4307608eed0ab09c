package ringsig

import (
	"context"
	"testing"

	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/pkg/models"
)

func TestRepositoryKeyImageRegistryRejectsReplay(t *testing.T) {
	repo := repository.NewMemoryRepository()
	registry := NewRepositoryKeyImageRegistry(repo)
	ctx := context.Background()
	keyImage := []byte{1, 2, 3, 4}

	exists, err := registry.Contains(ctx, models.BTC, keyImage)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if exists {
		t.Fatalf("fresh key image incorrectly reported as existing")
	}

	if err := registry.Register(ctx, models.BTC, keyImage); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	exists, err = registry.Contains(ctx, models.BTC, keyImage)
	if err != nil {
		t.Fatalf("Contains after register: %v", err)
	}
	if !exists {
		t.Fatalf("registered key image not reported as existing")
	}

	if err := registry.Register(ctx, models.BTC, keyImage); err == nil {
		t.Fatalf("expected replayed Register of the same key image to fail")
	}
}

func TestRepositoryKeyImageRegistryScopedPerCurrency(t *testing.T) {
	repo := repository.NewMemoryRepository()
	registry := NewRepositoryKeyImageRegistry(repo)
	ctx := context.Background()
	keyImage := []byte{9, 9, 9}

	if err := registry.Register(ctx, models.BTC, keyImage); err != nil {
		t.Fatalf("Register(BTC): %v", err)
	}
	if err := registry.Register(ctx, models.ETH, keyImage); err != nil {
		t.Fatalf("Register(ETH) with the same key image bytes on a different currency should succeed: %v", err)
	}
}
