package repository

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

func TestMixRequestCreateGetUpdate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var id models.MixRequestID
	id[0] = 0x01
	req := &models.MixRequest{
		ID:        id,
		Currency:  models.BTC,
		Status:    models.StatusPendingDeposit,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := repo.CreateMixRequest(ctx, req); err != nil {
		t.Fatalf("CreateMixRequest: %v", err)
	}
	if err := repo.CreateMixRequest(ctx, req); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	got, err := repo.GetMixRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetMixRequest: %v", err)
	}
	if got.Status != models.StatusPendingDeposit {
		t.Fatalf("unexpected status: %v", got.Status)
	}

	if err := repo.UpdateMixRequestStatus(ctx, id, models.StatusCompleted); err != nil {
		t.Fatalf("UpdateMixRequestStatus: %v", err)
	}
	got, _ = repo.GetMixRequest(ctx, id)
	if got.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be set")
	}
}

func TestRegisterKeyImageRejectsReplay(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	img := []byte{0xAA, 0xBB, 0xCC}

	if err := repo.RegisterKeyImage(ctx, models.BTC, img); err != nil {
		t.Fatalf("first RegisterKeyImage: %v", err)
	}
	err := repo.RegisterKeyImage(ctx, models.BTC, img)
	if !engineerr.Is(err, engineerr.DoubleSpend) {
		t.Fatalf("expected double-spend error, got %v", err)
	}
	// same key image on a different currency is not a conflict
	if err := repo.RegisterKeyImage(ctx, models.LTC, img); err != nil {
		t.Fatalf("RegisterKeyImage on different currency: %v", err)
	}
}

func TestListAvailablePoolEntriesOrdering(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	entries := []*models.PoolEntry{
		{ID: "a", Currency: models.BTC, Amount: 100, AddedAt: now, Priority: 1},
		{ID: "b", Currency: models.BTC, Amount: 200, AddedAt: now.Add(-time.Minute), Priority: 2},
		{ID: "c", Currency: models.BTC, Amount: 300, AddedAt: now, Used: true, Priority: 5},
	}
	for _, e := range entries {
		if err := repo.AddPoolEntry(ctx, e); err != nil {
			t.Fatalf("AddPoolEntry: %v", err)
		}
	}

	avail, err := repo.ListAvailablePoolEntries(ctx, models.BTC)
	if err != nil {
		t.Fatalf("ListAvailablePoolEntries: %v", err)
	}
	if len(avail) != 2 {
		t.Fatalf("expected 2 available entries, got %d", len(avail))
	}
	if avail[0].ID != "a" {
		t.Fatalf("expected highest priority entry first, got %s", avail[0].ID)
	}
}

func TestMarkPoolEntryUsedIsOneShot(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if err := repo.AddPoolEntry(ctx, &models.PoolEntry{ID: "x", Currency: models.BTC}); err != nil {
		t.Fatalf("AddPoolEntry: %v", err)
	}
	if err := repo.MarkPoolEntryUsed(ctx, "x"); err != nil {
		t.Fatalf("MarkPoolEntryUsed: %v", err)
	}
	if err := repo.MarkPoolEntryUsed(ctx, "x"); err == nil {
		t.Fatalf("expected second MarkPoolEntryUsed to fail")
	}
}

func TestListDueOperationsOrdersByPriorityThenTime(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	ops := []*models.ScheduledOperation{
		{ID: "1", Kind: models.OpDistribution, Status: models.OpScheduled, ScheduledAt: now.Add(-time.Minute), Priority: 0},
		{ID: "2", Kind: models.OpDistribution, Status: models.OpScheduled, ScheduledAt: now.Add(-time.Hour), Priority: 10},
		{ID: "3", Kind: models.OpDistribution, Status: models.OpCompleted, ScheduledAt: now.Add(-time.Hour), Priority: 99},
	}
	for _, op := range ops {
		if err := repo.CreateOperation(ctx, op); err != nil {
			t.Fatalf("CreateOperation: %v", err)
		}
	}

	due, err := repo.ListDueOperations(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueOperations: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due operations, got %d", len(due))
	}
	if due[0].ID != "1" {
		t.Fatalf("expected higher-priority op first, got %s", due[0].ID)
	}
}
