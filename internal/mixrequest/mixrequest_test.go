package mixrequest

import (
	"context"
	"testing"
	"time"

	"github.com/rawblock/mixer-engine/internal/blockchain"
	"github.com/rawblock/mixer-engine/internal/config"
	"github.com/rawblock/mixer-engine/internal/events"
	"github.com/rawblock/mixer-engine/internal/repository"
	"github.com/rawblock/mixer-engine/pkg/models"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{MaxDelay: 6 * time.Hour}
}

func newTestManager() (*Manager, *repository.MemoryRepository, *blockchain.Registry) {
	repo := repository.NewMemoryRepository()
	chain := blockchain.NewRegistry(blockchain.NewSimulatedAdapter(models.BTC))
	return New(repo, chain, events.NewHub(), testSchedulerConfig(), nil), repo, chain
}

func validInput() CreateInput {
	return CreateInput{
		Currency:    models.BTC,
		InputAmount: 5_000_000,
		OutputAddresses: []models.OutputAllocation{
			{Address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", Percentage: 60},
			{Address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", Percentage: 40},
		},
		DelayWindow:    2 * time.Hour,
		AnonymityLevel: models.AnonymityMedium,
		MixingRounds:   3,
		FeePercentage:  1.0,
	}
}

func TestCreateMixRequestAllocatesDepositAddress(t *testing.T) {
	m, _, _ := newTestManager()
	req, err := m.CreateMixRequest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateMixRequest: %v", err)
	}
	if req.DepositAddress == "" {
		t.Fatalf("expected a deposit address to be allocated")
	}
	if req.Status != models.StatusPendingDeposit {
		t.Fatalf("expected pending_deposit, got %s", req.Status)
	}
}

func TestCreateMixRequestRejectsBadPercentageSum(t *testing.T) {
	m, _, _ := newTestManager()
	in := validInput()
	in.OutputAddresses = []models.OutputAllocation{
		{Address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", Percentage: 60},
		{Address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", Percentage: 30},
	}
	if _, err := m.CreateMixRequest(context.Background(), in); err == nil {
		t.Fatalf("expected percentages summing to 90 to be rejected")
	}
}

func TestCreateMixRequestRejectsInvalidAddress(t *testing.T) {
	m, _, _ := newTestManager()
	in := validInput()
	in.OutputAddresses = []models.OutputAllocation{
		{Address: "not-a-valid-address", Percentage: 100},
	}
	if _, err := m.CreateMixRequest(context.Background(), in); err == nil {
		t.Fatalf("expected an invalid address to be rejected")
	}
}

func TestCreateMixRequestRejectsAmountBelowMinimum(t *testing.T) {
	m, _, _ := newTestManager()
	in := validInput()
	in.InputAmount = 1_000
	if _, err := m.CreateMixRequest(context.Background(), in); err == nil {
		t.Fatalf("expected an amount below the BTC minimum to be rejected")
	}
}

func TestOnDepositObservedAdvancesThroughProcessingToMixing(t *testing.T) {
	m, _, _ := newTestManager()
	req, err := m.CreateMixRequest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateMixRequest: %v", err)
	}

	if err := m.OnDepositObserved(context.Background(), req.DepositAddress, "tx1", req.InputAmount, 0); err != nil {
		t.Fatalf("OnDepositObserved (first sighting): %v", err)
	}
	stored, err := m.repo.GetMixRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetMixRequest: %v", err)
	}
	if stored.Status != models.StatusDepositReceived {
		t.Fatalf("expected deposit_received after first sighting, got %s", stored.Status)
	}

	if err := m.OnDepositObserved(context.Background(), req.DepositAddress, "tx2", req.InputAmount, 3); err != nil {
		t.Fatalf("OnDepositObserved (confirmed): %v", err)
	}
	stored, err = m.repo.GetMixRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetMixRequest: %v", err)
	}
	if stored.Status != models.StatusMixing {
		t.Fatalf("expected mixing once confirmations clear the threshold, got %s", stored.Status)
	}
	if stored.Plan == nil || len(stored.Plan.Chunks) == 0 {
		t.Fatalf("expected a mixing plan to be committed, got %+v", stored.Plan)
	}
}

func TestOnDepositObservedIsIdempotentOnDuplicateTxHash(t *testing.T) {
	m, _, _ := newTestManager()
	req, err := m.CreateMixRequest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateMixRequest: %v", err)
	}

	if err := m.OnDepositObserved(context.Background(), req.DepositAddress, "dup-tx", req.InputAmount, 0); err != nil {
		t.Fatalf("first OnDepositObserved: %v", err)
	}
	// A second call carrying the same tx_hash must be a no-op even though
	// confirmations now clear the threshold — the duplicate notification
	// itself must never be reprocessed.
	if err := m.OnDepositObserved(context.Background(), req.DepositAddress, "dup-tx", req.InputAmount, 10); err != nil {
		t.Fatalf("duplicate OnDepositObserved: %v", err)
	}
	stored, err := m.repo.GetMixRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetMixRequest: %v", err)
	}
	if stored.Status != models.StatusDepositReceived {
		t.Fatalf("expected the duplicate notification to be ignored, got %s", stored.Status)
	}
}

func TestCancelAllowedOnlyBeforePlanCommit(t *testing.T) {
	m, _, _ := newTestManager()
	req, err := m.CreateMixRequest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateMixRequest: %v", err)
	}
	if err := m.Cancel(context.Background(), req.ID, "user requested"); err != nil {
		t.Fatalf("Cancel while pending_deposit: %v", err)
	}

	req2, err := m.CreateMixRequest(context.Background(), validInput())
	if err != nil {
		t.Fatalf("CreateMixRequest: %v", err)
	}
	if err := m.OnDepositObserved(context.Background(), req2.DepositAddress, "tx-commit", req2.InputAmount, 10); err != nil {
		t.Fatalf("OnDepositObserved: %v", err)
	}
	if err := m.Cancel(context.Background(), req2.ID, "too late"); err == nil {
		t.Fatalf("expected Cancel to be refused once the mixing plan has committed")
	}
}
