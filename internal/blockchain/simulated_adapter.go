package blockchain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/pkg/models"
)

// SimulatedAdapter is an in-memory Adapter used for every currency the
// engine does not yet have a live node integration for (ETH, USDT, SOL,
// LTC, DASH, ZEC), and for BTC in tests. Deposits are injected by test
// code via CreditAddress rather than observed from a real chain.
type SimulatedAdapter struct {
	currency models.Currency

	mu       sync.Mutex
	balances map[string]int64
	utxos    map[string][]UTXO
	subs     map[string][]chan AddressActivity
	sent     []SimulatedSend
}

// SimulatedSend records one Send call for test assertions.
type SimulatedSend struct {
	FromKeyHandle string
	ToAddress     string
	Amount        int64
	TxHash        string
}

// NewSimulatedAdapter returns an empty SimulatedAdapter for currency.
func NewSimulatedAdapter(currency models.Currency) *SimulatedAdapter {
	return &SimulatedAdapter{
		currency: currency,
		balances: make(map[string]int64),
		utxos:    make(map[string][]UTXO),
		subs:     make(map[string][]chan AddressActivity),
	}
}

func (s *SimulatedAdapter) Currency() models.Currency { return s.currency }

func (s *SimulatedAdapter) GetBalance(_ context.Context, address string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

func (s *SimulatedAdapter) GetUTXOs(_ context.Context, address string) ([]UTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UTXO, len(s.utxos[address]))
	copy(out, s.utxos[address])
	return out, nil
}

func (s *SimulatedAdapter) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	return randomHexTxHash()
}

func (s *SimulatedAdapter) Send(_ context.Context, fromKeyHandle, toAddress string, amount int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[fromKeyHandle] < amount {
		return "", engineerr.New(engineerr.BusinessRule, "insufficient_balance", "simulated balance too low for send")
	}
	s.balances[fromKeyHandle] -= amount
	s.balances[toAddress] += amount
	hash, _ := randomHexTxHash()
	s.sent = append(s.sent, SimulatedSend{FromKeyHandle: fromKeyHandle, ToAddress: toAddress, Amount: amount, TxHash: hash})
	s.notifyLocked(toAddress, hash, amount)
	return hash, nil
}

func (s *SimulatedAdapter) SubscribeAddress(_ context.Context, address string) (<-chan AddressActivity, error) {
	ch := make(chan AddressActivity, 8)
	s.mu.Lock()
	s.subs[address] = append(s.subs[address], ch)
	s.mu.Unlock()
	return ch, nil
}

func (s *SimulatedAdapter) NewDepositAddress(_ context.Context) (string, string, error) {
	addr, err := randomHexTxHash()
	if err != nil {
		return "", "", err
	}
	return "sim-" + addr[:16], "sim-" + addr[:16], nil
}

func (s *SimulatedAdapter) ConfirmationHeight(_ context.Context, txHash string) (int, error) {
	return 99, nil
}

// CreditAddress is a test-only helper that simulates an inbound deposit:
// it raises the address balance, records a UTXO, and notifies subscribers.
func (s *SimulatedAdapter) CreditAddress(address string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] += amount
	hash, _ := randomHexTxHash()
	s.utxos[address] = append(s.utxos[address], UTXO{TxHash: hash, Amount: amount, Confirmations: 99})
	s.notifyLocked(address, hash, amount)
}

func (s *SimulatedAdapter) notifyLocked(address, txHash string, amount int64) {
	for _, ch := range s.subs[address] {
		select {
		case ch <- AddressActivity{Address: address, TxHash: txHash, Amount: amount, Confirmations: 99, ObservedAt: time.Now()}:
		default:
		}
	}
}

// SentTransactions returns a copy of every Send call recorded so far, for
// test assertions.
func (s *SimulatedAdapter) SentTransactions() []SimulatedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimulatedSend, len(s.sent))
	copy(out, s.sent)
	return out
}

func randomHexTxHash() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", engineerr.Wrap(engineerr.AdapterFailure, "rand_failed", "failed to generate simulated tx hash", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ Adapter = (*SimulatedAdapter)(nil)
