// Package blockchain is the per-currency chain adapter contract spec §4
// assumes: balance/UTXO lookups, broadcast, send, and address-activity
// subscription, kept behind one interface so the mixrequest, coinjoin and
// scheduler packages never import a currency-specific RPC client
// directly. btc_adapter.go is the production BTC implementation, grounded
// on the teacher's internal/bitcoin/client.go; SimulatedAdapter is an
// in-memory stand-in used by every other currency and by tests.
package blockchain

import (
	"context"
	"time"

	"github.com/rawblock/mixer-engine/pkg/models"
)

// UTXO is one spendable output observed at a watched address.
type UTXO struct {
	TxHash        string
	OutputIndex   uint32
	Amount        int64
	Confirmations int
	BlockHeight   int64
}

// AddressActivity is one observed inbound payment to a watched address.
type AddressActivity struct {
	Address       string
	TxHash        string
	Amount        int64
	Confirmations int
	ObservedAt    time.Time
}

// Adapter is the chain-specific boundary the engine depends on. Every
// supported currency (spec §1: BTC, ETH, USDT, SOL, LTC, DASH, ZEC) has
// exactly one Adapter implementation wired into the engine at startup.
type Adapter interface {
	Currency() models.Currency
	GetBalance(ctx context.Context, address string) (int64, error)
	GetUTXOs(ctx context.Context, address string) ([]UTXO, error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	Send(ctx context.Context, fromKeyHandle, toAddress string, amount int64) (string, error)
	SubscribeAddress(ctx context.Context, address string) (<-chan AddressActivity, error)
	NewDepositAddress(ctx context.Context) (address string, keyHandle string, err error)
	ConfirmationHeight(ctx context.Context, txHash string) (int, error)
}

// Registry resolves a currency to its wired Adapter.
type Registry struct {
	adapters map[models.Currency]Adapter
}

// NewRegistry builds a Registry from the given adapters, keyed by their
// own Currency() value.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Currency]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Currency()] = a
	}
	return r
}

// Get returns the Adapter wired for currency, or (nil, false).
func (r *Registry) Get(currency models.Currency) (Adapter, bool) {
	a, ok := r.adapters[currency]
	return a, ok
}
