package blockchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/rawblock/mixer-engine/internal/engineerr"
	"github.com/rawblock/mixer-engine/internal/obslog"
	"github.com/rawblock/mixer-engine/pkg/models"
)

var log = obslog.For("blockchain")

// BTCConfig mirrors the teacher's bitcoin.Config (Host/User/Pass), the
// bare connection parameters rpcclient.ConnConfig needs.
type BTCConfig struct {
	Host string
	User string
	Pass string
}

// BTCAdapter is the Adapter implementation for Bitcoin, adapted from the
// teacher's internal/bitcoin/client.go: same rpcclient.Client wrapping,
// same wallet-backed watch-only address model, but driving mixer deposit
// scanning and disbursement instead of forensic mempool/block analysis.
type BTCAdapter struct {
	rpc *rpcclient.Client
	cfg BTCConfig

	mu            sync.Mutex
	subscriptions map[string][]chan AddressActivity
	addrIndex     int
}

// NewBTCAdapter connects to a Bitcoin Core node over RPC, mirroring the
// teacher's bitcoin.NewClient: HTTP POST mode, no TLS (local node), and an
// immediate GetBlockCount probe to fail fast on bad credentials.
func NewBTCAdapter(cfg BTCConfig) (*BTCAdapter, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "rpc_connect_failed", "failed to connect to bitcoind", err)
	}
	height, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "rpc_probe_failed", "failed to query block count", err)
	}
	log.WithField("block_height", height).Info("connected to bitcoin node")
	return &BTCAdapter{rpc: client, cfg: cfg, subscriptions: make(map[string][]chan AddressActivity)}, nil
}

func (a *BTCAdapter) Currency() models.Currency { return models.BTC }

func (a *BTCAdapter) Shutdown() { a.rpc.Shutdown() }

// GetBalance sums every UTXO at address that ListUnspent reports,
// unconfirmed ones included (GetUTXOs passes minconf 0), the same
// watch-only lookup path the teacher's ListUnspent wraps.
func (a *BTCAdapter) GetBalance(ctx context.Context, address string) (int64, error) {
	utxos, err := a.GetUTXOs(ctx, address)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Amount
	}
	return total, nil
}

func (a *BTCAdapter) GetUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	decoded, err := btcAddressFromString(address)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Validation, "invalid_address", "address is not a valid BTC address", err)
	}
	results, err := a.rpc.ListUnspentMinMaxAddresses(0, 9_999_999, []btcutil.Address{decoded})
	if err != nil {
		return nil, engineerr.Wrap(engineerr.AdapterFailure, "listunspent_failed", "failed to list unspent outputs", err)
	}
	var out []UTXO
	for _, r := range results {
		amt, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			continue
		}
		out = append(out, UTXO{
			TxHash:        r.TxID,
			OutputIndex:   r.Vout,
			Amount:        int64(amt),
			Confirmations: int(r.Confirmations),
		})
	}
	return out, nil
}

// Broadcast always returns an adapter_failure error with code
// not_implemented: it does not decode rawTx and submits nothing to the
// node.
func (a *BTCAdapter) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	return "", engineerr.New(engineerr.AdapterFailure, "not_implemented", "BTCAdapter.Broadcast does not decode or submit raw transactions")
}

// Send moves amount satoshis to toAddress through the node wallet's
// SendToAddress, which chooses the inputs itself; fromKeyHandle is not
// used. It generalizes the wallet-backed send path the teacher's
// InitializeWallet/ImportAddressDescriptor sets up for watch-only use.
func (a *BTCAdapter) Send(ctx context.Context, fromKeyHandle, toAddress string, amount int64) (string, error) {
	addr, err := btcAddressFromString(toAddress)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Validation, "invalid_address", "destination address is not a valid BTC address", err)
	}
	amt := btcutil.Amount(amount)
	hash, err := a.rpc.SendToAddress(addr, amt)
	if err != nil {
		return "", engineerr.Wrap(engineerr.AdapterFailure, "send_failed", "sendtoaddress RPC failed", err)
	}
	return hash.String(), nil
}

// SubscribeAddress returns a channel fed by a lightweight poll loop that
// calls GetUTXOs (ListUnspent) every 30s and reports each newly seen
// output once, the same polling idiom the teacher's mempool poller
// used for mempool entries, here applied to address-scoped confirmations.
func (a *BTCAdapter) SubscribeAddress(ctx context.Context, address string) (<-chan AddressActivity, error) {
	ch := make(chan AddressActivity, 8)
	a.mu.Lock()
	a.subscriptions[address] = append(a.subscriptions[address], ch)
	a.mu.Unlock()

	go a.pollAddress(ctx, address, ch)
	return ch, nil
}

func (a *BTCAdapter) pollAddress(ctx context.Context, address string, ch chan AddressActivity) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			utxos, err := a.GetUTXOs(ctx, address)
			if err != nil {
				log.WithError(err).Warn("poll address failed")
				continue
			}
			for _, u := range utxos {
				key := fmt.Sprintf("%s:%d", u.TxHash, u.OutputIndex)
				if seen[key] {
					continue
				}
				seen[key] = true
				select {
				case ch <- AddressActivity{Address: address, TxHash: u.TxHash, Amount: u.Amount, Confirmations: u.Confirmations, ObservedAt: time.Now()}:
				default:
				}
			}
		}
	}
}

// NewDepositAddress asks the wallet for a fresh receive address. Key
// custody (the handle to sign eventual spends) is owned by
// internal/secretstore, not by this adapter — BTCAdapter returns the
// address string itself as its KeyHandle.
func (a *BTCAdapter) NewDepositAddress(ctx context.Context) (string, string, error) {
	addr, err := a.rpc.GetNewAddress("")
	if err != nil {
		return "", "", engineerr.Wrap(engineerr.AdapterFailure, "getnewaddress_failed", "failed to generate deposit address", err)
	}
	return addr.String(), addr.String(), nil
}

// ConfirmationHeight reports confirmations for txHash via GetRawTransaction.
func (a *BTCAdapter) ConfirmationHeight(ctx context.Context, txHash string) (int, error) {
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.Validation, "invalid_tx_hash", "not a valid tx hash", err)
	}
	tx, err := a.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.AdapterFailure, "gettransaction_failed", "failed to query raw transaction", err)
	}
	return int(tx.Confirmations), nil
}

func btcAddressFromString(s string) (btcutil.Address, error) {
	return btcutil.DecodeAddress(s, &chaincfg.MainNetParams)
}

var _ Adapter = (*BTCAdapter)(nil)
