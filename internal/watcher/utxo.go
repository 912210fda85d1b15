package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lnswap/lnswapd/internal/backend"
	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/internal/swap"
)

// ChainInfo supplies the values the UTXO watcher caches for swap creation.
type ChainInfo interface {
	GetBlockCount(ctx context.Context) (int64, error)
	EstimateSmartFee(ctx context.Context, target int) (float64, error)
}

// FeeTarget is the confirmation target of the cached fee estimate.
const FeeTarget = 2

// fundingInterest is an address an order expects to be paid.
type fundingInterest struct {
	invoice string
	amount  int64
}

// UTXOWatcher follows a UTXO chain through a backend.Feed.
type UTXOWatcher struct {
	base
	params *chain.Params
	feed   backend.Feed
	info   ChainInfo

	refreshInterval time.Duration

	mu        sync.Mutex
	addresses map[string]fundingInterest // address -> expected payment
	byInvoice map[string][]string        // invoice -> watched addresses
	fundings  map[string]string          // funding txid -> invoice
	claims    map[string]string          // claiming txid -> invoice
}

// NewUTXOWatcher creates a watcher for a UTXO network. claimer may be nil
// in which case claims are left to another process.
func NewUTXOWatcher(params *chain.Params, feed backend.Feed, info ChainInfo, store Store, b bus.Bus, claimer Claimer) *UTXOWatcher {
	return &UTXOWatcher{
		base:            newBase(params, store, b, claimer, "utxo-watcher"),
		params:          params,
		feed:            feed,
		info:            info,
		refreshInterval: RefreshInterval,
		addresses:       make(map[string]fundingInterest),
		byInvoice:       make(map[string][]string),
		fundings:        make(map[string]string),
		claims:          make(map[string]string),
	}
}

// Run resumes pending orders, then handles feed events and bus messages
// until ctx ends. The feed replays blocks above the last one handled
// before a restart.
func (w *UTXOWatcher) Run(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	if err := w.Rehydrate(ctx); err != nil {
		return err
	}

	after := w.resumeHeight(ctx, w.info.GetBlockCount)
	go func() {
		if err := w.feed.Run(ctx, after); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("Chain feed stopped", "error", err)
		}
	}()

	w.refresh(ctx)
	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx := <-w.feed.Transactions():
			w.handleTx(ctx, tx)
		case b := <-w.feed.Blocks():
			w.handleBlock(ctx, b)
		case m, ok := <-msgs:
			if !ok {
				return bus.ErrClosed
			}
			w.handleMessage(ctx, m)
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// Rehydrate rebuilds the watch maps from the order store and restarts
// claims that were interrupted.
func (w *UTXOWatcher) Rehydrate(ctx context.Context) error {
	orders, err := w.pending()
	if err != nil {
		return err
	}
	for _, o := range orders {
		w.watch(ctx, o)
	}
	w.log.Info("Watching orders", "count", len(orders))
	return nil
}

func (w *UTXOWatcher) watch(ctx context.Context, o *order.Order) {
	switch o.State {
	case order.WaitingForFunding:
		w.watchAddresses(o)
	case order.WaitingForFundingConfirmation:
		w.unwatchAddresses(o.Invoice)
		w.watchTxid(w.fundings, o.FundingTxn, o.Invoice)
	case order.WaitingForClaiming:
		w.claim(ctx, o)
	case order.WaitingForClaimingConfirmation:
		w.watchTxid(w.claims, o.ClaimingTxn, o.Invoice)
	case order.WaitingForRefund, order.OrderRefunded:
		w.unwatchAddresses(o.Invoice)
	}
}

// watchAddresses registers every encoding of the order's redeem script,
// or only the announced swap address when the script is unknown here.
func (w *UTXOWatcher) watchAddresses(o *order.Order) {
	log := w.log.ForOrder(o.Invoice)
	amount, err := strconv.ParseInt(o.OnchainAmount, 10, 64)
	if err != nil || amount <= 0 {
		log.Warn("Order has no usable amount", "amount", o.OnchainAmount)
		return
	}

	addrs := []string{o.SwapAddress}
	if script, err := hex.DecodeString(o.RedeemScript); err == nil && len(script) > 0 {
		if derived, err := swap.DeriveAddresses(script, w.params); err == nil {
			addrs = []string{derived.Nested, derived.Native, derived.Legacy}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range addrs {
		if a == "" {
			continue
		}
		w.addresses[a] = fundingInterest{invoice: o.Invoice, amount: amount}
	}
	w.byInvoice[o.Invoice] = addrs
	log.Debug("Watching funding addresses", "addresses", addrs, "amount", amount)
}

func (w *UTXOWatcher) unwatchAddresses(invoice string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(invoice)
}

func (w *UTXOWatcher) unwatchLocked(invoice string) {
	for _, a := range w.byInvoice[invoice] {
		delete(w.addresses, a)
	}
	delete(w.byInvoice, invoice)
}

func (w *UTXOWatcher) watchTxid(m map[string]string, txid, invoice string) {
	if txid == "" {
		return
	}
	w.mu.Lock()
	m[txid] = invoice
	w.mu.Unlock()
}

// takeTxid removes and returns the invoice watching txid.
func (w *UTXOWatcher) takeTxid(m map[string]string, txid string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	invoice, ok := m[txid]
	if ok {
		delete(m, txid)
	}
	return invoice, ok
}

// matchFunding checks an output against the watched addresses. An exact
// amount match consumes the interest; at most one deposit is accepted per
// order.
func (w *UTXOWatcher) matchFunding(address string, value int64) (fundingInterest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	interest, ok := w.addresses[address]
	if !ok {
		return fundingInterest{}, false
	}
	if value != interest.amount {
		w.log.ForOrder(interest.invoice).Info("Ignoring payment with wrong amount",
			"address", address, "amount", value, "expected", interest.amount)
		return fundingInterest{}, false
	}
	w.unwatchLocked(interest.invoice)
	return interest, true
}

func (w *UTXOWatcher) handleTx(ctx context.Context, tx *wire.MsgTx) {
	txid := tx.TxHash().String()
	for i, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, w.params.ChainParams())
		if err != nil || len(addrs) != 1 {
			continue
		}
		interest, ok := w.matchFunding(addrs[0].EncodeAddress(), out.Value)
		if !ok {
			continue
		}
		w.fund(ctx, interest, txid, uint32(i))
	}
}

func (w *UTXOWatcher) fund(ctx context.Context, interest fundingInterest, txid string, index uint32) {
	log := w.log.ForOrder(interest.invoice)
	_, err := w.transition(ctx, order.WaitingForFunding, &order.Message{
		State:           order.WaitingForFundingConfirmation,
		Invoice:         interest.invoice,
		OnchainNetwork:  string(w.network),
		FundingTxn:      txid,
		FundingTxnIndex: index,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			log.Warn("Deposit for order that moved on", "txid", txid, "error", err)
			return
		}
		log.Error("Failed to record deposit", "txid", txid, "error", err)
		if o, getErr := w.store.GetOrder(interest.invoice); getErr == nil && o.State == order.WaitingForFunding {
			w.watchAddresses(o)
		}
		return
	}
	log.Info("Deposit detected", "txid", txid, "vout", index, "amount", interest.amount)
	w.watchTxid(w.fundings, txid, interest.invoice)
}

func (w *UTXOWatcher) handleBlock(ctx context.Context, b *backend.Block) {
	blockHash := b.Block.BlockHash().String()
	w.log.Debug("New block", "height", b.Height, "hash", blockHash, "txs", len(b.Block.Transactions))

	for _, tx := range b.Block.Transactions {
		// Deposits seen for the first time in a block are confirmed below
		// in the same pass.
		w.handleTx(ctx, tx)
		txid := tx.TxHash().String()

		if invoice, ok := w.takeTxid(w.fundings, txid); ok {
			w.confirmFunding(ctx, invoice, txid, blockHash)
		}
		if invoice, ok := w.takeTxid(w.claims, txid); ok {
			w.confirmClaim(ctx, invoice, txid, blockHash)
		}
	}
	w.setCache(storage.HeightKey(string(w.network)), strconv.FormatInt(b.Height, 10))
	w.checkpoint(b.Height)
}

func (w *UTXOWatcher) confirmFunding(ctx context.Context, invoice, txid, blockHash string) {
	_, err := w.transition(ctx, order.WaitingForFundingConfirmation, &order.Message{
		State:            order.OrderFunded,
		Invoice:          invoice,
		OnchainNetwork:   string(w.network),
		FundingTxn:       txid,
		FundingBlockHash: blockHash,
	})
	if err != nil {
		w.log.ForOrder(invoice).Warn("Failed to confirm deposit", "txid", txid, "error", err)
	}
}

func (w *UTXOWatcher) confirmClaim(ctx context.Context, invoice, txid, blockHash string) {
	_, err := w.transition(ctx, order.WaitingForClaimingConfirmation, &order.Message{
		State:             order.OrderClaimed,
		Invoice:           invoice,
		OnchainNetwork:    string(w.network),
		ClaimingTxn:       txid,
		ClaimingBlockHash: blockHash,
	})
	if err != nil {
		w.log.ForOrder(invoice).Warn("Failed to confirm claim", "txid", txid, "error", err)
	}
}

func (w *UTXOWatcher) handleMessage(ctx context.Context, m *order.Message) {
	if !w.ours(m) {
		return
	}
	o := w.sync(m)
	if o == nil {
		// Not in the local store; the announced fields still identify
		// the deposit.
		if m.State != order.WaitingForFunding {
			return
		}
		o = &order.Order{Invoice: m.Invoice}
		o.Apply(m)
	}
	if o.State != m.State {
		return
	}
	w.watch(ctx, o)
}

// refresh caches the chain height and fee estimate.
func (w *UTXOWatcher) refresh(ctx context.Context) {
	network := string(w.network)
	height, err := w.info.GetBlockCount(ctx)
	if err != nil {
		w.log.Warn("Failed to get chain height", "error", err)
	} else {
		w.setCache(storage.HeightKey(network), strconv.FormatInt(height, 10))
	}

	fee, err := w.info.EstimateSmartFee(ctx, FeeTarget)
	if err != nil {
		w.log.Debug("No fee estimate", "error", err)
		return
	}
	w.setCache(storage.FeeEstimationKey(network), strconv.FormatFloat(fee, 'f', -1, 64))
}

// Watching reports whether address is waiting for a deposit.
func (w *UTXOWatcher) Watching(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.addresses[address]
	return ok
}

// Counts returns the sizes of the watch maps.
func (w *UTXOWatcher) Counts() (addresses, fundings, claims int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.addresses), len(w.fundings), len(w.claims)
}
