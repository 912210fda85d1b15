package watcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/contracts/lnswap"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/pkg/helpers"
)

// Account watcher timing.
const (
	FetchAttempts    = 10
	FetchRetryDelay  = time.Second
	ResubscribeDelay = 5 * time.Second

	maxPendingFetches = 64

	// logBackfillMargin is how many blocks below the last handled head a
	// resubscription starts replaying contract logs, since a head can be
	// delivered before the logs of its block.
	logBackfillMargin = 2
)

// ErrNoGasPrice is returned by GasPrice before the first block header.
var ErrNoGasPrice = errors.New("no gas price observed yet")

// TxFetcher looks up a transaction by hash.
type TxFetcher interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// GasOracle suggests a gas price.
type GasOracle interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// ChainClient is one websocket session with an account chain node.
type ChainClient interface {
	TxFetcher
	GasOracle
	BlockNumber(ctx context.Context) (uint64, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Dialer opens a ChainClient session to url.
type Dialer func(ctx context.Context, url string) (ChainClient, error)

// DialWebsocket opens a session over a node's websocket endpoint.
func DialWebsocket(ctx context.Context, url string) (ChainClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &wsClient{Client: ethclient.NewClient(c), rpc: c}, nil
}

type wsClient struct {
	*ethclient.Client
	rpc *rpc.Client
}

func (c *wsClient) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	return c.rpc.EthSubscribe(ctx, ch, "newPendingTransactions")
}

type depositInterest struct {
	amount      *big.Int
	paymentHash common.Hash
}

// AccountWatcher follows the swap contract on an account chain over a
// websocket endpoint.
type AccountWatcher struct {
	base
	params   *chain.Params
	url      string
	dial     Dialer
	contract *lnswap.Contract

	fetchAttempts    int
	fetchRetryDelay  time.Duration
	resubscribeDelay time.Duration
	fetchSlots       chan struct{}

	mu       sync.Mutex
	deposits map[string]depositInterest // invoice -> expected fund() call

	gasPrice atomic.Pointer[big.Int]
}

// NewAccountWatcher creates a watcher for the contract at contractAddr,
// reached through the websocket url.
func NewAccountWatcher(params *chain.Params, url string, contractAddr common.Address, store Store, b bus.Bus, claimer Claimer) (*AccountWatcher, error) {
	if !params.IsAccount() {
		return nil, fmt.Errorf("%w: %s is not an account network", chain.ErrUnknownNetwork, params.Network)
	}
	// Log decoding needs no backend.
	contract, err := lnswap.New(contractAddr, nil)
	if err != nil {
		return nil, err
	}
	return &AccountWatcher{
		base:             newBase(params, store, b, claimer, "account-watcher"),
		params:           params,
		url:              url,
		dial:             DialWebsocket,
		contract:         contract,
		fetchAttempts:    FetchAttempts,
		fetchRetryDelay:  FetchRetryDelay,
		resubscribeDelay: ResubscribeDelay,
		fetchSlots:       make(chan struct{}, maxPendingFetches),
		deposits:         make(map[string]depositInterest),
	}, nil
}

// Run resumes pending orders, follows the chain and handles bus messages
// until ctx ends.
func (w *AccountWatcher) Run(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	if err := w.Rehydrate(ctx); err != nil {
		return err
	}

	go w.followChain(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return bus.ErrClosed
			}
			w.handleMessage(ctx, m)
		}
	}
}

// Rehydrate rebuilds the deposit map from the order store and restarts
// interrupted claims.
func (w *AccountWatcher) Rehydrate(ctx context.Context) error {
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

// GasPrice returns the gas price seen at the latest block header.
func (w *AccountWatcher) GasPrice(ctx context.Context) (*big.Int, error) {
	p := w.gasPrice.Load()
	if p == nil {
		return nil, ErrNoGasPrice
	}
	return new(big.Int).Set(p), nil
}

func (w *AccountWatcher) followChain(ctx context.Context) {
	for {
		err := w.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("Chain subscription lost", "error", err, "retry_in", w.resubscribeDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.resubscribeDelay):
		}
	}
}

// subscribe holds one websocket session with its three subscriptions and
// returns when any of them fails. Contract logs emitted while no session
// was live are replayed once the subscriptions are in place.
func (w *AccountWatcher) subscribe(ctx context.Context) error {
	client, err := w.dial(ctx, w.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer client.Close()

	heads := make(chan *types.Header, 16)
	headSub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe new heads: %w", err)
	}
	defer headSub.Unsubscribe()

	hashes := make(chan common.Hash, 256)
	pendingSub, err := client.SubscribePendingTransactions(ctx, hashes)
	if err != nil {
		return fmt.Errorf("subscribe pending transactions: %w", err)
	}
	defer pendingSub.Unsubscribe()

	logs := make(chan types.Log, 64)
	logSub, err := client.SubscribeFilterLogs(ctx, w.contract.FilterQuery(), logs)
	if err != nil {
		return fmt.Errorf("subscribe contract logs: %w", err)
	}
	defer logSub.Unsubscribe()

	if err := w.backfill(ctx, client); err != nil {
		return fmt.Errorf("backfill contract logs: %w", err)
	}

	w.log.Info("Following chain", "contract", w.contract.Address().Hex())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-headSub.Err():
			return fmt.Errorf("new heads: %w", err)
		case err := <-pendingSub.Err():
			return fmt.Errorf("pending transactions: %w", err)
		case err := <-logSub.Err():
			return fmt.Errorf("contract logs: %w", err)
		case h := <-heads:
			w.handleHead(ctx, client, h)
		case hash := <-hashes:
			w.queueFetch(ctx, client, hash)
		case l := <-logs:
			w.handleLog(ctx, l)
		}
	}
}

// backfill replays the contract logs from just below the last handled
// head.
func (w *AccountWatcher) backfill(ctx context.Context, client ChainClient) error {
	head := w.resumeHeight(ctx, func(ctx context.Context) (int64, error) {
		n, err := client.BlockNumber(ctx)
		return int64(n), err
	})
	if head <= 0 {
		return nil
	}
	from := head - logBackfillMargin
	if from < 0 {
		from = 0
	}

	q := w.contract.FilterQuery()
	q.FromBlock = big.NewInt(from)
	logs, err := client.FilterLogs(ctx, q)
	if err != nil {
		return err
	}
	for _, l := range logs {
		w.handleLog(ctx, l)
	}
	if len(logs) > 0 {
		w.log.Info("Replayed contract logs", "from", from, "count", len(logs))
	}
	return nil
}

func (w *AccountWatcher) handleHead(ctx context.Context, oracle GasOracle, h *types.Header) {
	network := string(w.network)
	w.setCache(storage.HeightKey(network), h.Number.String())
	w.checkpoint(h.Number.Int64())

	price, err := oracle.SuggestGasPrice(ctx)
	if err != nil {
		w.log.Debug("Failed to get gas price", "error", err)
		return
	}
	w.gasPrice.Store(price)
	w.setCache(storage.FeeEstimationKey(network), price.String())
}

// queueFetch fetches a pending transaction in the background. Hashes are
// skipped while nothing awaits funding or all fetch slots are busy; the
// orderFunded event still records those deposits.
func (w *AccountWatcher) queueFetch(ctx context.Context, f TxFetcher, hash common.Hash) {
	if w.depositCount() == 0 {
		return
	}
	select {
	case w.fetchSlots <- struct{}{}:
	default:
		w.log.Debug("Pending fetch queue full", "tx", hash.Hex())
		return
	}
	go func() {
		defer func() { <-w.fetchSlots }()
		w.fetchPending(ctx, f, hash)
	}()
}

// fetchPending retries with a fixed delay; a node often announces a hash
// before it can serve the transaction.
func (w *AccountWatcher) fetchPending(ctx context.Context, f TxFetcher, hash common.Hash) {
	var err error
	for attempt := 1; attempt <= w.fetchAttempts; attempt++ {
		var tx *types.Transaction
		tx, _, err = f.TransactionByHash(ctx, hash)
		if err == nil {
			w.handlePendingTx(ctx, tx)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.fetchRetryDelay):
		}
	}
	w.log.Debug("Gave up fetching pending transaction", "tx", hash.Hex(), "attempts", w.fetchAttempts, "error", err)
}

func (w *AccountWatcher) handlePendingTx(ctx context.Context, tx *types.Transaction) {
	to := tx.To()
	if to == nil || *to != w.contract.Address() {
		return
	}
	call, err := lnswap.ParseFund(tx.Data())
	if err != nil {
		return
	}

	interest, ok := w.deposit(call.Lninvoice)
	if !ok {
		return
	}
	if common.Hash(call.PaymentHash) != interest.paymentHash {
		w.violation(call.Lninvoice, fmt.Errorf("%w: payment hash mismatch", ErrProtocolViolation), "tx", tx.Hash().Hex())
		return
	}
	if tx.Value().Cmp(interest.amount) != 0 {
		w.violation(call.Lninvoice, fmt.Errorf("%w: amount mismatch", ErrProtocolViolation),
			"tx", tx.Hash().Hex(), "amount", tx.Value(), "expected", interest.amount)
		return
	}

	if !w.takeDeposit(call.Lninvoice) {
		return
	}
	_, err = w.transition(ctx, order.WaitingForFunding, &order.Message{
		State:          order.WaitingForFundingConfirmation,
		Invoice:        call.Lninvoice,
		OnchainNetwork: string(w.network),
		FundingTxn:     tx.Hash().Hex(),
	})
	if err != nil {
		w.log.ForOrder(call.Lninvoice).Warn("Failed to record deposit", "tx", tx.Hash().Hex(), "error", err)
		if !errors.Is(err, storage.ErrStateConflict) {
			w.mu.Lock()
			w.deposits[call.Lninvoice] = interest
			w.mu.Unlock()
		}
	}
}

func (w *AccountWatcher) handleLog(ctx context.Context, l types.Log) {
	if l.Removed {
		w.log.Warn("Ignoring log removed by reorg", "tx", l.TxHash.Hex(), "block", l.BlockHash.Hex())
		return
	}
	ev, err := w.contract.UnpackLog(l)
	if err != nil {
		w.log.Debug("Undecodable contract log", "tx", l.TxHash.Hex(), "error", err)
		return
	}

	switch ev := ev.(type) {
	case *lnswap.OrderFunded:
		w.onFunded(ctx, ev)
	case *lnswap.OrderClaimed:
		w.onClaimed(ctx, ev)
	case *lnswap.OrderRefunded:
		w.onRefunded(ctx, ev)
	}
}

// recorded reports whether tx is already stored as the confirmed
// funding, claim or refund of the order, as happens for replayed logs.
func (w *AccountWatcher) recorded(invoice string, tx common.Hash) bool {
	o, err := w.store.GetOrder(invoice)
	if err != nil {
		return false
	}
	h := tx.Hex()
	if (o.FundingTxn == h && o.FundingBlockHash != "") ||
		(o.ClaimingTxn == h && o.ClaimingBlockHash != "") ||
		(o.RefundTxn == h && o.RefundBlockHash != "") {
		w.log.ForOrder(invoice).Debug("Contract event already recorded", "tx", h)
		return true
	}
	return false
}

// orderFor loads the order an event names and checks it is in one of
// the expected states.
func (w *AccountWatcher) orderFor(invoice, event string, expected ...order.State) (*order.Order, error) {
	o, err := w.store.GetOrder(invoice)
	if err != nil {
		return nil, err
	}
	if chain.Network(o.OnchainNetwork) != w.network {
		return nil, fmt.Errorf("%w: %s order on %s", ErrProtocolViolation, event, o.OnchainNetwork)
	}
	for _, s := range expected {
		if o.State == s {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: %s while %s", ErrProtocolViolation, event, o.State)
}

func (w *AccountWatcher) onFunded(ctx context.Context, ev *lnswap.OrderFunded) {
	if w.recorded(ev.Lninvoice, ev.Raw.TxHash) {
		return
	}
	o, err := w.orderFor(ev.Lninvoice, lnswap.EventOrderFunded, order.WaitingForFunding, order.WaitingForFundingConfirmation)
	if err != nil {
		w.violation(ev.Lninvoice, err, "tx", ev.Raw.TxHash.Hex())
		return
	}
	if !helpers.AmountsEqual(o.OnchainAmount, ev.OnchainAmount) {
		w.violation(ev.Lninvoice, fmt.Errorf("%w: amount mismatch", ErrProtocolViolation),
			"amount", ev.OnchainAmount, "expected", o.OnchainAmount)
		return
	}
	if hash, err := helpers.HexToFixed(o.LnPaymentHash, 32); err != nil || !bytes.Equal(hash, ev.PaymentHash[:]) {
		w.violation(ev.Lninvoice, fmt.Errorf("%w: payment hash mismatch", ErrProtocolViolation))
		return
	}

	w.takeDeposit(ev.Lninvoice)
	_, err = w.transition(ctx, o.State, &order.Message{
		State:            order.OrderFunded,
		Invoice:          o.Invoice,
		OnchainNetwork:   o.OnchainNetwork,
		FundingTxn:       ev.Raw.TxHash.Hex(),
		FundingBlockHash: ev.Raw.BlockHash.Hex(),
	})
	if err != nil {
		w.log.ForOrder(o.Invoice).Warn("Failed to confirm deposit", "error", err)
	}
}

func (w *AccountWatcher) onClaimed(ctx context.Context, ev *lnswap.OrderClaimed) {
	if w.recorded(ev.Lninvoice, ev.Raw.TxHash) {
		return
	}
	o, err := w.orderFor(ev.Lninvoice, lnswap.EventOrderClaimed, order.WaitingForClaimingConfirmation)
	if err != nil {
		w.violation(ev.Lninvoice, err, "tx", ev.Raw.TxHash.Hex())
		return
	}
	hash := sha256.Sum256(ev.Preimage[:])
	if want, err := helpers.HexToFixed(o.LnPaymentHash, 32); err != nil || !bytes.Equal(hash[:], want) {
		w.violation(ev.Lninvoice, fmt.Errorf("%w: preimage does not match payment hash", ErrProtocolViolation))
		return
	}

	_, err = w.transition(ctx, order.WaitingForClaimingConfirmation, &order.Message{
		State:             order.OrderClaimed,
		Invoice:           o.Invoice,
		OnchainNetwork:    o.OnchainNetwork,
		ClaimingTxn:       ev.Raw.TxHash.Hex(),
		ClaimingBlockHash: ev.Raw.BlockHash.Hex(),
	})
	if err != nil {
		w.log.ForOrder(o.Invoice).Warn("Failed to confirm claim", "error", err)
	}
}

func (w *AccountWatcher) onRefunded(ctx context.Context, ev *lnswap.OrderRefunded) {
	if w.recorded(ev.Lninvoice, ev.Raw.TxHash) {
		return
	}
	o, err := w.orderFor(ev.Lninvoice, lnswap.EventOrderRefunded, order.WaitingForRefund, order.WaitingForRefundConfirmation)
	if err != nil {
		w.violation(ev.Lninvoice, err, "tx", ev.Raw.TxHash.Hex())
		return
	}
	_, err = w.transition(ctx, o.State, &order.Message{
		State:           order.OrderRefunded,
		Invoice:         o.Invoice,
		OnchainNetwork:  o.OnchainNetwork,
		RefundTxn:       ev.Raw.TxHash.Hex(),
		RefundBlockHash: ev.Raw.BlockHash.Hex(),
	})
	if err != nil {
		w.log.ForOrder(o.Invoice).Warn("Failed to confirm refund", "error", err)
	}
}

func (w *AccountWatcher) handleMessage(ctx context.Context, m *order.Message) {
	if !w.ours(m) {
		return
	}
	o := w.sync(m)
	if o == nil {
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

func (w *AccountWatcher) watch(ctx context.Context, o *order.Order) {
	switch o.State {
	case order.WaitingForFunding:
		w.watchDeposit(o)
	case order.WaitingForClaiming:
		w.claim(ctx, o)
	case order.WaitingForFundingConfirmation, order.OrderFunded, order.WaitingForRefund:
		w.takeDeposit(o.Invoice)
	}
}

func (w *AccountWatcher) watchDeposit(o *order.Order) {
	log := w.log.ForOrder(o.Invoice)
	amount, err := helpers.ParseBaseUnits(o.OnchainAmount)
	if err != nil || amount.Sign() <= 0 {
		log.Warn("Order has no usable amount", "amount", o.OnchainAmount)
		return
	}
	hash, err := helpers.HexToFixed(o.LnPaymentHash, 32)
	if err != nil {
		log.Warn("Order has no usable payment hash", "error", err)
		return
	}

	w.mu.Lock()
	w.deposits[o.Invoice] = depositInterest{amount: amount, paymentHash: common.BytesToHash(hash)}
	w.mu.Unlock()
	log.Debug("Watching contract deposit", "amount", amount)
}

func (w *AccountWatcher) deposit(invoice string) (depositInterest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.deposits[invoice]
	return d, ok
}

func (w *AccountWatcher) takeDeposit(invoice string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.deposits[invoice]
	delete(w.deposits, invoice)
	return ok
}

func (w *AccountWatcher) depositCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.deposits)
}
