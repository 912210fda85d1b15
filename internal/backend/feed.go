package backend

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lnswap/lnswapd/pkg/logging"
)

// ChainReader is the part of BitcoindClient the polling feed needs.
type ChainReader interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlock(ctx context.Context, hash string) (*wire.MsgBlock, error)
	GetRawMempool(ctx context.Context) ([]string, error)
	GetRawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
}

const (
	feedBuffer   = 256
	seenTxsLimit = 100000
)

// PollingFeed turns periodic getrawmempool / getblockcount calls into a
// stream of transactions and blocks. Blocks are delivered in height order
// starting after the height Run is given, so blocks mined while the
// process was down are replayed.
type PollingFeed struct {
	node     ChainReader
	interval time.Duration
	log      *logging.Logger

	txs    chan *wire.MsgTx
	blocks chan *Block

	seen   *lru.Cache[chainhash.Hash, struct{}]
	height int64
}

// NewPollingFeed creates a feed over node. interval <= 0 selects
// DefaultPollInterval.
func NewPollingFeed(node ChainReader, interval time.Duration) (*PollingFeed, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	seen, err := lru.New[chainhash.Hash, struct{}](seenTxsLimit)
	if err != nil {
		return nil, err
	}
	return &PollingFeed{
		node:     node,
		interval: interval,
		log:      logging.GetDefault().Component("feed"),
		txs:      make(chan *wire.MsgTx, feedBuffer),
		blocks:   make(chan *Block, feedBuffer),
		seen:     seen,
	}, nil
}

// Transactions returns the mempool transaction stream.
func (f *PollingFeed) Transactions() <-chan *wire.MsgTx { return f.txs }

// Blocks returns the connected block stream.
func (f *PollingFeed) Blocks() <-chan *Block { return f.blocks }

// Run polls until ctx is cancelled. Transient node errors are logged and
// retried on the next tick.
func (f *PollingFeed) Run(ctx context.Context, after int64) error {
	tip, err := f.node.GetBlockCount(ctx)
	if err != nil {
		return err
	}
	f.height = tip
	if after > 0 {
		f.height = after
	}
	f.log.Info("Feed started", "after", f.height, "tip", tip, "interval", f.interval)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *PollingFeed) poll(ctx context.Context) {
	if err := f.pollBlocks(ctx); err != nil && ctx.Err() == nil {
		f.log.Warn("Block poll failed", "error", err)
	}
	if err := f.pollMempool(ctx); err != nil && ctx.Err() == nil {
		f.log.Warn("Mempool poll failed", "error", err)
	}
}

func (f *PollingFeed) pollBlocks(ctx context.Context) error {
	tip, err := f.node.GetBlockCount(ctx)
	if err != nil {
		return err
	}

	for h := f.height + 1; h <= tip; h++ {
		hash, err := f.node.GetBlockHash(ctx, h)
		if err != nil {
			return err
		}
		block, err := f.node.GetBlock(ctx, hash)
		if err != nil {
			return err
		}
		for _, tx := range block.Transactions {
			f.seen.Add(tx.TxHash(), struct{}{})
		}

		select {
		case f.blocks <- &Block{Height: h, Block: block}:
		case <-ctx.Done():
			return ctx.Err()
		}
		f.height = h
	}
	return nil
}

func (f *PollingFeed) pollMempool(ctx context.Context) error {
	txids, err := f.node.GetRawMempool(ctx)
	if err != nil {
		return err
	}

	for _, txid := range txids {
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			continue
		}
		if f.seen.Contains(*hash) {
			continue
		}

		tx, err := f.node.GetRawTransaction(ctx, txid)
		if err != nil {
			// Evicted or mined between the two calls.
			if errors.Is(err, ErrTxNotFound) {
				continue
			}
			return err
		}
		f.seen.Add(*hash, struct{}{})

		select {
		case f.txs <- tx:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
