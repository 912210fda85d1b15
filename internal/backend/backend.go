// Package backend talks to the UTXO chain node. It reads chain data and
// relays already-signed transactions; no private keys pass through here.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Common errors
var (
	ErrNotConnected    = errors.New("backend not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrInvalidTx       = errors.New("invalid transaction")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrNoFeeEstimate   = errors.New("no fee estimate available")
)

// bitcoind RPC error codes the client maps onto sentinels.
const (
	rpcInvalidAddressOrKey  = -5
	rpcVerifyError          = -25
	rpcVerifyRejected       = -26
	rpcVerifyAlreadyInChain = -27
)

// Config describes how to reach a node.
type Config struct {
	URL     string        `yaml:"url"`
	User    string        `yaml:"user,omitempty"`
	Pass    string        `yaml:"pass,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// PollInterval drives the polling feed. Zero means DefaultPollInterval.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// DefaultPollInterval is how often the polling feed asks the node for
// new mempool entries and blocks.
const DefaultPollInterval = 2 * time.Second

// Block is a block delivered by a Feed together with its height.
type Block struct {
	Height int64
	Block  *wire.MsgBlock
}

// Feed delivers transactions as they enter the mempool and blocks as they
// are connected. Each transaction is delivered at most once per Feed; a
// transaction first seen in a block is delivered only as part of it.
type Feed interface {
	Transactions() <-chan *wire.MsgTx
	Blocks() <-chan *Block

	// Run delivers every block above after, then new blocks as they are
	// connected. An after of zero or less starts at the current tip.
	Run(ctx context.Context, after int64) error
}
