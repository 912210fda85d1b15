// Package watcher follows chain activity for the orders of interest and
// moves them through their on-chain states.
//
// There is one watcher per network. A watcher learns about orders from the
// bus and, at start, from the order store; it records deposits and
// confirmations with compare-and-set transitions and announces each
// transition on the bus. Events that do not fit an order's recorded state
// are dropped as protocol violations.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// ErrProtocolViolation marks a chain event that contradicts the recorded
// order: wrong prior state, amount or payment hash.
var ErrProtocolViolation = errors.New("protocol violation")

const (
	// CacheTTL is the lifetime of the height and fee values a watcher
	// writes for swap creation.
	CacheTTL = 60 * time.Second

	// RefreshInterval is how often the UTXO watcher refreshes them.
	RefreshInterval = 6 * time.Second
)

// Store is the order store as seen by a watcher.
type Store interface {
	GetOrder(invoice string) (*order.Order, error)
	ListOrders(filter storage.OrderFilter) ([]*order.Order, error)
	TransitionOrder(from order.State, m *order.Message) (*order.Order, error)
	ApplyMessage(m *order.Message) (*order.Order, bool, error)
	SetCache(key, value string, ttl time.Duration) error

	FeedHeight(network string) (int64, error)
	SetFeedHeight(network string, height int64) error
}

// Claimer sweeps an order in WaitingForClaiming.
type Claimer interface {
	Claim(ctx context.Context, o *order.Order) (*order.Order, error)
}

// rehydrateStates are the states a watcher resumes after a restart.
var rehydrateStates = []order.State{
	order.WaitingForFunding,
	order.WaitingForFundingConfirmation,
	order.WaitingForClaiming,
	order.WaitingForClaimingConfirmation,
}

// base holds what both watcher variants share.
type base struct {
	network chain.Network
	store   Store
	bus     bus.Bus
	claimer Claimer
	log     *logging.Logger

	claimMu  sync.Mutex
	claiming map[string]struct{}
}

func newBase(params *chain.Params, store Store, b bus.Bus, claimer Claimer, component string) base {
	return base{
		network:  params.Network,
		store:    store,
		bus:      b,
		claimer:  claimer,
		log:      logging.GetDefault().Component(component).With("network", params.Network),
		claiming: make(map[string]struct{}),
	}
}

// ours reports whether m concerns this watcher's network.
func (b *base) ours(m *order.Message) bool {
	return chain.Network(m.OnchainNetwork) == b.network
}

// pending returns the orders to resume.
func (b *base) pending() ([]*order.Order, error) {
	return b.store.ListOrders(storage.OrderFilter{
		States:  rehydrateStates,
		Network: string(b.network),
	})
}

// resumeHeight returns the block height the chain follower continues
// after. On the first run the current tip is recorded, so a later restart
// replays everything mined while the process was down.
func (b *base) resumeHeight(ctx context.Context, tip func(context.Context) (int64, error)) int64 {
	height, err := b.store.FeedHeight(string(b.network))
	if err != nil {
		b.log.Warn("Failed to read feed height", "error", err)
		return 0
	}
	if height > 0 {
		return height
	}
	height, err = tip(ctx)
	if err != nil {
		b.log.Warn("Failed to get chain tip", "error", err)
		return 0
	}
	b.checkpoint(height)
	return height
}

// checkpoint records that every event up to height has been handled.
func (b *base) checkpoint(height int64) {
	if err := b.store.SetFeedHeight(string(b.network), height); err != nil {
		b.log.Warn("Failed to record feed height", "height", height, "error", err)
	}
}

// sync mirrors a bus message into the local store and returns the stored
// order. Messages for orders this process never saw, or that the store
// has already moved past, leave the store unchanged.
func (b *base) sync(m *order.Message) *order.Order {
	o, _, err := b.store.ApplyMessage(m)
	if err != nil {
		b.log.Debug("Message not applied", "invoice", logging.ShortInvoice(m.Invoice), "state", m.State, "error", err)
		if o != nil {
			return o
		}
		o, err = b.store.GetOrder(m.Invoice)
		if err != nil {
			return nil
		}
	}
	return o
}

// transition applies m if the order is still in from and announces the
// result.
func (b *base) transition(ctx context.Context, from order.State, m *order.Message) (*order.Order, error) {
	o, err := b.store.TransitionOrder(from, m)
	if err != nil {
		return nil, err
	}
	log := b.log.ForOrder(o.Invoice)
	log.Info("Order state changed", "from", from, "to", o.State)
	if err := b.bus.Publish(ctx, o.Message()); err != nil {
		log.Warn("Failed to publish state change", "error", err)
	}
	return o, nil
}

// claim starts a claim for o unless one is already running.
func (b *base) claim(ctx context.Context, o *order.Order) {
	if b.claimer == nil || o.State != order.WaitingForClaiming {
		return
	}
	b.claimMu.Lock()
	if _, busy := b.claiming[o.Invoice]; busy {
		b.claimMu.Unlock()
		return
	}
	b.claiming[o.Invoice] = struct{}{}
	b.claimMu.Unlock()

	go func() {
		defer func() {
			b.claimMu.Lock()
			delete(b.claiming, o.Invoice)
			b.claimMu.Unlock()
		}()
		if _, err := b.claimer.Claim(ctx, o); err != nil {
			b.log.ForOrder(o.Invoice).Warn("Claim attempt failed", "error", err)
		}
	}()
}

func (b *base) setCache(key, value string) {
	if err := b.store.SetCache(key, value, CacheTTL); err != nil {
		b.log.Warn("Failed to write cache", "key", key, "error", err)
	}
}

// violation logs an event that contradicts the stored order.
func (b *base) violation(invoice string, err error, keyvals ...interface{}) {
	b.log.ForOrder(invoice).Warn("Dropped chain event", append([]interface{}{"error", err}, keyvals...)...)
}
