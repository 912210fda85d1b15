package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// Claimer errors
var (
	ErrNoAdapter    = errors.New("no chain adapter for network")
	ErrNotClaimable = errors.New("order is not waiting for claiming")
)

// OrderTransitioner is the compare-and-set the claimer needs from the
// order store.
type OrderTransitioner interface {
	TransitionOrder(from order.State, m *order.Message) (*order.Order, error)
}

// Publisher announces state changes to other participants.
type Publisher interface {
	Publish(ctx context.Context, m *order.Message) error
}

// Claimer sweeps funded orders once the preimage is known.
type Claimer struct {
	store OrderTransitioner
	bus   Publisher
	log   *logging.Logger

	mu       sync.RWMutex
	adapters map[chain.Network]ChainAdapter
}

// NewClaimer creates a claimer with the given adapters.
func NewClaimer(store OrderTransitioner, bus Publisher, adapters ...ChainAdapter) *Claimer {
	c := &Claimer{
		store:    store,
		bus:      bus,
		log:      logging.GetDefault().Component("claimer"),
		adapters: make(map[chain.Network]ChainAdapter),
	}
	for _, a := range adapters {
		c.adapters[a.Network()] = a
	}
	return c
}

// AddAdapter registers or replaces the adapter for its network.
func (c *Claimer) AddAdapter(a ChainAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Network()] = a
}

// Adapter returns the adapter for a network.
func (c *Claimer) Adapter(network chain.Network) (ChainAdapter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.adapters[network]
	return a, ok
}

// Claim broadcasts the claim for o and moves it to
// WaitingForClaimingConfirmation. On a broadcast failure the order stays
// in WaitingForClaiming.
func (c *Claimer) Claim(ctx context.Context, o *order.Order) (*order.Order, error) {
	if o.State != order.WaitingForClaiming {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotClaimable, o.Invoice, o.State)
	}
	adapter, ok := c.Adapter(chain.Network(o.OnchainNetwork))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, o.OnchainNetwork)
	}

	log := c.log.ForOrder(o.Invoice)

	txid, err := adapter.Claim(ctx, o)
	if err != nil {
		log.Error("Claim failed", "network", o.OnchainNetwork, "error", err)
		return nil, err
	}
	log.Info("Claim broadcast", "network", o.OnchainNetwork, "txid", txid)

	updated, err := c.store.TransitionOrder(order.WaitingForClaiming, &order.Message{
		State:          order.WaitingForClaimingConfirmation,
		Invoice:        o.Invoice,
		OnchainNetwork: o.OnchainNetwork,
		ClaimingTxn:    txid,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record claim %s: %w", txid, err)
	}

	if err := c.bus.Publish(ctx, updated.Message()); err != nil {
		log.Warn("Failed to publish claim", "error", err)
	}
	return updated, nil
}
