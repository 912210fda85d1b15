package lightning

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/pkg/logging"
)

const (
	// RoutesTTL is how long a route summary stays in the cache.
	RoutesTTL = time.Hour

	// TrackRetryDelay is the pause before asking the node again about a
	// payment whose outcome is not known yet.
	TrackRetryDelay = 30 * time.Second
)

// Store is the order store as seen by the task.
type Store interface {
	ListOrders(filter storage.OrderFilter) ([]*order.Order, error)
	TransitionOrder(from order.State, m *order.Message) (*order.Order, error)
	ApplyMessage(m *order.Message) (*order.Order, bool, error)
	SetCache(key, value string, ttl time.Duration) error
}

// Task pays the invoice of every funded order. The move from OrderFunded
// to WaitingForPayment is the payment lock within a process: only the
// goroutine that wins that transition pays. Across processes the lock is
// the node itself, which accepts one payment per hash; every process
// running a task must therefore use the same node.
type Task struct {
	client Client
	store  Store
	bus    bus.Bus
	log    *logging.Logger

	retryDelay time.Duration

	mu     sync.Mutex
	paying map[string]struct{}
	wg     sync.WaitGroup
}

// NewTask creates the Lightning task.
func NewTask(client Client, store Store, b bus.Bus) *Task {
	return &Task{
		client:     client,
		store:      store,
		bus:        b,
		log:        logging.GetDefault().Component("lightning"),
		retryDelay: TrackRetryDelay,
		paying:     make(map[string]struct{}),
	}
}

// Run resumes unfinished payments, then follows the bus until ctx ends.
func (t *Task) Run(ctx context.Context) error {
	msgs, err := t.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer t.wg.Wait()

	if err := t.Rehydrate(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return bus.ErrClosed
			}
			t.handleMessage(ctx, m)
		}
	}
}

// Rehydrate pays funded orders and resolves payments interrupted by a
// restart.
func (t *Task) Rehydrate(ctx context.Context) error {
	orders, err := t.store.ListOrders(storage.OrderFilter{
		States: []order.State{order.OrderFunded, order.WaitingForPayment},
	})
	if err != nil {
		return err
	}
	for _, o := range orders {
		switch o.State {
		case order.OrderFunded:
			t.pay(ctx, o)
		case order.WaitingForPayment:
			t.resume(ctx, o)
		}
	}
	if len(orders) > 0 {
		t.log.Info("Resumed payments", "count", len(orders))
	}
	return nil
}

func (t *Task) handleMessage(ctx context.Context, m *order.Message) {
	o, _, err := t.store.ApplyMessage(m)
	if err != nil {
		t.log.Debug("Message not applied", "invoice", logging.ShortInvoice(m.Invoice), "state", m.State, "error", err)
	}

	switch m.State {
	case order.Init:
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.cacheRoutes(ctx, m)
		}()
	case order.OrderFunded:
		if o != nil && o.State == order.OrderFunded {
			t.pay(ctx, o)
		}
	}
}

// cacheRoutes caches the routes available for a new order so swap
// creation can refuse invoices that cannot be paid.
func (t *Task) cacheRoutes(ctx context.Context, m *order.Message) {
	log := t.log.ForOrder(m.Invoice)
	routes, err := t.client.QueryRoutes(ctx, m.LnDestPubKey, m.LnAmount)
	if err != nil && !errors.Is(err, ErrNoRoute) {
		log.Warn("Failed to query routes", "error", err)
		return
	}
	if routes == nil {
		routes = []Route{}
	}
	data, err := json.Marshal(routes)
	if err != nil {
		log.Error("Failed to encode routes", "error", err)
		return
	}
	if err := t.store.SetCache(storage.RoutesKey(m.Invoice), string(data), RoutesTTL); err != nil {
		log.Warn("Failed to cache routes", "error", err)
		return
	}
	log.Debug("Routes cached", "count", len(routes))
}

// begin marks invoice as being paid. It returns false when a payment for
// it is already running in this process.
func (t *Task) begin(invoice string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.paying[invoice]; busy {
		return false
	}
	t.paying[invoice] = struct{}{}
	return true
}

func (t *Task) end(invoice string) {
	t.mu.Lock()
	delete(t.paying, invoice)
	t.mu.Unlock()
}

// pay takes the payment lock for a funded order and pays its invoice.
func (t *Task) pay(ctx context.Context, o *order.Order) {
	if !t.begin(o.Invoice) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.end(o.Invoice)

		log := t.log.ForOrder(o.Invoice)
		locked, err := t.transition(ctx, order.OrderFunded, &order.Message{
			State:          order.WaitingForPayment,
			Invoice:        o.Invoice,
			OnchainNetwork: o.OnchainNetwork,
		})
		if err != nil {
			log.Debug("Payment lock not taken", "error", err)
			return
		}

		log.Info("Paying invoice", "amount", locked.LnAmount)
		p, err := t.client.PayInvoice(ctx, locked.Invoice)
		t.settle(ctx, locked, p, err)
	}()
}

// resume resolves an order left in WaitingForPayment. The node is asked
// for the outcome first so the invoice is never paid twice.
func (t *Task) resume(ctx context.Context, o *order.Order) {
	if !t.begin(o.Invoice) {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.end(o.Invoice)

		p, err := t.client.TrackPayment(ctx, o.LnPaymentHash)
		if errors.Is(err, ErrPaymentUnknown) {
			t.log.ForOrder(o.Invoice).Info("No payment attempt found, paying invoice")
			p, err = t.client.PayInvoice(ctx, o.Invoice)
		}
		t.settle(ctx, o, p, err)
	}()
}

// settle records the outcome of a payment for an order holding the
// payment lock.
func (t *Task) settle(ctx context.Context, o *order.Order, p *Payment, err error) {
	log := t.log.ForOrder(o.Invoice)
	for {
		if err == nil {
			err = VerifyPreimage(p.Preimage, o.LnPaymentHash)
		}
		if err == nil || final(err) {
			break
		}
		if errors.Is(err, ErrPaymentInProgress) {
			// Another process sharing the node paid first. Its outcome
			// is ours too.
			log.Info("Payment already sent for this hash, tracking it")
		} else {
			// The outcome is unknown. Keep the lock and ask again.
			log.Warn("Payment outcome unknown", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.retryDelay):
			}
		}
		p, err = t.client.TrackPayment(ctx, o.LnPaymentHash)
	}

	if err != nil {
		log.Warn("Payment failed", "error", err)
		if _, terr := t.transition(ctx, order.WaitingForPayment, &order.Message{
			State:          order.WaitingForRefund,
			Invoice:        o.Invoice,
			OnchainNetwork: o.OnchainNetwork,
			RefundReason:   err.Error(),
		}); terr != nil {
			log.Error("Failed to record payment failure", "error", terr)
		}
		return
	}

	log.Info("Invoice paid", "fee", p.Fee)
	if _, terr := t.transition(ctx, order.WaitingForPayment, &order.Message{
		State:          order.WaitingForClaiming,
		Invoice:        o.Invoice,
		OnchainNetwork: o.OnchainNetwork,
		LnPreimage:     p.Preimage,
	}); terr != nil {
		log.Error("Failed to record payment", "error", terr)
	}
}

// final reports whether err ends the payment for good.
func final(err error) bool {
	return errors.Is(err, ErrPaymentFailed) ||
		errors.Is(err, ErrNoRoute) ||
		errors.Is(err, ErrDecodeInvoice) ||
		errors.Is(err, ErrPreimageMismatch)
}

func (t *Task) transition(ctx context.Context, from order.State, m *order.Message) (*order.Order, error) {
	o, err := t.store.TransitionOrder(from, m)
	if err != nil {
		return nil, err
	}
	log := t.log.ForOrder(o.Invoice)
	log.Info("Order state changed", "from", from, "to", o.State)
	if err := t.bus.Publish(ctx, o.Message()); err != nil {
		log.Warn("Failed to publish state change", "error", err)
	}
	return o, nil
}
