package bus

import (
	"context"

	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// Applier records a state change announced on the bus.
type Applier interface {
	ApplyMessage(m *order.Message) (*order.Order, bool, error)
}

// Mirror applies every message seen on b to store until ctx ends or the
// bus closes. Processes without a watcher role run it to keep their
// order records current.
func Mirror(ctx context.Context, b Bus, store Applier) error {
	msgs, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}
	log := logging.GetDefault().Component("mirror")
	for m := range msgs {
		if _, _, err := store.ApplyMessage(m); err != nil {
			log.Warn("Failed to mirror order state", "state", m.State,
				"invoice", logging.ShortInvoice(m.Invoice), "error", err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrClosed
}
