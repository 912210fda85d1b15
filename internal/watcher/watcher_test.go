package watcher

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lnswapd-watcher-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustParams(t *testing.T, network chain.Network) *chain.Params {
	t.Helper()
	p, ok := chain.Get(network)
	if !ok {
		t.Fatalf("network %s not registered", network)
	}
	return p
}

func mustCreate(t *testing.T, store *storage.Storage, o *order.Order) {
	t.Helper()
	if err := store.CreateOrder(o); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
}

func assertState(t *testing.T, store *storage.Storage, invoice string, want order.State) *order.Order {
	t.Helper()
	o, err := store.GetOrder(invoice)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if o.State != want {
		t.Fatalf("order state = %s, want %s", o.State, want)
	}
	return o
}

// recordingBus is a memory bus that also keeps every published message.
type recordingBus struct {
	*bus.Memory
	mu   sync.Mutex
	sent []*order.Message
}

func newRecordingBus() *recordingBus {
	return &recordingBus{Memory: bus.NewMemory()}
}

func (b *recordingBus) Publish(ctx context.Context, m *order.Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, m)
	b.mu.Unlock()
	return b.Memory.Publish(ctx, m)
}

func (b *recordingBus) states() []order.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]order.State, len(b.sent))
	for i, m := range b.sent {
		out[i] = m.State
	}
	return out
}

type fakeClaimer struct {
	claimed chan string
}

func newFakeClaimer() *fakeClaimer {
	return &fakeClaimer{claimed: make(chan string, 8)}
}

func (c *fakeClaimer) Claim(ctx context.Context, o *order.Order) (*order.Order, error) {
	c.claimed <- o.Invoice
	return o, nil
}

func (c *fakeClaimer) expect(t *testing.T, invoice string) {
	t.Helper()
	select {
	case got := <-c.claimed:
		if got != invoice {
			t.Fatalf("claimed %s, want %s", got, invoice)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no claim for %s", invoice)
	}
}
