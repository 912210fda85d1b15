package node

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lnswap/lnswapd/internal/bus"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
)

func localConfig() *Config {
	cfg := DefaultConfig()
	cfg.Namespace = "test"
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.EnableDHT = false
	return cfg
}

func newTestNode(t *testing.T, dataDir string, peers PeerStore) *Node {
	t.Helper()
	n, err := New(context.Background(), localConfig(), dataDir, peers)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return n
}

func TestNodeIdentityPersists(t *testing.T) {
	dir := t.TempDir()

	first := newTestNode(t, dir, nil)
	id := first.ID()
	first.Stop()

	if _, err := os.Stat(dir + "/node.key"); err != nil {
		t.Fatalf("key file not written: %v", err)
	}

	second := newTestNode(t, dir, nil)
	defer second.Stop()
	if second.ID() != id {
		t.Errorf("identity changed across restarts: %s != %s", second.ID(), id)
	}
}

func TestGossipBetweenNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	a := newTestNode(t, t.TempDir(), store)
	defer a.Stop()
	b := newTestNode(t, t.TempDir(), nil)
	defer b.Stop()
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	busA, err := bus.NewGossip(ctx, a.PubSub(), a.ID())
	if err != nil {
		t.Fatal(err)
	}
	defer busA.Close()
	busB, err := bus.NewGossip(ctx, b.PubSub(), b.ID())
	if err != nil {
		t.Fatal(err)
	}
	defer busB.Close()

	msgs, err := busB.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.ConnectByAddr(ctx, a.P2PAddrs()[0]); err != nil {
		t.Fatalf("ConnectByAddr() error = %v", err)
	}

	// Subscriptions need a moment to propagate; publish until received.
	msg := &order.Message{State: order.Init, Invoice: "lntb1p2p", OnchainNetwork: "testnet", LnDestPubKey: "02ab", LnAmount: 20000}
	deadline := time.After(15 * time.Second)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case m := <-msgs:
			if m.Invoice != "lntb1p2p" || m.LnAmount != 20000 {
				t.Fatalf("received %+v", m)
			}
			if a.PeerCount() == 0 {
				t.Error("node a reports no peers")
			}
			return
		case <-tick.C:
			if err := busA.Publish(ctx, msg); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
		case <-deadline:
			t.Fatal("message not delivered over gossip")
		}
	}
}

func TestPeerHooks(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a := newTestNode(t, t.TempDir(), nil)
	defer a.Stop()
	b := newTestNode(t, t.TempDir(), nil)

	connected := make(chan peer.ID, 1)
	disconnected := make(chan peer.ID, 1)
	notify := func(ch chan peer.ID) func(peer.ID) {
		return func(p peer.ID) {
			select {
			case ch <- p:
			default:
			}
		}
	}
	a.OnPeerConnected(notify(connected))
	a.OnPeerDisconnected(notify(disconnected))
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	if err := b.ConnectByAddr(ctx, a.P2PAddrs()[0]); err != nil {
		t.Fatalf("ConnectByAddr() error = %v", err)
	}
	select {
	case p := <-connected:
		if p != b.ID() {
			t.Errorf("connected peer = %s, want %s", p, b.ID())
		}
	case <-ctx.Done():
		t.Fatal("connect hook not called")
	}

	b.Stop()
	select {
	case p := <-disconnected:
		if p != b.ID() {
			t.Errorf("disconnected peer = %s, want %s", p, b.ID())
		}
	case <-ctx.Done():
		t.Fatal("disconnect hook not called")
	}
}
