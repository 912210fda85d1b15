package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lnswap/lnswapd/internal/order"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lnswapd-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testOrder(invoice string) *order.Order {
	return &order.Order{
		Invoice:             invoice,
		State:               order.WaitingForFunding,
		OnchainNetwork:      "testnet",
		LnPaymentHash:       "5f92d009edd90ce055c48cb5d7fb6a7231533eefe6d2b0b033f900912057b3d2",
		LnDestPubKey:        "03a9d79bcfab7feb0f24c3cd61a57f0f00de2225b6d31bce0bc4564efa3b1b5aaf",
		LnAmount:            50000,
		OnchainAmount:       "51000",
		SwapAddress:         "2N2iB5c1bRqMnd5qSxv6ax5oBpyaBCuuhwD",
		SwapKeyIndex:        7,
		RedeemScript:        "76a820",
		RefundAddress:       "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn",
		RefundPublicKeyHash: "2345",
		TimeoutBlockHeight:  1441440,
	}
}

func TestNewCreatesDatabase(t *testing.T) {
	store := newTestStorage(t)
	if _, err := os.Stat(store.Path()); err != nil {
		t.Errorf("database file missing: %v", err)
	}
	if filepath.Base(store.Path()) != DBFileName {
		t.Errorf("Path() = %s", store.Path())
	}
}

func TestOrderCRUD(t *testing.T) {
	store := newTestStorage(t)

	o := testOrder("lntb1first")
	if err := store.CreateOrder(o); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := store.CreateOrder(testOrder("lntb1first")); !errors.Is(err, ErrOrderExists) {
		t.Errorf("duplicate CreateOrder() error = %v, want ErrOrderExists", err)
	}

	got, err := store.GetOrder(o.Invoice)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.State != order.WaitingForFunding || got.SwapKeyIndex != 7 || got.OnchainAmount != "51000" {
		t.Errorf("GetOrder() = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	byAddr, err := store.GetOrderByAddress(o.SwapAddress)
	if err != nil || byAddr.Invoice != o.Invoice {
		t.Errorf("GetOrderByAddress() = %v, %v", byAddr, err)
	}

	if _, err := store.GetOrder("lntb1missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("GetOrder(missing) error = %v", err)
	}
	if _, err := store.GetOrderByAddress("nowhere"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("GetOrderByAddress(missing) error = %v", err)
	}

	got.RefundReason = "test"
	got.State = order.WaitingForRefund
	if err := store.SaveOrder(got); err != nil {
		t.Fatalf("SaveOrder() error = %v", err)
	}
	again, _ := store.GetOrder(o.Invoice)
	if again.State != order.WaitingForRefund || again.RefundReason != "test" {
		t.Errorf("SaveOrder() did not replace: %+v", again)
	}
}

func TestListOrders(t *testing.T) {
	store := newTestStorage(t)

	states := map[string]order.State{
		"inv-a": order.WaitingForFunding,
		"inv-b": order.OrderFunded,
		"inv-c": order.OrderClaimed,
		"inv-d": order.WaitingForFunding,
	}
	for inv, st := range states {
		o := testOrder(inv)
		o.State = st
		o.SwapAddress = "addr-" + inv
		if inv == "inv-d" {
			o.OnchainNetwork = "litecoin"
		}
		if err := store.CreateOrder(o); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter OrderFilter
		want   int
	}{
		{"all", OrderFilter{}, 4},
		{"waiting", OrderFilter{States: []order.State{order.WaitingForFunding}}, 2},
		{"waiting testnet", OrderFilter{States: []order.State{order.WaitingForFunding}, Network: "testnet"}, 1},
		{"two states", OrderFilter{States: []order.State{order.OrderFunded, order.OrderClaimed}}, 2},
		{"limit", OrderFilter{Limit: 3}, 3},
		{"limit offset", OrderFilter{Limit: 3, Offset: 3}, 1},
	}
	for _, tt := range tests {
		got, err := store.ListOrders(tt.filter)
		if err != nil {
			t.Fatalf("%s: ListOrders() error = %v", tt.name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: got %d orders, want %d", tt.name, len(got), tt.want)
		}
	}

	counts, err := store.CountOrders()
	if err != nil {
		t.Fatal(err)
	}
	if counts[order.WaitingForFunding] != 2 || counts[order.OrderClaimed] != 1 {
		t.Errorf("CountOrders() = %v", counts)
	}
}

func TestTransitionOrder(t *testing.T) {
	store := newTestStorage(t)
	o := testOrder("lntb1cas")
	if err := store.CreateOrder(o); err != nil {
		t.Fatal(err)
	}

	msg := &order.Message{
		State:           order.WaitingForFundingConfirmation,
		Invoice:         o.Invoice,
		OnchainNetwork:  "testnet",
		FundingTxn:      "b1d2a3c4",
		FundingTxnIndex: 1,
	}
	got, err := store.TransitionOrder(order.WaitingForFunding, msg)
	if err != nil {
		t.Fatalf("TransitionOrder() error = %v", err)
	}
	if got.State != order.WaitingForFundingConfirmation || got.FundingTxn != "b1d2a3c4" || got.FundingTxnIndex != 1 {
		t.Errorf("TransitionOrder() = %+v", got)
	}
	// Fields not carried by the message survive.
	if got.RedeemScript != o.RedeemScript || got.SwapKeyIndex != o.SwapKeyIndex {
		t.Error("TransitionOrder() dropped order fields")
	}

	// Same CAS again loses.
	if _, err := store.TransitionOrder(order.WaitingForFunding, msg); !errors.Is(err, ErrStateConflict) {
		t.Errorf("stale TransitionOrder() error = %v, want ErrStateConflict", err)
	}

	bad := &order.Message{State: order.OrderClaimed, Invoice: o.Invoice, OnchainNetwork: "testnet", ClaimingTxn: "x", ClaimingBlockHash: "y"}
	if _, err := store.TransitionOrder(order.WaitingForFundingConfirmation, bad); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("invalid transition error = %v", err)
	}

	missing := &order.Message{State: order.WaitingForRefund, Invoice: "lntb1none", OnchainNetwork: "testnet", RefundReason: "x"}
	if _, err := store.TransitionOrder(order.WaitingForFunding, missing); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order error = %v", err)
	}

	if _, err := store.TransitionOrder(order.WaitingForFunding, &order.Message{State: order.WaitingForRefund, Invoice: o.Invoice}); !errors.Is(err, order.ErrIncompleteParameters) {
		t.Errorf("invalid message error = %v", err)
	}
}

func TestTransitionOrderConcurrent(t *testing.T) {
	store := newTestStorage(t)
	o := testOrder("lntb1race")
	o.State = order.OrderFunded
	if err := store.CreateOrder(o); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &order.Message{State: order.WaitingForPayment, Invoice: o.Invoice, OnchainNetwork: "testnet"}
			if _, err := store.TransitionOrder(order.OrderFunded, m); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrStateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d workers won the transition, want 1", wins)
	}
}

func TestApplyMessage(t *testing.T) {
	store := newTestStorage(t)

	initMsg := &order.Message{State: order.Init, Invoice: "lntb1remote", OnchainNetwork: "bitcoin", LnDestPubKey: "03ab", LnAmount: 10000}
	o, changed, err := store.ApplyMessage(initMsg)
	if err != nil || !changed || o.State != order.Init {
		t.Fatalf("ApplyMessage(Init) = %+v, %v, %v", o, changed, err)
	}

	if _, changed, err := store.ApplyMessage(initMsg); err != nil || changed {
		t.Errorf("repeat ApplyMessage() = %v, %v", changed, err)
	}

	funding := &order.Message{State: order.WaitingForFunding, Invoice: "lntb1remote", OnchainNetwork: "bitcoin", OnchainAmount: "10100", SwapAddress: "3abc", LnPaymentHash: "ff"}
	o, changed, err = store.ApplyMessage(funding)
	if err != nil || !changed || o.SwapAddress != "3abc" {
		t.Errorf("ApplyMessage(WaitingForFunding) = %+v, %v, %v", o, changed, err)
	}

	claimed := &order.Message{State: order.OrderClaimed, Invoice: "lntb1remote", OnchainNetwork: "bitcoin", ClaimingTxn: "t", ClaimingBlockHash: "b"}
	if _, _, err := store.ApplyMessage(claimed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ApplyMessage(skip) error = %v", err)
	}

	orphan := &order.Message{State: order.OrderFunded, Invoice: "lntb1orphan", OnchainNetwork: "bitcoin", FundingTxn: "t", FundingBlockHash: "b"}
	if _, _, err := store.ApplyMessage(orphan); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("ApplyMessage(orphan) error = %v", err)
	}
}

func TestApplyMessageCarriesTerms(t *testing.T) {
	creator := newTestStorage(t)
	watcher := newTestStorage(t)

	created := testOrder("lntb1terms")
	created.State = order.Init
	if err := creator.CreateOrder(created); err != nil {
		t.Fatal(err)
	}
	relay := func(m *order.Message) {
		t.Helper()
		data, err := order.MarshalEnvelope(order.NewEnvelope("creator", m))
		if err != nil {
			t.Fatal(err)
		}
		env, err := order.UnmarshalEnvelope(data)
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := watcher.ApplyMessage(env.Message); err != nil {
			t.Fatalf("ApplyMessage(%s) error = %v", m.State, err)
		}
	}

	relay(created.Message())
	funding := *created
	funding.State = order.WaitingForFunding
	o, err := creator.TransitionOrder(order.Init, funding.Message())
	if err != nil {
		t.Fatal(err)
	}
	relay(o.Message())
	relay(&order.Message{State: order.WaitingForFundingConfirmation, Invoice: o.Invoice, OnchainNetwork: "testnet", FundingTxn: "aa"})
	relay(&order.Message{State: order.OrderFunded, Invoice: o.Invoice, OnchainNetwork: "testnet", FundingTxn: "aa", FundingBlockHash: "bb"})
	relay(&order.Message{State: order.WaitingForClaiming, Invoice: o.Invoice, OnchainNetwork: "testnet", LnPreimage: "cc"})

	got, err := watcher.GetOrder(o.Invoice)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != order.WaitingForClaiming ||
		got.SwapKeyIndex != created.SwapKeyIndex ||
		got.RedeemScript != created.RedeemScript ||
		got.RefundAddress != created.RefundAddress ||
		got.RefundPublicKeyHash != created.RefundPublicKeyHash ||
		got.TimeoutBlockHeight != created.TimeoutBlockHeight {
		t.Errorf("mirrored order = %+v", got)
	}

	// A process that joined after Init learns the order from the terms.
	late := newTestStorage(t)
	fresh, changed, err := late.ApplyMessage(o.Message())
	if err != nil || !changed || fresh.RedeemScript != created.RedeemScript {
		t.Errorf("ApplyMessage(WaitingForFunding) on empty store = %+v, %v, %v", fresh, changed, err)
	}

	// Without terms an unknown WaitingForFunding order is still refused.
	bare := o.Message()
	bare.Terms = nil
	bare.Invoice = "lntb1bare"
	if _, _, err := late.ApplyMessage(bare); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("ApplyMessage(bare) error = %v", err)
	}
}

func TestCache(t *testing.T) {
	store := newTestStorage(t)
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	if _, err := store.GetCache(HeightKey("testnet")); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("empty cache error = %v", err)
	}

	if err := store.SetCache(HeightKey("testnet"), "2500000", time.Minute); err != nil {
		t.Fatalf("SetCache() error = %v", err)
	}
	if err := store.SetCache(SwapFeesKey, `{"BTC/BTC":0.01}`, 0); err != nil {
		t.Fatal(err)
	}

	if v, err := store.GetCache(HeightKey("testnet")); err != nil || v != "2500000" {
		t.Errorf("GetCache() = %q, %v", v, err)
	}

	now = now.Add(61 * time.Second)
	if _, err := store.GetCache(HeightKey("testnet")); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expired entry error = %v", err)
	}
	if v, err := store.GetCache(SwapFeesKey); err != nil || v == "" {
		t.Errorf("entry without ttl expired: %q, %v", v, err)
	}

	n, err := store.PurgeExpiredCache()
	if err != nil || n != 1 {
		t.Errorf("PurgeExpiredCache() = %d, %v", n, err)
	}

	if err := store.DeleteCache(SwapFeesKey); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetCache(SwapFeesKey); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("deleted entry error = %v", err)
	}
}

func TestCacheKeys(t *testing.T) {
	tests := map[string]string{
		HeightKey("bitcoin"):         "Blockchain:bitcoin:Height",
		FeeEstimationKey("ethereum"): "Blockchain:ethereum:FeeEstimation",
		PriceTickerKey("BTC/LTC"):    "PriceTicker:BTC/LTC",
		RoutesKey("lnbc1"):           "Routes:lnbc1",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("key = %s, want %s", got, want)
		}
	}
}

func TestNextKeyIndex(t *testing.T) {
	store := newTestStorage(t)

	for want := int64(1); want <= 3; want++ {
		got, err := store.NextKeyIndex()
		if err != nil {
			t.Fatalf("NextKeyIndex() error = %v", err)
		}
		if got != want {
			t.Errorf("NextKeyIndex() = %d, want %d", got, want)
		}
	}

	// Survives reopening.
	dir := filepath.Dir(store.Path())
	store.Close()
	reopened, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got, _ := reopened.NextKeyIndex(); got != 4 {
		t.Errorf("NextKeyIndex() after reopen = %d, want 4", got)
	}
}

func TestFeedHeight(t *testing.T) {
	store := newTestStorage(t)

	if h, err := store.FeedHeight("testnet"); err != nil || h != 0 {
		t.Fatalf("FeedHeight() before any record = %d, %v", h, err)
	}

	for _, h := range []int64{2440, 2442, 2441} {
		if err := store.SetFeedHeight("testnet", h); err != nil {
			t.Fatalf("SetFeedHeight(%d) error = %v", h, err)
		}
	}
	if h, _ := store.FeedHeight("testnet"); h != 2442 {
		t.Errorf("FeedHeight() = %d, want 2442", h)
	}
	if h, _ := store.FeedHeight("eth_rinkeby"); h != 0 {
		t.Errorf("FeedHeight(eth_rinkeby) = %d, want 0", h)
	}

	// Key indices live in the same table and are not disturbed.
	if got, _ := store.NextKeyIndex(); got != 1 {
		t.Errorf("NextKeyIndex() = %d, want 1", got)
	}
}

func TestPeers(t *testing.T) {
	store := newTestStorage(t)
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	if err := store.SavePeer("12D3KooWold", []string{"/ip4/10.0.0.1/tcp/4001"}); err != nil {
		t.Fatalf("SavePeer() error = %v", err)
	}

	now = now.Add(10 * 24 * time.Hour)
	store.SavePeer("12D3KooWa", []string{"/ip4/10.0.0.2/tcp/4001"})
	store.SavePeer("12D3KooWb", []string{"/ip4/10.0.0.3/tcp/4001"})
	store.SavePeer("12D3KooWb", []string{"/ip4/10.0.0.4/tcp/4001"})

	peers, err := store.ListRecentPeers(7*24*time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("ListRecentPeers() returned %d peers, want 2", len(peers))
	}
	if peers[0].PeerID != "12D3KooWb" || peers[0].Connections != 2 {
		t.Errorf("first peer = %+v", peers[0])
	}
	if len(peers[0].Addresses) != 1 || peers[0].Addresses[0] != "/ip4/10.0.0.4/tcp/4001" {
		t.Errorf("addresses = %v", peers[0].Addresses)
	}

	if n, _ := store.PeerCount(); n != 3 {
		t.Errorf("PeerCount() = %d", n)
	}
}

func TestListOrdersUpdatedSince(t *testing.T) {
	store := newTestStorage(t)
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	if err := store.CreateOrder(testOrder("inv-old")); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if err := store.CreateOrder(testOrder("inv-new")); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListOrders(OrderFilter{UpdatedSince: now.Add(-time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Invoice != "inv-new" {
		t.Errorf("ListOrders(UpdatedSince) = %d orders", len(got))
	}
}

func TestMergeOrder(t *testing.T) {
	store := newTestStorage(t)

	remote := testOrder("inv-merge")
	if _, changed, err := store.MergeOrder(remote); err != nil || !changed {
		t.Fatalf("MergeOrder(new) = %v, %v", changed, err)
	}
	got, err := store.GetOrder("inv-merge")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != order.WaitingForFunding || got.SwapKeyIndex != 7 {
		t.Errorf("inserted order = %+v", got)
	}

	ahead := testOrder("inv-merge")
	ahead.State = order.OrderFunded
	ahead.FundingTxn = "txid"
	ahead.FundingBlockHash = "blockhash"
	if o, changed, err := store.MergeOrder(ahead); err != nil || !changed || o.State != order.OrderFunded {
		t.Fatalf("MergeOrder(ahead) = %+v, %v, %v", o, changed, err)
	}

	behind := testOrder("inv-merge")
	behind.State = order.WaitingForFunding
	if o, changed, err := store.MergeOrder(behind); err != nil || changed || o.State != order.OrderFunded {
		t.Errorf("MergeOrder(behind) = %+v, %v, %v", o, changed, err)
	}

	// The claim branch cannot be left for a refund.
	claimed := testOrder("inv-merge")
	claimed.State = order.WaitingForClaiming
	claimed.LnPreimage = "preimage"
	if _, changed, err := store.MergeOrder(claimed); err != nil || !changed {
		t.Fatalf("MergeOrder(claiming) = %v, %v", changed, err)
	}
	refund := testOrder("inv-merge")
	refund.State = order.WaitingForRefund
	refund.RefundReason = "timeout"
	if o, changed, _ := store.MergeOrder(refund); changed || o.State != order.WaitingForClaiming {
		t.Errorf("MergeOrder(refund) moved claiming order to %s", o.State)
	}

	if _, _, err := store.MergeOrder(&order.Order{Invoice: "x", State: "Paid"}); err == nil {
		t.Error("MergeOrder accepted an unknown state")
	}
}
