package quote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/lightning"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/internal/swap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lnswapd-quote-test-*")
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

func testnet(t *testing.T) *chain.Params {
	t.Helper()
	p, ok := chain.Get(chain.BitcoinTestnet)
	if !ok {
		t.Fatal("testnet not registered")
	}
	return p
}

func refundAddress(t *testing.T) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(bytes.Repeat([]byte{0x11}, 20), testnet(t).ChainParams())
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress()
}

func scriptHashAddress(t *testing.T) string {
	t.Helper()
	addr, err := btcutil.NewAddressScriptHashFromHash(bytes.Repeat([]byte{0x22}, 20), testnet(t).ChainParams())
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress()
}

type fakeLightning struct {
	invoices map[string]*lightning.Invoice
}

func (f *fakeLightning) DecodeInvoice(ctx context.Context, invoice string) (*lightning.Invoice, error) {
	inv, ok := f.invoices[invoice]
	if !ok {
		return nil, lightning.ErrDecodeInvoice
	}
	return inv, nil
}

func (f *fakeLightning) QueryRoutes(ctx context.Context, destination string, amount int64) ([]lightning.Route, error) {
	return nil, lightning.ErrNoRoute
}

func (f *fakeLightning) PayInvoice(ctx context.Context, invoice string) (*lightning.Payment, error) {
	return nil, lightning.ErrPaymentFailed
}

func (f *fakeLightning) TrackPayment(ctx context.Context, paymentHash string) (*lightning.Payment, error) {
	return nil, lightning.ErrPaymentUnknown
}

type fakeAdapter struct {
	network chain.Network
	reqs    []*swap.SwapRequest
}

func (a *fakeAdapter) Network() chain.Network { return a.network }

func (a *fakeAdapter) SwapDestination(ctx context.Context, req *swap.SwapRequest) (*swap.SwapDestination, error) {
	a.reqs = append(a.reqs, req)
	return &swap.SwapDestination{
		Address:              "2NswapNested",
		NativeAddress:        "tb1qswapnative",
		LegacyAddress:        "2NswapLegacy",
		RedeemScript:         []byte{0x76, 0xa9},
		DestinationPublicKey: bytes.Repeat([]byte{0x02}, 33),
	}, nil
}

func (a *fakeAdapter) Claim(ctx context.Context, o *order.Order) (string, error) {
	return "", errors.New("not supported")
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []*order.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, m *order.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
	return nil
}

type fixture struct {
	svc     *Service
	store   *storage.Storage
	ln      *fakeLightning
	adapter *fakeAdapter
	pub     *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newTestStore(t),
		ln:      &fakeLightning{invoices: make(map[string]*lightning.Invoice)},
		adapter: &fakeAdapter{network: chain.BitcoinTestnet},
		pub:     &recordingPublisher{},
	}
	f.svc = NewService(DefaultConfig(), f.ln, f.store, f.pub, f.adapter)
	f.svc.now = func() time.Time { return testNow }
	f.svc.routeAttempts = 1

	f.setCache(t, storage.HeightKey("testnet"), "1000")
	f.setCache(t, storage.SwapFeesKey, `{"BTC":50,"LTC":50,"ETH":50}`)
	f.setCache(t, storage.PriceTickerKey(PairBTCUSD), `{"symbol":"BTCUSD","last":"60000"}`)
	return f
}

func (f *fixture) setCache(t *testing.T, key, value string) {
	t.Helper()
	if err := f.store.SetCache(key, value, 0); err != nil {
		t.Fatalf("SetCache() error = %v", err)
	}
}

// addInvoice registers a decodable invoice and, when routes is not nil,
// the route summary the Lightning task would have cached.
func (f *fixture) addInvoice(t *testing.T, invoice string, amount int64, expiry time.Duration, routes []lightning.Route) string {
	t.Helper()
	hash := sha256.Sum256([]byte(invoice))
	f.ln.invoices[invoice] = &lightning.Invoice{
		PaymentRequest: invoice,
		Destination:    "02" + hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32)),
		PaymentHash:    hex.EncodeToString(hash[:]),
		Amount:         amount,
		Description:    "coffee",
		CreatedAt:      testNow.Add(-time.Minute),
		ExpiresAt:      testNow.Add(expiry),
	}
	if routes != nil {
		data, _ := json.Marshal(routes)
		f.setCache(t, storage.RoutesKey(invoice), string(data))
	}
	return hex.EncodeToString(hash[:])
}

var cheapRoute = []lightning.Route{{TotalFees: 5, TotalAmount: 50005, Hops: 2}, {TotalFees: 1, TotalAmount: 50001, Hops: 3}}

func TestCreateSwap(t *testing.T) {
	f := newFixture(t)
	hash := f.addInvoice(t, "lntb500u1create", 50000, time.Hour, cheapRoute)
	refund := refundAddress(t)

	got, err := f.svc.CreateSwap(context.Background(), &CreateRequest{
		Invoice: "lntb500u1create",
		Network: "testnet",
		Refund:  refund,
	})
	if err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}

	if got.SwapAmount != "0.00050250" {
		t.Errorf("SwapAmount = %s, want 0.00050250", got.SwapAmount)
	}
	if got.SwapFee != "0.00000250" {
		t.Errorf("SwapFee = %s, want 0.00000250", got.SwapFee)
	}
	if got.TimeoutBlockHeight != 2440 {
		t.Errorf("TimeoutBlockHeight = %d, want 2440", got.TimeoutBlockHeight)
	}
	if got.SwapKeyIndex != 1 {
		t.Errorf("SwapKeyIndex = %d, want 1", got.SwapKeyIndex)
	}
	if got.PaymentHash != hash {
		t.Errorf("PaymentHash = %s, want %s", got.PaymentHash, hash)
	}
	if got.RefundPublicKeyHash != hex.EncodeToString(bytes.Repeat([]byte{0x11}, 20)) {
		t.Errorf("RefundPublicKeyHash = %s", got.RefundPublicKeyHash)
	}
	if got.SwapAddress != "2NswapNested" || got.SwapNativeAddress != "tb1qswapnative" {
		t.Errorf("addresses = %s, %s", got.SwapAddress, got.SwapNativeAddress)
	}

	req := f.adapter.reqs[0]
	if req.TimeoutBlockHeight != 2440 || req.KeyIndex != 1 {
		t.Errorf("SwapRequest = %+v", req)
	}

	o, err := f.store.GetOrder("lntb500u1create")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if o.State != order.WaitingForFunding {
		t.Errorf("state = %s, want %s", o.State, order.WaitingForFunding)
	}
	if o.OnchainAmount != "50250" {
		t.Errorf("OnchainAmount = %s, want 50250", o.OnchainAmount)
	}
	if o.RedeemScript != "76a9" || o.RefundAddress != refund || o.TimeoutBlockHeight != 2440 {
		t.Errorf("stored swap terms = %q %q %d", o.RedeemScript, o.RefundAddress, o.TimeoutBlockHeight)
	}
	if o.LnAmount != 50000 || o.LnPaymentHash != hash {
		t.Errorf("stored invoice = %d %s", o.LnAmount, o.LnPaymentHash)
	}

	if len(f.pub.sent) != 2 {
		t.Fatalf("published %d messages, want 2", len(f.pub.sent))
	}
	if f.pub.sent[0].State != order.Init || f.pub.sent[1].State != order.WaitingForFunding {
		t.Errorf("published %s, %s", f.pub.sent[0].State, f.pub.sent[1].State)
	}
	if f.pub.sent[1].SwapAddress != "2NswapNested" || f.pub.sent[1].OnchainAmount != "50250" {
		t.Errorf("WaitingForFunding message = %+v", f.pub.sent[1])
	}
}

func TestCreateSwapTwice(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(t, "lntb500u1twice", 50000, time.Hour, cheapRoute)
	req := &CreateRequest{Invoice: "lntb500u1twice", Network: "testnet", Refund: refundAddress(t)}

	if _, err := f.svc.CreateSwap(context.Background(), req); err != nil {
		t.Fatalf("first CreateSwap() error = %v", err)
	}
	if _, err := f.svc.CreateSwap(context.Background(), req); !errors.Is(err, ErrSwapExists) {
		t.Fatalf("second CreateSwap() error = %v, want %v", err, ErrSwapExists)
	}
}

func TestCreateSwapErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, f *fixture) *CreateRequest
		wantErr error
	}{
		{"no invoice", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Network: "testnet", Refund: refundAddress(t)}
		}, ErrExpectedInvoice},
		{"no network", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Invoice: "lntb1x", Refund: refundAddress(t)}
		}, ErrExpectedNetwork},
		{"unknown network", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Invoice: "lntb1x", Network: "dogecoin", Refund: refundAddress(t)}
		}, ErrUnknownNetwork},
		{"no adapter", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Invoice: "lntb1x", Network: "bitcoin", Refund: "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"}
		}, ErrUnknownNetwork},
		{"no refund", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet"}
		}, ErrExpectedRefundAddress},
		{"script hash refund", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: scriptHashAddress(t)}
		}, ErrExpectedPayToPublicKeyHashAddress},
		{"garbage refund", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: "not-an-address"}
		}, ErrExpectedPayToPublicKeyHashAddress},
		{"no height", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 50000, time.Hour, cheapRoute)
			f.store.DeleteCache(storage.HeightKey("testnet"))
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrUnableToGetChainHeight},
		{"undecodable invoice", func(t *testing.T, f *fixture) *CreateRequest {
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, lightning.ErrDecodeInvoice},
		{"amount too small", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 9999, time.Hour, cheapRoute)
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrInvoiceAmountTooSmall},
		{"amount too large", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 4194305, time.Hour, cheapRoute)
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrInvoiceAmountTooLarge},
		{"expired", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 50000, -time.Second, cheapRoute)
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrInvoiceExpired},
		{"expires too soon", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 50000, 10*time.Minute, cheapRoute)
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrInvoiceExpiresTooSoon},
		{"no cached routes", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 50000, time.Hour, nil)
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrCannotReadRoutes},
		{"no routes", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 50000, time.Hour, []lightning.Route{})
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrCannotReadRoutes},
		{"routing fee too high", func(t *testing.T, f *fixture) *CreateRequest {
			f.addInvoice(t, "lntb1x", 50000, time.Hour, []lightning.Route{{TotalFees: 600, Hops: 2}})
			return &CreateRequest{Invoice: "lntb1x", Network: "testnet", Refund: refundAddress(t)}
		}, ErrRoutingFeeTooHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.setup(t, f)
			_, err := f.svc.CreateSwap(context.Background(), req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateSwap() error = %v, want %v", err, tt.wantErr)
			}
			if o, err := f.store.GetOrder("lntb1x"); err == nil && o.State != order.Init {
				t.Errorf("order moved to %s on a rejected request", o.State)
			}
		})
	}
}

func TestInvoiceDetails(t *testing.T) {
	f := newFixture(t)
	hash := f.addInvoice(t, "lntb500u1details", 50000, time.Hour, cheapRoute)

	d, err := f.svc.InvoiceDetails(context.Background(), "lntb500u1details", "testnet")
	if err != nil {
		t.Fatalf("InvoiceDetails() error = %v", err)
	}
	if d.ID != hash || d.Tokens != 50000 || d.Description != "coffee" {
		t.Errorf("details = %+v", d)
	}
	if d.Fee != "0.00000250" {
		t.Errorf("Fee = %s, want 0.00000250", d.Fee)
	}
	// 0.0005 BTC at 60000 USD.
	if d.FiatValue != 30 {
		t.Errorf("FiatValue = %v, want 30", d.FiatValue)
	}
	if d.FeeFiatValue != 0.15 {
		t.Errorf("FeeFiatValue = %v, want 0.15", d.FeeFiatValue)
	}

	o, err := f.store.GetOrder("lntb500u1details")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if o.State != order.Init || o.LnDestPubKey == "" {
		t.Errorf("order = %s %q", o.State, o.LnDestPubKey)
	}
}

func TestSwapStatus(t *testing.T) {
	f := newFixture(t)
	f.addInvoice(t, "lntb500u1status", 50000, time.Hour, cheapRoute)
	s, err := f.svc.CreateSwap(context.Background(), &CreateRequest{
		Invoice: "lntb500u1status", Network: "testnet", Refund: refundAddress(t),
	})
	if err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	if _, err := f.store.TransitionOrder(order.WaitingForFunding, &order.Message{
		State:           order.WaitingForFundingConfirmation,
		Invoice:         "lntb500u1status",
		OnchainNetwork:  "testnet",
		FundingTxn:      "ff00",
		FundingTxnIndex: 1,
	}); err != nil {
		t.Fatalf("TransitionOrder() error = %v", err)
	}

	st, err := f.svc.SwapStatus("lntb500u1status", "testnet", s.RedeemScript)
	if err != nil {
		t.Fatalf("SwapStatus() error = %v", err)
	}
	if st.TransactionID != "ff00" || st.OutputIndex != 1 || st.OutputTokens != "50250" {
		t.Errorf("status = %+v", st)
	}
	if st.State != order.WaitingForFundingConfirmation || st.ConfWaitCount != 1 || st.PaymentSecret != "" {
		t.Errorf("status = %+v", st)
	}

	errTests := []struct {
		name, invoice, network, script string
		wantErr                        error
	}{
		{"no invoice", "", "testnet", s.RedeemScript, ErrExpectedInvoice},
		{"no network", "lntb500u1status", "", s.RedeemScript, ErrExpectedNetwork},
		{"no script", "lntb500u1status", "testnet", "", ErrExpectedRedeemScript},
		{"other script", "lntb500u1status", "testnet", "00", ErrRedeemScriptMismatch},
		{"unknown swap", "lntb1missing", "testnet", "00", ErrSwapNotFound},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.SwapStatus(tt.invoice, tt.network, tt.script); !errors.Is(err, tt.wantErr) {
				t.Errorf("SwapStatus() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddressDetails(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.AddressDetails("testnet", refundAddress(t))
	if err != nil {
		t.Fatalf("AddressDetails() error = %v", err)
	}
	if info.Type != swap.AddressP2WPKH || !info.IsTestnet || info.Hash != hex.EncodeToString(bytes.Repeat([]byte{0x11}, 20)) {
		t.Errorf("info = %+v", info)
	}

	if _, err := f.svc.AddressDetails("testnet", "nope"); !errors.Is(err, swap.ErrInvalidAddress) {
		t.Errorf("AddressDetails(nope) error = %v", err)
	}
	if _, err := f.svc.AddressDetails("", "nope"); !errors.Is(err, ErrExpectedNetwork) {
		t.Errorf("AddressDetails(no network) error = %v", err)
	}
}
