// Package quote creates swaps: it checks the invoice, prices the deposit
// from cached rates, derives the deposit destination and records the
// order.
package quote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/lnswap/lnswapd/internal/chain"
	"github.com/lnswap/lnswapd/internal/lightning"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/internal/swap"
	"github.com/lnswap/lnswapd/pkg/helpers"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// Request errors. The texts are the error names clients already handle.
var (
	ErrExpectedInvoice                   = errors.New("ExpectedInvoice")
	ErrExpectedNetwork                   = errors.New("ExpectedNetworkForChainSwap")
	ErrExpectedRefundAddress             = errors.New("ExpectedRefundAddress")
	ErrExpectedPayToPublicKeyHashAddress = errors.New("ExpectedPayToPublicKeyHashAddress")
	ErrExpectedRedeemScript              = errors.New("ExpectedRedeemScript")
	ErrUnableToGetChainHeight            = errors.New("UnableToGetChainHeight")
	ErrUnknownNetwork                    = errors.New("UnknownNetwork")
	ErrInvoiceExpired                    = errors.New("InvoiceIsExpired")
	ErrInvoiceExpiresTooSoon             = errors.New("InvoiceExpiresTooSoon")
	ErrInvoiceAmountTooSmall             = errors.New("InvoiceAmountTooSmall")
	ErrInvoiceAmountTooLarge             = errors.New("InvoiceAmountTooLarge")
	ErrCannotReadRoutes                  = errors.New("CannotReadLNRoutes")
	ErrRoutingFeeTooHigh                 = errors.New("RoutingFeeTooHigh")
	ErrSwapExists                        = errors.New("SwapAlreadyExists")
	ErrSwapNotFound                      = errors.New("SwapNotFound")
	ErrRedeemScriptMismatch              = errors.New("RedeemScriptMismatch")
	ErrRatesUnavailable                  = errors.New("ExchangeRatesUnavailable")
	ErrRateUnavailable                   = errors.New("ExchangeRateUnavailable")
)

// Config holds the swap terms.
type Config struct {
	TimeoutBlockCount    int64            `yaml:"timeout_block_count"`
	MinInvoiceAmount     int64            `yaml:"min_invoice_amount"`
	MaxInvoiceAmount     int64            `yaml:"max_invoice_amount"`
	MinInvoiceExpiry     time.Duration    `yaml:"min_invoice_expiry"`
	MaxRoutingFeePercent float64          `yaml:"max_routing_fee_percent"`
	Fees                 map[string]int64 `yaml:"fees"` // symbol -> basis points
}

// DefaultConfig returns the standard swap terms.
func DefaultConfig() *Config {
	return &Config{
		TimeoutBlockCount:    1440,
		MinInvoiceAmount:     10_000,
		MaxInvoiceAmount:     4_194_304,
		MinInvoiceExpiry:     20 * time.Minute,
		MaxRoutingFeePercent: 1,
		Fees:                 map[string]int64{"BTC": 50, "LTC": 50, "ETH": 50},
	}
}

const (
	// RouteWaitAttempts and RouteWaitInterval bound the wait for the
	// Lightning task to query routes for a new order.
	RouteWaitAttempts = 20
	RouteWaitInterval = 300 * time.Millisecond

	// ConfWaitCount is the number of confirmations a deposit needs.
	ConfWaitCount = 1
)

// Store is the order store as seen by the quote service.
type Store interface {
	CreateOrder(o *order.Order) error
	SaveOrder(o *order.Order) error
	GetOrder(invoice string) (*order.Order, error)
	TransitionOrder(from order.State, m *order.Message) (*order.Order, error)
	GetCache(key string) (string, error)
	NextKeyIndex() (int64, error)
}

// Publisher announces state changes.
type Publisher interface {
	Publish(ctx context.Context, m *order.Message) error
}

// Service answers quote, swap and status requests.
type Service struct {
	cfg      *Config
	ln       lightning.Client
	store    Store
	bus      Publisher
	adapters map[chain.Network]swap.ChainAdapter
	log      *logging.Logger
	now      func() time.Time

	routeAttempts int
	routeInterval time.Duration
}

// NewService creates the quote service. Swaps can be created for the
// networks of the given adapters.
func NewService(cfg *Config, ln lightning.Client, store Store, b Publisher, adapters ...swap.ChainAdapter) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Service{
		cfg:           cfg,
		ln:            ln,
		store:         store,
		bus:           b,
		adapters:      make(map[chain.Network]swap.ChainAdapter),
		log:           logging.GetDefault().Component("quote"),
		now:           time.Now,
		routeAttempts: RouteWaitAttempts,
		routeInterval: RouteWaitInterval,
	}
	for _, a := range adapters {
		s.adapters[a.Network()] = a
	}
	return s
}

// InvoiceDetails describes an invoice in the context of a swap.
type InvoiceDetails struct {
	CreatedAt            time.Time `json:"created_at"`
	Description          string    `json:"description"`
	DestinationPublicKey string    `json:"destination_public_key"`
	ExpiresAt            time.Time `json:"expires_at"`
	ID                   string    `json:"id"`
	IsExpired            bool      `json:"is_expired"`
	Network              string    `json:"network"`
	Tokens               int64     `json:"tokens"`
	Fee                  string    `json:"fee"`
	FeeFiatValue         float64   `json:"fee_fiat_value,omitempty"`
	FiatCurrencyCode     string    `json:"fiat_currency_code,omitempty"`
	FiatValue            float64   `json:"fiat_value,omitempty"`

	invoice *lightning.Invoice
	amounts *Amounts
}

// Swap is a created swap as returned to the depositor.
type Swap struct {
	Invoice              string `json:"invoice"`
	Network              string `json:"network"`
	DestinationPublicKey string `json:"destination_public_key,omitempty"`
	PaymentHash          string `json:"payment_hash"`
	RedeemScript         string `json:"redeem_script,omitempty"`
	RefundAddress        string `json:"refund_address,omitempty"`
	RefundPublicKeyHash  string `json:"refund_public_key_hash,omitempty"`
	SwapAmount           string `json:"swap_amount"`
	SwapFee              string `json:"swap_fee"`
	SwapKeyIndex         int64  `json:"swap_key_index,omitempty"`
	SwapAddress          string `json:"swap_p2sh_p2wsh_address"`
	SwapNativeAddress    string `json:"swap_p2wsh_address,omitempty"`
	SwapLegacyAddress    string `json:"swap_p2sh_address,omitempty"`
	TimeoutBlockHeight   int64  `json:"timeout_block_height"`
}

// Status reports the funding and claim of a swap.
type Status struct {
	State         order.State `json:"state"`
	OutputIndex   uint32      `json:"output_index"`
	OutputTokens  string      `json:"output_tokens,omitempty"`
	PaymentSecret string      `json:"payment_secret,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	ConfWaitCount int         `json:"conf_wait_count"`
}

// CreateRequest asks for a new swap.
type CreateRequest struct {
	Invoice string `json:"invoice"`
	Network string `json:"network"`
	Refund  string `json:"refund"`
}

func (s *Service) params(network string) (*chain.Params, error) {
	if network == "" {
		return nil, ErrExpectedNetwork
	}
	params, ok := chain.Get(chain.Network(network))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return params, nil
}

// InvoiceDetails checks that invoice can be paid, records it as a new
// order and prices the matching deposit.
func (s *Service) InvoiceDetails(ctx context.Context, invoice, network string) (*InvoiceDetails, error) {
	if invoice == "" {
		return nil, ErrExpectedInvoice
	}
	params, err := s.params(network)
	if err != nil {
		return nil, err
	}
	return s.invoiceDetails(ctx, invoice, params)
}

func (s *Service) invoiceDetails(ctx context.Context, invoice string, params *chain.Params) (*InvoiceDetails, error) {
	inv, err := s.checkInvoice(ctx, invoice)
	if err != nil {
		return nil, err
	}
	if err := s.recordInit(ctx, inv, params); err != nil {
		return nil, err
	}
	if err := s.checkPayable(ctx, inv); err != nil {
		return nil, err
	}

	rates, err := s.Rates()
	if err != nil {
		return nil, err
	}
	rate, err := rates.BTCRate(params)
	if err != nil {
		return nil, err
	}
	bps, err := feeBasisPoints(rates, s.cfg.Fees, params.Symbol)
	if err != nil {
		return nil, err
	}
	amounts, err := PriceSwap(inv.Amount, rate, bps)
	if err != nil {
		return nil, err
	}

	d := &InvoiceDetails{
		CreatedAt:            inv.CreatedAt,
		Description:          inv.Description,
		DestinationPublicKey: inv.Destination,
		ExpiresAt:            inv.ExpiresAt,
		ID:                   inv.PaymentHash,
		Network:              string(params.Network),
		Tokens:               inv.Amount,
		Fee:                  helpers.FormatFixed(amounts.Fee, quoteDecimals),
		invoice:              inv,
		amounts:              amounts,
	}
	if usd, err := rates.USDRate(params); err == nil {
		fee := new(big.Rat).SetFrac(amounts.Fee, satsPerCoin)
		d.FeeFiatValue, _ = fee.Mul(fee, usd).Float64()
		d.FiatCurrencyCode = "USD"
	}
	if btcusd, err := positiveRat(rates.BTCUSD, PairBTCUSD); err == nil {
		value := new(big.Rat).SetFrac(big.NewInt(inv.Amount), satsPerCoin)
		d.FiatValue, _ = value.Mul(value, btcusd).Float64()
		d.FiatCurrencyCode = "USD"
	}
	return d, nil
}

// checkInvoice decodes invoice and enforces the amount and expiry terms.
func (s *Service) checkInvoice(ctx context.Context, invoice string) (*lightning.Invoice, error) {
	inv, err := s.ln.DecodeInvoice(ctx, invoice)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch {
	case inv.Expired(now):
		return nil, ErrInvoiceExpired
	case inv.ExpiresAt.Sub(now) < s.cfg.MinInvoiceExpiry:
		return nil, ErrInvoiceExpiresTooSoon
	case inv.Amount < s.cfg.MinInvoiceAmount:
		return nil, ErrInvoiceAmountTooSmall
	case inv.Amount > s.cfg.MaxInvoiceAmount:
		return nil, ErrInvoiceAmountTooLarge
	}
	return inv, nil
}

// recordInit stores the invoice as a new order and announces it. An
// order already past Init is a swap that exists.
func (s *Service) recordInit(ctx context.Context, inv *lightning.Invoice, params *chain.Params) error {
	o := &order.Order{
		Invoice:        inv.PaymentRequest,
		State:          order.Init,
		OnchainNetwork: string(params.Network),
		LnPaymentHash:  inv.PaymentHash,
		LnDestPubKey:   inv.Destination,
		LnAmount:       inv.Amount,
	}
	err := s.store.CreateOrder(o)
	if errors.Is(err, storage.ErrOrderExists) {
		existing, getErr := s.store.GetOrder(o.Invoice)
		if getErr != nil {
			return getErr
		}
		if existing.State != order.Init || existing.OnchainNetwork != o.OnchainNetwork {
			return ErrSwapExists
		}
		o = existing
	} else if err != nil {
		return err
	}

	if err := s.bus.Publish(ctx, o.Message()); err != nil {
		s.log.ForOrder(o.Invoice).Warn("Failed to publish new order", "error", err)
	}
	return nil
}

// checkPayable waits for the cached routes of the order and checks the
// cheapest route's fee.
func (s *Service) checkPayable(ctx context.Context, inv *lightning.Invoice) error {
	routes, err := s.waitRoutes(ctx, inv.PaymentRequest)
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		return ErrCannotReadRoutes
	}
	minFee := routes[0].TotalFees
	for _, r := range routes[1:] {
		if r.TotalFees < minFee {
			minFee = r.TotalFees
		}
	}
	if float64(minFee)/float64(inv.Amount)*100 > s.cfg.MaxRoutingFeePercent {
		return ErrRoutingFeeTooHigh
	}
	return nil
}

func (s *Service) waitRoutes(ctx context.Context, invoice string) ([]lightning.Route, error) {
	key := storage.RoutesKey(invoice)
	for attempt := 0; ; attempt++ {
		raw, err := s.store.GetCache(key)
		if err == nil {
			var routes []lightning.Route
			if err := json.Unmarshal([]byte(raw), &routes); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCannotReadRoutes, err)
			}
			return routes, nil
		}
		if !errors.Is(err, storage.ErrCacheMiss) {
			return nil, fmt.Errorf("%w: %v", ErrCannotReadRoutes, err)
		}
		if attempt+1 >= s.routeAttempts {
			return nil, ErrCannotReadRoutes
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.routeInterval):
		}
	}
}

// CreateSwap quotes a swap for req and records it as WaitingForFunding.
func (s *Service) CreateSwap(ctx context.Context, req *CreateRequest) (*Swap, error) {
	if req.Invoice == "" {
		return nil, ErrExpectedInvoice
	}
	params, err := s.params(req.Network)
	if err != nil {
		return nil, err
	}
	if params.IsUTXO() && req.Refund == "" {
		return nil, ErrExpectedRefundAddress
	}
	adapter, ok := s.adapters[params.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, params.Network)
	}

	var refundHash []byte
	if params.IsUTXO() {
		details, err := swap.ParseAddress(req.Refund, params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExpectedPayToPublicKeyHashAddress, err)
		}
		if details.Type != swap.AddressP2PKH && details.Type != swap.AddressP2WPKH {
			return nil, ErrExpectedPayToPublicKeyHashAddress
		}
		refundHash = details.Hash
	}

	height, err := s.chainHeight(params)
	if err != nil {
		return nil, err
	}
	timeout := height + s.cfg.TimeoutBlockCount

	details, err := s.invoiceDetails(ctx, req.Invoice, params)
	if err != nil {
		return nil, err
	}
	inv := details.invoice
	paymentHash, err := helpers.HexToFixed(inv.PaymentHash, 32)
	if err != nil {
		return nil, fmt.Errorf("invoice payment hash: %w", err)
	}

	var keyIndex int64
	if params.IsUTXO() {
		if keyIndex, err = s.store.NextKeyIndex(); err != nil {
			return nil, err
		}
	}
	dest, err := adapter.SwapDestination(ctx, &swap.SwapRequest{
		Invoice:             req.Invoice,
		PaymentHash:         paymentHash,
		RefundPublicKeyHash: refundHash,
		KeyIndex:            keyIndex,
		TimeoutBlockHeight:  uint32(timeout),
	})
	if err != nil {
		return nil, err
	}

	o, err := s.store.GetOrder(req.Invoice)
	if err != nil {
		return nil, err
	}
	if o.State != order.Init {
		return nil, ErrSwapExists
	}
	o.SwapKeyIndex = keyIndex
	o.RedeemScript = hex.EncodeToString(dest.RedeemScript)
	o.RefundAddress = req.Refund
	o.RefundPublicKeyHash = hex.EncodeToString(refundHash)
	o.TimeoutBlockHeight = timeout
	if err := s.store.SaveOrder(o); err != nil {
		return nil, err
	}

	amount := toBaseUnits(details.amounts.Total, params)
	o, err = s.store.TransitionOrder(order.Init, &order.Message{
		State:          order.WaitingForFunding,
		Invoice:        req.Invoice,
		OnchainNetwork: string(params.Network),
		OnchainAmount:  amount.String(),
		SwapAddress:    dest.Address,
		LnPaymentHash:  inv.PaymentHash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			return nil, ErrSwapExists
		}
		return nil, err
	}

	log := s.log.ForOrder(o.Invoice)
	log.Info("Swap created", "network", params.Network, "address", dest.Address,
		"amount", o.OnchainAmount, "timeout", timeout)
	if err := s.bus.Publish(ctx, o.Message()); err != nil {
		log.Warn("Failed to publish new swap", "error", err)
	}

	return &Swap{
		Invoice:              req.Invoice,
		Network:              string(params.Network),
		DestinationPublicKey: hex.EncodeToString(dest.DestinationPublicKey),
		PaymentHash:          inv.PaymentHash,
		RedeemScript:         o.RedeemScript,
		RefundAddress:        req.Refund,
		RefundPublicKeyHash:  o.RefundPublicKeyHash,
		SwapAmount:           helpers.FormatFixed(details.amounts.Total, quoteDecimals),
		SwapFee:              details.Fee,
		SwapKeyIndex:         keyIndex,
		SwapAddress:          dest.Address,
		SwapNativeAddress:    dest.NativeAddress,
		SwapLegacyAddress:    dest.LegacyAddress,
		TimeoutBlockHeight:   timeout,
	}, nil
}

func (s *Service) chainHeight(params *chain.Params) (int64, error) {
	raw, err := s.store.GetCache(storage.HeightKey(string(params.Network)))
	if err != nil {
		return 0, ErrUnableToGetChainHeight
	}
	height, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || height <= 0 {
		return 0, ErrUnableToGetChainHeight
	}
	return height, nil
}

// SwapStatus reports the funding outpoint of a swap and, once paid, the
// preimage that unlocks it. UTXO swaps are identified by invoice and
// redeem script.
func (s *Service) SwapStatus(invoice, network, redeemScript string) (*Status, error) {
	if invoice == "" {
		return nil, ErrExpectedInvoice
	}
	params, err := s.params(network)
	if err != nil {
		return nil, err
	}
	if params.IsUTXO() && redeemScript == "" {
		return nil, ErrExpectedRedeemScript
	}

	o, err := s.store.GetOrder(invoice)
	if errors.Is(err, storage.ErrOrderNotFound) {
		return nil, ErrSwapNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.OnchainNetwork != string(params.Network) {
		return nil, ErrSwapNotFound
	}
	if params.IsUTXO() && o.RedeemScript != "" && o.RedeemScript != redeemScript {
		return nil, ErrRedeemScriptMismatch
	}

	return &Status{
		State:         o.State,
		OutputIndex:   o.FundingTxnIndex,
		OutputTokens:  o.OnchainAmount,
		PaymentSecret: o.LnPreimage,
		TransactionID: o.FundingTxn,
		ConfWaitCount: ConfWaitCount,
	}, nil
}

// AddressInfo describes a decoded chain address.
type AddressInfo struct {
	Address   string `json:"address"`
	Type      string `json:"type"`
	Hash      string `json:"hash"`
	Version   byte   `json:"version"`
	IsTestnet bool   `json:"is_testnet"`
}

// AddressDetails decodes a refund address for network.
func (s *Service) AddressDetails(network, address string) (*AddressInfo, error) {
	params, err := s.params(network)
	if err != nil {
		return nil, err
	}
	d, err := swap.ParseAddress(address, params)
	if err != nil {
		return nil, err
	}
	return &AddressInfo{
		Address:   d.Address,
		Type:      d.Type,
		Hash:      hex.EncodeToString(d.Hash),
		Version:   d.Version,
		IsTestnet: params.Testnet,
	}, nil
}

// Rates returns the cached exchange rates and fee schedule.
func (s *Service) Rates() (*Rates, error) {
	rates, err := ReadRates(s.store)
	if errors.Is(err, ErrRatesUnavailable) && len(s.cfg.Fees) > 0 {
		rates = &Rates{Fees: make(map[string]float64)}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	for sym, bps := range s.cfg.Fees {
		if _, ok := rates.Fees[sym]; !ok {
			rates.Fees[sym] = float64(bps)
		}
	}
	return rates, nil
}
