package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lnswap/lnswapd/internal/lightning"
	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/quote"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/internal/swap"
)

// Version is reported by node_status.
var Version = "0.1.0-dev"

// maxListLimit caps orders_list pages.
const maxListLimit = 500

func isValidationError(err error) bool {
	return errors.Is(err, lightning.ErrDecodeInvoice) ||
		errors.Is(err, swap.ErrInvalidAddress) ||
		errors.Is(err, swap.ErrUnsupportedNetwork) ||
		errors.Is(err, order.ErrUnknownOrderState)
}

// ========================================
// swap_* methods
// ========================================

// SwapCreateParams is the params for swap_create.
type SwapCreateParams struct {
	Invoice string `json:"invoice"`
	Network string `json:"network"`
	Refund  string `json:"refund"`
}

func (s *Server) swapCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.quotes.CreateSwap(ctx, &quote.CreateRequest{
		Invoice: p.Invoice,
		Network: p.Network,
		Refund:  p.Refund,
	})
}

// SwapStatusParams is the params for swap_status.
type SwapStatusParams struct {
	Invoice      string `json:"invoice"`
	Network      string `json:"network"`
	RedeemScript string `json:"redeem_script"`
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.quotes.SwapStatus(p.Invoice, p.Network, p.RedeemScript)
}

// InvoiceDetailsParams is the params for swap_invoiceDetails.
type InvoiceDetailsParams struct {
	Invoice string `json:"invoice"`
	Network string `json:"network"`
}

func (s *Server) swapInvoiceDetails(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p InvoiceDetailsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.quotes.InvoiceDetails(ctx, p.Invoice, p.Network)
}

// AddressDetailsParams is the params for swap_addressDetails.
type AddressDetailsParams struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

func (s *Server) swapAddressDetails(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AddressDetailsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.quotes.AddressDetails(p.Network, p.Address)
}

func (s *Server) swapRates(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.quotes.Rates()
}

// ========================================
// orders_* methods
// ========================================

// OrderResult is the API view of an order.
type OrderResult struct {
	Invoice            string      `json:"invoice"`
	State              order.State `json:"state"`
	Network            string      `json:"network"`
	PaymentHash        string      `json:"payment_hash,omitempty"`
	DestinationPubKey  string      `json:"destination_public_key,omitempty"`
	LnAmount           int64       `json:"ln_amount"`
	OnchainAmount      string      `json:"onchain_amount,omitempty"`
	SwapAddress        string      `json:"swap_address,omitempty"`
	RedeemScript       string      `json:"redeem_script,omitempty"`
	RefundAddress      string      `json:"refund_address,omitempty"`
	TimeoutBlockHeight int64       `json:"timeout_block_height,omitempty"`
	FundingTxn         string      `json:"funding_txn,omitempty"`
	FundingTxnIndex    uint32      `json:"funding_txn_index,omitempty"`
	ClaimingTxn        string      `json:"claiming_txn,omitempty"`
	RefundTxn          string      `json:"refund_txn,omitempty"`
	RefundReason       string      `json:"refund_reason,omitempty"`
	PaymentSecret      string      `json:"payment_secret,omitempty"`
	CreatedAt          int64       `json:"created_at"`
	UpdatedAt          int64       `json:"updated_at"`
}

func orderToResult(o *order.Order) *OrderResult {
	return &OrderResult{
		Invoice:            o.Invoice,
		State:              o.State,
		Network:            o.OnchainNetwork,
		PaymentHash:        o.LnPaymentHash,
		DestinationPubKey:  o.LnDestPubKey,
		LnAmount:           o.LnAmount,
		OnchainAmount:      o.OnchainAmount,
		SwapAddress:        o.SwapAddress,
		RedeemScript:       o.RedeemScript,
		RefundAddress:      o.RefundAddress,
		TimeoutBlockHeight: o.TimeoutBlockHeight,
		FundingTxn:         o.FundingTxn,
		FundingTxnIndex:    o.FundingTxnIndex,
		ClaimingTxn:        o.ClaimingTxn,
		RefundTxn:          o.RefundTxn,
		RefundReason:       o.RefundReason,
		PaymentSecret:      o.LnPreimage,
		CreatedAt:          o.CreatedAt.Unix(),
		UpdatedAt:          o.UpdatedAt.Unix(),
	}
}

// OrdersGetParams is the params for orders_get.
type OrdersGetParams struct {
	Invoice string `json:"invoice"`
}

func (s *Server) ordersGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrdersGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Invoice == "" {
		return nil, quote.ErrExpectedInvoice
	}
	o, err := s.store.GetOrder(p.Invoice)
	if err != nil {
		return nil, err
	}
	return orderToResult(o), nil
}

// OrdersListParams is the params for orders_list.
type OrdersListParams struct {
	States  []string `json:"states,omitempty"`
	Network string   `json:"network,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
}

// OrdersListResult is the result for orders_list.
type OrdersListResult struct {
	Orders []*OrderResult `json:"orders"`
	Count  int            `json:"count"`
}

func (s *Server) ordersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OrdersListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}

	filter := storage.OrderFilter{
		Network: p.Network,
		Limit:   p.Limit,
		Offset:  p.Offset,
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	for _, name := range p.States {
		st, err := order.ParseState(name)
		if err != nil {
			return nil, err
		}
		filter.States = append(filter.States, st)
	}

	orders, err := s.store.ListOrders(filter)
	if err != nil {
		return nil, err
	}
	result := &OrdersListResult{Orders: make([]*OrderResult, 0, len(orders))}
	for _, o := range orders {
		result.Orders = append(result.Orders, orderToResult(o))
	}
	result.Count = len(result.Orders)
	return result, nil
}

// ========================================
// node_* methods
// ========================================

// NodeStatusResult is the result for node_status.
type NodeStatusResult struct {
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	Peers     int            `json:"peers"`
	WSClients int            `json:"ws_clients"`
	Orders    map[string]int `json:"orders"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	counts, err := s.store.CountOrders()
	if err != nil {
		return nil, err
	}
	result := &NodeStatusResult{
		Version:   Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		WSClients: s.wsHub.ClientCount(),
		Orders:    make(map[string]int, len(counts)),
	}
	if s.peers != nil {
		result.Peers = s.peers.PeerCount()
	}
	for st, n := range counts {
		result.Orders[string(st)] = n
	}
	return result, nil
}
