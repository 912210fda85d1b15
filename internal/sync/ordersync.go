// Package sync catches a process up on orders it missed while offline by
// asking connected peers for recently changed swap orders.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	gosync "sync"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/lnswap/lnswapd/internal/order"
	"github.com/lnswap/lnswapd/internal/storage"
	"github.com/lnswap/lnswapd/pkg/logging"
)

// OrderSyncProtocol is the stream protocol of order catch-up.
const OrderSyncProtocol = "/lnswap/ordersync/1.0.0"

// Sync configuration
const (
	SyncCooldown     = 5 * time.Minute  // Don't re-sync with same peer within this period
	SyncTimeout      = 30 * time.Second // Timeout for one sync exchange
	SyncWindow       = 7 * 24 * time.Hour
	MaxOrdersPerSync = 100
	maxPages         = 20
)

// SyncRequest asks a peer for orders changed after Since (Unix seconds).
type SyncRequest struct {
	Since  int64 `json:"since"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// SyncResponse carries one page of orders.
type SyncResponse struct {
	Orders    []*SyncOrder `json:"orders"`
	HasMore   bool         `json:"has_more"`
	Timestamp int64        `json:"timestamp"`
}

// SyncOrder is the wire form of an order record.
type SyncOrder struct {
	Invoice             string      `json:"invoice"`
	State               order.State `json:"state"`
	OnchainNetwork      string      `json:"onchain_network"`
	LnPaymentHash       string      `json:"ln_payment_hash,omitempty"`
	LnDestPubKey        string      `json:"ln_dest_pub_key,omitempty"`
	LnAmount            int64       `json:"ln_amount,omitempty"`
	LnPreimage          string      `json:"ln_preimage,omitempty"`
	OnchainAmount       string      `json:"onchain_amount,omitempty"`
	SwapAddress         string      `json:"swap_address,omitempty"`
	SwapKeyIndex        int64       `json:"swap_key_index,omitempty"`
	RedeemScript        string      `json:"redeem_script,omitempty"`
	RefundAddress       string      `json:"refund_address,omitempty"`
	RefundPublicKeyHash string      `json:"refund_public_key_hash,omitempty"`
	TimeoutBlockHeight  int64       `json:"timeout_block_height,omitempty"`
	FundingTxn          string      `json:"funding_txn,omitempty"`
	FundingTxnIndex     uint32      `json:"funding_txn_index,omitempty"`
	FundingBlockHash    string      `json:"funding_block_hash,omitempty"`
	ClaimingTxn         string      `json:"claiming_txn,omitempty"`
	ClaimingBlockHash   string      `json:"claiming_block_hash,omitempty"`
	RefundTxn           string      `json:"refund_txn,omitempty"`
	RefundBlockHash     string      `json:"refund_block_hash,omitempty"`
	RefundReason        string      `json:"refund_reason,omitempty"`
	CreatedAt           int64       `json:"created_at"`
}

func toWire(o *order.Order) *SyncOrder {
	return &SyncOrder{
		Invoice:             o.Invoice,
		State:               o.State,
		OnchainNetwork:      o.OnchainNetwork,
		LnPaymentHash:       o.LnPaymentHash,
		LnDestPubKey:        o.LnDestPubKey,
		LnAmount:            o.LnAmount,
		LnPreimage:          o.LnPreimage,
		OnchainAmount:       o.OnchainAmount,
		SwapAddress:         o.SwapAddress,
		SwapKeyIndex:        o.SwapKeyIndex,
		RedeemScript:        o.RedeemScript,
		RefundAddress:       o.RefundAddress,
		RefundPublicKeyHash: o.RefundPublicKeyHash,
		TimeoutBlockHeight:  o.TimeoutBlockHeight,
		FundingTxn:          o.FundingTxn,
		FundingTxnIndex:     o.FundingTxnIndex,
		FundingBlockHash:    o.FundingBlockHash,
		ClaimingTxn:         o.ClaimingTxn,
		ClaimingBlockHash:   o.ClaimingBlockHash,
		RefundTxn:           o.RefundTxn,
		RefundBlockHash:     o.RefundBlockHash,
		RefundReason:        o.RefundReason,
		CreatedAt:           o.CreatedAt.Unix(),
	}
}

func (w *SyncOrder) order() *order.Order {
	return &order.Order{
		Invoice:             w.Invoice,
		State:               w.State,
		OnchainNetwork:      w.OnchainNetwork,
		LnPaymentHash:       w.LnPaymentHash,
		LnDestPubKey:        w.LnDestPubKey,
		LnAmount:            w.LnAmount,
		LnPreimage:          w.LnPreimage,
		OnchainAmount:       w.OnchainAmount,
		SwapAddress:         w.SwapAddress,
		SwapKeyIndex:        w.SwapKeyIndex,
		RedeemScript:        w.RedeemScript,
		RefundAddress:       w.RefundAddress,
		RefundPublicKeyHash: w.RefundPublicKeyHash,
		TimeoutBlockHeight:  w.TimeoutBlockHeight,
		FundingTxn:          w.FundingTxn,
		FundingTxnIndex:     w.FundingTxnIndex,
		FundingBlockHash:    w.FundingBlockHash,
		ClaimingTxn:         w.ClaimingTxn,
		ClaimingBlockHash:   w.ClaimingBlockHash,
		RefundTxn:           w.RefundTxn,
		RefundBlockHash:     w.RefundBlockHash,
		RefundReason:        w.RefundReason,
		CreatedAt:           time.Unix(w.CreatedAt, 0),
	}
}

// Store is the order store the sync reads and merges into.
type Store interface {
	ListOrders(filter storage.OrderFilter) ([]*order.Order, error)
	MergeOrder(remote *order.Order) (*order.Order, bool, error)
}

// Publisher announces merged orders to the local tasks.
type Publisher interface {
	Publish(ctx context.Context, m *order.Message) error
}

// OrderSync serves and requests order catch-up between peers.
type OrderSync struct {
	host  host.Host
	store Store
	pub   Publisher
	log   *logging.Logger

	// Track synced peers to avoid excessive syncing
	syncedPeers map[peer.ID]time.Time
	mu          gosync.RWMutex
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrderSync creates a new order sync handler. pub may be nil, in which
// case merged orders are stored without being announced.
func NewOrderSync(h host.Host, store Store, pub Publisher) *OrderSync {
	ctx, cancel := context.WithCancel(context.Background())

	return &OrderSync{
		host:        h,
		store:       store,
		pub:         pub,
		log:         logging.GetDefault().Component("ordersync"),
		syncedPeers: make(map[peer.ID]time.Time),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start serves sync requests and syncs with every newly connected peer.
func (s *OrderSync) Start() error {
	s.host.SetStreamHandler(protocol.ID(OrderSyncProtocol), s.handleSyncStream)

	sub, err := s.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		s.host.RemoveStreamHandler(protocol.ID(OrderSyncProtocol))
		return fmt.Errorf("failed to subscribe to peer events: %w", err)
	}
	go s.watchConnections(sub)

	s.log.Info("Order sync started", "protocol", OrderSyncProtocol)
	return nil
}

// Stop stops the order sync service.
func (s *OrderSync) Stop() error {
	s.cancel()
	s.host.RemoveStreamHandler(protocol.ID(OrderSyncProtocol))
	s.log.Info("Order sync stopped")
	return nil
}

func (s *OrderSync) watchConnections(sub event.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-sub.Out():
			e, ok := ev.(event.EvtPeerConnectednessChanged)
			if !ok || e.Connectedness != network.Connected {
				continue
			}
			go s.onPeerConnected(e.Peer)
		}
	}
}

func (s *OrderSync) onPeerConnected(p peer.ID) {
	s.mu.RLock()
	lastSync, synced := s.syncedPeers[p]
	s.mu.RUnlock()

	if synced && s.now().Sub(lastSync) < SyncCooldown {
		s.log.Debug("Recently synced with peer, skipping", "peer", shortPeerID(p))
		return
	}

	// Let the connection settle and protocols be identified.
	select {
	case <-time.After(500 * time.Millisecond):
	case <-s.ctx.Done():
		return
	}

	if _, err := s.SyncWithPeer(p); err != nil {
		s.log.Debug("Failed to sync with peer", "peer", shortPeerID(p), "error", err)
	}
}

// SyncWithPeer pulls orders changed since the last sync with p (or within
// SyncWindow) and merges them. It returns how many orders changed locally.
func (s *OrderSync) SyncWithPeer(p peer.ID) (int, error) {
	s.mu.RLock()
	lastSync, synced := s.syncedPeers[p]
	s.mu.RUnlock()

	since := s.now().Add(-SyncWindow)
	if synced {
		since = lastSync.Add(-time.Minute)
	}
	started := s.now()

	received, merged := 0, 0
	req := SyncRequest{Since: since.Unix(), Limit: MaxOrdersPerSync}
	for page := 0; page < maxPages; page++ {
		resp, err := s.request(p, &req)
		if err != nil {
			return merged, err
		}
		received += len(resp.Orders)
		merged += s.mergeAll(resp.Orders)
		if !resp.HasMore || len(resp.Orders) == 0 {
			break
		}
		req.Offset += len(resp.Orders)
	}

	s.mu.Lock()
	s.syncedPeers[p] = started
	s.mu.Unlock()

	s.log.Info("Order sync completed",
		"peer", shortPeerID(p),
		"received", received,
		"merged", merged,
	)
	return merged, nil
}

func (s *OrderSync) request(p peer.ID, req *SyncRequest) (*SyncResponse, error) {
	ctx, cancel := context.WithTimeout(s.ctx, SyncTimeout)
	defer cancel()

	stream, err := s.host.NewStream(ctx, p, protocol.ID(OrderSyncProtocol))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := json.NewEncoder(stream).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, fmt.Errorf("failed to close request: %w", err)
	}

	var resp SyncResponse
	if err := json.NewDecoder(io.LimitReader(stream, 8<<20)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

func (s *OrderSync) mergeAll(orders []*SyncOrder) int {
	merged := 0
	for _, w := range orders {
		o, changed, err := s.store.MergeOrder(w.order())
		if err != nil {
			s.log.Debug("Failed to merge order", "invoice", logging.ShortInvoice(w.Invoice), "error", err)
			continue
		}
		if !changed {
			continue
		}
		merged++
		if s.pub == nil {
			continue
		}
		if err := s.pub.Publish(s.ctx, o.Message()); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug("Failed to announce merged order", "invoice", logging.ShortInvoice(o.Invoice), "error", err)
		}
	}
	return merged
}

// handleSyncStream answers one sync request.
func (s *OrderSync) handleSyncStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(SyncTimeout))

	remotePeer := stream.Conn().RemotePeer()

	var req SyncRequest
	if err := json.NewDecoder(io.LimitReader(stream, 1<<12)).Decode(&req); err != nil {
		if err != io.EOF {
			s.log.Debug("Failed to read sync request", "error", err)
		}
		return
	}
	resp, err := s.page(&req)
	if err != nil {
		s.log.Debug("Failed to list orders", "error", err)
		return
	}
	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		s.log.Debug("Failed to send sync response", "error", err)
		return
	}

	s.log.Debug("Sent order sync response",
		"to", shortPeerID(remotePeer),
		"orders", len(resp.Orders),
	)
}

func (s *OrderSync) page(req *SyncRequest) (*SyncResponse, error) {
	if req.Limit <= 0 || req.Limit > MaxOrdersPerSync {
		req.Limit = MaxOrdersPerSync
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	filter := storage.OrderFilter{Limit: req.Limit, Offset: req.Offset}
	if req.Since > 0 {
		filter.UpdatedSince = time.Unix(req.Since, 0)
	}

	orders, err := s.store.ListOrders(filter)
	if err != nil {
		return nil, err
	}
	resp := &SyncResponse{
		Orders:    make([]*SyncOrder, 0, len(orders)),
		HasMore:   len(orders) == req.Limit,
		Timestamp: s.now().Unix(),
	}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toWire(o))
	}
	return resp, nil
}

// SyncedPeerCount returns the number of peers we've synced with.
func (s *OrderSync) SyncedPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.syncedPeers)
}

func shortPeerID(p peer.ID) string {
	str := p.String()
	if len(str) > 12 {
		return str[:12]
	}
	return str
}
