package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lnswap/lnswapd/internal/order"
)

// Order errors
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderExists       = errors.New("order already exists")
	ErrStateConflict     = errors.New("order is not in the expected state")
	ErrInvalidTransition = errors.New("invalid order state transition")
)

const orderColumns = `
	invoice, state, onchain_network,
	ln_payment_hash, ln_dest_pub_key, ln_amount, ln_preimage,
	onchain_amount, swap_address, swap_key_index, redeem_script,
	refund_address, refund_public_key_hash, timeout_block_height,
	funding_txn, funding_txn_index, funding_block_hash,
	claiming_txn, claiming_block_hash,
	refund_txn, refund_block_hash, refund_reason,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var o order.Order
	var createdAt, updatedAt int64
	err := row.Scan(
		&o.Invoice, &o.State, &o.OnchainNetwork,
		&o.LnPaymentHash, &o.LnDestPubKey, &o.LnAmount, &o.LnPreimage,
		&o.OnchainAmount, &o.SwapAddress, &o.SwapKeyIndex, &o.RedeemScript,
		&o.RefundAddress, &o.RefundPublicKeyHash, &o.TimeoutBlockHeight,
		&o.FundingTxn, &o.FundingTxnIndex, &o.FundingBlockHash,
		&o.ClaimingTxn, &o.ClaimingBlockHash,
		&o.RefundTxn, &o.RefundBlockHash, &o.RefundReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	return &o, nil
}

func orderArgs(o *order.Order) []interface{} {
	return []interface{}{
		o.Invoice, o.State, o.OnchainNetwork,
		o.LnPaymentHash, o.LnDestPubKey, o.LnAmount, o.LnPreimage,
		o.OnchainAmount, o.SwapAddress, o.SwapKeyIndex, o.RedeemScript,
		o.RefundAddress, o.RefundPublicKeyHash, o.TimeoutBlockHeight,
		o.FundingTxn, o.FundingTxnIndex, o.FundingBlockHash,
		o.ClaimingTxn, o.ClaimingBlockHash,
		o.RefundTxn, o.RefundBlockHash, o.RefundReason,
		o.CreatedAt.Unix(), o.UpdatedAt.Unix(),
	}
}

// CreateOrder inserts a new order. The invoice must not exist yet.
func (s *Storage) CreateOrder(o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	result, err := s.db.Exec(`
		INSERT INTO swap_orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invoice) DO NOTHING
	`, orderArgs(o)...)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.Invoice)
	}
	return nil
}

// SaveOrder inserts or fully replaces an order.
func (s *Storage) SaveOrder(o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveOrderLocked(o)
}

func (s *Storage) saveOrderLocked(o *order.Order) error {
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO swap_orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invoice) DO UPDATE SET
			state = excluded.state,
			onchain_network = excluded.onchain_network,
			ln_payment_hash = excluded.ln_payment_hash,
			ln_dest_pub_key = excluded.ln_dest_pub_key,
			ln_amount = excluded.ln_amount,
			ln_preimage = excluded.ln_preimage,
			onchain_amount = excluded.onchain_amount,
			swap_address = excluded.swap_address,
			swap_key_index = excluded.swap_key_index,
			redeem_script = excluded.redeem_script,
			refund_address = excluded.refund_address,
			refund_public_key_hash = excluded.refund_public_key_hash,
			timeout_block_height = excluded.timeout_block_height,
			funding_txn = excluded.funding_txn,
			funding_txn_index = excluded.funding_txn_index,
			funding_block_hash = excluded.funding_block_hash,
			claiming_txn = excluded.claiming_txn,
			claiming_block_hash = excluded.claiming_block_hash,
			refund_txn = excluded.refund_txn,
			refund_block_hash = excluded.refund_block_hash,
			refund_reason = excluded.refund_reason,
			updated_at = excluded.updated_at
	`, orderArgs(o)...)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by invoice.
func (s *Storage) GetOrder(invoice string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrderLocked(invoice)
}

func (s *Storage) getOrderLocked(invoice string) (*order.Order, error) {
	o, err := scanOrder(s.db.QueryRow(`SELECT `+orderColumns+` FROM swap_orders WHERE invoice = ?`, invoice))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// GetOrderByAddress finds the order whose swap address is address.
func (s *Storage) GetOrderByAddress(address string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, err := scanOrder(s.db.QueryRow(`SELECT `+orderColumns+` FROM swap_orders WHERE swap_address = ?`, address))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// OrderFilter selects orders in ListOrders.
type OrderFilter struct {
	States  []order.State
	Network string

	// UpdatedSince keeps orders changed after the given time.
	UpdatedSince time.Time
	Limit        int
	Offset       int
}

// ListOrders returns orders matching the filter, newest first.
func (s *Storage) ListOrders(filter OrderFilter) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + orderColumns + ` FROM swap_orders WHERE 1=1`
	args := []interface{}{}

	if len(filter.States) > 0 {
		query += " AND state IN (?" + strings.Repeat(", ?", len(filter.States)-1) + ")"
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.Network != "" {
		query += " AND onchain_network = ?"
		args = append(args, filter.Network)
	}
	if !filter.UpdatedSince.IsZero() {
		query += " AND updated_at > ?"
		args = append(args, filter.UpdatedSince.Unix())
	}

	query += " ORDER BY created_at DESC, invoice"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// TransitionOrder applies m to the order if, and only if, it is still in
// state from. This is the single compare-and-set used by every writer.
func (s *Storage) TransitionOrder(from order.State, m *order.Message) (*order.Order, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !order.CanTransition(from, m.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, m.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.getOrderLocked(m.Invoice)
	if err != nil {
		return nil, err
	}
	if o.State != from {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, m.Invoice, o.State, from)
	}

	o.Apply(m)
	o.UpdatedAt = s.now()

	args := orderArgs(o)
	// Drop invoice from the head; it goes into the WHERE clause with from.
	args = append(args[1:], o.Invoice, from)
	result, err := s.db.Exec(`
		UPDATE swap_orders SET
			state = ?, onchain_network = ?,
			ln_payment_hash = ?, ln_dest_pub_key = ?, ln_amount = ?, ln_preimage = ?,
			onchain_amount = ?, swap_address = ?, swap_key_index = ?, redeem_script = ?,
			refund_address = ?, refund_public_key_hash = ?, timeout_block_height = ?,
			funding_txn = ?, funding_txn_index = ?, funding_block_hash = ?,
			claiming_txn = ?, claiming_block_hash = ?,
			refund_txn = ?, refund_block_hash = ?, refund_reason = ?,
			created_at = ?, updated_at = ?
		WHERE invoice = ? AND state = ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStateConflict, m.Invoice)
	}
	return o, nil
}

// ApplyMessage mirrors a state change announced by another process.
// Init messages, and WaitingForFunding messages carrying the swap terms,
// create the order. Repeated messages for the current state are ignored;
// anything else must be a valid transition.
func (s *Storage) ApplyMessage(m *order.Message) (*order.Order, bool, error) {
	if err := m.Validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.getOrderLocked(m.Invoice)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		if m.State != order.Init && (m.State != order.WaitingForFunding || m.Terms == nil) {
			return nil, false, err
		}
		o = &order.Order{Invoice: m.Invoice}
		o.Apply(m)
		if err := s.saveOrderLocked(o); err != nil {
			return nil, false, err
		}
		return o, true, nil
	case err != nil:
		return nil, false, err
	}

	if o.State == m.State {
		if m.Terms != nil && o.RedeemScript == "" {
			o.Apply(m)
			if err := s.saveOrderLocked(o); err != nil {
				return nil, false, err
			}
			return o, true, nil
		}
		return o, false, nil
	}
	if !order.CanTransition(o.State, m.State) {
		return o, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.State, m.State)
	}
	o.Apply(m)
	if err := s.saveOrderLocked(o); err != nil {
		return nil, false, err
	}
	return o, true, nil
}

// MergeOrder folds a record received from another process into the
// store. Unknown orders are inserted as they are; known ones are only
// advanced when the remote state lies ahead of the local one.
func (s *Storage) MergeOrder(remote *order.Order) (*order.Order, bool, error) {
	if remote.Invoice == "" || !remote.State.Valid() {
		return nil, false, fmt.Errorf("%w: %q in state %q", order.ErrInvalidField, remote.Invoice, remote.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.getOrderLocked(remote.Invoice)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		o := *remote
		if err := s.saveOrderLocked(&o); err != nil {
			return nil, false, err
		}
		return &o, true, nil
	case err != nil:
		return nil, false, err
	}

	if !order.Reachable(local.State, remote.State) {
		return local, false, nil
	}
	local.Merge(remote)
	if err := s.saveOrderLocked(local); err != nil {
		return nil, false, err
	}
	return local, true, nil
}

// CountOrders returns the number of orders per state.
func (s *Storage) CountOrders() (map[order.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM swap_orders GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[order.State]int)
	for rows.Next() {
		var st order.State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
